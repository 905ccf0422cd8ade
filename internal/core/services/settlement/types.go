package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/matching"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

var (
	// ErrNotFound is returned by a Store when no row matches
	ErrNotFound = errors.New("settlement file not found")

	// ErrDuplicateFile is returned by CreateProcessing when the owner
	// already has a file with the same content hash
	ErrDuplicateFile = errors.New("settlement file already exists for owner")

	// ErrStatusConflict is returned when a compare-and-set status update
	// finds the row in an unexpected state
	ErrStatusConflict = errors.New("settlement file status changed concurrently")

	// ErrLockHeld is returned by a Locker when another worker owns the key
	ErrLockHeld = errors.New("lock held by another worker")
)

// Outcome is the logical result of one pipeline call
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// Metadata accompanies an upload
type Metadata struct {
	OwnerID      string                `json:"owner_id"`
	BranchID     *string               `json:"branch_id,omitempty"`
	PlatformHint domain.PlatformSource `json:"platform_hint,omitempty"`
	UploadedBy   string                `json:"uploaded_by,omitempty"`
}

// ProcessingResult is returned by ProcessSettlementFile. Errors never
// escape as Go errors; they are reported through Status and ErrorCode.
type ProcessingResult struct {
	Success        bool                `json:"success"`
	Status         Outcome             `json:"status"`
	Message        string              `json:"message"`
	ErrorCode      apperrors.ErrorCode `json:"error_code,omitempty"`
	ExistingFileID *uuid.UUID          `json:"existing_file_id,omitempty"`
	Data           *ProcessingData     `json:"data,omitempty"`
}

// ProcessingData carries the metrics of a completed run
type ProcessingData struct {
	SettlementFileID     uuid.UUID             `json:"settlement_file_id"`
	RefundsExtracted     int                   `json:"refunds_extracted"`
	RefundsInserted      int                   `json:"refunds_inserted"`
	RefundsRejected      []string              `json:"refunds_rejected,omitempty"`
	PossibleDuplicates   int                   `json:"possible_duplicates"`
	MatchingSummary      matching.Summary      `json:"matching_summary"`
	ExtractionDurationMs int64                 `json:"extraction_duration_ms"`
	TotalDurationMs      int64                 `json:"total_duration_ms"`
	TokensUsed           int                   `json:"tokens_used"`
	Model                string                `json:"model"`
	Platform             domain.PlatformSource `json:"platform"`
}

// ProcessingStatus is a settlement file plus the number of stored refunds
type ProcessingStatus struct {
	File        *domain.SettlementFile `json:"settlement_file"`
	RefundCount int64                  `json:"refund_count"`
}

// ReprocessResult is returned by ReprocessSettlementFile
type ReprocessResult struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	ErrorCode apperrors.ErrorCode `json:"error_code,omitempty"`
	Data      *ProcessingData     `json:"data,omitempty"`
}

// Completion holds the metrics written when a file reaches completed
type Completion struct {
	ExtractionDurationMs int64
	ExtractionModel      string
	TokensUsed           int
	RefundsFound         int
	MatchedCount         int
	UnmatchedCount       int
	CompletedAt          time.Time
}

// CandidateQuery scopes the order pool of one matching run
type CandidateQuery struct {
	OwnerID  string
	BranchID *string
	From     time.Time
	To       time.Time
}

// Parser turns uploaded bytes into normalized text
type Parser interface {
	Parse(ctx context.Context, file parsers.File) (*parsers.ParsedFile, error)
}

// Store persists settlement files and their refunds
type Store interface {
	FindByOwnerAndHash(ctx context.Context, ownerID, fileHash string) (*domain.SettlementFile, error)
	CreateProcessing(ctx context.Context, file *domain.SettlementFile) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.SettlementFile, error)
	CountRefunds(ctx context.Context, id uuid.UUID) (int64, error)

	// MarkFailed moves a processing file to failed
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error

	// CompleteWithRefunds replaces the file's refunds and marks it completed
	// in one transaction
	CompleteWithRefunds(ctx context.Context, id uuid.UUID, refunds []domain.RefundAdjustment, completion Completion) error

	// BeginReprocess moves a failed file, or a processing file that started
	// before staleBefore, back to processing
	BeginReprocess(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*domain.SettlementFile, error)

	// SweepStale fails processing files that started before the cutoff
	SweepStale(ctx context.Context, before time.Time, message string) ([]uuid.UUID, error)
}

// OrderSource loads the historical orders refunds are matched against
type OrderSource interface {
	FindCandidates(ctx context.Context, query CandidateQuery) ([]domain.Order, error)
}

// Matcher links extracted refunds to orders
type Matcher interface {
	MatchBatch(ctx context.Context, refunds []domain.ExtractedRefund, candidates []domain.Order, opts matching.Options) (*matching.BatchResult, error)
}

// Archive keeps the raw uploaded bytes of a settlement file
type Archive interface {
	ArchiveRaw(ctx context.Context, fileID uuid.UUID, fileName string, data []byte) (string, error)
}

// StatusCache caches terminal processing statuses
type StatusCache interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*ProcessingStatus, bool)
	SetStatus(ctx context.Context, status *ProcessingStatus) error
	InvalidateStatus(ctx context.Context, id uuid.UUID) error
}

// Locker provides a distributed mutex keyed by name
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Config tunes the orchestrator
type Config struct {
	SkipMatching bool

	// MatchWindowDays widens the order pool around the refund dates
	MatchWindowDays int

	// PipelineTimeout bounds extraction, matching and persistence once
	// the record exists
	PipelineTimeout time.Duration

	// StaleAfter is the age at which a processing file is considered abandoned
	StaleAfter time.Duration

	LockTTL time.Duration

	MatchOptions matching.Options
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{
		MatchWindowDays: 2,
		PipelineTimeout: 5 * time.Minute,
		StaleAfter:      30 * time.Minute,
		LockTTL:         10 * time.Minute,
		MatchOptions:    matching.DefaultOptions(),
	}
}

// timedOutMessage is recorded on files moved to failed by the sweeper
const timedOutMessage = "processing timed out"
