package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SettlementStatus is the lifecycle state of an ingested settlement file
type SettlementStatus string

const (
	StatusProcessing SettlementStatus = "processing"
	StatusCompleted  SettlementStatus = "completed"
	StatusFailed     SettlementStatus = "failed"
)

// SettlementFile represents one uploaded platform settlement report
type SettlementFile struct {
	ID       uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	OwnerID  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_settlement_owner_hash,priority:1" json:"owner_id"`
	BranchID *string   `gorm:"type:varchar(255);index:idx_settlement_branch" json:"branch_id,omitempty"`
	FileHash string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_settlement_owner_hash,priority:2" json:"file_hash"` // For idempotency

	FileName          string                      `gorm:"type:varchar(500);not null" json:"file_name"`
	FileType          string                      `gorm:"type:varchar(20);not null" json:"file_type"`
	SizeBytes         int64                       `gorm:"not null" json:"size_bytes"`
	PlatformSource    PlatformSource              `gorm:"type:varchar(50);not null;default:'unknown'" json:"platform_source"`
	PlatformConfirmed bool                        `gorm:"default:false" json:"platform_confirmed"`
	ReportDate        *time.Time                  `gorm:"type:date" json:"report_date,omitempty"`
	RawText           string                      `gorm:"type:text" json:"-"`
	ValidationIssues  datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"validation_issues,omitempty"`
	UploadedBy        string                      `gorm:"type:varchar(255)" json:"uploaded_by,omitempty"`

	Status       SettlementStatus `gorm:"type:varchar(20);not null;default:'processing';index:idx_settlement_status_started,priority:1" json:"status"`
	ErrorMessage *string          `gorm:"type:text" json:"error_message,omitempty"`

	// Extraction metrics
	ExtractionDurationMs int64  `gorm:"default:0" json:"extraction_duration_ms"`
	ExtractionModel      string `gorm:"type:varchar(100)" json:"extraction_model,omitempty"`
	TokensUsed           int    `gorm:"default:0" json:"tokens_used"`
	RefundsFound         int    `gorm:"default:0" json:"refunds_found"`

	// Matching metrics
	MatchedOrdersCount    int `gorm:"default:0" json:"matched_orders_count"`
	UnmatchedRefundsCount int `gorm:"default:0" json:"unmatched_refunds_count"`

	ReprocessCount      int        `gorm:"default:0" json:"reprocess_count"`
	ProcessingStartedAt time.Time  `gorm:"not null;index:idx_settlement_status_started,priority:2" json:"processing_started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Refunds []RefundAdjustment `gorm:"foreignKey:SettlementFileID;constraint:OnDelete:CASCADE" json:"refunds,omitempty"`
}

// TableName specifies the table name for GORM
func (SettlementFile) TableName() string {
	return "settlement_files"
}

// BeforeCreate GORM hook - called before creating a record
func (f *SettlementFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = StatusProcessing
	}
	if f.ProcessingStartedAt.IsZero() {
		f.ProcessingStartedAt = time.Now().UTC()
	}
	if f.PlatformSource == "" {
		f.PlatformSource = PlatformUnknown
	}
	return nil
}

// IsTerminal reports whether the file reached completed or failed
func (f *SettlementFile) IsTerminal() bool {
	return f.Status.IsTerminal()
}

// IsStale reports whether a processing file has exceeded the given age
func (f *SettlementFile) IsStale(now time.Time, staleAfter time.Duration) bool {
	return f.Status == StatusProcessing && now.Sub(f.ProcessingStartedAt) > staleAfter
}

// ValidStatuses returns list of valid settlement file statuses
func ValidStatuses() []SettlementStatus {
	return []SettlementStatus{
		StatusProcessing,
		StatusCompleted,
		StatusFailed,
	}
}

// IsValidStatus checks if a status is valid
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if string(s) == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves this status
func (s SettlementStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo encodes the settlement state machine. processing -> failed
// is also the edge used by reprocessing a stale row; failed -> processing is
// only taken through explicit reprocessing.
func (s SettlementStatus) CanTransitionTo(next SettlementStatus) bool {
	switch s {
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusProcessing
	default:
		return false
	}
}
