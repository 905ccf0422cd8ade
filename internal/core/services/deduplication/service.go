package deduplication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// Service implements the Fingerprinter interface
type Service struct {
	config Config
	repo   FingerprintRepository
	logger *slog.Logger
}

// NewService creates a new fingerprinting service. repo may be nil, which
// limits detection to repeats within one file.
func NewService(config Config, repo FingerprintRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		repo:   repo,
		logger: logger,
	}
}

// Fingerprint hashes every refund and flags repeats in two levels: within
// the file, then against refunds already stored for the owner.
func (s *Service) Fingerprint(ctx context.Context, ownerID string, fileID uuid.UUID, refunds []domain.ExtractedRefund) (*Result, error) {
	startTime := time.Now()

	result := &Result{
		Lines:    make([]Line, len(refunds)),
		Strategy: s.config.Strategy,
	}
	if len(refunds) == 0 {
		return result, nil
	}

	for i := range refunds {
		hash, err := generateHash(refunds[i], s.config)
		if err != nil {
			return nil, fmt.Errorf("failed to hash refund %d: %w", i, err)
		}
		result.Lines[i] = Line{Index: i, Fingerprint: hash, DuplicateOf: -1}
	}

	// Level 1: within the file
	firstSeen := make(map[string]int, len(refunds))
	for i, line := range result.Lines {
		if first, ok := firstSeen[line.Fingerprint]; ok {
			result.Lines[i].DuplicateOf = first
			result.Stats.InFileDuplicates++
			s.logger.Debug("repeated refund line in file",
				slog.Int("index", i),
				slog.Int("duplicate_of", first))
			continue
		}
		firstSeen[line.Fingerprint] = i
	}

	// Level 2: against earlier files of the same owner
	if s.config.Strategy == StrategyUniversal && s.repo != nil {
		unique := make([]string, 0, len(firstSeen))
		for fp := range firstSeen {
			unique = append(unique, fp)
		}

		existing, err := s.repo.ExistingFingerprints(ctx, ownerID, fileID, unique)
		if err != nil {
			// Fail open: flags are advisory
			s.logger.Warn("cross-file fingerprint lookup failed",
				slog.String("settlement_file_id", fileID.String()),
				slog.Any("error", err))
		} else {
			for i := range result.Lines {
				if existing[result.Lines[i].Fingerprint] {
					result.Lines[i].SeenBefore = true
					result.Stats.CrossFileDuplicates++
				}
			}
		}
	}

	for _, line := range result.Lines {
		if !line.IsPossibleDuplicate() {
			result.Stats.UniqueLines++
		}
	}
	result.Stats.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	s.logger.Info("refund lines fingerprinted",
		slog.String("settlement_file_id", fileID.String()),
		slog.Int("lines", len(refunds)),
		slog.Int("in_file_duplicates", result.Stats.InFileDuplicates),
		slog.Int("cross_file_duplicates", result.Stats.CrossFileDuplicates))

	return result, nil
}

// GetConfig returns the current configuration
func (s *Service) GetConfig() Config {
	return s.config
}
