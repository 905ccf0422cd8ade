package repositories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
)

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict
const uniqueViolation = "23505"

// refundBatchSize bounds the rows of one INSERT statement
const refundBatchSize = 500

// SettlementRepository implements settlement.Store and the fingerprint
// lookup of the deduplication service using GORM
type SettlementRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewSettlementRepository creates a new repository instance
func NewSettlementRepository(db *gorm.DB, logger *slog.Logger) *SettlementRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &SettlementRepository{
		db:     db,
		logger: logger,
	}
}

// FindByOwnerAndHash returns the file an owner uploaded with the given content hash
func (r *SettlementRepository) FindByOwnerAndHash(ctx context.Context, ownerID, fileHash string) (*domain.SettlementFile, error) {
	var file domain.SettlementFile

	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND file_hash = ?", ownerID, fileHash).
		First(&file).
		Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, settlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find settlement file by hash: %w", err)
	}

	return &file, nil
}

// CreateProcessing inserts a file in processing. The (owner_id, file_hash)
// unique index turns a concurrent second insert into ErrDuplicateFile.
func (r *SettlementRepository) CreateProcessing(ctx context.Context, file *domain.SettlementFile) error {
	file.Status = domain.StatusProcessing

	err := r.db.WithContext(ctx).
		Omit("Refunds").
		Create(file).
		Error

	if isUniqueViolation(err) {
		r.logger.Info("concurrent upload lost the idempotency race",
			slog.String("owner_id", file.OwnerID),
			slog.String("file_hash", file.FileHash))
		return fmt.Errorf("insert settlement file: %w", settlement.ErrDuplicateFile)
	}
	if err != nil {
		r.logger.Error("failed to insert settlement file",
			slog.String("owner_id", file.OwnerID),
			slog.Any("error", err))
		return fmt.Errorf("insert settlement file: %w", err)
	}

	return nil
}

// GetByID loads a settlement file
func (r *SettlementRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SettlementFile, error) {
	var file domain.SettlementFile

	err := r.db.WithContext(ctx).First(&file, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, settlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement file: %w", err)
	}

	return &file, nil
}

// CountRefunds counts the refund rows stored for a file
func (r *SettlementRepository) CountRefunds(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&domain.RefundAdjustment{}).
		Where("settlement_file_id = ?", id).
		Count(&count).
		Error

	if err != nil {
		return 0, fmt.Errorf("count refunds: %w", err)
	}

	return count, nil
}

// MarkFailed moves a processing file to failed
func (r *SettlementRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.SettlementFile{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"error_message": message,
		})

	if result.Error != nil {
		return fmt.Errorf("mark settlement file failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, r.db, id)
	}

	return nil
}

// CompleteWithRefunds deletes any residual refunds of the file, inserts the
// new batch and marks the file completed, all in one transaction
func (r *SettlementRepository) CompleteWithRefunds(ctx context.Context, id uuid.UUID, refunds []domain.RefundAdjustment, c settlement.Completion) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("settlement_file_id = ?", id).Delete(&domain.RefundAdjustment{}).Error; err != nil {
			return fmt.Errorf("delete residual refunds: %w", err)
		}

		if len(refunds) > 0 {
			if err := tx.Omit("SettlementFile").CreateInBatches(refunds, refundBatchSize).Error; err != nil {
				return fmt.Errorf("insert refunds: %w", err)
			}
		}

		result := tx.Model(&domain.SettlementFile{}).
			Where("id = ? AND status = ?", id, domain.StatusProcessing).
			Updates(map[string]interface{}{
				"status":                  domain.StatusCompleted,
				"error_message":           nil,
				"extraction_duration_ms":  c.ExtractionDurationMs,
				"extraction_model":        c.ExtractionModel,
				"tokens_used":             c.TokensUsed,
				"refunds_found":           c.RefundsFound,
				"matched_orders_count":    c.MatchedCount,
				"unmatched_refunds_count": c.UnmatchedCount,
				"completed_at":            c.CompletedAt,
			})
		if result.Error != nil {
			return fmt.Errorf("mark settlement file completed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return r.missingOrConflict(ctx, tx, id)
		}

		return nil
	})

	if err != nil {
		r.logger.Error("failed to persist refunds",
			slog.String("settlement_file_id", id.String()),
			slog.Int("refund_count", len(refunds)),
			slog.Any("error", err))
		return err
	}

	r.logger.Debug("refunds persisted",
		slog.String("settlement_file_id", id.String()),
		slog.Int("refund_count", len(refunds)))

	return nil
}

// BeginReprocess moves a failed file, or a processing file that started
// before staleBefore, back to processing and bumps its reprocess count
func (r *SettlementRepository) BeginReprocess(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*domain.SettlementFile, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.SettlementFile{}).
		Where("id = ? AND (status = ? OR (status = ? AND processing_started_at < ?))",
			id, domain.StatusFailed, domain.StatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":                domain.StatusProcessing,
			"error_message":         nil,
			"completed_at":          nil,
			"processing_started_at": time.Now().UTC(),
			"reprocess_count":       gorm.Expr("reprocess_count + 1"),
		})

	if result.Error != nil {
		return nil, fmt.Errorf("begin reprocess: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, r.missingOrConflict(ctx, r.db, id)
	}

	return r.GetByID(ctx, id)
}

// SweepStale fails processing files that started before the cutoff and
// returns their ids
func (r *SettlementRepository) SweepStale(ctx context.Context, before time.Time, message string) ([]uuid.UUID, error) {
	var ids []uuid.UUID

	err := r.db.WithContext(ctx).Raw(`
		UPDATE settlement_files
		SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ? AND processing_started_at < ?
		RETURNING id`,
		domain.StatusFailed, message, time.Now().UTC(),
		domain.StatusProcessing, before,
	).Scan(&ids).Error

	if err != nil {
		return nil, fmt.Errorf("sweep stale settlement files: %w", err)
	}

	return ids, nil
}

// ExistingFingerprints returns which fingerprints are already stored on
// refunds of the owner's other settlement files
func (r *SettlementRepository) ExistingFingerprints(ctx context.Context, ownerID string, excludeFileID uuid.UUID, fingerprints []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(fingerprints) == 0 {
		return found, nil
	}

	var rows []string
	err := r.db.WithContext(ctx).Raw(`
		SELECT DISTINCT metadata->>'fingerprint'
		FROM refund_adjustments
		WHERE owner_id = ? AND settlement_file_id <> ? AND metadata->>'fingerprint' IN ?`,
		ownerID, excludeFileID, fingerprints,
	).Scan(&rows).Error

	if err != nil {
		r.logger.Error("failed to look up refund fingerprints",
			slog.String("owner_id", ownerID),
			slog.Int("fingerprint_count", len(fingerprints)),
			slog.Any("error", err))
		return nil, fmt.Errorf("database query failed: %w", err)
	}

	for _, fp := range rows {
		found[fp] = true
	}

	return found, nil
}

func (r *SettlementRepository) missingOrConflict(ctx context.Context, db *gorm.DB, id uuid.UUID) error {
	var count int64
	if err := db.WithContext(ctx).Model(&domain.SettlementFile{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check settlement file: %w", err)
	}
	if count == 0 {
		return settlement.ErrNotFound
	}
	return settlement.ErrStatusConflict
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
