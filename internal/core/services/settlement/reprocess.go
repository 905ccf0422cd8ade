package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

// ReprocessSettlementFile re-runs extraction, matching and persistence
// from the cached raw text. Completed files are rejected; processing files
// only once they are stale.
func (p *Processor) ReprocessSettlementFile(ctx context.Context, id uuid.UUID) *ReprocessResult {
	ctx, span := p.tracer.Start(ctx, "settlement.reprocess",
		trace.WithAttributes(attribute.String("settlement_file_id", id.String())))
	defer span.End()

	fail := func(err error) *ReprocessResult {
		appErr := toAppError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, appErr.Message)
		p.logger.Warn("reprocess rejected",
			slog.String("settlement_file_id", id.String()),
			slog.String("code", string(appErr.Code)),
			slog.String("reason", appErr.Message))
		return &ReprocessResult{Success: false, Message: appErr.Message, ErrorCode: appErr.Code}
	}

	file, err := p.store.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return fail(apperrors.NotFound("settlement file not found"))
	}
	if err != nil {
		return fail(apperrors.DatabaseError(err))
	}

	if err := p.checkReprocessable(file); err != nil {
		return fail(err)
	}

	if p.locker != nil {
		release, err := p.locker.Obtain(ctx, reprocessLockKey(id), p.config.LockTTL)
		if errors.Is(err, ErrLockHeld) {
			return fail(apperrors.LockNotObtained("settlement file " + id.String()))
		}
		if err != nil {
			return fail(apperrors.InternalWrap(err, "failed to obtain reprocess lock"))
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("failed to release reprocess lock",
					slog.String("settlement_file_id", id.String()),
					slog.Any("error", err))
			}
		}()
	}

	file, err = p.store.BeginReprocess(ctx, id, p.now().Add(-p.config.StaleAfter))
	switch {
	case errors.Is(err, ErrStatusConflict):
		return fail(apperrors.ReprocessNotAllowed("settlement file status changed, retry later"))
	case errors.Is(err, ErrNotFound):
		return fail(apperrors.NotFound("settlement file not found"))
	case err != nil:
		return fail(apperrors.DatabaseError(err))
	}
	p.invalidate(ctx, id)

	p.logger.Info("reprocessing settlement file",
		slog.String("settlement_file_id", id.String()),
		slog.Int("reprocess_count", file.ReprocessCount))

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PipelineTimeout)
	defer cancel()

	data, err := p.runPipeline(runCtx, file)
	if err != nil {
		result := fail(err)
		result.Data = &ProcessingData{SettlementFileID: id, Platform: file.PlatformSource}
		return result
	}

	return &ReprocessResult{
		Success: true,
		Message: fmt.Sprintf("reprocessed: %d refunds extracted, %d matched to orders",
			data.RefundsInserted, data.MatchingSummary.Matched),
		Data: data,
	}
}

func (p *Processor) checkReprocessable(file *domain.SettlementFile) error {
	switch {
	case file.Status == domain.StatusCompleted:
		return apperrors.ReprocessNotAllowed("completed settlement files cannot be reprocessed")
	case file.Status == domain.StatusProcessing && !file.IsStale(p.now(), p.config.StaleAfter):
		return apperrors.ReprocessNotAllowed("settlement file is still processing")
	case strings.TrimSpace(file.RawText) == "":
		return apperrors.ReprocessNotAllowed("settlement file has no cached text to reprocess")
	}
	return nil
}

func reprocessLockKey(id uuid.UUID) string {
	return "settlement:reprocess:" + id.String()
}

// GetProcessingStatus returns the file with its stored refund count.
// Terminal statuses are served from the cache when one is configured.
func (p *Processor) GetProcessingStatus(ctx context.Context, id uuid.UUID) (*ProcessingStatus, error) {
	if p.cache != nil {
		if status, ok := p.cache.GetStatus(ctx, id); ok {
			return status, nil
		}
	}

	file, err := p.store.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.NotFound("settlement file not found")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	count, err := p.store.CountRefunds(ctx, id)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	status := &ProcessingStatus{File: file, RefundCount: count}

	if p.cache != nil && file.IsTerminal() {
		if err := p.cache.SetStatus(ctx, status); err != nil {
			p.logger.Warn("failed to cache processing status",
				slog.String("settlement_file_id", id.String()),
				slog.Any("error", err))
		}
	}

	return status, nil
}

// SweepStaleProcessing moves processing files older than StaleAfter to
// failed and returns how many were swept.
func (p *Processor) SweepStaleProcessing(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.config.StaleAfter)

	ids, err := p.store.SweepStale(ctx, cutoff, timedOutMessage)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}

	for _, id := range ids {
		p.invalidate(ctx, id)
	}

	if len(ids) > 0 {
		p.logger.Warn("stale settlement files marked failed",
			slog.Int("count", len(ids)),
			slog.Time("started_before", cutoff))
	}

	return len(ids), nil
}
