package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/storage"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

// Pipeline is the part of the settlement processor the worker drives
type Pipeline interface {
	ProcessSettlementFile(ctx context.Context, file parsers.File, meta settlement.Metadata) *settlement.ProcessingResult
	ReprocessSettlementFile(ctx context.Context, id uuid.UUID) *settlement.ReprocessResult
	SweepStaleProcessing(ctx context.Context) (int, error)
}

// UploadStore holds the bytes of async uploads until a worker picks them up
type UploadStore interface {
	ReadUpload(ctx context.Context, uploadID, filename string) ([]byte, error)
	DeleteUpload(ctx context.Context, uploadID string) error
	CleanupOldFiles(ctx context.Context, olderThan time.Duration) (int, error)
}

// Handlers executes settlement tasks
type Handlers struct {
	pipeline    Pipeline
	uploads     UploadStore
	retention   time.Duration
	writeResult func(task *asynq.Task, data []byte) error
	logger      *slog.Logger
}

// NewHandlers creates the task handlers. A zero retention disables
// storage cleanup during sweeps.
func NewHandlers(pipeline Pipeline, uploads UploadStore, retention time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		pipeline:    pipeline,
		uploads:     uploads,
		retention:   retention,
		writeResult: writeTaskResult,
		logger:      logger.With(slog.String("component", "queue_handlers")),
	}
}

// writeTaskResult stores the outcome on the task so it can be read back
// through an inspector. Tasks built outside a server have no writer.
func writeTaskResult(task *asynq.Task, data []byte) error {
	w := task.ResultWriter()
	if w == nil {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// Register wires every task type into the server
func (h *Handlers) Register(server *AsynqServer) {
	server.HandleFunc(TaskTypeProcess, h.HandleProcess)
	server.HandleFunc(TaskTypeReprocess, h.HandleReprocess)
	server.HandleFunc(TaskTypeSweep, h.HandleSweep)
}

// HandleProcess runs the pipeline on a pending upload. Outcomes with a
// stored record, duplicates and input errors are final and written as the
// task result. Store failures before any record exists are retried with
// the upload kept.
func (h *Handlers) HandleProcess(ctx context.Context, task *asynq.Task) error {
	var p ProcessPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode process payload: %v: %w", err, asynq.SkipRetry)
	}

	data, err := h.uploads.ReadUpload(ctx, p.UploadID, p.FileName)
	if errors.Is(err, storage.ErrUploadNotFound) {
		return fmt.Errorf("upload %s: %v: %w", p.UploadID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	result := h.pipeline.ProcessSettlementFile(ctx, parsers.File{
		Name:        p.FileName,
		ContentType: p.ContentType,
		Data:        data,
	}, p.Metadata)

	attrs := []any{
		slog.String("upload_id", p.UploadID),
		slog.String("owner_id", p.Metadata.OwnerID),
		slog.String("status", string(result.Status)),
	}
	if result.Data != nil {
		attrs = append(attrs, slog.String("settlement_file_id", result.Data.SettlementFileID.String()))
	}
	if result.Success {
		h.logger.Info("async settlement processed", attrs...)
	} else {
		attrs = append(attrs, slog.String("error_code", string(result.ErrorCode)), slog.String("message", result.Message))
		h.logger.Warn("async settlement not processed", attrs...)
	}

	if retryable(result) {
		return fmt.Errorf("process upload %s: %s: %s", p.UploadID, result.ErrorCode, result.Message)
	}

	if encoded, err := json.Marshal(result); err != nil {
		h.logger.Warn("failed to encode task result", slog.Any("error", err))
	} else if err := h.writeResult(task, encoded); err != nil {
		h.logger.Warn("failed to write task result",
			slog.String("upload_id", p.UploadID),
			slog.Any("error", err))
	}

	if err := h.uploads.DeleteUpload(ctx, p.UploadID); err != nil {
		h.logger.Warn("failed to delete pending upload",
			slog.String("upload_id", p.UploadID),
			slog.Any("error", err))
	}

	return nil
}

// retryable reports a store or internal failure that happened before a
// settlement file was recorded
func retryable(result *settlement.ProcessingResult) bool {
	if result.Status != settlement.OutcomeError || result.Data != nil {
		return false
	}
	switch result.ErrorCode {
	case apperrors.ErrCodeDatabaseError, apperrors.ErrCodeInternal:
		return true
	}
	return false
}

// HandleReprocess reprocesses a stored file. Only a held lock is retried.
func (h *Handlers) HandleReprocess(ctx context.Context, task *asynq.Task) error {
	var p ReprocessPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode reprocess payload: %v: %w", err, asynq.SkipRetry)
	}

	result := h.pipeline.ReprocessSettlementFile(ctx, p.SettlementFileID)
	if result.Success {
		h.logger.Info("settlement file reprocessed",
			slog.String("settlement_file_id", p.SettlementFileID.String()))
		return nil
	}

	if result.ErrorCode == apperrors.ErrCodeLockNotObtained {
		return fmt.Errorf("reprocess %s: %s", p.SettlementFileID, result.Message)
	}

	h.logger.Warn("reprocess task finished without success",
		slog.String("settlement_file_id", p.SettlementFileID.String()),
		slog.String("error_code", string(result.ErrorCode)),
		slog.String("message", result.Message))

	return nil
}

// HandleSweep fails stale processing files and prunes old stored files
func (h *Handlers) HandleSweep(ctx context.Context, task *asynq.Task) error {
	swept, err := h.pipeline.SweepStaleProcessing(ctx)
	if err != nil {
		return fmt.Errorf("sweep stale processing: %w", err)
	}

	removed := 0
	if h.uploads != nil && h.retention > 0 {
		removed, err = h.uploads.CleanupOldFiles(ctx, h.retention)
		if err != nil {
			h.logger.Warn("storage cleanup failed", slog.Any("error", err))
		}
	}

	h.logger.Info("sweep completed",
		slog.Int("stale_failed", swept),
		slog.Int("storage_removed", removed))

	return nil
}
