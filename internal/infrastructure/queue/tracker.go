package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/config"
)

// ErrUploadUnknown is returned when no task exists for an upload id,
// either because it never existed or its result retention expired
var ErrUploadUnknown = errors.New("upload not found")

// UploadStatus is the queue view of an async upload. Result is set once
// the worker recorded a final outcome.
type UploadStatus struct {
	UploadID    string                       `json:"upload_id"`
	TaskID      string                       `json:"task_id"`
	State       string                       `json:"state"`
	Retried     int                          `json:"retried"`
	MaxRetry    int                          `json:"max_retry"`
	LastError   string                       `json:"last_error,omitempty"`
	CompletedAt *time.Time                   `json:"completed_at,omitempty"`
	Result      *settlement.ProcessingResult `json:"result,omitempty"`
}

// taskInspector is the part of asynq.Inspector the tracker reads
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	Close() error
}

// UploadTracker resolves async uploads to their processing outcome
type UploadTracker struct {
	inspector taskInspector
	logger    *slog.Logger
}

// NewUploadTracker connects an asynq inspector to the queue Redis
func NewUploadTracker(cfg *config.QueueConfig, logger *slog.Logger) *UploadTracker {
	return newUploadTracker(asynq.NewInspector(redisClientOpt(cfg)), logger)
}

func newUploadTracker(inspector taskInspector, logger *slog.Logger) *UploadTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadTracker{
		inspector: inspector,
		logger:    logger.With(slog.String("component", "upload_tracker")),
	}
}

// Close releases the inspector connection
func (t *UploadTracker) Close() error {
	return t.inspector.Close()
}

// UploadStatus looks up the process task of an upload
func (t *UploadTracker) UploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	taskID := ProcessTaskID(uploadID)
	info, err := t.inspector.GetTaskInfo(QueueHigh, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUploadUnknown, uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect task %s: %w", taskID, err)
	}

	status := &UploadStatus{
		UploadID:  uploadID,
		TaskID:    info.ID,
		State:     info.State.String(),
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
	}
	if !info.CompletedAt.IsZero() {
		completed := info.CompletedAt
		status.CompletedAt = &completed
	}

	if len(info.Result) > 0 {
		var result settlement.ProcessingResult
		if err := json.Unmarshal(info.Result, &result); err != nil {
			t.logger.Warn("undecodable task result",
				slog.String("task_id", info.ID),
				slog.Any("error", err))
		} else {
			status.Result = &result
		}
	}

	return status, nil
}
