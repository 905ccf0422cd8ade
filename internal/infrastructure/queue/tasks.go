package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
)

// Task Types (constants for task identification)
const (
	TaskTypeProcess   = "settlement:process"
	TaskTypeReprocess = "settlement:reprocess"
	TaskTypeSweep     = "settlement:sweep"
)

// ProcessPayload points a worker at a pending upload
type ProcessPayload struct {
	UploadID    string              `json:"upload_id"`
	FileName    string              `json:"file_name"`
	ContentType string              `json:"content_type,omitempty"`
	Metadata    settlement.Metadata `json:"metadata"`
}

// ProcessTaskID is the task id of an upload, one task per upload
func ProcessTaskID(uploadID string) string {
	return TaskTypeProcess + ":" + uploadID
}

// ReprocessPayload names the settlement file to reprocess
type ReprocessPayload struct {
	SettlementFileID uuid.UUID `json:"settlement_file_id"`
}

// NewProcessTask builds a settlement:process task
func NewProcessTask(p ProcessPayload) (*asynq.Task, error) {
	if p.UploadID == "" || p.FileName == "" {
		return nil, fmt.Errorf("process task requires upload id and file name")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode process payload: %w", err)
	}
	return asynq.NewTask(TaskTypeProcess, payload), nil
}

// NewReprocessTask builds a settlement:reprocess task
func NewReprocessTask(p ReprocessPayload) (*asynq.Task, error) {
	if p.SettlementFileID == uuid.Nil {
		return nil, fmt.Errorf("reprocess task requires a settlement file id")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode reprocess payload: %w", err)
	}
	return asynq.NewTask(TaskTypeReprocess, payload), nil
}

// NewSweepTask builds the periodic settlement:sweep task
func NewSweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskTypeSweep, nil), nil
}
