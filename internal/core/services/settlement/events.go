package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Stage names a pipeline step
type Stage string

const (
	StageParse       Stage = "parse"
	StageIdempotency Stage = "idempotency"
	StageCreate      Stage = "create_record"
	StageExtract     Stage = "extract"
	StageFingerprint Stage = "fingerprint"
	StageMatch       Stage = "match"
	StagePersist     Stage = "persist"
)

// Event is one step notification
type Event struct {
	FileID   uuid.UUID
	Stage    Stage
	Duration time.Duration
	Attrs    []slog.Attr
	Err      error
}

// EventSink receives step events of every run
type EventSink interface {
	StepStarted(ctx context.Context, e Event)
	StepCompleted(ctx context.Context, e Event)
	StepFailed(ctx context.Context, e Event)
}

// LogEventSink writes step events to a slog logger
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink creates the default sink
func NewLogEventSink(logger *slog.Logger) *LogEventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger}
}

func (s *LogEventSink) StepStarted(ctx context.Context, e Event) {
	s.logger.LogAttrs(ctx, slog.LevelDebug, "step started", s.attrs(e)...)
}

func (s *LogEventSink) StepCompleted(ctx context.Context, e Event) {
	attrs := append(s.attrs(e), slog.Int64("duration_ms", e.Duration.Milliseconds()))
	s.logger.LogAttrs(ctx, slog.LevelInfo, "step completed", attrs...)
}

func (s *LogEventSink) StepFailed(ctx context.Context, e Event) {
	attrs := append(s.attrs(e),
		slog.Int64("duration_ms", e.Duration.Milliseconds()),
		slog.Any("error", e.Err))
	s.logger.LogAttrs(ctx, slog.LevelError, "step failed", attrs...)
}

func (s *LogEventSink) attrs(e Event) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(e.Attrs)+4)
	attrs = append(attrs, slog.String("stage", string(e.Stage)))
	if e.FileID != uuid.Nil {
		attrs = append(attrs, slog.String("settlement_file_id", e.FileID.String()))
	}
	return append(attrs, e.Attrs...)
}

// step tracks one stage from start to completion or failure
type step struct {
	sink  EventSink
	event Event
	start time.Time
}

func startStep(ctx context.Context, sink EventSink, fileID uuid.UUID, stage Stage) *step {
	s := &step{sink: sink, event: Event{FileID: fileID, Stage: stage}, start: time.Now()}
	sink.StepStarted(ctx, s.event)
	return s
}

func (s *step) done(ctx context.Context, attrs ...slog.Attr) time.Duration {
	s.event.Duration = time.Since(s.start)
	s.event.Attrs = attrs
	s.sink.StepCompleted(ctx, s.event)
	return s.event.Duration
}

func (s *step) fail(ctx context.Context, err error, attrs ...slog.Attr) {
	s.event.Duration = time.Since(s.start)
	s.event.Err = err
	s.event.Attrs = attrs
	s.sink.StepFailed(ctx, s.event)
}
