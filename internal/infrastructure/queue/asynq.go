package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/config"
)

// Queue names with their asynq weights
const (
	QueueCritical = "critical"
	QueueHigh     = "high"
	QueueDefault  = "default"
)

func redisClientOpt(cfg *config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:         fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}
}

// AsynqClient wraps the Asynq client for enqueuing tasks
type AsynqClient struct {
	client          *asynq.Client
	maxRetries      int
	resultRetention time.Duration
	logger          *slog.Logger
}

// NewAsynqClient creates a new Asynq client
func NewAsynqClient(cfg *config.QueueConfig, logger *slog.Logger) (*AsynqClient, error) {
	client := asynq.NewClient(redisClientOpt(cfg))

	logger.Info("asynq client created",
		slog.String("redis_host", cfg.RedisHost),
		slog.Int("redis_port", cfg.RedisPort),
	)

	return &AsynqClient{
		client:          client,
		maxRetries:      cfg.MaxRetries,
		resultRetention: cfg.ResultRetention,
		logger:          logger,
	}, nil
}

// Close closes the Asynq client
func (a *AsynqClient) Close() error {
	a.logger.Info("closing asynq client")
	return a.client.Close()
}

// EnqueueContext enqueues a task with context
func (a *AsynqClient) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := a.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		a.logger.Error("failed to enqueue task",
			slog.String("task_type", task.Type()),
			slog.Any("error", err),
		)
		return nil, err
	}

	a.logger.Debug("task enqueued",
		slog.String("task_id", info.ID),
		slog.String("task_type", task.Type()),
		slog.String("queue", info.Queue),
	)

	return info, nil
}

// EnqueueProcess schedules a pending upload for processing and returns the task id
func (a *AsynqClient) EnqueueProcess(ctx context.Context, payload ProcessPayload) (string, error) {
	task, err := NewProcessTask(payload)
	if err != nil {
		return "", err
	}

	opts := []asynq.Option{
		asynq.Queue(QueueHigh),
		asynq.MaxRetry(a.maxRetries),
		asynq.TaskID(ProcessTaskID(payload.UploadID)),
	}
	if a.resultRetention > 0 {
		opts = append(opts, asynq.Retention(a.resultRetention))
	}

	info, err := a.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", err
	}

	return info.ID, nil
}

// EnqueueReprocess schedules a reprocess of a stored settlement file
func (a *AsynqClient) EnqueueReprocess(ctx context.Context, payload ReprocessPayload) (string, error) {
	task, err := NewReprocessTask(payload)
	if err != nil {
		return "", err
	}

	info, err := a.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(a.maxRetries))
	if err != nil {
		return "", err
	}

	return info.ID, nil
}

// AsynqServer wraps the Asynq server for processing tasks
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewAsynqServer creates a new Asynq server
func NewAsynqServer(cfg *config.QueueConfig, logger *slog.Logger) (*AsynqServer, error) {
	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				QueueCritical: 6, // Highest priority
				QueueHigh:     3,
				QueueDefault:  1,
			},
			StrictPriority: cfg.StrictPriority,

			// Exponential backoff: 2s, 4s, 8s, 16s, ...
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				return time.Duration(1<<uint(n)) * time.Second
			},

			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("task processing failed",
					slog.String("task_type", task.Type()),
					slog.Int("retry", retried),
					slog.Int("max_retry", maxRetry),
					slog.Any("error", err),
				)
			}),

			HealthCheckFunc: func(e error) {
				if e != nil {
					logger.Error("health check failed", slog.Any("error", e))
				}
			},
			HealthCheckInterval: 20 * time.Second,

			// Graceful shutdown
			ShutdownTimeout: 25 * time.Second,
		},
	)

	mux := asynq.NewServeMux()

	logger.Info("asynq server created",
		slog.String("redis_host", cfg.RedisHost),
		slog.Int("redis_port", cfg.RedisPort),
		slog.Int("concurrency", cfg.Concurrency),
	)

	return &AsynqServer{
		server: server,
		mux:    mux,
		logger: logger,
	}, nil
}

// HandleFunc registers a handler function for a task type
func (a *AsynqServer) HandleFunc(pattern string, handler func(context.Context, *asynq.Task) error) {
	a.mux.HandleFunc(pattern, handler)
	a.logger.Debug("handler registered", slog.String("pattern", pattern))
}

// Use adds a middleware to the mux
func (a *AsynqServer) Use(middleware func(asynq.Handler) asynq.Handler) {
	a.mux.Use(middleware)
}

// Start runs the server without blocking
func (a *AsynqServer) Start() error {
	a.logger.Info("starting asynq server")
	if err := a.server.Start(a.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (a *AsynqServer) Shutdown() {
	a.logger.Info("shutting down asynq server")
	a.server.Shutdown()
}

// Scheduler enqueues the periodic sweep task
type Scheduler struct {
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// NewScheduler registers the sweep task on the configured interval
func NewScheduler(cfg *config.QueueConfig, logger *slog.Logger) (*Scheduler, error) {
	scheduler := asynq.NewScheduler(redisClientOpt(cfg), &asynq.SchedulerOpts{
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logger.Warn("scheduled task not enqueued", slog.Any("error", err))
			}
		},
	})

	task, err := NewSweepTask()
	if err != nil {
		return nil, err
	}

	entryID, err := scheduler.Register(cfg.SweepInterval, task,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(0))
	if err != nil {
		return nil, fmt.Errorf("failed to register sweep task %q: %w", cfg.SweepInterval, err)
	}

	logger.Info("sweep task scheduled",
		slog.String("entry_id", entryID),
		slog.String("interval", cfg.SweepInterval))

	return &Scheduler{scheduler: scheduler, logger: logger}, nil
}

// Start runs the scheduler without blocking
func (s *Scheduler) Start() error {
	return s.scheduler.Start()
}

// Shutdown stops the scheduler
func (s *Scheduler) Shutdown() {
	s.logger.Info("shutting down scheduler")
	s.scheduler.Shutdown()
}
