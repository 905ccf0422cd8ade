// Package httpapi exposes the settlement pipeline over HTTP.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/queue"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/storage"
)

// Processor is the settlement service as seen by the handlers
type Processor interface {
	ProcessSettlementFile(ctx context.Context, file parsers.File, meta settlement.Metadata) *settlement.ProcessingResult
	ReprocessSettlementFile(ctx context.Context, id uuid.UUID) *settlement.ReprocessResult
	GetProcessingStatus(ctx context.Context, id uuid.UUID) (*settlement.ProcessingStatus, error)
}

// Enqueuer hands work to background workers
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, payload queue.ProcessPayload) (string, error)
	EnqueueReprocess(ctx context.Context, payload queue.ReprocessPayload) (string, error)
}

// PendingUploads stores async upload bytes until a worker reads them
type PendingUploads interface {
	SaveUpload(ctx context.Context, uploadID, filename string, reader io.Reader) (*storage.FileMetadata, error)
	DeleteUpload(ctx context.Context, uploadID string) error
}

// UploadStatuses resolves async uploads to their processing outcome
type UploadStatuses interface {
	UploadStatus(ctx context.Context, uploadID string) (*queue.UploadStatus, error)
}

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Options configures the HTTP surface. Queue, Uploads and Tracker are
// optional; without them async requests are rejected.
type Options struct {
	Processor      Processor
	Queue          Enqueuer
	Uploads        PendingUploads
	Tracker        UploadStatuses
	MaxFileSize    int64
	HealthChecks   map[string]HealthCheck
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the settlement handlers
type Server struct {
	router *chi.Mux
	opts   Options
	logger *slog.Logger
}

// NewServer builds the router
func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 50 << 20
	}

	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
		logger: logger.With(slog.String("component", "http")),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1/settlements", func(r chi.Router) {
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}
		r.Post("/", s.handleUpload)
		r.Get("/{id}", s.handleGetStatus)
		r.Post("/{id}/reprocess", s.handleReprocess)
	})

	s.router.Get("/v1/uploads/{id}", s.handleUploadStatus)
}

// requestLogger logs one structured line per request
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
