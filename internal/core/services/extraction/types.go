package extraction

import (
	"context"
	"time"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// Extractor turns normalized settlement text into structured refund candidates
type Extractor interface {
	ExtractRefunds(ctx context.Context, text string, platformHint domain.PlatformSource) (*Result, error)
}

// Result is the output of one extraction call
type Result struct {
	Refunds    []domain.ExtractedRefund `json:"refunds"`
	Model      string                   `json:"model"`
	TokensUsed int                      `json:"tokens_used"`
	Chunks     int                      `json:"chunks"`

	// Rejected lists rows the model returned that failed validation
	Rejected []string `json:"rejected,omitempty"`
}

// Config contains configuration for the extractor
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// MaxInputTokens is the estimated token budget for a whole document
	MaxInputTokens int

	// MaxChunkTokens splits long documents into several requests
	MaxChunkTokens int

	RequestTimeout  time.Duration
	Temperature     float32
	DefaultCurrency string
}

// DefaultConfig returns settings tuned for settlement reports
func DefaultConfig() Config {
	return Config{
		Model:           "gpt-4o-mini",
		MaxInputTokens:  100000,
		MaxChunkTokens:  6000,
		RequestTimeout:  120 * time.Second,
		Temperature:     0.1,
		DefaultCurrency: "USD",
	}
}

// Prompt is one request worth of settlement text
type Prompt struct {
	ChunkNumber     int    `json:"chunk_number"`
	TotalChunks     int    `json:"total_chunks"`
	System          string `json:"system"`
	User            string `json:"user"`
	EstimatedTokens int    `json:"estimated_tokens"`
}
