package parsers

import (
	"context"
	"io"
	"time"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// Record represents a single tabular row as a map
type Record map[string]interface{}

// ParseResult is the raw output of one format parser
type ParseResult struct {
	// Records holds tabular rows (CSV, Excel, JSON)
	Records []Record
	// Lines holds already-linear text (PDF, plain text, multi-sheet Excel)
	Lines       []string
	TotalRows   int
	SkippedRows int
	Columns     []string
	Format      string
}

// FileParser is the interface all format parsers must implement
type FileParser interface {
	// Parse reads and parses the file from the given path
	Parse(ctx context.Context, filePath string) (*ParseResult, error)

	// ParseStream reads and parses from an io.Reader
	ParseStream(ctx context.Context, reader io.Reader) (*ParseResult, error)

	// SupportedFormats returns the file extensions this parser supports
	SupportedFormats() []string
}

// ParserConfig holds configuration for all parsers
type ParserConfig struct {
	// SkipEmptyRows determines if empty rows should be skipped
	SkipEmptyRows bool

	// TrimWhitespace determines if cell values should be trimmed
	TrimWhitespace bool

	// MaxFileSize is the maximum file size in bytes (0 = unlimited)
	MaxFileSize int64

	// MinTextLength below which a warning is attached to the validation
	MinTextLength int

	// PlatformSniffBytes limits how much leading text is scanned for platform keywords
	PlatformSniffBytes int
}

// DefaultParserConfig returns sensible defaults
func DefaultParserConfig() *ParserConfig {
	return &ParserConfig{
		SkipEmptyRows:      true,
		TrimWhitespace:     true,
		MaxFileSize:        50 * 1024 * 1024, // 50 MB
		MinTextLength:      40,
		PlatformSniffBytes: 4096,
	}
}

// File is an uploaded settlement document
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Validation summarizes non-fatal findings about the parsed text
type Validation struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues,omitempty"`
}

// ParsedFile is the normalized text plus its fingerprint and classification
type ParsedFile struct {
	Text             string                `json:"-"`
	FileHash         string                `json:"file_hash"`
	FileType         string                `json:"file_type"`
	SizeBytes        int64                 `json:"size_bytes"`
	DetectedPlatform domain.PlatformSource `json:"detected_platform"`
	ReportDate       *time.Time            `json:"report_date,omitempty"`
	Validation       Validation            `json:"validation"`
}
