package parsers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

// Service turns an uploaded settlement file into normalized text, a content
// fingerprint and a best-guess platform.
type Service struct {
	factory *ParserFactory
	config  *ParserConfig
	logger  *slog.Logger
}

// NewService creates a parser service backed by the built-in parsers
func NewService(config *ParserConfig, logger *slog.Logger) *Service {
	if config == nil {
		config = DefaultParserConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		factory: NewParserFactory(config),
		config:  config,
		logger:  logger,
	}
}

// HashContent fingerprints raw upload bytes
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse runs format detection, text extraction, normalization and
// classification. The hash covers the raw bytes so byte-identical
// re-uploads always collide.
func (s *Service) Parse(ctx context.Context, file File) (*ParsedFile, error) {
	if len(file.Data) == 0 {
		return nil, apperrors.InvalidFile("uploaded file is empty")
	}
	if s.config.MaxFileSize > 0 && int64(len(file.Data)) > s.config.MaxFileSize {
		return nil, apperrors.FileTooLarge(s.config.MaxFileSize)
	}

	ext, err := s.factory.DetectFormat(file.Name, file.Data)
	if err != nil {
		return nil, apperrors.UnsupportedFormat(file.Name).WithDetails("reason", err.Error())
	}

	parser, err := s.factory.GetParser(ext)
	if err != nil {
		return nil, apperrors.UnsupportedFormat(ext)
	}

	data, transcoded := decodeLegacyText(ext, file.Data)
	if transcoded {
		s.logger.Info("settlement file is not UTF-8, decoded as Windows-1252",
			slog.String("file_name", file.Name),
			slog.String("format", ext))
	}

	result, err := parser.ParseStream(ctx, bytes.NewReader(data))
	if err != nil {
		s.logger.Warn("settlement file parse failed",
			slog.String("file_name", file.Name),
			slog.String("format", ext),
			slog.Any("error", err))
		return nil, apperrors.FileParseError(err, strings.TrimPrefix(ext, "."))
	}

	text := NormalizeText(RenderText(result))
	if text == "" {
		return nil, apperrors.FileParseError(errEmptyText, strings.TrimPrefix(ext, "."))
	}

	platform := DetectPlatform(file.Name, text, s.config.PlatformSniffBytes)

	parsed := &ParsedFile{
		Text:             text,
		FileHash:         HashContent(file.Data),
		FileType:         strings.TrimPrefix(ext, "."),
		SizeBytes:        int64(len(file.Data)),
		DetectedPlatform: platform,
		ReportDate:       DetectReportDate(text),
		Validation:       Validate(text, platform, s.config.MinTextLength),
	}
	if transcoded {
		parsed.Validation.Issues = append(parsed.Validation.Issues, issueLegacyEncoding)
	}

	s.logger.Debug("settlement file parsed",
		slog.String("file_name", file.Name),
		slog.String("format", result.Format),
		slog.Int("rows", result.TotalRows),
		slog.Int("skipped_rows", result.SkippedRows),
		slog.Int("text_length", len(text)),
		slog.String("platform", string(platform)),
		slog.Bool("valid", parsed.Validation.IsValid))

	return parsed, nil
}

// SupportedFormats lists accepted extensions
func (s *Service) SupportedFormats() []string {
	return s.factory.SupportedFormats()
}

var errEmptyText = errors.New("no extractable text in document")

const issueLegacyEncoding = "file is not UTF-8; decoded as Windows-1252"

// textFormats are read as character data; xlsx and pdf carry their own encoding
var textFormats = map[string]bool{
	".csv": true, ".txt": true, ".json": true, ".jsonl": true, ".ndjson": true,
}

// decodeLegacyText transcodes text exports that are not valid UTF-8.
// Windows-1252 is a superset of the printable Latin-1 range that spreadsheet
// tools emit for Spanish and Portuguese locales.
func decodeLegacyText(ext string, data []byte) ([]byte, bool) {
	if !textFormats[ext] || utf8.Valid(data) {
		return data, false
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data, false
	}
	return decoded, true
}
