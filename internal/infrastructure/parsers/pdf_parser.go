package parsers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts the plain-text layer of a PDF report. Scanned PDFs
// without a text layer yield no lines and fail validation upstream.
type PDFParser struct {
	config *ParserConfig
}

// NewPDFParser creates a new PDF parser
func NewPDFParser(config *ParserConfig) *PDFParser {
	if config == nil {
		config = DefaultParserConfig()
	}
	return &PDFParser{
		config: config,
	}
}

// Parse reads and parses a PDF file from disk
func (p *PDFParser) Parse(ctx context.Context, filePath string) (*ParseResult, error) {
	file, err := openChecked(filePath, p.config.MaxFileSize)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return p.ParseStream(ctx, file)
}

// ParseStream reads and parses PDF data from an io.Reader
func (p *PDFParser) ParseStream(ctx context.Context, reader io.Reader) (result *ParseResult, err error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}

	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("corrupt PDF: %v", r)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("failed to extract PDF text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return nil, fmt.Errorf("failed to read PDF text: %w", err)
	}

	lines := splitLines(buf.String(), p.config.SkipEmptyRows)

	return &ParseResult{
		Lines:     lines,
		TotalRows: doc.NumPage(),
		Format:    "PDF",
	}, nil
}

// SupportedFormats returns the file extensions this parser supports
func (p *PDFParser) SupportedFormats() []string {
	return []string{".pdf"}
}

// TextParser handles plain-text reports (emailed statements, OCR output)
type TextParser struct {
	config *ParserConfig
}

// NewTextParser creates a new plain-text parser
func NewTextParser(config *ParserConfig) *TextParser {
	if config == nil {
		config = DefaultParserConfig()
	}
	return &TextParser{config: config}
}

// Parse reads and parses a text file from disk
func (p *TextParser) Parse(ctx context.Context, filePath string) (*ParseResult, error) {
	file, err := openChecked(filePath, p.config.MaxFileSize)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return p.ParseStream(ctx, file)
}

// ParseStream reads text from an io.Reader
func (p *TextParser) ParseStream(ctx context.Context, reader io.Reader) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read text: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := splitLines(string(data), p.config.SkipEmptyRows)
	return &ParseResult{
		Lines:     lines,
		TotalRows: len(lines),
		Format:    "TXT",
	}, nil
}

// SupportedFormats returns the file extensions this parser supports
func (p *TextParser) SupportedFormats() []string {
	return []string{".txt", ".text"}
}

func splitLines(text string, skipEmpty bool) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if skipEmpty && strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
