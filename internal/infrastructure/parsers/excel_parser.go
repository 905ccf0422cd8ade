package parsers

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ExcelParser parses Excel workbooks (.xlsx, .xlsm). Every sheet is read;
// platforms often split refunds and adjustments across tabs.
type ExcelParser struct {
	config *ParserConfig
}

// NewExcelParser creates a new Excel parser
func NewExcelParser(config *ParserConfig) *ExcelParser {
	if config == nil {
		config = DefaultParserConfig()
	}
	return &ExcelParser{
		config: config,
	}
}

// Parse reads and parses an Excel file from disk
func (p *ExcelParser) Parse(ctx context.Context, filePath string) (*ParseResult, error) {
	file, err := openChecked(filePath, p.config.MaxFileSize)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return p.ParseStream(ctx, file)
}

// ParseStream reads and parses Excel data from an io.Reader
func (p *ExcelParser) ParseStream(ctx context.Context, reader io.Reader) (*ParseResult, error) {
	f, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read Excel stream: %w", err)
	}
	defer f.Close()

	return p.parseWorkbook(ctx, f)
}

func (p *ExcelParser) parseWorkbook(ctx context.Context, f *excelize.File) (*ParseResult, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in Excel file")
	}

	result := &ParseResult{
		Records: []Record{},
		Columns: []string{},
		Format:  "XLSX",
	}
	seenColumns := make(map[string]bool)

	for _, sheetName := range sheets {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("failed to get rows from sheet %s: %w", sheetName, err)
		}

		headerIdx := findHeaderRow(rows)
		if headerIdx < 0 {
			continue
		}

		header := rows[headerIdx]
		if p.config.TrimWhitespace {
			for i := range header {
				header[i] = strings.TrimSpace(header[i])
			}
		}
		for _, col := range header {
			if col != "" && !seenColumns[col] {
				seenColumns[col] = true
				result.Columns = append(result.Columns, col)
			}
		}

		result.Lines = append(result.Lines, "# sheet: "+sheetName)
		for _, title := range rows[:headerIdx] {
			if !isEmptyRow(title) {
				result.Lines = append(result.Lines, strings.Join(title, " "))
			}
		}
		result.Lines = append(result.Lines, renderHeader(header))

		for rowIdx := headerIdx + 1; rowIdx < len(rows); rowIdx++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			row := rows[rowIdx]
			result.TotalRows++

			if p.config.SkipEmptyRows && isEmptyRow(row) {
				result.SkippedRows++
				continue
			}

			record := rowToRecord(header, row, p.config.TrimWhitespace)
			result.Records = append(result.Records, record)
			result.Lines = append(result.Lines, renderRecord(header, record))
		}
	}

	return result, nil
}

// findHeaderRow returns the first row with at least two filled cells.
// Single-cell rows above it are report titles. A sheet with only such rows
// uses its first non-empty row.
func findHeaderRow(rows [][]string) int {
	first := -1
	for i, row := range rows {
		filled := 0
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				filled++
			}
		}
		if filled >= 2 {
			return i
		}
		if filled == 1 && first < 0 {
			first = i
		}
	}
	return first
}

// SupportedFormats returns the file extensions this parser supports
func (p *ExcelParser) SupportedFormats() []string {
	return []string{".xlsx", ".xlsm"}
}
