package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// JSONParser parses platform API exports: a JSON array of objects, a single
// object wrapping such an array, or newline-delimited JSON.
type JSONParser struct {
	config *ParserConfig
}

// NewJSONParser creates a new JSON parser
func NewJSONParser(config *ParserConfig) *JSONParser {
	if config == nil {
		config = DefaultParserConfig()
	}
	return &JSONParser{
		config: config,
	}
}

// Parse reads and parses a JSON file from disk
func (p *JSONParser) Parse(ctx context.Context, filePath string) (*ParseResult, error) {
	file, err := openChecked(filePath, p.config.MaxFileSize)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return p.ParseStream(ctx, file)
}

// ParseStream reads and parses JSON data from an io.Reader
func (p *JSONParser) ParseStream(ctx context.Context, reader io.Reader) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty JSON document")
	}

	var records []Record
	skipped := 0

	switch {
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("failed to decode JSON array: %w", err)
		}
	case json.Valid(trimmed):
		var object Record
		if err := json.Unmarshal(trimmed, &object); err != nil {
			return nil, fmt.Errorf("failed to decode JSON object: %w", err)
		}
		records = unwrapObject(object)
	default:
		records, skipped, err = p.parseLines(ctx, trimmed)
		if err != nil {
			return nil, err
		}
	}

	return &ParseResult{
		Records:     records,
		TotalRows:   len(records) + skipped,
		SkippedRows: skipped,
		Columns:     collectColumns(records),
		Format:      "JSON",
	}, nil
}

// parseLines handles JSONL; malformed lines are skipped
func (p *JSONParser) parseLines(ctx context.Context, data []byte) ([]Record, int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	var records []Record
	skipped := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			skipped++
			continue
		}
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to scan JSONL: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("no valid JSON records found")
	}

	return records, skipped, nil
}

// SupportedFormats returns the file extensions this parser supports
func (p *JSONParser) SupportedFormats() []string {
	return []string{".json", ".jsonl", ".ndjson"}
}

// unwrapObject returns the first array-of-objects field (e.g. "refunds",
// "items", "data") or the object itself.
func unwrapObject(object Record) []Record {
	keys := make([]string, 0, len(object))
	for k := range object {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		items, ok := object[k].([]interface{})
		if !ok || len(items) == 0 {
			continue
		}
		records := make([]Record, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				records = append(records, Record(m))
			}
		}
		if len(records) > 0 {
			return records
		}
	}

	return []Record{object}
}

func collectColumns(records []Record) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, record := range records {
		keys := make([]string, 0, len(record))
		for k := range record {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = true
			columns = append(columns, k)
		}
	}
	return columns
}
