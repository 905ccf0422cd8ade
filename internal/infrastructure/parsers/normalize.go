package parsers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RenderText turns a ParseResult into the line-oriented text handed to the
// extractor. Tabular rows render as "column: value | column: value".
func RenderText(result *ParseResult) string {
	if result == nil {
		return ""
	}
	if len(result.Lines) > 0 {
		return strings.Join(result.Lines, "\n")
	}
	if len(result.Records) == 0 {
		return ""
	}

	columns := result.Columns
	if len(columns) == 0 {
		columns = collectColumns(result.Records)
	}

	lines := make([]string, 0, len(result.Records)+1)
	lines = append(lines, renderHeader(columns))
	for _, record := range result.Records {
		lines = append(lines, renderRecord(columns, record))
	}
	return strings.Join(lines, "\n")
}

func renderHeader(columns []string) string {
	return "columns: " + strings.Join(columns, " | ")
}

func renderRecord(columns []string, record Record) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		value, ok := record[col]
		if !ok || value == nil {
			continue
		}
		s := stringify(value)
		if s == "" {
			continue
		}
		parts = append(parts, col+": "+s)
	}

	// Keys outside the header (JSON records) are appended in stable order.
	if len(record) > len(columns) {
		known := make(map[string]bool, len(columns))
		for _, col := range columns {
			known[col] = true
		}
		var extra []string
		for k := range record {
			if !known[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			if s := stringify(record[k]); s != "" {
				parts = append(parts, k+": "+s)
			}
		}
	}

	return strings.Join(parts, " | ")
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// shortest exact form; sub-cent fees must survive
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// normalizer folds compatibility characters (full-width digits, ligatures
// from PDF text layers, non-breaking spaces) and strips control characters
// other than newline and tab. Chains carry state, so one is built per call.
func newNormalizer() transform.Transformer {
	return transform.Chain(
		norm.NFKC,
		runes.Remove(runes.Predicate(func(r rune) bool {
			return unicode.IsControl(r) && r != '\n' && r != '\t'
		})),
	)
}

// NormalizeText applies unicode normalization and collapses whitespace on
// every line, dropping empty lines.
func NormalizeText(text string) string {
	normalized, _, err := transform.String(newNormalizer(), text)
	if err != nil {
		normalized = text
	}

	lines := strings.Split(normalized, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		collapsed := strings.Join(strings.Fields(line), " ")
		if collapsed != "" {
			out = append(out, collapsed)
		}
	}
	return strings.Join(out, "\n")
}
