package deduplication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// Strategy defines how far repeated refund lines are looked for
type Strategy string

const (
	StrategyInFile    Strategy = "in_file"    // Repeats within one settlement file
	StrategyUniversal Strategy = "universal"  // Also lines already stored for the owner
)

// Line is one extracted refund with its fingerprint
type Line struct {
	Index       int    `json:"index"`
	Fingerprint string `json:"fingerprint"`

	// DuplicateOf is the index of the first identical line in the file, or -1
	DuplicateOf int `json:"duplicate_of"`

	// SeenBefore is set when a previous settlement file of the same owner
	// already holds a refund with this fingerprint
	SeenBefore bool `json:"seen_before"`
}

// IsPossibleDuplicate reports whether the line repeats an earlier one
func (l Line) IsPossibleDuplicate() bool {
	return l.DuplicateOf >= 0 || l.SeenBefore
}

// Result contains one Line per input refund, in input order. Lines are
// flagged, never removed, so refund counts stay equal to extracted counts.
type Result struct {
	Lines    []Line   `json:"lines"`
	Strategy Strategy `json:"strategy"`
	Stats    Stats    `json:"stats"`
}

// Stats provides detailed statistics
type Stats struct {
	InFileDuplicates    int   `json:"in_file_duplicates"`
	CrossFileDuplicates int   `json:"cross_file_duplicates"`
	UniqueLines         int   `json:"unique_lines"`
	ProcessingTimeMs    int64 `json:"processing_time_ms"`
}

// Config for the fingerprinting service
type Config struct {
	Strategy       Strategy `json:"strategy"`
	CaseSensitive  bool     `json:"case_sensitive"`  // Case-sensitive reason/reference comparison
	TrimWhitespace bool     `json:"trim_whitespace"` // Trim whitespace before hashing
}

// DefaultConfig returns the default fingerprinting configuration
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyUniversal,
		CaseSensitive:  false,
		TrimWhitespace: true,
	}
}

// FingerprintRepository looks up fingerprints persisted with earlier refunds
type FingerprintRepository interface {
	// ExistingFingerprints returns which of the given fingerprints are already
	// stored for the owner in settlement files other than excludeFileID
	ExistingFingerprints(ctx context.Context, ownerID string, excludeFileID uuid.UUID, fingerprints []string) (map[string]bool, error)
}

// Fingerprinter defines the interface for fingerprinting operations
type Fingerprinter interface {
	Fingerprint(ctx context.Context, ownerID string, fileID uuid.UUID, refunds []domain.ExtractedRefund) (*Result, error)
}

// generateHash creates a SHA256 hash over the identifying fields of a refund
func generateHash(refund domain.ExtractedRefund, config Config) (string, error) {
	hashData := map[string]interface{}{
		"order_ref": normalizeValue(deref(refund.OrderRefID), config),
		"customer":  normalizeValue(deref(refund.CustomerName), config),
		"date":      refund.TransactionDate.UTC().Format("2006-01-02"),
		"time":      normalizeValue(deref(refund.TransactionTime), config),
		"amount":    refund.AmountDeducted.StringFixed(2),
		"currency":  strings.ToUpper(strings.TrimSpace(refund.Currency)),
		"reason":    normalizeValue(refund.ReasonRaw, config),
	}

	// encoding/json sorts map keys, which keeps the hash stable
	jsonData, err := json.Marshal(hashData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal hash data: %w", err)
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

func normalizeValue(s string, config Config) string {
	if config.TrimWhitespace {
		s = strings.Join(strings.Fields(s), " ")
	}
	if !config.CaseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
