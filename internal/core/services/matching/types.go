package matching

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// ErrMalformedRefund is returned when a refund lacks the fields every
// matching method needs (transaction date, positive amount).
var ErrMalformedRefund = errors.New("malformed refund")

// Weights combine the signals of the fuzzy reference method
type Weights struct {
	Ref    float64 `json:"ref"`
	Amount float64 `json:"amount"`
	Date   float64 `json:"date"`
}

// Options tune one matching run
type Options struct {
	// AmountTolerance is the absolute difference still considered equal
	AmountTolerance decimal.Decimal

	// DateWindowDays absorbs settlement-vs-order date drift
	DateWindowDays int

	// FuzzyRefThreshold is the minimum weighted score of the fuzzy reference method
	FuzzyRefThreshold float64

	// MinNameSimilarity is the minimum customer-name similarity for the name method
	MinNameSimilarity float64

	// NameAmountCap is the ceiling confidence of the name method
	NameAmountCap float64

	Weights Weights

	// Concurrency bounds parallel matching in MatchBatch
	Concurrency int

	// LogAllAttempts degrades malformed refunds to unmatched instead of failing
	LogAllAttempts bool
}

// DefaultOptions returns the default matching thresholds
func DefaultOptions() Options {
	return Options{
		AmountTolerance:   decimal.New(1, -2), // 0.01
		DateWindowDays:    2,
		FuzzyRefThreshold: 0.75,
		MinNameSimilarity: 0.7,
		NameAmountCap:     0.55,
		Weights: Weights{
			Ref:    0.5,
			Amount: 0.3,
			Date:   0.2,
		},
		Concurrency: 8,
	}
}

// Summary counts the outcomes of a batch
type Summary struct {
	Total     int `json:"total"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
}

// BatchResult holds one MatchResult per input refund, in input order
type BatchResult struct {
	Results []domain.MatchResult `json:"results"`
	Summary Summary              `json:"summary"`
}

// scored is a candidate that cleared a method's floor
type scored struct {
	order      *domain.Order
	confidence float64
	dayDiff    int
	reasoning  string
}
