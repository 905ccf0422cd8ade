package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

type rawResponse struct {
	Refunds *[]rawRefund `json:"refunds"`
}

type rawRefund struct {
	OrderRefID      *string             `json:"order_ref_id"`
	CustomerName    *string             `json:"customer_name"`
	TransactionDate string              `json:"transaction_date"`
	TransactionTime *string             `json:"transaction_time"`
	Amount          decimal.NullDecimal `json:"amount"`
	Currency        string              `json:"currency"`
	ReasonRaw       string              `json:"reason_raw"`
	ReasonCategory  string              `json:"reason_category"`
	Confidence      *float64            `json:"confidence"`
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006/01/02"}

// decodeRefunds parses a model response. A response that is not the
// expected JSON object fails as a whole; individual rows that fail
// validation are returned as rejection reasons.
func decodeRefunds(content string, platform domain.PlatformSource, defaultCurrency string) ([]domain.ExtractedRefund, []string, error) {
	content = stripCodeFence(content)

	var resp rawResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, nil, apperrors.LLMInvalidResponse("model returned malformed JSON").
			WithDetails("error", err.Error())
	}
	if resp.Refunds == nil {
		return nil, nil, apperrors.LLMInvalidResponse("model response has no refunds array")
	}

	rows := *resp.Refunds
	refunds := make([]domain.ExtractedRefund, 0, len(rows))
	var rejected []string

	for i, row := range rows {
		refund, reason := convertRow(row, platform, defaultCurrency)
		if reason != "" {
			rejected = append(rejected, fmt.Sprintf("row %d: %s", i, reason))
			continue
		}
		refunds = append(refunds, refund)
	}

	return refunds, rejected, nil
}

func convertRow(row rawRefund, platform domain.PlatformSource, defaultCurrency string) (domain.ExtractedRefund, string) {
	date, ok := parseDate(row.TransactionDate)
	if !ok {
		return domain.ExtractedRefund{}, fmt.Sprintf("invalid transaction_date %q", row.TransactionDate)
	}

	if !row.Amount.Valid || row.Amount.Decimal.IsZero() {
		return domain.ExtractedRefund{}, "missing amount"
	}
	// Reports print deductions as negative numbers
	amount := row.Amount.Decimal.Abs().Round(2)

	currency := strings.ToUpper(strings.TrimSpace(row.Currency))
	if currency == "" {
		currency = strings.ToUpper(defaultCurrency)
	}
	if len(currency) != 3 {
		return domain.ExtractedRefund{}, fmt.Sprintf("invalid currency %q", row.Currency)
	}

	confidence := 0.0
	if row.Confidence != nil {
		confidence = clamp01(*row.Confidence)
	}

	return domain.ExtractedRefund{
		OrderRefID:      trimmedOrNil(row.OrderRefID),
		CustomerName:    trimmedOrNil(row.CustomerName),
		TransactionDate: date,
		TransactionTime: parseClock(row.TransactionTime),
		AmountDeducted:  amount,
		Currency:        currency,
		ReasonRaw:       strings.TrimSpace(row.ReasonRaw),
		ReasonCategory:  domain.NormalizeReasonCategory(row.ReasonCategory),
		ConfidenceScore: confidence,
		PlatformSource:  platform,
	}, ""
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// parseClock keeps HH:MM or HH:MM:SS values and drops anything else
func parseClock(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if _, err := time.Parse(layout, v); err == nil {
			return &v
		}
	}
	return nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") || strings.EqualFold(v, "n/a") {
		return nil
	}
	return &v
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
