package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// Matcher links extracted refunds to historical orders. Methods are tried
// in precedence order and the first one with a candidate above its floor
// wins: exact reference, fuzzy reference+amount+date, fuzzy name+amount.
// Failing to match is a normal outcome, never an error.
type Matcher struct {
	logger *slog.Logger
}

// NewMatcher creates a new order matcher
func NewMatcher(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{logger: logger}
}

// MatchBatch matches every refund independently against the same read-only
// candidate pool. Results keep the input order.
func (m *Matcher) MatchBatch(ctx context.Context, refunds []domain.ExtractedRefund, candidates []domain.Order, opts Options) (*BatchResult, error) {
	results := make([]domain.MatchResult, len(refunds))

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := range refunds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := m.Match(refunds[i], candidates, opts)
			if err != nil {
				return fmt.Errorf("refund %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := Summary{Total: len(results)}
	for _, r := range results {
		if r.IsMatched() {
			summary.Matched++
		} else {
			summary.Unmatched++
		}
	}

	m.logger.Debug("batch matched",
		slog.Int("total", summary.Total),
		slog.Int("matched", summary.Matched),
		slog.Int("candidates", len(candidates)))

	return &BatchResult{Results: results, Summary: summary}, nil
}

// Match runs the method cascade for one refund
func (m *Matcher) Match(refund domain.ExtractedRefund, candidates []domain.Order, opts Options) (domain.MatchResult, error) {
	if reason := validateRefund(refund); reason != "" {
		if !opts.LogAllAttempts {
			return domain.MatchResult{}, fmt.Errorf("%w: %s", ErrMalformedRefund, reason)
		}
		m.logger.Debug("refund not matchable", slog.String("reason", reason))
		return domain.Unmatched("not attempted: " + reason), nil
	}

	// an exact reference identifies the order whatever currency the
	// extractor reported; the amount-based methods compare like with like
	if res, ok := matchExactRef(refund, allCandidates(candidates)); ok {
		return res, nil
	}

	pool := sameCurrency(refund.Currency, candidates)
	if res, ok := matchFuzzyRef(refund, pool, opts); ok {
		return res, nil
	}
	// the name method only stands in for a missing reference
	if normalizeRef(refOf(refund)) == "" {
		if res, ok := matchNameAmount(refund, pool, opts); ok {
			return res, nil
		}
	}

	return domain.Unmatched(fmt.Sprintf("no candidate cleared any method threshold (%d candidates)", len(pool))), nil
}

func validateRefund(refund domain.ExtractedRefund) string {
	switch {
	case refund.TransactionDate.IsZero():
		return "transaction date missing"
	case !refund.AmountDeducted.IsPositive():
		return "amount missing or not positive"
	}
	return ""
}

func allCandidates(candidates []domain.Order) []*domain.Order {
	pool := make([]*domain.Order, len(candidates))
	for i := range candidates {
		pool[i] = &candidates[i]
	}
	return pool
}

func sameCurrency(currency string, candidates []domain.Order) []*domain.Order {
	pool := make([]*domain.Order, 0, len(candidates))
	for i := range candidates {
		if currency == "" || strings.EqualFold(candidates[i].Currency, currency) {
			pool = append(pool, &candidates[i])
		}
	}
	return pool
}

func refOf(refund domain.ExtractedRefund) string {
	if refund.OrderRefID == nil {
		return ""
	}
	return strings.TrimSpace(*refund.OrderRefID)
}

func matchExactRef(refund domain.ExtractedRefund, pool []*domain.Order) (domain.MatchResult, bool) {
	ref := refOf(refund)
	if ref == "" {
		return domain.MatchResult{}, false
	}

	var hits []scored
	for _, order := range pool {
		if strings.EqualFold(strings.TrimSpace(order.ExternalRef), ref) {
			hits = append(hits, scored{
				order:      order,
				confidence: 1.0,
				dayDiff:    dayDiff(refund.TransactionDate, order.OrderedAt),
				reasoning:  fmt.Sprintf("exact reference match on %q", order.ExternalRef),
			})
			if refund.Currency != "" && !strings.EqualFold(order.Currency, refund.Currency) {
				hits[len(hits)-1].reasoning += fmt.Sprintf("; currency differs (refund %s, order %s)", refund.Currency, order.Currency)
			}
		}
	}
	if len(hits) == 0 {
		return domain.MatchResult{}, false
	}

	best := pickBest(hits)
	if len(hits) > 1 {
		best.reasoning += fmt.Sprintf("; %d orders share the reference, nearest date chosen", len(hits))
	}
	return toResult(best, domain.MatchExactRef), true
}

func matchFuzzyRef(refund domain.ExtractedRefund, pool []*domain.Order, opts Options) (domain.MatchResult, bool) {
	ref := normalizeRef(refOf(refund))
	if ref == "" {
		return domain.MatchResult{}, false
	}

	var hits []scored
	for _, order := range pool {
		candidateRef := normalizeRef(order.ExternalRef)
		if candidateRef == "" {
			continue
		}

		refSim := similarity(ref, candidateRef)
		amt := amountScore(refund.AmountDeducted, order.TotalAmount, opts.AmountTolerance)
		days := dayDiff(refund.TransactionDate, order.OrderedAt)
		date := dateScore(days, opts.DateWindowDays)

		score := opts.Weights.Ref*refSim + opts.Weights.Amount*amt + opts.Weights.Date*date
		if score < opts.FuzzyRefThreshold {
			continue
		}

		hits = append(hits, scored{
			order:      order,
			confidence: round4(score),
			dayDiff:    days,
			reasoning: fmt.Sprintf("reference similarity %.2f (%q vs %q), amount score %.2f, date diff %dd, combined %.2f",
				refSim, refOf(refund), order.ExternalRef, amt, days, score),
		})
	}
	if len(hits) == 0 {
		return domain.MatchResult{}, false
	}

	return toResult(pickBest(hits), domain.MatchFuzzyRefAmountDate), true
}

func matchNameAmount(refund domain.ExtractedRefund, pool []*domain.Order, opts Options) (domain.MatchResult, bool) {
	if refund.CustomerName == nil {
		return domain.MatchResult{}, false
	}
	name := normalizeName(*refund.CustomerName)
	if name == "" {
		return domain.MatchResult{}, false
	}

	var hits []scored
	for _, order := range pool {
		nameSim := similarity(name, normalizeName(order.CustomerName))
		if nameSim < opts.MinNameSimilarity {
			continue
		}
		amt := amountScore(refund.AmountDeducted, order.TotalAmount, opts.AmountTolerance)
		if amt == 0 {
			continue
		}

		raw := 0.6*nameSim + 0.4*amt
		confidence := round4(raw * opts.NameAmountCap)

		hits = append(hits, scored{
			order:      order,
			confidence: confidence,
			dayDiff:    dayDiff(refund.TransactionDate, order.OrderedAt),
			reasoning: fmt.Sprintf("customer name similarity %.2f (%q vs %q), amount score %.2f, capped at %.2f",
				nameSim, *refund.CustomerName, order.CustomerName, amt, opts.NameAmountCap),
		})
	}
	if len(hits) == 0 {
		return domain.MatchResult{}, false
	}

	return toResult(pickBest(hits), domain.MatchFuzzyNameAmount), true
}

// pickBest orders by confidence, then date proximity, then lowest order id
func pickBest(hits []scored) scored {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].confidence != hits[j].confidence {
			return hits[i].confidence > hits[j].confidence
		}
		if hits[i].dayDiff != hits[j].dayDiff {
			return hits[i].dayDiff < hits[j].dayDiff
		}
		return hits[i].order.ID.String() < hits[j].order.ID.String()
	})
	return hits[0]
}

func toResult(s scored, method domain.MatchMethod) domain.MatchResult {
	id := s.order.ID
	return domain.MatchResult{
		OrderID:    &id,
		Confidence: s.confidence,
		Method:     method,
		Reasoning:  s.reasoning,
	}
}
