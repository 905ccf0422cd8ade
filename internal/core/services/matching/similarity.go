package matching

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalizeRef keeps letters and digits only, lower-cased. Platforms print
// the same reference as "UE-1001", "ue 1001" or "#UE1001".
func normalizeRef(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// normalizeName folds accents, lower-cases and collapses whitespace, so
// "José  Pérez" and "jose perez" compare equal
func normalizeName(s string) string {
	// transformers keep state; MatchBatch calls this concurrently
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity is 1 - levenshtein distance / longer length. A string fully
// contained in the other (at least 4 runes) scores no lower than 0.9.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	longer, shorter := len(ra), len(rb)
	if shorter > longer {
		longer, shorter = shorter, longer
	}

	distance := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptionsWithSub)
	score := 1 - float64(distance)/float64(longer)

	if shorter >= 4 && (strings.Contains(a, b) || strings.Contains(b, a)) && score < 0.9 {
		score = 0.9
	}
	if score < 0 {
		return 0
	}
	return score
}

// amountScore is 1 when the amounts agree within tolerance, 0.5 when the
// refund is a plausible partial refund of the order, 0 otherwise.
func amountScore(refund, orderTotal, tolerance decimal.Decimal) float64 {
	if refund.Sub(orderTotal).Abs().LessThanOrEqual(tolerance) {
		return 1
	}
	if refund.LessThan(orderTotal) {
		return 0.5
	}
	return 0
}

// dayDiff is the absolute calendar-day distance between two instants
func dayDiff(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

// dateScore decays linearly inside the window and is 0 outside it
func dateScore(diff, window int) float64 {
	if diff == 0 {
		return 1
	}
	if diff > window {
		return 0
	}
	return 1 - float64(diff)/float64(window+1)
}

func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}
