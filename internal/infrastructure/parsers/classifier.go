package parsers

import (
	"regexp"
	"strings"
	"time"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// platformKeywords drives the best-effort platform classifier
var platformKeywords = map[domain.PlatformSource][]string{
	domain.PlatformUberEats:  {"uber eats", "ubereats", "uber technologies", "uber portier"},
	domain.PlatformDoorDash:  {"doordash", "door dash", "dasher"},
	domain.PlatformGrubhub:   {"grubhub", "seamless"},
	domain.PlatformDeliveroo: {"deliveroo", "roofoods"},
	domain.PlatformJustEat:   {"just eat", "justeat", "takeaway.com", "lieferando"},
	domain.PlatformRappi:     {"rappi"},
	domain.PlatformDidiFood:  {"didi food", "didifood"},
	domain.PlatformIFood:     {"ifood"},
}

// DetectPlatform scores platform keywords in the file name and leading
// text. Filename hits weigh double. No hits or a tie yields unknown.
func DetectPlatform(fileName, text string, sniffBytes int) domain.PlatformSource {
	if sniffBytes > 0 && len(text) > sniffBytes {
		text = text[:sniffBytes]
	}
	lowerText := strings.ToLower(text)
	lowerName := strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(fileName))

	best := domain.PlatformUnknown
	bestScore := 0
	tie := false

	for _, platform := range domain.KnownPlatforms() {
		score := 0
		for _, kw := range platformKeywords[platform] {
			score += strings.Count(lowerText, kw)
			score += 2 * strings.Count(lowerName, kw)
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = platform, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}

	if bestScore == 0 || tie {
		return domain.PlatformUnknown
	}
	return best
}

var (
	reportDatePattern = regexp.MustCompile(`(?i)(?:report date|settlement date|statement date|payout date|period ending|period end|period)\s*[:\-]?\s*(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}|\d{1,2}\.\d{1,2}\.\d{4})`)
	amountPattern     = regexp.MustCompile(`\d+[.,]\d{2}\b`)
	digitPattern      = regexp.MustCompile(`\d`)
)

var reportDateLayouts = []string{"2006-01-02", "1/2/2006", "2.1.2006"}

// DetectReportDate finds the platform-declared report or period date
func DetectReportDate(text string) *time.Time {
	match := reportDatePattern.FindStringSubmatch(text)
	if len(match) < 2 {
		return nil
	}
	for _, layout := range reportDateLayouts {
		if t, err := time.Parse(layout, match[1]); err == nil {
			return &t
		}
	}
	return nil
}

// Validate inspects normalized text. Text without a single digit cannot
// carry refund amounts and is rejected; everything else is advisory.
func Validate(text string, platform domain.PlatformSource, minLength int) Validation {
	v := Validation{IsValid: true}

	if !digitPattern.MatchString(text) {
		v.IsValid = false
		v.Issues = append(v.Issues, "document contains no numeric data")
	}
	if minLength > 0 && len(text) < minLength {
		v.Issues = append(v.Issues, "document text is very short")
	}
	if v.IsValid && !amountPattern.MatchString(text) {
		v.Issues = append(v.Issues, "no monetary amounts detected")
	}
	if !platform.IsKnown() {
		v.Issues = append(v.Issues, "platform could not be detected; manual confirmation required")
	}

	return v
}
