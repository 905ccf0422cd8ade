package extraction

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
)

// promptOverhead approximates the system prompt and response framing
const promptOverhead = 300

// PromptBuilder renders settlement text into extraction prompts
type PromptBuilder struct {
	logger *slog.Logger
}

// NewPromptBuilder creates a new prompt builder
func NewPromptBuilder(logger *slog.Logger) *PromptBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptBuilder{logger: logger}
}

// EstimateTokenCount provides a rough estimate of token count.
// Based on the rule: ~4 characters per token.
func EstimateTokenCount(text string) int {
	return len(text)/4 + promptOverhead
}

// SystemPrompt describes the output contract to the model
func (b *PromptBuilder) SystemPrompt(platform domain.PlatformSource, currency string) string {
	categories := make([]string, 0, len(domain.ReasonCategories()))
	for _, c := range domain.ReasonCategories() {
		categories = append(categories, string(c))
	}

	platformLine := "The issuing platform is unknown; infer it from the text if possible."
	if platform.IsKnown() {
		platformLine = fmt.Sprintf("The report was issued by %s.", platform)
	}

	var sb strings.Builder
	sb.WriteString("You extract refunds, chargebacks and deductions from food delivery platform settlement reports.\n")
	sb.WriteString(platformLine + "\n")
	sb.WriteString("Return a JSON object {\"refunds\": [...]} where each item has:\n")
	sb.WriteString("  order_ref_id (string or null), customer_name (string or null),\n")
	sb.WriteString("  transaction_date (YYYY-MM-DD), transaction_time (HH:MM or null),\n")
	sb.WriteString("  amount (positive number deducted from the merchant),\n")
	fmt.Fprintf(&sb, "  currency (ISO 4217, default %s), reason_raw (verbatim reason text),\n", currency)
	fmt.Fprintf(&sb, "  reason_category (one of: %s),\n", strings.Join(categories, ", "))
	sb.WriteString("  confidence (0 to 1, your certainty for the row).\n")
	sb.WriteString("Only include rows that reduce the merchant payout. Do not include sales, tips or payouts.\n")
	sb.WriteString("Return {\"refunds\": []} when the report contains none.")
	return sb.String()
}

// BuildPrompts splits the text on line boundaries into prompts of at most
// maxChunkTokens each. A leading "columns:" header line is repeated in
// every chunk so tabular rows keep their meaning.
func (b *PromptBuilder) BuildPrompts(text string, platform domain.PlatformSource, currency string, maxChunkTokens int) ([]Prompt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("no text provided")
	}

	system := b.SystemPrompt(platform, currency)
	lines := strings.Split(text, "\n")

	var header string
	if strings.HasPrefix(lines[0], "columns: ") {
		header = lines[0]
		lines = lines[1:]
	}

	budget := maxChunkTokens - promptOverhead - len(header)/4
	if maxChunkTokens <= 0 || budget <= 0 {
		budget = int(^uint(0) >> 1)
	}

	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		body := strings.Join(current, "\n")
		if header != "" {
			body = header + "\n" + body
		}
		chunks = append(chunks, body)
		current = nil
		currentTokens = 0
	}

	for _, line := range lines {
		lineTokens := len(line)/4 + 1
		if currentTokens+lineTokens > budget && len(current) > 0 {
			flush()
		}
		current = append(current, line)
		currentTokens += lineTokens
	}
	flush()

	if len(chunks) == 0 {
		chunks = []string{header}
	}

	prompts := make([]Prompt, 0, len(chunks))
	for i, chunk := range chunks {
		user := chunk
		if len(chunks) > 1 {
			user = fmt.Sprintf("Part %d of %d of the report:\n%s", i+1, len(chunks), chunk)
		}
		prompts = append(prompts, Prompt{
			ChunkNumber:     i + 1,
			TotalChunks:     len(chunks),
			System:          system,
			User:            user,
			EstimatedTokens: EstimateTokenCount(system + user),
		})
	}

	b.logger.Debug("extraction prompts built",
		slog.Int("chunks", len(prompts)),
		slog.Int("lines", len(lines)),
		slog.Int("estimated_tokens", EstimateTokenCount(text)))

	return prompts, nil
}
