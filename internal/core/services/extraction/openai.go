package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

// OpenAIExtractor extracts refunds through an OpenAI-compatible chat
// completion endpoint in JSON mode.
type OpenAIExtractor struct {
	client  *openai.Client
	config  Config
	prompts *PromptBuilder
	logger  *slog.Logger
}

// NewOpenAIExtractor creates an extractor. BaseURL may point at any
// OpenAI-compatible provider.
func NewOpenAIExtractor(config Config, logger *slog.Logger) (*OpenAIExtractor, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = DefaultConfig().DefaultCurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIExtractor{
		client:  openai.NewClientWithConfig(clientConfig),
		config:  config,
		prompts: NewPromptBuilder(logger),
		logger:  logger,
	}, nil
}

// ExtractRefunds sends the text, chunked when long, and merges the rows of
// every chunk in order.
func (e *OpenAIExtractor) ExtractRefunds(ctx context.Context, text string, platformHint domain.PlatformSource) (*Result, error) {
	if estimated := EstimateTokenCount(text); e.config.MaxInputTokens > 0 && estimated > e.config.MaxInputTokens {
		return nil, apperrors.LLMInputTooLarge(estimated, e.config.MaxInputTokens)
	}

	prompts, err := e.prompts.BuildPrompts(text, platformHint, e.config.DefaultCurrency, e.config.MaxChunkTokens)
	if err != nil {
		return nil, apperrors.LLMInvalidResponse(err.Error())
	}

	result := &Result{
		Model:   e.config.Model,
		Chunks:  len(prompts),
		Refunds: []domain.ExtractedRefund{},
	}

	for _, prompt := range prompts {
		start := time.Now()

		resp, err := e.complete(ctx, prompt)
		if err != nil {
			e.logger.Warn("extraction request failed",
				slog.Int("chunk", prompt.ChunkNumber),
				slog.Int("total_chunks", prompt.TotalChunks),
				slog.Any("error", err))
			return nil, err
		}

		refunds, rejected, err := decodeRefunds(resp.Choices[0].Message.Content, platformHint, e.config.DefaultCurrency)
		if err != nil {
			return nil, err
		}

		if resp.Model != "" {
			result.Model = resp.Model
		}
		result.TokensUsed += resp.Usage.TotalTokens
		result.Refunds = append(result.Refunds, refunds...)
		result.Rejected = append(result.Rejected, rejected...)

		e.logger.Debug("extraction chunk completed",
			slog.Int("chunk", prompt.ChunkNumber),
			slog.Int("refunds", len(refunds)),
			slog.Int("rejected", len(rejected)),
			slog.Int("tokens", resp.Usage.TotalTokens),
			slog.Duration("duration", time.Since(start)))
	}

	return result, nil
}

func (e *OpenAIExtractor) complete(ctx context.Context, prompt Prompt) (*openai.ChatCompletionResponse, error) {
	if e.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: e.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: e.config.Temperature,
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, mapClientError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.LLMInvalidResponse("model returned no choices")
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonLength {
		return nil, apperrors.LLMInvalidResponse("model response was truncated")
	}

	return &resp, nil
}

func mapClientError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return apperrors.LLMRateLimited(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return apperrors.LLMRateLimited(err)
	}
	return apperrors.LLMRequestFailed(err)
}
