package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/matching"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/config"
)

func TestMatchOptions(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		opts, err := MatchOptions(config.PipelineConfig{
			MatchWindowDays:   3,
			FuzzyThreshold:    0.8,
			MinNameSimilarity: 0.65,
			NameAmountCap:     0.5,
			AmountTolerance:   "0.05",
			MatchConcurrency:  4,
		})
		require.NoError(t, err)

		assert.True(t, decimal.RequireFromString("0.05").Equal(opts.AmountTolerance))
		assert.Equal(t, 3, opts.DateWindowDays)
		assert.Equal(t, 0.8, opts.FuzzyRefThreshold)
		assert.Equal(t, 0.65, opts.MinNameSimilarity)
		assert.Equal(t, 0.5, opts.NameAmountCap)
		assert.Equal(t, 4, opts.Concurrency)
		assert.True(t, opts.LogAllAttempts)
	})

	t.Run("zero values keep defaults", func(t *testing.T) {
		opts, err := MatchOptions(config.PipelineConfig{})
		require.NoError(t, err)

		defaults := matching.DefaultOptions()
		assert.True(t, defaults.AmountTolerance.Equal(opts.AmountTolerance))
		assert.Equal(t, defaults.DateWindowDays, opts.DateWindowDays)
		assert.Equal(t, defaults.Weights, opts.Weights)
	})

	t.Run("invalid tolerance", func(t *testing.T) {
		_, err := MatchOptions(config.PipelineConfig{AmountTolerance: "abc"})
		assert.Error(t, err)

		_, err = MatchOptions(config.PipelineConfig{AmountTolerance: "-1"})
		assert.Error(t, err)
	})
}

func TestSettlementConfig(t *testing.T) {
	cfg := &config.Config{Pipeline: config.PipelineConfig{
		SkipMatching:    true,
		MatchWindowDays: 5,
		Timeout:         20 * time.Minute,
		StaleAfter:      time.Hour,
	}}

	sc, err := SettlementConfig(cfg)
	require.NoError(t, err)

	assert.True(t, sc.SkipMatching)
	assert.Equal(t, 5, sc.MatchWindowDays)
	assert.Equal(t, 20*time.Minute, sc.PipelineTimeout)
	assert.Equal(t, time.Hour, sc.StaleAfter)
	assert.GreaterOrEqual(t, sc.LockTTL, sc.PipelineTimeout)
	assert.Equal(t, 5, sc.MatchOptions.DateWindowDays)
}

func TestExtractionConfig(t *testing.T) {
	ec := ExtractionConfig(config.LLMConfig{
		OpenAIAPIKey:    "sk-test",
		OpenAIBaseURL:   "http://llm.internal/v1",
		OpenAIModel:     "gpt-4o",
		MaxChunkTokens:  3000,
		RequestTimeout:  30 * time.Second,
		DefaultCurrency: "MXN",
	})

	assert.Equal(t, "sk-test", ec.APIKey)
	assert.Equal(t, "http://llm.internal/v1", ec.BaseURL)
	assert.Equal(t, "gpt-4o", ec.Model)
	assert.Equal(t, 3000, ec.MaxChunkTokens)
	assert.Equal(t, 30*time.Second, ec.RequestTimeout)
	assert.Equal(t, "MXN", ec.DefaultCurrency)
	// unset values keep the extractor defaults
	assert.Equal(t, 100000, ec.MaxInputTokens)
}
