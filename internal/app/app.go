// Package app wires the settlement pipeline shared by the server and worker binaries.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/deduplication"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/extraction"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/matching"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/cache"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/database"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/database/repositories"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/storage"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/config"
)

// Components holds the long-lived connections and the processor built on them
type Components struct {
	DB        *database.PostgresDB
	Cache     *cache.RedisCache
	Storage   *storage.LocalStorage
	Processor *settlement.Processor

	logger *slog.Logger
}

// Build opens the database and Redis, migrates and assembles the processor
func Build(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	settlementCfg, err := SettlementConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.NewPostgresDB(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	c := &Components{DB: db, logger: logger}

	if err := db.Migrate(); err != nil {
		c.Close()
		return nil, err
	}

	c.Cache, err = cache.NewRedisCache(&cfg.Cache, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Storage, err = storage.NewLocalStorage(&storage.LocalStorageConfig{BasePath: cfg.Storage.BasePath}, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	extractor, err := extraction.NewOpenAIExtractor(ExtractionConfig(cfg.LLM), logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	parserCfg := parsers.DefaultParserConfig()
	parserCfg.MaxFileSize = cfg.MaxFileSizeBytes()

	settlements := repositories.NewSettlementRepository(db.DB, logger)

	c.Processor, err = settlement.NewProcessor(settlement.Dependencies{
		Parser:       parsers.NewService(parserCfg, logger),
		Store:        settlements,
		Extractor:    extractor,
		Matcher:      matching.NewMatcher(logger),
		Orders:       repositories.NewOrderRepository(db.DB, logger),
		Fingerprints: deduplication.NewService(deduplication.DefaultConfig(), settlements, logger),
		Archive:      c.Storage,
		Cache:        c.Cache,
		Locker:       c.Cache,
	}, settlementCfg, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to build processor: %w", err)
	}

	return c, nil
}

// Close releases every open connection
func (c *Components) Close() {
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			c.logger.Warn("failed to close redis", slog.Any("error", err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.logger.Warn("failed to close database", slog.Any("error", err))
		}
	}
}

// SettlementConfig maps environment settings onto the orchestrator config
func SettlementConfig(cfg *config.Config) (settlement.Config, error) {
	opts, err := MatchOptions(cfg.Pipeline)
	if err != nil {
		return settlement.Config{}, err
	}

	sc := settlement.DefaultConfig()
	sc.SkipMatching = cfg.Pipeline.SkipMatching
	sc.MatchOptions = opts
	if cfg.Pipeline.MatchWindowDays > 0 {
		sc.MatchWindowDays = cfg.Pipeline.MatchWindowDays
	}
	if cfg.Pipeline.Timeout > 0 {
		sc.PipelineTimeout = cfg.Pipeline.Timeout
	}
	if cfg.Pipeline.StaleAfter > 0 {
		sc.StaleAfter = cfg.Pipeline.StaleAfter
	}
	// a reprocess lock outlives the run it guards
	if sc.LockTTL < sc.PipelineTimeout {
		sc.LockTTL = sc.PipelineTimeout * 2
	}

	return sc, nil
}

// MatchOptions maps the matcher tuning knobs
func MatchOptions(p config.PipelineConfig) (matching.Options, error) {
	opts := matching.DefaultOptions()

	if p.AmountTolerance != "" {
		tolerance, err := decimal.NewFromString(p.AmountTolerance)
		if err != nil {
			return opts, fmt.Errorf("invalid MATCH_AMOUNT_TOLERANCE %q: %w", p.AmountTolerance, err)
		}
		if tolerance.IsNegative() {
			return opts, errors.New("MATCH_AMOUNT_TOLERANCE must not be negative")
		}
		opts.AmountTolerance = tolerance
	}
	if p.MatchWindowDays > 0 {
		opts.DateWindowDays = p.MatchWindowDays
	}
	if p.FuzzyThreshold > 0 {
		opts.FuzzyRefThreshold = p.FuzzyThreshold
	}
	if p.MinNameSimilarity > 0 {
		opts.MinNameSimilarity = p.MinNameSimilarity
	}
	if p.NameAmountCap > 0 {
		opts.NameAmountCap = p.NameAmountCap
	}
	if p.MatchConcurrency > 0 {
		opts.Concurrency = p.MatchConcurrency
	}
	opts.LogAllAttempts = true

	return opts, nil
}

// ExtractionConfig maps the LLM settings onto the extractor config
func ExtractionConfig(l config.LLMConfig) extraction.Config {
	ec := extraction.DefaultConfig()
	ec.APIKey = l.OpenAIAPIKey
	ec.BaseURL = l.OpenAIBaseURL

	if l.OpenAIModel != "" {
		ec.Model = l.OpenAIModel
	}
	if l.MaxInputTokens > 0 {
		ec.MaxInputTokens = l.MaxInputTokens
	}
	if l.MaxChunkTokens > 0 {
		ec.MaxChunkTokens = l.MaxChunkTokens
	}
	if l.RequestTimeout > 0 {
		ec.RequestTimeout = l.RequestTimeout
	}
	if l.DefaultCurrency != "" {
		ec.DefaultCurrency = l.DefaultCurrency
	}

	return ec
}
