package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// Environment
	Environment string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	// Server Configuration
	ServerHost string `mapstructure:"SERVER_HOST"`
	ServerPort string `mapstructure:"SERVER_PORT"`

	Database DatabaseConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Pipeline PipelineConfig

	// File Processing
	MaxFileSize int64 `mapstructure:"MAX_FILE_SIZE_MB"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	LogLevel        string
	MaxConnections  int
	MinConnections  int
	MaxConnLifetime int // minutes
	MaxConnIdleTime int // minutes
	EnableTracing   bool
}

// CacheConfig holds Redis settings for the status cache and locks
type CacheConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  int // seconds
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	PoolSize     int
	MinIdleConns int
	StatusTTL    time.Duration
}

// QueueConfig holds asynq settings
type QueueConfig struct {
	RedisHost      string
	RedisPort      int
	RedisPassword  string
	RedisDB        int
	DialTimeout    int
	ReadTimeout    int
	WriteTimeout   int
	Concurrency    int
	MaxRetries     int
	StrictPriority bool
	SweepInterval  string // cron spec or "@every 5m"

	// ResultRetention keeps finished upload tasks readable by status lookups
	ResultRetention time.Duration
}

// StorageConfig holds settings for the raw upload archive
type StorageConfig struct {
	BasePath  string
	Retention time.Duration
}

// LLMConfig holds settings for the refund extractor
type LLMConfig struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	MaxInputTokens  int
	MaxChunkTokens  int
	RequestTimeout  time.Duration
	DefaultCurrency string
}

// PipelineConfig holds the orchestrator and matcher tuning knobs
type PipelineConfig struct {
	SkipMatching      bool
	MatchWindowDays   int
	Timeout           time.Duration
	StaleAfter        time.Duration
	FuzzyThreshold    float64
	MinNameSimilarity float64
	NameAmountCap     float64
	AmountTolerance   string
	MatchConcurrency  int
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found, using environment variables only")
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	config := &Config{
		Environment: v.GetString("ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		ServerHost:  v.GetString("SERVER_HOST"),
		ServerPort:  v.GetString("SERVER_PORT"),
		MaxFileSize: v.GetInt64("MAX_FILE_SIZE_MB"),
	}

	config.Database = DatabaseConfig{
		Host:            v.GetString("DB_HOST"),
		Port:            v.GetInt("DB_PORT"),
		User:            v.GetString("DB_USER"),
		Password:        v.GetString("DB_PASSWORD"),
		Database:        v.GetString("DB_NAME"),
		SSLMode:         v.GetString("DB_SSLMODE"),
		LogLevel:        v.GetString("DB_LOG_LEVEL"),
		MaxConnections:  v.GetInt("DB_MAX_CONNECTIONS"),
		MinConnections:  v.GetInt("DB_MIN_CONNECTIONS"),
		MaxConnLifetime: v.GetInt("DB_MAX_CONN_LIFETIME_MINUTES"),
		MaxConnIdleTime: v.GetInt("DB_MAX_CONN_IDLE_MINUTES"),
		EnableTracing:   v.GetBool("DB_ENABLE_TRACING"),
	}

	config.Cache = CacheConfig{
		Host:         v.GetString("REDIS_HOST"),
		Port:         v.GetInt("REDIS_PORT"),
		Password:     v.GetString("REDIS_PASSWORD"),
		DB:           v.GetInt("REDIS_DB"),
		DialTimeout:  v.GetInt("REDIS_DIAL_TIMEOUT"),
		ReadTimeout:  v.GetInt("REDIS_READ_TIMEOUT"),
		WriteTimeout: v.GetInt("REDIS_WRITE_TIMEOUT"),
		PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
		MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
		StatusTTL:    v.GetDuration("STATUS_CACHE_TTL"),
	}

	config.Queue = QueueConfig{
		RedisHost:       config.Cache.Host,
		RedisPort:       config.Cache.Port,
		RedisPassword:   config.Cache.Password,
		RedisDB:         v.GetInt("QUEUE_REDIS_DB"),
		DialTimeout:     config.Cache.DialTimeout,
		ReadTimeout:     config.Cache.ReadTimeout,
		WriteTimeout:    config.Cache.WriteTimeout,
		Concurrency:     v.GetInt("WORKER_CONCURRENCY"),
		MaxRetries:      v.GetInt("WORKER_MAX_RETRIES"),
		StrictPriority:  v.GetBool("WORKER_STRICT_PRIORITY"),
		SweepInterval:   v.GetString("SWEEP_INTERVAL"),
		ResultRetention: v.GetDuration("QUEUE_RESULT_RETENTION"),
	}

	config.Storage = StorageConfig{
		BasePath:  v.GetString("STORAGE_BASE_PATH"),
		Retention: v.GetDuration("STORAGE_RETENTION"),
	}

	config.LLM = LLMConfig{
		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:   v.GetString("OPENAI_BASE_URL"),
		OpenAIModel:     v.GetString("OPENAI_MODEL"),
		MaxInputTokens:  v.GetInt("LLM_MAX_INPUT_TOKENS"),
		MaxChunkTokens:  v.GetInt("LLM_MAX_CHUNK_TOKENS"),
		RequestTimeout:  time.Duration(v.GetInt("LLM_REQUEST_TIMEOUT_SECONDS")) * time.Second,
		DefaultCurrency: v.GetString("DEFAULT_CURRENCY"),
	}

	config.Pipeline = PipelineConfig{
		SkipMatching:      v.GetBool("PIPELINE_SKIP_MATCHING"),
		MatchWindowDays:   v.GetInt("PIPELINE_MATCH_WINDOW_DAYS"),
		Timeout:           time.Duration(v.GetInt("PIPELINE_TIMEOUT_SECONDS")) * time.Second,
		StaleAfter:        time.Duration(v.GetInt("PIPELINE_STALE_AFTER_MINUTES")) * time.Minute,
		FuzzyThreshold:    v.GetFloat64("MATCH_FUZZY_THRESHOLD"),
		MinNameSimilarity: v.GetFloat64("MATCH_MIN_NAME_SIMILARITY"),
		NameAmountCap:     v.GetFloat64("MATCH_NAME_CAP"),
		AmountTolerance:   v.GetString("MATCH_AMOUNT_TOLERANCE"),
		MatchConcurrency:  v.GetInt("MATCH_CONCURRENCY"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")

	// Database defaults
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "settlements")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_LOG_LEVEL", "silent")
	v.SetDefault("DB_MAX_CONNECTIONS", 25)
	v.SetDefault("DB_MIN_CONNECTIONS", 5)
	v.SetDefault("DB_MAX_CONN_LIFETIME_MINUTES", 30)
	v.SetDefault("DB_MAX_CONN_IDLE_MINUTES", 5)
	v.SetDefault("DB_ENABLE_TRACING", true)

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5)
	v.SetDefault("REDIS_READ_TIMEOUT", 3)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3)
	v.SetDefault("REDIS_POOL_SIZE", 20)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 2)
	v.SetDefault("STATUS_CACHE_TTL", "10m")

	// Worker defaults
	v.SetDefault("QUEUE_REDIS_DB", 1)
	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("WORKER_MAX_RETRIES", 3)
	v.SetDefault("WORKER_STRICT_PRIORITY", false)
	v.SetDefault("SWEEP_INTERVAL", "@every 5m")
	v.SetDefault("QUEUE_RESULT_RETENTION", "24h")

	// Storage defaults
	v.SetDefault("STORAGE_BASE_PATH", "/tmp/settlements")
	v.SetDefault("STORAGE_RETENTION", "720h")

	// LLM defaults
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_MAX_INPUT_TOKENS", 100000)
	v.SetDefault("LLM_MAX_CHUNK_TOKENS", 6000)
	v.SetDefault("LLM_REQUEST_TIMEOUT_SECONDS", 120)
	v.SetDefault("DEFAULT_CURRENCY", "USD")

	// Pipeline defaults
	v.SetDefault("PIPELINE_SKIP_MATCHING", false)
	v.SetDefault("PIPELINE_MATCH_WINDOW_DAYS", 2)
	v.SetDefault("PIPELINE_TIMEOUT_SECONDS", 300)
	v.SetDefault("PIPELINE_STALE_AFTER_MINUTES", 30)
	v.SetDefault("MATCH_FUZZY_THRESHOLD", 0.75)
	v.SetDefault("MATCH_MIN_NAME_SIMILARITY", 0.7)
	v.SetDefault("MATCH_NAME_CAP", 0.55)
	v.SetDefault("MATCH_AMOUNT_TOLERANCE", "0.01")
	v.SetDefault("MATCH_CONCURRENCY", 8)

	// File processing defaults
	v.SetDefault("MAX_FILE_SIZE_MB", 50)
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.LLM.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.Pipeline.FuzzyThreshold <= 0 || c.Pipeline.FuzzyThreshold > 1 {
		return fmt.Errorf("MATCH_FUZZY_THRESHOLD must be in (0, 1], got %v", c.Pipeline.FuzzyThreshold)
	}
	if c.Pipeline.StaleAfter <= c.Pipeline.Timeout {
		return fmt.Errorf("PIPELINE_STALE_AFTER_MINUTES must exceed PIPELINE_TIMEOUT_SECONDS")
	}
	return nil
}

// MaxFileSizeBytes returns the upload limit in bytes
func (c *Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSize * 1024 * 1024
}

// GetDatabaseURL constructs the PostgreSQL connection string
func (c *Config) GetDatabaseURL() string {
	return c.Database.DSN()
}

// DSN constructs the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// LogConfig logs the configuration (hiding sensitive data)
func (c *Config) LogConfig() {
	log.Printf("Configuration loaded:")
	log.Printf("  Environment: %s", c.Environment)
	log.Printf("  Server: %s:%s", c.ServerHost, c.ServerPort)
	log.Printf("  Database: %s:%d/%s", c.Database.Host, c.Database.Port, c.Database.Database)
	log.Printf("  Redis: %s (DB: %d, queue DB: %d)", c.Cache.Addr(), c.Cache.DB, c.Queue.RedisDB)
	log.Printf("  Worker Concurrency: %d", c.Queue.Concurrency)
	log.Printf("  Skip Matching: %t", c.Pipeline.SkipMatching)
	log.Printf("  Match Window: %d days", c.Pipeline.MatchWindowDays)
	log.Printf("  LLM Model: %s", c.LLM.OpenAIModel)

	if c.LLM.OpenAIAPIKey != "" {
		log.Printf("  OpenAI API Key: [CONFIGURED]")
	} else {
		log.Printf("  OpenAI API Key: [NOT SET]")
	}
}
