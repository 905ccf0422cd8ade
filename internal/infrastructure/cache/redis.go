package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/config"
)

const (
	statusKeyPrefix  = "settlement:status:"
	defaultStatusTTL = 10 * time.Minute
)

// RedisCache wraps the Redis client. It caches terminal processing
// statuses and hands out the distributed locks guarding reprocessing.
type RedisCache struct {
	client    *redis.Client
	locker    *redislock.Client
	statusTTL time.Duration
	logger    *slog.Logger
}

// NewRedisCache creates a new Redis cache client
func NewRedisCache(cfg *config.CacheConfig, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis connection established",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.Int("db", cfg.DB),
	)

	return NewRedisCacheFromClient(client, cfg.StatusTTL, logger), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, statusTTL time.Duration, logger *slog.Logger) *RedisCache {
	if statusTTL <= 0 {
		statusTTL = defaultStatusTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisCache{
		client:    client,
		locker:    redislock.New(client),
		statusTTL: statusTTL,
		logger:    logger,
	}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	r.logger.Info("closing redis connection")
	return r.client.Close()
}

// Ping checks if Redis is alive
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Health returns health status of Redis
func (r *RedisCache) Health(ctx context.Context) map[string]interface{} {
	if err := r.Ping(ctx); err != nil {
		return map[string]interface{}{
			"status": "down",
			"error":  err.Error(),
		}
	}

	stats := r.client.PoolStats()

	return map[string]interface{}{
		"status":      "up",
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}

// GetStatus returns a cached processing status. Misses and read errors
// both report false so callers fall through to the database.
func (r *RedisCache) GetStatus(ctx context.Context, id uuid.UUID) (*settlement.ProcessingStatus, bool) {
	data, err := r.client.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("status cache read failed",
			slog.String("settlement_file_id", id.String()),
			slog.Any("error", err))
		return nil, false
	}

	var status settlement.ProcessingStatus
	if err := json.Unmarshal(data, &status); err != nil || status.File == nil {
		r.logger.Warn("discarding corrupt status cache entry",
			slog.String("settlement_file_id", id.String()))
		_ = r.client.Del(ctx, statusKey(id)).Err()
		return nil, false
	}

	return &status, true
}

// SetStatus caches a processing status for the configured TTL
func (r *RedisCache) SetStatus(ctx context.Context, status *settlement.ProcessingStatus) error {
	if status == nil || status.File == nil {
		return errors.New("status cache: nil status")
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("status cache: encode: %w", err)
	}

	return r.client.Set(ctx, statusKey(status.File.ID), data, r.statusTTL).Err()
}

// InvalidateStatus drops a cached status
func (r *RedisCache) InvalidateStatus(ctx context.Context, id uuid.UUID) error {
	return r.client.Del(ctx, statusKey(id)).Err()
}

// Obtain takes a non-blocking lock on key. A lock held elsewhere surfaces
// as settlement.ErrLockHeld.
func (r *RedisCache) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := r.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, settlement.ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// expired before release
			return nil
		}
		return err
	}, nil
}

func statusKey(id uuid.UUID) string {
	return statusKeyPrefix + id.String()
}
