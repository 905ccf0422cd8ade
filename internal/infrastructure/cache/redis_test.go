package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/logger"
)

func setupTestRedis(t *testing.T) *redis.Client {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestRedisCache_Status(t *testing.T) {
	client := setupTestRedis(t)
	c := NewRedisCacheFromClient(client, time.Minute, logger.Discard())
	ctx := context.Background()

	file := &domain.SettlementFile{
		ID:             uuid.New(),
		OwnerID:        "owner-1",
		FileName:       "report.csv",
		Status:         domain.StatusCompleted,
		PlatformSource: domain.PlatformDoorDash,
		RefundsFound:   3,
	}

	_, ok := c.GetStatus(ctx, file.ID)
	assert.False(t, ok)

	require.NoError(t, c.SetStatus(ctx, &settlement.ProcessingStatus{File: file, RefundCount: 3}))

	cached, ok := c.GetStatus(ctx, file.ID)
	require.True(t, ok)
	assert.Equal(t, file.ID, cached.File.ID)
	assert.Equal(t, domain.StatusCompleted, cached.File.Status)
	assert.Equal(t, int64(3), cached.RefundCount)

	ttl, err := client.TTL(ctx, statusKey(file.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.InvalidateStatus(ctx, file.ID))
	_, ok = c.GetStatus(ctx, file.ID)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntryIsDropped(t *testing.T) {
	client := setupTestRedis(t)
	c := NewRedisCacheFromClient(client, time.Minute, logger.Discard())
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, client.Set(ctx, statusKey(id), "{not json", time.Minute).Err())

	_, ok := c.GetStatus(ctx, id)
	assert.False(t, ok)

	exists, err := client.Exists(ctx, statusKey(id)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisCache_Lock(t *testing.T) {
	client := setupTestRedis(t)
	c := NewRedisCacheFromClient(client, time.Minute, logger.Discard())
	ctx := context.Background()

	release, err := c.Obtain(ctx, "settlement:reprocess:abc", 5*time.Second)
	require.NoError(t, err)

	_, err = c.Obtain(ctx, "settlement:reprocess:abc", 5*time.Second)
	assert.ErrorIs(t, err, settlement.ErrLockHeld)

	other, err := c.Obtain(ctx, "settlement:reprocess:def", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	// releasing twice is harmless
	require.NoError(t, release(ctx))

	again, err := c.Obtain(ctx, "settlement:reprocess:abc", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisCache_SetStatusRejectsNil(t *testing.T) {
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 0, logger.Discard())

	assert.Error(t, c.SetStatus(context.Background(), nil))
	assert.Error(t, c.SetStatus(context.Background(), &settlement.ProcessingStatus{}))
	assert.Equal(t, defaultStatusTTL, c.statusTTL)
}
