package domain

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupTestDB creates a PostgreSQL testcontainer for testing
func setupTestDB(t *testing.T) *gorm.DB {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := gorm.Open(pgdriver.Open(connStr), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func TestSettlementFile_TableName(t *testing.T) {
	assert.Equal(t, "settlement_files", SettlementFile{}.TableName())
	assert.Equal(t, "refund_adjustments", RefundAdjustment{}.TableName())
	assert.Equal(t, "orders", Order{}.TableName())
}

func TestSettlementFile_BeforeCreateDefaults(t *testing.T) {
	file := &SettlementFile{OwnerID: "owner-1", FileHash: "abc123"}

	require.NoError(t, file.BeforeCreate(nil))

	assert.NotEqual(t, uuid.Nil, file.ID)
	assert.Equal(t, StatusProcessing, file.Status)
	assert.Equal(t, PlatformUnknown, file.PlatformSource)
	assert.False(t, file.ProcessingStartedAt.IsZero())
}

func TestSettlementFile_IsStale(t *testing.T) {
	now := time.Now()
	file := &SettlementFile{Status: StatusProcessing, ProcessingStartedAt: now.Add(-time.Hour)}

	assert.True(t, file.IsStale(now, 30*time.Minute))
	assert.False(t, file.IsStale(now, 2*time.Hour))

	file.Status = StatusFailed
	assert.False(t, file.IsStale(now, 30*time.Minute), "only processing files can be stale")
}

func TestSettlementStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to SettlementStatus
		allowed  bool
	}{
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusProcessing, StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSettlementFile_IsValidStatus(t *testing.T) {
	tests := []struct {
		status string
		valid  bool
	}{
		{"processing", true},
		{"completed", true},
		{"failed", true},
		{"duplicate", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidStatus(tt.status))
		})
	}
}

func TestParsePlatform(t *testing.T) {
	assert.Equal(t, PlatformUberEats, ParsePlatform("Uber Eats"))
	assert.Equal(t, PlatformDoorDash, ParsePlatform("door-dash"))
	assert.Equal(t, PlatformJustEat, ParsePlatform("Just.Eat"))
	assert.Equal(t, PlatformUnknown, ParsePlatform("carrier pigeon"))
	assert.False(t, PlatformUnknown.IsKnown())
	assert.True(t, PlatformRappi.IsKnown())
}

func TestNormalizeReasonCategory(t *testing.T) {
	assert.Equal(t, ReasonMissingItem, NormalizeReasonCategory("Missing Item"))
	assert.Equal(t, ReasonOrderCancelled, NormalizeReasonCategory("canceled"))
	assert.Equal(t, ReasonLateDelivery, NormalizeReasonCategory("late"))
	assert.Equal(t, ReasonOther, NormalizeReasonCategory("cosmic rays"))
}

func TestSettlementFile_OwnerHashUniqueness(t *testing.T) {
	db := setupTestDB(t)

	first := &SettlementFile{OwnerID: "owner-1", FileHash: "same_hash", FileName: "a.pdf", FileType: "pdf"}
	require.NoError(t, db.Create(first).Error)

	second := &SettlementFile{OwnerID: "owner-1", FileHash: "same_hash", FileName: "b.pdf", FileType: "pdf"}
	assert.Error(t, db.Create(second).Error, "should fail due to UNIQUE constraint on (owner_id, file_hash)")

	otherOwner := &SettlementFile{OwnerID: "owner-2", FileHash: "same_hash", FileName: "a.pdf", FileType: "pdf"}
	assert.NoError(t, db.Create(otherOwner).Error, "the same content may be uploaded by a different owner")
}

func TestSettlementFile_RefundsCascade(t *testing.T) {
	db := setupTestDB(t)

	file := &SettlementFile{OwnerID: "owner-1", FileHash: "hash123", FileName: "a.csv", FileType: "csv"}
	require.NoError(t, db.Create(file).Error)

	refund := &RefundAdjustment{
		SettlementFileID: file.ID,
		OwnerID:          "owner-1",
		AmountDeducted:   decimal.RequireFromString("12.50"),
		Currency:         "USD",
		PlatformSource:   PlatformUberEats,
		TransactionDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		ReasonCategory:   ReasonMissingItem,
		MatchMethod:      MatchUnmatched,
	}
	require.NoError(t, db.Create(refund).Error)
	assert.Equal(t, ReviewPending, refund.Status)

	var loaded SettlementFile
	require.NoError(t, db.Preload("Refunds").First(&loaded, "id = ?", file.ID).Error)
	require.Len(t, loaded.Refunds, 1)
	assert.True(t, decimal.RequireFromString("12.5").Equal(loaded.Refunds[0].AmountDeducted))

	require.NoError(t, db.Delete(&SettlementFile{}, "id = ?", file.ID).Error)

	var count int64
	require.NoError(t, db.Model(&RefundAdjustment{}).Where("settlement_file_id = ?", file.ID).Count(&count).Error)
	assert.Zero(t, count)
}
