package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/deduplication"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/matching"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/logger"
)

const ownerID = "owner-42"

const settlementCSV = "Order ID,Date,Amount,Reason\n" +
	"UE-1001,2024-03-01,12.50,Missing item\n" +
	"UE-1002,2024-03-02,8.00,Late delivery\n" +
	"UE-9999,2024-03-02,3.25,Cold food\n"

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func strPtr(s string) *string { return &s }

func extracted(ref, amount string, date time.Time) domain.ExtractedRefund {
	return domain.ExtractedRefund{
		OrderRefID:      strPtr(ref),
		TransactionDate: date,
		AmountDeducted:  decimal.RequireFromString(amount),
		Currency:        "USD",
		ReasonRaw:       "refund",
		ReasonCategory:  domain.ReasonOther,
		ConfidenceScore: 0.9,
		PlatformSource:  domain.PlatformUberEats,
	}
}

func h1Refunds() []domain.ExtractedRefund {
	return []domain.ExtractedRefund{
		extracted("UE-1001", "12.50", day(1)),
		extracted("UE-1002", "8.00", day(2)),
		extracted("UE-9999", "3.25", day(2)),
	}
}

func h1Orders() []domain.Order {
	mk := func(ref, total string, at time.Time) domain.Order {
		return domain.Order{
			ID:          uuid.New(),
			OwnerID:     ownerID,
			ExternalRef: ref,
			TotalAmount: decimal.RequireFromString(total),
			Currency:    "USD",
			OrderedAt:   at,
		}
	}
	return []domain.Order{
		mk("UE-1001", "25.00", day(1)),
		mk("UE-1002", "8.00", day(2)),
		mk("UE-5000", "40.00", day(2)),
	}
}

type harness struct {
	processor *Processor
	store     *memStore
	extractor *stubExtractor
	parser    *countingParser
	orders    *memOrders
	archive   *memArchive
	cache     *memCache
	locker    *memLocker
	events    *recordingSink
}

func newHarness(t *testing.T, mutate func(*Dependencies, *Config)) *harness {
	t.Helper()

	h := &harness{
		store:     newMemStore(),
		extractor: &stubExtractor{refunds: h1Refunds()},
		parser:    newCountingParser(),
		orders:    &memOrders{orders: h1Orders()},
		archive:   &memArchive{},
		cache:     newMemCache(),
		locker:    &memLocker{},
		events:    &recordingSink{},
	}

	deps := Dependencies{
		Parser:       h.parser,
		Store:        h.store,
		Extractor:    h.extractor,
		Matcher:      matching.NewMatcher(logger.Discard()),
		Orders:       h.orders,
		Fingerprints: deduplication.NewService(deduplication.Config{Strategy: deduplication.StrategyInFile, TrimWhitespace: true}, nil, logger.Discard()),
		Archive:      h.archive,
		Cache:        h.cache,
		Locker:       h.locker,
		Events:       h.events,
	}
	config := DefaultConfig()
	if mutate != nil {
		mutate(&deps, &config)
	}

	processor, err := NewProcessor(deps, config, logger.Discard())
	require.NoError(t, err)
	h.processor = processor
	return h
}

func upload(content string) parsers.File {
	return parsers.File{Name: "ubereats_march.csv", ContentType: "text/csv", Data: []byte(content)}
}

func meta() Metadata {
	return Metadata{OwnerID: ownerID, UploadedBy: "ops@example.com"}
}

func TestProcess_H1Scenario(t *testing.T) {
	h := newHarness(t, nil)

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	require.True(t, result.Success, result.Message)
	assert.Equal(t, OutcomeCompleted, result.Status)
	require.NotNil(t, result.Data)
	assert.Equal(t, 3, result.Data.RefundsExtracted)
	assert.Equal(t, 3, result.Data.RefundsInserted)
	assert.Equal(t, matching.Summary{Total: 3, Matched: 2, Unmatched: 1}, result.Data.MatchingSummary)
	assert.Equal(t, 120, result.Data.TokensUsed)
	assert.Equal(t, "stub-model", result.Data.Model)

	file, err := h.store.GetByID(context.Background(), result.Data.SettlementFileID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, file.Status)
	assert.Equal(t, 2, file.MatchedOrdersCount)
	assert.Equal(t, 1, file.UnmatchedRefundsCount)
	assert.Equal(t, 3, file.RefundsFound)
	assert.Equal(t, domain.PlatformUberEats, file.PlatformSource)
	assert.NotEmpty(t, file.RawText)
	assert.NotNil(t, file.CompletedAt)

	rows := h.store.refundsOf(file.ID)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.MatchExactRef, rows[0].MatchMethod)
	assert.Equal(t, 1.0, rows[0].MatchConfidence)
	assert.NotNil(t, rows[0].MatchedOrderID)
	assert.Equal(t, domain.MatchExactRef, rows[1].MatchMethod)
	assert.Equal(t, domain.MatchUnmatched, rows[2].MatchMethod)
	assert.Nil(t, rows[2].MatchedOrderID)
	assert.Equal(t, 0.0, rows[2].MatchConfidence)
	for i, row := range rows {
		assert.Equal(t, ownerID, row.OwnerID)
		assert.Equal(t, domain.ReviewPending, row.Status)
		assert.Equal(t, i, row.Metadata["extraction_index"])
		assert.NotEmpty(t, row.Metadata["fingerprint"])
	}

	assert.Contains(t, h.archive.saved, file.ID)
	require.Len(t, h.orders.queries, 1)
	assert.Equal(t, day(1).AddDate(0, 0, -2), h.orders.queries[0].From)
}

func TestProcess_ExactReferenceWinsOverAmountSimilarity(t *testing.T) {
	h := newHarness(t, nil)
	exactID := uuid.New()
	h.orders.orders = []domain.Order{
		{ID: exactID, OwnerID: ownerID, ExternalRef: "UE-1001", TotalAmount: decimal.RequireFromString("99.00"), Currency: "USD", OrderedAt: day(1)},
		{ID: uuid.New(), OwnerID: ownerID, ExternalRef: "UE-1010", TotalAmount: decimal.RequireFromString("12.50"), Currency: "USD", OrderedAt: day(1)},
	}
	h.extractor.refunds = []domain.ExtractedRefund{extracted("UE-1001", "12.50", day(1))}

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	require.True(t, result.Success)
	rows := h.store.refundsOf(result.Data.SettlementFileID)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].MatchedOrderID)
	assert.Equal(t, exactID, *rows[0].MatchedOrderID)
	assert.Equal(t, 1.0, rows[0].MatchConfidence)
}

func TestProcess_DuplicateReupload(t *testing.T) {
	h := newHarness(t, nil)

	first := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())
	require.True(t, first.Success)

	renamed := upload(settlementCSV)
	renamed.Name = "copy-of-report.csv"
	second := h.processor.ProcessSettlementFile(context.Background(), renamed, meta())

	assert.False(t, second.Success)
	assert.Equal(t, OutcomeDuplicate, second.Status)
	require.NotNil(t, second.ExistingFileID)
	assert.Equal(t, first.Data.SettlementFileID, *second.ExistingFileID)
	assert.Equal(t, 1, h.extractor.callCount())
	assert.Equal(t, 1, h.store.fileCount())
	assert.Len(t, h.store.refundsOf(first.Data.SettlementFileID), 3)
}

func TestProcess_SameBytesDifferentOwnerIsNotDuplicate(t *testing.T) {
	h := newHarness(t, nil)

	first := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())
	other := meta()
	other.OwnerID = "owner-other"
	second := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), other)

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, 2, h.extractor.callCount())
}

func TestProcess_ExtractorCalledOncePerDistinctFile(t *testing.T) {
	h := newHarness(t, nil)

	contents := []string{
		settlementCSV,
		settlementCSV + "UE-2000,2024-03-03,1.00,Other\n",
		settlementCSV,
		settlementCSV + "UE-3000,2024-03-04,2.00,Other\n",
		settlementCSV + "UE-2000,2024-03-03,1.00,Other\n",
		settlementCSV,
	}

	duplicates := 0
	for _, c := range contents {
		result := h.processor.ProcessSettlementFile(context.Background(), upload(c), meta())
		if result.Status == OutcomeDuplicate {
			duplicates++
		} else {
			require.True(t, result.Success, result.Message)
		}
	}

	assert.Equal(t, 3, duplicates)
	assert.Equal(t, len(contents)-duplicates, h.extractor.callCount())
	assert.Equal(t, 3, h.store.fileCount())
}

func TestProcess_ConcurrentIdenticalUploads(t *testing.T) {
	h := newHarness(t, nil)

	const uploads = 8
	results := make([]*ProcessingResult, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())
		}(i)
	}
	wg.Wait()

	completed, duplicates := 0, 0
	var winner uuid.UUID
	for _, r := range results {
		switch r.Status {
		case OutcomeCompleted:
			completed++
			winner = r.Data.SettlementFileID
		case OutcomeDuplicate:
			duplicates++
		}
	}

	assert.Equal(t, 1, completed)
	assert.Equal(t, uploads-1, duplicates)
	assert.Equal(t, 1, h.extractor.callCount())
	assert.Equal(t, 1, h.store.fileCount())
	for _, r := range results {
		if r.Status == OutcomeDuplicate {
			assert.Equal(t, winner, *r.ExistingFileID)
		}
	}
}

func TestProcess_ParseFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		file parsers.File
		code apperrors.ErrorCode
	}{
		{"empty", parsers.File{Name: "empty.csv"}, apperrors.ErrCodeInvalidFile},
		{"unsupported", parsers.File{Name: "report.docx", Data: []byte{0xd0, 0xcf, 0x11, 0xe0, 0x00}}, apperrors.ErrCodeUnsupportedFormat},
		{"no numeric data", parsers.File{Name: "notes.txt", Data: []byte("hello there, nothing to see in this document at all")}, apperrors.ErrCodeFileParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.processor.ProcessSettlementFile(context.Background(), tt.file, meta())

			assert.False(t, result.Success)
			assert.Equal(t, OutcomeError, result.Status)
			assert.Equal(t, tt.code, result.ErrorCode)
			assert.NotEmpty(t, result.Message)
			assert.Nil(t, result.Data)
		})
	}

	assert.Equal(t, 0, h.store.fileCount())
	assert.Equal(t, 0, h.extractor.callCount())
}

func TestProcess_RequiresOwner(t *testing.T) {
	h := newHarness(t, nil)

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), Metadata{})

	assert.Equal(t, OutcomeError, result.Status)
	assert.Equal(t, apperrors.ErrCodeBadRequest, result.ErrorCode)
	assert.Equal(t, 0, h.parser.callCount())
}

func TestProcess_IdempotencyLookupFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.store.findErr = errors.New("connection reset")

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	assert.Equal(t, OutcomeError, result.Status)
	assert.Equal(t, apperrors.ErrCodeDatabaseError, result.ErrorCode)
	assert.Equal(t, 0, h.store.fileCount())
}

func TestProcess_PlatformHintOverridesDetection(t *testing.T) {
	h := newHarness(t, nil)
	m := meta()
	m.PlatformHint = domain.PlatformRappi

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), m)

	require.True(t, result.Success)
	file, err := h.store.GetByID(context.Background(), result.Data.SettlementFileID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformRappi, file.PlatformSource)
	assert.True(t, file.PlatformConfirmed)
}

func TestProcess_UnmatchedIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	h.orders.orders = nil

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	require.True(t, result.Success)
	assert.Equal(t, OutcomeCompleted, result.Status)
	assert.Equal(t, 0, result.Data.MatchingSummary.Matched)
	assert.Equal(t, 3, result.Data.MatchingSummary.Unmatched)
	assert.Equal(t, 3, result.Data.RefundsInserted)
}

func TestProcess_NoRefundsCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.refunds = nil

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	require.True(t, result.Success)
	assert.Equal(t, 0, result.Data.RefundsInserted)
	assert.Empty(t, h.orders.queries)
}

func TestProcess_SkipMatching(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, c *Config) { c.SkipMatching = true })

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	require.True(t, result.Success)
	assert.Equal(t, matching.Summary{Total: 3, Matched: 0, Unmatched: 3}, result.Data.MatchingSummary)
	for _, row := range h.store.refundsOf(result.Data.SettlementFileID) {
		assert.Equal(t, domain.MatchSkipped, row.MatchMethod)
		assert.Equal(t, 0.0, row.MatchConfidence)
		assert.Nil(t, row.MatchedOrderID)
	}
	assert.Empty(t, h.orders.queries)
}

func TestProcess_MatchingErrorsDegradeToUnmatched(t *testing.T) {
	t.Run("matcher", func(t *testing.T) {
		h := newHarness(t, func(d *Dependencies, c *Config) { d.Matcher = failingMatcher{} })

		result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

		require.True(t, result.Success)
		assert.Equal(t, 3, result.Data.MatchingSummary.Unmatched)
		assert.Contains(t, h.events.failedStages(), StageMatch)
		for _, row := range h.store.refundsOf(result.Data.SettlementFileID) {
			assert.Equal(t, domain.MatchUnmatched, row.MatchMethod)
		}
	})

	t.Run("order lookup", func(t *testing.T) {
		h := newHarness(t, nil)
		h.orders.err = errors.New("orders table locked")

		result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

		require.True(t, result.Success)
		assert.Equal(t, 3, result.Data.MatchingSummary.Unmatched)
		assert.Equal(t, 3, result.Data.RefundsInserted)
	})
}

func TestProcess_BatchAtomicity(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failAtRow = 2 // last row of the batch

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeError, result.Status)
	assert.Equal(t, apperrors.ErrCodeDatabaseError, result.ErrorCode)
	require.NotNil(t, result.Data)

	id := result.Data.SettlementFileID
	assert.Empty(t, h.store.refundsOf(id))

	file, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, file.Status)
	assert.Contains(t, h.events.failedStages(), StagePersist)
}

func TestProcess_ExtractionFailureThenReprocess(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.failures = 1
	h.extractor.err = apperrors.LLMRateLimited(errors.New("429 Too Many Requests"))

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeError, result.Status)
	assert.Equal(t, apperrors.ErrCodeLLMRateLimited, result.ErrorCode)
	id := result.Data.SettlementFileID

	file, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, file.Status)
	require.NotNil(t, file.ErrorMessage)
	assert.Contains(t, *file.ErrorMessage, "rate limit")
	assert.Empty(t, h.store.refundsOf(id))

	reprocessed := h.processor.ReprocessSettlementFile(context.Background(), id)

	require.True(t, reprocessed.Success, reprocessed.Message)
	assert.Equal(t, 3, reprocessed.Data.RefundsInserted)
	assert.Equal(t, 1, h.parser.callCount())
	assert.Equal(t, 2, h.extractor.callCount())

	file, err = h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, file.Status)
	assert.Nil(t, file.ErrorMessage)
	assert.Equal(t, 1, file.ReprocessCount)
	assert.Len(t, h.store.refundsOf(id), 3)
	assert.Contains(t, h.cache.invalidated, id)
}

func TestProcess_PanicMarksFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.hook = func(ctx context.Context) { panic("nil map write") }

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	assert.Equal(t, OutcomeError, result.Status)
	assert.Equal(t, apperrors.ErrCodeInternal, result.ErrorCode)

	file, err := h.store.GetByID(context.Background(), result.Data.SettlementFileID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, file.Status)
	require.NotNil(t, file.ErrorMessage)
	assert.Contains(t, *file.ErrorMessage, "nil map write")
}

func TestProcess_SurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runCtxErr error
	h.extractor.hook = func(runCtx context.Context) {
		cancel()
		runCtxErr = runCtx.Err()
	}

	result := h.processor.ProcessSettlementFile(ctx, upload(settlementCSV), meta())

	require.True(t, result.Success, result.Message)
	assert.NoError(t, runCtxErr)
	file, err := h.store.GetByID(context.Background(), result.Data.SettlementFileID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, file.Status)
}

func TestProcess_FlagsRepeatedLines(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.refunds = []domain.ExtractedRefund{
		extracted("UE-1001", "12.50", day(1)),
		extracted("UE-1001", "12.50", day(1)),
	}

	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())

	require.True(t, result.Success)
	assert.Equal(t, 2, result.Data.RefundsInserted)
	assert.Equal(t, 1, result.Data.PossibleDuplicates)

	rows := h.store.refundsOf(result.Data.SettlementFileID)
	require.Len(t, rows, 2)
	assert.Equal(t, false, rows[0].Metadata["possible_duplicate"])
	assert.Equal(t, true, rows[1].Metadata["possible_duplicate"])
	assert.Equal(t, 0, rows[1].Metadata["duplicate_of_index"])
}

func TestReprocess_Rules(t *testing.T) {
	h := newHarness(t, nil)
	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())
	require.True(t, result.Success)
	id := result.Data.SettlementFileID

	t.Run("completed is rejected", func(t *testing.T) {
		r := h.processor.ReprocessSettlementFile(context.Background(), id)

		assert.False(t, r.Success)
		assert.Equal(t, apperrors.ErrCodeReprocessNotAllowed, r.ErrorCode)
		assert.Len(t, h.store.refundsOf(id), 3)
	})

	t.Run("fresh processing is rejected", func(t *testing.T) {
		h.store.setStatus(id, domain.StatusProcessing, time.Now().UTC())

		r := h.processor.ReprocessSettlementFile(context.Background(), id)

		assert.False(t, r.Success)
		assert.Equal(t, apperrors.ErrCodeReprocessNotAllowed, r.ErrorCode)
	})

	t.Run("lock held", func(t *testing.T) {
		h.store.setStatus(id, domain.StatusFailed, time.Now().UTC())
		release, err := h.locker.Obtain(context.Background(), reprocessLockKey(id), time.Minute)
		require.NoError(t, err)

		r := h.processor.ReprocessSettlementFile(context.Background(), id)

		assert.False(t, r.Success)
		assert.Equal(t, apperrors.ErrCodeLockNotObtained, r.ErrorCode)
		require.NoError(t, release(context.Background()))
	})

	t.Run("stale processing replaces residual rows", func(t *testing.T) {
		h.store.setStatus(id, domain.StatusProcessing, time.Now().UTC().Add(-2*time.Hour))
		h.extractor.refunds = h1Refunds()[:2]

		r := h.processor.ReprocessSettlementFile(context.Background(), id)

		require.True(t, r.Success, r.Message)
		assert.Len(t, h.store.refundsOf(id), 2)
	})

	t.Run("unknown id", func(t *testing.T) {
		r := h.processor.ReprocessSettlementFile(context.Background(), uuid.New())

		assert.False(t, r.Success)
		assert.Equal(t, apperrors.ErrCodeNotFound, r.ErrorCode)
	})
}

func TestReprocess_RequiresRawText(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	require.NoError(t, h.store.CreateProcessing(context.Background(), &domain.SettlementFile{
		ID:       id,
		OwnerID:  ownerID,
		FileHash: "abc",
		Status:   domain.StatusFailed,
	}))

	r := h.processor.ReprocessSettlementFile(context.Background(), id)

	assert.False(t, r.Success)
	assert.Equal(t, apperrors.ErrCodeReprocessNotAllowed, r.ErrorCode)
	assert.Contains(t, r.Message, "cached text")
	assert.Equal(t, 0, h.extractor.callCount())
}

func TestGetProcessingStatus(t *testing.T) {
	h := newHarness(t, nil)
	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())
	require.True(t, result.Success)
	id := result.Data.SettlementFileID

	status, err := h.processor.GetProcessingStatus(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, int64(3), status.RefundCount)
	assert.Equal(t, domain.StatusCompleted, status.File.Status)

	cached, ok := h.cache.GetStatus(context.Background(), id)
	require.True(t, ok)
	assert.Equal(t, status, cached)

	_, err = h.processor.GetProcessingStatus(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestGetProcessingStatus_ProcessingIsNotCached(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failAtRow = 0
	result := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())
	id := result.Data.SettlementFileID

	status, err := h.processor.GetProcessingStatus(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, status.File.Status)
	_, ok := h.cache.GetStatus(context.Background(), id)
	assert.False(t, ok)
}

func TestSweepStaleProcessing(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failAtRow = 0
	stuck := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV), meta())
	stuckID := stuck.Data.SettlementFileID

	h.store.failAtRow = -1
	fresh := h.processor.ProcessSettlementFile(context.Background(), upload(settlementCSV+"UE-7,2024-03-09,1.00,x\n"), meta())
	require.True(t, fresh.Success)

	n, err := h.processor.SweepStaleProcessing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.store.setStatus(stuckID, domain.StatusProcessing, time.Now().UTC().Add(-time.Hour))

	n, err = h.processor.SweepStaleProcessing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	file, err := h.store.GetByID(context.Background(), stuckID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, file.Status)
	require.NotNil(t, file.ErrorMessage)
	assert.Equal(t, "processing timed out", *file.ErrorMessage)

	r := h.processor.ReprocessSettlementFile(context.Background(), stuckID)
	assert.True(t, r.Success, r.Message)
}

func TestNewProcessor_RequiresCollaborators(t *testing.T) {
	_, err := NewProcessor(Dependencies{}, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestBuildRefundRows_DefaultsToUnmatched(t *testing.T) {
	file := &domain.SettlementFile{ID: uuid.New(), OwnerID: ownerID, PlatformSource: domain.PlatformDoorDash}
	refund := extracted("DD-1", "4.00", day(3))
	refund.PlatformSource = domain.PlatformUnknown
	refund.ReasonCategory = ""

	rows := buildRefundRows(file, []domain.ExtractedRefund{refund}, nil, nil)

	require.Len(t, rows, 1)
	assert.Equal(t, domain.MatchUnmatched, rows[0].MatchMethod)
	assert.Equal(t, domain.PlatformDoorDash, rows[0].PlatformSource)
	assert.Equal(t, domain.ReasonOther, rows[0].ReasonCategory)
	assert.Equal(t, "DD-1", rows[0].Metadata["order_ref_id"])
	assert.Equal(t, file.ID, rows[0].SettlementFileID)
	assert.NotEqual(t, uuid.Nil, rows[0].ID)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "plain", failureMessage(errors.New("plain")))
	assert.Equal(t, "model returned no choices", failureMessage(apperrors.LLMInvalidResponse("model returned no choices")))
	assert.Equal(t, "LLM request failed: dial tcp: timeout",
		failureMessage(apperrors.LLMRequestFailed(fmt.Errorf("dial tcp: timeout"))))
}
