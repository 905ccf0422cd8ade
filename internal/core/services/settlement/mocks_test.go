package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/extraction"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/matching"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/logger"
)

// memStore is an in-memory Store that enforces the (owner, hash) unique
// index and all-or-nothing refund inserts
type memStore struct {
	mu      sync.Mutex
	files   map[uuid.UUID]*domain.SettlementFile
	refunds map[uuid.UUID][]domain.RefundAdjustment

	// failAtRow makes CompleteWithRefunds fail when inserting that row index
	failAtRow int
	findErr   error
}

func newMemStore() *memStore {
	return &memStore{
		files:     make(map[uuid.UUID]*domain.SettlementFile),
		refunds:   make(map[uuid.UUID][]domain.RefundAdjustment),
		failAtRow: -1,
	}
}

func (m *memStore) FindByOwnerAndHash(ctx context.Context, ownerID, fileHash string) (*domain.SettlementFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, f := range m.files {
		if f.OwnerID == ownerID && f.FileHash == fileHash {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) CreateProcessing(ctx context.Context, file *domain.SettlementFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.OwnerID == file.OwnerID && f.FileHash == file.FileHash {
			return fmt.Errorf("insert settlement file: %w", ErrDuplicateFile)
		}
	}
	cp := *file
	m.files[file.ID] = &cp
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.SettlementFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memStore) CountRefunds(ctx context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.refunds[id])), nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	if f.Status != domain.StatusProcessing {
		return ErrStatusConflict
	}
	f.Status = domain.StatusFailed
	f.ErrorMessage = &message
	return nil
}

func (m *memStore) CompleteWithRefunds(ctx context.Context, id uuid.UUID, refunds []domain.RefundAdjustment, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	if f.Status != domain.StatusProcessing {
		return ErrStatusConflict
	}

	staged := make([]domain.RefundAdjustment, 0, len(refunds))
	for i, r := range refunds {
		if i == m.failAtRow {
			return errors.New("insert refund: value too long for column")
		}
		staged = append(staged, r)
	}

	m.refunds[id] = staged
	f.Status = domain.StatusCompleted
	f.ErrorMessage = nil
	f.ExtractionDurationMs = c.ExtractionDurationMs
	f.ExtractionModel = c.ExtractionModel
	f.TokensUsed = c.TokensUsed
	f.RefundsFound = c.RefundsFound
	f.MatchedOrdersCount = c.MatchedCount
	f.UnmatchedRefundsCount = c.UnmatchedCount
	completedAt := c.CompletedAt
	f.CompletedAt = &completedAt
	return nil
}

func (m *memStore) BeginReprocess(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*domain.SettlementFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	stale := f.Status == domain.StatusProcessing && f.ProcessingStartedAt.Before(staleBefore)
	if f.Status != domain.StatusFailed && !stale {
		return nil, ErrStatusConflict
	}
	f.Status = domain.StatusProcessing
	f.ErrorMessage = nil
	f.ReprocessCount++
	f.ProcessingStartedAt = time.Now().UTC()
	cp := *f
	return &cp, nil
}

func (m *memStore) SweepStale(ctx context.Context, before time.Time, message string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, f := range m.files {
		if f.Status == domain.StatusProcessing && f.ProcessingStartedAt.Before(before) {
			msg := message
			f.Status = domain.StatusFailed
			f.ErrorMessage = &msg
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) fileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *memStore) refundsOf(id uuid.UUID) []domain.RefundAdjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RefundAdjustment(nil), m.refunds[id]...)
}

// setStatus forces a file into a state for reprocess tests
func (m *memStore) setStatus(id uuid.UUID, status domain.SettlementStatus, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[id].Status = status
	m.files[id].ProcessingStartedAt = startedAt
}

// stubExtractor returns canned refunds and counts calls
type stubExtractor struct {
	mu       sync.Mutex
	calls    int
	refunds  []domain.ExtractedRefund
	failures int // fail this many calls before succeeding
	err      error
	hook     func(ctx context.Context)
}

func (s *stubExtractor) ExtractRefunds(ctx context.Context, text string, platformHint domain.PlatformSource) (*extraction.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.hook != nil {
		s.hook(ctx)
	}
	if call <= s.failures {
		return nil, s.err
	}

	refunds := make([]domain.ExtractedRefund, len(s.refunds))
	copy(refunds, s.refunds)
	return &extraction.Result{Refunds: refunds, Model: "stub-model", TokensUsed: 120, Chunks: 1}, nil
}

func (s *stubExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// countingParser wraps the real parser service
type countingParser struct {
	mu    sync.Mutex
	calls int
	inner *parsers.Service
}

func newCountingParser() *countingParser {
	return &countingParser{inner: parsers.NewService(nil, logger.Discard())}
}

func (c *countingParser) Parse(ctx context.Context, file parsers.File) (*parsers.ParsedFile, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Parse(ctx, file)
}

func (c *countingParser) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// memOrders serves a fixed candidate pool
type memOrders struct {
	mu      sync.Mutex
	orders  []domain.Order
	err     error
	queries []CandidateQuery
}

func (m *memOrders) FindCandidates(ctx context.Context, q CandidateQuery) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Order
	for _, o := range m.orders {
		if o.OwnerID == q.OwnerID && !o.OrderedAt.Before(q.From) && !o.OrderedAt.After(q.To) {
			out = append(out, o)
		}
	}
	return out, nil
}

type failingMatcher struct{}

func (failingMatcher) MatchBatch(ctx context.Context, refunds []domain.ExtractedRefund, candidates []domain.Order, opts matching.Options) (*matching.BatchResult, error) {
	return nil, errors.New("matcher exploded")
}

type memArchive struct {
	mu    sync.Mutex
	saved map[uuid.UUID][]byte
}

func (a *memArchive) ArchiveRaw(ctx context.Context, fileID uuid.UUID, fileName string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = make(map[uuid.UUID][]byte)
	}
	a.saved[fileID] = data
	return "archive/" + fileID.String() + "/" + fileName, nil
}

type memCache struct {
	mu          sync.Mutex
	statuses    map[uuid.UUID]*ProcessingStatus
	invalidated []uuid.UUID
}

func newMemCache() *memCache {
	return &memCache{statuses: make(map[uuid.UUID]*ProcessingStatus)}
}

func (c *memCache) GetStatus(ctx context.Context, id uuid.UUID) (*ProcessingStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[id]
	return s, ok
}

func (c *memCache) SetStatus(ctx context.Context, status *ProcessingStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[status.File.ID] = status
	return nil
}

func (c *memCache) InvalidateStatus(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

// recordingSink captures step events
type recordingSink struct {
	mu     sync.Mutex
	failed []Event
	done   []Event
}

func (r *recordingSink) StepStarted(ctx context.Context, e Event) {}

func (r *recordingSink) StepCompleted(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, e)
}

func (r *recordingSink) StepFailed(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, e)
}

func (r *recordingSink) failedStages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]Stage, 0, len(r.failed))
	for _, e := range r.failed {
		stages = append(stages, e.Stage)
	}
	return stages
}
