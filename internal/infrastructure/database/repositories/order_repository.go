package repositories

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
)

// defaultMaxCandidates caps one matching pool
const defaultMaxCandidates = 10000

// OrderRepository reads the historical orders refunds are matched against
type OrderRepository struct {
	db            *gorm.DB
	maxCandidates int
	logger        *slog.Logger
}

// NewOrderRepository creates a new repository instance
func NewOrderRepository(db *gorm.DB, logger *slog.Logger) *OrderRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &OrderRepository{
		db:            db,
		maxCandidates: defaultMaxCandidates,
		logger:        logger,
	}
}

// FindCandidates returns the owner's orders inside the query window,
// restricted to the branch when one is given
func (r *OrderRepository) FindCandidates(ctx context.Context, q settlement.CandidateQuery) ([]domain.Order, error) {
	query := r.db.WithContext(ctx).
		Where("owner_id = ? AND ordered_at BETWEEN ? AND ?", q.OwnerID, q.From, q.To)

	if q.BranchID != nil && *q.BranchID != "" {
		query = query.Where("branch_id = ?", *q.BranchID)
	}

	var orders []domain.Order
	err := query.
		Order("ordered_at ASC, id ASC").
		Limit(r.maxCandidates).
		Find(&orders).
		Error

	if err != nil {
		return nil, fmt.Errorf("find candidate orders: %w", err)
	}

	if len(orders) == r.maxCandidates {
		r.logger.Warn("candidate order pool truncated",
			slog.String("owner_id", q.OwnerID),
			slog.Int("limit", r.maxCandidates),
			slog.Time("from", q.From),
			slog.Time("to", q.To))
	}

	return orders, nil
}
