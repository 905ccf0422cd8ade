package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReasonCategory is the normalized reason a platform deducted money
type ReasonCategory string

const (
	ReasonMissingItem          ReasonCategory = "missing_item"
	ReasonWrongItem            ReasonCategory = "wrong_item"
	ReasonQualityIssue         ReasonCategory = "quality_issue"
	ReasonLateDelivery         ReasonCategory = "late_delivery"
	ReasonOrderCancelled       ReasonCategory = "order_cancelled"
	ReasonNeverDelivered       ReasonCategory = "never_delivered"
	ReasonPackaging            ReasonCategory = "packaging"
	ReasonCommissionAdjustment ReasonCategory = "commission_adjustment"
	ReasonPromotion            ReasonCategory = "promotion"
	ReasonOther                ReasonCategory = "other"
)

// ReasonCategories lists every category in prompt order
func ReasonCategories() []ReasonCategory {
	return []ReasonCategory{
		ReasonMissingItem,
		ReasonWrongItem,
		ReasonQualityIssue,
		ReasonLateDelivery,
		ReasonOrderCancelled,
		ReasonNeverDelivered,
		ReasonPackaging,
		ReasonCommissionAdjustment,
		ReasonPromotion,
		ReasonOther,
	}
}

// NormalizeReasonCategory maps an extractor label onto the enum; anything
// unrecognized becomes ReasonOther.
func NormalizeReasonCategory(label string) ReasonCategory {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	for _, c := range ReasonCategories() {
		if string(c) == key {
			return c
		}
	}
	switch key {
	case "missing", "missing_items", "item_missing":
		return ReasonMissingItem
	case "incorrect_item", "wrong_order":
		return ReasonWrongItem
	case "quality", "food_quality", "cold_food":
		return ReasonQualityIssue
	case "late", "delayed", "delay":
		return ReasonLateDelivery
	case "cancelled", "canceled", "cancellation", "order_canceled":
		return ReasonOrderCancelled
	case "not_delivered", "undelivered":
		return ReasonNeverDelivered
	case "commission", "fee_adjustment":
		return ReasonCommissionAdjustment
	case "promo", "discount", "marketing":
		return ReasonPromotion
	}
	return ReasonOther
}

// MatchMethod records how a refund was linked to an order
type MatchMethod string

const (
	MatchExactRef           MatchMethod = "exact_ref"
	MatchFuzzyRefAmountDate MatchMethod = "fuzzy_ref_amount_date"
	MatchFuzzyNameAmount    MatchMethod = "fuzzy_name_amount"
	MatchUnmatched          MatchMethod = "unmatched"
	// MatchSkipped is recorded when matching was disabled for the run
	MatchSkipped MatchMethod = "skipped"
)

// ReviewStatus is the human-review state of a refund row
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ExtractedRefund is one refund candidate produced by the extractor.
// It only lives for the duration of a processing run.
type ExtractedRefund struct {
	OrderRefID      *string         `json:"order_ref_id,omitempty"`
	CustomerName    *string         `json:"customer_name,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	TransactionTime *string         `json:"transaction_time,omitempty"`
	AmountDeducted  decimal.Decimal `json:"amount_deducted"`
	Currency        string          `json:"currency"`
	ReasonRaw       string          `json:"reason_raw"`
	ReasonCategory  ReasonCategory  `json:"reason_category"`
	ConfidenceScore float64         `json:"confidence_score"`
	PlatformSource  PlatformSource  `json:"platform_source"`
}

// MatchResult is the matcher's verdict for one ExtractedRefund
type MatchResult struct {
	OrderID    *uuid.UUID  `json:"order_id,omitempty"`
	Confidence float64     `json:"confidence"`
	Method     MatchMethod `json:"method"`
	Reasoning  string      `json:"reasoning"`
}

// IsMatched reports whether an order was linked
func (m MatchResult) IsMatched() bool {
	return m.OrderID != nil
}

// Unmatched builds the zero-confidence result
func Unmatched(reasoning string) MatchResult {
	return MatchResult{Method: MatchUnmatched, Reasoning: reasoning}
}

// RefundAdjustment is a persisted refund/deduction row awaiting review
type RefundAdjustment struct {
	ID               uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	SettlementFileID uuid.UUID  `gorm:"type:uuid;not null;index:idx_refunds_settlement_file" json:"settlement_file_id"`
	MatchedOrderID   *uuid.UUID `gorm:"type:uuid;index:idx_refunds_matched_order" json:"matched_order_id,omitempty"`
	OwnerID          string     `gorm:"type:varchar(255);not null;index:idx_refunds_owner" json:"owner_id"`

	AmountDeducted decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount_deducted"`
	Currency       string          `gorm:"type:varchar(3);not null" json:"currency"`

	PlatformSource    PlatformSource    `gorm:"type:varchar(50);not null" json:"platform_source"`
	TransactionDate   time.Time         `gorm:"type:date;not null" json:"transaction_date"`
	TransactionTime   *string           `gorm:"type:varchar(8)" json:"transaction_time,omitempty"`
	ReasonRaw         string            `gorm:"type:text" json:"reason_raw"`
	ReasonCategory    ReasonCategory    `gorm:"type:varchar(50);not null;default:'other'" json:"reason_category"`
	MatchConfidence   float64           `gorm:"type:decimal(5,4);default:0" json:"match_confidence"`
	MatchMethod       MatchMethod       `gorm:"type:varchar(50);not null" json:"match_method"`
	AIConfidenceScore float64           `gorm:"type:decimal(5,4);default:0" json:"ai_confidence_score"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	Status    ReviewStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	SettlementFile *SettlementFile `gorm:"foreignKey:SettlementFileID" json:"settlement_file,omitempty"`
}

// TableName specifies the table name for GORM
func (RefundAdjustment) TableName() string {
	return "refund_adjustments"
}

// BeforeCreate GORM hook
func (r *RefundAdjustment) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ReviewPending
	}
	return nil
}
