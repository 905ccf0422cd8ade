package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is a historical order that refunds are reconciled against.
// The ingestion pipeline only reads this table.
type Order struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	OwnerID        string          `gorm:"type:varchar(255);not null;index:idx_orders_owner_date,priority:1" json:"owner_id"`
	BranchID       *string         `gorm:"type:varchar(255);index:idx_orders_branch" json:"branch_id,omitempty"`
	ExternalRef    string          `gorm:"type:varchar(255);index:idx_orders_external_ref" json:"external_ref"`
	PlatformSource PlatformSource  `gorm:"type:varchar(50)" json:"platform_source"`
	CustomerName   string          `gorm:"type:varchar(255)" json:"customer_name"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"total_amount"`
	Currency       string          `gorm:"type:varchar(3);not null" json:"currency"`
	OrderedAt      time.Time       `gorm:"not null;index:idx_orders_owner_date,priority:2" json:"ordered_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for GORM
func (Order) TableName() string {
	return "orders"
}

// BeforeCreate GORM hook
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// Models returns every persisted model in migration order
func Models() []interface{} {
	return []interface{}{
		&SettlementFile{},
		&RefundAdjustment{},
		&Order{},
	}
}
