package models

import (
	"time"
)

// MaxRefillsPerOrder caps the number of refill children a parent may accumulate
const MaxRefillsPerOrder = 5

// RefillIdempotencyWindow is the interval inside which a second refill request
// for the same parent is rejected as a duplicate.
const RefillIdempotencyWindow = 60 * time.Second

// OrderRefill is the audit row linking a parent order to its zero-charge
// replay child. (original_order_id, refill_number) is unique.
type OrderRefill struct {
	ID              uint `gorm:"primaryKey" json:"id"`
	OriginalOrderID uint `gorm:"not null;uniqueIndex:uk_order_refills_parent_number,priority:1" json:"original_order_id"`
	RefillOrderID   uint `gorm:"not null;index:idx_order_refills_refill_order_id" json:"refill_order_id"`
	RefillNumber    int  `gorm:"not null;uniqueIndex:uk_order_refills_parent_number,priority:2" json:"refill_number"`

	OriginalQuantity  uint32 `gorm:"not null" json:"original_quantity"`
	DeliveredQuantity uint64 `gorm:"not null" json:"delivered_quantity"`
	RefillQuantity    uint32 `gorm:"not null" json:"refill_quantity"`

	StartCountAtRefill uint64 `gorm:"not null" json:"start_count_at_refill"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_order_refills_created_at" json:"created_at"`
}

func (OrderRefill) TableName() string {
	return "order_refills"
}

// OrderRefillFilter represents filter criteria for refill audit queries
type OrderRefillFilter struct {
	ID              *uint `json:"id,omitempty"`
	OriginalOrderID *uint `json:"original_order_id,omitempty"`
	RefillOrderID   *uint `json:"refill_order_id,omitempty"`
}
