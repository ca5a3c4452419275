package models

import (
	"encoding/json"
	"time"
)

// OrderEventType categorizes append-only order history entries
type OrderEventType string

const (
	OrderEventTypeCreated          OrderEventType = "created"
	OrderEventTypeStatusChanged    OrderEventType = "status_changed"
	OrderEventTypeVideoProcessed   OrderEventType = "video_processed"
	OrderEventTypeCampaignAssigned OrderEventType = "campaign_assigned"
	OrderEventTypeReconciled       OrderEventType = "reconciled"
	OrderEventTypeRefillCreated    OrderEventType = "refill_created"
	OrderEventTypeFailed           OrderEventType = "failed"
)

// OrderEvent is an immutable, append-only history row written atomically with
// the order mutation it records.
type OrderEvent struct {
	ID      uint           `gorm:"primaryKey" json:"id"`
	OrderID uint           `gorm:"not null;index:idx_order_events_order_id" json:"order_id"`
	Type    OrderEventType `gorm:"type:varchar(30);not null;index:idx_order_events_type" json:"type"`

	OldStatus *OrderStatus `gorm:"type:varchar(20)" json:"old_status,omitempty"`
	NewStatus *OrderStatus `gorm:"type:varchar(20)" json:"new_status,omitempty"`

	Payload json.RawMessage `gorm:"type:jsonb;default:'{}'" json:"payload,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_order_events_created_at" json:"created_at"`
}

func (OrderEvent) TableName() string {
	return "order_events"
}

// OrderEventFilter represents filter criteria for order event queries
type OrderEventFilter struct {
	ID            *uint           `json:"id,omitempty"`
	OrderID       *uint           `json:"order_id,omitempty"`
	Type          *OrderEventType `json:"type,omitempty"`
	CreatedAfter  *time.Time      `json:"created_after,omitempty"`
	CreatedBefore *time.Time      `json:"created_before,omitempty"`
}
