package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus represents the lifecycle status of an order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusActive     OrderStatus = "active"
	OrderStatusPartial    OrderStatus = "partial"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusPaused     OrderStatus = "paused"
	OrderStatusHolding    OrderStatus = "holding"
	OrderStatusError      OrderStatus = "error"
	OrderStatusRefill     OrderStatus = "refill"
)

// String returns the string representation of the status
func (s OrderStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusInProgress,
		OrderStatusActive, OrderStatusPartial, OrderStatusCompleted,
		OrderStatusCancelled, OrderStatusPaused, OrderStatusHolding,
		OrderStatusError, OrderStatusRefill:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further automatic transitions are permitted
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Scan implements the sql.Scanner interface for OrderStatus
func (s *OrderStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = OrderStatus(v)
	case []byte:
		*s = OrderStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into OrderStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for OrderStatus
func (s OrderStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid OrderStatus: %s", s)
	}
	return string(s), nil
}

// TrafficStatus reflects whether tracker traffic has been observed for the order
type TrafficStatus string

const (
	TrafficStatusNone      TrafficStatus = "none"
	TrafficStatusRunning   TrafficStatus = "running"
	TrafficStatusDelivered TrafficStatus = "delivered"
)

// Valid checks if the traffic status is valid
func (s TrafficStatus) Valid() bool {
	return s == TrafficStatusNone || s == TrafficStatusRunning || s == TrafficStatusDelivered
}

// Scan implements the sql.Scanner interface for TrafficStatus
func (s *TrafficStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = TrafficStatus(v)
	case []byte:
		*s = TrafficStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into TrafficStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for TrafficStatus
func (s TrafficStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid TrafficStatus: %s", s)
	}
	return string(s), nil
}

// Order is a user-purchased unit of delivery against a single external URL.
// Created_at is part of the primary key so the monthly range partitions keep
// the partition key inside the PK.
type Order struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_orders_uuid" json:"uuid"`
	UserID    uint      `gorm:"not null;index:idx_orders_user_status,priority:1" json:"user_id"`
	ServiceID uint      `gorm:"not null;index:idx_orders_service_id" json:"service_id"`

	Link     string `gorm:"type:text;not null" json:"link"`
	Quantity uint32 `gorm:"not null" json:"quantity"`

	Charge decimal.Decimal `gorm:"type:numeric(18,8);not null" json:"charge"`

	// View counters. startCount is the probed view count before campaigns begin;
	// remains stays within [0, quantity].
	StartCount     uint64 `gorm:"not null;default:0" json:"start_count"`
	Remains        uint32 `gorm:"not null" json:"remains"`
	ViewsDelivered uint64 `gorm:"not null;default:0" json:"views_delivered"`

	Status        OrderStatus   `gorm:"type:varchar(20);not null;default:'pending';index:idx_orders_status_created,priority:1;index:idx_orders_user_status,priority:2" json:"status"`
	TrafficStatus TrafficStatus `gorm:"type:varchar(20);not null;default:'none'" json:"traffic_status"`

	YouTubeVideoID *string `gorm:"size:32" json:"youtube_video_id,omitempty"`

	// Clicks-to-views multiplier resolved by the video worker
	Coefficient   float64 `gorm:"not null;default:0" json:"coefficient"`
	TargetCountry *string `gorm:"size:64" json:"target_country,omitempty"`

	BudgetLimit  *decimal.Decimal `gorm:"type:numeric(18,8)" json:"budget_limit,omitempty"`
	CostIncurred decimal.Decimal  `gorm:"type:numeric(18,8);not null;default:0" json:"cost_incurred"`

	// Refill linkage: a refill order carries charge=0 and points at its parent;
	// a refill is never itself refilled.
	IsRefill       *bool `gorm:"default:false" json:"is_refill"`
	RefillParentID *uint `gorm:"index:idx_orders_refill_parent_id" json:"refill_parent_id,omitempty"`

	// Monotonic counter for optimistic concurrency across pipeline writers
	Version int64 `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `gorm:"primaryKey;default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_orders_status_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`

	// Relations
	User             *User             `gorm:"foreignKey:UserID;references:ID" json:"user,omitempty"`
	Service          *Service          `gorm:"foreignKey:ServiceID;references:ID" json:"service,omitempty"`
	Events           []OrderEvent      `gorm:"foreignKey:OrderID;references:ID" json:"-"`
	CampaignBindings []CampaignBinding `gorm:"foreignKey:OrderID;references:ID" json:"campaign_bindings,omitempty"`
	VideoProcessing  *VideoProcessing  `gorm:"foreignKey:OrderID;references:ID" json:"video_processing,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// BeforeCreate is called before creating a new record
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	if o.TrafficStatus == "" {
		o.TrafficStatus = TrafficStatusNone
	}
	return nil
}

// IsRefillOrder reports whether this order is a zero-charge replay child
func (o *Order) IsRefillOrder() bool {
	return o.IsRefill != nil && *o.IsRefill
}

// CanTransitionTo checks the status graph. HOLDING is reachable from any
// non-terminal state and leaves back to the state the operator chooses among
// the normal sources, so it admits the same exits as PAUSED plus CANCELLED.
func (o *Order) CanTransitionTo(newStatus OrderStatus) bool {
	if o.Status == newStatus {
		return false
	}
	// Operator hold: enter from any non-terminal state
	if newStatus == OrderStatusHolding {
		return !o.Status.IsTerminal()
	}
	switch o.Status {
	case OrderStatusPending:
		return newStatus == OrderStatusProcessing || newStatus == OrderStatusCancelled
	case OrderStatusProcessing:
		return newStatus == OrderStatusInProgress || newStatus == OrderStatusError ||
			newStatus == OrderStatusCancelled
	case OrderStatusInProgress:
		return newStatus == OrderStatusActive || newStatus == OrderStatusError ||
			newStatus == OrderStatusCancelled
	case OrderStatusActive:
		return newStatus == OrderStatusCompleted || newStatus == OrderStatusPartial ||
			newStatus == OrderStatusPaused || newStatus == OrderStatusRefill
	case OrderStatusPartial:
		return newStatus == OrderStatusCompleted || newStatus == OrderStatusRefill
	case OrderStatusPaused:
		return newStatus == OrderStatusActive || newStatus == OrderStatusCancelled
	case OrderStatusHolding:
		return newStatus == OrderStatusActive || newStatus == OrderStatusProcessing ||
			newStatus == OrderStatusInProgress || newStatus == OrderStatusCancelled
	case OrderStatusError:
		return newStatus == OrderStatusCancelled
	case OrderStatusRefill:
		return newStatus == OrderStatusCompleted || newStatus == OrderStatusPartial
	default:
		return false
	}
}

// OrderFilter represents filter criteria for order queries
type OrderFilter struct {
	ID             *uint        `json:"id,omitempty"`
	UUID           *uuid.UUID   `json:"uuid,omitempty"`
	UserID         *uint        `json:"user_id,omitempty"`
	ServiceID      *uint        `json:"service_id,omitempty"`
	Status         *OrderStatus `json:"status,omitempty"`
	Statuses       []OrderStatus `json:"statuses,omitempty"`
	IsRefill       *bool        `json:"is_refill,omitempty"`
	RefillParentID *uint        `json:"refill_parent_id,omitempty"`
	CreatedAfter   *time.Time   `json:"created_after,omitempty"`
	CreatedBefore  *time.Time   `json:"created_before,omitempty"`
}
