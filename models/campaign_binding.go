package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BindingStatus represents the lifecycle of a per-order campaign binding
type BindingStatus string

const (
	BindingStatusActive   BindingStatus = "active"
	BindingStatusPaused   BindingStatus = "paused"
	BindingStatusFinished BindingStatus = "finished"
)

// Valid checks if the status is valid
func (s BindingStatus) Valid() bool {
	return s == BindingStatusActive || s == BindingStatusPaused || s == BindingStatusFinished
}

// Scan implements the sql.Scanner interface for BindingStatus
func (s *BindingStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = BindingStatus(v)
	case []byte:
		*s = BindingStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BindingStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for BindingStatus
func (s BindingStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid BindingStatus: %s", s)
	}
	return string(s), nil
}

// CampaignBinding is the per-campaign child record of an order, carrying
// tracker-side stats. Written by the assigner (insert) and the reconciler
// (updates); never deleted.
type CampaignBinding struct {
	ID                 uint   `gorm:"primaryKey" json:"id"`
	OrderID            uint   `gorm:"not null;index:idx_campaign_bindings_order_id" json:"order_id"`
	ExternalCampaignID string `gorm:"size:64;not null;index:idx_campaign_bindings_external_id" json:"external_campaign_id"`
	OfferID            string `gorm:"size:64;not null" json:"offer_id"`

	ClicksRequired  uint64 `gorm:"not null;index:idx_campaign_bindings_progress,priority:3" json:"clicks_required"`
	ClicksDelivered uint64 `gorm:"not null;default:0;index:idx_campaign_bindings_progress,priority:2" json:"clicks_delivered"`
	Conversions     uint64 `gorm:"not null;default:0" json:"conversions"`

	Cost    decimal.Decimal `gorm:"type:numeric(18,8);not null;default:0" json:"cost"`
	Revenue decimal.Decimal `gorm:"type:numeric(18,8);not null;default:0" json:"revenue"`

	BudgetLimit *decimal.Decimal `gorm:"type:numeric(18,8)" json:"budget_limit,omitempty"`

	Status      BindingStatus `gorm:"type:varchar(20);not null;default:'active';index:idx_campaign_bindings_progress,priority:1" json:"status"`
	PauseReason *string       `gorm:"type:text" json:"pause_reason,omitempty"`

	LastStatsAt *time.Time `json:"last_stats_at,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (CampaignBinding) TableName() string {
	return "campaign_bindings"
}

// IsActive reports whether the reconciler should still poll this binding
func (b *CampaignBinding) IsActive() bool {
	return b.Status == BindingStatusActive
}

// CampaignBindingFilter represents filter criteria for binding queries
type CampaignBindingFilter struct {
	ID                 *uint          `json:"id,omitempty"`
	OrderID            *uint          `json:"order_id,omitempty"`
	ExternalCampaignID *string        `json:"external_campaign_id,omitempty"`
	Status             *BindingStatus `json:"status,omitempty"`
}
