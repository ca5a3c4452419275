package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ServiceCategory groups catalog entries by target platform
type ServiceCategory string

const (
	ServiceCategoryYouTubeViews    ServiceCategory = "youtube_views"
	ServiceCategoryYouTubeLikes    ServiceCategory = "youtube_likes"
	ServiceCategoryInstagramViews  ServiceCategory = "instagram_views"
	ServiceCategoryInstagramLikes  ServiceCategory = "instagram_likes"
	ServiceCategoryInstagramFollow ServiceCategory = "instagram_followers"
)

// IsYouTube reports whether the category is fulfilled through the tracker pipeline
func (c ServiceCategory) IsYouTube() bool {
	return c == ServiceCategoryYouTubeViews || c == ServiceCategoryYouTubeLikes
}

// Service is a priced product catalog entry. Read-mostly.
type Service struct {
	ID       uint            `gorm:"primaryKey" json:"id"`
	UUID     uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uk_services_uuid" json:"uuid"`
	Name     string          `gorm:"size:255;not null" json:"name"`
	Category ServiceCategory `gorm:"type:varchar(30);not null;index:idx_services_category" json:"category"`

	MinOrderQty      uint32          `gorm:"not null;default:1" json:"min_order_qty"`
	MaxOrderQty      uint32          `gorm:"not null" json:"max_order_qty"`
	PricePerThousand decimal.Decimal `gorm:"type:numeric(18,8);not null" json:"price_per_thousand"`

	// Whether the video worker may create clips for orders on this service
	ClipCreationEnabled *bool `gorm:"default:false" json:"clip_creation_enabled"`

	IsActive  *bool     `gorm:"default:true;index:idx_services_is_active" json:"is_active"`
	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Service) TableName() string {
	return "services"
}

// QuantityInRange checks the requested quantity against the catalog limits
func (s *Service) QuantityInRange(qty uint32) bool {
	return qty >= s.MinOrderQty && qty <= s.MaxOrderQty
}

// ChargeFor computes the user-visible price for a quantity:
// quantity * pricePerThousand / 1000, banker's rounding to 2 decimal places.
func (s *Service) ChargeFor(qty uint32) decimal.Decimal {
	return s.PricePerThousand.
		Mul(decimal.NewFromInt(int64(qty))).
		Div(decimal.NewFromInt(1000)).
		RoundBank(2)
}

// ServiceFilter represents filter criteria for service queries
type ServiceFilter struct {
	ID            *uint            `json:"id,omitempty"`
	UUID          *uuid.UUID       `json:"uuid,omitempty"`
	Category      *ServiceCategory `json:"category,omitempty"`
	IsActive      *bool            `json:"is_active,omitempty"`
	CreatedAfter  *time.Time       `json:"created_after,omitempty"`
	CreatedBefore *time.Time       `json:"created_before,omitempty"`
}
