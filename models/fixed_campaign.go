package models

import (
	"time"

	"github.com/lib/pq"
)

// ActiveFixedCampaignCount is the pool-size invariant checked by the assigner:
// new assignments proceed only when exactly this many campaigns are active.
const ActiveFixedCampaignCount = 3

// FixedCampaign is one element of the small operator-configured tracker
// campaign pool across which every order is distributed.
type FixedCampaign struct {
	ID                 uint   `gorm:"primaryKey" json:"id"`
	ExternalCampaignID string `gorm:"size:64;not null;uniqueIndex:uk_fixed_campaigns_external_id" json:"external_campaign_id"`
	Name               string `gorm:"size:255;not null" json:"name"`

	// GeoTargeting is the list of ISO country codes the campaign serves;
	// empty means worldwide.
	GeoTargeting pq.StringArray `gorm:"type:text[]" json:"geo_targeting,omitempty"`

	// Priority breaks ties when distributing rounding remainders; 1 is highest
	Priority int `gorm:"not null;default:1" json:"priority"`
	Weight   int `gorm:"not null;default:1" json:"weight"`

	IsActive    *bool   `gorm:"default:true;index:idx_fixed_campaigns_is_active" json:"is_active"`
	Description *string `gorm:"type:text" json:"description,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (FixedCampaign) TableName() string {
	return "fixed_campaigns"
}

// FixedCampaignFilter represents filter criteria for campaign pool queries
type FixedCampaignFilter struct {
	ID                 *uint   `json:"id,omitempty"`
	ExternalCampaignID *string `json:"external_campaign_id,omitempty"`
	IsActive           *bool   `json:"is_active,omitempty"`
}
