package models

import (
	"encoding/json"
	"time"
)

// YouTubeAccountStatus represents the health of a pooled clip-creation account
type YouTubeAccountStatus string

const (
	YouTubeAccountStatusActive      YouTubeAccountStatus = "active"
	YouTubeAccountStatusBlocked     YouTubeAccountStatus = "blocked"
	YouTubeAccountStatusSuspended   YouTubeAccountStatus = "suspended"
	YouTubeAccountStatusRateLimited YouTubeAccountStatus = "rate_limited"
)

// Valid checks if the status is valid
func (s YouTubeAccountStatus) Valid() bool {
	switch s {
	case YouTubeAccountStatusActive, YouTubeAccountStatusBlocked,
		YouTubeAccountStatusSuspended, YouTubeAccountStatusRateLimited:
		return true
	default:
		return false
	}
}

// YouTubeAccount is an element of the clip-creation pool. dailyClipsCount never
// exceeds dailyLimit and is lazily reset on first use each UTC day.
type YouTubeAccount struct {
	ID            uint                 `gorm:"primaryKey" json:"id"`
	CredentialRef string               `gorm:"size:255;not null" json:"credential_ref"`
	Status        YouTubeAccountStatus `gorm:"type:varchar(20);not null;default:'active';index:idx_youtube_accounts_status" json:"status"`

	DailyClipsCount int        `gorm:"not null;default:0" json:"daily_clips_count"`
	DailyLimit      int        `gorm:"not null;default:10" json:"daily_limit"`
	LastClipDate    *time.Time `gorm:"type:date" json:"last_clip_date,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`

	ProxyConfig json.RawMessage `gorm:"type:jsonb;default:'{}'" json:"proxy_config,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (YouTubeAccount) TableName() string {
	return "youtube_accounts"
}

// QuotaExhausted reports whether the account has used its daily clip budget.
// A stale lastClipDate means the counter is due for a reset and the quota is free.
func (a *YouTubeAccount) QuotaExhausted(today time.Time) bool {
	if a.LastClipDate == nil {
		return false
	}
	if a.LastClipDate.UTC().Truncate(24 * time.Hour).Before(today.UTC().Truncate(24 * time.Hour)) {
		return false
	}
	return a.DailyClipsCount >= a.DailyLimit
}

// YouTubeAccountFilter represents filter criteria for account pool queries
type YouTubeAccountFilter struct {
	ID     *uint                 `json:"id,omitempty"`
	Status *YouTubeAccountStatus `json:"status,omitempty"`
}
