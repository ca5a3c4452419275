package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// VideoType classifies the target video for clip eligibility
type VideoType string

const (
	VideoTypeStandard VideoType = "standard"
	VideoTypeShorts   VideoType = "shorts"
	VideoTypeLive     VideoType = "live"
)

// Valid checks if the video type is valid
func (t VideoType) Valid() bool {
	return t == VideoTypeStandard || t == VideoTypeShorts || t == VideoTypeLive
}

// Clippable reports whether a clip can be created for this video type.
// Live streams cannot be clipped while running.
func (t VideoType) Clippable() bool {
	return t == VideoTypeStandard || t == VideoTypeShorts
}

// VideoProcessingStatus represents the video worker's per-order sub-state
type VideoProcessingStatus string

const (
	VideoProcessingStatusPending    VideoProcessingStatus = "pending"
	VideoProcessingStatusQueued     VideoProcessingStatus = "queued"
	VideoProcessingStatusProcessing VideoProcessingStatus = "processing"
	VideoProcessingStatusCompleted  VideoProcessingStatus = "completed"
	VideoProcessingStatusFailed     VideoProcessingStatus = "failed"
	VideoProcessingStatusCancelled  VideoProcessingStatus = "cancelled"
	VideoProcessingStatusRetrying   VideoProcessingStatus = "retrying"
)

// Valid checks if the status is valid
func (s VideoProcessingStatus) Valid() bool {
	switch s {
	case VideoProcessingStatusPending, VideoProcessingStatusQueued,
		VideoProcessingStatusProcessing, VideoProcessingStatusCompleted,
		VideoProcessingStatusFailed, VideoProcessingStatusCancelled,
		VideoProcessingStatusRetrying:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for VideoProcessingStatus
func (s *VideoProcessingStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = VideoProcessingStatus(v)
	case []byte:
		*s = VideoProcessingStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into VideoProcessingStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for VideoProcessingStatus
func (s VideoProcessingStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid VideoProcessingStatus: %s", s)
	}
	return string(s), nil
}

// VideoProcessing tracks the video worker's state machine, 1:1 with the order
type VideoProcessing struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	OrderID uint `gorm:"not null;uniqueIndex:uk_video_processing_order_id" json:"order_id"`

	OriginalURL string    `gorm:"type:text;not null" json:"original_url"`
	VideoType   VideoType `gorm:"type:varchar(20);not null;default:'standard'" json:"video_type"`

	ClipCreated      *bool   `gorm:"default:false" json:"clip_created"`
	ClipURL          *string `gorm:"type:text" json:"clip_url,omitempty"`
	YouTubeAccountID *uint   `gorm:"index:idx_video_processing_account_id" json:"youtube_account_id,omitempty"`

	Status       VideoProcessingStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_video_processing_status" json:"status"`
	AttemptCount int                   `gorm:"not null;default:0" json:"attempt_count"`
	LastError    *string               `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`

	Account *YouTubeAccount `gorm:"foreignKey:YouTubeAccountID;references:ID" json:"account,omitempty"`
}

func (VideoProcessing) TableName() string {
	return "video_processing"
}

// TargetURL returns the URL the campaigns should point at: the clip when one
// was created, the original video otherwise.
func (vp *VideoProcessing) TargetURL() string {
	if vp.ClipCreated != nil && *vp.ClipCreated && vp.ClipURL != nil {
		return *vp.ClipURL
	}
	return vp.OriginalURL
}

// VideoProcessingFilter represents filter criteria for video processing queries
type VideoProcessingFilter struct {
	ID      *uint                  `json:"id,omitempty"`
	OrderID *uint                  `json:"order_id,omitempty"`
	Status  *VideoProcessingStatus `json:"status,omitempty"`
}
