package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// ClipMode says whether an order is fulfilled through a created clip or the original video
type ClipMode string

const (
	ClipModeWithClip    ClipMode = "with_clip"
	ClipModeWithoutClip ClipMode = "without_clip"
)

// Valid checks if the mode is valid
func (m ClipMode) Valid() bool {
	return m == ClipModeWithClip || m == ClipModeWithoutClip
}

// Scan implements the sql.Scanner interface for ClipMode
func (m *ClipMode) Scan(value any) error {
	if value == nil {
		*m = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*m = ClipMode(v)
	case []byte:
		*m = ClipMode(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ClipMode", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for ClipMode
func (m ClipMode) Value() (driver.Value, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid ClipMode: %s", m)
	}
	return string(m), nil
}

// CoefficientEntry is a per-service, per-mode multiplier translating tracker
// clicks into delivered views. Always >= 1.0.
type CoefficientEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ServiceID   uint      `gorm:"not null;uniqueIndex:uk_coefficients_service_mode" json:"service_id"`
	Mode        ClipMode  `gorm:"type:varchar(20);not null;uniqueIndex:uk_coefficients_service_mode" json:"mode"`
	Coefficient float64   `gorm:"not null" json:"coefficient"`
	CreatedAt   time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt   time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`

	Service *Service `gorm:"foreignKey:ServiceID;references:ID" json:"service,omitempty"`
}

func (CoefficientEntry) TableName() string {
	return "coefficient_entries"
}

// CoefficientFilter represents filter criteria for coefficient queries
type CoefficientFilter struct {
	ID        *uint     `json:"id,omitempty"`
	ServiceID *uint     `json:"service_id,omitempty"`
	Mode      *ClipMode `json:"mode,omitempty"`
}
