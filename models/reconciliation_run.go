package models

import (
	"time"
)

// ReconciliationRunRetention is how long reconciliation audit rows are kept
// before the daily cleanup removes them.
const ReconciliationRunRetention = 30 * 24 * time.Hour

// ReconciliationRun is the audit row of one reconciler tick. Used for
// operator inspection only; cleaned up after 30 days.
type ReconciliationRun struct {
	ID uint `gorm:"primaryKey" json:"id"`

	StartedAt  time.Time  `gorm:"not null;index:idx_reconciliation_runs_started_at" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	OrdersExamined  int `gorm:"not null;default:0" json:"orders_examined"`
	OrdersAdvanced  int `gorm:"not null;default:0" json:"orders_advanced"`
	BindingsUpdated int `gorm:"not null;default:0" json:"bindings_updated"`
	BindingsPaused  int `gorm:"not null;default:0" json:"bindings_paused"`
	Failures        int `gorm:"not null;default:0" json:"failures"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
}

func (ReconciliationRun) TableName() string {
	return "reconciliation_runs"
}
