package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositStatus represents the processing state of a payment-provider deposit
type DepositStatus string

const (
	DepositStatusPending  DepositStatus = "pending"
	DepositStatusCredited DepositStatus = "credited"
	DepositStatusRejected DepositStatus = "rejected"
)

// Deposit records a credit received from the external crypto-payment provider.
// The provider reference is unique so replayed webhooks credit at most once.
type Deposit struct {
	ID   uint      `gorm:"primaryKey" json:"id"`
	UUID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_deposits_uuid" json:"uuid"`

	UserID            uint            `gorm:"not null;index:idx_deposits_user_id" json:"user_id"`
	Amount            decimal.Decimal `gorm:"type:numeric(18,8);not null" json:"amount"`
	ProviderReference string          `gorm:"size:255;not null;uniqueIndex:uk_deposits_provider_reference" json:"provider_reference"`

	Status       DepositStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	StatusReason *string       `gorm:"type:text" json:"status_reason,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_deposits_created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID;references:ID" json:"user,omitempty"`
}

func (Deposit) TableName() string {
	return "deposits"
}

// DepositFilter represents filter criteria for deposit queries
type DepositFilter struct {
	ID                *uint   `json:"id,omitempty"`
	UserID            *uint   `json:"user_id,omitempty"`
	ProviderReference *string `json:"provider_reference,omitempty"`
}
