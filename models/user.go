// Package models contains domain entities and business models for the fulfilment pipeline
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserRole represents the role assigned to a panel user
type UserRole string

const (
	UserRoleUser     UserRole = "user"
	UserRoleOperator UserRole = "operator"
	UserRoleAdmin    UserRole = "admin"
)

// Valid checks if the role is valid
func (r UserRole) Valid() bool {
	switch r {
	case UserRoleUser, UserRoleOperator, UserRoleAdmin:
		return true
	default:
		return false
	}
}

// User represents a panel user who places orders against their balance.
// Balance is mutated only by the ledger under optimistic concurrency; every
// change produces exactly one BalanceTransaction row.
type User struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_users_uuid" json:"uuid"`
	Username string    `gorm:"size:64;not null;uniqueIndex:uk_users_username" json:"username"`
	Email    string    `gorm:"size:255;not null;uniqueIndex:uk_users_email" json:"email"`
	Role     UserRole  `gorm:"type:varchar(20);not null;default:'user';index:idx_users_role" json:"role"`

	Balance    decimal.Decimal `gorm:"type:numeric(18,8);not null;default:0" json:"balance"`
	TotalSpent decimal.Decimal `gorm:"type:numeric(18,8);not null;default:0" json:"total_spent"`

	// Digest of the API key (sha256 hex); the plaintext key is never stored.
	// Unique when present.
	APIKeyDigest *string `gorm:"size:64;uniqueIndex:uk_users_api_key_digest" json:"-"`

	FailedAuthCount int   `gorm:"not null;default:0" json:"failed_auth_count"`
	AccountLocked   *bool `gorm:"default:false" json:"account_locked"`
	IsActive        *bool `gorm:"default:true;index:idx_users_is_active" json:"is_active"`

	// Premium users get a deeper retry budget on the pipeline
	IsPremium *bool `gorm:"default:false" json:"is_premium"`

	// Monotonic counter for optimistic concurrency on balance updates
	Version int64 `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_users_created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`

	// Relations
	Orders       []Order              `gorm:"foreignKey:UserID" json:"-"`
	Transactions []BalanceTransaction `gorm:"foreignKey:UserID" json:"-"`
	AuditLogs    []AuditLog           `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string {
	return "users"
}

// CanPlaceOrders reports whether the user may create new orders
func (u *User) CanPlaceOrders() bool {
	if u.IsActive != nil && !*u.IsActive {
		return false
	}
	if u.AccountLocked != nil && *u.AccountLocked {
		return false
	}
	return true
}

// MaxPipelineAttempts returns the retry budget for this user's pipeline messages
func (u *User) MaxPipelineAttempts() int {
	if u.IsPremium != nil && *u.IsPremium {
		return 5
	}
	return 3
}

// UserFilter represents filter criteria for user queries
type UserFilter struct {
	ID            *uint      `json:"id,omitempty"`
	UUID          *uuid.UUID `json:"uuid,omitempty"`
	Username      *string    `json:"username,omitempty"`
	Email         *string    `json:"email,omitempty"`
	Role          *UserRole  `json:"role,omitempty"`
	IsActive      *bool      `json:"is_active,omitempty"`
	AccountLocked *bool      `json:"account_locked,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}
