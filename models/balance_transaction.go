package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceTransactionKind carries the sign of a ledger entry; amounts are always positive
type BalanceTransactionKind string

const (
	BalanceTransactionKindDeposit      BalanceTransactionKind = "deposit"
	BalanceTransactionKindOrderPayment BalanceTransactionKind = "order_payment"
	BalanceTransactionKindRefund       BalanceTransactionKind = "refund"
	BalanceTransactionKindRefillCredit BalanceTransactionKind = "refill_credit"
	BalanceTransactionKindAdjustment   BalanceTransactionKind = "adjustment"
)

// Valid checks if the kind is valid
func (k BalanceTransactionKind) Valid() bool {
	switch k {
	case BalanceTransactionKindDeposit, BalanceTransactionKindOrderPayment,
		BalanceTransactionKindRefund, BalanceTransactionKindRefillCredit,
		BalanceTransactionKindAdjustment:
		return true
	default:
		return false
	}
}

// IsDebit reports whether the kind reduces the balance
func (k BalanceTransactionKind) IsDebit() bool {
	return k == BalanceTransactionKindOrderPayment
}

// SignedAmount applies the kind's sign to a positive amount
func (k BalanceTransactionKind) SignedAmount(amount decimal.Decimal) decimal.Decimal {
	if k.IsDebit() {
		return amount.Neg()
	}
	return amount
}

// Scan implements the sql.Scanner interface for BalanceTransactionKind
func (k *BalanceTransactionKind) Scan(value any) error {
	if value == nil {
		*k = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*k = BalanceTransactionKind(v)
	case []byte:
		*k = BalanceTransactionKind(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BalanceTransactionKind", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for BalanceTransactionKind
func (k BalanceTransactionKind) Value() (driver.Value, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid BalanceTransactionKind: %s", k)
	}
	return string(k), nil
}

// BalanceTransaction is an immutable ledger entry. balance_after must equal
// balance_before plus the signed amount; the ledger enforces this before the
// row is written.
type BalanceTransaction struct {
	ID   uint      `gorm:"primaryKey" json:"id"`
	UUID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_balance_transactions_uuid" json:"uuid"`

	UserID    uint  `gorm:"not null;index:idx_balance_transactions_user_created,priority:1" json:"user_id"`
	OrderID   *uint `gorm:"index:idx_balance_transactions_order_id" json:"order_id,omitempty"`
	DepositID *uint `json:"deposit_id,omitempty"`

	Kind   BalanceTransactionKind `gorm:"type:varchar(20);not null;index:idx_balance_transactions_kind" json:"kind"`
	Amount decimal.Decimal        `gorm:"type:numeric(18,8);not null" json:"amount"`

	BalanceBefore decimal.Decimal `gorm:"type:numeric(18,8);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(18,8);not null" json:"balance_after"`

	// Opaque reference to the originating operation (order uuid, provider id, ...)
	ReferenceID string `gorm:"size:255;not null;index:idx_balance_transactions_reference" json:"reference_id"`

	Description string `gorm:"type:text" json:"description"`

	// User.version observed when this entry was written
	Version int64 `gorm:"not null" json:"version"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_balance_transactions_user_created,priority:2,sort:desc" json:"created_at"`

	User *User `gorm:"foreignKey:UserID;references:ID" json:"user,omitempty"`
}

func (BalanceTransaction) TableName() string {
	return "balance_transactions"
}

// BeforeCreate ensures UUID is set and the balance equation holds
func (t *BalanceTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	if t.Amount.Sign() <= 0 {
		return fmt.Errorf("balance transaction amount must be positive, got %s", t.Amount)
	}
	expected := t.BalanceBefore.Add(t.Kind.SignedAmount(t.Amount))
	if !t.BalanceAfter.Equal(expected) {
		return fmt.Errorf("balance transaction equation violated: %s + %s != %s",
			t.BalanceBefore, t.Kind.SignedAmount(t.Amount), t.BalanceAfter)
	}
	return nil
}

// BalanceTransactionFilter represents filter criteria for ledger queries
type BalanceTransactionFilter struct {
	ID            *uint                   `json:"id,omitempty"`
	UUID          *uuid.UUID              `json:"uuid,omitempty"`
	UserID        *uint                   `json:"user_id,omitempty"`
	OrderID       *uint                   `json:"order_id,omitempty"`
	Kind          *BalanceTransactionKind `json:"kind,omitempty"`
	ReferenceID   *string                 `json:"reference_id,omitempty"`
	CreatedAfter  *time.Time              `json:"created_after,omitempty"`
	CreatedBefore *time.Time              `json:"created_before,omitempty"`
}
