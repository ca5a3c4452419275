// Package businessflow contains the core business logic and use cases for balance accounting
package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	// ledgerMaxAttempts bounds the optimistic-concurrency retry loop
	ledgerMaxAttempts = 3

	// ledgerRetryBaseDelay doubles on each retry: 100 ms, 200 ms, 400 ms
	ledgerRetryBaseDelay = 100 * time.Millisecond
)

// Ledger is the single owner of user balances. Every mutation is optimistic
// on users.version and writes exactly one immutable BalanceTransaction in the
// same database transaction as the balance change.
type Ledger interface {
	// Credit increases the balance. amount must be positive; kind carries the sign.
	Credit(ctx context.Context, userID uint, amount decimal.Decimal, kind models.BalanceTransactionKind, referenceID string) (*models.BalanceTransaction, error)
	// Debit decreases the balance, failing with ErrInsufficientFunds when the
	// balance cannot cover the amount.
	Debit(ctx context.Context, userID uint, amount decimal.Decimal, kind models.BalanceTransactionKind, referenceID string) (*models.BalanceTransaction, error)
	// Snapshot returns the current balance scalar.
	Snapshot(ctx context.Context, userID uint) (decimal.Decimal, error)
}

// LedgerImpl implements the ledger business flow
type LedgerImpl struct {
	userRepo      repository.UserRepository
	balanceTxRepo repository.BalanceTransactionRepository
	db            *gorm.DB

	// sleep is swappable so tests can skip the backoff
	sleep func(time.Duration)
}

// NewLedger creates a new ledger instance
func NewLedger(
	userRepo repository.UserRepository,
	balanceTxRepo repository.BalanceTransactionRepository,
	db *gorm.DB,
) Ledger {
	return &LedgerImpl{
		userRepo:      userRepo,
		balanceTxRepo: balanceTxRepo,
		db:            db,
		sleep:         time.Sleep,
	}
}

// Credit increases the balance of a user
func (l *LedgerImpl) Credit(ctx context.Context, userID uint, amount decimal.Decimal, kind models.BalanceTransactionKind, referenceID string) (*models.BalanceTransaction, error) {
	if kind.IsDebit() {
		return nil, NewBusinessErrorf("LEDGER_CREDIT_FAILED", "kind %s is not a credit", nil, kind)
	}
	return l.mutate(ctx, userID, amount, kind, referenceID)
}

// Debit decreases the balance of a user
func (l *LedgerImpl) Debit(ctx context.Context, userID uint, amount decimal.Decimal, kind models.BalanceTransactionKind, referenceID string) (*models.BalanceTransaction, error) {
	if !kind.IsDebit() {
		return nil, NewBusinessErrorf("LEDGER_DEBIT_FAILED", "kind %s is not a debit", nil, kind)
	}
	return l.mutate(ctx, userID, amount, kind, referenceID)
}

// Snapshot returns the current balance of a user
func (l *LedgerImpl) Snapshot(ctx context.Context, userID uint) (decimal.Decimal, error) {
	user, err := l.userRepo.ByID(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if user == nil {
		return decimal.Zero, ErrUserNotFound
	}
	return user.Balance, nil
}

// mutate applies one signed balance change under optimistic concurrency.
// Each attempt re-reads the user, so a lost race never works on stale state.
func (l *LedgerImpl) mutate(ctx context.Context, userID uint, amount decimal.Decimal, kind models.BalanceTransactionKind, referenceID string) (*models.BalanceTransaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}

	var entry *models.BalanceTransaction

	for attempt := 1; attempt <= ledgerMaxAttempts; attempt++ {
		applied := false

		err := repository.WithinTransaction(ctx, l.db, func(txCtx context.Context) error {
			user, err := l.userRepo.ByID(txCtx, userID)
			if err != nil {
				return err
			}
			if user == nil {
				return ErrUserNotFound
			}

			signed := kind.SignedAmount(amount)
			newBalance := user.Balance.Add(signed)
			if kind.IsDebit() && newBalance.Sign() < 0 {
				return ErrInsufficientFunds
			}

			spentDelta := decimal.Zero
			if kind.IsDebit() {
				spentDelta = amount
			}

			ok, err := l.userRepo.UpdateBalanceConditional(txCtx, user.ID, user.Version, newBalance, spentDelta)
			if err != nil {
				return err
			}
			if !ok {
				// Version moved underneath us; retry outside the tx
				return nil
			}

			entry = &models.BalanceTransaction{
				UserID:        user.ID,
				Kind:          kind,
				Amount:        amount,
				BalanceBefore: user.Balance,
				BalanceAfter:  newBalance,
				ReferenceID:   referenceID,
				Description:   fmt.Sprintf("%s of %s", kind, amount),
				Version:       user.Version + 1,
			}
			if err := l.balanceTxRepo.Save(txCtx, entry); err != nil {
				return err
			}

			applied = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if applied {
			return entry, nil
		}

		if attempt < ledgerMaxAttempts {
			l.sleep(ledgerRetryBaseDelay << (attempt - 1))
		}
	}

	return nil, ErrConcurrentUpdate
}
