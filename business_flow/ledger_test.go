package businessflow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
)

// ambientTxContext carries a fake transaction so the flow joins it instead of
// opening a real one.
func ambientTxContext() context.Context {
	return context.WithValue(context.Background(), repository.TxContextKey, &gorm.DB{})
}

// stubUserRepo implements repository.UserRepository in memory
type stubUserRepo struct {
	user *models.User

	// balanceWriteOK scripts the outcome of successive conditional writes
	balanceWriteOK []bool
	writeCalls     int
}

func (s *stubUserRepo) ByID(ctx context.Context, id uint) (*models.User, error) {
	if s.user == nil || s.user.ID != id {
		return nil, nil
	}
	copied := *s.user
	return &copied, nil
}

func (s *stubUserRepo) UpdateBalanceConditional(ctx context.Context, userID uint, expectedVersion int64, newBalance, spentDelta decimal.Decimal) (bool, error) {
	defer func() { s.writeCalls++ }()
	ok := s.writeCalls < len(s.balanceWriteOK) && s.balanceWriteOK[s.writeCalls]
	if !ok {
		// A lost race bumps the version the same way the winner would
		s.user.Version++
		return false, nil
	}
	s.user.Balance = newBalance
	s.user.TotalSpent = s.user.TotalSpent.Add(spentDelta)
	s.user.Version++
	return true, nil
}

func (s *stubUserRepo) ByFilter(ctx context.Context, filter models.UserFilter, orderBy string, limit, offset int) ([]*models.User, error) {
	return nil, nil
}
func (s *stubUserRepo) Save(ctx context.Context, entity *models.User) error      { return nil }
func (s *stubUserRepo) SaveBatch(ctx context.Context, ents []*models.User) error { return nil }
func (s *stubUserRepo) Count(ctx context.Context, filter models.UserFilter) (int64, error) {
	return 0, nil
}
func (s *stubUserRepo) Exists(ctx context.Context, filter models.UserFilter) (bool, error) {
	return false, nil
}
func (s *stubUserRepo) ByUUID(ctx context.Context, uuid string) (*models.User, error) {
	return nil, nil
}
func (s *stubUserRepo) ByUsername(ctx context.Context, username string) (*models.User, error) {
	return nil, nil
}
func (s *stubUserRepo) ByAPIKeyDigest(ctx context.Context, digest string) (*models.User, error) {
	return nil, nil
}

// stubBalanceTxRepo records saved ledger entries
type stubBalanceTxRepo struct {
	saved []*models.BalanceTransaction
}

func (s *stubBalanceTxRepo) Save(ctx context.Context, entity *models.BalanceTransaction) error {
	s.saved = append(s.saved, entity)
	return nil
}

func (s *stubBalanceTxRepo) ByID(ctx context.Context, id uint) (*models.BalanceTransaction, error) {
	return nil, nil
}
func (s *stubBalanceTxRepo) ByFilter(ctx context.Context, filter models.BalanceTransactionFilter, orderBy string, limit, offset int) ([]*models.BalanceTransaction, error) {
	return nil, nil
}
func (s *stubBalanceTxRepo) SaveBatch(ctx context.Context, ents []*models.BalanceTransaction) error {
	return nil
}
func (s *stubBalanceTxRepo) Count(ctx context.Context, filter models.BalanceTransactionFilter) (int64, error) {
	return 0, nil
}
func (s *stubBalanceTxRepo) Exists(ctx context.Context, filter models.BalanceTransactionFilter) (bool, error) {
	return false, nil
}
func (s *stubBalanceTxRepo) ListByUser(ctx context.Context, userID uint, limit, offset int) ([]*models.BalanceTransaction, error) {
	return nil, nil
}
func (s *stubBalanceTxRepo) SumSignedAmounts(ctx context.Context, userID uint) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newTestLedger(users *stubUserRepo, txs *stubBalanceTxRepo) (*LedgerImpl, *[]time.Duration) {
	var slept []time.Duration
	ledger := &LedgerImpl{
		userRepo:      users,
		balanceTxRepo: txs,
		sleep:         func(d time.Duration) { slept = append(slept, d) },
	}
	return ledger, &slept
}

func testUser(balance string) *models.User {
	return &models.User{
		ID:      1,
		Balance: decimal.RequireFromString(balance),
		Version: 7,
	}
}

func TestLedgerDebitHappyPath(t *testing.T) {
	users := &stubUserRepo{user: testUser("100"), balanceWriteOK: []bool{true}}
	txs := &stubBalanceTxRepo{}
	ledger, slept := newTestLedger(users, txs)

	entry, err := ledger.Debit(ambientTxContext(), 1, decimal.RequireFromString("30"),
		models.BalanceTransactionKindOrderPayment, "order-42")
	require.NoError(t, err)

	assert.True(t, users.user.Balance.Equal(decimal.RequireFromString("70")))
	assert.True(t, users.user.TotalSpent.Equal(decimal.RequireFromString("30")))
	assert.Empty(t, *slept)

	require.Len(t, txs.saved, 1)
	assert.Equal(t, entry, txs.saved[0])
	assert.True(t, entry.BalanceBefore.Equal(decimal.RequireFromString("100")))
	assert.True(t, entry.BalanceAfter.Equal(decimal.RequireFromString("70")))
	assert.Equal(t, "order-42", entry.ReferenceID)
	assert.Equal(t, int64(8), entry.Version)
}

func TestLedgerDebitInsufficientFunds(t *testing.T) {
	users := &stubUserRepo{user: testUser("10"), balanceWriteOK: []bool{true}}
	txs := &stubBalanceTxRepo{}
	ledger, _ := newTestLedger(users, txs)

	_, err := ledger.Debit(ambientTxContext(), 1, decimal.RequireFromString("30"),
		models.BalanceTransactionKindOrderPayment, "order-42")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Nothing written
	assert.True(t, users.user.Balance.Equal(decimal.RequireFromString("10")))
	assert.Empty(t, txs.saved)
}

func TestLedgerDebitExactBalance(t *testing.T) {
	users := &stubUserRepo{user: testUser("30"), balanceWriteOK: []bool{true}}
	ledger, _ := newTestLedger(users, &stubBalanceTxRepo{})

	_, err := ledger.Debit(ambientTxContext(), 1, decimal.RequireFromString("30"),
		models.BalanceTransactionKindOrderPayment, "order-42")
	require.NoError(t, err)
	assert.True(t, users.user.Balance.IsZero())
}

func TestLedgerCreditHappyPath(t *testing.T) {
	users := &stubUserRepo{user: testUser("5"), balanceWriteOK: []bool{true}}
	txs := &stubBalanceTxRepo{}
	ledger, _ := newTestLedger(users, txs)

	entry, err := ledger.Credit(ambientTxContext(), 1, decimal.RequireFromString("20"),
		models.BalanceTransactionKindDeposit, "dep-1")
	require.NoError(t, err)

	assert.True(t, users.user.Balance.Equal(decimal.RequireFromString("25")))
	assert.True(t, users.user.TotalSpent.IsZero())
	assert.True(t, entry.Amount.Equal(decimal.RequireFromString("20")))
}

func TestLedgerRetriesOnVersionConflict(t *testing.T) {
	users := &stubUserRepo{user: testUser("100"), balanceWriteOK: []bool{false, false, true}}
	txs := &stubBalanceTxRepo{}
	ledger, slept := newTestLedger(users, txs)

	_, err := ledger.Debit(ambientTxContext(), 1, decimal.RequireFromString("30"),
		models.BalanceTransactionKindOrderPayment, "order-42")
	require.NoError(t, err)

	assert.Equal(t, 3, users.writeCalls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	assert.Len(t, txs.saved, 1)
}

func TestLedgerGivesUpAfterMaxAttempts(t *testing.T) {
	users := &stubUserRepo{user: testUser("100"), balanceWriteOK: []bool{false, false, false}}
	txs := &stubBalanceTxRepo{}
	ledger, slept := newTestLedger(users, txs)

	_, err := ledger.Debit(ambientTxContext(), 1, decimal.RequireFromString("30"),
		models.BalanceTransactionKindOrderPayment, "order-42")
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	assert.Equal(t, 3, users.writeCalls)
	// The loop must not waste a backoff after the last failed attempt
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	assert.Empty(t, txs.saved)
}

func TestLedgerRejectsKindSignMismatch(t *testing.T) {
	users := &stubUserRepo{user: testUser("100"), balanceWriteOK: []bool{true}}
	ledger, _ := newTestLedger(users, &stubBalanceTxRepo{})

	_, err := ledger.Credit(ambientTxContext(), 1, decimal.RequireFromString("10"),
		models.BalanceTransactionKindOrderPayment, "x")
	assert.Error(t, err)

	_, err = ledger.Debit(ambientTxContext(), 1, decimal.RequireFromString("10"),
		models.BalanceTransactionKindDeposit, "x")
	assert.Error(t, err)
}

func TestLedgerRejectsNonPositiveAmount(t *testing.T) {
	users := &stubUserRepo{user: testUser("100"), balanceWriteOK: []bool{true}}
	ledger, _ := newTestLedger(users, &stubBalanceTxRepo{})

	_, err := ledger.Debit(ambientTxContext(), 1, decimal.Zero,
		models.BalanceTransactionKindOrderPayment, "x")
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = ledger.Debit(ambientTxContext(), 1, decimal.RequireFromString("-5"),
		models.BalanceTransactionKindOrderPayment, "x")
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestLedgerUserNotFound(t *testing.T) {
	users := &stubUserRepo{}
	ledger, _ := newTestLedger(users, &stubBalanceTxRepo{})

	_, err := ledger.Debit(ambientTxContext(), 99, decimal.RequireFromString("10"),
		models.BalanceTransactionKindOrderPayment, "x")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = ledger.Snapshot(ambientTxContext(), 99)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLedgerSnapshot(t *testing.T) {
	users := &stubUserRepo{user: testUser("42.50")}
	ledger, _ := newTestLedger(users, &stubBalanceTxRepo{})

	balance, err := ledger.Snapshot(ambientTxContext(), 1)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("42.50")))
}
