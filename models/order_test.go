package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{OrderStatusPending, OrderStatusProcessing, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusActive, false},
		{OrderStatusPending, OrderStatusCompleted, false},

		{OrderStatusProcessing, OrderStatusInProgress, true},
		{OrderStatusProcessing, OrderStatusError, true},
		{OrderStatusProcessing, OrderStatusCancelled, true},
		{OrderStatusProcessing, OrderStatusCompleted, false},

		{OrderStatusInProgress, OrderStatusActive, true},
		{OrderStatusInProgress, OrderStatusError, true},
		{OrderStatusInProgress, OrderStatusCancelled, true},
		{OrderStatusInProgress, OrderStatusCompleted, false},

		{OrderStatusActive, OrderStatusCompleted, true},
		{OrderStatusActive, OrderStatusPartial, true},
		{OrderStatusActive, OrderStatusPaused, true},
		{OrderStatusActive, OrderStatusRefill, true},
		{OrderStatusActive, OrderStatusCancelled, false},

		{OrderStatusPartial, OrderStatusCompleted, true},
		{OrderStatusPartial, OrderStatusRefill, true},
		{OrderStatusPartial, OrderStatusCancelled, false},

		{OrderStatusPaused, OrderStatusActive, true},
		{OrderStatusPaused, OrderStatusCancelled, true},
		{OrderStatusPaused, OrderStatusCompleted, false},

		{OrderStatusError, OrderStatusCancelled, true},
		{OrderStatusError, OrderStatusActive, false},

		{OrderStatusRefill, OrderStatusCompleted, true},
		{OrderStatusRefill, OrderStatusPartial, true},
		{OrderStatusRefill, OrderStatusCancelled, false},

		// Terminal states admit nothing
		{OrderStatusCompleted, OrderStatusRefill, false},
		{OrderStatusCompleted, OrderStatusActive, false},
		{OrderStatusCancelled, OrderStatusPending, false},
	}

	for _, tc := range cases {
		order := &Order{Status: tc.from}
		assert.Equal(t, tc.allowed, order.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestOrderStatusTransitionsHolding(t *testing.T) {
	nonTerminal := []OrderStatus{
		OrderStatusPending, OrderStatusProcessing, OrderStatusInProgress,
		OrderStatusActive, OrderStatusPartial, OrderStatusPaused,
		OrderStatusError, OrderStatusRefill,
	}
	for _, from := range nonTerminal {
		order := &Order{Status: from}
		assert.True(t, order.CanTransitionTo(OrderStatusHolding), "%s -> holding", from)
	}

	for _, from := range []OrderStatus{OrderStatusCompleted, OrderStatusCancelled} {
		order := &Order{Status: from}
		assert.False(t, order.CanTransitionTo(OrderStatusHolding), "%s -> holding", from)
	}

	// Leaving a hold
	held := &Order{Status: OrderStatusHolding}
	assert.True(t, held.CanTransitionTo(OrderStatusActive))
	assert.True(t, held.CanTransitionTo(OrderStatusCancelled))
	assert.False(t, held.CanTransitionTo(OrderStatusCompleted))
}

func TestOrderSelfTransitionRejected(t *testing.T) {
	order := &Order{Status: OrderStatusActive}
	assert.False(t, order.CanTransitionTo(OrderStatusActive))
}

func TestOrderStatusIsTerminal(t *testing.T) {
	assert.True(t, OrderStatusCompleted.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusPartial.IsTerminal())
	assert.False(t, OrderStatusError.IsTerminal())
	assert.False(t, OrderStatusHolding.IsTerminal())
}

func TestServiceChargeFor(t *testing.T) {
	service := &Service{PricePerThousand: decimal.RequireFromString("2.50")}

	assert.True(t, service.ChargeFor(1000).Equal(decimal.RequireFromString("2.50")))
	assert.True(t, service.ChargeFor(500).Equal(decimal.RequireFromString("1.25")))
	assert.True(t, service.ChargeFor(100).Equal(decimal.RequireFromString("0.25")))

	// Banker's rounding on the half-cent
	odd := &Service{PricePerThousand: decimal.RequireFromString("1.00")}
	assert.True(t, odd.ChargeFor(125).Equal(decimal.RequireFromString("0.12")))
	assert.True(t, odd.ChargeFor(135).Equal(decimal.RequireFromString("0.14")))
}

func TestServiceQuantityInRange(t *testing.T) {
	service := &Service{MinOrderQty: 100, MaxOrderQty: 10000}

	assert.True(t, service.QuantityInRange(100))
	assert.True(t, service.QuantityInRange(10000))
	assert.False(t, service.QuantityInRange(99))
	assert.False(t, service.QuantityInRange(10001))
}

func TestUserMaxPipelineAttempts(t *testing.T) {
	premium := true
	regular := false

	assert.Equal(t, 5, (&User{IsPremium: &premium}).MaxPipelineAttempts())
	assert.Equal(t, 3, (&User{IsPremium: &regular}).MaxPipelineAttempts())
	assert.Equal(t, 3, (&User{}).MaxPipelineAttempts())
}

func TestUserCanPlaceOrders(t *testing.T) {
	active := true
	inactive := false
	locked := true

	assert.True(t, (&User{IsActive: &active}).CanPlaceOrders())
	assert.False(t, (&User{IsActive: &inactive}).CanPlaceOrders())
	assert.False(t, (&User{IsActive: &active, AccountLocked: &locked}).CanPlaceOrders())
}

func TestYouTubeAccountQuotaExhausted(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	today := now.Truncate(24 * time.Hour)
	yesterday := today.AddDate(0, 0, -1)

	// Never used: quota is free
	fresh := &YouTubeAccount{DailyClipsCount: 0, DailyLimit: 10}
	assert.False(t, fresh.QuotaExhausted(now))

	// Used up today
	spent := &YouTubeAccount{DailyClipsCount: 10, DailyLimit: 10, LastClipDate: &today}
	assert.True(t, spent.QuotaExhausted(now))

	// Counter is stale, due for a lazy reset
	stale := &YouTubeAccount{DailyClipsCount: 10, DailyLimit: 10, LastClipDate: &yesterday}
	assert.False(t, stale.QuotaExhausted(now))

	// Partially used today
	partial := &YouTubeAccount{DailyClipsCount: 4, DailyLimit: 10, LastClipDate: &today}
	assert.False(t, partial.QuotaExhausted(now))
}

func TestOrderIsRefillOrder(t *testing.T) {
	yes := true
	no := false

	assert.True(t, (&Order{IsRefill: &yes}).IsRefillOrder())
	assert.False(t, (&Order{IsRefill: &no}).IsRefillOrder())
	assert.False(t, (&Order{}).IsRefillOrder())
}

func TestBalanceTransactionKindSign(t *testing.T) {
	amount := decimal.RequireFromString("10")

	require.True(t, BalanceTransactionKindOrderPayment.IsDebit())
	assert.True(t, BalanceTransactionKindOrderPayment.SignedAmount(amount).Equal(amount.Neg()))

	require.False(t, BalanceTransactionKindDeposit.IsDebit())
	assert.True(t, BalanceTransactionKindDeposit.SignedAmount(amount).Equal(amount))
}
