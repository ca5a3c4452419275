package workers

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
)

func TestMapResultStatus(t *testing.T) {
	cases := []struct {
		msg  bus.InstagramResultMessage
		want models.OrderStatus
	}{
		{bus.InstagramResultMessage{Status: "completed"}, models.OrderStatusCompleted},
		{bus.InstagramResultMessage{Status: "failed"}, models.OrderStatusError},
		{bus.InstagramResultMessage{Status: "cancelled"}, models.OrderStatusCancelled},
		{bus.InstagramResultMessage{Status: "processing"}, models.OrderStatusProcessing},
		{bus.InstagramResultMessage{Status: "in_progress"}, models.OrderStatusProcessing},
		{bus.InstagramResultMessage{Status: "something_new"}, models.OrderStatusProcessing},

		// Partial reports resolve by their counters
		{bus.InstagramResultMessage{Status: "partial", CompletedCount: 5, FailedCount: 2}, models.OrderStatusPartial},
		{bus.InstagramResultMessage{Status: "partial", CompletedCount: 5}, models.OrderStatusCompleted},
		{bus.InstagramResultMessage{Status: "partial", FailedCount: 2}, models.OrderStatusError},
		{bus.InstagramResultMessage{Status: "partial"}, models.OrderStatusError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, mapResultStatus(tc.msg),
			"status=%s completed=%d failed=%d", tc.msg.Status, tc.msg.CompletedCount, tc.msg.FailedCount)
	}
}

func TestNextHopForwardChain(t *testing.T) {
	// pending -> completed walks the full delivery chain
	hops := walkStatuses(t, models.OrderStatusPending, models.OrderStatusCompleted)
	assert.Equal(t, []models.OrderStatus{
		models.OrderStatusProcessing,
		models.OrderStatusInProgress,
		models.OrderStatusActive,
		models.OrderStatusCompleted,
	}, hops)
}

func TestNextHopDirectExits(t *testing.T) {
	// Cancellation short-circuits from pending
	next, ok := nextHop(models.OrderStatusPending, models.OrderStatusCancelled)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusCancelled, next)

	// Error exits directly from processing and in_progress
	next, ok = nextHop(models.OrderStatusProcessing, models.OrderStatusError)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusError, next)

	next, ok = nextHop(models.OrderStatusInProgress, models.OrderStatusError)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusError, next)

	// error resolves only toward cancelled
	next, ok = nextHop(models.OrderStatusError, models.OrderStatusCancelled)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusCancelled, next)
}

func TestNextHopPartialResolution(t *testing.T) {
	next, ok := nextHop(models.OrderStatusActive, models.OrderStatusPartial)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusPartial, next)

	next, ok = nextHop(models.OrderStatusPartial, models.OrderStatusCompleted)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusCompleted, next)
}

func TestNextHopRefillResolution(t *testing.T) {
	// A parent parked in refill settles only toward completed or partial
	next, ok := nextHop(models.OrderStatusRefill, models.OrderStatusCompleted)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusCompleted, next)

	next, ok = nextHop(models.OrderStatusRefill, models.OrderStatusPartial)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusPartial, next)

	_, ok = nextHop(models.OrderStatusRefill, models.OrderStatusCancelled)
	assert.False(t, ok)
}

func TestNextHopDeadEnds(t *testing.T) {
	// active cannot reach cancelled or error through the graph
	_, ok := nextHop(models.OrderStatusActive, models.OrderStatusCancelled)
	assert.False(t, ok)
	_, ok = nextHop(models.OrderStatusActive, models.OrderStatusError)
	assert.False(t, ok)

	// partial never regresses
	_, ok = nextHop(models.OrderStatusPartial, models.OrderStatusError)
	assert.False(t, ok)

	// terminal states are dead ends
	_, ok = nextHop(models.OrderStatusCompleted, models.OrderStatusPartial)
	assert.False(t, ok)
	_, ok = nextHop(models.OrderStatusCancelled, models.OrderStatusActive)
	assert.False(t, ok)
}

// refillChildOrder is a 400-view replay child of parent 10, already active
// with its start count probed.
func refillChildOrder() *models.Order {
	return &models.Order{
		ID:             30,
		UserID:         1,
		ServiceID:      3,
		Quantity:       400,
		Remains:        400,
		Status:         models.OrderStatusActive,
		StartCount:     5600,
		Coefficient:    1.8,
		IsRefill:       utils.ToPtr(true),
		RefillParentID: utils.ToPtr(uint(10)),
		Version:        2,
	}
}

func refillParentOrder() *models.Order {
	return &models.Order{
		ID:       10,
		UserID:   1,
		Quantity: 1000,
		Status:   models.OrderStatusRefill,
		Version:  5,
	}
}

func resultEnvelope(t *testing.T, msg bus.InstagramResultMessage) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(30, 3, msg)
	require.NoError(t, err)
	return env
}

func newTestResultWorker(orders *fakeOrderRepo, publisher *fakePublisher) *ResultWorker {
	return NewResultWorker(orders, publisher, nil, log.New(io.Discard, "", 0))
}

func TestResultWorkerCompletedRefillChildResolvesParent(t *testing.T) {
	orders := &fakeOrderRepo{order: refillChildOrder(), parent: refillParentOrder(), updateOK: []bool{true}}
	publisher := &fakePublisher{}
	w := newTestResultWorker(orders, publisher)

	msg := bus.InstagramResultMessage{ExternalID: "30", Status: "completed", CurrentCount: 6000}
	require.NoError(t, w.Handle(txContext(), resultEnvelope(t, msg)))

	assert.Equal(t, models.OrderStatusCompleted, orders.order.Status)
	assert.Equal(t, uint64(400), orders.order.ViewsDelivered)
	assert.Equal(t, models.OrderStatusCompleted, orders.parent.Status)

	// Both the child hop and the parent settlement go out on the bus
	require.Len(t, publisher.published, 2)
	var change bus.OrderStateChangedMessage
	require.NoError(t, publisher.published[1].env.Decode(&change))
	assert.Equal(t, uint(10), change.OrderID)
	assert.Equal(t, "refill", change.OldStatus)
	assert.Equal(t, "completed", change.NewStatus)
}

func TestResultWorkerFailedRefillChildParksParentAsPartial(t *testing.T) {
	child := refillChildOrder()
	child.Status = models.OrderStatusInProgress
	orders := &fakeOrderRepo{order: child, parent: refillParentOrder(), updateOK: []bool{true}}
	publisher := &fakePublisher{}
	w := newTestResultWorker(orders, publisher)

	msg := bus.InstagramResultMessage{ExternalID: "30", Status: "failed"}
	require.NoError(t, w.Handle(txContext(), resultEnvelope(t, msg)))

	assert.Equal(t, models.OrderStatusError, orders.order.Status)
	assert.Equal(t, models.OrderStatusPartial, orders.parent.Status)

	require.Len(t, publisher.published, 2)
	var change bus.OrderStateChangedMessage
	require.NoError(t, publisher.published[1].env.Decode(&change))
	assert.Equal(t, "refill", change.OldStatus)
	assert.Equal(t, "partial", change.NewStatus)
}

func TestResultWorkerRunningRefillChildLeavesParentParked(t *testing.T) {
	orders := &fakeOrderRepo{order: refillChildOrder(), parent: refillParentOrder(), updateOK: []bool{true}}
	publisher := &fakePublisher{}
	w := newTestResultWorker(orders, publisher)

	// An in-flight report keeps the child running and the parent untouched
	msg := bus.InstagramResultMessage{ExternalID: "30", Status: "processing", CurrentCount: 5700}
	require.NoError(t, w.Handle(txContext(), resultEnvelope(t, msg)))

	assert.Equal(t, models.OrderStatusActive, orders.order.Status)
	assert.Equal(t, models.OrderStatusRefill, orders.parent.Status)
	assert.Empty(t, publisher.published)
}

// walkStatuses follows nextHop from start to target, failing on a dead end
// or a walk longer than the graph allows.
func walkStatuses(t *testing.T, start, target models.OrderStatus) []models.OrderStatus {
	t.Helper()
	var hops []models.OrderStatus
	current := start
	for steps := 0; current != target && steps < 5; steps++ {
		next, ok := nextHop(current, target)
		require.True(t, ok, "no hop from %s toward %s", current, target)

		// Every hop must be legal in the status graph
		order := &models.Order{Status: current}
		require.True(t, order.CanTransitionTo(next), "illegal hop %s -> %s", current, next)

		hops = append(hops, next)
		current = next
	}
	require.Equal(t, target, current)
	return hops
}
