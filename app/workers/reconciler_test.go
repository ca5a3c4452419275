package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/app/services"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
)

// txContext carries a fake ambient transaction so repository helpers join it
// instead of opening a real one.
func txContext() context.Context {
	return context.WithValue(context.Background(), repository.TxContextKey, &gorm.DB{})
}

// fakeOrderRepo holds one order, optionally its refill parent, and scripts
// the conditional-write outcomes
type fakeOrderRepo struct {
	order  *models.Order
	parent *models.Order

	updateOK     []bool
	updateCalls  int
	transitioned []models.OrderStatus
}

func (f *fakeOrderRepo) ByID(ctx context.Context, id uint) (*models.Order, error) {
	for _, o := range []*models.Order{f.order, f.parent} {
		if o != nil && o.ID == id {
			copied := *o
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeOrderRepo) UpdateConditional(ctx context.Context, order *models.Order, expectedVersion int64) (bool, error) {
	defer func() { f.updateCalls++ }()
	ok := f.updateCalls < len(f.updateOK) && f.updateOK[f.updateCalls]
	if !ok {
		// A lost race means some other writer bumped the version
		f.order.Version++
		return false, nil
	}
	copied := *order
	copied.Version = expectedVersion + 1
	f.order = &copied
	order.Version = expectedVersion + 1
	return true, nil
}

func (f *fakeOrderRepo) TransitionStatus(ctx context.Context, order *models.Order, newStatus models.OrderStatus, payload map[string]any) error {
	if !order.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid order status transition: %s -> %s", order.Status, newStatus)
	}
	order.Status = newStatus
	order.Version++
	for _, o := range []*models.Order{f.order, f.parent} {
		if o != nil && o.ID == order.ID {
			o.Status = newStatus
			o.Version = order.Version
		}
	}
	f.transitioned = append(f.transitioned, newStatus)
	return nil
}

func (f *fakeOrderRepo) ByUUID(ctx context.Context, uuid string) (*models.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) ByIDForUpdate(ctx context.Context, id uint) (*models.Order, error) {
	return f.ByID(ctx, id)
}
func (f *fakeOrderRepo) ByFilter(ctx context.Context, filter models.OrderFilter, orderBy string, limit, offset int) ([]*models.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) Save(ctx context.Context, entity *models.Order) error      { return nil }
func (f *fakeOrderRepo) SaveBatch(ctx context.Context, ents []*models.Order) error { return nil }
func (f *fakeOrderRepo) Count(ctx context.Context, filter models.OrderFilter) (int64, error) {
	return 0, nil
}
func (f *fakeOrderRepo) Exists(ctx context.Context, filter models.OrderFilter) (bool, error) {
	return false, nil
}
func (f *fakeOrderRepo) ListByStatuses(ctx context.Context, statuses []models.OrderStatus, limit, offset int) ([]*models.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) CountRefillChildren(ctx context.Context, parentID uint) (int64, error) {
	return 0, nil
}
func (f *fakeOrderRepo) ListRefillChildren(ctx context.Context, parentID uint) ([]*models.Order, error) {
	return nil, nil
}

// fakeBindingRepo serves a fixed binding set; updates mutate shared pointers
type fakeBindingRepo struct {
	bindings []*models.CampaignBinding
	updates  int
}

func (f *fakeBindingRepo) ListByOrder(ctx context.Context, orderID uint) ([]*models.CampaignBinding, error) {
	return f.bindings, nil
}

func (f *fakeBindingRepo) ListActiveByOrder(ctx context.Context, orderID uint) ([]*models.CampaignBinding, error) {
	var active []*models.CampaignBinding
	for _, b := range f.bindings {
		if b.IsActive() {
			active = append(active, b)
		}
	}
	return active, nil
}

func (f *fakeBindingRepo) Update(ctx context.Context, binding *models.CampaignBinding) error {
	f.updates++
	return nil
}

func (f *fakeBindingRepo) ByID(ctx context.Context, id uint) (*models.CampaignBinding, error) {
	return nil, nil
}
func (f *fakeBindingRepo) ByFilter(ctx context.Context, filter models.CampaignBindingFilter, orderBy string, limit, offset int) ([]*models.CampaignBinding, error) {
	return nil, nil
}
func (f *fakeBindingRepo) Save(ctx context.Context, entity *models.CampaignBinding) error {
	f.bindings = append(f.bindings, entity)
	return nil
}
func (f *fakeBindingRepo) SaveBatch(ctx context.Context, ents []*models.CampaignBinding) error {
	f.bindings = append(f.bindings, ents...)
	return nil
}
func (f *fakeBindingRepo) Count(ctx context.Context, filter models.CampaignBindingFilter) (int64, error) {
	return 0, nil
}
func (f *fakeBindingRepo) Exists(ctx context.Context, filter models.CampaignBindingFilter) (bool, error) {
	return false, nil
}

// fakeTracker answers stats per campaign and records pause and offer calls
type fakeTracker struct {
	stats    map[string]*services.CampaignStats
	statsErr map[string]error
	pauseErr error

	missing        map[string]bool
	createOfferErr error

	paused     []string
	pauseKeys  []string
	offerNames []string
	offerKeys  []string
}

func (f *fakeTracker) GetDetailedStats(ctx context.Context, campaignID string, from, to time.Time) (*services.CampaignStats, error) {
	if err := f.statsErr[campaignID]; err != nil {
		return nil, err
	}
	if s, ok := f.stats[campaignID]; ok {
		copied := *s
		return &copied, nil
	}
	return &services.CampaignStats{}, nil
}

func (f *fakeTracker) PauseCampaign(ctx context.Context, campaignID, idempotencyKey string) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, campaignID)
	f.pauseKeys = append(f.pauseKeys, idempotencyKey)
	return nil
}

func (f *fakeTracker) CampaignExists(ctx context.Context, campaignID string) (bool, error) {
	return !f.missing[campaignID], nil
}
func (f *fakeTracker) ListOffers(ctx context.Context) ([]services.Offer, error) { return nil, nil }
func (f *fakeTracker) CreateOffer(ctx context.Context, name, targetURL, idempotencyKey string) (*services.Offer, error) {
	if f.createOfferErr != nil {
		return nil, f.createOfferErr
	}
	f.offerNames = append(f.offerNames, name)
	f.offerKeys = append(f.offerKeys, idempotencyKey)
	return &services.Offer{ID: fmt.Sprintf("off-%d", len(f.offerNames)), Name: name, URL: targetURL}, nil
}
func (f *fakeTracker) UpdateOffer(ctx context.Context, offerID, targetURL, idempotencyKey string) error {
	return nil
}
func (f *fakeTracker) SetClickCost(ctx context.Context, campaignID string, cost decimal.Decimal, idempotencyKey string) error {
	return nil
}

type fakeNotifier struct {
	completions []uint
	deadLetters []uint
}

func (f *fakeNotifier) NotifyDeadLetter(ctx context.Context, topic string, orderID uint, reason string) error {
	f.deadLetters = append(f.deadLetters, orderID)
	return nil
}

func (f *fakeNotifier) NotifyOrderCompleted(ctx context.Context, orderID uint, viewsDelivered uint64) error {
	f.completions = append(f.completions, orderID)
	return nil
}

type fakePublished struct {
	topic string
	env   *bus.Envelope
}

type fakePublisher struct {
	published []fakePublished
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, env *bus.Envelope) error {
	f.published = append(f.published, fakePublished{topic: topic, env: env})
	return nil
}

func (f *fakePublisher) Saturated(ctx context.Context, topic string) bool { return false }

func newTestReconciler(orders *fakeOrderRepo, bindings *fakeBindingRepo, tracker *fakeTracker, notifier *fakeNotifier, publisher *fakePublisher) *Reconciler {
	return &Reconciler{
		orderRepo:   orders,
		bindingRepo: bindings,
		tracker:     tracker,
		notifier:    notifier,
		publisher:   publisher,
		logger:      log.New(io.Discard, "", 0),
	}
}

// reconcilableOrder is a 1000-view active order with a 2.0 clicks-per-view
// coefficient, so 2000 clicks complete it.
func reconcilableOrder() *models.Order {
	return &models.Order{
		ID:          1,
		UserID:      1,
		ServiceID:   3,
		Quantity:    1000,
		Remains:     1000,
		Status:      models.OrderStatusActive,
		Coefficient: 2,
		Version:     3,
		CreatedAt:   time.Now().Add(-time.Hour),
	}
}

func activeTestBinding(campaign string) *models.CampaignBinding {
	return &models.CampaignBinding{
		OrderID:            1,
		ExternalCampaignID: campaign,
		OfferID:            "off-1",
		ClicksRequired:     1000,
		Status:             models.BindingStatusActive,
	}
}

func TestReconcileOrderCompletesDeliveredOrder(t *testing.T) {
	orders := &fakeOrderRepo{order: reconcilableOrder(), updateOK: []bool{true}}
	bindings := &fakeBindingRepo{bindings: []*models.CampaignBinding{
		activeTestBinding("c1"),
		activeTestBinding("c2"),
	}}
	tracker := &fakeTracker{stats: map[string]*services.CampaignStats{
		"c1": {Clicks: 1200, Conversions: 10, Cost: decimal.RequireFromString("3.00"), Revenue: decimal.RequireFromString("6.00")},
		"c2": {Clicks: 800, Cost: decimal.RequireFromString("2.00")},
	}}
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	r := newTestReconciler(orders, bindings, tracker, notifier, publisher)

	run := &models.ReconciliationRun{}
	require.NoError(t, r.reconcileOrder(txContext(), orders.order, run))

	// Counters were refreshed from the tracker
	assert.Equal(t, uint64(1200), bindings.bindings[0].ClicksDelivered)
	assert.Equal(t, uint64(10), bindings.bindings[0].Conversions)
	assert.NotNil(t, bindings.bindings[0].LastStatsAt)

	// 2000 clicks / coefficient 2 = 1000 views: target reached, both paused
	for _, b := range bindings.bindings {
		assert.Equal(t, models.BindingStatusPaused, b.Status)
		require.NotNil(t, b.PauseReason)
		assert.Equal(t, "Quantity target reached", *b.PauseReason)
	}
	assert.Contains(t, tracker.pauseKeys, "pause-order-1-campaign-c1")

	assert.Equal(t, 2, run.BindingsUpdated)
	assert.Equal(t, 2, run.BindingsPaused)
	assert.Equal(t, 1, run.OrdersAdvanced)
	assert.Equal(t, 0, run.Failures)

	assert.Equal(t, models.OrderStatusCompleted, orders.order.Status)
	assert.Equal(t, uint64(1000), orders.order.ViewsDelivered)
	assert.Equal(t, uint32(0), orders.order.Remains)
	assert.Equal(t, models.TrafficStatusDelivered, orders.order.TrafficStatus)
	assert.True(t, orders.order.CostIncurred.Equal(decimal.RequireFromString("5")))

	assert.Equal(t, []uint{1}, notifier.completions)

	require.Len(t, publisher.published, 1)
	assert.Equal(t, bus.TopicOrderStateChanged, publisher.published[0].topic)
	var msg bus.OrderStateChangedMessage
	require.NoError(t, publisher.published[0].env.Decode(&msg))
	assert.Equal(t, "active", msg.OldStatus)
	assert.Equal(t, "completed", msg.NewStatus)
}

func TestReconcileOrderPartialProgress(t *testing.T) {
	orders := &fakeOrderRepo{order: reconcilableOrder(), updateOK: []bool{true}}
	bindings := &fakeBindingRepo{bindings: []*models.CampaignBinding{activeTestBinding("c1")}}
	tracker := &fakeTracker{stats: map[string]*services.CampaignStats{
		"c1": {Clicks: 600, Cost: decimal.RequireFromString("1.50")},
	}}
	notifier := &fakeNotifier{}
	r := newTestReconciler(orders, bindings, tracker, notifier, &fakePublisher{})

	run := &models.ReconciliationRun{}
	require.NoError(t, r.reconcileOrder(txContext(), orders.order, run))

	// 600 clicks / 2 = 300 views, still short of 1000
	assert.Equal(t, models.BindingStatusActive, bindings.bindings[0].Status)
	assert.Equal(t, 0, run.BindingsPaused)
	assert.Equal(t, 0, run.OrdersAdvanced)

	assert.Equal(t, models.OrderStatusActive, orders.order.Status)
	assert.Equal(t, uint64(300), orders.order.ViewsDelivered)
	assert.Equal(t, uint32(700), orders.order.Remains)
	assert.Equal(t, models.TrafficStatusRunning, orders.order.TrafficStatus)
	assert.Empty(t, notifier.completions)
}

func TestReconcileOrderBindingBudgetPause(t *testing.T) {
	orders := &fakeOrderRepo{order: reconcilableOrder(), updateOK: []bool{true}}
	capped := activeTestBinding("c1")
	limit := decimal.RequireFromString("5.00")
	capped.BudgetLimit = &limit
	bindings := &fakeBindingRepo{bindings: []*models.CampaignBinding{
		capped,
		activeTestBinding("c2"),
	}}
	tracker := &fakeTracker{stats: map[string]*services.CampaignStats{
		"c1": {Clicks: 400, Cost: decimal.RequireFromString("6.00")},
		"c2": {Clicks: 400, Cost: decimal.RequireFromString("1.00")},
	}}
	r := newTestReconciler(orders, bindings, tracker, &fakeNotifier{}, &fakePublisher{})

	run := &models.ReconciliationRun{}
	require.NoError(t, r.reconcileOrder(txContext(), orders.order, run))

	assert.Equal(t, models.BindingStatusPaused, capped.Status)
	require.NotNil(t, capped.PauseReason)
	assert.Equal(t, "Binding budget limit reached", *capped.PauseReason)

	// The sibling without a budget cap keeps running
	assert.Equal(t, models.BindingStatusActive, bindings.bindings[1].Status)
	assert.Equal(t, 1, run.BindingsPaused)
	assert.Equal(t, models.OrderStatusActive, orders.order.Status)
}

func TestReconcileOrderOrderBudgetPause(t *testing.T) {
	order := reconcilableOrder()
	limit := decimal.RequireFromString("10.00")
	order.BudgetLimit = &limit
	orders := &fakeOrderRepo{order: order, updateOK: []bool{true}}
	bindings := &fakeBindingRepo{bindings: []*models.CampaignBinding{
		activeTestBinding("c1"),
		activeTestBinding("c2"),
	}}
	tracker := &fakeTracker{stats: map[string]*services.CampaignStats{
		"c1": {Clicks: 400, Cost: decimal.RequireFromString("6.00")},
		"c2": {Clicks: 400, Cost: decimal.RequireFromString("5.00")},
	}}
	r := newTestReconciler(orders, bindings, tracker, &fakeNotifier{}, &fakePublisher{})

	run := &models.ReconciliationRun{}
	require.NoError(t, r.reconcileOrder(txContext(), order, run))

	for _, b := range bindings.bindings {
		assert.Equal(t, models.BindingStatusPaused, b.Status)
		require.NotNil(t, b.PauseReason)
		// Billing reconciliation matches on this exact phrase
		assert.Equal(t, "Order budget limit reached", *b.PauseReason)
	}
	assert.Equal(t, 2, run.BindingsPaused)
}

func TestReconcileOrderKeepsStaleCountersOnStatsFailure(t *testing.T) {
	order := reconcilableOrder()
	order.Quantity = 2000
	order.Remains = 2000
	order.Coefficient = 1
	orders := &fakeOrderRepo{order: order, updateOK: []bool{true}}

	stale := activeTestBinding("c1")
	stale.ClicksDelivered = 400
	bindings := &fakeBindingRepo{bindings: []*models.CampaignBinding{
		stale,
		activeTestBinding("c2"),
	}}
	tracker := &fakeTracker{
		stats:    map[string]*services.CampaignStats{"c2": {Clicks: 600}},
		statsErr: map[string]error{"c1": errors.New("tracker 502")},
	}
	r := newTestReconciler(orders, bindings, tracker, &fakeNotifier{}, &fakePublisher{})

	run := &models.ReconciliationRun{}
	require.NoError(t, r.reconcileOrder(txContext(), order, run))

	// The failed binding keeps its last-known clicks and still counts
	assert.Equal(t, uint64(400), stale.ClicksDelivered)
	assert.Equal(t, 1, run.BindingsUpdated)
	assert.Equal(t, 1, run.Failures)
	assert.Equal(t, uint64(1000), orders.order.ViewsDelivered)
	assert.Equal(t, uint32(1000), orders.order.Remains)
}

func TestReconcileOrderCountsPausedBindingClicks(t *testing.T) {
	orders := &fakeOrderRepo{order: reconcilableOrder(), updateOK: []bool{true}}
	paused := activeTestBinding("c1")
	paused.Status = models.BindingStatusPaused
	paused.ClicksDelivered = 1000
	bindings := &fakeBindingRepo{bindings: []*models.CampaignBinding{
		paused,
		activeTestBinding("c2"),
	}}
	tracker := &fakeTracker{stats: map[string]*services.CampaignStats{
		"c2": {Clicks: 1000},
	}}
	notifier := &fakeNotifier{}
	r := newTestReconciler(orders, bindings, tracker, notifier, &fakePublisher{})

	run := &models.ReconciliationRun{}
	require.NoError(t, r.reconcileOrder(txContext(), orders.order, run))

	// Clicks delivered before the pause still count toward the order total
	assert.Equal(t, 1, run.BindingsUpdated)
	assert.Equal(t, models.OrderStatusCompleted, orders.order.Status)
	assert.Equal(t, []uint{1}, notifier.completions)
}

func TestReconcileOrderPauseFailureLeavesBindingActive(t *testing.T) {
	orders := &fakeOrderRepo{order: reconcilableOrder(), updateOK: []bool{true}}
	bindings := &fakeBindingRepo{bindings: []*models.CampaignBinding{activeTestBinding("c1")}}
	tracker := &fakeTracker{
		stats:    map[string]*services.CampaignStats{"c1": {Clicks: 2000}},
		pauseErr: errors.New("tracker write failed"),
	}
	notifier := &fakeNotifier{}
	r := newTestReconciler(orders, bindings, tracker, notifier, &fakePublisher{})

	run := &models.ReconciliationRun{}
	require.NoError(t, r.reconcileOrder(txContext(), orders.order, run))

	// The next tick retries the pause; completion proceeds regardless
	assert.Equal(t, models.BindingStatusActive, bindings.bindings[0].Status)
	assert.Equal(t, 0, run.BindingsPaused)
	assert.Equal(t, 1, run.Failures)
	assert.Equal(t, models.OrderStatusCompleted, orders.order.Status)
	assert.Equal(t, []uint{1}, notifier.completions)
}

func TestReconcileOrderRequiresCoefficient(t *testing.T) {
	order := reconcilableOrder()
	order.Coefficient = 0
	orders := &fakeOrderRepo{order: order}
	r := newTestReconciler(orders, &fakeBindingRepo{}, &fakeTracker{}, &fakeNotifier{}, &fakePublisher{})

	err := r.reconcileOrder(txContext(), order, &models.ReconciliationRun{})
	assert.Error(t, err)
	assert.Equal(t, 0, orders.updateCalls)
}

func TestAdvanceOrderRetriesVersionConflict(t *testing.T) {
	orders := &fakeOrderRepo{order: reconcilableOrder(), updateOK: []bool{false, true}}
	r := newTestReconciler(orders, &fakeBindingRepo{}, &fakeTracker{}, &fakeNotifier{}, &fakePublisher{})

	run := &models.ReconciliationRun{}
	err := r.advanceOrder(txContext(), orders.order, 300, decimal.RequireFromString("1.00"), false, run)
	require.NoError(t, err)
	assert.Equal(t, 2, orders.updateCalls)
	assert.Equal(t, uint64(300), orders.order.ViewsDelivered)
}

func TestAdvanceOrderGivesUpAfterTwoConflicts(t *testing.T) {
	orders := &fakeOrderRepo{order: reconcilableOrder(), updateOK: []bool{false, false}}
	r := newTestReconciler(orders, &fakeBindingRepo{}, &fakeTracker{}, &fakeNotifier{}, &fakePublisher{})

	err := r.advanceOrder(txContext(), orders.order, 300, decimal.Zero, false, &models.ReconciliationRun{})
	require.Error(t, err)
	assert.Equal(t, 2, orders.updateCalls)
}

func TestAdvanceOrderSkipsNonActiveOrder(t *testing.T) {
	order := reconcilableOrder()
	order.Status = models.OrderStatusPaused
	orders := &fakeOrderRepo{order: order}
	r := newTestReconciler(orders, &fakeBindingRepo{}, &fakeTracker{}, &fakeNotifier{}, &fakePublisher{})

	probe := *order
	probe.Status = models.OrderStatusActive
	err := r.advanceOrder(txContext(), &probe, 300, decimal.Zero, false, &models.ReconciliationRun{})
	require.NoError(t, err)
	assert.Equal(t, 0, orders.updateCalls)
}
