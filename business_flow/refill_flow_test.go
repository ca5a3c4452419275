package businessflow

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
)

// stubOrderRefillRepo serves refill audit rows from memory
type stubOrderRefillRepo struct {
	saved     []*models.OrderRefill
	maxNumber int
	latest    *models.OrderRefill
}

func (s *stubOrderRefillRepo) Save(ctx context.Context, refill *models.OrderRefill) error {
	s.saved = append(s.saved, refill)
	return nil
}

func (s *stubOrderRefillRepo) MaxRefillNumber(ctx context.Context, parentID uint) (int, error) {
	return s.maxNumber, nil
}

func (s *stubOrderRefillRepo) LatestByParent(ctx context.Context, parentID uint) (*models.OrderRefill, error) {
	return s.latest, nil
}

func (s *stubOrderRefillRepo) ListByParent(ctx context.Context, parentID uint) ([]*models.OrderRefill, error) {
	return s.saved, nil
}

func (s *stubOrderRefillRepo) ByID(ctx context.Context, id uint) (*models.OrderRefill, error) {
	return nil, nil
}
func (s *stubOrderRefillRepo) ByFilter(ctx context.Context, filter models.OrderRefillFilter, orderBy string, limit, offset int) ([]*models.OrderRefill, error) {
	return nil, nil
}
func (s *stubOrderRefillRepo) SaveBatch(ctx context.Context, ents []*models.OrderRefill) error {
	return nil
}
func (s *stubOrderRefillRepo) Count(ctx context.Context, filter models.OrderRefillFilter) (int64, error) {
	return 0, nil
}
func (s *stubOrderRefillRepo) Exists(ctx context.Context, filter models.OrderRefillFilter) (bool, error) {
	return false, nil
}

// stubVideoClient answers view probes with a fixed count
type stubVideoClient struct {
	views    uint64
	probeErr error
	probes   int
}

func (s *stubVideoClient) ProbeViewCount(ctx context.Context, videoURL string) (uint64, error) {
	s.probes++
	if s.probeErr != nil {
		return 0, s.probeErr
	}
	return s.views, nil
}

func (s *stubVideoClient) CreateClip(ctx context.Context, videoURL string, account *models.YouTubeAccount) (string, error) {
	return "", nil
}

// stubCache overrides only SetNX and Del; nothing else is touched by the flow
type stubCache struct {
	redis.UniversalClient

	setNXResult bool
	setNXErr    error
	keys        []string
	deleted     []string
}

func (s *stubCache) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	s.keys = append(s.keys, key)
	return redis.NewBoolResult(s.setNXResult, s.setNXErr)
}

func (s *stubCache) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	s.deleted = append(s.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

type refillFixture struct {
	users     *stubUserRepo
	orders    *stubOrderRepo
	refills   *stubOrderRefillRepo
	events    *stubOrderEventRepo
	audits    *stubAuditRepo
	video     *stubVideoClient
	cache     *stubCache
	publisher *stubPublisher
	flow      *RefillFlowImpl
}

func newRefillFixture(parent *models.Order) *refillFixture {
	f := &refillFixture{
		users: &stubUserRepo{user: testUser("50")},
		orders: &stubOrderRepo{
			orders:   []*models.Order{parent},
			children: map[uint][]*models.Order{},
		},
		refills:   &stubOrderRefillRepo{},
		events:    &stubOrderEventRepo{},
		audits:    &stubAuditRepo{},
		video:     &stubVideoClient{views: 5600},
		cache:     &stubCache{setNXResult: true},
		publisher: &stubPublisher{},
	}
	f.flow = &RefillFlowImpl{
		userRepo:        f.users,
		orderRepo:       f.orders,
		orderRefillRepo: f.refills,
		orderEventRepo:  f.events,
		auditRepo:       f.audits,
		videoClient:     f.video,
		publisher:       f.publisher,
		cache:           f.cache,
		logger:          log.New(io.Discard, "", 0),
	}
	return f
}

// refillParent is a 1000-view parent order whose campaigns started at 5000
// views, so a probe of 5600 leaves a 400-view shortfall.
func refillParent(status models.OrderStatus) *models.Order {
	return &models.Order{
		ID:          10,
		UUID:        uuid.New(),
		UserID:      1,
		ServiceID:   3,
		Link:        "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Quantity:    1000,
		Charge:      decimal.RequireFromString("2.50"),
		StartCount:  5000,
		Status:      status,
		Coefficient: 1.8,
		CreatedAt:   utils.UTCNow().Add(-time.Hour),
	}
}

func TestCreateRefillHappyPath(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)

	resp, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.RefillNumber)
	assert.Equal(t, uint32(400), resp.Order.Quantity)
	assert.True(t, resp.Order.IsRefill)

	// The fence was keyed by the parent id
	assert.Equal(t, []string{"refill:10"}, f.cache.keys)

	require.Len(t, f.orders.orders, 2)
	child := f.orders.orders[1]
	assert.True(t, child.Charge.IsZero())
	assert.True(t, child.IsRefillOrder())
	require.NotNil(t, child.RefillParentID)
	assert.Equal(t, parent.ID, *child.RefillParentID)
	assert.Equal(t, uint32(400), child.Quantity)
	assert.Equal(t, uint32(400), child.Remains)
	assert.Equal(t, models.OrderStatusPending, child.Status)
	assert.Equal(t, parent.Coefficient, child.Coefficient)

	require.Len(t, f.refills.saved, 1)
	row := f.refills.saved[0]
	assert.Equal(t, parent.ID, row.OriginalOrderID)
	assert.Equal(t, child.ID, row.RefillOrderID)
	assert.Equal(t, 1, row.RefillNumber)
	assert.Equal(t, uint32(1000), row.OriginalQuantity)
	assert.Equal(t, uint64(600), row.DeliveredQuantity)
	assert.Equal(t, uint32(400), row.RefillQuantity)
	assert.Equal(t, uint64(5600), row.StartCountAtRefill)

	require.Len(t, f.events.saved, 1)
	assert.Equal(t, models.OrderEventTypeRefillCreated, f.events.saved[0].Type)
	assert.Equal(t, parent.ID, f.events.saved[0].OrderID)

	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, bus.TopicOrderCreated, f.publisher.published[0].topic)
	var msg bus.OrderCreatedMessage
	require.NoError(t, f.publisher.published[0].env.Decode(&msg))
	assert.True(t, msg.IsRefill)
	assert.Equal(t, child.ID, msg.OrderID)

	require.Len(t, f.audits.saved, 1)
	assert.Equal(t, models.AuditActionRefillCreated, f.audits.saved[0].Action)

	// A completed parent has no refill hop, and the fence stays up
	assert.Equal(t, models.OrderStatusCompleted, f.orders.orders[0].Status)
	assert.Empty(t, f.cache.deleted)
}

func TestCreateRefillMarksPartialParent(t *testing.T) {
	parent := refillParent(models.OrderStatusPartial)
	f := newRefillFixture(parent)

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusRefill, f.orders.orders[0].Status)
	assert.Equal(t, []models.OrderStatus{models.OrderStatusRefill}, f.orders.transitions)
}

func TestCreateRefillReleasesFenceOnFailure(t *testing.T) {
	parent := refillParent(models.OrderStatusActive)
	f := newRefillFixture(parent)

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.ErrorIs(t, err, ErrRefillNotEligible)

	// The fence was taken and given back, so a corrected retry is not locked
	// out for the whole idempotency window
	assert.Equal(t, []string{"refill:10"}, f.cache.keys)
	assert.Equal(t, []string{"refill:10"}, f.cache.deleted)
}

func TestCreateRefillNumberIncrements(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	f.refills.maxNumber = 2

	resp, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.RefillNumber)
}

func TestCreateRefillOrderNotFound(t *testing.T) {
	f := newRefillFixture(refillParent(models.OrderStatusCompleted))

	_, err := f.flow.CreateRefill(ambientTxContext(), uuid.NewString(), nil)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Empty(t, f.cache.keys)
}

func TestCreateRefillFenceAbsorbsDoubleClick(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	f.cache.setNXResult = false

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.ErrorIs(t, err, ErrRefillTooSoon)

	// Rejected before the transaction: no probe, no writes
	assert.Equal(t, 0, f.video.probes)
	assert.Len(t, f.orders.orders, 1)
	assert.Empty(t, f.refills.saved)
}

func TestCreateRefillFenceUnavailable(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	f.cache.setNXErr = errors.New("redis down")

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.Error(t, err)
	assert.Len(t, f.orders.orders, 1)
}

func TestCreateRefillRejectsRefillOfRefill(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	parent.IsRefill = utils.ToPtr(true)
	f := newRefillFixture(parent)

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrRefillOfRefill)
}

func TestCreateRefillRejectsWhileChildInFlight(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	f.orders.children[parent.ID] = []*models.Order{
		{ID: 20, Status: models.OrderStatusActive},
	}

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrRefillInProgress)
}

func TestCreateRefillIgnoresSettledChildren(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	// Completed and errored children do not block another refill
	f.orders.children[parent.ID] = []*models.Order{
		{ID: 20, Status: models.OrderStatusCompleted},
		{ID: 21, Status: models.OrderStatusError},
	}

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.NoError(t, err)
}

func TestCreateRefillRejectsWithinIdempotencyWindow(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	f.refills.latest = &models.OrderRefill{CreatedAt: utils.UTCNow().Add(-10 * time.Second)}

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrRefillTooSoon)
}

func TestCreateRefillRejectsAfterMaxRefills(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	children := make([]*models.Order, 0, models.MaxRefillsPerOrder)
	for i := 0; i < models.MaxRefillsPerOrder; i++ {
		children = append(children, &models.Order{ID: uint(20 + i), Status: models.OrderStatusCompleted})
	}
	f.orders.children[parent.ID] = children

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrMaxRefillsExceeded)
}

func TestCreateRefillCapIgnoresFailedChildren(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	// Five refills that never delivered must not use up the allowance
	f.orders.children[parent.ID] = []*models.Order{
		{ID: 20, Status: models.OrderStatusCancelled},
		{ID: 21, Status: models.OrderStatusCancelled},
		{ID: 22, Status: models.OrderStatusError},
		{ID: 23, Status: models.OrderStatusError},
		{ID: 24, Status: models.OrderStatusCancelled},
	}

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.NoError(t, err)
}

func TestCreateRefillStatusEligibility(t *testing.T) {
	eligible := []models.OrderStatus{
		models.OrderStatusCompleted,
		models.OrderStatusInProgress,
		models.OrderStatusPartial,
	}
	for _, status := range eligible {
		f := newRefillFixture(refillParent(status))
		_, err := f.flow.CreateRefill(ambientTxContext(), f.orders.orders[0].UUID.String(), nil)
		require.NoError(t, err, "status %s", status)
	}

	ineligible := []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusActive,
		models.OrderStatusCancelled,
		models.OrderStatusError,
	}
	for _, status := range ineligible {
		f := newRefillFixture(refillParent(status))
		_, err := f.flow.CreateRefill(ambientTxContext(), f.orders.orders[0].UUID.String(), nil)
		assert.ErrorIs(t, err, ErrRefillNotEligible, "status %s", status)
	}
}

func TestCreateRefillRequiresProbedStartCount(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	parent.StartCount = 0
	f := newRefillFixture(parent)

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrRefillNotEligible)
}

func TestCreateRefillUpstreamUnavailable(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	f.video.probeErr = errors.New("quota exceeded")

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	// A zero count is treated the same as a failed probe
	f = newRefillFixture(refillParent(models.OrderStatusCompleted))
	f.video.views = 0
	_, err = f.flow.CreateRefill(ambientTxContext(), f.orders.orders[0].UUID.String(), nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestCreateRefillNothingToDeliver(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	f.video.views = 6100 // delivered 1100 >= quantity 1000

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrRefillNothingToDeliver)
	assert.Len(t, f.orders.orders, 1)
}

func TestCreateRefillRejectsSuspiciousShortfall(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	// The counter rolled 2000 below the start count: shortfall 3000 blows past
	// 1.5x of the original 1000
	f.video.views = 3000

	_, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	assert.ErrorIs(t, err, ErrRefillQuantitySuspicious)
	assert.Len(t, f.orders.orders, 1)
	assert.Empty(t, f.refills.saved)
}

func TestCreateRefillAcceptsShortfallAtCap(t *testing.T) {
	parent := refillParent(models.OrderStatusCompleted)
	f := newRefillFixture(parent)
	// 500 below the start count: shortfall 1500 sits exactly on the 1.5x cap
	f.video.views = 4500

	resp, err := f.flow.CreateRefill(ambientTxContext(), parent.UUID.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1500), resp.Order.Quantity)

	require.Len(t, f.refills.saved, 1)
	row := f.refills.saved[0]
	assert.Equal(t, uint64(0), row.DeliveredQuantity)
	assert.Equal(t, uint32(1500), row.RefillQuantity)
	assert.Equal(t, uint64(4500), row.StartCountAtRefill)
}
