package workers

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/app/services"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/mstolbov/viewboost/utils"
)

const (
	reconcilerLockKey   = "reconciler:lock"
	reconcilerBatchSize = 50
)

// Pause reasons written to bindings by the reconciler
const (
	pauseReasonTargetReached = "Quantity target reached"
	pauseReasonBindingBudget = "Binding budget limit reached"
	pauseReasonOrderBudget   = "Order budget limit reached"
)

// Reconciler is the periodic loop that pulls click stats from the tracker,
// refreshes binding and order counters, pauses exhausted campaigns and
// completes delivered orders. One instance runs at a time, guarded by a
// redis lock.
type Reconciler struct {
	orderRepo   repository.OrderRepository
	bindingRepo repository.CampaignBindingRepository
	runRepo     repository.ReconciliationRunRepository
	tracker     services.TrackerClient
	notifier    services.NotificationService
	publisher   bus.Publisher
	redisClient redis.UniversalClient
	db          *gorm.DB
	interval    time.Duration
	logger      *log.Logger

	lastCleanup time.Time
}

// NewReconciler creates the reconciliation loop
func NewReconciler(
	orderRepo repository.OrderRepository,
	bindingRepo repository.CampaignBindingRepository,
	runRepo repository.ReconciliationRunRepository,
	tracker services.TrackerClient,
	notifier services.NotificationService,
	publisher bus.Publisher,
	redisClient redis.UniversalClient,
	db *gorm.DB,
	interval time.Duration,
	logger *log.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		orderRepo:   orderRepo,
		bindingRepo: bindingRepo,
		runRepo:     runRepo,
		tracker:     tracker,
		notifier:    notifier,
		publisher:   publisher,
		redisClient: redisClient,
		db:          db,
		interval:    interval,
		logger:      logger,
	}
}

// Run ticks until the context is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Printf("reconciler: started with interval %s", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("reconciler: stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	lock := newDistLock(r.redisClient, reconcilerLockKey, r.interval)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		r.logger.Printf("reconciler: lock acquisition failed: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Printf("reconciler: lock release failed: %v", err)
		}
	}()

	r.reconcile(ctx)
	r.maybeCleanup(ctx)
}

func (r *Reconciler) reconcile(ctx context.Context) {
	run := &models.ReconciliationRun{StartedAt: utils.UTCNow()}
	if err := r.runRepo.Save(ctx, run); err != nil {
		r.logger.Printf("reconciler: failed to record run start: %v", err)
		return
	}

	statuses := []models.OrderStatus{
		models.OrderStatusProcessing,
		models.OrderStatusInProgress,
		models.OrderStatusActive,
	}

	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		orders, err := r.orderRepo.ListByStatuses(ctx, statuses, reconcilerBatchSize, offset)
		if err != nil {
			r.logger.Printf("reconciler: batch listing failed at offset %d: %v", offset, err)
			run.Failures++
			break
		}

		for _, order := range orders {
			run.OrdersExamined++
			if order.Status != models.OrderStatusActive {
				continue
			}
			// Per-order errors never abort the run; siblings still reconcile
			if err := r.reconcileOrder(ctx, order, run); err != nil {
				run.Failures++
				r.logger.Printf("reconciler: order %d failed: %v", order.ID, err)
			}
		}

		if len(orders) < reconcilerBatchSize {
			break
		}
		offset += reconcilerBatchSize
	}

	run.FinishedAt = utils.UTCNowPtr()
	if err := r.runRepo.Update(ctx, run); err != nil {
		r.logger.Printf("reconciler: failed to record run end: %v", err)
	}
	r.logger.Printf("reconciler: run finished examined=%d advanced=%d updated=%d paused=%d failures=%d",
		run.OrdersExamined, run.OrdersAdvanced, run.BindingsUpdated, run.BindingsPaused, run.Failures)
}

// reconcileOrder refreshes stats on every active binding, applies the pause
// triggers and advances the order counters and status.
func (r *Reconciler) reconcileOrder(ctx context.Context, order *models.Order, run *models.ReconciliationRun) error {
	bindings, err := r.bindingRepo.ListByOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	now := utils.UTCNow()
	for _, binding := range bindings {
		if !binding.IsActive() {
			continue
		}
		stats, err := r.tracker.GetDetailedStats(ctx, binding.ExternalCampaignID, order.CreatedAt, now)
		if err != nil {
			// This binding keeps its stale counters until the next tick
			run.Failures++
			r.logger.Printf("reconciler: stats fetch failed order=%d campaign=%s: %v",
				order.ID, binding.ExternalCampaignID, err)
			continue
		}

		binding.ClicksDelivered = stats.Clicks
		binding.Conversions = stats.Conversions
		binding.Cost = stats.Cost
		binding.Revenue = stats.Revenue
		binding.LastStatsAt = &now
		if err := r.bindingRepo.Update(ctx, binding); err != nil {
			run.Failures++
			r.logger.Printf("reconciler: binding update failed order=%d campaign=%s: %v",
				order.ID, binding.ExternalCampaignID, err)
			continue
		}
		run.BindingsUpdated++
	}

	if order.Coefficient <= 0 {
		return fmt.Errorf("order %d carries no coefficient", order.ID)
	}

	// Totals run over all bindings, paused ones included: clicks delivered
	// before a pause still count toward the order.
	var totalClicks uint64
	totalCost := decimal.Zero
	for _, binding := range bindings {
		totalClicks += binding.ClicksDelivered
		totalCost = totalCost.Add(binding.Cost)
	}
	totalViews := uint64(math.Floor(float64(totalClicks) / order.Coefficient))
	delivered := totalViews >= uint64(order.Quantity)

	for _, binding := range bindings {
		if !binding.IsActive() {
			continue
		}
		switch {
		case delivered:
			r.pauseBinding(ctx, order, binding, pauseReasonTargetReached, run)
		case binding.BudgetLimit != nil && binding.Cost.GreaterThanOrEqual(*binding.BudgetLimit):
			r.pauseBinding(ctx, order, binding, pauseReasonBindingBudget, run)
		case order.BudgetLimit != nil && totalCost.GreaterThanOrEqual(*order.BudgetLimit):
			r.pauseBinding(ctx, order, binding, pauseReasonOrderBudget, run)
		}
	}

	if err := r.advanceOrder(ctx, order, totalViews, totalCost, delivered, run); err != nil {
		return err
	}
	return nil
}

// pauseBinding stops the tracker campaign first, then records the pause; a
// tracker failure leaves the binding active for the next tick.
func (r *Reconciler) pauseBinding(ctx context.Context, order *models.Order, binding *models.CampaignBinding, reason string, run *models.ReconciliationRun) {
	idempotencyKey := fmt.Sprintf("pause-order-%d-campaign-%s", order.ID, binding.ExternalCampaignID)
	if err := r.tracker.PauseCampaign(ctx, binding.ExternalCampaignID, idempotencyKey); err != nil {
		run.Failures++
		r.logger.Printf("reconciler: campaign pause failed order=%d campaign=%s: %v",
			order.ID, binding.ExternalCampaignID, err)
		return
	}

	binding.Status = models.BindingStatusPaused
	binding.PauseReason = utils.ToPtr(reason)
	if err := r.bindingRepo.Update(ctx, binding); err != nil {
		run.Failures++
		r.logger.Printf("reconciler: pause write failed order=%d campaign=%s: %v",
			order.ID, binding.ExternalCampaignID, err)
		return
	}
	run.BindingsPaused++
	r.logger.Printf("reconciler: paused campaign %s for order %d: %s",
		binding.ExternalCampaignID, order.ID, reason)
}

// advanceOrder writes the refreshed counters with one retry on a version
// conflict, and completes the order once the view target is met.
func (r *Reconciler) advanceOrder(ctx context.Context, order *models.Order, totalViews uint64, totalCost decimal.Decimal, delivered bool, run *models.ReconciliationRun) error {
	for attempt := 1; attempt <= 2; attempt++ {
		fresh, err := r.orderRepo.ByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if fresh == nil || fresh.Status != models.OrderStatusActive {
			return nil
		}

		fresh.ViewsDelivered = totalViews
		fresh.CostIncurred = totalCost
		if totalViews >= uint64(fresh.Quantity) {
			fresh.Remains = 0
		} else {
			fresh.Remains = fresh.Quantity - uint32(totalViews)
		}
		switch {
		case delivered:
			fresh.TrafficStatus = models.TrafficStatusDelivered
		case totalViews > 0:
			fresh.TrafficStatus = models.TrafficStatusRunning
		}

		applied, err := r.orderRepo.UpdateConditional(ctx, fresh, fresh.Version)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}

		if delivered {
			err := repository.WithinTransaction(ctx, r.db, func(txCtx context.Context) error {
				return r.orderRepo.TransitionStatus(txCtx, fresh, models.OrderStatusCompleted, map[string]any{
					"views_delivered": totalViews,
					"cost_incurred":   totalCost.String(),
				})
			})
			if err != nil {
				return err
			}
			run.OrdersAdvanced++
			publishStateChange(ctx, r.publisher, r.logger, fresh, models.OrderStatusActive, models.OrderStatusCompleted)
			if err := r.notifier.NotifyOrderCompleted(ctx, fresh.ID, totalViews); err != nil {
				r.logger.Printf("reconciler: completion notification failed for order %d: %v", fresh.ID, err)
			}
		}
		return nil
	}
	return fmt.Errorf("order %d kept changing concurrently, deferring to next tick", order.ID)
}

// maybeCleanup prunes old reconciliation audit rows once per UTC day
func (r *Reconciler) maybeCleanup(ctx context.Context) {
	now := utils.UTCNow()
	if utils.UTCDay(now).Equal(utils.UTCDay(r.lastCleanup)) {
		return
	}

	cutoff := now.Add(-models.ReconciliationRunRetention)
	removed, err := r.runRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Printf("reconciler: run cleanup failed: %v", err)
		return
	}
	r.lastCleanup = now
	if removed > 0 {
		r.logger.Printf("reconciler: pruned %d reconciliation runs older than %s", removed, cutoff.Format(time.RFC3339))
	}
}
