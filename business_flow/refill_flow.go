// Package businessflow contains the core business logic and use cases for order refills
package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/app/dto"
	"github.com/mstolbov/viewboost/app/services"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/mstolbov/viewboost/utils"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefillFlow creates zero-charge replay orders for under-delivered parents
type RefillFlow interface {
	CreateRefill(ctx context.Context, orderUUID string, metadata *ClientMetadata) (*dto.RefillResponse, error)
}

// RefillFlowImpl implements the refill business flow
type RefillFlowImpl struct {
	userRepo        repository.UserRepository
	orderRepo       repository.OrderRepository
	orderRefillRepo repository.OrderRefillRepository
	orderEventRepo  repository.OrderEventRepository
	auditRepo       repository.AuditLogRepository
	videoClient     services.VideoClient
	publisher       bus.Publisher
	cache           redis.UniversalClient
	db              *gorm.DB
	logger          *log.Logger
}

// NewRefillFlow creates a new refill flow instance
func NewRefillFlow(
	userRepo repository.UserRepository,
	orderRepo repository.OrderRepository,
	orderRefillRepo repository.OrderRefillRepository,
	orderEventRepo repository.OrderEventRepository,
	auditRepo repository.AuditLogRepository,
	videoClient services.VideoClient,
	publisher bus.Publisher,
	cache redis.UniversalClient,
	db *gorm.DB,
	logger *log.Logger,
) RefillFlow {
	return &RefillFlowImpl{
		userRepo:        userRepo,
		orderRepo:       orderRepo,
		orderRefillRepo: orderRefillRepo,
		orderEventRepo:  orderEventRepo,
		auditRepo:       auditRepo,
		videoClient:     videoClient,
		publisher:       publisher,
		cache:           cache,
		db:              db,
		logger:          logger,
	}
}

// CreateRefill re-measures delivered views and creates a zero-charge child
// order. The parent row is locked for the whole transaction; a redis fence in
// front absorbs double-clicks before they ever reach the database.
func (f *RefillFlowImpl) CreateRefill(ctx context.Context, orderUUID string, metadata *ClientMetadata) (*dto.RefillResponse, error) {
	parentRef, err := f.orderRepo.ByUUID(ctx, orderUUID)
	if err != nil {
		return nil, err
	}
	if parentRef == nil {
		return nil, NewBusinessError("REFILL_FAILED", "Order not found", ErrOrderNotFound)
	}

	fenceKey := fmt.Sprintf("refill:%d", parentRef.ID)
	ok, err := f.cache.SetNX(ctx, fenceKey, 1, models.RefillIdempotencyWindow).Result()
	if err != nil {
		return nil, NewBusinessError("REFILL_FAILED", "Refill fence unavailable", err)
	}
	if !ok {
		return nil, NewBusinessError("REFILL_CONFLICT", "A refill for this order was just requested", ErrRefillTooSoon)
	}

	var user models.User
	var child *models.Order
	var refillNumber int

	err = repository.WithinTransaction(ctx, f.db, func(txCtx context.Context) error {
		parent, err := f.orderRepo.ByIDForUpdate(txCtx, parentRef.ID)
		if err != nil {
			return err
		}
		if parent == nil {
			return ErrOrderNotFound
		}

		user, err = getUser(txCtx, f.userRepo, parent.UserID)
		if err != nil {
			return err
		}

		refillQty, delivered, currentViews, err := f.checkGuards(txCtx, parent)
		if err != nil {
			return err
		}

		maxNumber, err := f.orderRefillRepo.MaxRefillNumber(txCtx, parent.ID)
		if err != nil {
			return err
		}
		refillNumber = maxNumber + 1

		child = &models.Order{
			UUID:          uuid.New(),
			UserID:        parent.UserID,
			ServiceID:     parent.ServiceID,
			Link:          parent.Link,
			Quantity:      refillQty,
			Charge:        decimal.Zero,
			Remains:       refillQty,
			Status:        models.OrderStatusPending,
			TrafficStatus: models.TrafficStatusNone,
			Coefficient:   parent.Coefficient,
			TargetCountry: parent.TargetCountry,
			IsRefill:      utils.ToPtr(true),
			RefillParentID: &parent.ID,
			CreatedAt:     utils.UTCNow(),
			UpdatedAt:     utils.UTCNow(),
		}
		if err := f.orderRepo.Save(txCtx, child); err != nil {
			return err
		}

		refill := &models.OrderRefill{
			OriginalOrderID:    parent.ID,
			RefillOrderID:      child.ID,
			RefillNumber:       refillNumber,
			OriginalQuantity:   parent.Quantity,
			DeliveredQuantity:  delivered,
			RefillQuantity:     refillQty,
			StartCountAtRefill: currentViews,
			CreatedAt:          utils.UTCNow(),
		}
		if err := f.orderRefillRepo.Save(txCtx, refill); err != nil {
			return err
		}

		// A partial or active parent moves to the refill marker status while the
		// child runs; result ingestion resolves it when the child settles.
		// Completed parents stay completed.
		if parent.CanTransitionTo(models.OrderStatusRefill) {
			if err := f.orderRepo.TransitionStatus(txCtx, parent, models.OrderStatusRefill, map[string]any{
				"refill_order_id": child.ID,
				"refill_number":   refillNumber,
			}); err != nil {
				return err
			}
		}

		payload, _ := json.Marshal(map[string]any{
			"refill_order_id": child.ID,
			"refill_number":   refillNumber,
			"refill_quantity": refillQty,
		})
		event := &models.OrderEvent{
			OrderID: parent.ID,
			Type:    models.OrderEventTypeRefillCreated,
			Payload: payload,
		}
		return f.orderEventRepo.Save(txCtx, event)
	})

	if err != nil {
		// Nothing was written, so the fence must not hold the user off for the
		// whole idempotency window
		f.cache.Del(context.WithoutCancel(ctx), fenceKey)
		errMsg := fmt.Sprintf("Refill of order %s failed: %s", orderUUID, err.Error())
		_ = createAuditLog(ctx, f.auditRepo, &user, models.AuditActionRefillCreateFailed, errMsg, false, &errMsg, metadata)
		return nil, NewBusinessError("REFILL_FAILED", "Failed to create refill", err)
	}

	f.announce(ctx, child, &user)

	msg := fmt.Sprintf("Refill #%d of order %s created child %s qty=%d", refillNumber, orderUUID, child.UUID, child.Quantity)
	_ = createAuditLog(ctx, f.auditRepo, &user, models.AuditActionRefillCreated, msg, true, nil, metadata)

	return &dto.RefillResponse{
		Success:      true,
		Message:      "Refill created successfully",
		RefillNumber: refillNumber,
		Order:        ToOrderDTO(*child),
	}, nil
}

// checkGuards runs the refill eligibility checks against the locked parent and
// returns (refillQty, delivered, currentViews).
func (f *RefillFlowImpl) checkGuards(ctx context.Context, parent *models.Order) (uint32, uint64, uint64, error) {
	if parent.IsRefillOrder() {
		return 0, 0, 0, ErrRefillOfRefill
	}

	children, err := f.orderRepo.ListRefillChildren(ctx, parent.ID)
	if err != nil {
		return 0, 0, 0, err
	}
	completedRefills := 0
	for _, child := range children {
		if !child.Status.IsTerminal() && child.Status != models.OrderStatusError {
			return 0, 0, 0, ErrRefillInProgress
		}
		if child.Status == models.OrderStatusCompleted {
			completedRefills++
		}
	}

	latest, err := f.orderRefillRepo.LatestByParent(ctx, parent.ID)
	if err != nil {
		return 0, 0, 0, err
	}
	if latest != nil && utils.UTCNow().Sub(latest.CreatedAt) < models.RefillIdempotencyWindow {
		return 0, 0, 0, ErrRefillTooSoon
	}
	// Cancelled and errored children never delivered anything; only completed
	// refills count against the cap
	if completedRefills >= models.MaxRefillsPerOrder {
		return 0, 0, 0, ErrMaxRefillsExceeded
	}

	switch parent.Status {
	case models.OrderStatusCompleted, models.OrderStatusInProgress, models.OrderStatusPartial:
	default:
		return 0, 0, 0, ErrRefillNotEligible
	}
	if parent.StartCount == 0 {
		return 0, 0, 0, fmt.Errorf("%w: start count never probed", ErrRefillNotEligible)
	}

	currentViews, err := f.videoClient.ProbeViewCount(ctx, parent.Link)
	if err != nil || currentViews == 0 {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	var delivered uint64
	if currentViews > parent.StartCount {
		delivered = currentViews - parent.StartCount
	}
	// The shortfall stays signed: a counter that rolled back below the start
	// count inflates it past the original quantity, and the cap bounds how far
	// that can go before we refuse to trust the probe.
	refillQty := int64(parent.Quantity) - (int64(currentViews) - int64(parent.StartCount))
	if refillQty <= 0 {
		return 0, 0, 0, ErrRefillNothingToDeliver
	}
	sanityCap := int64(parent.Quantity) * 3 / 2
	if refillQty > sanityCap {
		return 0, 0, 0, fmt.Errorf("%w: %d exceeds 1.5x of %d", ErrRefillQuantitySuspicious, refillQty, parent.Quantity)
	}

	return uint32(refillQty), delivered, currentViews, nil
}

// announce publishes order.created for the child; failures are covered by the
// recovery sweep exactly like intake.
func (f *RefillFlowImpl) announce(ctx context.Context, child *models.Order, user *models.User) {
	env, err := bus.NewEnvelope(child.ID, user.MaxPipelineAttempts(), bus.OrderCreatedMessage{
		OrderID:   child.ID,
		OrderUUID: child.UUID.String(),
		UserID:    child.UserID,
		ServiceID: child.ServiceID,
		Link:      child.Link,
		Quantity:  child.Quantity,
		IsRefill:  true,
	})
	if err == nil {
		err = f.publisher.Publish(ctx, bus.TopicOrderCreated, env)
	}
	if err != nil {
		f.logger.Printf("refill: publish of order.created failed for child %d, recovery sweep will republish: %v", child.ID, err)
	}
}
