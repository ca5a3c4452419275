package workers

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"gorm.io/gorm"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
)

// ResultWorker consumes instagram.results: delivery reports pushed by the
// external fulfilment bot, keyed by externalId = order id. It updates the
// order counters and walks the status toward the bot's verdict.
type ResultWorker struct {
	orderRepo repository.OrderRepository
	publisher bus.Publisher
	db        *gorm.DB
	logger    *log.Logger
}

// NewResultWorker creates the instagram.results consumer
func NewResultWorker(orderRepo repository.OrderRepository, publisher bus.Publisher, db *gorm.DB, logger *log.Logger) *ResultWorker {
	return &ResultWorker{orderRepo: orderRepo, publisher: publisher, db: db, logger: logger}
}

// Handle processes one delivery report
func (w *ResultWorker) Handle(ctx context.Context, env *bus.Envelope) error {
	var msg bus.InstagramResultMessage
	if err := env.Decode(&msg); err != nil {
		return bus.Permanent(fmt.Errorf("undecodable instagram.results payload: %w", err))
	}

	orderID, err := strconv.ParseUint(msg.ExternalID, 10, 64)
	if err != nil {
		return bus.Permanent(fmt.Errorf("malformed external id %q: %w", msg.ExternalID, err))
	}

	order, err := w.orderRepo.ByID(ctx, uint(orderID))
	if err != nil {
		return err
	}
	if order == nil {
		return bus.Permanent(fmt.Errorf("order %d does not exist", orderID))
	}
	if order.Status.IsTerminal() {
		w.logger.Printf("results: order %d already terminal (%s), dropping report", order.ID, order.Status)
		return nil
	}

	target := mapResultStatus(msg)
	oldStatus := order.Status

	var parent *models.Order
	var parentOld models.OrderStatus

	err = repository.WithinTransaction(ctx, w.db, func(txCtx context.Context) error {
		fresh, err := w.orderRepo.ByID(txCtx, order.ID)
		if err != nil {
			return err
		}
		if fresh == nil || fresh.Status.IsTerminal() {
			return nil
		}

		if fresh.StartCount == 0 && msg.StartCount > 0 {
			fresh.StartCount = msg.StartCount
		}
		var delivered uint64
		if msg.CurrentCount > fresh.StartCount {
			delivered = msg.CurrentCount - fresh.StartCount
		}
		fresh.ViewsDelivered = delivered
		if delivered >= uint64(fresh.Quantity) {
			fresh.Remains = 0
		} else {
			fresh.Remains = fresh.Quantity - uint32(delivered)
		}
		if delivered > 0 {
			fresh.TrafficStatus = models.TrafficStatusRunning
		}
		if target == models.OrderStatusCompleted {
			fresh.TrafficStatus = models.TrafficStatusDelivered
		}

		applied, err := w.orderRepo.UpdateConditional(txCtx, fresh, fresh.Version)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("order %d changed concurrently during result ingestion", fresh.ID)
		}

		*order = *fresh
		if err := w.walkTo(txCtx, order, target, msg); err != nil {
			return err
		}
		parent, parentOld, err = w.resolveRefillParent(txCtx, order)
		return err
	})
	if err != nil {
		return err
	}

	if order.Status != oldStatus {
		publishStateChange(ctx, w.publisher, w.logger, order, oldStatus, order.Status)
	}
	if parent != nil {
		publishStateChange(ctx, w.publisher, w.logger, parent, parentOld, parent.Status)
	}
	return nil
}

// resolveRefillParent settles a parent stuck in the refill marker status once
// its replay child stops running: a completed child completes the parent,
// anything else sends it back to partial. Returns the parent only when its
// status actually changed.
func (w *ResultWorker) resolveRefillParent(ctx context.Context, child *models.Order) (*models.Order, models.OrderStatus, error) {
	if !child.IsRefillOrder() || child.RefillParentID == nil {
		return nil, "", nil
	}
	if !child.Status.IsTerminal() && child.Status != models.OrderStatusError {
		return nil, "", nil
	}

	parent, err := w.orderRepo.ByID(ctx, *child.RefillParentID)
	if err != nil {
		return nil, "", err
	}
	if parent == nil || parent.Status != models.OrderStatusRefill {
		return nil, "", nil
	}

	target := models.OrderStatusPartial
	if child.Status == models.OrderStatusCompleted {
		target = models.OrderStatusCompleted
	}
	from := parent.Status
	err = w.orderRepo.TransitionStatus(ctx, parent, target, map[string]any{
		"source":          "refill_settlement",
		"refill_order_id": child.ID,
		"child_status":    string(child.Status),
	})
	if err != nil {
		return nil, "", err
	}
	return parent, from, nil
}

// walkTo advances the order through the status graph one permitted hop at a
// time until the target is reached or no hop exists.
func (w *ResultWorker) walkTo(ctx context.Context, order *models.Order, target models.OrderStatus, msg bus.InstagramResultMessage) error {
	payload := map[string]any{
		"source":          "instagram_results",
		"reported_status": msg.Status,
		"completed_count": msg.CompletedCount,
		"failed_count":    msg.FailedCount,
	}

	for steps := 0; order.Status != target && steps < 5; steps++ {
		next, ok := nextHop(order.Status, target)
		if !ok {
			w.logger.Printf("results: order %d cannot move %s -> %s, leaving as is",
				order.ID, order.Status, target)
			return nil
		}
		if err := w.orderRepo.TransitionStatus(ctx, order, next, payload); err != nil {
			return err
		}
	}
	return nil
}

// mapResultStatus translates the bot's report into an order status. Partial
// reports resolve by their counters; anything unrecognized keeps the order
// in flight.
func mapResultStatus(msg bus.InstagramResultMessage) models.OrderStatus {
	switch msg.Status {
	case "completed":
		return models.OrderStatusCompleted
	case "failed":
		return models.OrderStatusError
	case "partial":
		switch {
		case msg.CompletedCount > 0 && msg.FailedCount > 0:
			return models.OrderStatusPartial
		case msg.CompletedCount > 0:
			return models.OrderStatusCompleted
		default:
			return models.OrderStatusError
		}
	case "cancelled":
		return models.OrderStatusCancelled
	case "processing", "in_progress":
		return models.OrderStatusProcessing
	default:
		return models.OrderStatusProcessing
	}
}

// nextHop returns the next permitted transition on the way from current to
// target, following the order status graph.
func nextHop(current, target models.OrderStatus) (models.OrderStatus, bool) {
	switch current {
	case models.OrderStatusPending:
		if target == models.OrderStatusCancelled {
			return models.OrderStatusCancelled, true
		}
		return models.OrderStatusProcessing, true
	case models.OrderStatusProcessing:
		switch target {
		case models.OrderStatusError, models.OrderStatusCancelled:
			return target, true
		default:
			return models.OrderStatusInProgress, true
		}
	case models.OrderStatusInProgress:
		switch target {
		case models.OrderStatusError, models.OrderStatusCancelled:
			return target, true
		default:
			return models.OrderStatusActive, true
		}
	case models.OrderStatusActive:
		if target == models.OrderStatusCompleted || target == models.OrderStatusPartial {
			return target, true
		}
		return "", false
	case models.OrderStatusPartial:
		if target == models.OrderStatusCompleted {
			return target, true
		}
		return "", false
	case models.OrderStatusRefill:
		if target == models.OrderStatusCompleted || target == models.OrderStatusPartial {
			return target, true
		}
		return "", false
	case models.OrderStatusError:
		if target == models.OrderStatusCancelled {
			return target, true
		}
		return "", false
	default:
		return "", false
	}
}
