package workers

import (
	"context"
	"log"
	"time"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/mstolbov/viewboost/utils"
)

const recoveryBatchSize = 100

// RecoverySweeper republishes order.created for PENDING orders whose original
// announcement was lost (intake commits the order before publishing, so a
// crash or redis outage between the two leaves the order stranded). The bus
// dedup keys make a sweep over an order that was announced a no-op.
type RecoverySweeper struct {
	orderRepo repository.OrderRepository
	userRepo  repository.UserRepository
	publisher bus.Publisher
	interval  time.Duration
	staleAge  time.Duration
	logger    *log.Logger
}

// NewRecoverySweeper creates the stale-order sweep
func NewRecoverySweeper(
	orderRepo repository.OrderRepository,
	userRepo repository.UserRepository,
	publisher bus.Publisher,
	interval, staleAge time.Duration,
	logger *log.Logger,
) *RecoverySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAge <= 0 {
		staleAge = 2 * time.Minute
	}
	return &RecoverySweeper{
		orderRepo: orderRepo,
		userRepo:  userRepo,
		publisher: publisher,
		interval:  interval,
		staleAge:  staleAge,
		logger:    logger,
	}
}

// Run sweeps until the context is cancelled
func (s *RecoverySweeper) Run(ctx context.Context) {
	s.logger.Printf("recovery: sweeper started interval=%s stale_age=%s", s.interval, s.staleAge)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("recovery: sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RecoverySweeper) sweep(ctx context.Context) {
	cutoff := utils.UTCNow().Add(-s.staleAge)
	orders, err := s.orderRepo.ListStalePending(ctx, cutoff, recoveryBatchSize)
	if err != nil {
		s.logger.Printf("recovery: stale order listing failed: %v", err)
		return
	}

	for _, order := range orders {
		if err := s.republish(ctx, order); err != nil {
			s.logger.Printf("recovery: republish failed for order %d: %v", order.ID, err)
		}
	}
	if len(orders) > 0 {
		s.logger.Printf("recovery: swept %d stale pending orders", len(orders))
	}
}

func (s *RecoverySweeper) republish(ctx context.Context, order *models.Order) error {
	maxAttempts := 0
	if user, err := s.userRepo.ByID(ctx, order.UserID); err == nil && user != nil {
		maxAttempts = user.MaxPipelineAttempts()
	}

	env, err := bus.NewEnvelope(order.ID, maxAttempts, bus.OrderCreatedMessage{
		OrderID:   order.ID,
		OrderUUID: order.UUID.String(),
		UserID:    order.UserID,
		ServiceID: order.ServiceID,
		Link:      order.Link,
		Quantity:  order.Quantity,
		IsRefill:  order.IsRefillOrder(),
	})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, bus.TopicOrderCreated, env)
}
