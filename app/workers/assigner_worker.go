package workers

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"gorm.io/gorm"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/app/services"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
)

// CampaignAssigner consumes offer.assignment: it creates one tracker offer per
// fixed campaign, splits the click target across the pool by weight and
// activates the order with its bindings in a single transaction.
type CampaignAssigner struct {
	orderRepo    repository.OrderRepository
	campaignRepo repository.FixedCampaignRepository
	bindingRepo  repository.CampaignBindingRepository
	tracker      services.TrackerClient
	publisher    bus.Publisher
	notifier     services.NotificationService
	db           *gorm.DB
	logger       *log.Logger
}

// NewCampaignAssigner creates the offer.assignment consumer
func NewCampaignAssigner(
	orderRepo repository.OrderRepository,
	campaignRepo repository.FixedCampaignRepository,
	bindingRepo repository.CampaignBindingRepository,
	tracker services.TrackerClient,
	publisher bus.Publisher,
	notifier services.NotificationService,
	db *gorm.DB,
	logger *log.Logger,
) *CampaignAssigner {
	return &CampaignAssigner{
		orderRepo:    orderRepo,
		campaignRepo: campaignRepo,
		bindingRepo:  bindingRepo,
		tracker:      tracker,
		publisher:    publisher,
		notifier:     notifier,
		db:           db,
		logger:       logger,
	}
}

// Handle processes one offer.assignment delivery
func (a *CampaignAssigner) Handle(ctx context.Context, env *bus.Envelope) error {
	var msg bus.OfferAssignmentMessage
	if err := env.Decode(&msg); err != nil {
		return bus.Permanent(fmt.Errorf("undecodable offer.assignment payload: %w", err))
	}

	order, err := a.orderRepo.ByID(ctx, msg.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return bus.Permanent(fmt.Errorf("order %d does not exist", msg.OrderID))
	}
	if order.Status != models.OrderStatusInProgress {
		a.logger.Printf("assigner: order %d already in %s, skipping redelivery", order.ID, order.Status)
		return nil
	}

	// A previous attempt may have created bindings before the transition
	// failed; in that case only the activation is replayed.
	existing, err := a.bindingRepo.ListByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return a.activate(ctx, order, nil)
	}

	campaigns, err := a.campaignRepo.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(campaigns) != models.ActiveFixedCampaignCount {
		// Operator-fixable: retry until the pool is restored, dead-letter after
		err := fmt.Errorf("campaign pool holds %d active campaigns, want %d", len(campaigns), models.ActiveFixedCampaignCount)
		if env.AttemptNumber >= env.MaxAttempts {
			a.alert(ctx, order.ID, err)
		}
		return err
	}
	for _, c := range campaigns {
		ok, cerr := a.tracker.CampaignExists(ctx, c.ExternalCampaignID)
		if cerr != nil {
			return cerr
		}
		if !ok {
			err := fmt.Errorf("campaign %s is configured but missing on the tracker", c.ExternalCampaignID)
			if env.AttemptNumber >= env.MaxAttempts {
				a.alert(ctx, order.ID, err)
			}
			return err
		}
	}

	if order.Coefficient <= 0 {
		return bus.Permanent(fmt.Errorf("order %d carries no coefficient", order.ID))
	}
	totalClicks := uint64(math.Ceil(float64(order.Quantity) * order.Coefficient))
	shares := distributeClicks(totalClicks, campaigns)

	bindings := make([]*models.CampaignBinding, 0, len(campaigns))
	for i, c := range campaigns {
		offerName := fmt.Sprintf("order-%d-%s", order.ID, c.ExternalCampaignID)
		idempotencyKey := fmt.Sprintf("order-%d-attempt-%d-campaign-%s", order.ID, env.AttemptNumber, c.ExternalCampaignID)
		offer, err := a.tracker.CreateOffer(ctx, offerName, msg.TargetURL, idempotencyKey)
		if err != nil {
			return fmt.Errorf("offer creation failed for campaign %s: %w", c.ExternalCampaignID, err)
		}

		bindings = append(bindings, &models.CampaignBinding{
			OrderID:            order.ID,
			ExternalCampaignID: c.ExternalCampaignID,
			OfferID:            offer.ID,
			ClicksRequired:     shares[i],
			BudgetLimit:        order.BudgetLimit,
			Status:             models.BindingStatusActive,
		})
	}

	return a.activate(ctx, order, bindings)
}

// activate writes the bindings (when given) and moves the order to ACTIVE
// atomically, then mirrors the transition onto the bus.
func (a *CampaignAssigner) activate(ctx context.Context, order *models.Order, bindings []*models.CampaignBinding) error {
	oldStatus := order.Status
	err := repository.WithinTransaction(ctx, a.db, func(txCtx context.Context) error {
		if len(bindings) > 0 {
			if err := a.bindingRepo.SaveBatch(txCtx, bindings); err != nil {
				return err
			}
		}
		return a.orderRepo.TransitionStatus(txCtx, order, models.OrderStatusActive, map[string]any{
			"bindings": len(bindings),
		})
	})
	if err != nil {
		return err
	}

	publishStateChange(ctx, a.publisher, a.logger, order, oldStatus, models.OrderStatusActive)
	return nil
}

func (a *CampaignAssigner) alert(ctx context.Context, orderID uint, cause error) {
	if err := a.notifier.NotifyDeadLetter(ctx, bus.TopicOfferAssignment, orderID, cause.Error()); err != nil {
		a.logger.Printf("assigner: dead-letter notification failed for order %d: %v", orderID, err)
	}
}

// distributeClicks splits the click target across the pool proportionally to
// campaign weight. Rounding remainders go to the campaigns with the largest
// fractional share; ties break toward higher priority (lower number).
func distributeClicks(total uint64, campaigns []*models.FixedCampaign) []uint64 {
	sumWeight := 0
	for _, c := range campaigns {
		if c.Weight > 0 {
			sumWeight += c.Weight
		}
	}
	shares := make([]uint64, len(campaigns))
	if sumWeight == 0 || total == 0 {
		return shares
	}

	type fraction struct {
		index     int
		remainder uint64
		priority  int
	}
	fractions := make([]fraction, 0, len(campaigns))

	var assigned uint64
	for i, c := range campaigns {
		weight := c.Weight
		if weight < 0 {
			weight = 0
		}
		exact := total * uint64(weight)
		shares[i] = exact / uint64(sumWeight)
		assigned += shares[i]
		fractions = append(fractions, fraction{
			index:     i,
			remainder: exact % uint64(sumWeight),
			priority:  c.Priority,
		})
	}

	sort.SliceStable(fractions, func(x, y int) bool {
		if fractions[x].remainder != fractions[y].remainder {
			return fractions[x].remainder > fractions[y].remainder
		}
		return fractions[x].priority < fractions[y].priority
	})

	for i := 0; assigned < total; i++ {
		shares[fractions[i%len(fractions)].index]++
		assigned++
	}
	return shares
}

// publishStateChange mirrors an order transition onto order.state.changed.
// The envelope is keyed by the order version so successive transitions of the
// same order are not deduplicated away.
func publishStateChange(ctx context.Context, publisher bus.Publisher, logger *log.Logger, order *models.Order, oldStatus, newStatus models.OrderStatus) {
	env, err := bus.NewEnvelope(order.ID, 1, bus.OrderStateChangedMessage{
		OrderID:   order.ID,
		OldStatus: oldStatus.String(),
		NewStatus: newStatus.String(),
	})
	if err == nil {
		env.AttemptNumber = int(order.Version) + 1
		env.MaxAttempts = env.AttemptNumber
		err = publisher.Publish(ctx, bus.TopicOrderStateChanged, env)
	}
	if err != nil {
		logger.Printf("bus: publish of order.state.changed failed for order %d: %v", order.ID, err)
	}
}
