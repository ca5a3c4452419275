// Package businessflow contains the core business logic and use cases for order intake
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
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderIntakeFlow handles order placement and retrieval
type OrderIntakeFlow interface {
	PlaceOrder(ctx context.Context, req *dto.CreateOrderRequest, metadata *ClientMetadata) (*dto.CreateOrderResponse, error)
	GetOrder(ctx context.Context, userID uint, orderUUID string) (*dto.OrderDTO, error)
	GetBalance(ctx context.Context, userID uint) (*dto.GetBalanceResponse, error)
}

// OrderIntakeFlowImpl implements the order intake business flow
type OrderIntakeFlowImpl struct {
	userRepo       repository.UserRepository
	serviceRepo    repository.ServiceRepository
	orderRepo      repository.OrderRepository
	orderEventRepo repository.OrderEventRepository
	auditRepo      repository.AuditLogRepository
	ledger         Ledger
	publisher      bus.Publisher
	db             *gorm.DB
	logger         *log.Logger
}

// NewOrderIntakeFlow creates a new order intake flow instance
func NewOrderIntakeFlow(
	userRepo repository.UserRepository,
	serviceRepo repository.ServiceRepository,
	orderRepo repository.OrderRepository,
	orderEventRepo repository.OrderEventRepository,
	auditRepo repository.AuditLogRepository,
	ledger Ledger,
	publisher bus.Publisher,
	db *gorm.DB,
	logger *log.Logger,
) OrderIntakeFlow {
	return &OrderIntakeFlowImpl{
		userRepo:       userRepo,
		serviceRepo:    serviceRepo,
		orderRepo:      orderRepo,
		orderEventRepo: orderEventRepo,
		auditRepo:      auditRepo,
		ledger:         ledger,
		publisher:      publisher,
		db:             db,
		logger:         logger,
	}
}

// PlaceOrder validates the request, debits the user's balance and inserts the
// order inside one transaction, then announces the order on the bus. A failed
// publish is tolerated: the recovery sweep republishes stale PENDING orders.
func (f *OrderIntakeFlowImpl) PlaceOrder(ctx context.Context, req *dto.CreateOrderRequest, metadata *ClientMetadata) (*dto.CreateOrderResponse, error) {
	if f.publisher.Saturated(ctx, bus.TopicOrderCreated) {
		return nil, NewBusinessError("PIPELINE_BUSY", "Order intake is shedding load", ErrBusy)
	}

	var user models.User
	var order *models.Order

	err := repository.WithinTransaction(ctx, f.db, func(txCtx context.Context) error {
		var err error
		user, err = getUser(txCtx, f.userRepo, req.UserID)
		if err != nil {
			return err
		}
		if !user.CanPlaceOrders() {
			if user.AccountLocked != nil && *user.AccountLocked {
				return ErrAccountLocked
			}
			return ErrAccountInactive
		}

		service, err := f.resolveService(txCtx, req.ServiceUUID)
		if err != nil {
			return err
		}
		if !service.QuantityInRange(req.Quantity) {
			return fmt.Errorf("%w: %d not in [%d, %d]",
				ErrQuantityOutOfRange, req.Quantity, service.MinOrderQty, service.MaxOrderQty)
		}
		if service.Category.IsYouTube() {
			if _, err := services.ParseVideoURL(req.Link); err != nil {
				return fmt.Errorf("%w: %v", ErrUnsupportedVideoURL, err)
			}
		}

		var budgetLimit *decimal.Decimal
		if req.BudgetLimit != nil {
			parsed, err := decimal.NewFromString(*req.BudgetLimit)
			if err != nil || parsed.Sign() <= 0 {
				return NewBusinessError("INVALID_BUDGET_LIMIT", "Budget limit must be a positive decimal", err)
			}
			budgetLimit = &parsed
		}

		charge := service.ChargeFor(req.Quantity)

		order = &models.Order{
			UUID:          uuid.New(),
			UserID:        user.ID,
			ServiceID:     service.ID,
			Link:          req.Link,
			Quantity:      req.Quantity,
			Charge:        charge,
			Remains:       req.Quantity,
			Status:        models.OrderStatusPending,
			TrafficStatus: models.TrafficStatusNone,
			TargetCountry: req.TargetCountry,
			BudgetLimit:   budgetLimit,
			CreatedAt:     utils.UTCNow(),
			UpdatedAt:     utils.UTCNow(),
		}

		if _, err := f.ledger.Debit(txCtx, user.ID, charge, models.BalanceTransactionKindOrderPayment, order.UUID.String()); err != nil {
			return err
		}

		if err := f.orderRepo.Save(txCtx, order); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]any{
			"service_uuid": service.UUID.String(),
			"charge":       charge.String(),
		})
		event := &models.OrderEvent{
			OrderID:   order.ID,
			Type:      models.OrderEventTypeCreated,
			NewStatus: utils.ToPtr(models.OrderStatusPending),
			Payload:   payload,
		}
		return f.orderEventRepo.Save(txCtx, event)
	})

	if err != nil {
		errMsg := fmt.Sprintf("Order placement failed for user %d: %s", req.UserID, err.Error())
		_ = createAuditLog(ctx, f.auditRepo, &user, models.AuditActionOrderCreateFailed, errMsg, false, &errMsg, metadata)
		return nil, NewBusinessError("ORDER_CREATE_FAILED", "Failed to place order", err)
	}

	f.announce(ctx, order, &user)

	msg := fmt.Sprintf("Order %s placed by user %d: qty=%d charge=%s", order.UUID, user.ID, order.Quantity, order.Charge)
	_ = createAuditLog(ctx, f.auditRepo, &user, models.AuditActionOrderCreated, msg, true, nil, metadata)

	return &dto.CreateOrderResponse{
		Success: true,
		Message: "Order placed successfully",
		Order:   ToOrderDTO(*order),
	}, nil
}

// GetOrder returns one of the caller's orders by UUID
func (f *OrderIntakeFlowImpl) GetOrder(ctx context.Context, userID uint, orderUUID string) (*dto.OrderDTO, error) {
	order, err := f.orderRepo.ByUUID(ctx, orderUUID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	d := ToOrderDTO(*order)
	return &d, nil
}

// GetBalance returns the caller's current ledger balance
func (f *OrderIntakeFlowImpl) GetBalance(ctx context.Context, userID uint) (*dto.GetBalanceResponse, error) {
	balance, err := f.ledger.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &dto.GetBalanceResponse{
		Balance:  balance.String(),
		Currency: utils.USDCurrency,
	}, nil
}

func (f *OrderIntakeFlowImpl) resolveService(ctx context.Context, serviceUUID string) (*models.Service, error) {
	service, err := f.serviceRepo.ByUUID(ctx, serviceUUID)
	if err != nil {
		return nil, err
	}
	if service == nil {
		return nil, ErrServiceNotFound
	}
	if service.IsActive != nil && !*service.IsActive {
		return nil, ErrServiceInactive
	}
	return service, nil
}

// announce publishes order.created; errors are logged, not surfaced
func (f *OrderIntakeFlowImpl) announce(ctx context.Context, order *models.Order, user *models.User) {
	env, err := bus.NewEnvelope(order.ID, user.MaxPipelineAttempts(), bus.OrderCreatedMessage{
		OrderID:   order.ID,
		OrderUUID: order.UUID.String(),
		UserID:    order.UserID,
		ServiceID: order.ServiceID,
		Link:      order.Link,
		Quantity:  order.Quantity,
		IsRefill:  order.IsRefillOrder(),
	})
	if err == nil {
		err = f.publisher.Publish(ctx, bus.TopicOrderCreated, env)
	}
	if err != nil {
		f.logger.Printf("intake: publish of order.created failed for order %d, recovery sweep will republish: %v", order.ID, err)
	}
}
