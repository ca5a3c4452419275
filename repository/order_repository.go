package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidTransition is returned when a status change violates the order
// status graph.
var ErrInvalidTransition = errors.New("invalid order status transition")

// OrderRepositoryImpl implements OrderRepository interface
type OrderRepositoryImpl struct {
	*BaseRepository[models.Order, models.OrderFilter]
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &OrderRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Order, models.OrderFilter](db),
	}
}

// ByUUID finds an order by UUID
func (r *OrderRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.Order, error) {
	db := r.getDB(ctx)
	var order models.Order
	err := db.Where("uuid = ?", uuid).Last(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ByIDForUpdate locks the order row inside the surrounding transaction
func (r *OrderRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.Order, error) {
	db := r.getDB(ctx)
	var order models.Order
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Last(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// TransitionStatus validates against the status graph and writes the order
// update plus the OrderEvent row atomically.
func (r *OrderRepositoryImpl) TransitionStatus(ctx context.Context, order *models.Order, newStatus models.OrderStatus, payload map[string]any) error {
	if !order.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s -> %s (order %d)", ErrInvalidTransition, order.Status, newStatus, order.ID)
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}

	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	oldStatus := order.Status
	order.Status = newStatus
	order.UpdatedAt = utils.UTCNow()

	res := db.Model(&models.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]any{
			"status":     newStatus,
			"version":    gorm.Expr("version + 1"),
			"updated_at": order.UpdatedAt,
		})
	if res.Error != nil {
		err = res.Error
		order.Status = oldStatus
		return res.Error
	}
	if res.RowsAffected == 0 {
		order.Status = oldStatus
		err = ErrVersionConflict
		return err
	}
	order.Version++

	raw := json.RawMessage(`{}`)
	if len(payload) > 0 {
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal order event payload: %w", err)
		}
	}

	event := &models.OrderEvent{
		OrderID:   order.ID,
		Type:      models.OrderEventTypeStatusChanged,
		OldStatus: &oldStatus,
		NewStatus: &newStatus,
		Payload:   raw,
		CreatedAt: utils.UTCNow(),
	}
	if err = db.Create(event).Error; err != nil {
		return fmt.Errorf("failed to write order event: %w", err)
	}

	return nil
}

// ErrVersionConflict is returned when an optimistic update lost the race
var ErrVersionConflict = errors.New("order version conflict")

// UpdateConditional writes counters and metadata only when the version still
// matches the one the caller observed.
func (r *OrderRepositoryImpl) UpdateConditional(ctx context.Context, order *models.Order, expectedVersion int64) (bool, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}

	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	order.UpdatedAt = utils.UTCNow()
	res := db.Model(&models.Order{}).
		Where("id = ? AND version = ?", order.ID, expectedVersion).
		Updates(map[string]any{
			"start_count":      order.StartCount,
			"remains":          order.Remains,
			"views_delivered":  order.ViewsDelivered,
			"traffic_status":   order.TrafficStatus,
			"youtube_video_id": order.YouTubeVideoID,
			"coefficient":      order.Coefficient,
			"cost_incurred":    order.CostIncurred,
			"version":          gorm.Expr("version + 1"),
			"updated_at":       order.UpdatedAt,
		})
	if res.Error != nil {
		err = res.Error
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		order.Version = expectedVersion + 1
		return true, nil
	}
	return false, nil
}

// ListByStatuses returns orders in any of the given statuses, oldest first
func (r *OrderRepositoryImpl) ListByStatuses(ctx context.Context, statuses []models.OrderStatus, limit, offset int) ([]*models.Order, error) {
	db := r.getDB(ctx)
	var orders []*models.Order
	query := db.Where("status IN ?", statuses).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	err := query.Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ListStalePending returns PENDING orders older than the cutoff for the
// recovery sweep.
func (r *OrderRepositoryImpl) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	db := r.getDB(ctx)
	var orders []*models.Order
	query := db.Where("status = ? AND created_at < ?", models.OrderStatusPending, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// CountRefillChildren counts refill children of a parent order
func (r *OrderRepositoryImpl) CountRefillChildren(ctx context.Context, parentID uint) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	err := db.Model(&models.Order{}).
		Where("refill_parent_id = ?", parentID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListRefillChildren returns the refill children of a parent order
func (r *OrderRepositoryImpl) ListRefillChildren(ctx context.Context, parentID uint) ([]*models.Order, error) {
	db := r.getDB(ctx)
	var orders []*models.Order
	err := db.Where("refill_parent_id = ?", parentID).Order("created_at ASC").Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ByFilter retrieves orders based on filter criteria
func (r *OrderRepositoryImpl) ByFilter(ctx context.Context, filter models.OrderFilter, orderBy string, limit, offset int) ([]*models.Order, error) {
	db := r.getDB(ctx)
	var orders []*models.Order

	query := db.Model(&models.Order{})
	query = r.applyFilter(query, filter)

	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	err := query.Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// Count returns the number of orders matching the filter
func (r *OrderRepositoryImpl) Count(ctx context.Context, filter models.OrderFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.Order{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any order matching the filter exists
func (r *OrderRepositoryImpl) Exists(ctx context.Context, filter models.OrderFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *OrderRepositoryImpl) applyFilter(query *gorm.DB, filter models.OrderFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.ServiceID != nil {
		query = query.Where("service_id = ?", *filter.ServiceID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.IsRefill != nil {
		query = query.Where("is_refill = ?", *filter.IsRefill)
	}
	if filter.RefillParentID != nil {
		query = query.Where("refill_parent_id = ?", *filter.RefillParentID)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}
