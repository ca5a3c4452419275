package repository

import (
	"context"

	"github.com/mstolbov/viewboost/models"
	"gorm.io/gorm"
)

// OrderEventRepositoryImpl implements OrderEventRepository interface
type OrderEventRepositoryImpl struct {
	*BaseRepository[models.OrderEvent, models.OrderEventFilter]
}

// NewOrderEventRepository creates a new order event repository
func NewOrderEventRepository(db *gorm.DB) OrderEventRepository {
	return &OrderEventRepositoryImpl{
		BaseRepository: NewBaseRepository[models.OrderEvent, models.OrderEventFilter](db),
	}
}

// ListByOrder returns history rows for an order, oldest first
func (r *OrderEventRepositoryImpl) ListByOrder(ctx context.Context, orderID uint, limit, offset int) ([]*models.OrderEvent, error) {
	db := r.getDB(ctx)
	var events []*models.OrderEvent
	query := db.Where("order_id = ?", orderID).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	err := query.Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ByFilter retrieves order events based on filter criteria
func (r *OrderEventRepositoryImpl) ByFilter(ctx context.Context, filter models.OrderEventFilter, orderBy string, limit, offset int) ([]*models.OrderEvent, error) {
	db := r.getDB(ctx)
	var events []*models.OrderEvent

	query := db.Model(&models.OrderEvent{})
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

	err := query.Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Count returns the number of events matching the filter
func (r *OrderEventRepositoryImpl) Count(ctx context.Context, filter models.OrderEventFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.OrderEvent{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any event matching the filter exists
func (r *OrderEventRepositoryImpl) Exists(ctx context.Context, filter models.OrderEventFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *OrderEventRepositoryImpl) applyFilter(query *gorm.DB, filter models.OrderEventFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.OrderID != nil {
		query = query.Where("order_id = ?", *filter.OrderID)
	}
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}
