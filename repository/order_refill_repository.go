package repository

import (
	"context"
	"errors"

	"github.com/mstolbov/viewboost/models"
	"gorm.io/gorm"
)

// OrderRefillRepositoryImpl implements OrderRefillRepository interface
type OrderRefillRepositoryImpl struct {
	*BaseRepository[models.OrderRefill, models.OrderRefillFilter]
}

// NewOrderRefillRepository creates a new refill audit repository
func NewOrderRefillRepository(db *gorm.DB) OrderRefillRepository {
	return &OrderRefillRepositoryImpl{
		BaseRepository: NewBaseRepository[models.OrderRefill, models.OrderRefillFilter](db),
	}
}

// ListByParent returns the refill audit rows of a parent order in order
func (r *OrderRefillRepositoryImpl) ListByParent(ctx context.Context, parentID uint) ([]*models.OrderRefill, error) {
	db := r.getDB(ctx)
	var refills []*models.OrderRefill
	err := db.Where("original_order_id = ?", parentID).Order("refill_number ASC").Find(&refills).Error
	if err != nil {
		return nil, err
	}
	return refills, nil
}

// MaxRefillNumber returns the highest refill number recorded for a parent, 0 when none
func (r *OrderRefillRepositoryImpl) MaxRefillNumber(ctx context.Context, parentID uint) (int, error) {
	db := r.getDB(ctx)
	var max *int
	err := db.Model(&models.OrderRefill{}).
		Where("original_order_id = ?", parentID).
		Select("MAX(refill_number)").Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// LatestByParent returns the newest refill audit row of a parent, nil when none
func (r *OrderRefillRepositoryImpl) LatestByParent(ctx context.Context, parentID uint) (*models.OrderRefill, error) {
	db := r.getDB(ctx)
	var refill models.OrderRefill
	err := db.Where("original_order_id = ?", parentID).
		Order("refill_number DESC").First(&refill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &refill, nil
}

// ByFilter retrieves refill audit rows based on filter criteria
func (r *OrderRefillRepositoryImpl) ByFilter(ctx context.Context, filter models.OrderRefillFilter, orderBy string, limit, offset int) ([]*models.OrderRefill, error) {
	db := r.getDB(ctx)
	var refills []*models.OrderRefill

	query := db.Model(&models.OrderRefill{})
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

	err := query.Find(&refills).Error
	if err != nil {
		return nil, err
	}
	return refills, nil
}

// Count returns the number of refill audit rows matching the filter
func (r *OrderRefillRepositoryImpl) Count(ctx context.Context, filter models.OrderRefillFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.OrderRefill{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any refill audit row matching the filter exists
func (r *OrderRefillRepositoryImpl) Exists(ctx context.Context, filter models.OrderRefillFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *OrderRefillRepositoryImpl) applyFilter(query *gorm.DB, filter models.OrderRefillFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.OriginalOrderID != nil {
		query = query.Where("original_order_id = ?", *filter.OriginalOrderID)
	}
	if filter.RefillOrderID != nil {
		query = query.Where("refill_order_id = ?", *filter.RefillOrderID)
	}
	return query
}
