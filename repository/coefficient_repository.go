package repository

import (
	"context"
	"errors"

	"github.com/mstolbov/viewboost/models"
	"gorm.io/gorm"
)

// CoefficientRepositoryImpl implements CoefficientRepository interface
type CoefficientRepositoryImpl struct {
	*BaseRepository[models.CoefficientEntry, models.CoefficientFilter]
}

// NewCoefficientRepository creates a new coefficient repository
func NewCoefficientRepository(db *gorm.DB) CoefficientRepository {
	return &CoefficientRepositoryImpl{
		BaseRepository: NewBaseRepository[models.CoefficientEntry, models.CoefficientFilter](db),
	}
}

// ByServiceAndMode finds the multiplier for a service and clip mode
func (r *CoefficientRepositoryImpl) ByServiceAndMode(ctx context.Context, serviceID uint, mode models.ClipMode) (*models.CoefficientEntry, error) {
	db := r.getDB(ctx)
	var entry models.CoefficientEntry
	err := db.Where("service_id = ? AND mode = ?", serviceID, mode).Last(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ByFilter retrieves coefficient entries based on filter criteria
func (r *CoefficientRepositoryImpl) ByFilter(ctx context.Context, filter models.CoefficientFilter, orderBy string, limit, offset int) ([]*models.CoefficientEntry, error) {
	db := r.getDB(ctx)
	var entries []*models.CoefficientEntry

	query := db.Model(&models.CoefficientEntry{})
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

	err := query.Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the number of entries matching the filter
func (r *CoefficientRepositoryImpl) Count(ctx context.Context, filter models.CoefficientFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.CoefficientEntry{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any entry matching the filter exists
func (r *CoefficientRepositoryImpl) Exists(ctx context.Context, filter models.CoefficientFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *CoefficientRepositoryImpl) applyFilter(query *gorm.DB, filter models.CoefficientFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.ServiceID != nil {
		query = query.Where("service_id = ?", *filter.ServiceID)
	}
	if filter.Mode != nil {
		query = query.Where("mode = ?", *filter.Mode)
	}
	return query
}
