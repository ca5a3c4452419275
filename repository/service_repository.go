package repository

import (
	"context"
	"errors"

	"github.com/mstolbov/viewboost/models"
	"gorm.io/gorm"
)

// ServiceRepositoryImpl implements ServiceRepository interface
type ServiceRepositoryImpl struct {
	*BaseRepository[models.Service, models.ServiceFilter]
}

// NewServiceRepository creates a new service repository
func NewServiceRepository(db *gorm.DB) ServiceRepository {
	return &ServiceRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Service, models.ServiceFilter](db),
	}
}

// ByUUID finds a service by UUID
func (r *ServiceRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.Service, error) {
	db := r.getDB(ctx)
	var service models.Service
	err := db.Where("uuid = ?", uuid).Last(&service).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &service, nil
}

// ListActive returns all active catalog entries
func (r *ServiceRepositoryImpl) ListActive(ctx context.Context) ([]*models.Service, error) {
	db := r.getDB(ctx)
	var services []*models.Service
	err := db.Where("is_active = ?", true).Order("id ASC").Find(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

// ByFilter retrieves services based on filter criteria
func (r *ServiceRepositoryImpl) ByFilter(ctx context.Context, filter models.ServiceFilter, orderBy string, limit, offset int) ([]*models.Service, error) {
	db := r.getDB(ctx)
	var services []*models.Service

	query := db.Model(&models.Service{})
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

	err := query.Find(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

// Count returns the number of services matching the filter
func (r *ServiceRepositoryImpl) Count(ctx context.Context, filter models.ServiceFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.Service{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any service matching the filter exists
func (r *ServiceRepositoryImpl) Exists(ctx context.Context, filter models.ServiceFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *ServiceRepositoryImpl) applyFilter(query *gorm.DB, filter models.ServiceFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.Category != nil {
		query = query.Where("category = ?", *filter.Category)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}
