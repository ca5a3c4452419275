package repository

import (
	"context"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
	"gorm.io/gorm"
)

// CampaignBindingRepositoryImpl implements CampaignBindingRepository interface
type CampaignBindingRepositoryImpl struct {
	*BaseRepository[models.CampaignBinding, models.CampaignBindingFilter]
}

// NewCampaignBindingRepository creates a new binding repository
func NewCampaignBindingRepository(db *gorm.DB) CampaignBindingRepository {
	return &CampaignBindingRepositoryImpl{
		BaseRepository: NewBaseRepository[models.CampaignBinding, models.CampaignBindingFilter](db),
	}
}

// ListByOrder returns all bindings of an order
func (r *CampaignBindingRepositoryImpl) ListByOrder(ctx context.Context, orderID uint) ([]*models.CampaignBinding, error) {
	db := r.getDB(ctx)
	var bindings []*models.CampaignBinding
	err := db.Where("order_id = ?", orderID).Order("id ASC").Find(&bindings).Error
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

// ListActiveByOrder returns the bindings of an order the reconciler still polls
func (r *CampaignBindingRepositoryImpl) ListActiveByOrder(ctx context.Context, orderID uint) ([]*models.CampaignBinding, error) {
	db := r.getDB(ctx)
	var bindings []*models.CampaignBinding
	err := db.Where("order_id = ? AND status = ?", orderID, models.BindingStatusActive).
		Order("id ASC").Find(&bindings).Error
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

// Update persists the binding row
func (r *CampaignBindingRepositoryImpl) Update(ctx context.Context, binding *models.CampaignBinding) error {
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

	binding.UpdatedAt = utils.UTCNow()
	err = db.Save(binding).Error
	return err
}

// ByFilter retrieves bindings based on filter criteria
func (r *CampaignBindingRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignBindingFilter, orderBy string, limit, offset int) ([]*models.CampaignBinding, error) {
	db := r.getDB(ctx)
	var bindings []*models.CampaignBinding

	query := db.Model(&models.CampaignBinding{})
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

	err := query.Find(&bindings).Error
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

// Count returns the number of bindings matching the filter
func (r *CampaignBindingRepositoryImpl) Count(ctx context.Context, filter models.CampaignBindingFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.CampaignBinding{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any binding matching the filter exists
func (r *CampaignBindingRepositoryImpl) Exists(ctx context.Context, filter models.CampaignBindingFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *CampaignBindingRepositoryImpl) applyFilter(query *gorm.DB, filter models.CampaignBindingFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.OrderID != nil {
		query = query.Where("order_id = ?", *filter.OrderID)
	}
	if filter.ExternalCampaignID != nil {
		query = query.Where("external_campaign_id = ?", *filter.ExternalCampaignID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	return query
}
