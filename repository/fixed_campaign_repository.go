package repository

import (
	"context"

	"github.com/mstolbov/viewboost/models"
	"gorm.io/gorm"
)

// FixedCampaignRepositoryImpl implements FixedCampaignRepository interface
type FixedCampaignRepositoryImpl struct {
	*BaseRepository[models.FixedCampaign, models.FixedCampaignFilter]
}

// NewFixedCampaignRepository creates a new campaign pool repository
func NewFixedCampaignRepository(db *gorm.DB) FixedCampaignRepository {
	return &FixedCampaignRepositoryImpl{
		BaseRepository: NewBaseRepository[models.FixedCampaign, models.FixedCampaignFilter](db),
	}
}

// ListActive returns the active campaign pool ordered by priority
func (r *FixedCampaignRepositoryImpl) ListActive(ctx context.Context) ([]*models.FixedCampaign, error) {
	db := r.getDB(ctx)
	var campaigns []*models.FixedCampaign
	err := db.Where("is_active = ?", true).Order("priority ASC, id ASC").Find(&campaigns).Error
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

// ByFilter retrieves campaigns based on filter criteria
func (r *FixedCampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.FixedCampaignFilter, orderBy string, limit, offset int) ([]*models.FixedCampaign, error) {
	db := r.getDB(ctx)
	var campaigns []*models.FixedCampaign

	query := db.Model(&models.FixedCampaign{})
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

	err := query.Find(&campaigns).Error
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

// Count returns the number of campaigns matching the filter
func (r *FixedCampaignRepositoryImpl) Count(ctx context.Context, filter models.FixedCampaignFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.FixedCampaign{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any campaign matching the filter exists
func (r *FixedCampaignRepositoryImpl) Exists(ctx context.Context, filter models.FixedCampaignFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *FixedCampaignRepositoryImpl) applyFilter(query *gorm.DB, filter models.FixedCampaignFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.ExternalCampaignID != nil {
		query = query.Where("external_campaign_id = ?", *filter.ExternalCampaignID)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	return query
}
