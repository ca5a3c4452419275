package repository

import (
	"context"
	"errors"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
	"gorm.io/gorm"
)

// VideoProcessingRepositoryImpl implements VideoProcessingRepository interface
type VideoProcessingRepositoryImpl struct {
	*BaseRepository[models.VideoProcessing, models.VideoProcessingFilter]
}

// NewVideoProcessingRepository creates a new video processing repository
func NewVideoProcessingRepository(db *gorm.DB) VideoProcessingRepository {
	return &VideoProcessingRepositoryImpl{
		BaseRepository: NewBaseRepository[models.VideoProcessing, models.VideoProcessingFilter](db),
	}
}

// ByOrderID finds the processing row for an order
func (r *VideoProcessingRepositoryImpl) ByOrderID(ctx context.Context, orderID uint) (*models.VideoProcessing, error) {
	db := r.getDB(ctx)
	var vp models.VideoProcessing
	err := db.Where("order_id = ?", orderID).Last(&vp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &vp, nil
}

// Update persists the current state of the processing row
func (r *VideoProcessingRepositoryImpl) Update(ctx context.Context, vp *models.VideoProcessing) error {
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

	vp.UpdatedAt = utils.UTCNow()
	err = db.Save(vp).Error
	return err
}

// ByFilter retrieves processing rows based on filter criteria
func (r *VideoProcessingRepositoryImpl) ByFilter(ctx context.Context, filter models.VideoProcessingFilter, orderBy string, limit, offset int) ([]*models.VideoProcessing, error) {
	db := r.getDB(ctx)
	var rows []*models.VideoProcessing

	query := db.Model(&models.VideoProcessing{})
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

	err := query.Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns the number of processing rows matching the filter
func (r *VideoProcessingRepositoryImpl) Count(ctx context.Context, filter models.VideoProcessingFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.VideoProcessing{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any processing row matching the filter exists
func (r *VideoProcessingRepositoryImpl) Exists(ctx context.Context, filter models.VideoProcessingFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *VideoProcessingRepositoryImpl) applyFilter(query *gorm.DB, filter models.VideoProcessingFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.OrderID != nil {
		query = query.Where("order_id = ?", *filter.OrderID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	return query
}
