package repository

import (
	"context"
	"time"

	"github.com/mstolbov/viewboost/models"
	"gorm.io/gorm"
)

// ReconciliationRunRepositoryImpl implements ReconciliationRunRepository interface
type ReconciliationRunRepositoryImpl struct {
	*BaseRepository[models.ReconciliationRun, struct{}]
}

// NewReconciliationRunRepository creates a new reconciler audit repository
func NewReconciliationRunRepository(db *gorm.DB) ReconciliationRunRepository {
	return &ReconciliationRunRepositoryImpl{
		BaseRepository: NewBaseRepository[models.ReconciliationRun, struct{}](db),
	}
}

// Update persists the run row
func (r *ReconciliationRunRepositoryImpl) Update(ctx context.Context, run *models.ReconciliationRun) error {
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

	err = db.Save(run).Error
	return err
}

// DeleteOlderThan removes run rows started before the cutoff and reports how
// many were removed.
func (r *ReconciliationRunRepositoryImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return 0, err
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

	result := db.Where("started_at < ?", cutoff).Delete(&models.ReconciliationRun{})
	if result.Error != nil {
		err = result.Error
		return 0, err
	}
	return result.RowsAffected, nil
}

// ByFilter retrieves run rows, newest first
func (r *ReconciliationRunRepositoryImpl) ByFilter(ctx context.Context, _ struct{}, orderBy string, limit, offset int) ([]*models.ReconciliationRun, error) {
	db := r.getDB(ctx)
	var runs []*models.ReconciliationRun

	query := db.Model(&models.ReconciliationRun{})
	if orderBy != "" {
		query = query.Order(orderBy)
	} else {
		query = query.Order("started_at DESC")
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	err := query.Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Count returns the total number of run rows
func (r *ReconciliationRunRepositoryImpl) Count(ctx context.Context, _ struct{}) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	err := db.Model(&models.ReconciliationRun{}).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any run row exists
func (r *ReconciliationRunRepositoryImpl) Exists(ctx context.Context, filter struct{}) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
