package repository

import (
	"context"
	"errors"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
	"gorm.io/gorm"
)

// DepositRepositoryImpl implements DepositRepository interface
type DepositRepositoryImpl struct {
	*BaseRepository[models.Deposit, models.DepositFilter]
}

// NewDepositRepository creates a new deposit repository
func NewDepositRepository(db *gorm.DB) DepositRepository {
	return &DepositRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Deposit, models.DepositFilter](db),
	}
}

// ByProviderReference finds a deposit by the payment provider's reference.
// Webhook replays hit this before any credit is attempted.
func (r *DepositRepositoryImpl) ByProviderReference(ctx context.Context, ref string) (*models.Deposit, error) {
	db := r.getDB(ctx)
	var deposit models.Deposit
	err := db.Where("provider_reference = ?", ref).First(&deposit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deposit, nil
}

// Update persists the deposit row
func (r *DepositRepositoryImpl) Update(ctx context.Context, deposit *models.Deposit) error {
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

	deposit.UpdatedAt = utils.UTCNow()
	err = db.Save(deposit).Error
	return err
}

// ByFilter retrieves deposits based on filter criteria
func (r *DepositRepositoryImpl) ByFilter(ctx context.Context, filter models.DepositFilter, orderBy string, limit, offset int) ([]*models.Deposit, error) {
	db := r.getDB(ctx)
	var deposits []*models.Deposit

	query := db.Model(&models.Deposit{})
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

	err := query.Find(&deposits).Error
	if err != nil {
		return nil, err
	}
	return deposits, nil
}

// Count returns the number of deposits matching the filter
func (r *DepositRepositoryImpl) Count(ctx context.Context, filter models.DepositFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.Deposit{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any deposit matching the filter exists
func (r *DepositRepositoryImpl) Exists(ctx context.Context, filter models.DepositFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *DepositRepositoryImpl) applyFilter(query *gorm.DB, filter models.DepositFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.ProviderReference != nil {
		query = query.Where("provider_reference = ?", *filter.ProviderReference)
	}
	return query
}
