package repository

import (
	"context"
	"errors"

	"time"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// YouTubeAccountRepositoryImpl implements YouTubeAccountRepository interface
type YouTubeAccountRepositoryImpl struct {
	*BaseRepository[models.YouTubeAccount, models.YouTubeAccountFilter]
}

// NewYouTubeAccountRepository creates a new account pool repository
func NewYouTubeAccountRepository(db *gorm.DB) YouTubeAccountRepository {
	return &YouTubeAccountRepositoryImpl{
		BaseRepository: NewBaseRepository[models.YouTubeAccount, models.YouTubeAccountFilter](db),
	}
}

// Reserve picks the least-used eligible account, locks it for the surrounding
// transaction, lazily resets a stale daily counter and increments it. The
// increment happens in the same transaction that reserves the account, so the
// dailyClipsCount <= dailyLimit invariant holds under concurrency.
func (r *YouTubeAccountRepositoryImpl) Reserve(ctx context.Context, now time.Time) (*models.YouTubeAccount, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return nil, err
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

	today := now.UTC().Truncate(24 * time.Hour)

	var account models.YouTubeAccount
	err = db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.YouTubeAccountStatusActive).
		Where("daily_clips_count < daily_limit OR last_clip_date IS NULL OR last_clip_date < ?", today).
		Order("daily_clips_count ASC, last_used_at ASC NULLS FIRST").
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = nil
			return nil, nil
		}
		return nil, err
	}

	// Lazy daily reset
	if account.LastClipDate == nil || account.LastClipDate.UTC().Truncate(24*time.Hour).Before(today) {
		account.DailyClipsCount = 0
	}

	account.DailyClipsCount++
	account.LastClipDate = &today
	account.LastUsedAt = utils.ToPtr(now.UTC())
	account.UpdatedAt = utils.UTCNow()

	if err = db.Save(&account).Error; err != nil {
		return nil, err
	}

	return &account, nil
}

// Update persists the account row
func (r *YouTubeAccountRepositoryImpl) Update(ctx context.Context, account *models.YouTubeAccount) error {
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

	account.UpdatedAt = utils.UTCNow()
	err = db.Save(account).Error
	return err
}

// ByFilter retrieves accounts based on filter criteria
func (r *YouTubeAccountRepositoryImpl) ByFilter(ctx context.Context, filter models.YouTubeAccountFilter, orderBy string, limit, offset int) ([]*models.YouTubeAccount, error) {
	db := r.getDB(ctx)
	var accounts []*models.YouTubeAccount

	query := db.Model(&models.YouTubeAccount{})
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

	err := query.Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// Count returns the number of accounts matching the filter
func (r *YouTubeAccountRepositoryImpl) Count(ctx context.Context, filter models.YouTubeAccountFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.YouTubeAccount{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any account matching the filter exists
func (r *YouTubeAccountRepositoryImpl) Exists(ctx context.Context, filter models.YouTubeAccountFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *YouTubeAccountRepositoryImpl) applyFilter(query *gorm.DB, filter models.YouTubeAccountFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	return query
}
