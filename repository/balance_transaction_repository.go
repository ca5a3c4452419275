package repository

import (
	"context"

	"github.com/mstolbov/viewboost/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceTransactionRepositoryImpl implements BalanceTransactionRepository interface
type BalanceTransactionRepositoryImpl struct {
	*BaseRepository[models.BalanceTransaction, models.BalanceTransactionFilter]
}

// NewBalanceTransactionRepository creates a new ledger log repository
func NewBalanceTransactionRepository(db *gorm.DB) BalanceTransactionRepository {
	return &BalanceTransactionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.BalanceTransaction, models.BalanceTransactionFilter](db),
	}
}

// ListByUser returns ledger entries for a user, newest first
func (r *BalanceTransactionRepositoryImpl) ListByUser(ctx context.Context, userID uint, limit, offset int) ([]*models.BalanceTransaction, error) {
	db := r.getDB(ctx)
	var txs []*models.BalanceTransaction
	query := db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	err := query.Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// SumSignedAmounts folds the full ledger of a user applying the sign of each
// kind. The result must equal the user's balance scalar at all times.
func (r *BalanceTransactionRepositoryImpl) SumSignedAmounts(ctx context.Context, userID uint) (decimal.Decimal, error) {
	db := r.getDB(ctx)
	var txs []*models.BalanceTransaction
	if err := db.Where("user_id = ?", userID).Find(&txs).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Kind.SignedAmount(tx.Amount))
	}
	return total, nil
}

// ByFilter retrieves ledger entries based on filter criteria
func (r *BalanceTransactionRepositoryImpl) ByFilter(ctx context.Context, filter models.BalanceTransactionFilter, orderBy string, limit, offset int) ([]*models.BalanceTransaction, error) {
	db := r.getDB(ctx)
	var txs []*models.BalanceTransaction

	query := db.Model(&models.BalanceTransaction{})
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

	err := query.Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// Count returns the number of ledger entries matching the filter
func (r *BalanceTransactionRepositoryImpl) Count(ctx context.Context, filter models.BalanceTransactionFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64

	query := db.Model(&models.BalanceTransaction{})
	query = r.applyFilter(query, filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any ledger entry matching the filter exists
func (r *BalanceTransactionRepositoryImpl) Exists(ctx context.Context, filter models.BalanceTransactionFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter applies the filter to the query
func (r *BalanceTransactionRepositoryImpl) applyFilter(query *gorm.DB, filter models.BalanceTransactionFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.OrderID != nil {
		query = query.Where("order_id = ?", *filter.OrderID)
	}
	if filter.Kind != nil {
		query = query.Where("kind = ?", *filter.Kind)
	}
	if filter.ReferenceID != nil {
		query = query.Where("reference_id = ?", *filter.ReferenceID)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}
