// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/mstolbov/viewboost/models"
	"github.com/shopspring/decimal"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// UserRepository defines operations for panel users
type UserRepository interface {
	Repository[models.User, models.UserFilter]
	ByUUID(ctx context.Context, uuid string) (*models.User, error)
	ByUsername(ctx context.Context, username string) (*models.User, error)
	ByAPIKeyDigest(ctx context.Context, digest string) (*models.User, error)
	// UpdateBalanceConditional performs the optimistic-concurrency balance write:
	// it succeeds only when the row still carries expectedVersion, in which case
	// the balance is replaced and the version incremented. Returns false when
	// the version moved underneath the caller.
	UpdateBalanceConditional(ctx context.Context, userID uint, expectedVersion int64, newBalance, spentDelta decimal.Decimal) (bool, error)
}

// ServiceRepository defines operations for the product catalog
type ServiceRepository interface {
	Repository[models.Service, models.ServiceFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Service, error)
	ListActive(ctx context.Context) ([]*models.Service, error)
}

// CoefficientRepository defines operations for per-service click/view multipliers
type CoefficientRepository interface {
	Repository[models.CoefficientEntry, models.CoefficientFilter]
	ByServiceAndMode(ctx context.Context, serviceID uint, mode models.ClipMode) (*models.CoefficientEntry, error)
}

// OrderRepository defines operations for orders and their events
type OrderRepository interface {
	Repository[models.Order, models.OrderFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Order, error)
	// ByIDForUpdate locks the order row for the duration of the surrounding
	// transaction (refill serialization).
	ByIDForUpdate(ctx context.Context, id uint) (*models.Order, error)
	// TransitionStatus validates the transition against the status graph and
	// writes the order update plus an OrderEvent atomically.
	TransitionStatus(ctx context.Context, order *models.Order, newStatus models.OrderStatus, payload map[string]any) error
	// UpdateConditional writes the order only when the version still matches;
	// reports false on a lost race.
	UpdateConditional(ctx context.Context, order *models.Order, expectedVersion int64) (bool, error)
	ListByStatuses(ctx context.Context, statuses []models.OrderStatus, limit, offset int) ([]*models.Order, error)
	// ListStalePending returns PENDING orders older than the given age, for the
	// recovery sweep that republishes lost order.created messages.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error)
	CountRefillChildren(ctx context.Context, parentID uint) (int64, error)
	ListRefillChildren(ctx context.Context, parentID uint) ([]*models.Order, error)
}

// OrderEventRepository defines operations for the append-only order history
type OrderEventRepository interface {
	Repository[models.OrderEvent, models.OrderEventFilter]
	ListByOrder(ctx context.Context, orderID uint, limit, offset int) ([]*models.OrderEvent, error)
}

// BalanceTransactionRepository defines operations for the append-only ledger log
type BalanceTransactionRepository interface {
	Repository[models.BalanceTransaction, models.BalanceTransactionFilter]
	ListByUser(ctx context.Context, userID uint, limit, offset int) ([]*models.BalanceTransaction, error)
	SumSignedAmounts(ctx context.Context, userID uint) (decimal.Decimal, error)
}

// VideoProcessingRepository defines operations for video worker sub-state
type VideoProcessingRepository interface {
	Repository[models.VideoProcessing, models.VideoProcessingFilter]
	ByOrderID(ctx context.Context, orderID uint) (*models.VideoProcessing, error)
	Update(ctx context.Context, vp *models.VideoProcessing) error
}

// YouTubeAccountRepository defines operations for the clip-account pool
type YouTubeAccountRepository interface {
	Repository[models.YouTubeAccount, models.YouTubeAccountFilter]
	// Reserve picks the least-used active account with daily quota remaining,
	// locks it, lazily resets a stale counter and increments it, all in the
	// surrounding transaction. Returns nil when no account is eligible.
	Reserve(ctx context.Context, now time.Time) (*models.YouTubeAccount, error)
	Update(ctx context.Context, account *models.YouTubeAccount) error
}

// FixedCampaignRepository defines operations for the configured campaign pool
type FixedCampaignRepository interface {
	Repository[models.FixedCampaign, models.FixedCampaignFilter]
	ListActive(ctx context.Context) ([]*models.FixedCampaign, error)
}

// CampaignBindingRepository defines operations for per-order campaign bindings
type CampaignBindingRepository interface {
	Repository[models.CampaignBinding, models.CampaignBindingFilter]
	ListByOrder(ctx context.Context, orderID uint) ([]*models.CampaignBinding, error)
	ListActiveByOrder(ctx context.Context, orderID uint) ([]*models.CampaignBinding, error)
	Update(ctx context.Context, binding *models.CampaignBinding) error
}

// OrderRefillRepository defines operations for refill audit rows
type OrderRefillRepository interface {
	Repository[models.OrderRefill, models.OrderRefillFilter]
	ListByParent(ctx context.Context, parentID uint) ([]*models.OrderRefill, error)
	MaxRefillNumber(ctx context.Context, parentID uint) (int, error)
	LatestByParent(ctx context.Context, parentID uint) (*models.OrderRefill, error)
}

// ReconciliationRunRepository defines operations for reconciler audit rows
type ReconciliationRunRepository interface {
	Repository[models.ReconciliationRun, struct{}]
	Update(ctx context.Context, run *models.ReconciliationRun) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Repository[models.AuditLog, models.AuditLogFilter]
	ListByUser(ctx context.Context, userID uint, limit, offset int) ([]*models.AuditLog, error)
}

// AdminRepository defines operations for operator accounts
type AdminRepository interface {
	Repository[models.Admin, models.AdminFilter]
	ByUsername(ctx context.Context, username string) (*models.Admin, error)
	Update(ctx context.Context, admin *models.Admin) error
}

// DepositRepository defines operations for payment-provider deposits
type DepositRepository interface {
	Repository[models.Deposit, models.DepositFilter]
	ByProviderReference(ctx context.Context, ref string) (*models.Deposit, error)
	Update(ctx context.Context, deposit *models.Deposit) error
}
