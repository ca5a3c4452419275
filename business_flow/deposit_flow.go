// Package businessflow contains the core business logic and use cases for deposits
package businessflow

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/mstolbov/viewboost/app/dto"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/mstolbov/viewboost/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DepositFlow credits payment-provider deposits into the ledger
type DepositFlow interface {
	HandleWebhook(ctx context.Context, req *dto.DepositWebhookRequest, metadata *ClientMetadata) (*dto.DepositWebhookResponse, error)
}

// DepositFlowImpl implements the deposit business flow
type DepositFlowImpl struct {
	userRepo    repository.UserRepository
	depositRepo repository.DepositRepository
	auditRepo   repository.AuditLogRepository
	ledger      Ledger
	db          *gorm.DB
	logger      *log.Logger
}

// NewDepositFlow creates a new deposit flow instance
func NewDepositFlow(
	userRepo repository.UserRepository,
	depositRepo repository.DepositRepository,
	auditRepo repository.AuditLogRepository,
	ledger Ledger,
	db *gorm.DB,
	logger *log.Logger,
) DepositFlow {
	return &DepositFlowImpl{
		userRepo:    userRepo,
		depositRepo: depositRepo,
		auditRepo:   auditRepo,
		ledger:      ledger,
		db:          db,
		logger:      logger,
	}
}

// HandleWebhook credits a provider deposit exactly once. The provider
// reference carries the idempotency: a replayed webhook finds the credited
// row and reports success without touching the ledger again.
func (f *DepositFlowImpl) HandleWebhook(ctx context.Context, req *dto.DepositWebhookRequest, metadata *ClientMetadata) (*dto.DepositWebhookResponse, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		return nil, NewBusinessError("DEPOSIT_FAILED", "Deposit amount must be a positive decimal", err)
	}

	user, err := f.userRepo.ByUUID(ctx, req.UserUUID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, NewBusinessError("DEPOSIT_FAILED", "User not found", ErrUserNotFound)
	}

	existing, err := f.depositRepo.ByProviderReference(ctx, req.ProviderReference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		msg := fmt.Sprintf("Duplicate deposit webhook for reference %s ignored", req.ProviderReference)
		_ = createAuditLog(ctx, f.auditRepo, user, models.AuditActionDepositDuplicate, msg, true, nil, metadata)
		return &dto.DepositWebhookResponse{
			Success:     true,
			Message:     "Deposit already credited",
			DepositUUID: existing.UUID.String(),
		}, nil
	}

	var deposit *models.Deposit

	err = repository.WithinTransaction(ctx, f.db, func(txCtx context.Context) error {
		deposit = &models.Deposit{
			UUID:              uuid.New(),
			UserID:            user.ID,
			Amount:            amount,
			ProviderReference: req.ProviderReference,
			Status:            models.DepositStatusPending,
			CreatedAt:         utils.UTCNow(),
			UpdatedAt:         utils.UTCNow(),
		}
		// The unique provider-reference index turns concurrent replays into a
		// constraint violation here, keeping the credit single-shot.
		if err := f.depositRepo.Save(txCtx, deposit); err != nil {
			return err
		}

		if _, err := f.ledger.Credit(txCtx, user.ID, amount, models.BalanceTransactionKindDeposit, req.ProviderReference); err != nil {
			return err
		}

		deposit.Status = models.DepositStatusCredited
		return f.depositRepo.Update(txCtx, deposit)
	})

	if err != nil {
		errMsg := fmt.Sprintf("Deposit credit failed for reference %s: %s", req.ProviderReference, err.Error())
		_ = createAuditLog(ctx, f.auditRepo, user, models.AuditActionDepositCredited, errMsg, false, &errMsg, metadata)
		return nil, NewBusinessError("DEPOSIT_FAILED", "Failed to credit deposit", err)
	}

	msg := fmt.Sprintf("Deposit %s credited %s to user %d", deposit.UUID, amount, user.ID)
	_ = createAuditLog(ctx, f.auditRepo, user, models.AuditActionDepositCredited, msg, true, nil, metadata)

	return &dto.DepositWebhookResponse{
		Success:     true,
		Message:     "Deposit credited",
		DepositUUID: deposit.UUID.String(),
	}, nil
}
