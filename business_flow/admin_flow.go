// Package businessflow contains the core business logic and use cases for admin authentication
package businessflow

import (
	"context"
	"fmt"
	"log"

	"github.com/mstolbov/viewboost/app/dto"
	"github.com/mstolbov/viewboost/app/services"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/mstolbov/viewboost/utils"
	"golang.org/x/crypto/bcrypt"
)

// AdminFlow authenticates back-office operators
type AdminFlow interface {
	Login(ctx context.Context, req *dto.AdminLoginRequest, metadata *ClientMetadata) (*dto.AdminLoginResponse, error)
}

// AdminFlowImpl implements the admin authentication flow
type AdminFlowImpl struct {
	adminRepo    repository.AdminRepository
	auditRepo    repository.AuditLogRepository
	tokenService services.TokenService
	logger       *log.Logger
}

// NewAdminFlow creates a new admin flow instance
func NewAdminFlow(
	adminRepo repository.AdminRepository,
	auditRepo repository.AuditLogRepository,
	tokenService services.TokenService,
	logger *log.Logger,
) AdminFlow {
	return &AdminFlowImpl{
		adminRepo:    adminRepo,
		auditRepo:    auditRepo,
		tokenService: tokenService,
		logger:       logger,
	}
}

// Login verifies the operator credentials and issues a JWT access token
func (f *AdminFlowImpl) Login(ctx context.Context, req *dto.AdminLoginRequest, metadata *ClientMetadata) (*dto.AdminLoginResponse, error) {
	admin, err := f.adminRepo.ByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if admin == nil {
		f.auditFailure(ctx, req.Username, ErrAdminNotFound, metadata)
		return nil, NewBusinessError("ADMIN_LOGIN_FAILED", "Invalid credentials", ErrAdminNotFound)
	}
	if admin.IsActive != nil && !*admin.IsActive {
		f.auditFailure(ctx, req.Username, ErrAccountInactive, metadata)
		return nil, NewBusinessError("ADMIN_LOGIN_FAILED", "Account is inactive", ErrAccountInactive)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)); err != nil {
		f.auditFailure(ctx, req.Username, ErrIncorrectPassword, metadata)
		return nil, NewBusinessError("ADMIN_LOGIN_FAILED", "Invalid credentials", ErrIncorrectPassword)
	}

	token, err := f.tokenService.GenerateAccessToken(admin.ID, admin.UUID.String())
	if err != nil {
		return nil, NewBusinessError("ADMIN_LOGIN_FAILED", "Failed to issue token", err)
	}

	admin.LastLoginAt = utils.UTCNowPtr()
	if err := f.adminRepo.Update(ctx, admin); err != nil {
		f.logger.Printf("admin: failed to record login time for %s: %v", admin.Username, err)
	}

	msg := fmt.Sprintf("Admin %s logged in", admin.Username)
	_ = createAuditLog(ctx, f.auditRepo, nil, models.AuditActionAdminLogin, msg, true, nil, metadata)

	return &dto.AdminLoginResponse{
		Success:     true,
		Message:     "Login successful",
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   utils.AccessTokenTTLSeconds,
	}, nil
}

func (f *AdminFlowImpl) auditFailure(ctx context.Context, username string, cause error, metadata *ClientMetadata) {
	errMsg := fmt.Sprintf("Admin login failed for %s: %v", username, cause)
	_ = createAuditLog(ctx, f.auditRepo, nil, models.AuditActionAdminLoginFailed, errMsg, false, &errMsg, metadata)
}
