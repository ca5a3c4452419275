// Package businessflow contains the business logic for the application.
package businessflow

import (
	"context"
	"time"

	"github.com/mstolbov/viewboost/app/dto"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/mstolbov/viewboost/utils"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds all client-related information for audit logging
type ClientMetadata struct {
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent"`
	RequestID  string            `json:"request_id,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Additional: make(map[string]string),
	}
}

// AddAdditional adds additional custom information to the metadata
func (cm *ClientMetadata) AddAdditional(key, value string) {
	if cm.Additional == nil {
		cm.Additional = make(map[string]string)
	}
	cm.Additional[key] = value
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// getUser loads a user by ID and maps a missing row to ErrUserNotFound
func getUser(ctx context.Context, userRepo repository.UserRepository, userID uint) (models.User, error) {
	user, err := userRepo.ByID(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	if user == nil {
		return models.User{}, ErrUserNotFound
	}
	return *user, nil
}

// createAuditLog records an audit row; failures are intentionally ignored by
// callers so auditing never blocks the main flow.
func createAuditLog(ctx context.Context, auditRepo repository.AuditLogRepository, user *models.User, action, description string, success bool, errorMsg *string, metadata *ClientMetadata) error {
	var userID *uint
	if user != nil {
		userID = &user.ID
	}

	ipAddress := "127.0.0.1"
	userAgent := ""
	if metadata != nil {
		ipAddress = metadata.IPAddress
		userAgent = metadata.UserAgent
	}

	audit := &models.AuditLog{
		UserID:       userID,
		Action:       action,
		Description:  &description,
		Success:      utils.ToPtr(success),
		IPAddress:    &ipAddress,
		UserAgent:    &userAgent,
		ErrorMessage: errorMsg,
	}

	// Extract request ID from context if available
	requestID := ctx.Value(RequestIDKey)
	if requestID != nil {
		requestIDStr, ok := requestID.(string)
		if ok {
			audit.RequestID = &requestIDStr
		}
	}

	return auditRepo.Save(ctx, audit)
}

// ToOrderDTO converts an order model to its API representation
func ToOrderDTO(order models.Order) dto.OrderDTO {
	d := dto.OrderDTO{
		UUID:           order.UUID.String(),
		Link:           order.Link,
		Quantity:       order.Quantity,
		Charge:         order.Charge.String(),
		StartCount:     order.StartCount,
		Remains:        order.Remains,
		ViewsDelivered: order.ViewsDelivered,
		Status:         string(order.Status),
		TrafficStatus:  string(order.TrafficStatus),
		Coefficient:    order.Coefficient,
		IsRefill:       order.IsRefillOrder(),
		CreatedAt:      order.CreatedAt.Format(time.RFC3339),
	}
	if order.TargetCountry != nil {
		d.TargetCountry = *order.TargetCountry
	}
	if order.BudgetLimit != nil {
		d.BudgetLimit = order.BudgetLimit.String()
	}
	return d
}
