package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/mstolbov/viewboost/app/dto"
	businessflow "github.com/mstolbov/viewboost/business_flow"
)

// WebhookHandlerInterface defines the contract for provider callbacks
type WebhookHandlerInterface interface {
	Deposit(c fiber.Ctx) error
}

// WebhookHandler handles payment provider callbacks
type WebhookHandler struct {
	depositFlow   businessflow.DepositFlow
	webhookSecret string
	validator     *validator.Validate
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(depositFlow businessflow.DepositFlow, webhookSecret string) *WebhookHandler {
	return &WebhookHandler{
		depositFlow:   depositFlow,
		webhookSecret: webhookSecret,
		validator:     validator.New(),
	}
}

func (h *WebhookHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

// Deposit handles the provider's credit callback. The provider reference makes
// the endpoint idempotent; signature verification keeps it honest.
// @Summary Deposit Webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param request body dto.DepositWebhookRequest true "Provider payload"
// @Success 200 {object} dto.DepositWebhookResponse
// @Failure 401 {object} dto.APIResponse "Bad signature"
// @Router /api/v1/webhooks/deposit [post]
func (h *WebhookHandler) Deposit(c fiber.Ctx) error {
	if !h.verifySignature(c) {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid webhook signature", "INVALID_SIGNATURE", nil)
	}

	var req dto.DepositWebhookRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	if requestID := c.Get("X-Request-ID"); requestID != "" {
		metadata.SetRequestID(requestID)
	}

	result, err := h.depositFlow.HandleWebhook(h.createRequestContext(c), &req, metadata)
	if err != nil {
		if businessflow.IsUserNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "User not found", "USER_NOT_FOUND", nil)
		}
		log.Println("Deposit webhook failed", err)
		// Non-2xx makes the provider redeliver; the reference dedups the retry
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process deposit", "DEPOSIT_FAILED", nil)
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// verifySignature checks the provider's HMAC-SHA256 body signature. An empty
// configured secret disables verification (local development).
func (h *WebhookHandler) verifySignature(c fiber.Ctx) bool {
	if h.webhookSecret == "" {
		return true
	}
	signature := c.Get("X-Webhook-Signature")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(c.Body())
	return hmac.Equal([]byte(signature), []byte(hex.EncodeToString(mac.Sum(nil))))
}

func (h *WebhookHandler) createRequestContext(c fiber.Ctx) context.Context {
	return newRequestContext(c, 30*time.Second)
}
