package handlers

import (
	"context"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/mstolbov/viewboost/app/dto"
	businessflow "github.com/mstolbov/viewboost/business_flow"
)

// AdminHandlerInterface defines the contract for operator handlers
type AdminHandlerInterface interface {
	Login(c fiber.Ctx) error
	CreateRefill(c fiber.Ctx) error
}

// AdminHandler handles operator HTTP requests
type AdminHandler struct {
	adminFlow  businessflow.AdminFlow
	refillFlow businessflow.RefillFlow
	validator  *validator.Validate
}

// NewAdminHandler creates a new operator handler
func NewAdminHandler(adminFlow businessflow.AdminFlow, refillFlow businessflow.RefillFlow) *AdminHandler {
	return &AdminHandler{
		adminFlow:  adminFlow,
		refillFlow: refillFlow,
		validator:  validator.New(),
	}
}

func (h *AdminHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

// Login handles operator authentication
// @Summary Admin Login
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body dto.AdminLoginRequest true "Credentials"
// @Success 200 {object} dto.AdminLoginResponse
// @Failure 401 {object} dto.APIResponse "Invalid credentials"
// @Router /api/v1/admin/login [post]
func (h *AdminHandler) Login(c fiber.Ctx) error {
	var req dto.AdminLoginRequest
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

	result, err := h.adminFlow.Login(h.createRequestContext(c), &req, metadata)
	if err != nil {
		// Credential failures are deliberately indistinguishable
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid credentials", "INVALID_CREDENTIALS", nil)
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// CreateRefill replays a delivered order that dropped below its target
// @Summary Create Refill
// @Tags Admin
// @Produce json
// @Param uuid path string true "Parent order UUID"
// @Success 201 {object} dto.RefillResponse
// @Failure 404 {object} dto.APIResponse "Order not found"
// @Failure 409 {object} dto.APIResponse "Refill conflict"
// @Failure 422 {object} dto.APIResponse "Refill rejected"
// @Router /api/v1/admin/orders/{uuid}/refill [post]
func (h *AdminHandler) CreateRefill(c fiber.Ctx) error {
	orderUUID := c.Params("uuid")

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	if requestID := c.Get("X-Request-ID"); requestID != "" {
		metadata.SetRequestID(requestID)
	}

	result, err := h.refillFlow.CreateRefill(h.createRequestContext(c), orderUUID, metadata)
	if err != nil {
		if businessflow.IsOrderNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Order not found", "ORDER_NOT_FOUND", nil)
		}
		if businessflow.IsRefillConflict(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "A refill is already pending for this order", "REFILL_CONFLICT", nil)
		}
		if businessflow.IsRefillRejected(err) {
			return h.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Order is not eligible for a refill", "REFILL_REJECTED", nil)
		}
		if businessflow.IsUpstreamUnavailable(err) {
			return h.ErrorResponse(c, fiber.StatusBadGateway, "View count is currently unavailable", "UPSTREAM_UNAVAILABLE", nil)
		}

		log.Println("Refill creation failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create refill", "REFILL_CREATE_FAILED", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *AdminHandler) createRequestContext(c fiber.Ctx) context.Context {
	return newRequestContext(c, 30*time.Second)
}
