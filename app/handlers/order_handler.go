package handlers

import (
	"context"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/mstolbov/viewboost/app/dto"
	"github.com/mstolbov/viewboost/app/middleware"
	businessflow "github.com/mstolbov/viewboost/business_flow"
)

// OrderHandlerInterface defines the contract for order API handlers
type OrderHandlerInterface interface {
	PlaceOrder(c fiber.Ctx) error
	GetOrder(c fiber.Ctx) error
	GetBalance(c fiber.Ctx) error
}

// OrderHandler handles order-related HTTP requests
type OrderHandler struct {
	intakeFlow businessflow.OrderIntakeFlow
	validator  *validator.Validate
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(intakeFlow businessflow.OrderIntakeFlow) *OrderHandler {
	return &OrderHandler{
		intakeFlow: intakeFlow,
		validator:  validator.New(),
	}
}

func (h *OrderHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

// PlaceOrder handles order placement
// @Summary Place Order
// @Description Place a new order against a catalog service
// @Tags Orders
// @Accept json
// @Produce json
// @Param request body dto.CreateOrderRequest true "Order data"
// @Success 201 {object} dto.CreateOrderResponse "Order placed"
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Failure 402 {object} dto.APIResponse "Insufficient funds"
// @Failure 503 {object} dto.APIResponse "Pipeline saturated"
// @Router /api/v1/orders [post]
func (h *OrderHandler) PlaceOrder(c fiber.Ctx) error {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Authentication required", "AUTHENTICATION_REQUIRED", nil)
	}

	var req dto.CreateOrderRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.UserID = userID

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

	result, err := h.intakeFlow.PlaceOrder(h.createRequestContext(c), &req, metadata)
	if err != nil {
		if businessflow.IsBusy(err) {
			return h.ErrorResponse(c, fiber.StatusServiceUnavailable, "Order intake is temporarily shedding load", "PIPELINE_BUSY", nil)
		}
		if businessflow.IsInsufficientFunds(err) {
			return h.ErrorResponse(c, fiber.StatusPaymentRequired, "Insufficient balance", "INSUFFICIENT_FUNDS", nil)
		}
		if businessflow.IsServiceNotFound(err) || businessflow.IsServiceInactive(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Service is unavailable", "SERVICE_UNAVAILABLE", nil)
		}
		if businessflow.IsQuantityOutOfRange(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Quantity is outside the service limits", "QUANTITY_OUT_OF_RANGE", nil)
		}
		if businessflow.IsUnsupportedVideoURL(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Link is not a supported video URL", "UNSUPPORTED_VIDEO_URL", nil)
		}
		if businessflow.IsAccountInactive(err) || businessflow.IsAccountLocked(err) {
			return h.ErrorResponse(c, fiber.StatusForbidden, "Account cannot place orders", "ACCOUNT_DISABLED", nil)
		}
		if businessflow.IsConcurrentUpdate(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Balance changed concurrently, retry", "CONCURRENT_UPDATE", nil)
		}

		log.Println("Order placement failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to place order", "ORDER_CREATE_FAILED", nil)
	}

	middleware.OrdersPlaced.Inc()
	return c.Status(fiber.StatusCreated).JSON(result)
}

// GetOrder returns one of the caller's orders
// @Summary Get Order
// @Tags Orders
// @Produce json
// @Param uuid path string true "Order UUID"
// @Success 200 {object} dto.OrderDTO
// @Failure 404 {object} dto.APIResponse "Order not found"
// @Router /api/v1/orders/{uuid} [get]
func (h *OrderHandler) GetOrder(c fiber.Ctx) error {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Authentication required", "AUTHENTICATION_REQUIRED", nil)
	}

	orderUUID := c.Params("uuid")
	result, err := h.intakeFlow.GetOrder(h.createRequestContext(c), userID, orderUUID)
	if err != nil {
		if businessflow.IsOrderNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Order not found", "ORDER_NOT_FOUND", nil)
		}
		log.Println("Order lookup failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get order", "ORDER_LOOKUP_FAILED", nil)
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// GetBalance returns the caller's ledger balance
// @Summary Get Balance
// @Tags Orders
// @Produce json
// @Success 200 {object} dto.GetBalanceResponse
// @Router /api/v1/balance [get]
func (h *OrderHandler) GetBalance(c fiber.Ctx) error {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Authentication required", "AUTHENTICATION_REQUIRED", nil)
	}

	result, err := h.intakeFlow.GetBalance(h.createRequestContext(c), userID)
	if err != nil {
		log.Println("Balance lookup failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get balance", "BALANCE_LOOKUP_FAILED", nil)
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// createRequestContext creates a context with request-scoped values for observability and timeout
func (h *OrderHandler) createRequestContext(c fiber.Ctx) context.Context {
	return newRequestContext(c, 30*time.Second)
}
