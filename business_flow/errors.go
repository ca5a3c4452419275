// Package businessflow contains the core business logic and use cases for the fulfilment pipeline
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// User-related errors
	ErrUserNotFound      = errors.New("user not found")
	ErrAccountInactive   = errors.New("account is inactive")
	ErrAccountLocked     = errors.New("account is locked")
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrAdminNotFound     = errors.New("admin not found")

	// Ledger-related errors
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConcurrentUpdate  = errors.New("concurrent balance update, retry later")
	ErrNonPositiveAmount = errors.New("amount must be positive")

	// Order intake errors
	ErrServiceNotFound     = errors.New("service not found")
	ErrServiceInactive     = errors.New("service is inactive")
	ErrQuantityOutOfRange  = errors.New("quantity is outside the service limits")
	ErrUnsupportedVideoURL = errors.New("video URL host is not supported")
	ErrOrderNotFound       = errors.New("order not found")
	ErrBusy                = errors.New("pipeline is saturated, retry later")

	// Refill errors
	ErrRefillOfRefill           = errors.New("a refill order cannot be refilled")
	ErrRefillInProgress         = errors.New("a refill of this order is still in progress")
	ErrRefillTooSoon            = errors.New("a refill was created within the idempotency window")
	ErrMaxRefillsExceeded       = errors.New("maximum number of refills reached")
	ErrRefillNotEligible        = errors.New("order status does not permit a refill")
	ErrRefillNothingToDeliver   = errors.New("order is fully delivered, nothing to refill")
	ErrRefillQuantitySuspicious = errors.New("computed refill quantity exceeds the sanity cap")

	// Upstream errors
	ErrUpstreamUnavailable = errors.New("upstream view count unavailable")

	// Campaign pool errors
	ErrCampaignPoolMisconfigured = errors.New("campaign pool must contain exactly three active campaigns")

	// Deposit errors
	ErrDepositDuplicate = errors.New("deposit already credited for this provider reference")
	ErrDepositAmountLow = errors.New("deposit amount is too low")

	// Filter errors
	ErrInvalidPage           = errors.New("page must be at least 1")
	ErrInvalidPageSize       = errors.New("page size must be between 1 and 100")
	ErrStartDateAfterEndDate = errors.New("start date cannot be after end date")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

func IsAccountInactive(err error) bool {
	return errors.Is(err, ErrAccountInactive)
}

func IsAccountLocked(err error) bool {
	return errors.Is(err, ErrAccountLocked)
}

func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

func IsConcurrentUpdate(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

func IsServiceNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound)
}

func IsServiceInactive(err error) bool {
	return errors.Is(err, ErrServiceInactive)
}

func IsQuantityOutOfRange(err error) bool {
	return errors.Is(err, ErrQuantityOutOfRange)
}

func IsUnsupportedVideoURL(err error) bool {
	return errors.Is(err, ErrUnsupportedVideoURL)
}

func IsOrderNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

func IsRefillConflict(err error) bool {
	return errors.Is(err, ErrRefillInProgress) ||
		errors.Is(err, ErrRefillTooSoon) ||
		errors.Is(err, ErrMaxRefillsExceeded) ||
		errors.Is(err, ErrRefillQuantitySuspicious)
}

func IsRefillRejected(err error) bool {
	return errors.Is(err, ErrRefillOfRefill) ||
		errors.Is(err, ErrRefillNotEligible) ||
		errors.Is(err, ErrRefillNothingToDeliver) ||
		IsRefillConflict(err)
}

func IsUpstreamUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

func IsDepositDuplicate(err error) bool {
	return errors.Is(err, ErrDepositDuplicate)
}
