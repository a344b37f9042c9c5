package domain

import (
	"errors"
	"fmt"
)

// Flat error code taxonomy reported through Handler.OnBillingError. Codes
// below 100 are raw service response codes passed through verbatim; callers
// must treat unknown codes as generic failures.
const (
	ErrorFailedLoadPurchases        = 100
	ErrorFailedToInitializePurchase = 101
	ErrorInvalidSignature           = 102
	ErrorInvalidMerchantID          = 104
	ErrorProductIDNotSpecified      = 106
	ErrorOtherError                 = 110
	ErrorConsumeFailed              = 111
	ErrorProductDetailsFailed       = 112
	ErrorConnectionSetupFailed      = 113
	ErrorNotReady                   = 114
	ErrorAcknowledgeFailed          = 115
)

var (
	// ErrNotReady indicates an operation was attempted before the connection
	// to the billing service reached the Ready state.
	ErrNotReady = errors.New("billing service is not ready")

	// ErrReleased indicates the engine has been released.
	ErrReleased = errors.New("billing engine has been released")

	// ErrMalformedPayload indicates a purchase payload could not be parsed.
	ErrMalformedPayload = errors.New("malformed purchase payload")

	// ErrProductNotFound indicates the product could not be resolved for the
	// requested kind, or no cached record exists for it.
	ErrProductNotFound = errors.New("product not found")

	// ErrInvalidSignature indicates purchase signature verification failed.
	ErrInvalidSignature = errors.New("invalid purchase signature")

	// ErrInvalidMerchantID indicates the merchant heuristic rejected a record.
	ErrInvalidMerchantID = errors.New("invalid or tampered merchant id")

	// ErrProductIDNotSpecified indicates a purchase was initiated without a
	// product id or kind.
	ErrProductIDNotSpecified = errors.New("product id not specified")
)

// BillingError pairs a taxonomy code with its underlying cause.
type BillingError struct {
	Code int
	Err  error
}

// NewBillingError wraps err with a taxonomy code.
func NewBillingError(code int, err error) *BillingError {
	return &BillingError{Code: code, Err: err}
}

func (e *BillingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("billing error %d", e.Code)
	}
	return fmt.Sprintf("billing error %d: %v", e.Code, e.Err)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}
