package service

import (
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
)

var (
	// ErrNotifySignature is returned when a notify TradeSha does not verify
	ErrNotifySignature = gateway.ErrTradeShaMismatch

	// ErrMalformedNotify is returned when a decrypted notify cannot be parsed
	ErrMalformedNotify = errors.New("malformed notify payload")

	// ErrMerchantMismatch is returned when a notify or query names another merchant
	ErrMerchantMismatch = errors.New("merchant id mismatch")

	// ErrCheckoutInProgress is returned when a checkout with the same
	// idempotency key has not finished yet
	ErrCheckoutInProgress = errors.New("checkout with this idempotency key is in progress")

	// ErrOrderNotPaid is returned when closing a trade that is not paid
	ErrOrderNotPaid = errors.New("order is not paid")
)

// EmptyCartError is returned when checkout has no cart lines
type EmptyCartError struct {
	UserID int64
}

func (e *EmptyCartError) Error() string {
	return fmt.Sprintf("cart is empty for user %d", e.UserID)
}

// InvalidCartLineError is returned for a cart line with a non-positive
// quantity or a negative price
type InvalidCartLineError struct {
	ProductID int64
	Quantity  int
	Price     int64
}

func (e *InvalidCartLineError) Error() string {
	return fmt.Sprintf("invalid cart line for product %d: quantity=%d price=%d", e.ProductID, e.Quantity, e.Price)
}

// AmountMismatchError is returned when a declared amount differs from the
// amount computed on the server
type AmountMismatchError struct {
	OrderNo  string
	Declared int64
	Computed int64
}

func (e *AmountMismatchError) Error() string {
	if e.OrderNo != "" {
		return fmt.Sprintf("amount mismatch for order %s: expected %d, gateway reported %d", e.OrderNo, e.Declared, e.Computed)
	}
	return fmt.Sprintf("amount mismatch: declared %d, computed %d", e.Declared, e.Computed)
}

// OrderNotFoundError is returned when an order number is unknown
type OrderNotFoundError struct {
	OrderNo string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.OrderNo)
}

// ReconciliationLockTimeoutError is returned when the per-order lock could
// not be taken in time
type ReconciliationLockTimeoutError struct {
	OrderNo string
	Waited  time.Duration
}

func (e *ReconciliationLockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for reconcile lock on order %s", e.Waited, e.OrderNo)
}

// UnknownTradeStatusError is returned for a trade-status code outside the state machine
type UnknownTradeStatusError struct {
	OrderNo string
	Status  models.TradeStatus
}

func (e *UnknownTradeStatusError) Error() string {
	return fmt.Sprintf("unknown trade status %q for order %s", string(e.Status), e.OrderNo)
}

// Retryable reports whether the gateway should redeliver a notify that
// failed with err. Failures that a redelivery cannot fix are not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		lockErr     *ReconciliationLockTimeoutError
		notFound    *OrderNotFoundError
		mismatch    *AmountMismatchError
		unknown     *UnknownTradeStatusError
		invalidLine *InvalidCartLineError
		emptyCart   *EmptyCartError
	)

	switch {
	case errors.As(err, &lockErr), gateway.IsGatewayError(err):
		return true
	case gateway.IsCodecError(err),
		errors.Is(err, ErrNotifySignature),
		errors.Is(err, ErrMalformedNotify),
		errors.Is(err, ErrMerchantMismatch),
		errors.As(err, &notFound),
		errors.As(err, &mismatch),
		errors.As(err, &unknown),
		errors.As(err, &invalidLine),
		errors.As(err, &emptyCart):
		return false
	}
	return true
}
