package sales

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Every error below is returned before commit, so none of them leaves a
// visible effect on stock, loyalty or sale records.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrAlreadyRefunded     = errors.New("sale already refunded")
	ErrNotRefundable       = errors.New("sale is not refundable")
	ErrInvalidRefundAmount = errors.New("invalid refund amount")
	// ErrConcurrencyAborted means a lock wait timed out, a deadlock was
	// broken, or optimistic retries ran out. The whole operation may be
	// resubmitted.
	ErrConcurrencyAborted = errors.New("aborted by concurrent access")
)

// ValidationError reports a bad field. Err, when set, is the underlying
// cause, e.g. a *NotFoundError for an unknown item.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InsufficientStockError names the item that could not be reserved.
type InsufficientStockError struct {
	ItemID    int64
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d: available %d, requested %d, shortfall %d",
		e.ItemID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type AlreadyRefundedError struct {
	SaleNumber string
}

func (e *AlreadyRefundedError) Error() string {
	return fmt.Sprintf("sale %s already refunded", e.SaleNumber)
}

func (e *AlreadyRefundedError) Unwrap() error {
	return ErrAlreadyRefunded
}

type InvalidRefundAmountError struct {
	Requested decimal.Decimal
	SaleTotal decimal.Decimal
	Reason    string
}

func (e *InvalidRefundAmountError) Error() string {
	return fmt.Sprintf("invalid refund amount %s for sale total %s: %s",
		e.Requested.StringFixed(2), e.SaleTotal.StringFixed(2), e.Reason)
}

func (e *InvalidRefundAmountError) Unwrap() error {
	return ErrInvalidRefundAmount
}

// IsClientError reports errors caused by the caller's input or by the
// current business state, as opposed to infrastructure failures.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrNotRefundable) ||
		errors.Is(err, ErrInvalidRefundAmount)
}

// IsRetryable reports whether resubmitting the same request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyAborted)
}
