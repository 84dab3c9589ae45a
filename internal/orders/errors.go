package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLockConflict      = errors.New("resource is locked by another request")
	ErrAlreadyCancelled  = errors.New("order already cancelled")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidStatus     = errors.New("invalid order status")
)

// ErrTransitionNotAllowed is returned when the lifecycle table forbids
// moving an order out of its current status.
var ErrTransitionNotAllowed = errors.New("status transition not allowed")

// ErrorKind is the stable bucket an error falls into.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindInsufficientStock ErrorKind = "INSUFFICIENT_STOCK"
	KindLockConflict      ErrorKind = "LOCK_CONFLICT"
	KindTerminalState     ErrorKind = "ALREADY_IN_TERMINAL_STATE"
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"
	KindInvalidInput      ErrorKind = "INVALID_INPUT"
	KindInternal          ErrorKind = "INTERNAL"
)

type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Kind buckets an error into the names callers branch on.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrLockConflict):
		return KindLockConflict
	case errors.Is(err, ErrAlreadyCancelled):
		return KindTerminalState
	case errors.Is(err, ErrTransitionNotAllowed):
		return KindInvalidTransition
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidStatus):
		return KindInvalidInput
	}
	return KindInternal
}
