package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Caller-correctable validation failures. Never retried automatically.
var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrItemUnavailable   = errors.New("item unavailable")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// State machine violations. Retrying is a caller logic error.
var (
	ErrImmutableOrder    = errors.New("order is in a terminal state")
	ErrNotCancellable    = errors.New("shipped orders cannot be cancelled")
	ErrAlreadyProcessed  = errors.New("order already processed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPermissionDenied  = errors.New("operation not permitted")
)

// ErrTransactionAborted means the atomic unit could not complete
// because of a concurrent conflicting writer. The same transition may
// be retried from scratch; nothing was applied.
var ErrTransactionAborted = errors.New("transaction aborted")

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrItemNotFound     = errors.New("item not found")
	ErrCartNotFound     = errors.New("cart not found")
	ErrInactiveUser     = errors.New("user is not active")
	ErrDuplicateRequest = errors.New("duplicate request")
)

// LineFailure reports why a single cart or order line was rejected,
// with enough detail for the caller to surface an itemized shortfall.
type LineFailure struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    error  `json:"-"`
}

func (f LineFailure) String() string {
	if errors.Is(f.Reason, ErrInsufficientStock) {
		return fmt.Sprintf("%s: requested %d, available %d", f.ItemID, f.Requested, f.Available)
	}
	return fmt.Sprintf("%s: %v", f.ItemID, f.Reason)
}

// ValidationError aggregates per-line failures from cart validation or
// a failed stock guard. errors.Is matches any of the underlying
// sentinel reasons.
type ValidationError struct {
	Failures []LineFailure
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	for _, f := range e.Failures {
		if errors.Is(f.Reason, target) {
			return true
		}
	}
	return false
}
