package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Callers match with errors.Is.
var (
	// ErrDuplicateOrder means an order id already has a waiting or active job.
	ErrDuplicateOrder = errors.New("order already queued or active")

	// ErrNoLiquidity means every configured venue failed to quote.
	ErrNoLiquidity = errors.New("no liquidity source available")

	// ErrExecutionFailed means the selected venue rejected or lost the swap.
	ErrExecutionFailed = errors.New("venue execution failed")

	// ErrCancelNotAllowed means the order has progressed past pending.
	ErrCancelNotAllowed = errors.New("order cannot be cancelled in its current state")

	// ErrOrderNotFound means the order id is unknown.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidTransition means a lifecycle move violates the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError rejects a structurally malformed submission. It is returned
// synchronously; no job is created for an order that fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
