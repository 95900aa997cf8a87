package provider

import (
	"errors"
	"fmt"
)

// TransientError marks a retryable provider condition: network failure,
// rate limiting, temporary unavailability, or a nonce/ordering error on a
// stream. Engines retry these with backoff up to their budget.
type TransientError struct {
	Provider string
	Symbol   string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s %s: transient: %v", e.Provider, e.Op, e.Symbol, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Error is a non-retryable provider rejection. It aborts the operation
// immediately with enough context to diagnose without re-running.
type Error struct {
	Provider string
	Symbol   string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a retryable condition.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Transient wraps err as retryable.
func Transient(providerID, op, symbol string, err error) error {
	return &TransientError{Provider: providerID, Symbol: symbol, Op: op, Err: err}
}

// Permanent wraps err as a provider rejection.
func Permanent(providerID, op, symbol string, err error) error {
	return &Error{Provider: providerID, Symbol: symbol, Op: op, Err: err}
}
