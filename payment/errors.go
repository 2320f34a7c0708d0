/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Handlers map these to HTTP statuses; stores return the storage ones.

ERROR CATEGORIES:
  1. Domain violations - AlreadyPaid, AlreadyConnected, NotFound, MissingName,
     AlreadyResolved. Returned to the caller, never retried.
  2. Storage signals - DuplicateTransaction, ConcurrentModification.
     The engine turns the first into a "duplicate" result and retries on the
     second.
  3. Infrastructure - anything else (database down, provider timeout).
     Safe for the caller to retry because every operation is idempotent.

RECONCILIATION AMBIGUITY:
  Mismatch and unmatched are classifications, not errors.

SEE ALSO:
  - api/handlers.go: HTTP status mapping
  - store.go: Which store methods return which sentinel
*/
package payment

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a transaction or order id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyPaid is returned when connecting to an order with no balance left.
	ErrAlreadyPaid = errors.New("order already paid")

	// ErrAlreadyConnected is returned when a transaction is already linked to an order.
	ErrAlreadyConnected = errors.New("transaction already connected")

	// ErrMissingName is returned when a confirmation has no payer name.
	ErrMissingName = errors.New("confirmed name is required")

	// ErrAlreadyResolved is returned when a transaction already left pending.
	ErrAlreadyResolved = errors.New("transaction already resolved")

	// ErrNoCandidateOrder is returned when confirming a transaction that was
	// never correlated with an order. Those go through Connect.
	ErrNoCandidateOrder = errors.New("transaction has no candidate order")

	// ErrRequestInFlight is returned when an order already has a push prompt
	// waiting for its callback.
	ErrRequestInFlight = errors.New("payment request already in flight")

	// ErrInvalidNotification is returned for notifications without an id or
	// with a non-positive amount.
	ErrInvalidNotification = errors.New("invalid notification")

	// ErrInvalidActor is returned when an operator id is blank.
	ErrInvalidActor = errors.New("invalid actor")

	// ErrInvalidOrder is returned when registering a malformed order.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidRequest is returned when a push prompt asks for more than the
	// remaining balance or has no phone number to prompt.
	ErrInvalidRequest = errors.New("invalid payment request")

	// ErrDuplicateTransaction is returned by stores when a transaction with
	// the same provider id already exists.
	ErrDuplicateTransaction = errors.New("duplicate provider transaction id")

	// ErrDuplicateOrder is returned by stores when an order number is reused.
	ErrDuplicateOrder = errors.New("duplicate order id")

	// ErrConcurrentModification is returned when a conditional write lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInitiationFailed is returned when the provider refused or timed out
	// on a push prompt.
	ErrInitiationFailed = errors.New("payment initiation failed")

	// ErrInvariantViolation is returned instead of persisting a corrupt order.
	ErrInvariantViolation = errors.New("balance invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names what was missing.
type NotFoundError struct {
	Kind string // "order" or "transaction"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func orderNotFound(id OrderID) error {
	return &NotFoundError{Kind: "order", ID: string(id)}
}

func transactionNotFound(id TransactionID) error {
	return &NotFoundError{Kind: "transaction", ID: string(id)}
}

// InvariantError describes which balance rule a write would have broken.
type InvariantError struct {
	OrderID OrderID
	Rule    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Rule)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// InitiationError wraps the provider failure behind a push prompt.
type InitiationError struct {
	OrderID OrderID
	Err     error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("initiate payment for order %s: %v", e.OrderID, e.Err)
}

func (e *InitiationError) Unwrap() []error { return []error{ErrInitiationFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsDomainViolation returns true for business-rule failures the caller
// must not retry.
func IsDomainViolation(err error) bool {
	return errors.Is(err, ErrAlreadyPaid) ||
		errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrMissingName) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrNoCandidateOrder) ||
		errors.Is(err, ErrRequestInFlight)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingName) ||
		errors.Is(err, ErrInvalidNotification) ||
		errors.Is(err, ErrInvalidActor) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
