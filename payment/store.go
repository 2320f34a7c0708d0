/*
store.go - Persistence contract for transactions, orders and audit entries

PURPOSE:
  Defines the interface between the engine and the database. Every write
  happens inside WithTx so an order update, the transaction link and the
  audit entry commit together or not at all.

KEY INTERFACES:
  Reader: Lookups usable inside and outside a storage transaction
  Tx:     Writes, only available inside WithTx
  Store:  Reader plus WithTx

UNIQUENESS:
  InsertTransaction MUST reject a second record with the same provider
  transaction id with ErrDuplicateTransaction. This is the only
  deduplication mechanism; the engine never checks-then-inserts.

CONDITIONAL WRITES:
  UpdateOrder(order, expectedVersion) succeeds only if the stored version
  still equals expectedVersion and stores order.Version (expectedVersion+1).
  UpdateTransaction succeeds only while the stored record is still pending.
  Both return ErrConcurrentModification otherwise.

APPEND-ONLY:
  Audit entries and order payment records are never updated or deleted.

IMPLEMENTATIONS:
  - payment/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go:  Single-node deployments
  - store/postgres/postgres.go: Production (pgx)

SEE ALSO:
  - balance.go: The only code that changes a balance
  - storetest/contract.go: Behaviour every implementation must pass
*/
package payment

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Reader returns nil, nil when a record does not exist.
type Reader interface {
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// FindOrderByCheckoutID returns the order whose pending request carries
	// the given provider checkout id.
	FindOrderByCheckoutID(ctx context.Context, checkoutID string) (*Order, error)

	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Tx is the write side of a storage transaction.
type Tx interface {
	Reader

	InsertTransaction(ctx context.Context, t Transaction) error
	UpdateTransaction(ctx context.Context, t Transaction) error

	InsertOrder(ctx context.Context, o Order) error
	UpdateOrder(ctx context.Context, o Order, expectedVersion int64) error

	AppendAudit(ctx context.Context, e AuditEntry) error
}

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, every write inside it is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// FILTERS
// =============================================================================

type TransactionFilter struct {
	ConfirmationStatus *ConfirmationStatus
	Connected          *bool
	HasCandidate       *bool
	Classification     *Classification
	OrderID            *OrderID // matches connected or candidate order
	Limit              int
}

type AuditFilter struct {
	TransactionID *TransactionID
	OrderID       *OrderID
	Actions       []AuditAction
	From          *time.Time
	To            *time.Time
	Limit         int
}

// Matches reports whether t passes the filter. Stores that cannot push a
// filter into their query language use it directly.
func (f TransactionFilter) Matches(t Transaction) bool {
	if f.ConfirmationStatus != nil && t.ConfirmationStatus != *f.ConfirmationStatus {
		return false
	}
	if f.Connected != nil && t.IsConnectedToOrder != *f.Connected {
		return false
	}
	if f.HasCandidate != nil && (t.CandidateOrderID != "") != *f.HasCandidate {
		return false
	}
	if f.Classification != nil && t.Classification != *f.Classification {
		return false
	}
	if f.OrderID != nil && t.ConnectedOrderID != *f.OrderID && t.CandidateOrderID != *f.OrderID {
		return false
	}
	return true
}

func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.TransactionID != nil && e.TransactionID != *f.TransactionID {
		return false
	}
	if f.OrderID != nil && e.OrderID != *f.OrderID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if e.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.At.Before(*f.From) {
		return false
	}
	if f.To != nil && e.At.After(*f.To) {
		return false
	}
	return true
}

func ptr[T any](v T) *T { return &v }
