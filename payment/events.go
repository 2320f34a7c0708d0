package payment

import (
	"context"
	"time"
)

// =============================================================================
// OUTBOUND EVENTS - Published after commit, never inside a storage transaction
// =============================================================================

type EventKind string

const (
	// EventBalanceChanged feeds the SMS notifier and UI refresh.
	EventBalanceChanged EventKind = "order.balance_changed"

	// EventRequiresReview feeds the operator confirmation screen.
	EventRequiresReview EventKind = "payment.requires_review"
)

type Event struct {
	Kind           EventKind
	At             time.Time
	OrderID        OrderID
	NewBalance     Amount
	NewStatus      PaymentStatus
	TransactionID  TransactionID
	Classification Classification
}

// Key is the partition key: order for balance events, transaction otherwise.
func (e Event) Key() string {
	if e.Kind == EventBalanceChanged {
		return string(e.OrderID)
	}
	return string(e.TransactionID)
}

// Publisher delivers events to collaborators. A publish failure never undoes
// a committed balance change; the engine logs it and moves on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func balanceChanged(at time.Time, o Order) Event {
	return Event{
		Kind:       EventBalanceChanged,
		At:         at,
		OrderID:    o.ID,
		NewBalance: o.RemainingBalance,
		NewStatus:  o.PaymentStatus,
	}
}

func requiresReview(at time.Time, t Transaction) Event {
	return Event{
		Kind:           EventRequiresReview,
		At:             at,
		OrderID:        t.CandidateOrderID,
		TransactionID:  t.ID,
		Classification: t.Classification,
	}
}
