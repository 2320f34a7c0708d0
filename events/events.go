/*
events.go - Outbound event publishers

PURPOSE:
  Delivers payment.Event values to the collaborators that react to them:
  the SMS notifier consumes order.balance_changed from Kafka, the operator
  UI listens on a Redis channel. Publishers compose with Multi.

WIRE FORMAT:
  {
    "kind": "order.balance_changed",
    "at": "2025-03-01T09:30:00Z",
    "order_id": "ORD-1042",
    "new_balance": "300.00",
    "new_status": "partial"
  }
  payment.requires_review carries transaction_id and classification
  instead of the balance fields.

SEE ALSO:
  - payment/events.go: event kinds and the Publisher interface
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/freshfold/payrecon/payment"
)

// Message is the JSON shape every transport carries.
type Message struct {
	Kind           payment.EventKind `json:"kind"`
	At             time.Time         `json:"at"`
	OrderID        string            `json:"order_id,omitempty"`
	NewBalance     string            `json:"new_balance,omitempty"`
	NewStatus      string            `json:"new_status,omitempty"`
	TransactionID  string            `json:"transaction_id,omitempty"`
	Classification string            `json:"classification,omitempty"`
}

func NewMessage(e payment.Event) Message {
	m := Message{
		Kind:    e.Kind,
		At:      e.At.UTC(),
		OrderID: string(e.OrderID),
	}
	switch e.Kind {
	case payment.EventBalanceChanged:
		m.NewBalance = e.NewBalance.String()
		m.NewStatus = string(e.NewStatus)
	case payment.EventRequiresReview:
		m.TransactionID = string(e.TransactionID)
		m.Classification = string(e.Classification)
	}
	return m
}

func Encode(e payment.Event) ([]byte, error) {
	return json.Marshal(NewMessage(e))
}

// =============================================================================
// COMPOSITION
// =============================================================================

// Multi publishes to every publisher and joins their errors.
type Multi []payment.Publisher

func (m Multi) Publish(ctx context.Context, e payment.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each event to a zap logger. It is the default in development
// when no broker is configured.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Publish(_ context.Context, e payment.Event) error {
	m := NewMessage(e)
	l.Logger.Info("event",
		zap.String("kind", string(m.Kind)),
		zap.String("order_id", m.OrderID),
		zap.String("transaction_id", m.TransactionID),
		zap.String("new_balance", m.NewBalance),
		zap.String("new_status", m.NewStatus),
		zap.String("classification", m.Classification))
	return nil
}
