/*
workflow.go - Identity verification and operator queues

PURPOSE:
  Transactions the engine could not settle on its own wait for an operator.
  A mismatch has a candidate order and goes to the confirmation queue; the
  operator checks who paid and either confirms or rejects. An unmatched
  transaction has no candidate and goes to the linking queue, where the
  operator picks an order with Connect.

STATE MACHINE:
  pending ──Confirm──▶ confirmed   (balance changes)
  pending ──Connect──▶ confirmed   (balance changes)
  pending ──Reject───▶ rejected    (balance untouched)

  confirmed and rejected are terminal. Every transition writes an audit
  entry with the operator's identity.

SEE ALSO:
  - engine.go: Connect
  - balance.go: settle()
*/
package payment

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// CONFIRM
// =============================================================================

// Confirm verifies the payer's identity and applies a mismatched transaction
// to its candidate order for whatever amount was paid.
func (e *Engine) Confirm(ctx context.Context, txID TransactionID, confirmedName, notes string, actor Actor) (Settlement, error) {
	if actor.IsZero() {
		return Settlement{}, ErrInvalidActor
	}
	name := strings.TrimSpace(confirmedName)
	if name == "" {
		return Settlement{}, ErrMissingName
	}

	var s Settlement
	err := e.retry(ctx, "confirm", func() error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			t, err := tx.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			if t == nil {
				return transactionNotFound(txID)
			}
			if t.ConfirmationStatus != ConfirmationPending {
				return ErrAlreadyResolved
			}
			if t.CandidateOrderID == "" {
				return ErrNoCandidateOrder
			}
			o, err := tx.GetOrder(ctx, t.CandidateOrderID)
			if err != nil {
				return err
			}
			if o == nil {
				return orderNotFound(t.CandidateOrderID)
			}
			if !o.HasPayment(t.ID) && o.PaymentStatus == StatusPaid {
				return ErrAlreadyPaid
			}

			s, err = settle(ctx, tx, *t, *o, settleRequest{
				source:    SourceConfirm,
				action:    AuditConfirm,
				actor:     actor,
				payerName: name,
				notes:     strings.TrimSpace(notes),
			}, e.clock())
			return err
		})
	})
	if err != nil {
		return Settlement{}, err
	}

	e.logger.Info("transaction confirmed",
		zap.String("transaction_id", string(txID)),
		zap.String("order_id", string(s.Order.ID)),
		zap.String("actor", actor.String()),
		zap.String("balance_after", s.BalanceAfter.String()))
	if !s.AlreadyApplied {
		e.publish(ctx, balanceChanged(e.clock(), s.Order))
	}
	return s, nil
}

// =============================================================================
// REJECT
// =============================================================================

// Reject closes a pending transaction without touching any balance. When the
// transaction answered the order's pending prompt, the prompt is cleared and
// the status recomputed.
func (e *Engine) Reject(ctx context.Context, txID TransactionID, reason string, actor Actor) (Transaction, error) {
	if actor.IsZero() {
		return Transaction{}, ErrInvalidActor
	}
	reason = strings.TrimSpace(reason)

	var (
		out     Transaction
		cleared *Order
	)
	err := e.retry(ctx, "reject", func() error {
		cleared = nil
		return e.store.WithTx(ctx, func(tx Tx) error {
			t, err := tx.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			if t == nil {
				return transactionNotFound(txID)
			}
			if t.ConfirmationStatus != ConfirmationPending || t.IsConnectedToOrder {
				return ErrAlreadyResolved
			}

			now := e.clock()
			t.ConfirmationStatus = ConfirmationRejected
			t.RejectionReason = reason
			t.ResolvedAt = &now
			t.ResolvedBy = actor
			t.UpdatedAt = now
			if err := tx.UpdateTransaction(ctx, *t); err != nil {
				return err
			}

			// The prompt this payment answered is finished.
			o, err := e.resolvedRequestOrder(ctx, tx, *t)
			if err != nil {
				return err
			}
			if o != nil {
				expected := o.Version
				o.PendingRequest = nil
				o.PaymentStatus = failedStatus(o)
				o.Version++
				o.UpdatedAt = now
				if err := tx.UpdateOrder(ctx, *o, expected); err != nil {
					return err
				}
				cleared = o
			}

			entry := newAuditEntry(now, AuditReject, actor)
			entry.TransactionID = t.ID
			entry.OrderID = t.CandidateOrderID
			entry.Metadata["amount"] = t.AmountPaid.String()
			if reason != "" {
				entry.Metadata["reason"] = reason
			}
			if cleared != nil {
				entry.Metadata["request_cleared"] = "true"
				entry.Metadata["status"] = string(cleared.PaymentStatus)
			}
			if err := tx.AppendAudit(ctx, entry); err != nil {
				return err
			}
			out = *t
			return nil
		})
	})
	if err != nil {
		return Transaction{}, err
	}

	e.logger.Info("transaction rejected",
		zap.String("transaction_id", string(txID)),
		zap.String("actor", actor.String()),
		zap.String("reason", reason),
		zap.Bool("request_cleared", cleared != nil))
	if cleared != nil {
		e.publish(ctx, balanceChanged(e.clock(), *cleared))
	}
	return out, nil
}

// resolvedRequestOrder returns the candidate order when its pending request
// is the prompt t answered, nil otherwise.
func (e *Engine) resolvedRequestOrder(ctx context.Context, tx Tx, t Transaction) (*Order, error) {
	if t.CorrelationID == "" || t.CandidateOrderID == "" {
		return nil, nil
	}
	o, err := tx.GetOrder(ctx, t.CandidateOrderID)
	if err != nil || o == nil {
		return nil, err
	}
	if pr := o.PendingRequest; pr == nil || pr.ProviderCheckoutID != t.CorrelationID {
		return nil, nil
	}
	return o, nil
}

// =============================================================================
// QUEUES
// =============================================================================

type Queue string

const (
	QueueConfirmation Queue = "confirmation" // mismatched, candidate known
	QueueLinking      Queue = "linking"      // unmatched, operator picks the order
	QueueRejected     Queue = "rejected"
)

func ParseQueue(s string) (Queue, bool) {
	switch q := Queue(strings.ToLower(strings.TrimSpace(s))); q {
	case QueueConfirmation, QueueLinking, QueueRejected:
		return q, true
	}
	return "", false
}

func (q Queue) filter(limit int) TransactionFilter {
	f := TransactionFilter{Limit: limit}
	switch q {
	case QueueConfirmation:
		f.ConfirmationStatus = ptr(ConfirmationPending)
		f.Classification = ptr(ClassMismatch)
		f.HasCandidate = ptr(true)
	case QueueLinking:
		f.ConfirmationStatus = ptr(ConfirmationPending)
		f.Classification = ptr(ClassUnmatched)
		f.Connected = ptr(false)
	case QueueRejected:
		f.ConfirmationStatus = ptr(ConfirmationRejected)
	}
	return f
}

// PendingQueue lists the transactions waiting in one operator queue.
func (e *Engine) PendingQueue(ctx context.Context, q Queue, limit int) ([]Transaction, error) {
	if _, ok := ParseQueue(string(q)); !ok {
		return nil, ErrInvalidRequest
	}
	return e.store.ListTransactions(ctx, q.filter(limit))
}
