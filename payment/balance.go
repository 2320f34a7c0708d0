/*
balance.go - The one place an order's balance changes

PURPOSE:
  Auto-confirmation, manual connection and operator confirmation all end
  in the same arithmetic. settle() is that arithmetic plus the writes that
  must accompany it: the order update, the transaction link and the audit
  entry, all on the same storage transaction.

ARITHMETIC:
  before    = order.RemainingBalance
  after     = max(0, before - paid)
  excess    = max(0, paid - before)   (absorbed, see OVERPAYMENT)
  status    = paid if after == 0 else partial

OVERPAYMENT:
  An overpayment settles the order as paid. The excess does not become a
  credit; it is recorded on the payment record, the audit entry and the
  returned Settlement so an operator can act on it.

IDEMPOTENCY:
  If the order already carries a payment record for this transaction id the
  balance is left alone and only the transaction link is completed. This
  covers a store that committed the order but not the transaction.

CONCURRENCY:
  UpdateOrder is conditional on the version read in this storage
  transaction. A lost race returns ErrConcurrentModification and the
  caller retries from the read.
*/
package payment

import (
	"context"
	"strconv"
	"strings"
	"time"
)

type settleRequest struct {
	source    ConfirmationSource
	action    AuditAction
	actor     Actor
	payerName string // operator-entered name; overrides the provider's
	notes     string
}

// Settlement is the result of applying one transaction to one order.
type Settlement struct {
	Order          Order
	Transaction    Transaction
	BalanceBefore  Amount
	BalanceAfter   Amount
	IsOverPayment  bool
	Excess         Amount
	AlreadyApplied bool
}

func settle(ctx context.Context, tx Tx, t Transaction, o Order, req settleRequest, now time.Time) (Settlement, error) {
	before := o.RemainingBalance
	s := Settlement{BalanceBefore: before, BalanceAfter: before}

	if o.HasPayment(t.ID) {
		s.AlreadyApplied = true
	} else {
		paid := t.AmountPaid
		after := before.Sub(paid).ClampZero()
		excess := paid.Sub(before).ClampZero()

		payer := t.PayerName
		if req.payerName != "" {
			payer = req.payerName
		}
		o.PartialPayments = append(o.PartialPayments, PaymentRecord{
			TransactionID:     t.ID,
			Amount:            paid,
			Excess:            excess,
			Date:              t.TransactionDate,
			ProviderReceiptID: t.ReceiptNumber,
			PayerPhone:        t.PayerPhone,
			PayerName:         payer,
			Method:            t.method(),
			Source:            req.source,
		})
		o.RemainingBalance = after
		if after.IsZero() {
			o.PaymentStatus = StatusPaid
		} else {
			o.PaymentStatus = StatusPartial
		}
		if o.PendingRequest != nil && t.CorrelationID != "" && o.PendingRequest.ProviderCheckoutID == t.CorrelationID {
			o.PendingRequest = nil
		}

		expected := o.Version
		o.Version++
		o.UpdatedAt = now
		if err := o.Check(); err != nil {
			return Settlement{}, err
		}
		if err := tx.UpdateOrder(ctx, o, expected); err != nil {
			return Settlement{}, err
		}

		s.BalanceAfter = after
		s.Excess = excess
		s.IsOverPayment = excess.IsPositive()
	}

	t.IsConnectedToOrder = true
	t.ConnectedOrderID = o.ID
	t.CandidateOrderID = o.ID
	t.ConnectedAt = &now
	t.ConnectedBy = req.actor
	t.ConfirmationStatus = ConfirmationConfirmed
	t.ResolvedAt = &now
	t.ResolvedBy = req.actor
	if req.payerName != "" {
		t.ConfirmedName = req.payerName
	}
	if req.notes != "" {
		t.Notes = req.notes
	}
	t.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return Settlement{}, err
	}

	action := req.action
	if s.AlreadyApplied {
		action = AuditLinkCompleted
	}
	entry := newAuditEntry(now, action, req.actor).withBalances(s.BalanceBefore, s.BalanceAfter)
	entry.TransactionID = t.ID
	entry.OrderID = o.ID
	entry.Metadata["source"] = string(req.source)
	entry.Metadata["amount"] = t.AmountPaid.String()
	entry.Metadata["status"] = string(o.PaymentStatus)
	entry.Metadata["over_payment"] = strconv.FormatBool(s.IsOverPayment)
	if s.IsOverPayment {
		entry.Metadata["excess"] = s.Excess.String()
	}
	if req.payerName != "" {
		entry.Metadata["confirmed_name"] = req.payerName
		entry.Metadata["name_on_file"] = o.CustomerName
		entry.Metadata["name_matches"] = strconv.FormatBool(strings.EqualFold(strings.TrimSpace(o.CustomerName), req.payerName))
	}
	if req.notes != "" {
		entry.Metadata["notes"] = req.notes
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return Settlement{}, err
	}

	s.Order = o
	s.Transaction = t
	return s, nil
}
