/*
ledger.go - Append-only record of inbound payment notifications

PURPOSE:
  The Ledger is the first thing every notification touches. It writes a
  Transaction exactly once per provider transaction id and nothing else.
  Reconciliation happens afterwards, in a separate storage transaction,
  so a failing order lookup can never lose a payment we were told about.

CRITICAL INVARIANTS:
  1. ONE RECORD PER PROVIDER ID: The store's uniqueness constraint decides.
     Two concurrent deliveries race on the insert; the loser gets a
     duplicate result, not an error.
  2. NEW RECORDS START PENDING: Unconnected, unclassified.
  3. AUDITED: The insert and its audit entry commit together.

EXAMPLE FLOW:
  1. Callback for receipt RK71XYZ arrives: Record → created
  2. Safaricom retries the same callback: Record → duplicate (no-op)
  3. Engine.Reconcile(RK71XYZ) classifies and maybe settles

SEE ALSO:
  - engine.go: Calls Record then Reconcile
  - store.go: InsertTransaction contract
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type RecordStatus string

const (
	RecordCreated   RecordStatus = "created"
	RecordDuplicate RecordStatus = "duplicate"
)

type RecordResult struct {
	Status      RecordStatus
	Transaction Transaction
}

type Ledger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

// Record persists a notification. Duplicates return the stored record.
func (l *Ledger) Record(ctx context.Context, n Notification) (RecordResult, error) {
	if err := n.validate(); err != nil {
		return RecordResult{}, err
	}

	now := l.Now().UTC()
	t := Transaction{
		ID:                 n.TransactionID,
		ReceiptNumber:      n.ReceiptNumber,
		AmountPaid:         n.Amount,
		PayerPhone:         n.PayerPhone,
		PayerName:          n.PayerName,
		TransactionDate:    n.Timestamp,
		Type:               n.Type,
		CorrelationID:      n.CorrelationID,
		BillReference:      n.BillReference,
		ConfirmationStatus: ConfirmationPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if t.TransactionDate.IsZero() {
		t.TransactionDate = now
	}

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		entry := newAuditEntry(now, AuditTransactionRecorded, SystemActor())
		entry.TransactionID = t.ID
		entry.Metadata["amount"] = t.AmountPaid.String()
		entry.Metadata["type"] = string(t.Type)
		entry.Metadata["payer_phone"] = t.PayerPhone
		if t.CorrelationID != "" {
			entry.Metadata["checkout_request_id"] = t.CorrelationID
		}
		if t.BillReference != "" {
			entry.Metadata["bill_reference"] = t.BillReference
		}
		return tx.AppendAudit(ctx, entry)
	})

	if errors.Is(err, ErrDuplicateTransaction) {
		existing, getErr := l.Store.GetTransaction(ctx, t.ID)
		if getErr != nil {
			return RecordResult{}, fmt.Errorf("load duplicate transaction %s: %w", t.ID, getErr)
		}
		if existing == nil {
			return RecordResult{}, fmt.Errorf("duplicate transaction %s vanished: %w", t.ID, ErrConcurrentModification)
		}
		return RecordResult{Status: RecordDuplicate, Transaction: *existing}, nil
	}
	if err != nil {
		return RecordResult{}, fmt.Errorf("record transaction %s: %w", t.ID, err)
	}
	return RecordResult{Status: RecordCreated, Transaction: t}, nil
}
