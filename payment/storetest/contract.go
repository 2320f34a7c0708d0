// Package storetest holds the behaviour every payment.Store must share.
// Each implementation's tests call Run with a constructor for a fresh store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshfold/payrecon/payment"
)

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func Run(t *testing.T, newStore func(t *testing.T) payment.Store) {
	t.Run("missing records read as nil", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("transaction round trip", func(t *testing.T) { testTransactionRoundTrip(t, newStore(t)) })
	t.Run("order round trip", func(t *testing.T) { testOrderRoundTrip(t, newStore(t)) })
	t.Run("duplicate transaction id", func(t *testing.T) { testDuplicateTransaction(t, newStore(t)) })
	t.Run("duplicate order id", func(t *testing.T) { testDuplicateOrder(t, newStore(t)) })
	t.Run("rollback discards every write", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("order update is version conditional", func(t *testing.T) { testOrderVersion(t, newStore(t)) })
	t.Run("resolved transaction is not rewritten", func(t *testing.T) { testResolvedTransaction(t, newStore(t)) })
	t.Run("payment applied once per order", func(t *testing.T) { testPaymentOnce(t, newStore(t)) })
	t.Run("find by checkout id", func(t *testing.T) { testCheckoutLookup(t, newStore(t)) })
	t.Run("list transactions filters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("audit query", func(t *testing.T) { testAuditQuery(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func sampleOrder(id payment.OrderID) payment.Order {
	total := payment.NewAmountFromInt(1000)
	return payment.Order{
		ID:               id,
		CustomerName:     "Jane Wanjiku",
		CustomerPhone:    "254712345678",
		TotalAmount:      total,
		SettledBase:      payment.NewAmountFromInt(0),
		RemainingBalance: total,
		PaymentStatus:    payment.StatusUnpaid,
		Version:          1,
		CreatedAt:        base,
		UpdatedAt:        base,
	}
}

func sampleTransaction(id payment.TransactionID, offset time.Duration) payment.Transaction {
	at := base.Add(offset)
	return payment.Transaction{
		ID:                 id,
		ReceiptNumber:      string(id),
		AmountPaid:         payment.MustParseAmount("700.50"),
		PayerPhone:         "254712345678",
		PayerName:          "JANE W",
		TransactionDate:    at,
		Type:               payment.TxDirectDeposit,
		BillReference:      "ORD-1",
		ConfirmationStatus: payment.ConfirmationPending,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
}

func insertTx(t *testing.T, s payment.Store, txs ...payment.Transaction) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		for _, tr := range txs {
			if err := tx.InsertTransaction(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	}))
}

func insertOrder(t *testing.T, s payment.Store, orders ...payment.Order) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		for _, o := range orders {
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))
}

func assertAmount(t *testing.T, want, got payment.Amount) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// CASES
// =============================================================================

func testMissing(t *testing.T, s payment.Store) {
	ctx := context.Background()

	tr, err := s.GetTransaction(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, tr)

	o, err := s.GetOrder(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, o)

	o, err = s.FindOrderByCheckoutID(ctx, "ws_CO_none")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func testTransactionRoundTrip(t *testing.T, s payment.Store) {
	ctx := context.Background()
	op, err := payment.Operator("alice")
	require.NoError(t, err)

	tr := sampleTransaction("RK71ABC", 0)
	insertTx(t, s, tr)

	resolved := base.Add(time.Hour)
	tr.ConfirmationStatus = payment.ConfirmationConfirmed
	tr.Classification = payment.ClassMismatch
	tr.CandidateOrderID = "ORD-1"
	tr.IsConnectedToOrder = true
	tr.ConnectedOrderID = "ORD-1"
	tr.ConnectedAt = &resolved
	tr.ConnectedBy = op
	tr.ResolvedAt = &resolved
	tr.ResolvedBy = op
	tr.ConfirmedName = "Jane Wanjiku"
	tr.Notes = "called customer"
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateTransaction(ctx, tr)
	}))

	got, err := s.GetTransaction(ctx, "RK71ABC")
	require.NoError(t, err)
	require.NotNil(t, got)
	assertAmount(t, tr.AmountPaid, got.AmountPaid)
	assert.Equal(t, payment.ConfirmationConfirmed, got.ConfirmationStatus)
	assert.Equal(t, payment.ClassMismatch, got.Classification)
	assert.Equal(t, payment.OrderID("ORD-1"), got.ConnectedOrderID)
	assert.True(t, got.IsConnectedToOrder)
	assert.Equal(t, op, got.ConnectedBy)
	assert.Equal(t, op, got.ResolvedBy)
	assert.False(t, got.ResolvedBy.IsSystem())
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, resolved.Equal(*got.ResolvedAt))
	assert.True(t, tr.TransactionDate.Equal(got.TransactionDate))
	assert.Equal(t, "called customer", got.Notes)
	assert.Equal(t, "ORD-1", got.BillReference)
}

func testOrderRoundTrip(t *testing.T, s payment.Store) {
	ctx := context.Background()
	o := sampleOrder("ORD-1")
	insertOrder(t, s, o)

	o.PartialPayments = []payment.PaymentRecord{{
		TransactionID:     "RK71ABC",
		Amount:            payment.NewAmountFromInt(700),
		Excess:            payment.NewAmountFromInt(0),
		Date:              base,
		ProviderReceiptID: "RK71ABC",
		PayerPhone:        "254712345678",
		PayerName:         "JANE W",
		Method:            payment.MethodMpesaDirect,
		Source:            payment.SourceManual,
	}}
	o.RemainingBalance = payment.NewAmountFromInt(300)
	o.PaymentStatus = payment.StatusPending
	o.PendingRequest = &payment.PendingRequest{
		RequestID:          "req-1",
		RequestedAmount:    payment.NewAmountFromInt(300),
		PaymentType:        payment.PaymentFull,
		ProviderCheckoutID: "ws_CO_1",
		PayerPhone:         "254712345678",
		Status:             payment.RequestSent,
		RequestedAt:        base,
	}
	o.Version = 2
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateOrder(ctx, o, 1)
	}))

	got, err := s.GetOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version)
	assertAmount(t, o.RemainingBalance, got.RemainingBalance)
	assertAmount(t, o.TotalAmount, got.TotalAmount)
	assert.Equal(t, payment.StatusPending, got.PaymentStatus)
	require.Len(t, got.PartialPayments, 1)
	assert.Equal(t, payment.TransactionID("RK71ABC"), got.PartialPayments[0].TransactionID)
	assert.Equal(t, payment.SourceManual, got.PartialPayments[0].Source)
	assertAmount(t, payment.NewAmountFromInt(700), got.PartialPayments[0].Amount)
	require.NotNil(t, got.PendingRequest)
	assert.Equal(t, "req-1", got.PendingRequest.RequestID)
	assert.Equal(t, "ws_CO_1", got.PendingRequest.ProviderCheckoutID)
	assert.Equal(t, payment.RequestSent, got.PendingRequest.Status)
	assert.NoError(t, got.Check())
}

func testDuplicateTransaction(t *testing.T, s payment.Store) {
	ctx := context.Background()
	insertTx(t, s, sampleTransaction("RK71DUP", 0))

	err := s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.InsertTransaction(ctx, sampleTransaction("RK71DUP", time.Minute))
	})
	assert.ErrorIs(t, err, payment.ErrDuplicateTransaction)

	all, err := s.ListTransactions(ctx, payment.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testDuplicateOrder(t *testing.T, s payment.Store) {
	ctx := context.Background()
	insertOrder(t, s, sampleOrder("ORD-1"))

	err := s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.InsertOrder(ctx, sampleOrder("ORD-1"))
	})
	assert.ErrorIs(t, err, payment.ErrDuplicateOrder)
}

func testRollback(t *testing.T, s payment.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx payment.Tx) error {
		if err := tx.InsertOrder(ctx, sampleOrder("ORD-RB")); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, sampleTransaction("RK71RB", 0)); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, payment.AuditEntry{
			ID:       "audit-rb",
			At:       base,
			Action:   payment.AuditTransactionRecorded,
			Actor:    payment.SystemActor(),
			Metadata: map[string]string{},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	o, err := s.GetOrder(ctx, "ORD-RB")
	require.NoError(t, err)
	assert.Nil(t, o)
	tr, err := s.GetTransaction(ctx, "RK71RB")
	require.NoError(t, err)
	assert.Nil(t, tr)
	entries, err := s.QueryAudit(ctx, payment.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testOrderVersion(t *testing.T, s payment.Store) {
	ctx := context.Background()
	o := sampleOrder("ORD-V")
	insertOrder(t, s, o)

	o.Version = 2
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateOrder(ctx, o, 1)
	}))

	// A writer that read version 1 has lost the race.
	stale := o
	stale.Version = 2
	err := s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateOrder(ctx, stale, 1)
	})
	assert.ErrorIs(t, err, payment.ErrConcurrentModification)
}

func testResolvedTransaction(t *testing.T, s payment.Store) {
	ctx := context.Background()
	tr := sampleTransaction("RK71RES", 0)
	insertTx(t, s, tr)

	tr.ConfirmationStatus = payment.ConfirmationRejected
	tr.RejectionReason = "wrong customer"
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateTransaction(ctx, tr)
	}))

	tr.ConfirmationStatus = payment.ConfirmationConfirmed
	err := s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateTransaction(ctx, tr)
	})
	assert.ErrorIs(t, err, payment.ErrConcurrentModification)

	got, err := s.GetTransaction(ctx, "RK71RES")
	require.NoError(t, err)
	assert.Equal(t, payment.ConfirmationRejected, got.ConfirmationStatus)
	assert.Equal(t, "wrong customer", got.RejectionReason)
}

func testPaymentOnce(t *testing.T, s payment.Store) {
	ctx := context.Background()
	o := sampleOrder("ORD-P")
	insertOrder(t, s, o)

	rec := payment.PaymentRecord{
		TransactionID: "RK71ONCE",
		Amount:        payment.NewAmountFromInt(100),
		Date:          base,
		Method:        payment.MethodMpesaDirect,
		Source:        payment.SourceAuto,
	}
	o.PartialPayments = []payment.PaymentRecord{rec, rec}
	o.Version = 2
	err := s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateOrder(ctx, o, 1)
	})
	assert.Error(t, err)

	got, err := s.GetOrder(ctx, "ORD-P")
	require.NoError(t, err)
	assert.Empty(t, got.PartialPayments)
	assert.Equal(t, int64(1), got.Version)
}

func testCheckoutLookup(t *testing.T, s payment.Store) {
	ctx := context.Background()
	withRequest := sampleOrder("ORD-C1")
	withRequest.PaymentStatus = payment.StatusPending
	withRequest.PendingRequest = &payment.PendingRequest{
		RequestID:          "req-c1",
		RequestedAmount:    payment.NewAmountFromInt(1000),
		PaymentType:        payment.PaymentFull,
		ProviderCheckoutID: "ws_CO_123",
		PayerPhone:         "254712345678",
		Status:             payment.RequestSent,
		RequestedAt:        base,
	}
	insertOrder(t, s, withRequest, sampleOrder("ORD-C2"))

	got, err := s.FindOrderByCheckoutID(ctx, "ws_CO_123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, payment.OrderID("ORD-C1"), got.ID)

	// Clearing the request stops the lookup matching.
	cleared := *got
	cleared.PendingRequest = nil
	cleared.PaymentStatus = payment.StatusFailed
	cleared.Version = 2
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		return tx.UpdateOrder(ctx, cleared, 1)
	}))
	got, err = s.FindOrderByCheckoutID(ctx, "ws_CO_123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testListFilters(t *testing.T, s payment.Store) {
	ctx := context.Background()

	mismatch := sampleTransaction("RK71M", 1*time.Minute)
	mismatch.Classification = payment.ClassMismatch
	mismatch.CandidateOrderID = "ORD-1"

	unmatched := sampleTransaction("RK71U", 2*time.Minute)
	unmatched.Classification = payment.ClassUnmatched

	unclassified := sampleTransaction("RK71N", 3*time.Minute)

	rejected := sampleTransaction("RK71R", 4*time.Minute)
	rejected.Classification = payment.ClassUnmatched
	rejected.ConfirmationStatus = payment.ConfirmationRejected

	insertTx(t, s, mismatch, unmatched, unclassified, rejected)

	pending := payment.ConfirmationPending
	yes, no := true, false
	class := payment.ClassMismatch
	got, err := s.ListTransactions(ctx, payment.TransactionFilter{
		ConfirmationStatus: &pending,
		Classification:     &class,
		HasCandidate:       &yes,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, payment.TransactionID("RK71M"), got[0].ID)

	none := payment.ClassUnclassified
	got, err = s.ListTransactions(ctx, payment.TransactionFilter{Classification: &none, Connected: &no})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, payment.TransactionID("RK71N"), got[0].ID)

	rej := payment.ConfirmationRejected
	got, err = s.ListTransactions(ctx, payment.TransactionFilter{ConfirmationStatus: &rej})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, payment.TransactionID("RK71R"), got[0].ID)

	order := payment.OrderID("ORD-1")
	got, err = s.ListTransactions(ctx, payment.TransactionFilter{OrderID: &order})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.ListTransactions(ctx, payment.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, payment.TransactionID("RK71M"), got[0].ID)
	assert.Equal(t, payment.TransactionID("RK71U"), got[1].ID)
}

func testAuditQuery(t *testing.T, s payment.Store) {
	ctx := context.Background()
	op, err := payment.Operator("bob")
	require.NoError(t, err)
	before, after := payment.NewAmountFromInt(1000), payment.NewAmountFromInt(300)

	entries := []payment.AuditEntry{
		{ID: "a1", At: base, Action: payment.AuditTransactionRecorded, TransactionID: "RK71A", Actor: payment.SystemActor(), Metadata: map[string]string{"amount": "700.00"}},
		{ID: "a2", At: base.Add(time.Minute), Action: payment.AuditManualConnect, TransactionID: "RK71A", OrderID: "ORD-1", Actor: op, BalanceBefore: &before, BalanceAfter: &after, Metadata: map[string]string{"source": "manual_connect"}},
		{ID: "a3", At: base.Add(2 * time.Minute), Action: payment.AuditReject, TransactionID: "RK71B", Actor: op, Metadata: map[string]string{}},
	}
	require.NoError(t, s.WithTx(ctx, func(tx payment.Tx) error {
		for _, e := range entries {
			if err := tx.AppendAudit(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	txID := payment.TransactionID("RK71A")
	got, err := s.QueryAudit(ctx, payment.AuditFilter{TransactionID: &txID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, payment.AuditTransactionRecorded, got[0].Action)
	assert.True(t, got[0].Actor.IsSystem())
	assert.Nil(t, got[0].BalanceBefore)

	connect := got[1]
	assert.Equal(t, op, connect.Actor)
	require.NotNil(t, connect.BalanceBefore)
	require.NotNil(t, connect.BalanceAfter)
	assertAmount(t, before, *connect.BalanceBefore)
	assertAmount(t, after, *connect.BalanceAfter)
	assert.Equal(t, "manual_connect", connect.Metadata["source"])

	got, err = s.QueryAudit(ctx, payment.AuditFilter{Actions: []payment.AuditAction{payment.AuditReject}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a3", got[0].ID)

	from := base.Add(30 * time.Second)
	got, err = s.QueryAudit(ctx, payment.AuditFilter{From: &from, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ID)
}
