package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshfold/payrecon/payment"
	"github.com/freshfold/payrecon/payment/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) payment.Store { return newTestStore(t) })
}

func TestSQLite_ReopenKeepsState(t *testing.T) {
	// GIVEN: A file-backed store with a settled order
	// WHEN: The process restarts and reopens the file
	// THEN: Balances and history are intact

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payrecon.db")

	s, err := New(path)
	require.NoError(t, err)
	engine := payment.NewEngine(s)
	_, err = engine.RegisterOrder(ctx, payment.NewOrder{ID: "ORD-1", CustomerName: "Jane", Total: payment.NewAmountFromInt(500)})
	require.NoError(t, err)
	_, err = engine.NotifyDirectPayment(ctx, payment.DirectPayment{
		TransID:       "RK71FILE",
		Amount:        payment.NewAmountFromInt(500),
		PayerPhone:    "254712345678",
		BillReference: "ORD-1",
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	o, err := s.GetOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, payment.StatusPaid, o.PaymentStatus)
	assert.True(t, o.RemainingBalance.IsZero())
	require.Len(t, o.PartialPayments, 1)
	assert.NoError(t, o.Check())

	txID := payment.TransactionID("RK71FILE")
	entries, err := s.QueryAudit(ctx, payment.AuditFilter{TransactionID: &txID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, payment.AuditAutoConfirm, entries[1].Action)
	assert.True(t, entries[1].Actor.IsSystem())
}

func TestSQLite_DuplicateDeliveryThroughEngine(t *testing.T) {
	ctx := context.Background()
	engine := payment.NewEngine(newTestStore(t))
	_, err := engine.RegisterOrder(ctx, payment.NewOrder{ID: "ORD-1", Total: payment.NewAmountFromInt(1000)})
	require.NoError(t, err)

	dp := payment.DirectPayment{TransID: "RK71TWICE", Amount: payment.NewAmountFromInt(700), BillReference: "ORD-1"}
	first, err := engine.NotifyDirectPayment(ctx, dp)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, payment.ClassMismatch, first.Classification)

	second, err := engine.NotifyDirectPayment(ctx, dp)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, payment.ClassMismatch, second.Classification)
}
