// Package store provides in-process payment.Store implementations.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/freshfold/payrecon/payment"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[payment.TransactionID]payment.Transaction
	txOrder      []payment.TransactionID // insertion order
	orders       map[payment.OrderID]payment.Order
	audit        []payment.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[payment.TransactionID]payment.Transaction),
		orders:       make(map[payment.OrderID]payment.Order),
	}
}

func (m *Memory) GetTransaction(_ context.Context, id payment.TransactionID) (*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id), nil
}

func (m *Memory) GetOrder(_ context.Context, id payment.OrderID) (*payment.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOrderLocked(id), nil
}

func (m *Memory) FindOrderByCheckoutID(_ context.Context, checkoutID string) (*payment.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByCheckoutLocked(checkoutID), nil
}

func (m *Memory) ListTransactions(_ context.Context, filter payment.TransactionFilter) ([]payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked(filter), nil
}

func (m *Memory) QueryAudit(_ context.Context, filter payment.AuditFilter) ([]payment.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryAuditLocked(filter), nil
}

// =============================================================================
// LOCKED HELPERS - Caller holds m.mu
// =============================================================================

func (m *Memory) getTransactionLocked(id payment.TransactionID) *payment.Transaction {
	t, ok := m.transactions[id]
	if !ok {
		return nil
	}
	return &t
}

func (m *Memory) getOrderLocked(id payment.OrderID) *payment.Order {
	o, ok := m.orders[id]
	if !ok {
		return nil
	}
	c := o.Clone()
	return &c
}

func (m *Memory) findByCheckoutLocked(checkoutID string) *payment.Order {
	if checkoutID == "" {
		return nil
	}
	for _, o := range m.orders {
		if o.PendingRequest != nil && o.PendingRequest.ProviderCheckoutID == checkoutID {
			c := o.Clone()
			return &c
		}
	}
	return nil
}

func (m *Memory) listTransactionsLocked(filter payment.TransactionFilter) []payment.Transaction {
	var result []payment.Transaction
	for _, id := range m.txOrder {
		t := m.transactions[id]
		if !filter.Matches(t) {
			continue
		}
		result = append(result, t)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result
}

func (m *Memory) queryAuditLocked(filter payment.AuditFilter) []payment.AuditEntry {
	var result []payment.AuditEntry
	for _, e := range m.audit {
		if !filter.Matches(e) {
			continue
		}
		result = append(result, cloneEntry(e))
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result
}

func cloneEntry(e payment.AuditEntry) payment.AuditEntry {
	meta := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	e.Metadata = meta
	return e
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so units are serialised.
func (m *Memory) WithTx(ctx context.Context, fn func(payment.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	transactions map[payment.TransactionID]payment.Transaction
	txOrder      []payment.TransactionID
	orders       map[payment.OrderID]payment.Order
	auditLen     int
}

func (m *Memory) snapshot() memorySnapshot {
	txs := make(map[payment.TransactionID]payment.Transaction, len(m.transactions))
	for k, v := range m.transactions {
		txs[k] = v
	}
	orders := make(map[payment.OrderID]payment.Order, len(m.orders))
	for k, v := range m.orders {
		orders[k] = v.Clone()
	}
	return memorySnapshot{
		transactions: txs,
		txOrder:      append([]payment.TransactionID(nil), m.txOrder...),
		orders:       orders,
		auditLen:     len(m.audit),
	}
}

// restore relies on audit being append-only: truncating drops the
// entries written by the failed unit.
func (m *Memory) restore(s memorySnapshot) {
	m.transactions = s.transactions
	m.txOrder = s.txOrder
	m.orders = s.orders
	m.audit = m.audit[:s.auditLen]
}

type txView struct {
	m *Memory
}

func (tv *txView) GetTransaction(_ context.Context, id payment.TransactionID) (*payment.Transaction, error) {
	return tv.m.getTransactionLocked(id), nil
}

func (tv *txView) GetOrder(_ context.Context, id payment.OrderID) (*payment.Order, error) {
	return tv.m.getOrderLocked(id), nil
}

func (tv *txView) FindOrderByCheckoutID(_ context.Context, checkoutID string) (*payment.Order, error) {
	return tv.m.findByCheckoutLocked(checkoutID), nil
}

func (tv *txView) ListTransactions(_ context.Context, filter payment.TransactionFilter) ([]payment.Transaction, error) {
	return tv.m.listTransactionsLocked(filter), nil
}

func (tv *txView) QueryAudit(_ context.Context, filter payment.AuditFilter) ([]payment.AuditEntry, error) {
	return tv.m.queryAuditLocked(filter), nil
}

func (tv *txView) InsertTransaction(_ context.Context, t payment.Transaction) error {
	if _, ok := tv.m.transactions[t.ID]; ok {
		return fmt.Errorf("transaction %s: %w", t.ID, payment.ErrDuplicateTransaction)
	}
	tv.m.transactions[t.ID] = t
	tv.m.txOrder = append(tv.m.txOrder, t.ID)
	return nil
}

func (tv *txView) UpdateTransaction(_ context.Context, t payment.Transaction) error {
	stored, ok := tv.m.transactions[t.ID]
	if !ok {
		return &payment.NotFoundError{Kind: "transaction", ID: string(t.ID)}
	}
	if stored.ConfirmationStatus != payment.ConfirmationPending {
		return fmt.Errorf("transaction %s is %s: %w", t.ID, stored.ConfirmationStatus, payment.ErrConcurrentModification)
	}
	tv.m.transactions[t.ID] = t
	return nil
}

func (tv *txView) InsertOrder(_ context.Context, o payment.Order) error {
	if _, ok := tv.m.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, payment.ErrDuplicateOrder)
	}
	tv.m.orders[o.ID] = o.Clone()
	return nil
}

func (tv *txView) UpdateOrder(_ context.Context, o payment.Order, expectedVersion int64) error {
	stored, ok := tv.m.orders[o.ID]
	if !ok {
		return &payment.NotFoundError{Kind: "order", ID: string(o.ID)}
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("order %s at version %d, expected %d: %w", o.ID, stored.Version, expectedVersion, payment.ErrConcurrentModification)
	}
	seen := make(map[payment.TransactionID]bool, len(o.PartialPayments))
	for _, p := range o.PartialPayments {
		if seen[p.TransactionID] {
			return fmt.Errorf("order %s: payment %s applied twice: %w", o.ID, p.TransactionID, payment.ErrConcurrentModification)
		}
		seen[p.TransactionID] = true
	}
	tv.m.orders[o.ID] = o.Clone()
	return nil
}

func (tv *txView) AppendAudit(_ context.Context, e payment.AuditEntry) error {
	tv.m.audit = append(tv.m.audit, cloneEntry(e))
	return nil
}
