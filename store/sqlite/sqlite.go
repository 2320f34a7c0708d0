/*
Package sqlite provides a SQLite-backed implementation of payment.Store.

PURPOSE:
  Single-node deployments (one shop, one server). The same schema runs on
  PostgreSQL in store/postgres with only dialect differences.

KEY TABLES:
  transactions:   One row per provider transaction id (the ledger)
  orders:         Payment fields of each order, version for optimistic locking
  order_payments: Append-only payment records, UNIQUE(order_id, transaction_id)
  audit_log:      Append-only history of every state change

UNIQUENESS:
  - transactions.id is the primary key: a second delivery of the same
    notification fails with ErrDuplicateTransaction
  - order_payments(order_id, transaction_id): a payment can never be applied
    twice to one order, even if two writers got past the version check

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a
  storage transaction sees only its own writes. Reads inside WithTx go
  through the sql.Tx, never through the Store.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/payrecon.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := payment.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - payment/store.go: Interface definitions
  - payment/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/freshfold/payrecon/payment"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements payment.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Provider notifications (one row per provider transaction id)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		receipt_number TEXT NOT NULL,
		amount TEXT NOT NULL,
		payer_phone TEXT,
		payer_name TEXT,
		transaction_date TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		correlation_id TEXT,
		bill_reference TEXT,
		confirmation_status TEXT NOT NULL,
		classification TEXT NOT NULL DEFAULT '',
		candidate_order_id TEXT,
		is_connected INTEGER NOT NULL DEFAULT 0,
		connected_order_id TEXT,
		connected_at TEXT,
		connected_by_kind TEXT,
		connected_by_id TEXT,
		confirmed_name TEXT,
		notes TEXT,
		rejection_reason TEXT,
		resolved_at TEXT,
		resolved_by_kind TEXT,
		resolved_by_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Operator queues
	CREATE INDEX IF NOT EXISTS idx_transactions_queue
		ON transactions(confirmation_status, classification);
	CREATE INDEX IF NOT EXISTS idx_transactions_candidate
		ON transactions(candidate_order_id) WHERE candidate_order_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_connected
		ON transactions(connected_order_id) WHERE connected_order_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_name TEXT,
		customer_phone TEXT,
		total_amount TEXT NOT NULL,
		settled_base TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		pending_request_json TEXT,
		checkout_id TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Callback correlation (hot path for push payments)
	CREATE INDEX IF NOT EXISTS idx_orders_checkout
		ON orders(checkout_id) WHERE checkout_id IS NOT NULL;

	-- Applied payments (append-only)
	CREATE TABLE IF NOT EXISTS order_payments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL REFERENCES orders(id),
		transaction_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		excess TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		receipt_id TEXT,
		payer_phone TEXT,
		payer_name TEXT,
		method TEXT NOT NULL,
		source TEXT NOT NULL
	);

	-- CRITICAL: a transaction is applied to an order at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_order_payment
		ON order_payments(order_id, transaction_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		at TEXT NOT NULL,
		action TEXT NOT NULL,
		transaction_id TEXT,
		order_id TEXT,
		actor_kind TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		balance_before TEXT,
		balance_after TEXT,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_transaction
		ON audit_log(transaction_id) WHERE transaction_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_order
		ON audit_log(order_id) WHERE order_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_at
		ON audit_log(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READER (payment.Reader interface)
// =============================================================================

func (s *Store) GetTransaction(ctx context.Context, id payment.TransactionID) (*payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func (s *Store) GetOrder(ctx context.Context, id payment.OrderID) (*payment.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrder(ctx, s.db, "id = ?", string(id))
}

func (s *Store) FindOrderByCheckoutID(ctx context.Context, checkoutID string) (*payment.Order, error) {
	if checkoutID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrder(ctx, s.db, "checkout_id = ?", checkoutID)
}

func (s *Store) ListTransactions(ctx context.Context, filter payment.TransactionFilter) ([]payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, filter)
}

func (s *Store) QueryAudit(ctx context.Context, filter payment.AuditFilter) ([]payment.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAudit(ctx, s.db, filter)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(payment.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetTransaction(ctx context.Context, id payment.TransactionID) (*payment.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) GetOrder(ctx context.Context, id payment.OrderID) (*payment.Order, error) {
	return getOrder(ctx, ts.tx, "id = ?", string(id))
}

func (ts *txStore) FindOrderByCheckoutID(ctx context.Context, checkoutID string) (*payment.Order, error) {
	if checkoutID == "" {
		return nil, nil
	}
	return getOrder(ctx, ts.tx, "checkout_id = ?", checkoutID)
}

func (ts *txStore) ListTransactions(ctx context.Context, filter payment.TransactionFilter) ([]payment.Transaction, error) {
	return listTransactions(ctx, ts.tx, filter)
}

func (ts *txStore) QueryAudit(ctx context.Context, filter payment.AuditFilter) ([]payment.AuditEntry, error) {
	return queryAudit(ctx, ts.tx, filter)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t payment.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, receipt_number, amount, payer_phone, payer_name, transaction_date, tx_type,
		 correlation_id, bill_reference, confirmation_status, classification, candidate_order_id,
		 is_connected, connected_order_id, connected_at, connected_by_kind, connected_by_id,
		 confirmed_name, notes, rejection_reason, resolved_at, resolved_by_kind, resolved_by_id,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		string(t.ID),
		t.ReceiptNumber,
		t.AmountPaid.Value.String(),
		nullString(t.PayerPhone),
		nullString(t.PayerName),
		formatTime(t.TransactionDate),
		string(t.Type),
		nullString(t.CorrelationID),
		nullString(t.BillReference),
		string(t.ConfirmationStatus),
		string(t.Classification),
		nullString(string(t.CandidateOrderID)),
		boolInt(t.IsConnectedToOrder),
		nullString(string(t.ConnectedOrderID)),
		nullTime(t.ConnectedAt),
		nullString(string(t.ConnectedBy.Kind())),
		nullString(t.ConnectedBy.ID()),
		nullString(t.ConfirmedName),
		nullString(t.Notes),
		nullString(t.RejectionReason),
		nullTime(t.ResolvedAt),
		nullString(string(t.ResolvedBy.Kind())),
		nullString(t.ResolvedBy.ID()),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("transaction %s: %w", t.ID, payment.ErrDuplicateTransaction)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateTransaction(ctx context.Context, t payment.Transaction) error {
	query := `
		UPDATE transactions SET
			confirmation_status = ?, classification = ?, candidate_order_id = ?,
			is_connected = ?, connected_order_id = ?, connected_at = ?,
			connected_by_kind = ?, connected_by_id = ?,
			confirmed_name = ?, notes = ?, rejection_reason = ?,
			resolved_at = ?, resolved_by_kind = ?, resolved_by_id = ?,
			payer_name = ?, updated_at = ?
		WHERE id = ? AND confirmation_status = 'pending'
	`
	res, err := ts.tx.ExecContext(ctx, query,
		string(t.ConfirmationStatus),
		string(t.Classification),
		nullString(string(t.CandidateOrderID)),
		boolInt(t.IsConnectedToOrder),
		nullString(string(t.ConnectedOrderID)),
		nullTime(t.ConnectedAt),
		nullString(string(t.ConnectedBy.Kind())),
		nullString(t.ConnectedBy.ID()),
		nullString(t.ConfirmedName),
		nullString(t.Notes),
		nullString(t.RejectionReason),
		nullTime(t.ResolvedAt),
		nullString(string(t.ResolvedBy.Kind())),
		nullString(t.ResolvedBy.ID()),
		nullString(t.PayerName),
		formatTime(t.UpdatedAt),
		string(t.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := getTransaction(ctx, ts.tx, t.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return &payment.NotFoundError{Kind: "transaction", ID: string(t.ID)}
		}
		return fmt.Errorf("transaction %s is %s: %w", t.ID, existing.ConfirmationStatus, payment.ErrConcurrentModification)
	}
	return nil
}

func (ts *txStore) InsertOrder(ctx context.Context, o payment.Order) error {
	pending, checkout, err := encodePending(o.PendingRequest)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO orders
		(id, customer_name, customer_phone, total_amount, settled_base, remaining_balance,
		 payment_status, pending_request_json, checkout_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ts.tx.ExecContext(ctx, query,
		string(o.ID),
		nullString(o.CustomerName),
		nullString(o.CustomerPhone),
		o.TotalAmount.Value.String(),
		o.SettledBase.Value.String(),
		o.RemainingBalance.Value.String(),
		string(o.PaymentStatus),
		pending,
		checkout,
		o.Version,
		formatTime(o.CreatedAt),
		formatTime(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("order %s: %w", o.ID, payment.ErrDuplicateOrder)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return insertPayments(ctx, ts.tx, o.ID, o.PartialPayments)
}

func (ts *txStore) UpdateOrder(ctx context.Context, o payment.Order, expectedVersion int64) error {
	pending, checkout, err := encodePending(o.PendingRequest)
	if err != nil {
		return err
	}
	query := `
		UPDATE orders SET
			customer_name = ?, customer_phone = ?, remaining_balance = ?, payment_status = ?,
			pending_request_json = ?, checkout_id = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`
	res, err := ts.tx.ExecContext(ctx, query,
		nullString(o.CustomerName),
		nullString(o.CustomerPhone),
		o.RemainingBalance.Value.String(),
		string(o.PaymentStatus),
		pending,
		checkout,
		o.Version,
		formatTime(o.UpdatedAt),
		string(o.ID),
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := ts.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders WHERE id = ?", string(o.ID)).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return &payment.NotFoundError{Kind: "order", ID: string(o.ID)}
		}
		return fmt.Errorf("order %s moved past version %d: %w", o.ID, expectedVersion, payment.ErrConcurrentModification)
	}

	// Payment records are append-only: store only the ones not yet persisted.
	var stored int
	if err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM order_payments WHERE order_id = ?", string(o.ID),
	).Scan(&stored); err != nil {
		return err
	}
	if stored > len(o.PartialPayments) {
		return fmt.Errorf("order %s would drop payment records: %w", o.ID, payment.ErrConcurrentModification)
	}
	return insertPayments(ctx, ts.tx, o.ID, o.PartialPayments[stored:])
}

func (ts *txStore) AppendAudit(ctx context.Context, e payment.AuditEntry) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	query := `
		INSERT INTO audit_log
		(id, at, action, transaction_id, order_id, actor_kind, actor_id,
		 balance_before, balance_after, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ts.tx.ExecContext(ctx, query,
		e.ID,
		formatTime(e.At),
		string(e.Action),
		nullString(string(e.TransactionID)),
		nullString(string(e.OrderID)),
		string(e.Actor.Kind()),
		e.Actor.ID(),
		nullAmount(e.BalanceBefore),
		nullAmount(e.BalanceAfter),
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

const transactionColumns = `
	id, receipt_number, amount, payer_phone, payer_name, transaction_date, tx_type,
	correlation_id, bill_reference, confirmation_status, classification, candidate_order_id,
	is_connected, connected_order_id, connected_at, connected_by_kind, connected_by_id,
	confirmed_name, notes, rejection_reason, resolved_at, resolved_by_kind, resolved_by_id,
	created_at, updated_at`

func getTransaction(ctx context.Context, q querier, id payment.TransactionID) (*payment.Transaction, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func listTransactions(ctx context.Context, q querier, f payment.TransactionFilter) ([]payment.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.ConfirmationStatus != nil {
		where = append(where, "confirmation_status = ?")
		args = append(args, string(*f.ConfirmationStatus))
	}
	if f.Classification != nil {
		where = append(where, "classification = ?")
		args = append(args, string(*f.Classification))
	}
	if f.Connected != nil {
		where = append(where, "is_connected = ?")
		args = append(args, boolInt(*f.Connected))
	}
	if f.HasCandidate != nil {
		if *f.HasCandidate {
			where = append(where, "candidate_order_id IS NOT NULL")
		} else {
			where = append(where, "candidate_order_id IS NULL")
		}
	}
	if f.OrderID != nil {
		where = append(where, "(connected_order_id = ? OR candidate_order_id = ?)")
		args = append(args, string(*f.OrderID), string(*f.OrderID))
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []payment.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (payment.Transaction, error) {
	var (
		t                                  payment.Transaction
		amount, txDate, createdAt, updated string
		txType, status, class              string
		connected                          int
		payerPhone, payerName              sql.NullString
		correlation, billRef, candidate    sql.NullString
		connectedOrder, connectedAt        sql.NullString
		connKind, connID                   sql.NullString
		confirmedName, notes, rejection    sql.NullString
		resolvedAt, resKind, resID         sql.NullString
		id                                 string
	)
	err := rows.Scan(
		&id, &t.ReceiptNumber, &amount, &payerPhone, &payerName, &txDate, &txType,
		&correlation, &billRef, &status, &class, &candidate,
		&connected, &connectedOrder, &connectedAt, &connKind, &connID,
		&confirmedName, &notes, &rejection, &resolvedAt, &resKind, &resID,
		&createdAt, &updated,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan transaction: %w", err)
	}

	t.ID = payment.TransactionID(id)
	if t.AmountPaid, err = payment.ParseAmount(amount); err != nil {
		return t, err
	}
	t.PayerPhone = payerPhone.String
	t.PayerName = payerName.String
	t.TransactionDate = parseTime(txDate)
	t.Type = payment.TransactionType(txType)
	t.CorrelationID = correlation.String
	t.BillReference = billRef.String
	t.ConfirmationStatus = payment.ConfirmationStatus(status)
	t.Classification = payment.Classification(class)
	t.CandidateOrderID = payment.OrderID(candidate.String)
	t.IsConnectedToOrder = connected != 0
	t.ConnectedOrderID = payment.OrderID(connectedOrder.String)
	t.ConnectedAt = parseNullTime(connectedAt)
	t.ConnectedBy = payment.RestoreActor(payment.ActorKind(connKind.String), connID.String)
	t.ConfirmedName = confirmedName.String
	t.Notes = notes.String
	t.RejectionReason = rejection.String
	t.ResolvedAt = parseNullTime(resolvedAt)
	t.ResolvedBy = payment.RestoreActor(payment.ActorKind(resKind.String), resID.String)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func getOrder(ctx context.Context, q querier, where string, arg any) (*payment.Order, error) {
	query := `
		SELECT id, customer_name, customer_phone, total_amount, settled_base, remaining_balance,
		       payment_status, pending_request_json, version, created_at, updated_at
		FROM orders WHERE ` + where
	var (
		o                                 payment.Order
		id, total, base, remaining        string
		status, createdAt, updatedAt      string
		customerName, customerPhone, pend sql.NullString
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(
		&id, &customerName, &customerPhone, &total, &base, &remaining,
		&status, &pend, &o.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	o.ID = payment.OrderID(id)
	o.CustomerName = customerName.String
	o.CustomerPhone = customerPhone.String
	if o.TotalAmount, err = payment.ParseAmount(total); err != nil {
		return nil, err
	}
	if o.SettledBase, err = payment.ParseAmount(base); err != nil {
		return nil, err
	}
	if o.RemainingBalance, err = payment.ParseAmount(remaining); err != nil {
		return nil, err
	}
	o.PaymentStatus = payment.PaymentStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	if o.PendingRequest, err = decodePending(pend); err != nil {
		return nil, err
	}
	if o.PartialPayments, err = loadPayments(ctx, q, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

func loadPayments(ctx context.Context, q querier, id payment.OrderID) ([]payment.PaymentRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT transaction_id, amount, excess, paid_at, receipt_id, payer_phone, payer_name, method, source
		FROM order_payments WHERE order_id = ? ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var records []payment.PaymentRecord
	for rows.Next() {
		var (
			p                              payment.PaymentRecord
			txID, amount, excess, paidAt   string
			method, source                 string
			receipt, payerPhone, payerName sql.NullString
		)
		if err := rows.Scan(&txID, &amount, &excess, &paidAt, &receipt, &payerPhone, &payerName, &method, &source); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.TransactionID = payment.TransactionID(txID)
		if p.Amount, err = payment.ParseAmount(amount); err != nil {
			return nil, err
		}
		if p.Excess, err = payment.ParseAmount(excess); err != nil {
			return nil, err
		}
		p.Date = parseTime(paidAt)
		p.ProviderReceiptID = receipt.String
		p.PayerPhone = payerPhone.String
		p.PayerName = payerName.String
		p.Method = payment.PaymentMethod(method)
		p.Source = payment.ConfirmationSource(source)
		records = append(records, p)
	}
	return records, rows.Err()
}

func insertPayments(ctx context.Context, q querier, id payment.OrderID, records []payment.PaymentRecord) error {
	for _, p := range records {
		_, err := q.ExecContext(ctx, `
			INSERT INTO order_payments
			(order_id, transaction_id, amount, excess, paid_at, receipt_id, payer_phone, payer_name, method, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(id),
			string(p.TransactionID),
			p.Amount.Value.String(),
			p.Excess.Value.String(),
			formatTime(p.Date),
			nullString(p.ProviderReceiptID),
			nullString(p.PayerPhone),
			nullString(p.PayerName),
			string(p.Method),
			string(p.Source),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("payment %s already applied to order %s: %w", p.TransactionID, id, payment.ErrConcurrentModification)
			}
			return fmt.Errorf("failed to insert payment: %w", err)
		}
	}
	return nil
}

func queryAudit(ctx context.Context, q querier, f payment.AuditFilter) ([]payment.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.TransactionID != nil {
		where = append(where, "transaction_id = ?")
		args = append(args, string(*f.TransactionID))
	}
	if f.OrderID != nil {
		where = append(where, "order_id = ?")
		args = append(args, string(*f.OrderID))
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		where = append(where, "at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "at <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := `
		SELECT id, at, action, transaction_id, order_id, actor_kind, actor_id,
		       balance_before, balance_after, metadata_json
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []payment.AuditEntry
	for rows.Next() {
		var (
			e                       payment.AuditEntry
			at, action, kind, actor string
			txID, orderID           sql.NullString
			before, after, meta     sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &action, &txID, &orderID, &kind, &actor, &before, &after, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At = parseTime(at)
		e.Action = payment.AuditAction(action)
		e.TransactionID = payment.TransactionID(txID.String)
		e.OrderID = payment.OrderID(orderID.String)
		e.Actor = payment.RestoreActor(payment.ActorKind(kind), actor)
		if e.BalanceBefore, err = parseNullAmount(before); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = parseNullAmount(after); err != nil {
			return nil, err
		}
		e.Metadata = map[string]string{}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PENDING REQUEST ENCODING
// =============================================================================

type pendingRecord struct {
	RequestID          string    `json:"request_id"`
	RequestedAmount    string    `json:"requested_amount"`
	PaymentType        string    `json:"payment_type"`
	ProviderCheckoutID string    `json:"provider_checkout_id,omitempty"`
	PayerPhone         string    `json:"payer_phone"`
	Status             string    `json:"status"`
	RequestedAt        time.Time `json:"requested_at"`
}

// encodePending returns the JSON column and the indexed checkout id.
func encodePending(pr *payment.PendingRequest) (sql.NullString, sql.NullString, error) {
	if pr == nil {
		return sql.NullString{}, sql.NullString{}, nil
	}
	b, err := json.Marshal(pendingRecord{
		RequestID:          pr.RequestID,
		RequestedAmount:    pr.RequestedAmount.Value.String(),
		PaymentType:        string(pr.PaymentType),
		ProviderCheckoutID: pr.ProviderCheckoutID,
		PayerPhone:         pr.PayerPhone,
		Status:             string(pr.Status),
		RequestedAt:        pr.RequestedAt.UTC(),
	})
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("failed to encode pending request: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nullString(pr.ProviderCheckoutID), nil
}

func decodePending(col sql.NullString) (*payment.PendingRequest, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var rec pendingRecord
	if err := json.Unmarshal([]byte(col.String), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode pending request: %w", err)
	}
	amount, err := payment.ParseAmount(rec.RequestedAmount)
	if err != nil {
		return nil, err
	}
	return &payment.PendingRequest{
		RequestID:          rec.RequestID,
		RequestedAmount:    amount,
		PaymentType:        payment.PaymentType(rec.PaymentType),
		ProviderCheckoutID: rec.ProviderCheckoutID,
		PayerPhone:         rec.PayerPhone,
		Status:             payment.RequestStatus(rec.Status),
		RequestedAt:        rec.RequestedAt,
	}, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullAmount(a *payment.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Value.String(), Valid: true}
}

func parseNullAmount(col sql.NullString) (*payment.Amount, error) {
	if !col.Valid {
		return nil, nil
	}
	a, err := payment.ParseAmount(col.String)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseNullTime(col sql.NullString) *time.Time {
	if !col.Valid {
		return nil
	}
	t := parseTime(col.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
