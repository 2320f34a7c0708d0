/*
Package postgres provides a PostgreSQL implementation of payment.Store.

PURPOSE:
  Production storage for multi-process deployments, where SQLite's single
  writer is not enough. Same tables as store/sqlite.

CONCURRENCY:
  Every read inside WithTx takes a row lock (SELECT ... FOR UPDATE), so two
  callbacks racing on one order serialise in the database. The version
  check on UpdateOrder stays as a second line: a writer that lost the race
  gets ErrConcurrentModification and the engine retries.

UNIQUENESS:
  - transactions.id primary key → ErrDuplicateTransaction
  - order_payments(order_id, transaction_id) unique → a payment is applied
    to an order at most once

SEE ALSO:
  - store/sqlite/sqlite.go: Single-node variant
  - payment/storetest: Contract both implementations pass
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/freshfold/payrecon/payment"
)

const uniqueViolation = "23505"

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	receipt_number TEXT NOT NULL,
	amount NUMERIC(18,4) NOT NULL,
	payer_phone TEXT NOT NULL DEFAULT '',
	payer_name TEXT NOT NULL DEFAULT '',
	transaction_date TIMESTAMPTZ NOT NULL,
	tx_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	bill_reference TEXT NOT NULL DEFAULT '',
	confirmation_status TEXT NOT NULL,
	classification TEXT NOT NULL DEFAULT '',
	candidate_order_id TEXT NOT NULL DEFAULT '',
	is_connected BOOLEAN NOT NULL DEFAULT FALSE,
	connected_order_id TEXT NOT NULL DEFAULT '',
	connected_at TIMESTAMPTZ,
	connected_by_kind TEXT NOT NULL DEFAULT '',
	connected_by_id TEXT NOT NULL DEFAULT '',
	confirmed_name TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	resolved_by_kind TEXT NOT NULL DEFAULT '',
	resolved_by_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_queue ON transactions(confirmation_status, classification);
CREATE INDEX IF NOT EXISTS idx_transactions_candidate ON transactions(candidate_order_id) WHERE candidate_order_id <> '';
CREATE INDEX IF NOT EXISTS idx_transactions_connected ON transactions(connected_order_id) WHERE connected_order_id <> '';

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	customer_name TEXT NOT NULL DEFAULT '',
	customer_phone TEXT NOT NULL DEFAULT '',
	total_amount NUMERIC(18,4) NOT NULL,
	settled_base NUMERIC(18,4) NOT NULL,
	remaining_balance NUMERIC(18,4) NOT NULL,
	payment_status TEXT NOT NULL,
	request_id TEXT,
	requested_amount NUMERIC(18,4),
	request_payment_type TEXT,
	checkout_id TEXT,
	request_phone TEXT,
	request_status TEXT,
	requested_at TIMESTAMPTZ,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_checkout ON orders(checkout_id) WHERE checkout_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS order_payments (
	seq BIGSERIAL PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	transaction_id TEXT NOT NULL,
	amount NUMERIC(18,4) NOT NULL,
	excess NUMERIC(18,4) NOT NULL,
	paid_at TIMESTAMPTZ NOT NULL,
	receipt_id TEXT NOT NULL DEFAULT '',
	payer_phone TEXT NOT NULL DEFAULT '',
	payer_name TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL,
	source TEXT NOT NULL,
	UNIQUE (order_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	at TIMESTAMPTZ NOT NULL,
	action TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	order_id TEXT NOT NULL DEFAULT '',
	actor_kind TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	balance_before NUMERIC(18,4),
	balance_after NUMERIC(18,4),
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_transaction ON audit_log(transaction_id);
CREATE INDEX IF NOT EXISTS idx_audit_order ON audit_log(order_id);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetTransaction(ctx context.Context, id payment.TransactionID) (*payment.Transaction, error) {
	return getTransaction(ctx, s.pool, id, "")
}

func (s *Store) GetOrder(ctx context.Context, id payment.OrderID) (*payment.Order, error) {
	return getOrder(ctx, s.pool, "id = $1", string(id), "")
}

func (s *Store) FindOrderByCheckoutID(ctx context.Context, checkoutID string) (*payment.Order, error) {
	if checkoutID == "" {
		return nil, nil
	}
	return getOrder(ctx, s.pool, "checkout_id = $1", checkoutID, "")
}

func (s *Store) ListTransactions(ctx context.Context, filter payment.TransactionFilter) ([]payment.Transaction, error) {
	return listTransactions(ctx, s.pool, filter)
}

func (s *Store) QueryAudit(ctx context.Context, filter payment.AuditFilter) ([]payment.AuditEntry, error) {
	return queryAudit(ctx, s.pool, filter)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(payment.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

const forUpdate = " FOR UPDATE"

func (ts *txStore) GetTransaction(ctx context.Context, id payment.TransactionID) (*payment.Transaction, error) {
	return getTransaction(ctx, ts.tx, id, forUpdate)
}

func (ts *txStore) GetOrder(ctx context.Context, id payment.OrderID) (*payment.Order, error) {
	return getOrder(ctx, ts.tx, "id = $1", string(id), forUpdate)
}

func (ts *txStore) FindOrderByCheckoutID(ctx context.Context, checkoutID string) (*payment.Order, error) {
	if checkoutID == "" {
		return nil, nil
	}
	return getOrder(ctx, ts.tx, "checkout_id = $1", checkoutID, forUpdate)
}

func (ts *txStore) ListTransactions(ctx context.Context, filter payment.TransactionFilter) ([]payment.Transaction, error) {
	return listTransactions(ctx, ts.tx, filter)
}

func (ts *txStore) QueryAudit(ctx context.Context, filter payment.AuditFilter) ([]payment.AuditEntry, error) {
	return queryAudit(ctx, ts.tx, filter)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t payment.Transaction) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO transactions
		(id, receipt_number, amount, payer_phone, payer_name, transaction_date, tx_type,
		 correlation_id, bill_reference, confirmation_status, classification, candidate_order_id,
		 is_connected, connected_order_id, connected_at, connected_by_kind, connected_by_id,
		 confirmed_name, notes, rejection_reason, resolved_at, resolved_by_kind, resolved_by_id,
		 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		string(t.ID), t.ReceiptNumber, t.AmountPaid.Value, t.PayerPhone, t.PayerName,
		t.TransactionDate.UTC(), string(t.Type), t.CorrelationID, t.BillReference,
		string(t.ConfirmationStatus), string(t.Classification), string(t.CandidateOrderID),
		t.IsConnectedToOrder, string(t.ConnectedOrderID), t.ConnectedAt,
		string(t.ConnectedBy.Kind()), t.ConnectedBy.ID(),
		t.ConfirmedName, t.Notes, t.RejectionReason, t.ResolvedAt,
		string(t.ResolvedBy.Kind()), t.ResolvedBy.ID(),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", t.ID, payment.ErrDuplicateTransaction)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateTransaction(ctx context.Context, t payment.Transaction) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE transactions SET
			confirmation_status = $1, classification = $2, candidate_order_id = $3,
			is_connected = $4, connected_order_id = $5, connected_at = $6,
			connected_by_kind = $7, connected_by_id = $8,
			confirmed_name = $9, notes = $10, rejection_reason = $11,
			resolved_at = $12, resolved_by_kind = $13, resolved_by_id = $14,
			payer_name = $15, updated_at = $16
		WHERE id = $17 AND confirmation_status = 'pending'`,
		string(t.ConfirmationStatus), string(t.Classification), string(t.CandidateOrderID),
		t.IsConnectedToOrder, string(t.ConnectedOrderID), t.ConnectedAt,
		string(t.ConnectedBy.Kind()), t.ConnectedBy.ID(),
		t.ConfirmedName, t.Notes, t.RejectionReason,
		t.ResolvedAt, string(t.ResolvedBy.Kind()), t.ResolvedBy.ID(),
		t.PayerName, t.UpdatedAt.UTC(), string(t.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := getTransaction(ctx, ts.tx, t.ID, "")
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
	r := requestColumns(o.PendingRequest)
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO orders
		(id, customer_name, customer_phone, total_amount, settled_base, remaining_balance, payment_status,
		 request_id, requested_amount, request_payment_type, checkout_id, request_phone, request_status, requested_at,
		 version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		string(o.ID), o.CustomerName, o.CustomerPhone,
		o.TotalAmount.Value, o.SettledBase.Value, o.RemainingBalance.Value, string(o.PaymentStatus),
		r.id, r.amount, r.paymentType, r.checkout, r.phone, r.status, r.at,
		o.Version, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.ID, payment.ErrDuplicateOrder)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return insertPayments(ctx, ts.tx, o.ID, o.PartialPayments)
}

func (ts *txStore) UpdateOrder(ctx context.Context, o payment.Order, expectedVersion int64) error {
	r := requestColumns(o.PendingRequest)
	tag, err := ts.tx.Exec(ctx, `
		UPDATE orders SET
			customer_name = $1, customer_phone = $2, remaining_balance = $3, payment_status = $4,
			request_id = $5, requested_amount = $6, request_payment_type = $7, checkout_id = $8,
			request_phone = $9, request_status = $10, requested_at = $11,
			version = $12, updated_at = $13
		WHERE id = $14 AND version = $15`,
		o.CustomerName, o.CustomerPhone, o.RemainingBalance.Value, string(o.PaymentStatus),
		r.id, r.amount, r.paymentType, r.checkout, r.phone, r.status, r.at,
		o.Version, o.UpdatedAt.UTC(), string(o.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := ts.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", string(o.ID)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &payment.NotFoundError{Kind: "order", ID: string(o.ID)}
		}
		return fmt.Errorf("order %s moved past version %d: %w", o.ID, expectedVersion, payment.ErrConcurrentModification)
	}

	var stored int
	if err := ts.tx.QueryRow(ctx, "SELECT COUNT(*) FROM order_payments WHERE order_id = $1", string(o.ID)).Scan(&stored); err != nil {
		return err
	}
	if stored > len(o.PartialPayments) {
		return fmt.Errorf("order %s would drop payment records: %w", o.ID, payment.ErrConcurrentModification)
	}
	return insertPayments(ctx, ts.tx, o.ID, o.PartialPayments[stored:])
}

func (ts *txStore) AppendAudit(ctx context.Context, e payment.AuditEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO audit_log
		(id, at, action, transaction_id, order_id, actor_kind, actor_id, balance_before, balance_after, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.At.UTC(), string(e.Action), string(e.TransactionID), string(e.OrderID),
		string(e.Actor.Kind()), e.Actor.ID(), amountPtr(e.BalanceBefore), amountPtr(e.BalanceAfter), meta,
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

func getTransaction(ctx context.Context, q querier, id payment.TransactionID, lock string) (*payment.Transaction, error) {
	row := q.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1"+lock, string(id))
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
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
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.ConfirmationStatus != nil {
		where = append(where, "confirmation_status = "+arg(string(*f.ConfirmationStatus)))
	}
	if f.Classification != nil {
		where = append(where, "classification = "+arg(string(*f.Classification)))
	}
	if f.Connected != nil {
		where = append(where, "is_connected = "+arg(*f.Connected))
	}
	if f.HasCandidate != nil {
		if *f.HasCandidate {
			where = append(where, "candidate_order_id <> ''")
		} else {
			where = append(where, "candidate_order_id = ''")
		}
	}
	if f.OrderID != nil {
		p := arg(string(*f.OrderID))
		where = append(where, "(connected_order_id = "+p+" OR candidate_order_id = "+p+")")
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []payment.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (payment.Transaction, error) {
	var (
		t                                payment.Transaction
		id, txType, status, class        string
		candidate, connectedOrder        string
		connKind, connID, resKind, resID string
		amount                           decimal.Decimal
	)
	err := row.Scan(
		&id, &t.ReceiptNumber, &amount, &t.PayerPhone, &t.PayerName, &t.TransactionDate, &txType,
		&t.CorrelationID, &t.BillReference, &status, &class, &candidate,
		&t.IsConnectedToOrder, &connectedOrder, &t.ConnectedAt, &connKind, &connID,
		&t.ConfirmedName, &t.Notes, &t.RejectionReason, &t.ResolvedAt, &resKind, &resID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.ID = payment.TransactionID(id)
	t.AmountPaid = payment.Amount{Value: amount}
	t.Type = payment.TransactionType(txType)
	t.ConfirmationStatus = payment.ConfirmationStatus(status)
	t.Classification = payment.Classification(class)
	t.CandidateOrderID = payment.OrderID(candidate)
	t.ConnectedOrderID = payment.OrderID(connectedOrder)
	t.ConnectedBy = payment.RestoreActor(payment.ActorKind(connKind), connID)
	t.ResolvedBy = payment.RestoreActor(payment.ActorKind(resKind), resID)
	return t, nil
}

func getOrder(ctx context.Context, q querier, where string, arg any, lock string) (*payment.Order, error) {
	var (
		o                          payment.Order
		id, status                 string
		total, base, remaining     decimal.Decimal
		requestID, paymentType     *string
		checkout, phone, reqStatus *string
		requested                  *decimal.Decimal
		requestedAt                *time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT id, customer_name, customer_phone, total_amount, settled_base, remaining_balance, payment_status,
		       request_id, requested_amount, request_payment_type, checkout_id, request_phone, request_status, requested_at,
		       version, created_at, updated_at
		FROM orders WHERE `+where+lock, arg).Scan(
		&id, &o.CustomerName, &o.CustomerPhone, &total, &base, &remaining, &status,
		&requestID, &requested, &paymentType, &checkout, &phone, &reqStatus, &requestedAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	o.ID = payment.OrderID(id)
	o.TotalAmount = payment.Amount{Value: total}
	o.SettledBase = payment.Amount{Value: base}
	o.RemainingBalance = payment.Amount{Value: remaining}
	o.PaymentStatus = payment.PaymentStatus(status)
	if requestID != nil {
		o.PendingRequest = &payment.PendingRequest{
			RequestID:          *requestID,
			RequestedAmount:    payment.Amount{Value: deref(requested)},
			PaymentType:        payment.PaymentType(derefString(paymentType)),
			ProviderCheckoutID: derefString(checkout),
			PayerPhone:         derefString(phone),
			Status:             payment.RequestStatus(derefString(reqStatus)),
		}
		if requestedAt != nil {
			o.PendingRequest.RequestedAt = *requestedAt
		}
	}

	rows, err := q.Query(ctx, `
		SELECT transaction_id, amount, excess, paid_at, receipt_id, payer_phone, payer_name, method, source
		FROM order_payments WHERE order_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p                    payment.PaymentRecord
			txID, method, source string
			amount, excess       decimal.Decimal
		)
		if err := rows.Scan(&txID, &amount, &excess, &p.Date, &p.ProviderReceiptID, &p.PayerPhone, &p.PayerName, &method, &source); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.TransactionID = payment.TransactionID(txID)
		p.Amount = payment.Amount{Value: amount}
		p.Excess = payment.Amount{Value: excess}
		p.Method = payment.PaymentMethod(method)
		p.Source = payment.ConfirmationSource(source)
		o.PartialPayments = append(o.PartialPayments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

func insertPayments(ctx context.Context, q querier, id payment.OrderID, records []payment.PaymentRecord) error {
	for _, p := range records {
		_, err := q.Exec(ctx, `
			INSERT INTO order_payments
			(order_id, transaction_id, amount, excess, paid_at, receipt_id, payer_phone, payer_name, method, source)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			string(id), string(p.TransactionID), p.Amount.Value, p.Excess.Value, p.Date.UTC(),
			p.ProviderReceiptID, p.PayerPhone, p.PayerName, string(p.Method), string(p.Source),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s already applied to order %s: %w", p.TransactionID, id, payment.ErrConcurrentModification)
		}
		if err != nil {
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
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.TransactionID != nil {
		where = append(where, "transaction_id = "+arg(string(*f.TransactionID)))
	}
	if f.OrderID != nil {
		where = append(where, "order_id = "+arg(string(*f.OrderID)))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		where = append(where, "action = ANY("+arg(actions)+")")
	}
	if f.From != nil {
		where = append(where, "at >= "+arg(f.From.UTC()))
	}
	if f.To != nil {
		where = append(where, "at <= "+arg(f.To.UTC()))
	}

	query := `SELECT id, at, action, transaction_id, order_id, actor_kind, actor_id, balance_before, balance_after, metadata FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []payment.AuditEntry
	for rows.Next() {
		var (
			e                     payment.AuditEntry
			action, txID, orderID string
			kind, actor           string
			before, after         *decimal.Decimal
		)
		if err := rows.Scan(&e.ID, &e.At, &action, &txID, &orderID, &kind, &actor, &before, &after, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = payment.AuditAction(action)
		e.TransactionID = payment.TransactionID(txID)
		e.OrderID = payment.OrderID(orderID)
		e.Actor = payment.RestoreActor(payment.ActorKind(kind), actor)
		if before != nil {
			e.BalanceBefore = &payment.Amount{Value: *before}
		}
		if after != nil {
			e.BalanceAfter = &payment.Amount{Value: *after}
		}
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type requestCols struct {
	id, paymentType, checkout, phone, status *string
	amount                                   *decimal.Decimal
	at                                       *time.Time
}

func requestColumns(pr *payment.PendingRequest) requestCols {
	if pr == nil {
		return requestCols{}
	}
	at := pr.RequestedAt.UTC()
	c := requestCols{
		id:          &pr.RequestID,
		paymentType: ptr(string(pr.PaymentType)),
		phone:       &pr.PayerPhone,
		status:      ptr(string(pr.Status)),
		amount:      &pr.RequestedAmount.Value,
		at:          &at,
	}
	if pr.ProviderCheckoutID != "" {
		c.checkout = &pr.ProviderCheckoutID
	}
	return c
}

func amountPtr(a *payment.Amount) *decimal.Decimal {
	if a == nil {
		return nil
	}
	return &a.Value
}

func ptr[T any](v T) *T { return &v }

func deref(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
