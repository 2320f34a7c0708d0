/*
engine.go - Public operations of the reconciliation engine

PURPOSE:
  The Engine is what the gateway and the operator screens call. Each method
  is one independent request: there is no background goroutine and no
  in-process scheduler. Concurrency comes only from requests racing on the
  same order or transaction, and the store settles those races.

OPERATIONS:
  NotifyPaymentResult  Callback for a push prompt we initiated
  NotifyDirectPayment  Unsolicited paybill deposit
  Reconcile            Classify a recorded transaction and maybe settle it
  Connect              Operator links a transaction to an order
  Confirm / Reject     Identity-verification workflow (workflow.go)
  RequestPayment       Start a push prompt (initiate.go)
  Sweep                Retry reconciliation for transactions left behind

REQUEST FLOW (notification):
  ┌──────────┐   ┌────────────┐   ┌──────────────┐   ┌───────────────────┐
  │ Gateway  │──▶│ Ledger     │──▶│ Classify     │──▶│ exact: settle     │
  │ callback │   │ (dedup)    │   │ vs candidate │   │ mismatch: review  │
  └──────────┘   └────────────┘   └──────────────┘   │ unmatched: link   │
                                                     └───────────────────┘

RETRIES:
  Every storage unit that loses an optimistic-concurrency race is re-run
  from its reads, up to MaxAttempts times.

SEE ALSO:
  - balance.go: settle(), shared by every path that moves money
  - classify.go: Classify()
  - workflow.go: Confirm, Reject, queues
*/
package payment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts     = 5
	defaultInitiateTimeout = 30 * time.Second
	defaultRequestTTL      = 3 * time.Minute
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     Store
	ledger    *Ledger
	publisher Publisher
	initiator Initiator
	logger    *zap.Logger
	now       func() time.Time

	maxAttempts     int
	initiateTimeout time.Duration
	requestTTL      time.Duration
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }
func WithInitiator(i Initiator) Option { return func(e *Engine) { e.initiator = i } }
func WithLogger(l *zap.Logger) Option  { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxAttempts bounds retries after ErrConcurrentModification.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithInitiateTimeout bounds the provider call behind RequestPayment.
func WithInitiateTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.initiateTimeout = d
		}
	}
}

// WithRequestTTL sets how long an unanswered push prompt blocks a new one.
func WithRequestTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.requestTTL = d
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		publisher:       nopPublisher{},
		logger:          zap.NewNop(),
		now:             time.Now,
		maxAttempts:     defaultMaxAttempts,
		initiateTimeout: defaultInitiateTimeout,
		requestTTL:      defaultRequestTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewLedger(store)
	e.ledger.Now = e.now
	return e
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// =============================================================================
// INBOUND NOTIFICATIONS
// =============================================================================

// Outcome describes what happened to one notification.
type Outcome struct {
	Transaction    Transaction
	Classification Classification
	Duplicate      bool
	Deferred       bool // recorded, reconciliation failed; the sweep retries it
	RequestFailed  bool // non-zero result code, no money moved
	Settlement     *Settlement
}

// NotifyPaymentResult handles the callback of a push prompt.
func (e *Engine) NotifyPaymentResult(ctx context.Context, r PaymentResult) (Outcome, error) {
	if !r.Succeeded() {
		if err := e.failRequest(ctx, r); err != nil {
			return Outcome{}, err
		}
		return Outcome{RequestFailed: true}, nil
	}
	return e.ingest(ctx, r.Notification())
}

// NotifyDirectPayment handles an unsolicited paybill deposit.
func (e *Engine) NotifyDirectPayment(ctx context.Context, p DirectPayment) (Outcome, error) {
	return e.ingest(ctx, p.Notification())
}

func (e *Engine) ingest(ctx context.Context, n Notification) (Outcome, error) {
	rec, err := e.ledger.Record(ctx, n)
	if err != nil {
		return Outcome{}, err
	}
	if rec.Status == RecordDuplicate {
		e.logger.Info("duplicate notification ignored",
			zap.String("transaction_id", string(n.TransactionID)),
			zap.String("type", string(n.Type)))
		return Outcome{
			Transaction:    rec.Transaction,
			Classification: rec.Transaction.Classification,
			Duplicate:      true,
		}, nil
	}

	out, err := e.Reconcile(ctx, rec.Transaction.ID)
	if err != nil {
		// The ledger write is durable; reconciliation is retried by Sweep.
		e.logger.Warn("reconciliation deferred",
			zap.String("transaction_id", string(rec.Transaction.ID)),
			zap.Error(err))
		return Outcome{Transaction: rec.Transaction, Deferred: true}, nil
	}
	return out, nil
}

// =============================================================================
// RECONCILE
// =============================================================================

// Reconcile classifies a recorded transaction against its candidate order.
// Calling it again on a classified transaction is a no-op.
func (e *Engine) Reconcile(ctx context.Context, id TransactionID) (Outcome, error) {
	return e.reconcile(ctx, id, false)
}

// reconcile with rematch set also retries transactions previously flagged
// unmatched, in case their order has become findable since (a callback that
// beat the checkout id write). Without a candidate they are left as they are.
func (e *Engine) reconcile(ctx context.Context, id TransactionID, rematch bool) (Outcome, error) {
	var (
		out    Outcome
		events []Event
	)
	err := e.retry(ctx, "reconcile", func() error {
		out, events = Outcome{}, nil
		return e.store.WithTx(ctx, func(tx Tx) error {
			t, err := tx.GetTransaction(ctx, id)
			if err != nil {
				return err
			}
			if t == nil {
				return transactionNotFound(id)
			}
			noop := Outcome{Transaction: *t, Classification: t.Classification}
			again := rematch && t.Classification == ClassUnmatched
			if t.ConfirmationStatus != ConfirmationPending || t.IsConnectedToOrder {
				out = noop
				return nil
			}
			if t.Classification != ClassUnclassified && !again {
				out = noop
				return nil
			}

			order, err := e.candidateOrder(ctx, tx, *t)
			if err != nil {
				return err
			}
			if again && order == nil {
				out = noop
				return nil
			}
			d := Classify(*t, order)
			now := e.clock()
			t.Classification = d.Classification

			switch d.Classification {
			case ClassExact:
				s, err := settle(ctx, tx, *t, *order, settleRequest{
					source: SourceAuto,
					action: AuditAutoConfirm,
					actor:  SystemActor(),
				}, now)
				if err != nil {
					return err
				}
				out = Outcome{Transaction: s.Transaction, Classification: ClassExact, Settlement: &s}
				if !s.AlreadyApplied {
					events = append(events, balanceChanged(now, s.Order))
				}
				return nil

			case ClassMismatch:
				t.CandidateOrderID = order.ID
				t.UpdatedAt = now
				if err := tx.UpdateTransaction(ctx, *t); err != nil {
					return err
				}
				entry := newAuditEntry(now, AuditFlaggedForReview, SystemActor()).
					withBalances(order.RemainingBalance, order.RemainingBalance)
				entry.TransactionID = t.ID
				entry.OrderID = order.ID
				entry.Metadata["paid"] = d.Paid.String()
				entry.Metadata["requested"] = d.Requested.String()
				entry.Metadata["from_request"] = boolString(d.FromRequest)
				if d.Paid.GreaterThan(d.Requested) {
					entry.Metadata["direction"] = "over"
				} else {
					entry.Metadata["direction"] = "under"
				}
				if err := tx.AppendAudit(ctx, entry); err != nil {
					return err
				}

			default:
				t.CandidateOrderID = ""
				t.UpdatedAt = now
				if err := tx.UpdateTransaction(ctx, *t); err != nil {
					return err
				}
				entry := newAuditEntry(now, AuditFlaggedUnmatched, SystemActor())
				entry.TransactionID = t.ID
				entry.Metadata["paid"] = d.Paid.String()
				if t.BillReference != "" {
					entry.Metadata["bill_reference"] = t.BillReference
				}
				if t.CorrelationID != "" {
					entry.Metadata["checkout_request_id"] = t.CorrelationID
				}
				if err := tx.AppendAudit(ctx, entry); err != nil {
					return err
				}
			}

			out = Outcome{Transaction: *t, Classification: t.Classification}
			events = append(events, requiresReview(now, *t))
			return nil
		})
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logger.Info("transaction reconciled",
		zap.String("transaction_id", string(id)),
		zap.String("classification", string(out.Classification)),
		zap.String("order_id", string(out.Transaction.CandidateOrderID)))
	e.publish(ctx, events...)
	return out, nil
}

// candidateOrder finds the order a transaction most likely pays for.
// Push payments correlate on checkout id, deposits on the bill reference.
func (e *Engine) candidateOrder(ctx context.Context, tx Tx, t Transaction) (*Order, error) {
	if t.CorrelationID != "" {
		o, err := tx.FindOrderByCheckoutID(ctx, t.CorrelationID)
		if err != nil || o != nil {
			return o, err
		}
	}
	if ref := NormalizeOrderRef(t.BillReference); ref != "" {
		return tx.GetOrder(ctx, ref)
	}
	return nil, nil
}

// =============================================================================
// CONNECT - Operator links a transaction to an order
// =============================================================================

// Connect applies a pending transaction to an order chosen by an operator.
// Unlike auto-confirmation, the amount need not match the balance.
func (e *Engine) Connect(ctx context.Context, txID TransactionID, orderID OrderID, actor Actor) (Settlement, error) {
	if actor.IsZero() {
		return Settlement{}, ErrInvalidActor
	}
	var s Settlement
	err := e.retry(ctx, "connect", func() error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			t, err := tx.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			if t == nil {
				return transactionNotFound(txID)
			}
			if t.IsConnectedToOrder {
				return ErrAlreadyConnected
			}
			if t.ConfirmationStatus != ConfirmationPending {
				return ErrAlreadyResolved
			}
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if o == nil {
				return orderNotFound(orderID)
			}
			if !o.HasPayment(t.ID) && o.PaymentStatus == StatusPaid {
				return ErrAlreadyPaid
			}

			s, err = settle(ctx, tx, *t, *o, settleRequest{
				source: SourceManual,
				action: AuditManualConnect,
				actor:  actor,
			}, e.clock())
			return err
		})
	})
	if err != nil {
		return Settlement{}, err
	}

	e.logger.Info("transaction connected",
		zap.String("transaction_id", string(txID)),
		zap.String("order_id", string(orderID)),
		zap.String("actor", actor.String()),
		zap.String("balance_before", s.BalanceBefore.String()),
		zap.String("balance_after", s.BalanceAfter.String()),
		zap.Bool("over_payment", s.IsOverPayment))
	if !s.AlreadyApplied {
		e.publish(ctx, balanceChanged(e.clock(), s.Order))
	}
	return s, nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetTransaction(ctx context.Context, id TransactionID) (Transaction, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if t == nil {
		return Transaction{}, transactionNotFound(id)
	}
	return *t, nil
}

func (e *Engine) GetOrder(ctx context.Context, id OrderID) (Order, error) {
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o == nil {
		return Order{}, orderNotFound(id)
	}
	return *o, nil
}

// OrderTransactions returns transactions connected to or correlated with an order.
func (e *Engine) OrderTransactions(ctx context.Context, id OrderID) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, TransactionFilter{OrderID: &id})
}

func (e *Engine) Audit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return e.store.QueryAudit(ctx, filter)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = fn()
		if !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.logger.Debug("retrying after concurrent modification",
			zap.String("op", op),
			zap.Int("attempt", attempt))
	}
	return err
}

func (e *Engine) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("event publish failed",
				zap.String("kind", string(ev.Kind)),
				zap.String("key", ev.Key()),
				zap.Error(err))
		}
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
