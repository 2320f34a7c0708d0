package payment_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshfold/payrecon/payment"
	"github.com/freshfold/payrecon/payment/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []payment.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e payment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) kinds() []payment.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []payment.EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeInitiator struct {
	mu       sync.Mutex
	calls    []payment.PushRequest
	checkout string
	err      error
	before   func(req payment.PushRequest) // runs before answering
}

func (f *fakeInitiator) Initiate(_ context.Context, req payment.PushRequest) (payment.PushResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	checkout, err, before := f.checkout, f.err, f.before
	f.mu.Unlock()

	if before != nil {
		before(req)
	}
	if err != nil {
		return payment.PushResponse{}, err
	}
	return payment.PushResponse{CheckoutRequestID: checkout, MerchantRequestID: "mr-" + checkout}, nil
}

type harness struct {
	engine    *payment.Engine
	store     *store.Memory
	events    *recorder
	initiator *fakeInitiator
	clock     *clock
}

func newHarness(t *testing.T, opts ...payment.Option) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemory(),
		events:    &recorder{},
		initiator: &fakeInitiator{checkout: "ws_CO_1"},
		clock:     newClock(),
	}
	all := []payment.Option{
		payment.WithPublisher(h.events),
		payment.WithInitiator(h.initiator),
		payment.WithClock(h.clock.Now),
	}
	h.engine = payment.NewEngine(h.store, append(all, opts...)...)
	return h
}

func (h *harness) order(t *testing.T, id payment.OrderID, total int64) payment.Order {
	t.Helper()
	o, err := h.engine.RegisterOrder(context.Background(), payment.NewOrder{
		ID:            id,
		CustomerName:  "Jane Wanjiku",
		CustomerPhone: "254712345678",
		Total:         kes(total),
	})
	require.NoError(t, err)
	return o
}

func (h *harness) get(t *testing.T, id payment.OrderID) payment.Order {
	t.Helper()
	o, err := h.engine.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func kes(n int64) payment.Amount { return payment.NewAmountFromInt(n) }

func operator(t *testing.T, id string) payment.Actor {
	t.Helper()
	a, err := payment.Operator(id)
	require.NoError(t, err)
	return a
}

func pushResult(checkout, receipt string, amount int64) payment.PaymentResult {
	return payment.PaymentResult{
		CorrelationID: checkout,
		ResultCode:    0,
		ResultDesc:    "The service request is processed successfully.",
		ReceiptID:     receipt,
		Amount:        kes(amount),
		PayerPhone:    "254712345678",
		Timestamp:     time.Date(2025, 3, 14, 9, 1, 0, 0, time.UTC),
	}
}

func deposit(id, ref string, amount int64) payment.DirectPayment {
	return payment.DirectPayment{
		TransID:       id,
		Amount:        kes(amount),
		PayerPhone:    "254700000001",
		PayerName:     "JOHN KAMAU",
		BillReference: ref,
		Timestamp:     time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func assertBalance(t *testing.T, o payment.Order, remaining int64, status payment.PaymentStatus) {
	t.Helper()
	assert.True(t, kes(remaining).Equal(o.RemainingBalance), "remaining: want %d, got %s", remaining, o.RemainingBalance)
	assert.Equal(t, status, o.PaymentStatus)
	assert.NoError(t, o.Check())
}

func auditActions(t *testing.T, h *harness, filter payment.AuditFilter) []payment.AuditAction {
	t.Helper()
	entries, err := h.engine.Audit(context.Background(), filter)
	require.NoError(t, err)
	var out []payment.AuditAction
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// =============================================================================
// AUTOMATIC RECONCILIATION
// =============================================================================

func TestPushPayment_ExactAmountAutoConfirms(t *testing.T) {
	// GIVEN: Order of 1000 with a push prompt for the full balance
	// WHEN: The callback reports 1000 paid
	// THEN: The order is paid and the transaction confirmed by the system

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)

	o, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, o.PaymentStatus)
	require.NotNil(t, o.PendingRequest)
	assert.Equal(t, "ws_CO_1", o.PendingRequest.ProviderCheckoutID)
	assert.Equal(t, payment.RequestSent, o.PendingRequest.Status)
	assert.Equal(t, payment.PaymentFull, o.PendingRequest.PaymentType)

	out, err := h.engine.NotifyPaymentResult(ctx, pushResult("ws_CO_1", "RK71EXACT", 1000))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassExact, out.Classification)
	require.NotNil(t, out.Settlement)
	assert.False(t, out.Settlement.IsOverPayment)

	o = h.get(t, "ORD-1")
	assertBalance(t, o, 0, payment.StatusPaid)
	assert.Nil(t, o.PendingRequest)
	require.Len(t, o.PartialPayments, 1)
	assert.Equal(t, payment.SourceAuto, o.PartialPayments[0].Source)
	assert.Equal(t, payment.MethodMpesaPush, o.PartialPayments[0].Method)

	tr, err := h.engine.GetTransaction(ctx, "RK71EXACT")
	require.NoError(t, err)
	assert.Equal(t, payment.ConfirmationConfirmed, tr.ConfirmationStatus)
	assert.True(t, tr.IsConnectedToOrder)
	assert.Equal(t, payment.OrderID("ORD-1"), tr.ConnectedOrderID)
	assert.True(t, tr.ConnectedBy.IsSystem())

	txID := payment.TransactionID("RK71EXACT")
	assert.Equal(t,
		[]payment.AuditAction{payment.AuditTransactionRecorded, payment.AuditAutoConfirm},
		auditActions(t, h, payment.AuditFilter{TransactionID: &txID}))
	assert.Contains(t, h.events.kinds(), payment.EventBalanceChanged)
}

func TestPushPayment_MismatchWaitsThenManualConnect(t *testing.T) {
	// GIVEN: Order of 1000 with a full push prompt
	// WHEN: The customer pays 700, then an operator connects it
	// THEN: The payment waits for review, then leaves 300 as partial

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)

	out, err := h.engine.NotifyPaymentResult(ctx, pushResult("ws_CO_1", "RK71SHORT", 700))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassMismatch, out.Classification)
	assert.Nil(t, out.Settlement)
	assertBalance(t, h.get(t, "ORD-1"), 1000, payment.StatusPending)

	queue, err := h.engine.PendingQueue(ctx, payment.QueueConfirmation, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, payment.TransactionID("RK71SHORT"), queue[0].ID)
	assert.Equal(t, payment.OrderID("ORD-1"), queue[0].CandidateOrderID)
	assert.Contains(t, h.events.kinds(), payment.EventRequiresReview)

	alice := operator(t, "alice")
	s, err := h.engine.Connect(ctx, "RK71SHORT", "ORD-1", alice)
	require.NoError(t, err)
	assert.True(t, kes(1000).Equal(s.BalanceBefore))
	assert.True(t, kes(300).Equal(s.BalanceAfter))
	assertBalance(t, s.Order, 300, payment.StatusPartial)
	assert.Nil(t, s.Order.PendingRequest)
	assert.Equal(t, alice, s.Transaction.ConnectedBy)

	_, err = h.engine.Connect(ctx, "RK71SHORT", "ORD-1", alice)
	assert.ErrorIs(t, err, payment.ErrAlreadyConnected)
	assertBalance(t, h.get(t, "ORD-1"), 300, payment.StatusPartial)

	queue, err = h.engine.PendingQueue(ctx, payment.QueueConfirmation, 0)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestDirectDeposit_BillReferenceFindsOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-7", 450)

	out, err := h.engine.NotifyDirectPayment(ctx, deposit("RK72DEP", " #ord-7 ", 450))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassExact, out.Classification)

	o := h.get(t, "ORD-7")
	assertBalance(t, o, 0, payment.StatusPaid)
	require.Len(t, o.PartialPayments, 1)
	assert.Equal(t, "JOHN KAMAU", o.PartialPayments[0].PayerName)
	assert.Equal(t, payment.MethodMpesaDirect, o.PartialPayments[0].Method)
}

func TestDirectDeposit_UnknownReferenceGoesToLinking(t *testing.T) {
	// GIVEN: A deposit whose bill reference names no order
	// WHEN: An operator links it to the right order
	// THEN: It leaves the linking queue and reduces that order's balance

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-2", 800)

	out, err := h.engine.NotifyDirectPayment(ctx, deposit("RK72UNK", "laundry", 500))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassUnmatched, out.Classification)

	linking, err := h.engine.PendingQueue(ctx, payment.QueueLinking, 0)
	require.NoError(t, err)
	require.Len(t, linking, 1)
	confirmation, err := h.engine.PendingQueue(ctx, payment.QueueConfirmation, 0)
	require.NoError(t, err)
	assert.Empty(t, confirmation)

	_, err = h.engine.Confirm(ctx, "RK72UNK", "John Kamau", "", operator(t, "alice"))
	assert.ErrorIs(t, err, payment.ErrNoCandidateOrder)

	s, err := h.engine.Connect(ctx, "RK72UNK", "ORD-2", operator(t, "alice"))
	require.NoError(t, err)
	assertBalance(t, s.Order, 300, payment.StatusPartial)

	linking, err = h.engine.PendingQueue(ctx, payment.QueueLinking, 0)
	require.NoError(t, err)
	assert.Empty(t, linking)

	txs, err := h.engine.OrderTransactions(ctx, "ORD-2")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, payment.TransactionID("RK72UNK"), txs[0].ID)
}

func TestDirectDeposit_PaidOrderIsMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-3", 200)

	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK73A", "ORD-3", 200))
	require.NoError(t, err)

	out, err := h.engine.NotifyDirectPayment(ctx, deposit("RK73B", "ORD-3", 200))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassMismatch, out.Classification)

	_, err = h.engine.Confirm(ctx, "RK73B", "John Kamau", "", operator(t, "alice"))
	assert.ErrorIs(t, err, payment.ErrAlreadyPaid)
	_, err = h.engine.Connect(ctx, "RK73B", "ORD-3", operator(t, "alice"))
	assert.ErrorIs(t, err, payment.ErrAlreadyPaid)
	assertBalance(t, h.get(t, "ORD-3"), 0, payment.StatusPaid)
}

// =============================================================================
// DEDUPLICATION
// =============================================================================

func TestDuplicateDelivery_AppliedOnce(t *testing.T) {
	// GIVEN: The gateway delivers the same deposit from many goroutines
	// WHEN: All deliveries race
	// THEN: One transaction, one payment record, the rest report duplicates

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)

	const deliveries = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		duplicates int
		errs       []error
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.NotifyDirectPayment(ctx, deposit("RK71DUP", "ORD-1", 1000))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if out.Duplicate {
				duplicates++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, deliveries-1, duplicates)

	o := h.get(t, "ORD-1")
	assertBalance(t, o, 0, payment.StatusPaid)
	assert.Len(t, o.PartialPayments, 1)

	txID := payment.TransactionID("RK71DUP")
	actions := auditActions(t, h, payment.AuditFilter{TransactionID: &txID})
	assert.Equal(t, []payment.AuditAction{payment.AuditTransactionRecorded, payment.AuditAutoConfirm}, actions)
}

func TestConcurrentConnects_SameOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)

	ids := []string{"RK7C1", "RK7C2", "RK7C3", "RK7C4"}
	for _, id := range ids {
		_, err := h.engine.NotifyDirectPayment(ctx, deposit(id, "none", 100))
		require.NoError(t, err)
	}

	op := operator(t, "op")
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.engine.Connect(ctx, payment.TransactionID(id), "ORD-1", op)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	o := h.get(t, "ORD-1")
	assertBalance(t, o, 600, payment.StatusPartial)
	assert.Len(t, o.PartialPayments, 4)
}

// =============================================================================
// OPERATOR WORKFLOW
// =============================================================================

func TestConfirm_SettlesAgainstCandidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK74C", "ORD-1", 400))
	require.NoError(t, err)

	bob := operator(t, "bob")
	_, err = h.engine.Confirm(ctx, "RK74C", "   ", "", bob)
	assert.ErrorIs(t, err, payment.ErrMissingName)
	_, err = h.engine.Confirm(ctx, "RK74NOPE", "Jane", "", bob)
	assert.ErrorIs(t, err, payment.ErrNotFound)

	s, err := h.engine.Confirm(ctx, "RK74C", " jane wanjiku ", "paid by sister", bob)
	require.NoError(t, err)
	assertBalance(t, s.Order, 600, payment.StatusPartial)
	assert.Equal(t, "jane wanjiku", s.Transaction.ConfirmedName)
	assert.Equal(t, "paid by sister", s.Transaction.Notes)
	assert.Equal(t, bob, s.Transaction.ResolvedBy)
	assert.Equal(t, payment.SourceConfirm, s.Order.PartialPayments[0].Source)
	assert.Equal(t, "jane wanjiku", s.Order.PartialPayments[0].PayerName)

	txID := payment.TransactionID("RK74C")
	entries, err := h.engine.Audit(ctx, payment.AuditFilter{TransactionID: &txID, Actions: []payment.AuditAction{payment.AuditConfirm}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "true", entries[0].Metadata["name_matches"])
	assert.Equal(t, "Jane Wanjiku", entries[0].Metadata["name_on_file"])
	assert.Equal(t, bob, entries[0].Actor)

	_, err = h.engine.Confirm(ctx, "RK74C", "Jane", "", bob)
	assert.ErrorIs(t, err, payment.ErrAlreadyResolved)
}

func TestReject_LeavesBalanceUntouched(t *testing.T) {
	// GIVEN: A mismatched deposit against ORD-1
	// WHEN: An operator rejects it
	// THEN: Balance unchanged, transaction terminal, rejection audited

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK75R", "ORD-1", 250))
	require.NoError(t, err)

	carol := operator(t, "carol")
	tr, err := h.engine.Reject(ctx, "RK75R", "sender says wrong paybill", carol)
	require.NoError(t, err)
	assert.Equal(t, payment.ConfirmationRejected, tr.ConfirmationStatus)
	assert.Equal(t, "sender says wrong paybill", tr.RejectionReason)
	assert.Equal(t, carol, tr.ResolvedBy)
	assertBalance(t, h.get(t, "ORD-1"), 1000, payment.StatusUnpaid)

	_, err = h.engine.Reject(ctx, "RK75R", "again", carol)
	assert.ErrorIs(t, err, payment.ErrAlreadyResolved)
	_, err = h.engine.Connect(ctx, "RK75R", "ORD-1", carol)
	assert.ErrorIs(t, err, payment.ErrAlreadyResolved)
	_, err = h.engine.Confirm(ctx, "RK75R", "Jane", "", carol)
	assert.ErrorIs(t, err, payment.ErrAlreadyResolved)

	rejected, err := h.engine.PendingQueue(ctx, payment.QueueRejected, 0)
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	txID := payment.TransactionID("RK75R")
	assert.Contains(t, auditActions(t, h, payment.AuditFilter{TransactionID: &txID}), payment.AuditReject)
}

func TestConnect_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK76E", "x", 100))
	require.NoError(t, err)

	_, err = h.engine.Connect(ctx, "RK76NOPE", "ORD-1", operator(t, "a"))
	assert.ErrorIs(t, err, payment.ErrNotFound)
	_, err = h.engine.Connect(ctx, "RK76E", "ORD-NOPE", operator(t, "a"))
	assert.ErrorIs(t, err, payment.ErrNotFound)
	assert.True(t, payment.IsNotFound(err))
	_, err = h.engine.Connect(ctx, "RK76E", "ORD-1", payment.Actor{})
	assert.ErrorIs(t, err, payment.ErrInvalidActor)
}

func TestConnect_OverpaymentAbsorbed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK77O", "nothing", 1500))
	require.NoError(t, err)

	s, err := h.engine.Connect(ctx, "RK77O", "ORD-1", operator(t, "alice"))
	require.NoError(t, err)
	assert.True(t, s.IsOverPayment)
	assert.True(t, kes(500).Equal(s.Excess))
	assertBalance(t, s.Order, 0, payment.StatusPaid)
	assert.True(t, kes(500).Equal(s.Order.PartialPayments[0].Excess))

	orderID := payment.OrderID("ORD-1")
	entries, err := h.engine.Audit(ctx, payment.AuditFilter{OrderID: &orderID, Actions: []payment.AuditAction{payment.AuditManualConnect}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "true", entries[0].Metadata["over_payment"])
	assert.Equal(t, "500.00", entries[0].Metadata["excess"])
}

func TestActor_SystemCannotBeForged(t *testing.T) {
	_, err := payment.Operator("  ")
	assert.ErrorIs(t, err, payment.ErrInvalidActor)

	fake := operator(t, "SYSTEM")
	assert.False(t, fake.IsSystem())
	assert.Equal(t, payment.ActorOperator, fake.Kind())
	assert.NotEqual(t, payment.SystemActor(), fake)
	assert.True(t, payment.Actor{}.IsZero())
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

var errAuditDown = errors.New("audit log unavailable")

type failingAuditStore struct {
	payment.Store
	mu   sync.Mutex
	fail map[payment.AuditAction]bool
}

func (s *failingAuditStore) failing(a payment.AuditAction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail[a]
}

func (s *failingAuditStore) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = nil
}

func (s *failingAuditStore) WithTx(ctx context.Context, fn func(payment.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx payment.Tx) error {
		return fn(&failingAuditTx{Tx: tx, s: s})
	})
}

type failingAuditTx struct {
	payment.Tx
	s *failingAuditStore
}

func (t *failingAuditTx) AppendAudit(ctx context.Context, e payment.AuditEntry) error {
	if t.s.failing(e.Action) {
		return errAuditDown
	}
	return t.Tx.AppendAudit(ctx, e)
}

func TestAuditFailure_RollsBackSettlement(t *testing.T) {
	// GIVEN: The audit log rejects auto-confirm entries
	// WHEN: An exact deposit arrives
	// THEN: It is recorded but not applied; a later sweep applies it

	ctx := context.Background()
	mem := store.NewMemory()
	s := &failingAuditStore{Store: mem, fail: map[payment.AuditAction]bool{payment.AuditAutoConfirm: true}}
	engine := payment.NewEngine(s)

	_, err := engine.RegisterOrder(ctx, payment.NewOrder{ID: "ORD-1", CustomerName: "Jane", Total: kes(1000)})
	require.NoError(t, err)

	out, err := engine.NotifyDirectPayment(ctx, deposit("RK78A", "ORD-1", 1000))
	require.NoError(t, err)
	assert.True(t, out.Deferred)

	o, err := engine.GetOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assertBalance(t, o, 1000, payment.StatusUnpaid)
	assert.Empty(t, o.PartialPayments)

	tr, err := engine.GetTransaction(ctx, "RK78A")
	require.NoError(t, err)
	assert.Equal(t, payment.ClassUnclassified, tr.Classification)
	assert.False(t, tr.IsConnectedToOrder)

	s.heal()
	report, err := engine.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)

	o, err = engine.GetOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assertBalance(t, o, 0, payment.StatusPaid)

	// Sweeping again finds nothing left to do.
	report, err = engine.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reconciled)
}

func TestAuditFailure_RecordIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	s := &failingAuditStore{Store: store.NewMemory(), fail: map[payment.AuditAction]bool{payment.AuditTransactionRecorded: true}}
	engine := payment.NewEngine(s)

	_, err := engine.NotifyDirectPayment(ctx, deposit("RK78B", "ORD-1", 100))
	require.ErrorIs(t, err, errAuditDown)

	_, err = engine.GetTransaction(ctx, "RK78B")
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestPublishFailure_DoesNotUndoSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.events.err = errors.New("broker down")
	h.order(t, "ORD-1", 300)

	out, err := h.engine.NotifyDirectPayment(ctx, deposit("RK79P", "ORD-1", 300))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassExact, out.Classification)
	assertBalance(t, h.get(t, "ORD-1"), 0, payment.StatusPaid)
}

func TestInvalidNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK80Z", "ORD-1", 0))
	assert.ErrorIs(t, err, payment.ErrInvalidNotification)
	assert.True(t, payment.IsClientError(err))

	_, err = h.engine.NotifyDirectPayment(ctx, deposit("", "ORD-1", 10))
	assert.ErrorIs(t, err, payment.ErrInvalidNotification)
}

// =============================================================================
// PUSH PROMPTS
// =============================================================================

func TestPaymentResult_FailureClearsRequest(t *testing.T) {
	// GIVEN: A push prompt waiting for its callback
	// WHEN: The customer cancels (result code 1032)
	// THEN: No transaction, request cleared, order shows failed

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)

	out, err := h.engine.NotifyPaymentResult(ctx, payment.PaymentResult{
		CorrelationID: "ws_CO_1",
		ResultCode:    1032,
		ResultDesc:    "Request cancelled by user",
	})
	require.NoError(t, err)
	assert.True(t, out.RequestFailed)

	o := h.get(t, "ORD-1")
	assert.Nil(t, o.PendingRequest)
	assertBalance(t, o, 1000, payment.StatusFailed)

	all, err := h.store.ListTransactions(ctx, payment.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	orderID := payment.OrderID("ORD-1")
	assert.Contains(t, auditActions(t, h, payment.AuditFilter{OrderID: &orderID}), payment.AuditPaymentFailed)

	// Unknown checkout ids are ignored.
	out, err = h.engine.NotifyPaymentResult(ctx, payment.PaymentResult{CorrelationID: "ws_CO_unknown", ResultCode: 1037})
	require.NoError(t, err)
	assert.True(t, out.RequestFailed)
}

func TestPaymentResult_FailureAfterPartialKeepsPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK81P", "x", 400))
	require.NoError(t, err)
	_, err = h.engine.Connect(ctx, "RK81P", "ORD-1", operator(t, "a"))
	require.NoError(t, err)

	_, err = h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)
	_, err = h.engine.NotifyPaymentResult(ctx, payment.PaymentResult{CorrelationID: "ws_CO_1", ResultCode: 1})
	require.NoError(t, err)

	assertBalance(t, h.get(t, "ORD-1"), 600, payment.StatusPartial)
}

func TestRequestPayment_InitiationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	h.initiator.err = errors.New("safaricom: 503")

	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrInitiationFailed)
	var ie *payment.InitiationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, payment.OrderID("ORD-1"), ie.OrderID)

	o := h.get(t, "ORD-1")
	assert.Nil(t, o.PendingRequest)
	assertBalance(t, o, 1000, payment.StatusFailed)

	// A fresh prompt is allowed right away.
	h.initiator.err = nil
	_, err = h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)
}

func TestRequestPayment_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)

	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-NOPE"})
	assert.ErrorIs(t, err, payment.ErrNotFound)

	_, err = h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1", Amount: kes(1500)})
	assert.ErrorIs(t, err, payment.ErrInvalidRequest)

	o, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1", Amount: kes(400), Phone: "254799999999"})
	require.NoError(t, err)
	assert.Equal(t, payment.PaymentPartial, o.PendingRequest.PaymentType)
	assert.Equal(t, "254799999999", o.PendingRequest.PayerPhone)
	require.Len(t, h.initiator.calls, 1)
	assert.True(t, kes(400).Equal(h.initiator.calls[0].Amount))
	assert.Equal(t, "ORD-1", h.initiator.calls[0].AccountReference)

	_, err = h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	assert.ErrorIs(t, err, payment.ErrRequestInFlight)

	// An unanswered prompt stops blocking after the TTL.
	h.clock.Advance(4 * time.Minute)
	h.initiator.checkout = "ws_CO_2"
	o, err = h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_2", o.PendingRequest.ProviderCheckoutID)
}

func TestRequestPayment_PartialPushExact(t *testing.T) {
	// A prompt for 400 paid in full is exact even though 1000 is owed.
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1", Amount: kes(400)})
	require.NoError(t, err)

	out, err := h.engine.NotifyPaymentResult(ctx, pushResult("ws_CO_1", "RK82X", 400))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassExact, out.Classification)
	assertBalance(t, h.get(t, "ORD-1"), 600, payment.StatusPartial)
}

func TestPaidOrder_RejectsRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.RegisterOrder(ctx, payment.NewOrder{ID: "ORD-1", Total: kes(500), SettledBase: kes(500), CustomerPhone: "2547"})
	require.NoError(t, err)

	_, err = h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	assert.ErrorIs(t, err, payment.ErrAlreadyPaid)
}

func TestEarlyCallback_RematchedBySweep(t *testing.T) {
	// GIVEN: The callback arrives before the checkout id is stored
	// WHEN: The sweep runs after the request completes
	// THEN: The transaction is rematched and settles the order

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	h.initiator.before = func(payment.PushRequest) {
		out, err := h.engine.NotifyPaymentResult(ctx, pushResult("ws_CO_1", "RK83E", 1000))
		require.NoError(t, err)
		assert.Equal(t, payment.ClassUnmatched, out.Classification)
	}

	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)

	report, err := h.engine.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rematched)

	o := h.get(t, "ORD-1")
	assertBalance(t, o, 0, payment.StatusPaid)
	assert.Nil(t, o.PendingRequest)
}

// =============================================================================
// ORDERS
// =============================================================================

func TestRegisterOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	o, err := h.engine.RegisterOrder(ctx, payment.NewOrder{ID: " ord-9 ", Total: kes(1200), SettledBase: kes(200)})
	require.NoError(t, err)
	assert.Equal(t, payment.OrderID("ORD-9"), o.ID)
	assertBalance(t, o, 1000, payment.StatusPartial)

	_, err = h.engine.RegisterOrder(ctx, payment.NewOrder{ID: "ORD-9", Total: kes(10)})
	assert.ErrorIs(t, err, payment.ErrDuplicateOrder)

	_, err = h.engine.RegisterOrder(ctx, payment.NewOrder{ID: "ORD-10", Total: kes(0)})
	assert.ErrorIs(t, err, payment.ErrInvalidOrder)
	_, err = h.engine.RegisterOrder(ctx, payment.NewOrder{ID: "ORD-11", Total: kes(10), SettledBase: kes(20)})
	assert.ErrorIs(t, err, payment.ErrInvalidOrder)

	_, err = h.engine.GetOrder(ctx, "ORD-404")
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

// =============================================================================
// BALANCE INVARIANT
// =============================================================================

func TestBalanceInvariant_RandomSettlements(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(20250314))

	for seq := 0; seq < 40; seq++ {
		h := newHarness(t)
		orderID := payment.OrderID(fmt.Sprintf("ORD-%d", seq))
		total := int64(100 + rng.Intn(4900))
		h.order(t, orderID, total)

		var paid int64
		for i := 0; ; i++ {
			amount := int64(1 + rng.Intn(int(total)))
			txID := payment.TransactionID(fmt.Sprintf("R%02dX%03d", seq, i))
			_, err := h.engine.NotifyDirectPayment(ctx, deposit(string(txID), "unknown", amount))
			require.NoError(t, err)

			s, err := h.engine.Connect(ctx, txID, orderID, operator(t, "alice"))
			if paid >= total {
				// GIVEN: A paid order
				// THEN: Further connections are refused and nothing moves
				assert.ErrorIs(t, err, payment.ErrAlreadyPaid)
				assertBalance(t, h.get(t, orderID), 0, payment.StatusPaid)
				break
			}
			require.NoError(t, err)
			paid += amount

			want := total - paid
			status := payment.StatusPartial
			if want <= 0 {
				want, status = 0, payment.StatusPaid
			}
			assertBalance(t, s.Order, want, status)
			assert.Equal(t, paid > total, s.IsOverPayment)
			assert.Len(t, s.Order.PartialPayments, i+1)
		}
	}
}

// =============================================================================
// SETTLED ORDERS AND ANSWERED PROMPTS
// =============================================================================

func TestPushOnPaidOrder_GoesToReview(t *testing.T) {
	// GIVEN: A prompt is open when a paybill deposit settles the order
	// WHEN: The prompt completes for the same amount
	// THEN: The second payment waits for an operator instead of being absorbed

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-9", 1000)
	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-9"})
	require.NoError(t, err)

	out, err := h.engine.NotifyDirectPayment(ctx, deposit("RK90DEP", "ORD-9", 1000))
	require.NoError(t, err)
	require.Equal(t, payment.ClassExact, out.Classification)
	assertBalance(t, h.get(t, "ORD-9"), 0, payment.StatusPaid)

	out, err = h.engine.NotifyPaymentResult(ctx, pushResult("ws_CO_1", "RK90STK", 1000))
	require.NoError(t, err)
	assert.Equal(t, payment.ClassMismatch, out.Classification)
	assert.False(t, out.Transaction.IsConnectedToOrder)
	assert.Equal(t, payment.OrderID("ORD-9"), out.Transaction.CandidateOrderID)

	queue, err := h.engine.PendingQueue(ctx, payment.QueueConfirmation, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, payment.TransactionID("RK90STK"), queue[0].ID)

	o := h.get(t, "ORD-9")
	assertBalance(t, o, 0, payment.StatusPaid)
	assert.Len(t, o.PartialPayments, 1)

	// AND: Confirming it is refused, rejecting it closes the prompt
	_, err = h.engine.Confirm(ctx, "RK90STK", "Jane Wanjiku", "", operator(t, "alice"))
	assert.ErrorIs(t, err, payment.ErrAlreadyPaid)

	_, err = h.engine.Reject(ctx, "RK90STK", "duplicate payment, refund via M-Pesa", operator(t, "alice"))
	require.NoError(t, err)
	o = h.get(t, "ORD-9")
	assertBalance(t, o, 0, payment.StatusPaid)
	assert.Nil(t, o.PendingRequest)
}

func TestReject_ClearsAnsweredRequest(t *testing.T) {
	// GIVEN: A prompt for 1000 answered with 600
	// WHEN: An operator rejects the payment
	// THEN: The prompt no longer counts as in flight

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	require.NoError(t, err)

	out, err := h.engine.NotifyPaymentResult(ctx, pushResult("ws_CO_1", "RK96M", 600))
	require.NoError(t, err)
	require.Equal(t, payment.ClassMismatch, out.Classification)
	assert.Equal(t, payment.StatusPending, h.get(t, "ORD-1").PaymentStatus)

	_, err = h.engine.Reject(ctx, "RK96M", "payer unknown", operator(t, "carol"))
	require.NoError(t, err)

	o := h.get(t, "ORD-1")
	assert.Nil(t, o.PendingRequest)
	assertBalance(t, o, 1000, payment.StatusFailed)
	kinds := h.events.kinds()
	assert.Equal(t, payment.EventBalanceChanged, kinds[len(kinds)-1])

	txID := payment.TransactionID("RK96M")
	entries, err := h.engine.Audit(ctx, payment.AuditFilter{TransactionID: &txID, Actions: []payment.AuditAction{payment.AuditReject}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "true", entries[0].Metadata["request_cleared"])

	// A new prompt is accepted straight away
	_, err = h.engine.RequestPayment(ctx, payment.PaymentRequest{OrderID: "ORD-1"})
	assert.NoError(t, err)
}

func TestConnect_LinkCompletionPublishesNothing(t *testing.T) {
	// GIVEN: An order that already carries the payment, its transaction unlinked
	// WHEN: An operator connects the transaction
	// THEN: Only the link is completed and no balance change is announced

	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "ORD-1", 1000)
	_, err := h.engine.NotifyDirectPayment(ctx, deposit("RK95L", "nothing", 400))
	require.NoError(t, err)

	require.NoError(t, h.store.WithTx(ctx, func(tx payment.Tx) error {
		o, err := tx.GetOrder(ctx, "ORD-1")
		if err != nil {
			return err
		}
		expected := o.Version
		o.PartialPayments = append(o.PartialPayments, payment.PaymentRecord{TransactionID: "RK95L", Amount: kes(400)})
		o.RemainingBalance = kes(600)
		o.PaymentStatus = payment.StatusPartial
		o.Version++
		return tx.UpdateOrder(ctx, *o, expected)
	}))
	before := len(h.events.kinds())

	s, err := h.engine.Connect(ctx, "RK95L", "ORD-1", operator(t, "alice"))
	require.NoError(t, err)
	assert.True(t, s.AlreadyApplied)
	assert.True(t, s.Transaction.IsConnectedToOrder)
	assertBalance(t, h.get(t, "ORD-1"), 600, payment.StatusPartial)
	assert.Len(t, h.events.kinds(), before)
}
