/*
Package payment provides the mobile-money reconciliation engine.

PURPOSE:
  This package decides what an inbound M-Pesa payment means for a laundry
  order. Notifications arrive late, out of order and sometimes twice. The
  engine records each one exactly once, matches it against the order that
  asked for it, and either settles the balance automatically or parks the
  transaction for an operator.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: Money in KES, compared on whole cents
  - Order: The payment fields of a laundry order (balance, history, request)
  - Transaction: One provider notification, as recorded in the ledger
  - Actor: Who made a decision (the system or a named operator)

DESIGN PRINCIPLES:
  1. One record per provider transaction id, enforced by storage
  2. Precision: decimal.Decimal, never float64, for balances
  3. Orders are only touched through the settlement primitive (balance.go)
  4. Every state change writes an audit entry in the same storage transaction

SEE ALSO:
  - engine.go: Public operations (notify, reconcile, connect, confirm, reject)
  - balance.go: The single settlement primitive
  - store.go: Persistence contract
*/
package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money in the smallest currency unit that matters (cents)
// =============================================================================

// minorUnitPlaces is the number of decimal places in one KES cent.
const minorUnitPlaces = 2

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func NewAmountFromInt(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

// ParseAmount parses a decimal string such as "1000" or "999.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// MinorUnits returns the amount in cents, rounded half away from zero.
func (a Amount) MinorUnits() int64 {
	return a.Value.Round(minorUnitPlaces).Shift(minorUnitPlaces).IntPart()
}

// Equal compares on cents so 999.999 and 1000.00 are the same payment.
func (a Amount) Equal(b Amount) bool { return a.MinorUnits() == b.MinorUnits() }

func (a Amount) Add(b Amount) Amount        { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount        { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) IsZero() bool               { return a.MinorUnits() == 0 }
func (a Amount) IsNegative() bool           { return a.MinorUnits() < 0 }
func (a Amount) IsPositive() bool           { return a.MinorUnits() > 0 }
func (a Amount) GreaterThan(b Amount) bool  { return a.MinorUnits() > b.MinorUnits() }
func (a Amount) LessThan(b Amount) bool     { return a.MinorUnits() < b.MinorUnits() }
func (a Amount) String() string             { return a.Value.StringFixed(minorUnitPlaces) }
func (a Amount) Float64() float64           { f, _ := a.Value.Round(minorUnitPlaces).Float64(); return f }

// ClampZero returns a, or zero when a is negative.
func (a Amount) ClampZero() Amount {
	if a.IsNegative() {
		return Amount{Value: decimal.Zero}
	}
	return a
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrderID string
type TransactionID string

// NormalizeOrderRef turns a free-text bill reference into an order number
// candidate: trimmed, upper-cased, without a leading '#'.
func NormalizeOrderRef(ref string) OrderID {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "#")
	return OrderID(strings.ToUpper(strings.TrimSpace(ref)))
}

// =============================================================================
// ACTOR - Who performed a state change
// =============================================================================

type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorOperator ActorKind = "operator"
)

// Actor identifies the system or an operator. The zero value is invalid.
// The system identity can only be obtained from SystemActor, so an operator
// named "SYSTEM" is still an operator.
type Actor struct {
	kind ActorKind
	id   string
}

const systemActorID = "SYSTEM"

func SystemActor() Actor { return Actor{kind: ActorSystem, id: systemActorID} }

// Operator returns an operator actor. The id must not be blank.
func Operator(id string) (Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Actor{}, fmt.Errorf("%w: operator id is required", ErrInvalidActor)
	}
	return Actor{kind: ActorOperator, id: id}, nil
}

// RestoreActor rebuilds an actor read back from storage.
func RestoreActor(kind ActorKind, id string) Actor {
	if kind == ActorSystem {
		return SystemActor()
	}
	if kind == "" && id == "" {
		return Actor{}
	}
	return Actor{kind: ActorOperator, id: id}
}

func (a Actor) Kind() ActorKind { return a.kind }
func (a Actor) ID() string      { return a.id }
func (a Actor) IsSystem() bool  { return a.kind == ActorSystem }
func (a Actor) IsZero() bool    { return a.kind == "" }

func (a Actor) String() string {
	if a.IsZero() {
		return ""
	}
	return string(a.kind) + ":" + a.id
}

// =============================================================================
// ORDER - Payment fields of a laundry order
// =============================================================================

type PaymentStatus string

const (
	StatusUnpaid  PaymentStatus = "unpaid"
	StatusPending PaymentStatus = "pending" // a push prompt is in flight
	StatusPartial PaymentStatus = "partial"
	StatusPaid    PaymentStatus = "paid"
	StatusFailed  PaymentStatus = "failed"
)

type PaymentMethod string

const (
	MethodMpesaPush   PaymentMethod = "mpesa_push"
	MethodMpesaDirect PaymentMethod = "mpesa_direct"
)

// ConfirmationSource records which path settled a payment.
type ConfirmationSource string

const (
	SourceAuto    ConfirmationSource = "auto"
	SourceManual  ConfirmationSource = "manual_connect"
	SourceConfirm ConfirmationSource = "confirm"
)

// PaymentRecord is one applied payment. Records are only ever appended.
type PaymentRecord struct {
	TransactionID     TransactionID
	Amount            Amount
	Excess            Amount // part of Amount that did not reduce the balance
	Date              time.Time
	ProviderReceiptID string
	PayerPhone        string
	PayerName         string
	Method            PaymentMethod
	Source            ConfirmationSource
}

type PaymentType string

const (
	PaymentFull    PaymentType = "full"
	PaymentPartial PaymentType = "partial"
)

type RequestStatus string

const (
	RequestInitiated RequestStatus = "initiated" // written, provider not yet called
	RequestSent      RequestStatus = "sent"      // provider accepted, awaiting callback
)

// PendingRequest correlates a push prompt with the callback it produces.
type PendingRequest struct {
	RequestID          string // ours, assigned before the provider is called
	RequestedAmount    Amount
	PaymentType        PaymentType
	ProviderCheckoutID string
	PayerPhone         string
	Status             RequestStatus
	RequestedAt        time.Time
}

type Order struct {
	ID               OrderID
	CustomerName     string
	CustomerPhone    string
	TotalAmount      Amount
	SettledBase      Amount
	RemainingBalance Amount
	PaymentStatus    PaymentStatus
	PartialPayments  []PaymentRecord
	PendingRequest   *PendingRequest
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasPayment reports whether a payment from txID is already applied.
func (o *Order) HasPayment(txID TransactionID) bool {
	for _, p := range o.PartialPayments {
		if p.TransactionID == txID {
			return true
		}
	}
	return false
}

// Paid returns the sum of applied payments plus the settled base.
func (o *Order) Paid() Amount {
	total := o.SettledBase
	for _, p := range o.PartialPayments {
		total = total.Add(p.Amount)
	}
	return total
}

func (o *Order) excess() Amount {
	var total Amount
	for _, p := range o.PartialPayments {
		total = total.Add(p.Excess)
	}
	return total
}

// Check verifies the balance invariants.
func (o *Order) Check() error {
	if o.RemainingBalance.IsNegative() {
		return &InvariantError{OrderID: o.ID, Rule: "remaining balance is negative"}
	}
	if o.RemainingBalance.IsZero() != (o.PaymentStatus == StatusPaid) {
		return &InvariantError{OrderID: o.ID, Rule: fmt.Sprintf("status %s with remaining %s", o.PaymentStatus, o.RemainingBalance)}
	}
	applied := o.Paid().Sub(o.excess())
	if !applied.Equal(o.TotalAmount.Sub(o.RemainingBalance)) {
		return &InvariantError{OrderID: o.ID, Rule: fmt.Sprintf("applied %s != total %s - remaining %s", applied, o.TotalAmount, o.RemainingBalance)}
	}
	return nil
}

// balanceStatus is the status implied by the balance alone, ignoring any
// in-flight request.
func (o *Order) balanceStatus() PaymentStatus {
	switch {
	case o.RemainingBalance.IsZero():
		return StatusPaid
	case o.RemainingBalance.LessThan(o.TotalAmount):
		return StatusPartial
	default:
		return StatusUnpaid
	}
}

// Clone returns a deep copy so callers never share slices with a store.
func (o Order) Clone() Order {
	c := o
	c.PartialPayments = append([]PaymentRecord(nil), o.PartialPayments...)
	if o.PendingRequest != nil {
		pr := *o.PendingRequest
		c.PendingRequest = &pr
	}
	return c
}

// =============================================================================
// TRANSACTION - One provider notification in the ledger
// =============================================================================

type TransactionType string

const (
	TxPushInitiated TransactionType = "push_initiated"
	TxDirectDeposit TransactionType = "direct_deposit"
)

type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationRejected  ConfirmationStatus = "rejected"
)

type Classification string

const (
	ClassUnclassified Classification = "" // reconciliation has not completed
	ClassExact        Classification = "exact"
	ClassMismatch     Classification = "mismatch"
	ClassUnmatched    Classification = "unmatched"
)

type Transaction struct {
	ID              TransactionID
	ReceiptNumber   string
	AmountPaid      Amount
	PayerPhone      string
	PayerName       string
	TransactionDate time.Time
	Type            TransactionType
	CorrelationID   string // checkout request id for push payments
	BillReference   string // free text for direct deposits

	ConfirmationStatus ConfirmationStatus
	Classification     Classification
	CandidateOrderID   OrderID

	IsConnectedToOrder bool
	ConnectedOrderID   OrderID
	ConnectedAt        *time.Time
	ConnectedBy        Actor

	ConfirmedName   string
	Notes           string
	RejectionReason string
	ResolvedAt      *time.Time
	ResolvedBy      Actor

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Transaction) method() PaymentMethod {
	if t.Type == TxPushInitiated {
		return MethodMpesaPush
	}
	return MethodMpesaDirect
}

// =============================================================================
// INBOUND NOTIFICATIONS - Already parsed and authenticated by the gateway
// =============================================================================

// PaymentResult is the outcome of a push prompt the engine initiated.
type PaymentResult struct {
	CorrelationID string // CheckoutRequestID
	ResultCode    int
	ResultDesc    string
	ReceiptID     string
	Amount        Amount
	PayerPhone    string
	Timestamp     time.Time
}

func (r PaymentResult) Succeeded() bool { return r.ResultCode == 0 }

// DirectPayment is an unsolicited paybill deposit.
type DirectPayment struct {
	TransID       string
	Amount        Amount
	PayerPhone    string
	Timestamp     time.Time
	BillReference string
	PayerName     string
}

// Notification is the ledger's view of either inbound kind.
type Notification struct {
	TransactionID TransactionID
	ReceiptNumber string
	Amount        Amount
	PayerPhone    string
	PayerName     string
	Timestamp     time.Time
	Type          TransactionType
	CorrelationID string
	BillReference string
}

func (r PaymentResult) Notification() Notification {
	return Notification{
		TransactionID: TransactionID(r.ReceiptID),
		ReceiptNumber: r.ReceiptID,
		Amount:        r.Amount,
		PayerPhone:    r.PayerPhone,
		Timestamp:     r.Timestamp,
		Type:          TxPushInitiated,
		CorrelationID: r.CorrelationID,
	}
}

func (d DirectPayment) Notification() Notification {
	return Notification{
		TransactionID: TransactionID(d.TransID),
		ReceiptNumber: d.TransID,
		Amount:        d.Amount,
		PayerPhone:    d.PayerPhone,
		PayerName:     d.PayerName,
		Timestamp:     d.Timestamp,
		Type:          TxDirectDeposit,
		BillReference: d.BillReference,
	}
}

func (n Notification) validate() error {
	if strings.TrimSpace(string(n.TransactionID)) == "" {
		return fmt.Errorf("%w: provider transaction id is required", ErrInvalidNotification)
	}
	if !n.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidNotification, n.Amount)
	}
	return nil
}
