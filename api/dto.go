/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the operator UI and the order-management collaborator.
  Amounts travel as fixed two-decimal strings ("300.00"); request bodies
  accept either strings or JSON numbers.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - payment/types.go: Domain types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/freshfold/payrecon/payment"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateOrderRequest struct {
	ID            string      `json:"id"`
	CustomerName  string      `json:"customer_name"`
	CustomerPhone string      `json:"customer_phone"`
	Total         json.Number `json:"total"`
	SettledBase   json.Number `json:"settled_base,omitempty"`
}

// PaymentRequestRequest asks for an STK push. Amount defaults to the
// remaining balance, Phone to the customer's phone on the order.
type PaymentRequestRequest struct {
	Amount json.Number `json:"amount,omitempty"`
	Phone  string      `json:"phone,omitempty"`
}

type ConnectRequest struct {
	OrderID string `json:"order_id"`
}

type ConfirmRequest struct {
	ConfirmedName string `json:"confirmed_name"`
	Notes         string `json:"notes,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type PaymentRecordDTO struct {
	TransactionID string    `json:"transaction_id"`
	Amount        string    `json:"amount"`
	Excess        string    `json:"excess,omitempty"`
	Date          time.Time `json:"date"`
	ReceiptID     string    `json:"receipt_id"`
	PayerPhone    string    `json:"payer_phone,omitempty"`
	PayerName     string    `json:"payer_name,omitempty"`
	Method        string    `json:"method"`
	Source        string    `json:"source"`
}

type PendingRequestDTO struct {
	RequestID         string    `json:"request_id"`
	Amount            string    `json:"amount"`
	PaymentType       string    `json:"payment_type"`
	CheckoutRequestID string    `json:"checkout_request_id,omitempty"`
	Phone             string    `json:"phone"`
	Status            string    `json:"status"`
	RequestedAt       time.Time `json:"requested_at"`
}

type OrderDTO struct {
	ID               string             `json:"id"`
	CustomerName     string             `json:"customer_name"`
	CustomerPhone    string             `json:"customer_phone,omitempty"`
	TotalAmount      string             `json:"total_amount"`
	AmountPaid       string             `json:"amount_paid"`
	RemainingBalance string             `json:"remaining_balance"`
	PaymentStatus    string             `json:"payment_status"`
	Payments         []PaymentRecordDTO `json:"payments"`
	PendingRequest   *PendingRequestDTO `json:"pending_request,omitempty"`
	Version          int64              `json:"version"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

type TransactionDTO struct {
	ID                 string     `json:"id"`
	ReceiptNumber      string     `json:"receipt_number"`
	Amount             string     `json:"amount"`
	PayerPhone         string     `json:"payer_phone,omitempty"`
	PayerName          string     `json:"payer_name,omitempty"`
	TransactionDate    time.Time  `json:"transaction_date"`
	Type               string     `json:"type"`
	CheckoutRequestID  string     `json:"checkout_request_id,omitempty"`
	BillReference      string     `json:"bill_reference,omitempty"`
	ConfirmationStatus string     `json:"confirmation_status"`
	Classification     string     `json:"classification,omitempty"`
	CandidateOrderID   string     `json:"candidate_order_id,omitempty"`
	Connected          bool       `json:"connected"`
	ConnectedOrderID   string     `json:"connected_order_id,omitempty"`
	ConnectedAt        *time.Time `json:"connected_at,omitempty"`
	ConnectedBy        string     `json:"connected_by,omitempty"`
	ConfirmedName      string     `json:"confirmed_name,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy         string     `json:"resolved_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type SettlementDTO struct {
	Order          OrderDTO       `json:"order"`
	Transaction    TransactionDTO `json:"transaction"`
	BalanceBefore  string         `json:"balance_before"`
	BalanceAfter   string         `json:"balance_after"`
	IsOverPayment  bool           `json:"is_overpayment"`
	Excess         string         `json:"excess,omitempty"`
	AlreadyApplied bool           `json:"already_applied,omitempty"`
}

type AuditEntryDTO struct {
	ID            string            `json:"id"`
	At            time.Time         `json:"at"`
	Action        string            `json:"action"`
	TransactionID string            `json:"transaction_id,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	Actor         string            `json:"actor"`
	BalanceBefore string            `json:"balance_before,omitempty"`
	BalanceAfter  string            `json:"balance_after,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type SweepReportDTO struct {
	Scanned    int `json:"scanned"`
	Reconciled int `json:"reconciled"`
	Rematched  int `json:"rematched"`
	Failed     int `json:"failed"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toOrderDTO(o payment.Order) OrderDTO {
	dto := OrderDTO{
		ID:               string(o.ID),
		CustomerName:     o.CustomerName,
		CustomerPhone:    o.CustomerPhone,
		TotalAmount:      o.TotalAmount.String(),
		AmountPaid:       o.Paid().String(),
		RemainingBalance: o.RemainingBalance.String(),
		PaymentStatus:    string(o.PaymentStatus),
		Payments:         make([]PaymentRecordDTO, len(o.PartialPayments)),
		Version:          o.Version,
		UpdatedAt:        o.UpdatedAt,
	}
	for i, p := range o.PartialPayments {
		dto.Payments[i] = PaymentRecordDTO{
			TransactionID: string(p.TransactionID),
			Amount:        p.Amount.String(),
			Excess:        nonZero(p.Excess),
			Date:          p.Date,
			ReceiptID:     p.ProviderReceiptID,
			PayerPhone:    p.PayerPhone,
			PayerName:     p.PayerName,
			Method:        string(p.Method),
			Source:        string(p.Source),
		}
	}
	if r := o.PendingRequest; r != nil {
		dto.PendingRequest = &PendingRequestDTO{
			RequestID:         r.RequestID,
			Amount:            r.RequestedAmount.String(),
			PaymentType:       string(r.PaymentType),
			CheckoutRequestID: r.ProviderCheckoutID,
			Phone:             r.PayerPhone,
			Status:            string(r.Status),
			RequestedAt:       r.RequestedAt,
		}
	}
	return dto
}

func toTransactionDTO(t payment.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                 string(t.ID),
		ReceiptNumber:      t.ReceiptNumber,
		Amount:             t.AmountPaid.String(),
		PayerPhone:         t.PayerPhone,
		PayerName:          t.PayerName,
		TransactionDate:    t.TransactionDate,
		Type:               string(t.Type),
		CheckoutRequestID:  t.CorrelationID,
		BillReference:      t.BillReference,
		ConfirmationStatus: string(t.ConfirmationStatus),
		Classification:     string(t.Classification),
		CandidateOrderID:   string(t.CandidateOrderID),
		Connected:          t.IsConnectedToOrder,
		ConnectedOrderID:   string(t.ConnectedOrderID),
		ConnectedAt:        t.ConnectedAt,
		ConnectedBy:        t.ConnectedBy.String(),
		ConfirmedName:      t.ConfirmedName,
		Notes:              t.Notes,
		RejectionReason:    t.RejectionReason,
		ResolvedAt:         t.ResolvedAt,
		ResolvedBy:         t.ResolvedBy.String(),
		CreatedAt:          t.CreatedAt,
	}
}

func toTransactionDTOs(txs []payment.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func toSettlementDTO(s payment.Settlement) SettlementDTO {
	return SettlementDTO{
		Order:          toOrderDTO(s.Order),
		Transaction:    toTransactionDTO(s.Transaction),
		BalanceBefore:  s.BalanceBefore.String(),
		BalanceAfter:   s.BalanceAfter.String(),
		IsOverPayment:  s.IsOverPayment,
		Excess:         nonZero(s.Excess),
		AlreadyApplied: s.AlreadyApplied,
	}
}

func toAuditEntryDTO(e payment.AuditEntry) AuditEntryDTO {
	dto := AuditEntryDTO{
		ID:            e.ID,
		At:            e.At,
		Action:        string(e.Action),
		TransactionID: string(e.TransactionID),
		OrderID:       string(e.OrderID),
		Actor:         e.Actor.String(),
		Metadata:      e.Metadata,
	}
	if e.BalanceBefore != nil {
		dto.BalanceBefore = e.BalanceBefore.String()
	}
	if e.BalanceAfter != nil {
		dto.BalanceAfter = e.BalanceAfter.String()
	}
	return dto
}

func nonZero(a payment.Amount) string {
	if a.IsZero() {
		return ""
	}
	return a.String()
}

// parseAmount accepts an empty number as zero.
func parseAmount(n json.Number) (payment.Amount, error) {
	if n == "" {
		return payment.Amount{}, nil
	}
	return payment.ParseAmount(n.String())
}
