/*
handlers.go - HTTP API handlers for payment reconciliation

PURPOSE:
  Exposes the reconciliation engine to the operator UI and the
  order-management collaborator. Handles HTTP request/response and JSON,
  and delegates every decision to payment.Engine.

ENDPOINTS:
  Orders:
    POST   /api/orders                          Register an order
    GET    /api/orders/{id}                     Order with balance and payments
    POST   /api/orders/{id}/payment-requests    Send an STK push
    GET    /api/orders/{id}/transactions        Transactions linked to the order

  Transactions:
    GET    /api/transactions?queue=...          Review queues
    GET    /api/transactions/{id}               One transaction
    POST   /api/transactions/{id}/connect       Manual connection
    POST   /api/transactions/{id}/confirm       Confirm a flagged payment
    POST   /api/transactions/{id}/reject        Reject a flagged payment

  Audit:
    GET    /api/audit?transaction_id=&order_id=&action=

  Reconciliation:
    POST   /api/reconciliation/sweep            Retry deferred reconciliation

  M-Pesa callbacks are in callbacks.go.

OPERATOR IDENTITY:
  Mutating operator endpoints read X-Operator-ID. Authentication happens in
  front of this service.

ERROR HANDLING:
  - 400: Validation errors, invalid input, missing operator
  - 404: Order or transaction not found
  - 409: Business rule violation (already paid, already connected...)
  - 502: Payment provider refused the push
  - 503: Storage contention, safe to retry
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/freshfold/payrecon/payment"
)

// OperatorHeader carries the operator performing a manual action.
const OperatorHeader = "X-Operator-ID"

const (
	defaultListLimit = 100
	maxBodyBytes     = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Engine *payment.Engine
	Logger *zap.Logger

	// SweepBatch bounds POST /api/reconciliation/sweep.
	SweepBatch int
}

func NewHandler(engine *payment.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Logger: logger, SweepBatch: defaultListLimit}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// CreateOrder registers an order handed over by order management.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, err := parseAmount(req.Total)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid total", err)
		return
	}
	base, err := parseAmount(req.SettledBase)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settled_base", err)
		return
	}

	order, err := h.Engine.RegisterOrder(r.Context(), payment.NewOrder{
		ID:            payment.OrderID(req.ID),
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Total:         total,
		SettledBase:   base,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to register order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Engine.GetOrder(r.Context(), orderParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// RequestPayment sends an STK push for the order and returns it with the
// pending request attached. The payment itself arrives on the callback.
// POST /api/orders/{id}/payment-requests
func (h *Handler) RequestPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequestRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	order, err := h.Engine.RequestPayment(r.Context(), payment.PaymentRequest{
		OrderID: orderParam(r),
		Amount:  amount,
		Phone:   req.Phone,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to request payment", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toOrderDTO(order))
}

// GET /api/orders/{id}/transactions
func (h *Handler) GetOrderTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := orderParam(r)
	if _, err := h.Engine.GetOrder(ctx, id); err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}
	txs, err := h.Engine.OrderTransactions(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns one review queue.
// GET /api/transactions?queue=confirmation|linking|rejected&limit=N
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q, ok := payment.ParseQueue(r.URL.Query().Get("queue"))
	if !ok {
		writeError(w, http.StatusBadRequest, "queue must be confirmation, linking or rejected", nil)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	txs, err := h.Engine.PendingQueue(r.Context(), q, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetTransaction(r.Context(), transactionParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(t))
}

// ConnectTransaction links a payment to an order chosen by the operator.
// POST /api/transactions/{id}/connect
func (h *Handler) ConnectTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.operator(w, r)
	if !ok {
		return
	}
	var req ConnectRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required", nil)
		return
	}

	s, err := h.Engine.Connect(r.Context(), transactionParam(r), payment.NormalizeOrderRef(req.OrderID), actor)
	if err != nil {
		h.writeDomainError(w, "Failed to connect transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// POST /api/transactions/{id}/confirm
func (h *Handler) ConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.operator(w, r)
	if !ok {
		return
	}
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.Engine.Confirm(r.Context(), transactionParam(r), req.ConfirmedName, req.Notes, actor)
	if err != nil {
		h.writeDomainError(w, "Failed to confirm transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// POST /api/transactions/{id}/reject
func (h *Handler) RejectTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.operator(w, r)
	if !ok {
		return
	}
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.Engine.Reject(r.Context(), transactionParam(r), req.Reason, actor)
	if err != nil {
		h.writeDomainError(w, "Failed to reject transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(t))
}

// =============================================================================
// AUDIT & RECONCILIATION
// =============================================================================

// ListAudit queries the audit log. action may repeat; from/to are RFC 3339.
// GET /api/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := payment.AuditFilter{}
	if v := q.Get("transaction_id"); v != "" {
		id := payment.TransactionID(v)
		filter.TransactionID = &id
	}
	if v := q.Get("order_id"); v != "" {
		id := payment.NormalizeOrderRef(v)
		filter.OrderID = &id
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, payment.AuditAction(a))
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name, err)
			return
		}
		*p.dst = &t
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	entries, err := h.Engine.Audit(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerSweep reconciles transactions whose reconciliation was deferred.
// POST /api/reconciliation/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Sweep(r.Context(), h.SweepBatch)
	if err != nil {
		h.writeDomainError(w, "Sweep failed", err)
		return
	}
	observeSweep(report)
	writeJSON(w, http.StatusOK, SweepReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func orderParam(r *http.Request) payment.OrderID {
	return payment.NormalizeOrderRef(chi.URLParam(r, "id"))
}

func transactionParam(r *http.Request) payment.TransactionID {
	return payment.TransactionID(chi.URLParam(r, "id"))
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func (h *Handler) operator(w http.ResponseWriter, r *http.Request) (payment.Actor, bool) {
	actor, err := payment.Operator(r.Header.Get(OperatorHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, OperatorHeader+" header is required", err)
		return payment.Actor{}, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeDomainError maps engine errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case payment.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case payment.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case payment.IsDomainViolation(err), errors.Is(err, payment.ErrDuplicateOrder):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, payment.ErrInitiationFailed):
		writeError(w, http.StatusBadGateway, message, err)
	case payment.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.Logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
