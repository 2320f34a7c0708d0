package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/freshfold/payrecon/mpesa"
	"github.com/freshfold/payrecon/payment"
)

// =============================================================================
// M-PESA CALLBACKS
// =============================================================================
//
// Callbacks are processed inline. A 200 with ResultCode 0 means the
// notification is durably recorded; reconciliation may still be deferred to
// the sweep. Storage failures answer 500 so the provider redelivers, which
// the ledger absorbs as a duplicate.

// POST /api/mpesa/stk/callback
func (h *Handler) STKCallback(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readCallback(w, r, "stk")
	if !ok {
		return
	}
	result, err := mpesa.ParseSTKCallback(payload)
	if err != nil {
		h.Logger.Warn("rejecting stk callback", zap.Error(err))
		notificationsTotal.WithLabelValues("stk", "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, mpesa.Decline("Invalid payload"))
		return
	}

	out, err := h.Engine.NotifyPaymentResult(r.Context(), result)
	if err != nil {
		h.callbackFailed(w, "stk", err, zap.String("checkout_request_id", result.CorrelationID))
		return
	}
	h.Logger.Info("stk callback processed",
		zap.String("checkout_request_id", result.CorrelationID),
		zap.Int("result_code", result.ResultCode),
		zap.String("receipt", result.ReceiptID),
		zap.String("classification", string(out.Classification)),
		zap.Bool("duplicate", out.Duplicate),
		zap.Bool("deferred", out.Deferred))
	notificationsTotal.WithLabelValues("stk", outcomeLabel(out)).Inc()
	writeJSON(w, http.StatusOK, mpesa.Accept())
}

// POST /api/mpesa/c2b/confirmation
func (h *Handler) C2BConfirmation(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readCallback(w, r, "c2b")
	if !ok {
		return
	}
	deposit, err := mpesa.ParseC2BConfirmation(payload)
	if err != nil {
		h.Logger.Warn("rejecting c2b confirmation", zap.Error(err))
		notificationsTotal.WithLabelValues("c2b", "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, mpesa.Decline("Invalid payload"))
		return
	}

	out, err := h.Engine.NotifyDirectPayment(r.Context(), deposit)
	if err != nil {
		h.callbackFailed(w, "c2b", err, zap.String("trans_id", deposit.TransID))
		return
	}
	h.Logger.Info("c2b confirmation processed",
		zap.String("trans_id", deposit.TransID),
		zap.String("bill_ref", deposit.BillReference),
		zap.String("classification", string(out.Classification)),
		zap.Bool("duplicate", out.Duplicate),
		zap.Bool("deferred", out.Deferred))
	notificationsTotal.WithLabelValues("c2b", outcomeLabel(out)).Inc()
	writeJSON(w, http.StatusOK, mpesa.Accept())
}

// C2BValidation accepts every deposit. Unknown bill references are still
// money received and go to the linking queue after confirmation.
// POST /api/mpesa/c2b/validation
func (h *Handler) C2BValidation(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readCallback(w, r, "c2b validation")
	if !ok {
		return
	}
	if p, err := mpesa.ParseC2B(payload); err == nil {
		h.Logger.Debug("c2b validation",
			zap.String("trans_id", p.TransID),
			zap.String("bill_ref", p.BillRefNumber))
	}
	writeJSON(w, http.StatusOK, mpesa.Accept())
}

func (h *Handler) readCallback(w http.ResponseWriter, r *http.Request, kind string) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.Logger.Error("failed to read callback payload", zap.String("kind", kind), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, mpesa.Decline("Failed to read payload"))
		return nil, false
	}
	h.Logger.Debug("callback payload received",
		zap.String("kind", kind),
		zap.Int("payload_size", len(payload)),
		zap.String("remote_addr", r.RemoteAddr))
	return payload, true
}

func (h *Handler) callbackFailed(w http.ResponseWriter, kind string, err error, fields ...zap.Field) {
	notificationsTotal.WithLabelValues(kind, "error").Inc()
	if payment.IsClientError(err) {
		h.Logger.Warn("rejecting "+kind+" callback", append(fields, zap.Error(err))...)
		writeJSON(w, http.StatusBadRequest, mpesa.Decline("Invalid payload"))
		return
	}
	h.Logger.Error("failed to process "+kind+" callback", append(fields, zap.Error(err))...)
	writeJSON(w, http.StatusInternalServerError, mpesa.Decline("Temporary failure"))
}
