/*
initiate.go - Push-prompt initiation and failed results

PURPOSE:
  RequestPayment asks the provider to prompt the customer's phone. The
  pending request written here is what lets the callback find its order
  later, so it has to exist before the provider answers.

THREE STEPS:
  1. Storage tx: write the pending request (status initiated)
  2. Provider call, outside any storage tx, bounded by a timeout
  3. Storage tx: record the checkout id (status sent), or clear the
     request if the provider refused

  A crash between 1 and 3 leaves an initiated request that blocks new
  prompts until it is older than the request TTL.

FAILED RESULTS:
  A callback with a non-zero result code means the customer cancelled or
  the prompt timed out. No money moved: the request is cleared and the
  order shows failed (or partial, if something was paid before).
*/
package payment

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Initiator sends push prompts to the provider.
type Initiator interface {
	Initiate(ctx context.Context, req PushRequest) (PushResponse, error)
}

type PushRequest struct {
	RequestID        string
	OrderID          OrderID
	Amount           Amount
	Phone            string
	AccountReference string
	Description      string
}

type PushResponse struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// PaymentRequest asks for Amount on an order. A zero Amount means the whole
// remaining balance; an empty Phone means the customer's phone on file.
type PaymentRequest struct {
	OrderID OrderID
	Amount  Amount
	Phone   string
}

// =============================================================================
// REQUEST PAYMENT
// =============================================================================

func (e *Engine) RequestPayment(ctx context.Context, req PaymentRequest) (Order, error) {
	if e.initiator == nil {
		return Order{}, fmt.Errorf("%w: no provider configured", ErrInitiationFailed)
	}
	if req.Amount.IsNegative() {
		return Order{}, fmt.Errorf("%w: negative amount %s", ErrInvalidRequest, req.Amount)
	}

	// Step 1
	var (
		pending PendingRequest
		order   Order
	)
	err := e.retry(ctx, "request_payment", func() error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			o, err := tx.GetOrder(ctx, req.OrderID)
			if err != nil {
				return err
			}
			if o == nil {
				return orderNotFound(req.OrderID)
			}
			if o.PaymentStatus == StatusPaid {
				return ErrAlreadyPaid
			}
			now := e.clock()
			if pr := o.PendingRequest; pr != nil && now.Sub(pr.RequestedAt) < e.requestTTL {
				return ErrRequestInFlight
			}

			amount := req.Amount
			if amount.IsZero() {
				amount = o.RemainingBalance
			}
			if amount.GreaterThan(o.RemainingBalance) {
				return fmt.Errorf("%w: %s exceeds remaining balance %s", ErrInvalidRequest, amount, o.RemainingBalance)
			}
			phone := strings.TrimSpace(req.Phone)
			if phone == "" {
				phone = o.CustomerPhone
			}
			if phone == "" {
				return fmt.Errorf("%w: no phone number for order %s", ErrInvalidRequest, o.ID)
			}

			pending = PendingRequest{
				RequestID:       uuid.NewString(),
				RequestedAmount: amount,
				PaymentType:     PaymentPartial,
				PayerPhone:      phone,
				Status:          RequestInitiated,
				RequestedAt:     now,
			}
			if amount.Equal(o.RemainingBalance) {
				pending.PaymentType = PaymentFull
			}

			expected := o.Version
			o.PendingRequest = &pending
			o.PaymentStatus = StatusPending
			o.Version++
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, *o, expected); err != nil {
				return err
			}

			entry := newAuditEntry(now, AuditPaymentRequested, SystemActor()).
				withBalances(o.RemainingBalance, o.RemainingBalance)
			entry.OrderID = o.ID
			entry.Metadata["request_id"] = pending.RequestID
			entry.Metadata["amount"] = amount.String()
			entry.Metadata["payment_type"] = string(pending.PaymentType)
			entry.Metadata["payer_phone"] = phone
			if err := tx.AppendAudit(ctx, entry); err != nil {
				return err
			}
			order = *o
			return nil
		})
	})
	if err != nil {
		return Order{}, err
	}

	// Step 2
	callCtx, cancel := context.WithTimeout(ctx, e.initiateTimeout)
	resp, callErr := e.initiator.Initiate(callCtx, PushRequest{
		RequestID:        pending.RequestID,
		OrderID:          order.ID,
		Amount:           pending.RequestedAmount,
		Phone:            pending.PayerPhone,
		AccountReference: string(order.ID),
		Description:      "Payment for order " + string(order.ID),
	})
	cancel()
	if callErr == nil && resp.CheckoutRequestID == "" {
		callErr = fmt.Errorf("provider returned no checkout request id")
	}

	// Step 3 runs even if the caller went away; the provider already acted.
	finishCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		e.logger.Warn("payment initiation failed",
			zap.String("order_id", string(order.ID)),
			zap.String("request_id", pending.RequestID),
			zap.Error(callErr))
		if err := e.clearRequest(finishCtx, order.ID, pending.RequestID, callErr.Error()); err != nil {
			e.logger.Error("clearing failed payment request",
				zap.String("order_id", string(order.ID)),
				zap.Error(err))
		}
		return Order{}, &InitiationError{OrderID: order.ID, Err: callErr}
	}

	sent, err := e.markSent(finishCtx, order.ID, pending.RequestID, resp)
	if err != nil {
		return Order{}, err
	}
	e.logger.Info("payment requested",
		zap.String("order_id", string(order.ID)),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("amount", pending.RequestedAmount.String()))
	e.publish(finishCtx, balanceChanged(e.clock(), sent))
	return sent, nil
}

func (e *Engine) markSent(ctx context.Context, id OrderID, requestID string, resp PushResponse) (Order, error) {
	var out Order
	err := e.retry(ctx, "mark_request_sent", func() error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			o, err := tx.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			if o == nil {
				return orderNotFound(id)
			}
			if o.PendingRequest == nil || o.PendingRequest.RequestID != requestID {
				// Superseded after the TTL expired; leave the newer request alone.
				out = *o
				return nil
			}

			now := e.clock()
			expected := o.Version
			o.PendingRequest.ProviderCheckoutID = resp.CheckoutRequestID
			o.PendingRequest.Status = RequestSent
			o.Version++
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, *o, expected); err != nil {
				return err
			}

			entry := newAuditEntry(now, AuditRequestSent, SystemActor())
			entry.OrderID = o.ID
			entry.Metadata["request_id"] = requestID
			entry.Metadata["checkout_request_id"] = resp.CheckoutRequestID
			if resp.MerchantRequestID != "" {
				entry.Metadata["merchant_request_id"] = resp.MerchantRequestID
			}
			if err := tx.AppendAudit(ctx, entry); err != nil {
				return err
			}
			out = *o
			return nil
		})
	})
	return out, err
}

func (e *Engine) clearRequest(ctx context.Context, id OrderID, requestID, reason string) error {
	return e.retry(ctx, "clear_request", func() error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			o, err := tx.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			if o == nil || o.PendingRequest == nil || o.PendingRequest.RequestID != requestID {
				return nil
			}

			now := e.clock()
			expected := o.Version
			o.PendingRequest = nil
			o.PaymentStatus = failedStatus(o)
			o.Version++
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, *o, expected); err != nil {
				return err
			}

			entry := newAuditEntry(now, AuditRequestCleared, SystemActor())
			entry.OrderID = o.ID
			entry.Metadata["request_id"] = requestID
			entry.Metadata["reason"] = reason
			return tx.AppendAudit(ctx, entry)
		})
	})
}

// =============================================================================
// FAILED RESULT
// =============================================================================

func (e *Engine) failRequest(ctx context.Context, r PaymentResult) error {
	var (
		order   Order
		applied bool
	)
	err := e.retry(ctx, "payment_failed", func() error {
		applied = false
		return e.store.WithTx(ctx, func(tx Tx) error {
			o, err := tx.FindOrderByCheckoutID(ctx, r.CorrelationID)
			if err != nil {
				return err
			}
			if o == nil {
				return nil
			}

			now := e.clock()
			expected := o.Version
			o.PendingRequest = nil
			o.PaymentStatus = failedStatus(o)
			o.Version++
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, *o, expected); err != nil {
				return err
			}

			entry := newAuditEntry(now, AuditPaymentFailed, SystemActor()).
				withBalances(o.RemainingBalance, o.RemainingBalance)
			entry.OrderID = o.ID
			entry.Metadata["checkout_request_id"] = r.CorrelationID
			entry.Metadata["result_code"] = strconv.Itoa(r.ResultCode)
			if r.ResultDesc != "" {
				entry.Metadata["result_desc"] = r.ResultDesc
			}
			if err := tx.AppendAudit(ctx, entry); err != nil {
				return err
			}
			order, applied = *o, true
			return nil
		})
	})
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Info("failed payment result for unknown checkout",
			zap.String("checkout_request_id", r.CorrelationID),
			zap.Int("result_code", r.ResultCode))
		return nil
	}

	e.logger.Info("payment request failed",
		zap.String("order_id", string(order.ID)),
		zap.Int("result_code", r.ResultCode),
		zap.String("result_desc", r.ResultDesc))
	e.publish(ctx, balanceChanged(e.clock(), order))
	return nil
}

// failedStatus is the status after a prompt ends without payment.
func failedStatus(o *Order) PaymentStatus {
	if s := o.balanceStatus(); s != StatusUnpaid {
		return s
	}
	return StatusFailed
}
