package payment

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG - Who changed what, when, and why
// =============================================================================

type AuditAction string

const (
	AuditTransactionRecorded AuditAction = "transaction_recorded"
	AuditAutoConfirm         AuditAction = "auto_confirm"
	AuditFlaggedForReview    AuditAction = "flagged_for_review"
	AuditFlaggedUnmatched    AuditAction = "flagged_unmatched"
	AuditManualConnect       AuditAction = "manual_connect"
	AuditConfirm             AuditAction = "confirm"
	AuditReject              AuditAction = "reject"
	AuditLinkCompleted       AuditAction = "link_completed" // payment was applied earlier, link finished now
	AuditOrderRegistered     AuditAction = "order_registered"
	AuditPaymentRequested    AuditAction = "payment_requested"
	AuditRequestSent         AuditAction = "payment_request_sent"
	AuditRequestCleared      AuditAction = "payment_request_cleared"
	AuditPaymentFailed       AuditAction = "payment_failed"
)

// AuditEntry is immutable once appended.
type AuditEntry struct {
	ID            string
	At            time.Time
	Action        AuditAction
	TransactionID TransactionID
	OrderID       OrderID
	Actor         Actor
	BalanceBefore *Amount
	BalanceAfter  *Amount
	Metadata      map[string]string
}

func newAuditEntry(at time.Time, action AuditAction, actor Actor) AuditEntry {
	return AuditEntry{
		ID:       uuid.NewString(),
		At:       at,
		Action:   action,
		Actor:    actor,
		Metadata: map[string]string{},
	}
}

func (e AuditEntry) withBalances(before, after Amount) AuditEntry {
	e.BalanceBefore = &before
	e.BalanceAfter = &after
	return e
}
