package api

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/freshfold/payrecon/payment"
)

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		out  payment.Outcome
		want string
	}{
		{payment.Outcome{Classification: payment.ClassExact}, "exact"},
		{payment.Outcome{Classification: payment.ClassMismatch}, "mismatch"},
		{payment.Outcome{Classification: payment.ClassUnmatched}, "unmatched"},
		{payment.Outcome{Duplicate: true, Classification: payment.ClassExact}, "duplicate"},
		{payment.Outcome{Deferred: true}, "deferred"},
		{payment.Outcome{RequestFailed: true}, "request_failed"},
		{payment.Outcome{}, "unclassified"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcomeLabel(tt.out))
	}
}

func TestMetrics_CountsNotifications(t *testing.T) {
	h := newAPIHarness(t)
	unmatched := notificationsTotal.WithLabelValues("c2b", "unmatched")
	invalid := notificationsTotal.WithLabelValues("c2b", "invalid")
	beforeUnmatched := testutil.ToFloat64(unmatched)
	beforeInvalid := testutil.ToFloat64(invalid)

	// GIVEN: One deposit for an unknown account and one broken payload
	assertAccepted(t, h.do(http.MethodPost, "/api/mpesa/c2b/confirmation", "", c2bConfirmation("QKX1METRIC", "NOPE-1", "250.00")))
	rec := h.do(http.MethodPost, "/api/mpesa/c2b/confirmation", "", `{"TransID":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// THEN: Each outcome is counted once
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
	assert.Equal(t, beforeInvalid+1, testutil.ToFloat64(invalid))

	// AND: The scrape endpoint exposes them
	rec = h.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "payrecon_notifications_total")
	assert.Contains(t, rec.Body.String(), "payrecon_http_requests_total")
}
