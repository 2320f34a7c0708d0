package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshfold/payrecon/payment"
)

type daraja struct {
	tokenCalls atomic.Int32
	lastPush   STKPushRequest
	pushStatus int
	pushBody   string
}

func (d *daraja) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		d.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&d.lastPush))
		if d.pushStatus != 0 {
			w.WriteHeader(d.pushStatus)
		}
		_, _ = w.Write([]byte(d.pushBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.test/api/mpesa/stk/callback",
	}, nil)
	c.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }
	return c
}

func TestClient_Initiate(t *testing.T) {
	// GIVEN: A Daraja stub that accepts the push
	d := &daraja{pushBody: `{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`}
	c := newTestClient(d.server(t))

	// WHEN: A fractional amount is pushed to a local-format number
	resp, err := c.Initiate(context.Background(), payment.PushRequest{
		RequestID:        "req-1",
		OrderID:          "ORD-1042",
		Amount:           payment.MustParseAmount("749.50"),
		Phone:            "0712345678",
		AccountReference: "ORD-1042-LAUNDRY",
		Description:      "Laundry order ORD-1042",
	})

	// THEN: The checkout id comes back and the request is well formed
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)
	assert.Equal(t, "m-1", resp.MerchantRequestID)

	push := d.lastPush
	assert.Equal(t, int64(750), push.Amount)
	assert.Equal(t, "254712345678", push.PhoneNumber)
	assert.Equal(t, "254712345678", push.PartyA)
	assert.Equal(t, "174379", push.PartyB)
	assert.Equal(t, "CustomerPayBillOnline", push.TransactionType)
	assert.Equal(t, "20250301123000", push.Timestamp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379passkey20250301123000")), push.Password)
	assert.Equal(t, "ORD-1042-LAU", push.AccountReference)
	assert.Len(t, push.TransactionDesc, 13)
}

func TestClient_TokenIsCached(t *testing.T) {
	d := &daraja{pushBody: `{"CheckoutRequestID":"ws_CO_1","ResponseCode":"0"}`}
	c := newTestClient(d.server(t))

	for i := 0; i < 3; i++ {
		_, err := c.Initiate(context.Background(), payment.PushRequest{Amount: payment.NewAmountFromInt(10), Phone: "0712345678"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), d.tokenCalls.Load())
}

func TestClient_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"error response", http.StatusBadRequest, `{"requestId":"r-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`},
		{"non-zero response code", 0, `{"CheckoutRequestID":"ws_CO_1","ResponseCode":"1","ResponseDescription":"rejected"}`},
		{"missing checkout id", 0, `{"ResponseCode":"0"}`},
		{"garbage", http.StatusInternalServerError, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &daraja{pushStatus: tt.status, pushBody: tt.body}
			c := newTestClient(d.server(t))

			_, err := c.Initiate(context.Background(), payment.PushRequest{Amount: payment.NewAmountFromInt(10), Phone: "0712345678"})
			assert.Error(t, err)
		})
	}
}

func TestClient_BadCredentials(t *testing.T) {
	d := &daraja{}
	srv := d.server(t)
	c := NewClient(Config{BaseURL: srv.URL, ConsumerKey: "wrong", ConsumerSecret: "creds"}, nil)

	_, err := c.Initiate(context.Background(), payment.PushRequest{Amount: payment.NewAmountFromInt(10), Phone: "0712345678"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access token")
}

func TestNewClient_Environment(t *testing.T) {
	assert.Equal(t, SandboxURL, NewClient(Config{}, nil).baseURL)
	assert.Equal(t, ProductionURL, NewClient(Config{Environment: "production"}, nil).baseURL)
	assert.Equal(t, "http://localhost:9", NewClient(Config{Environment: "production", BaseURL: "http://localhost:9"}, nil).baseURL)
}
