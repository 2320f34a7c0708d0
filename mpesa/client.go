package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freshfold/payrecon/payment"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"
)

type Config struct {
	Environment     string // "production" or anything else for sandbox
	BaseURL         string // overrides Environment when set
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	TransactionType string // CustomerPayBillOnline (default) or CustomerBuyGoodsOnline
	Timeout         time.Duration
}

// Client initiates STK push prompts. It implements payment.Initiator.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := SandboxURL
	if cfg.Environment == "production" {
		baseURL = ProductionURL
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config:     cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

var _ payment.Initiator = (*Client)(nil)

// =============================================================================
// STK PUSH (Lipa Na M-Pesa Online)
// =============================================================================

type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	// Error responses
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Initiate sends an STK push. Daraja only takes whole shillings, so the
// amount is rounded up.
func (c *Client) Initiate(ctx context.Context, req payment.PushRequest) (payment.PushResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return payment.PushResponse{}, fmt.Errorf("failed to get access token: %w", err)
	}

	timestamp := c.now().In(eat).Format(timestampLayout)
	password := base64.StdEncoding.EncodeToString([]byte(c.config.ShortCode + c.config.Passkey + timestamp))
	phone := NormalizePhone(req.Phone)

	body := STKPushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   c.config.TransactionType,
		Amount:            req.Amount.Value.Ceil().IntPart(),
		PartyA:            phone,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  truncate(req.AccountReference, 12),
		TransactionDesc:   truncate(req.Description, 13),
	}

	var resp STKPushResponse
	status, err := c.post(ctx, c.baseURL+"/mpesa/stkpush/v1/processrequest", token, body, &resp)
	if err != nil {
		return payment.PushResponse{}, err
	}
	if status != http.StatusOK || resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		desc := resp.ResponseDescription
		if resp.ErrorMessage != "" {
			desc = resp.ErrorCode + ": " + resp.ErrorMessage
		}
		return payment.PushResponse{}, fmt.Errorf("stk push rejected (http %d, code %q): %s", status, resp.ResponseCode, desc)
	}

	c.logger.Debug("stk push accepted",
		zap.String("request_id", req.RequestID),
		zap.String("order_id", string(req.OrderID)),
		zap.String("checkout_request_id", resp.CheckoutRequestID))

	return payment.PushResponse{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// =============================================================================
// OAUTH
// =============================================================================

// accessToken returns a cached token, refreshing it a minute before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(result.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.token = result.AccessToken
	c.tokenExpiry = c.now().Add(ttl - time.Minute)
	return c.token, nil
}

func (c *Client) post(ctx context.Context, url, token string, payload, out any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse response (http %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
