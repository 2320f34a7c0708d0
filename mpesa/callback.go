/*
Package mpesa speaks Safaricom's Daraja API: it parses the callbacks the
gateway receives and initiates STK push prompts.

PAYLOADS:
  STK callback      Body.stkCallback with a CallbackMetadata.Item list.
                    Only successful results carry metadata.
  C2B confirmation  Flat object (TransID, TransAmount, MSISDN, BillRefNumber...)
                    posted for every paybill deposit.
  C2B validation    Same shape, posted before the deposit completes when
                    validation is enabled on the short code.

Daraja sends numbers sometimes as JSON numbers and sometimes as strings
(PhoneNumber is a number in STK callbacks, TransAmount a string in C2B).
Parsing accepts both.
*/
package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/freshfold/payrecon/payment"
)

// Daraja timestamps are East Africa Time with no zone marker.
var eat = time.FixedZone("EAT", 3*60*60)

const timestampLayout = "20060102150405"

// =============================================================================
// STK CALLBACK
// =============================================================================

type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback turns a push-prompt callback into a PaymentResult.
func ParseSTKCallback(payload []byte) (payment.PaymentResult, error) {
	var cb STKCallback
	if err := decode(payload, &cb); err != nil {
		return payment.PaymentResult{}, fmt.Errorf("failed to parse stk callback: %w", err)
	}
	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return payment.PaymentResult{}, fmt.Errorf("%w: stk callback without CheckoutRequestID", payment.ErrInvalidNotification)
	}

	result := payment.PaymentResult{
		CorrelationID: stk.CheckoutRequestID,
		ResultCode:    stk.ResultCode,
		ResultDesc:    stk.ResultDesc,
	}
	if stk.ResultCode != 0 {
		return result, nil
	}

	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amount, err := payment.ParseAmount(scalar(item.Value))
			if err != nil {
				return payment.PaymentResult{}, fmt.Errorf("%w: stk amount: %v", payment.ErrInvalidNotification, err)
			}
			result.Amount = amount
		case "MpesaReceiptNumber":
			result.ReceiptID = scalar(item.Value)
		case "PhoneNumber":
			result.PayerPhone = NormalizePhone(scalar(item.Value))
		case "TransactionDate":
			result.Timestamp = parseTimestamp(scalar(item.Value))
		}
	}
	if result.ReceiptID == "" {
		return payment.PaymentResult{}, fmt.Errorf("%w: successful stk callback without MpesaReceiptNumber", payment.ErrInvalidNotification)
	}
	return result, nil
}

// =============================================================================
// C2B CONFIRMATION / VALIDATION
// =============================================================================

type C2BPayload struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       any    `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	InvoiceNumber     string `json:"InvoiceNumber"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
	ThirdPartyTransID string `json:"ThirdPartyTransID"`
	MSISDN            any    `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

// PayerName joins the name parts Safaricom sends, skipping blanks.
func (p C2BPayload) PayerName() string {
	var parts []string
	for _, s := range []string{p.FirstName, p.MiddleName, p.LastName} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func ParseC2B(payload []byte) (C2BPayload, error) {
	var p C2BPayload
	if err := decode(payload, &p); err != nil {
		return p, fmt.Errorf("failed to parse c2b payload: %w", err)
	}
	return p, nil
}

// ParseC2BConfirmation turns a paybill confirmation into a DirectPayment.
func ParseC2BConfirmation(payload []byte) (payment.DirectPayment, error) {
	p, err := ParseC2B(payload)
	if err != nil {
		return payment.DirectPayment{}, err
	}
	if strings.TrimSpace(p.TransID) == "" {
		return payment.DirectPayment{}, fmt.Errorf("%w: c2b confirmation without TransID", payment.ErrInvalidNotification)
	}
	amount, err := payment.ParseAmount(scalar(p.TransAmount))
	if err != nil {
		return payment.DirectPayment{}, fmt.Errorf("%w: c2b amount: %v", payment.ErrInvalidNotification, err)
	}
	return payment.DirectPayment{
		TransID:       strings.TrimSpace(p.TransID),
		Amount:        amount,
		PayerPhone:    NormalizePhone(scalar(p.MSISDN)),
		Timestamp:     parseTimestamp(p.TransTime),
		BillReference: strings.TrimSpace(p.BillRefNumber),
		PayerName:     p.PayerName(),
	}, nil
}

// =============================================================================
// RESPONSES - What Daraja expects back
// =============================================================================

// Ack is the body returned to every callback. ResultCode 0 accepts.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func Accept() Ack { return Ack{ResultCode: 0, ResultDesc: "Accepted"} }

// Decline asks Daraja to treat the delivery as failed.
func Decline(desc string) Ack { return Ack{ResultCode: 1, ResultDesc: desc} }

// =============================================================================
// HELPERS
// =============================================================================

// NormalizePhone rewrites 07XXXXXXXX, 7XXXXXXXX and +2547XXXXXXXX to
// 2547XXXXXXXX. Masked numbers (25470****149) pass through.
func NormalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	p = strings.ReplaceAll(p, " ", "")
	switch {
	case strings.HasPrefix(p, "0") && len(p) == 10:
		return "254" + p[1:]
	case (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")) && len(p) == 9:
		return "254" + p
	}
	return p
}

func decode(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}

// scalar renders a JSON string or number without float formatting.
func scalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func parseTimestamp(s string) time.Time {
	t, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(s), eat)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
