package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
)

// RazorpayLogger defines the logging contract for Razorpay provider operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayClients struct {
	orders   razorpayOrderAPI
	payments razorpayPaymentAPI
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	Logger    RazorpayLogger
	Clock     func() time.Time
	Clients   *razorpayClients
}

// RazorpayProvider implements the Provider interface using Razorpay APIs.
type RazorpayProvider struct {
	api    razorpayClients
	secret string
	clock  func() time.Time
	logger RazorpayLogger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	secret := strings.TrimSpace(cfg.KeySecret)
	if secret == "" {
		return nil, errors.New("razorpay: key secret is required")
	}

	var clients razorpayClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		if keyID == "" {
			return nil, errors.New("razorpay: key id is required")
		}
		rc := razorpay.NewClient(keyID, secret)
		clients = razorpayClients{
			orders:   rc.Order,
			payments: rc.Payment,
		}
	}

	if clients.orders == nil || clients.payments == nil {
		return nil, errors.New("razorpay: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		api:    clients,
		secret: secret,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent opens a Razorpay order for the client to complete payment against.
func (p *RazorpayProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("razorpay: provider is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("razorpay: amount must be positive")
	}

	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	if receipt := strings.TrimSpace(req.Receipt); receipt != "" {
		data["receipt"] = receipt
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	body, err := p.api.orders.Create(data, nil)
	if err != nil {
		return Intent{}, &GatewayError{Op: "create order", Err: err}
	}

	intentID := stringFromAny(body["id"])
	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"orderId":  intentID,
		"amount":   req.Amount,
		"currency": data["currency"],
	})

	createdAt := p.clock()
	if ts := int64FromAny(body["created_at"]); ts > 0 {
		createdAt = time.Unix(ts, 0).UTC()
	}

	return Intent{
		ID:        intentID,
		Provider:  "razorpay",
		Amount:    int64FromAny(body["amount"]),
		Currency:  stringFromAny(body["currency"]),
		Status:    razorpayOrderStatus(stringFromAny(body["status"])),
		CreatedAt: createdAt,
		Raw:       body,
	}, nil
}

// VerifySignature checks the callback signature the client returns after completing
// payment. The signature is an HMAC-SHA256 over "{orderID}|{paymentID}" keyed with
// the key secret.
func (p *RazorpayProvider) VerifySignature(ctx context.Context, req VerifySignatureRequest) error {
	if p == nil {
		return errors.New("razorpay: provider is nil")
	}
	intentID := strings.TrimSpace(req.IntentID)
	transactionID := strings.TrimSpace(req.TransactionID)
	signature := strings.TrimSpace(req.Signature)
	if intentID == "" || transactionID == "" || signature == "" {
		return ErrSignatureMismatch
	}

	params := map[string]interface{}{
		"razorpay_order_id":   intentID,
		"razorpay_payment_id": transactionID,
	}
	if !utils.VerifyPaymentSignature(params, signature, p.secret) {
		p.logger(ctx, "payments.razorpay.signature.rejected", map[string]any{
			"orderId":   intentID,
			"paymentId": transactionID,
		})
		return ErrSignatureMismatch
	}
	return nil
}

// LookupPayment retrieves a Razorpay payment.
func (p *RazorpayProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return PaymentDetails{}, errors.New("razorpay: transaction id is required")
	}
	body, err := p.api.payments.Fetch(transactionID, nil, nil)
	if err != nil {
		return PaymentDetails{}, &GatewayError{Op: "fetch payment", Err: err}
	}
	return razorpayPaymentDetails(body), nil
}

// Refund creates a refund for the provided payment. A nil amount refunds in full.
func (p *RazorpayProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return PaymentDetails{}, errors.New("razorpay: transaction id is required")
	}

	data := map[string]interface{}{}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	amount := 0
	if req.Amount != nil {
		amount = int(*req.Amount)
	}
	if _, err := p.api.payments.Refund(transactionID, amount, data, nil); err != nil {
		return PaymentDetails{}, &GatewayError{Op: "refund payment", Err: err}
	}
	p.logger(ctx, "payments.razorpay.payment.refunded", map[string]any{
		"paymentId": transactionID,
	})
	return p.LookupPayment(ctx, LookupRequest{TransactionID: transactionID})
}

func razorpayPaymentDetails(body map[string]interface{}) PaymentDetails {
	status := StatusPending
	switch strings.ToLower(stringFromAny(body["status"])) {
	case "captured":
		status = StatusCaptured
	case "refunded":
		status = StatusRefunded
	case "failed":
		status = StatusFailed
	}

	captured := status == StatusCaptured
	if v, ok := body["captured"].(bool); ok && v {
		captured = true
	}

	return PaymentDetails{
		Provider:      "razorpay",
		TransactionID: stringFromAny(body["id"]),
		IntentID:      stringFromAny(body["order_id"]),
		Status:        status,
		Amount:        int64FromAny(body["amount"]),
		Currency:      strings.ToUpper(stringFromAny(body["currency"])),
		Captured:      captured,
		Raw:           body,
	}
}

func razorpayOrderStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return StatusCaptured
	default:
		return StatusPending
	}
}

func stringFromAny(value interface{}) string {
	s, _ := value.(string)
	return s
}

func int64FromAny(value interface{}) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

var _ Provider = (*RazorpayProvider)(nil)
