package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across gateways.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusCaptured indicates the gateway reports the payment as successfully captured.
	StatusCaptured Status = "captured"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrSignatureMismatch is returned when a callback signature fails verification.
var ErrSignatureMismatch = errors.New("payments: signature mismatch")

// ErrGatewayUnavailable marks transport or gateway-side failures. Callers match it
// with errors.Is through GatewayError.
var ErrGatewayUnavailable = errors.New("payments: gateway unavailable")

// GatewayError wraps a gateway call failure with the operation that produced it.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payments: %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGatewayUnavailable }

// CreateIntentRequest captures the payload required to open a gateway payment intent.
type CreateIntentRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Intent represents the gateway order the client completes payment against.
type Intent struct {
	ID        string
	Provider  string
	Amount    int64
	Currency  string
	Status    Status
	CreatedAt time.Time
	Raw       map[string]any
}

// VerifySignatureRequest carries the callback triple the client returns after payment.
type VerifySignatureRequest struct {
	IntentID      string
	TransactionID string
	Signature     string
}

// LookupRequest fetches gateway specific payment details for reconciliation.
type LookupRequest struct {
	TransactionID string
}

// RefundRequest defines a gateway refund attempt. A nil Amount refunds in full.
type RefundRequest struct {
	TransactionID string
	Amount        *int64
	Notes         map[string]string
}

// PaymentDetails normalises gateway specific fields for storage.
type PaymentDetails struct {
	Provider      string
	TransactionID string
	IntentID      string
	Status        Status
	Amount        int64
	Currency      string
	Captured      bool
	Raw           map[string]any
}

// Provider defines the contract for payment gateway adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	VerifySignature(ctx context.Context, req VerifySignatureRequest) error
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider used when no hint is supplied.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["razorpay"]; ok {
		m.defaultProvider = "razorpay"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolveProvider(preferred string) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(preferred)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateIntent delegates to the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider("")
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// VerifySignature delegates to the resolved provider.
func (m *Manager) VerifySignature(ctx context.Context, req VerifySignatureRequest) error {
	_, provider, err := m.resolveProvider("")
	if err != nil {
		return err
	}
	return provider.VerifySignature(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider("")
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider("")
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Refund(ctx, req)
}

var _ Provider = (*Manager)(nil)
