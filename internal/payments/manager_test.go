package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp  string
	intent  Intent
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	f.lastOp = "create"
	return f.intent, f.err
}

func (f *fakeProvider) VerifySignature(ctx context.Context, req VerifySignatureRequest) error {
	f.lastOp = "verify"
	return f.err
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	f.lastOp = "lookup"
	return f.payment, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	f.lastOp = "refund"
	return f.payment, f.err
}

func TestManagerDefaultsToRazorpay(t *testing.T) {
	ctx := context.Background()
	razorpay := &fakeProvider{intent: Intent{ID: "order_abc"}}
	other := &fakeProvider{intent: Intent{ID: "order_other"}}

	mgr, err := NewManager(map[string]Provider{
		"razorpay": razorpay,
		"other":    other,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	intent, err := mgr.CreateIntent(ctx, CreateIntentRequest{Amount: 100, Currency: "INR"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Provider != "razorpay" {
		t.Fatalf("expected provider 'razorpay', got %q", intent.Provider)
	}
	if razorpay.lastOp != "create" {
		t.Fatalf("expected razorpay provider to handle call")
	}
	if other.lastOp != "" {
		t.Fatalf("expected other provider to remain unused")
	}
}

func TestManagerSingleProviderFallback(t *testing.T) {
	ctx := context.Background()
	only := &fakeProvider{payment: PaymentDetails{TransactionID: "pay_1"}}

	mgr, err := NewManager(map[string]Provider{"gateway": only})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.LookupPayment(ctx, LookupRequest{TransactionID: "pay_1"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if only.lastOp != "lookup" {
		t.Fatalf("expected lookup to invoke sole provider")
	}
	if details.TransactionID != "pay_1" {
		t.Fatalf("unexpected transaction in details: %q", details.TransactionID)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{"a": &fakeProvider{}, "b": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := mgr.VerifySignature(context.Background(), VerifySignatureRequest{}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
