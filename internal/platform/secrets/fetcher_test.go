package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	testSecretRef      = "secret://razorpay_key_secret"
	testLatestResource = "projects/test/secrets/razorpay_key_secret/versions/latest"
)

func newTestFetcher(t *testing.T, extra ...Option) *Fetcher {
	t.Helper()

	fetcher, err := NewFetcher(context.Background(), append([]Option{WithLogger(zap.NewNop())}, extra...)...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { fetcher.Close() })
	return fetcher
}

func writeFallbackFile(t *testing.T, lines string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveServesSecondLookupFromCache(t *testing.T) {
	client := newStubSecretClient()
	client.respond(testLatestResource, "remote-secret")

	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		value, err := fetcher.Resolve(ctx, testSecretRef)
		if err != nil {
			t.Fatalf("Resolve call %d: %v", i+1, err)
		}
		if value != "remote-secret" {
			t.Fatalf("Resolve call %d = %q, want remote-secret", i+1, value)
		}
	}

	if n := client.accesses(testLatestResource); n != 1 {
		t.Fatalf("remote accessed %d times, want 1", n)
	}
}

func TestResolveFallsBackWhenAccessDenied(t *testing.T) {
	client := newStubSecretClient()
	client.fail(testLatestResource, status.Error(codes.PermissionDenied, "denied"))

	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(writeFallbackFile(t, "secret://razorpay_key_secret=local-secret\n")),
	)

	value, err := fetcher.Resolve(context.Background(), testSecretRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "local-secret" {
		t.Fatalf("Resolve = %q, want local-secret", value)
	}
}

func TestInvalidatePicksUpRotatedValue(t *testing.T) {
	client := newStubSecretClient()
	client.respond(testLatestResource, "remote-secret")

	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
	)

	ctx := context.Background()
	if _, err := fetcher.Resolve(ctx, testSecretRef); err != nil {
		t.Fatalf("initial Resolve: %v", err)
	}

	client.respond(testLatestResource, "rotated-secret")
	fetcher.Invalidate(testSecretRef)

	value, err := fetcher.Resolve(ctx, testSecretRef)
	if err != nil {
		t.Fatalf("Resolve after Invalidate: %v", err)
	}
	if value != "rotated-secret" {
		t.Fatalf("Resolve = %q, want rotated-secret", value)
	}
	if n := client.accesses(testLatestResource); n != 2 {
		t.Fatalf("remote accessed %d times, want 2", n)
	}
}

func TestResolveHonoursVersionPin(t *testing.T) {
	pinned := "projects/test/secrets/razorpay_key_secret/versions/5"

	client := newStubSecretClient()
	client.respond(pinned, "version-5")

	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithVersionPins(map[string]string{testSecretRef: "5"}),
	)

	value, err := fetcher.Resolve(context.Background(), testSecretRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "version-5" {
		t.Fatalf("Resolve = %q, want version-5", value)
	}
	if n := client.accesses(pinned); n != 1 {
		t.Fatalf("pinned version accessed %d times, want 1", n)
	}
}

func TestResolveMissingSecretDoesNotUseFallback(t *testing.T) {
	client := newStubSecretClient()
	client.fail(testLatestResource, status.Error(codes.NotFound, "missing"))

	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(writeFallbackFile(t, "secret://razorpay_key_secret=local-secret\n")),
	)

	if _, err := fetcher.Resolve(context.Background(), testSecretRef); err == nil {
		t.Fatal("Resolve succeeded for a secret Secret Manager reports as missing")
	}
}

func TestNewFetcherSurvivesMissingCredentials(t *testing.T) {
	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	fetcher := newTestFetcher(t,
		WithFallbackFile(writeFallbackFile(t, "secret://razorpay_key_secret=local-secret\n")),
	)

	value, err := fetcher.Resolve(context.Background(), testSecretRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "local-secret" {
		t.Fatalf("Resolve = %q, want local-secret", value)
	}
}

// stubSecretClient stands in for the Secret Manager API. Each resource name
// maps to either a payload or an error, and every access is counted.
type stubSecretClient struct {
	mu     sync.Mutex
	data   map[string]string
	errs   map[string]error
	counts map[string]int
}

func newStubSecretClient() *stubSecretClient {
	return &stubSecretClient{
		data:   map[string]string{},
		errs:   map[string]error{},
		counts: map[string]int{},
	}
}

func (s *stubSecretClient) respond(resource, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[resource] = payload
	delete(s.errs, resource)
}

func (s *stubSecretClient) fail(resource string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[resource] = err
	delete(s.data, resource)
}

func (s *stubSecretClient) accesses(resource string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[resource]
}

func (s *stubSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetName()
	s.counts[name]++

	if err := s.errs[name]; err != nil {
		return nil, err
	}
	if payload, ok := s.data[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(payload)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (s *stubSecretClient) Close() error { return nil }
