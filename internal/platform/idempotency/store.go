package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long records are retained before cleanup reclaims them.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	// StatusPending marks a key that is reserved while the first request runs.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose stored response can be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of attempting to reserve a key.
type ReservationState int

const (
	// ReservationStateNew allows the caller to proceed with fresh processing.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request currently owns the key.
	ReservationStatePending
)

// Reservation is the result of reserving a key, with the stored record when
// one exists.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted response for an idempotency key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the HTTP response captured for future replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and completed responses per idempotency key.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch signals that a key was reused for a different
// request body, which is a client error rather than a replay.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Hop-by-hop and volatile headers that make no sense on a replayed response.
var nonReplayableHeaders = map[string]struct{}{
	"content-length":      {},
	"date":                {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// storageKey hashes the client supplied idempotency key so arbitrary input
// never becomes a raw document ID.
func storageKey(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sanitizeHeaders snapshots the headers worth replaying, dropping the
// hop-by-hop set. Returns nil when nothing survives so empty maps never hit
// the store.
func sanitizeHeaders(header http.Header) map[string][]string {
	var kept map[string][]string
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := nonReplayableHeaders[strings.ToLower(canonical)]; skip {
			continue
		}
		if kept == nil {
			kept = make(map[string][]string, len(header))
		}
		kept[canonical] = append([]string(nil), values...)
	}
	return kept
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
