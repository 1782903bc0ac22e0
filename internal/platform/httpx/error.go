package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/bookline/api/internal/platform/requestctx"
)

// Field length ceilings for the error envelope. Anything longer is truncated
// before it reaches the wire or the logs.
const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxTraceLen   = 64
)

// Error is the flat JSON error envelope every endpoint returns on failure.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error, defaulting the status to 500 when unset.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, maxCodeLen),
		Message: clip(message, maxMessageLen),
		Status:  status,
	}
}

// WithRequestID overrides the request identifier included in the payload.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clip(id, maxCodeLen)
	return e
}

// WithTraceID overrides the trace identifier included in the payload.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clip(id, maxTraceLen)
	return e
}

// WithDetails merges extra JSON-serialisable fields into the payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// envelope flattens the error into the wire shape. Detail keys sit alongside
// the standard fields rather than under a nested object.
func (e Error) envelope(ctx context.Context) (int, map[string]any) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := map[string]any{
		"error":   e.Code,
		"message": e.Message,
		"status":  status,
	}

	if id := firstOf(e.RequestID, clip(middleware.GetReqID(ctx), maxCodeLen)); id != "" {
		body["request_id"] = id
	}
	if id := firstOf(e.TraceID, clip(requestctx.TraceID(ctx), maxTraceLen)); id != "" {
		body["trace_id"] = id
	}
	for k, v := range e.Details {
		body[k] = v
	}
	return status, body
}

// WriteError renders the envelope, filling request and trace IDs from the
// context when the caller did not set them.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status, body := err.envelope(ctx)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// clip strips newlines and bounds the value to limit bytes.
func clip(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	replacer := strings.NewReplacer("\n", " ", "\r", " ")
	value = strings.TrimSpace(replacer.Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
