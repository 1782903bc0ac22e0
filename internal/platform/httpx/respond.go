package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bookline/api/internal/platform/requestctx"
	"go.uber.org/zap"
)

// WriteJSON writes payload as a JSON response with the given status code.
// Encoding failures are logged and the connection left to the server to close;
// headers are already flushed by then so no error envelope can follow.
func WriteJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		requestctx.Logger(ctx).Warn("httpx: encode response", zap.Error(err))
	}
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
