package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bookline/api/internal/platform/auth"
	"github.com/bookline/api/internal/platform/httpx"
	"github.com/bookline/api/internal/services"
)

// CouponHandlers exposes the read-only coupon preview used by the checkout page.
type CouponHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
}

// NewCouponHandlers constructs handlers for coupon preview endpoints.
func NewCouponHandlers(authn *auth.Authenticator, coupons services.CouponService) *CouponHandlers {
	return &CouponHandlers{
		authn:   authn,
		coupons: coupons,
	}
}

// Routes wires the /coupons endpoints onto the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/{code}/preview", h.preview)
}

func (h *CouponHandlers) preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	rawSubtotal := strings.TrimSpace(query.Get("subtotal"))
	if rawSubtotal == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subtotal query parameter is required", http.StatusBadRequest))
		return
	}
	subtotal, err := strconv.ParseInt(rawSubtotal, 10, 64)
	if err != nil || subtotal < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subtotal must be a non-negative integer", http.StatusBadRequest))
		return
	}

	quote, err := h.coupons.Validate(ctx, services.ValidateCouponCommand{
		Code:        chi.URLParam(r, "code"),
		Subtotal:    subtotal,
		CategoryIDs: parseCategoryFilter(query["category_id"]),
	})
	if err != nil {
		h.writeCouponError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, couponPreviewResponse{
		Code:     quote.Code,
		Discount: quote.Discount,
		Valid:    true,
	})
}

func (h *CouponHandlers) writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCouponInvalidCode):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponNotActive),
		errors.Is(err, services.ErrCouponDisabled),
		errors.Is(err, services.ErrCouponLimitReached),
		errors.Is(err, services.ErrCouponBelowMinimum),
		errors.Is(err, services.ErrCouponCategoryMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_applicable", err.Error(), http.StatusUnprocessableEntity))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "failed to validate coupon", http.StatusInternalServerError))
	}
}

func parseCategoryFilter(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	categories := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			categories = append(categories, trimmed)
		}
	}
	return categories
}

type couponPreviewResponse struct {
	Code     string `json:"code"`
	Discount int64  `json:"discount"`
	Valid    bool   `json:"valid"`
}
