package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/platform/auth"
	"github.com/bookline/api/internal/platform/httpx"
	"github.com/bookline/api/internal/services"
)

const (
	maxPlaceOrderBodySize  = 64 * 1024
	maxOrderActionBodySize = 8 * 1024

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderHandlers exposes the customer-facing order lifecycle endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption customises optional handler wiring.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency wraps order placement with the supplied idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs handlers enforcing Firebase authentication before invoking the order service.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/", h.placeOrder)
	} else {
		r.Post("/", h.placeOrder)
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:verify-payment", h.verifyPayment)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

type placeOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	IsEbook   bool   `json:"is_ebook"`
}

type placeOrderRequest struct {
	Items         []placeOrderItemRequest `json:"items"`
	AddressID     string                  `json:"address_id"`
	PaymentMethod string                  `json:"payment_method"`
	CouponCode    string                  `json:"coupon_code"`
}

type verifyPaymentRequest struct {
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPlaceOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.PlaceOrderCommand{
		UserID:        identity.UID,
		AddressID:     strings.TrimSpace(req.AddressID),
		PaymentMethod: domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod))),
		CouponCode:    strings.TrimSpace(req.CouponCode),
		Items:         make([]services.OrderItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderItemInput{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			IsEbook:   item.IsEbook,
		})
	}

	order, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderActionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req verifyPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	order, err := h.orders.VerifyPayment(ctx, services.VerifyPaymentCommand{
		UserID:        identity.UID,
		OrderID:       strings.TrimSpace(chi.URLParam(r, "orderID")),
		TransactionID: strings.TrimSpace(req.PaymentID),
		Signature:     strings.TrimSpace(req.Signature),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderActionBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// Reason is optional.
	default:
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		UserID:  identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		UserID:  identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	filter, err := parseOrderListQuery(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.UserID = identity.UID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func parseOrderListQuery(r *http.Request) (services.OrderListFilter, error) {
	var filter services.OrderListFilter
	query := r.URL.Query()

	filter.Status = parseStatusFilter(query["status"])

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return filter, errors.New("created_after must be RFC3339 timestamp")
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return filter, errors.New("created_before must be RFC3339 timestamp")
		}
		filter.DateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return filter, errors.New("page_size must be a positive integer")
		}
		if parsed > maxOrderPageSize {
			parsed = maxOrderPageSize
		}
		pageSize = parsed
	}
	filter.Pagination = domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	return filter, nil
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidAddress):
		httpx.WriteError(ctx, w, httpx.NewError("address_not_found", "shipping address not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentVerificationFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_verification_failed", "payment signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentGatewayError):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway request failed", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderSummaryPayload `json:"orders"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	CreatedAt   string `json:"created_at"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	UserID          string                `json:"user_id"`
	Status          string                `json:"status"`
	Currency        string                `json:"currency"`
	Totals          orderTotalsPayload    `json:"totals"`
	Items           []orderItemPayload    `json:"items"`
	ShippingAddress *addressPayload       `json:"shipping_address,omitempty"`
	PaymentMethod   string                `json:"payment_method"`
	PaymentStatus   string                `json:"payment_status"`
	CouponCode      *string               `json:"coupon_code,omitempty"`
	PaymentIntentID *string               `json:"payment_intent_id,omitempty"`
	Shipment        *orderShipmentPayload `json:"shipment,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
	PaidAt          string                `json:"paid_at,omitempty"`
	ShippedAt       string                `json:"shipped_at,omitempty"`
	DeliveredAt     string                `json:"delivered_at,omitempty"`
	CancelledAt     string                `json:"cancelled_at,omitempty"`
	CancelReason    *string               `json:"cancel_reason,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Shipping int64 `json:"shipping"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Title     string `json:"title,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	IsEbook   bool   `json:"is_ebook"`
	Total     int64  `json:"total"`
}

type addressPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
}

type orderShipmentPayload struct {
	TrackingID        string `json:"tracking_id,omitempty"`
	Provider          string `json:"provider,omitempty"`
	Status            string `json:"status,omitempty"`
	TrackingURL       string `json:"tracking_url,omitempty"`
	RemoteOrderID     string `json:"remote_order_id,omitempty"`
	RemoteAWB         string `json:"remote_awb,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
	Failed            bool   `json:"failed,omitempty"`
	Error             string `json:"error,omitempty"`
	FailedAt          string `json:"failed_at,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.Totals.Total,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	resp := orderListResponse{
		Orders:        make([]orderSummaryPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Orders = append(resp.Orders, buildOrderSummary(order))
	}
	return resp
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Total:    order.Totals.Total,
		},
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		CouponCode:      cloneStringPointer(order.CouponCode),
		PaymentIntentID: cloneStringPointer(order.PaymentIntentID),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTime(pointerTime(order.PaidAt)),
		ShippedAt:       formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:     formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:     formatTime(pointerTime(order.CancelledAt)),
		CancelReason:    cloneStringPointer(order.CancelReason),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: strings.TrimSpace(item.ProductID),
			Title:     strings.TrimSpace(item.Title),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			IsEbook:   item.IsEbook,
			Total:     item.Total,
		})
	}

	if order.ShippingAddress != nil {
		addr := buildAddressPayload(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}

	if order.Shipment != nil {
		payload.Shipment = buildShipmentPayload(*order.Shipment)
	}

	return payload
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		ID:      strings.TrimSpace(addr.ID),
		Name:    strings.TrimSpace(addr.Name),
		Phone:   strings.TrimSpace(addr.Phone),
		Street:  strings.TrimSpace(addr.Street),
		City:    strings.TrimSpace(addr.City),
		State:   strings.TrimSpace(addr.State),
		Pincode: strings.TrimSpace(addr.Pincode),
	}
}

func buildShipmentPayload(shipment services.ShipmentRecord) *orderShipmentPayload {
	return &orderShipmentPayload{
		TrackingID:        strings.TrimSpace(shipment.TrackingID),
		Provider:          strings.TrimSpace(shipment.Provider),
		Status:            strings.TrimSpace(shipment.Status),
		TrackingURL:       strings.TrimSpace(shipment.TrackingURL),
		RemoteOrderID:     strings.TrimSpace(shipment.RemoteOrderID),
		RemoteAWB:         strings.TrimSpace(shipment.RemoteAWB),
		EstimatedDelivery: formatTime(pointerTime(shipment.EstimatedDelivery)),
		Failed:            shipment.Failed,
		Error:             strings.TrimSpace(shipment.Error),
		FailedAt:          formatTime(pointerTime(shipment.FailedAt)),
		CreatedAt:         formatTime(shipment.CreatedAt),
	}
}
