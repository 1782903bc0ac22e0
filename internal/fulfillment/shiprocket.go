package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultShiprocketBaseURL = "https://apiv2.shiprocket.in/v1/external"
	defaultShiprocketTimeout = 15 * time.Second
	trackingURLPattern       = "https://shiprocket.co/tracking/%s"
)

// ShiprocketLogger defines the logging contract for courier operations.
type ShiprocketLogger func(ctx context.Context, event string, fields map[string]any)

// ShiprocketConfig configures the ShiprocketClient.
type ShiprocketConfig struct {
	BaseURL        string
	Email          string
	Password       string
	PickupLocation string
	ChannelID      string
	HTTPClient     *http.Client
	Logger         ShiprocketLogger
	Clock          func() time.Time
}

// ShiprocketClient talks to the Shiprocket external API. Authentication tokens
// are cached and refreshed once when the API answers 401.
type ShiprocketClient struct {
	baseURL        string
	email          string
	password       string
	pickupLocation string
	channelID      string
	http           *http.Client
	logger         ShiprocketLogger
	clock          func() time.Time

	tokenMu sync.Mutex
	token   string
}

// NewShiprocketClient constructs a courier client for the Shiprocket API.
func NewShiprocketClient(cfg ShiprocketConfig) (*ShiprocketClient, error) {
	email := strings.TrimSpace(cfg.Email)
	password := strings.TrimSpace(cfg.Password)
	if email == "" || password == "" {
		return nil, errors.New("shiprocket: email and password are required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultShiprocketBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultShiprocketTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	pickup := strings.TrimSpace(cfg.PickupLocation)
	if pickup == "" {
		pickup = "Primary"
	}

	return &ShiprocketClient{
		baseURL:        baseURL,
		email:          email,
		password:       password,
		pickupLocation: pickup,
		channelID:      strings.TrimSpace(cfg.ChannelID),
		http:           httpClient,
		logger:         logger,
		clock:          clock,
	}, nil
}

// CreateShipment registers an adhoc order with Shiprocket. When the configured
// pickup location is rejected, the courier's suggested location is retried once.
func (c *ShiprocketClient) CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error) {
	if c == nil {
		return Shipment{}, newCourierError("create shipment", 0, "courier client not configured", nil)
	}
	if len(req.Items) == 0 {
		return Shipment{}, newCourierError("create shipment", 0, "no physical items to ship", nil)
	}

	shipment, err := c.createOrder(ctx, req, c.pickupLocation)
	if err == nil {
		return shipment, nil
	}

	var courierErr *CourierError
	if errors.As(err, &courierErr) && courierErr.StatusCode == http.StatusUnprocessableEntity {
		if suggested := suggestedPickupLocation(courierErr); suggested != "" && !strings.EqualFold(suggested, c.pickupLocation) {
			c.logger(ctx, "fulfillment.shiprocket.pickup.retry", map[string]any{
				"orderNumber": req.OrderNumber,
				"rejected":    c.pickupLocation,
				"suggested":   suggested,
			})
			return c.createOrder(ctx, req, suggested)
		}
	}
	return Shipment{}, err
}

// CancelShipment cancels the remote Shiprocket order.
func (c *ShiprocketClient) CancelShipment(ctx context.Context, remoteOrderID string) error {
	if c == nil {
		return newCourierError("cancel shipment", 0, "courier client not configured", nil)
	}
	id := strings.TrimSpace(remoteOrderID)
	if id == "" {
		return newCourierError("cancel shipment", 0, "remote order id is required", nil)
	}

	payload := map[string]any{"ids": []string{id}}
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/orders/cancel", payload, &resp); err != nil {
		return err
	}
	c.logger(ctx, "fulfillment.shiprocket.order.cancelled", map[string]any{
		"remoteOrderId": id,
		"message":       resp.Message,
	})
	return nil
}

func (c *ShiprocketClient) createOrder(ctx context.Context, req ShipmentRequest, pickupLocation string) (Shipment, error) {
	orderDate := req.OrderDate
	if orderDate.IsZero() {
		orderDate = c.clock()
	}

	items := make([]map[string]any, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, map[string]any{
			"name":          item.Name,
			"sku":           item.SKU,
			"units":         item.Units,
			"selling_price": paiseToRupees(item.UnitPrice),
		})
	}

	paymentMethod := "Prepaid"
	if strings.EqualFold(strings.TrimSpace(req.PaymentMethod), "CASH_ON_DELIVERY") || strings.EqualFold(strings.TrimSpace(req.PaymentMethod), "COD") {
		paymentMethod = "COD"
	}

	payload := map[string]any{
		"order_id":              req.OrderNumber,
		"order_date":            orderDate.UTC().Format("2006-01-02 15:04"),
		"pickup_location":       pickupLocation,
		"billing_customer_name": req.CustomerName,
		"billing_last_name":     "",
		"billing_address":       req.Street,
		"billing_city":          req.City,
		"billing_pincode":       req.Pincode,
		"billing_state":         req.State,
		"billing_country":       defaultCountry(req.Country),
		"billing_phone":         req.Phone,
		"shipping_is_billing":   true,
		"order_items":           items,
		"payment_method":        paymentMethod,
		"sub_total":             paiseToRupees(req.Subtotal),
		"length":                10,
		"breadth":               10,
		"height":                5,
		"weight":                0.5,
	}
	if c.channelID != "" {
		payload["channel_id"] = c.channelID
	}

	var resp struct {
		OrderID    json.Number `json:"order_id"`
		ShipmentID json.Number `json:"shipment_id"`
		Status     string      `json:"status"`
		AWBCode    string      `json:"awb_code"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/orders/create/adhoc", payload, &resp); err != nil {
		return Shipment{}, err
	}

	shipmentID := resp.ShipmentID.String()
	shipment := Shipment{
		Provider:       "shiprocket",
		RemoteOrderID:  resp.OrderID.String(),
		ShipmentID:     shipmentID,
		AWB:            strings.TrimSpace(resp.AWBCode),
		Status:         strings.TrimSpace(resp.Status),
		PickupLocation: pickupLocation,
	}
	if shipmentID != "" && shipmentID != "0" {
		shipment.TrackingURL = fmt.Sprintf(trackingURLPattern, shipmentID)
	}

	c.logger(ctx, "fulfillment.shiprocket.order.created", map[string]any{
		"orderNumber":   req.OrderNumber,
		"remoteOrderId": shipment.RemoteOrderID,
		"shipmentId":    shipment.ShipmentID,
	})
	return shipment, nil
}

// doJSON issues an authenticated request, logging in on demand and retrying
// once with a fresh token when the API answers 401.
func (c *ShiprocketClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	op := strings.TrimLeft(path, "/")

	token, err := c.authToken(ctx, false)
	if err != nil {
		return err
	}

	status, body, err := c.roundTrip(ctx, method, path, payload, token)
	if err != nil {
		return newCourierError(op, 0, "courier unreachable", err)
	}
	if status == http.StatusUnauthorized {
		token, err = c.authToken(ctx, true)
		if err != nil {
			return err
		}
		status, body, err = c.roundTrip(ctx, method, path, payload, token)
		if err != nil {
			return newCourierError(op, 0, "courier unreachable", err)
		}
	}
	if status >= 400 {
		return courierErrorFromBody(op, status, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return newCourierError(op, status, "invalid courier response", err)
		}
	}
	return nil
}

func (c *ShiprocketClient) roundTrip(ctx context.Context, method, path string, payload any, token string) (int, []byte, error) {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return 0, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *ShiprocketClient) authToken(ctx context.Context, force bool) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if !force && c.token != "" {
		return c.token, nil
	}

	payload := map[string]string{"email": c.email, "password": c.password}
	status, body, err := c.roundTrip(ctx, http.MethodPost, "/auth/login", payload, "")
	if err != nil {
		return "", newCourierError("auth/login", 0, "courier unreachable", err)
	}
	if status >= 400 {
		return "", courierErrorFromBody("auth/login", status, body)
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", newCourierError("auth/login", status, "invalid courier response", err)
	}
	token := strings.TrimSpace(resp.Token)
	if token == "" {
		return "", newCourierError("auth/login", status, "courier returned empty token", nil)
	}

	c.token = token
	c.logger(ctx, "fulfillment.shiprocket.authenticated", map[string]any{})
	return token, nil
}

type shiprocketErrorBody struct {
	Message string `json:"message"`
	Data    struct {
		Data []struct {
			PickupLocation string `json:"pickup_location"`
		} `json:"data"`
	} `json:"data"`
}

func courierErrorFromBody(op string, status int, body []byte) *CourierError {
	var parsed shiprocketErrorBody
	message := ""
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil {
			message = strings.TrimSpace(parsed.Message)
		}
	}
	if message == "" {
		message = fmt.Sprintf("courier responded with status %d", status)
	}
	err := newCourierError(op, status, message, nil)
	if len(parsed.Data.Data) > 0 {
		err.Err = &pickupSuggestionError{location: strings.TrimSpace(parsed.Data.Data[0].PickupLocation)}
	}
	return err
}

type pickupSuggestionError struct {
	location string
}

func (e *pickupSuggestionError) Error() string {
	return fmt.Sprintf("suggested pickup location %q", e.location)
}

func suggestedPickupLocation(err *CourierError) string {
	if err == nil || !strings.Contains(strings.ToLower(err.Message), "pickup location") {
		return ""
	}
	var suggestion *pickupSuggestionError
	if errors.As(err.Err, &suggestion) {
		return suggestion.location
	}
	return ""
}

func paiseToRupees(amount int64) float64 {
	return float64(amount) / 100
}

func defaultCountry(country string) string {
	if trimmed := strings.TrimSpace(country); trimmed != "" {
		return trimmed
	}
	return "India"
}

var _ Courier = (*ShiprocketClient)(nil)
