package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type shiprocketStub struct {
	mu            sync.Mutex
	loginCalls    int
	createCalls   int
	cancelCalls   int
	createBodies  []map[string]any
	tokens        []string
	createHandler func(call int, w http.ResponseWriter, body map[string]any)
	cancelHandler func(w http.ResponseWriter)
	rejectToken   string
}

func (s *shiprocketStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.loginCalls++
		call := s.loginCalls
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"token": tokenForCall(call)})
	})
	mux.HandleFunc("/orders/create/adhoc", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.createCalls++
		call := s.createCalls
		s.createBodies = append(s.createBodies, body)
		s.tokens = append(s.tokens, r.Header.Get("Authorization"))
		reject := s.rejectToken
		s.mu.Unlock()
		if reject != "" && r.Header.Get("Authorization") == "Bearer "+reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.createHandler != nil {
			s.createHandler(call, w, body)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"order_id":    411001,
			"shipment_id": 520001,
			"status":      "NEW",
		})
	})
	mux.HandleFunc("/orders/cancel", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.cancelCalls++
		s.mu.Unlock()
		if s.cancelHandler != nil {
			s.cancelHandler(w)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "cancelled"})
	})
	return mux
}

func tokenForCall(call int) string {
	if call == 1 {
		return "token-one"
	}
	return "token-two"
}

func newTestClient(t *testing.T, stub *shiprocketStub, pickup string) (*ShiprocketClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client, err := NewShiprocketClient(ShiprocketConfig{
		BaseURL:        server.URL,
		Email:          "ops@bookline.in",
		Password:       "secret",
		PickupLocation: pickup,
		HTTPClient:     server.Client(),
		Clock:          func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func sampleRequest() ShipmentRequest {
	return ShipmentRequest{
		OrderID:       "ord_1",
		OrderNumber:   "BL-2026-000042",
		PaymentMethod: "CASH_ON_DELIVERY",
		Subtotal:      54900,
		CustomerName:  "Asha Rao",
		Phone:         "9876543210",
		Street:        "14 MG Road",
		City:          "Bengaluru",
		State:         "Karnataka",
		Pincode:       "560001",
		Items: []ShipmentItem{
			{Name: "The Midnight Library", SKU: "bk_1", Units: 2, UnitPrice: 24900},
			{Name: "Deep Work", SKU: "bk_2", Units: 1, UnitPrice: 5100},
		},
	}
}

func TestShiprocketCreateShipment(t *testing.T) {
	stub := &shiprocketStub{}
	client, _ := newTestClient(t, stub, "Warehouse-BLR")

	shipment, err := client.CreateShipment(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}

	if shipment.Provider != "shiprocket" {
		t.Fatalf("unexpected provider %q", shipment.Provider)
	}
	if shipment.RemoteOrderID != "411001" || shipment.ShipmentID != "520001" {
		t.Fatalf("unexpected identifiers %+v", shipment)
	}
	if shipment.TrackingURL != "https://shiprocket.co/tracking/520001" {
		t.Fatalf("unexpected tracking url %q", shipment.TrackingURL)
	}

	if stub.loginCalls != 1 {
		t.Fatalf("expected a single login, got %d", stub.loginCalls)
	}
	body := stub.createBodies[0]
	if body["payment_method"] != "COD" {
		t.Fatalf("expected COD payment method, got %v", body["payment_method"])
	}
	if body["pickup_location"] != "Warehouse-BLR" {
		t.Fatalf("unexpected pickup location %v", body["pickup_location"])
	}
	if body["sub_total"] != float64(549) {
		t.Fatalf("expected sub_total in rupees, got %v", body["sub_total"])
	}
	if stub.tokens[0] != "Bearer token-one" {
		t.Fatalf("expected bearer token, got %q", stub.tokens[0])
	}
}

func TestShiprocketReusesToken(t *testing.T) {
	stub := &shiprocketStub{}
	client, _ := newTestClient(t, stub, "Primary")

	if _, err := client.CreateShipment(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := client.CreateShipment(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if stub.loginCalls != 1 {
		t.Fatalf("expected token reuse, got %d logins", stub.loginCalls)
	}
}

func TestShiprocketReauthenticatesOn401(t *testing.T) {
	stub := &shiprocketStub{rejectToken: "token-one"}
	client, _ := newTestClient(t, stub, "Primary")

	shipment, err := client.CreateShipment(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	if shipment.ShipmentID != "520001" {
		t.Fatalf("unexpected shipment %+v", shipment)
	}
	if stub.loginCalls != 2 {
		t.Fatalf("expected re-auth, got %d logins", stub.loginCalls)
	}
	if stub.createCalls != 2 {
		t.Fatalf("expected retried create, got %d calls", stub.createCalls)
	}
}

func TestShiprocketRetriesSuggestedPickupLocation(t *testing.T) {
	stub := &shiprocketStub{}
	stub.createHandler = func(call int, w http.ResponseWriter, body map[string]any) {
		if call == 1 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": "Wrong Pickup location entered. Please choose one location from the data given.",
				"data": map[string]any{
					"data": []map[string]any{{"pickup_location": "Primary"}},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"order_id":    411002,
			"shipment_id": 520002,
			"status":      "NEW",
		})
	}
	client, _ := newTestClient(t, stub, "Warehouse-OLD")

	shipment, err := client.CreateShipment(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	if shipment.PickupLocation != "Primary" {
		t.Fatalf("expected retried pickup location, got %q", shipment.PickupLocation)
	}
	if stub.createCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", stub.createCalls)
	}
	if got := stub.createBodies[1]["pickup_location"]; got != "Primary" {
		t.Fatalf("expected suggested location in retry, got %v", got)
	}
}

func TestShiprocketPickupRetryOnlyOnce(t *testing.T) {
	stub := &shiprocketStub{}
	stub.createHandler = func(call int, w http.ResponseWriter, body map[string]any) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "Wrong Pickup location entered. Please choose one location from the data given.",
			"data": map[string]any{
				"data": []map[string]any{{"pickup_location": "Primary"}},
			},
		})
	}
	client, _ := newTestClient(t, stub, "Warehouse-OLD")

	_, err := client.CreateShipment(context.Background(), sampleRequest())
	var courierErr *CourierError
	if !errors.As(err, &courierErr) {
		t.Fatalf("expected CourierError, got %v", err)
	}
	if stub.createCalls != 2 {
		t.Fatalf("expected exactly two attempts, got %d", stub.createCalls)
	}
}

func TestShiprocketCreateShipmentFailure(t *testing.T) {
	stub := &shiprocketStub{}
	stub.createHandler = func(call int, w http.ResponseWriter, body map[string]any) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "invalid billing pincode"})
	}
	client, _ := newTestClient(t, stub, "Primary")

	_, err := client.CreateShipment(context.Background(), sampleRequest())
	var courierErr *CourierError
	if !errors.As(err, &courierErr) {
		t.Fatalf("expected CourierError, got %v", err)
	}
	if courierErr.Message != "invalid billing pincode" {
		t.Fatalf("unexpected message %q", courierErr.Message)
	}
	if courierErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", courierErr.StatusCode)
	}
}

func TestShiprocketRejectsEmptyItems(t *testing.T) {
	stub := &shiprocketStub{}
	client, _ := newTestClient(t, stub, "Primary")

	req := sampleRequest()
	req.Items = nil
	if _, err := client.CreateShipment(context.Background(), req); err == nil {
		t.Fatalf("expected error for empty items")
	}
	if stub.loginCalls != 0 {
		t.Fatalf("expected no network calls, got %d logins", stub.loginCalls)
	}
}

func TestShiprocketCancelShipment(t *testing.T) {
	stub := &shiprocketStub{}
	client, _ := newTestClient(t, stub, "Primary")

	if err := client.CancelShipment(context.Background(), "411001"); err != nil {
		t.Fatalf("cancel shipment: %v", err)
	}
	if stub.cancelCalls != 1 {
		t.Fatalf("expected cancel call, got %d", stub.cancelCalls)
	}
}

func TestShiprocketCancelShipmentFailure(t *testing.T) {
	stub := &shiprocketStub{}
	stub.cancelHandler = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "courier outage"})
	}
	client, _ := newTestClient(t, stub, "Primary")

	err := client.CancelShipment(context.Background(), "411001")
	var courierErr *CourierError
	if !errors.As(err, &courierErr) {
		t.Fatalf("expected CourierError, got %v", err)
	}
	if courierErr.Message != "courier outage" {
		t.Fatalf("unexpected message %q", courierErr.Message)
	}
}
