package fulfillment

import (
	"context"
	"fmt"
	"time"
)

// ShipmentItem describes one physical line to hand to the courier.
type ShipmentItem struct {
	Name      string
	SKU       string
	Units     int
	UnitPrice int64
}

// ShipmentRequest carries everything the courier needs to create a shipment.
// Monetary values are in paise; adapters convert to the courier's unit.
type ShipmentRequest struct {
	OrderID       string
	OrderNumber   string
	OrderDate     time.Time
	PaymentMethod string
	Subtotal      int64
	CustomerName  string
	Phone         string
	Street        string
	City          string
	State         string
	Pincode       string
	Country       string
	Items         []ShipmentItem
}

// Shipment is the courier's handle for a created shipment.
type Shipment struct {
	Provider       string
	RemoteOrderID  string
	ShipmentID     string
	AWB            string
	Status         string
	TrackingURL    string
	PickupLocation string
}

// Courier is the outbound contract for shipping providers.
type Courier interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error)
	CancelShipment(ctx context.Context, remoteOrderID string) error
}

// CourierError carries a human-readable courier failure for recording on the order.
type CourierError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *CourierError) Error() string {
	if e == nil {
		return "fulfillment: unknown courier error"
	}
	if e.Message != "" {
		return fmt.Sprintf("fulfillment: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("fulfillment: %s: %v", e.Op, e.Err)
}

func (e *CourierError) Unwrap() error { return e.Err }

func newCourierError(op string, statusCode int, message string, err error) *CourierError {
	return &CourierError{Op: op, StatusCode: statusCode, Message: message, Err: err}
}
