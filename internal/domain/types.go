package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// PaymentMethod enumerates how the customer settles an order.
type PaymentMethod string

const (
	// PaymentMethodOnline indicates settlement through the remote payment gateway.
	PaymentMethodOnline PaymentMethod = "ONLINE"
	// PaymentMethodCashOnDelivery indicates settlement on delivery.
	PaymentMethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
)

// PaymentStatus enumerates settlement states tracked on an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been confirmed yet.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusPaid indicates payment has been captured and verified.
	PaymentStatusPaid PaymentStatus = "PAID"
	// PaymentStatusFailed indicates payment failed or was voided.
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order is placed and awaiting handling.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped indicates the order has been handed to the courier.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled indicates the order was cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderTotals holds rolled-up monetary fields in paise.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Total    int64
}

// OrderLineItem freezes one product entry within an order. Never mutated after creation.
type OrderLineItem struct {
	ProductID string
	Title     string
	Quantity  int
	UnitPrice int64
	IsEbook   bool
	Total     int64
}

// Order is the aggregate root of the order lifecycle core.
type Order struct {
	ID                   string
	OrderNumber          string
	UserID               string
	Status               OrderStatus
	Currency             string
	Totals               OrderTotals
	Items                []OrderLineItem
	ShippingAddress      *Address
	PaymentMethod        PaymentMethod
	PaymentStatus        PaymentStatus
	CouponID             *string
	CouponCode           *string
	PaymentIntentID      *string
	PaymentTransactionID *string
	Shipment             *ShipmentRecord
	CreatedAt            time.Time
	UpdatedAt            time.Time
	PaidAt               *time.Time
	ShippedAt            *time.Time
	DeliveredAt          *time.Time
	CancelledAt          *time.Time
	CancelReason         *string
}

// HasPhysicalItems reports whether at least one line item requires shipping.
func (o Order) HasPhysicalItems() bool {
	for _, item := range o.Items {
		if !item.IsEbook {
			return true
		}
	}
	return false
}

// PhysicalItems returns the line items that require shipping.
func (o Order) PhysicalItems() []OrderLineItem {
	items := make([]OrderLineItem, 0, len(o.Items))
	for _, item := range o.Items {
		if !item.IsEbook {
			items = append(items, item)
		}
	}
	return items
}

// ShipmentRecord captures the courier-side outcome for an order with physical items.
// Failed records carry a human-readable error instead of tracking data; a failed
// shipment never rolls back the order it belongs to.
type ShipmentRecord struct {
	TrackingID        string
	Provider          string
	Status            string
	TrackingURL       string
	RemoteOrderID     string
	RemoteAWB         string
	EstimatedDelivery *time.Time
	Failed            bool
	Error             string
	FailedAt          *time.Time
	CreatedAt         time.Time
}

// Coupon describes a redeemable discount code. Codes are stored uppercase.
type Coupon struct {
	ID              string
	Code            string
	DiscountPercent int
	MaxDiscount     int64
	MinOrderValue   int64
	UsageLimit      int
	UsedCount       int
	IsActive        bool
	StartsAt        time.Time
	EndsAt          time.Time
	CategoryID      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Product is the catalog snapshot the order core consumes. Prices are in paise;
// the ebook price fields are nil when the title has no digital edition.
type Product struct {
	ID                   string
	Title                string
	CategoryID           string
	Price                int64
	DiscountedPrice      *int64
	EbookPrice           *int64
	EbookDiscountedPrice *int64
	Stock                int
}

// Address represents a customer shipping address. Orders store a denormalised
// copy, never a live reference.
type Address struct {
	ID      string
	UserID  string
	Name    string
	Phone   string
	Street  string
	City    string
	State   string
	Pincode string
}

// CartItem stores a single entry within a user's cart.
type CartItem struct {
	ProductID string
	Quantity  int
	IsEbook   bool
	AddedAt   time.Time
}

// Cart aggregates the mutable shopping cart state for a user.
type Cart struct {
	UserID    string
	Items     []CartItem
	UpdatedAt time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	Environment string
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
