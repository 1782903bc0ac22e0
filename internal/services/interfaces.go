package services

import (
	"context"
	"time"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Order              = domain.Order
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	ShipmentRecord     = domain.ShipmentRecord
	Coupon             = domain.Coupon
	Product            = domain.Product
	Address            = domain.Address
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService drives the order lifecycle: placement, payment verification,
// cancellation, and status administration.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	GetOrder(ctx context.Context, cmd GetOrderQuery) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
}

// CartService manages mutable cart state per user.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error)
	Clear(ctx context.Context, userID string) error
}

// CouponService validates coupon codes against an order subtotal. Validation is
// read-only and repeat-safe; redemption happens inside the placement transaction.
type CouponService interface {
	Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponQuote, error)
	Release(ctx context.Context, couponID string) error
}

// FulfillmentService hands paid physical orders to the courier asynchronously.
// Dispatch returns immediately; Wait blocks until in-flight dispatches settle.
type FulfillmentService interface {
	Dispatch(ctx context.Context, order Order)
	Wait()
}

// CounterService provides scoped sequence generation backed by a counter repository.
type CounterService interface {
	Next(ctx context.Context, cmd CounterCommand) (int64, error)
	Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEventMessage) (string, error)
}

// OrderEventMessage is the wire payload for order lifecycle events.
type OrderEventMessage struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	UserID      string    `json:"userId"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

// OrderItemInput is one requested line at placement time.
type OrderItemInput struct {
	ProductID string
	Quantity  int
	IsEbook   bool
}

type PlaceOrderCommand struct {
	UserID        string
	Items         []OrderItemInput
	AddressID     string
	PaymentMethod PaymentMethod
	CouponCode    string
}

type VerifyPaymentCommand struct {
	UserID        string
	OrderID       string
	TransactionID string
	Signature     string
}

type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  string
	Admin   bool
}

type UpdateOrderStatusCommand struct {
	OrderID string
	Target  OrderStatus
	ActorID string
}

// GetOrderQuery scopes a single order read. Non-admin callers only see their
// own orders, and shipment failure markers are stripped from their view.
type GetOrderQuery struct {
	OrderID string
	UserID  string
	Admin   bool
}

type ReplaceCartItemsCommand struct {
	UserID string
	Items  []CartItemInput
}

type CartItemInput struct {
	ProductID string
	Quantity  int
	IsEbook   bool
}

type ValidateCouponCommand struct {
	Code        string
	Subtotal    int64
	CategoryIDs []string
}

// CouponQuote is the accepted outcome of coupon validation.
type CouponQuote struct {
	CouponID string
	Code     string
	Discount int64
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
