package repositories

import (
	"context"
	"time"

	domain "github.com/bookline/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	Coupons() CouponRepository
	Carts() CartRepository
	Addresses() AddressRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and provides query helpers for users and admins.
// Place executes the atomic creation path: the order insert, the physical stock
// decrements, and the coupon redemption all commit or abort together.
type OrderRepository interface {
	Place(ctx context.Context, rec PlaceOrderRecord) error
	Update(ctx context.Context, order domain.Order) error
	Delete(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// PlaceOrderRecord carries everything the atomic order placement touches. StockDecrements
// maps product IDs to the physical quantity to subtract; coupon fields are nil when no
// coupon applies.
type PlaceOrderRecord struct {
	Order           domain.Order
	StockDecrements map[string]int
	CouponID        *string
	Now             time.Time
}

// ProductRepository reads the catalog snapshot the order core consumes and
// compensates stock after cancellations or voided placements.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	RestoreStock(ctx context.Context, increments map[string]int) error
}

// CouponRepository maintains coupon definitions and their redemption counters.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	FindByID(ctx context.Context, couponID string) (domain.Coupon, error)
	ReleaseUsage(ctx context.Context, couponID string) error
}

// CartRepository owns cart persistence per user.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// AddressRepository stores shipping addresses per user.
type AddressRepository interface {
	Get(ctx context.Context, userID string, addressID string) (domain.Address, error)
	List(ctx context.Context, userID string) ([]domain.Address, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings. UserID is empty for admin-wide queries.
type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
