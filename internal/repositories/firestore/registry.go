package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repositories.Registry contract.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	products  *ProductRepository
	coupons   *CouponRepository
	carts     *CartRepository
	addresses *AddressRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

// RegistryOption customises optional registry members.
type RegistryOption func(*Registry)

// WithHealthRepository installs the dependency health collector used by /healthz.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = health
	}
}

// NewRegistry constructs every Firestore repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build product repository: %w", err)
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build coupon repository: %w", err)
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build cart repository: %w", err)
	}
	addresses, err := NewAddressRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build address repository: %w", err)
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build counter repository: %w", err)
	}

	registry := &Registry{
		provider:  provider,
		orders:    orders,
		products:  products,
		coupons:   coupons,
		carts:     carts,
		addresses: addresses,
		counters:  counters,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Products() repositories.ProductRepository   { return r.products }
func (r *Registry) Coupons() repositories.CouponRepository     { return r.coupons }
func (r *Registry) Carts() repositories.CartRepository         { return r.carts }
func (r *Registry) Addresses() repositories.AddressRepository  { return r.addresses }
func (r *Registry) Counters() repositories.CounterRepository   { return r.counters }
func (r *Registry) Health() repositories.HealthRepository      { return r.health }

// RunInTx runs fn within a Firestore transaction. The transaction rides on
// fn's context, so repository reads and writes made through it join the
// transaction and commit or abort together.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(pfirestore.ContextWithTx(txCtx, tx))
	})
}

var _ repositories.Registry = (*Registry)(nil)
