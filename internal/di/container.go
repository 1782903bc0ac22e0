package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookline/api/internal/fulfillment"
	"github.com/bookline/api/internal/payments"
	"github.com/bookline/api/internal/platform/config"
	"github.com/bookline/api/internal/repositories"
	"github.com/bookline/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders      services.OrderService
	Cart        services.CartService
	Coupons     services.CouponService
	Fulfillment services.FulfillmentService
	Counters    services.CounterService
	System      services.SystemService
}

// Dependencies carries the external collaborators that cannot be derived from
// configuration alone: persistence, the payment gateway, the courier, and the
// event publisher.
type Dependencies struct {
	Registry repositories.Registry
	Gateway  payments.Provider
	Courier  fulfillment.Courier
	Events   services.OrderEventPublisher
	Build    services.BuildInfo
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies for the API process.
func NewContainer(_ context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases repository clients after draining in-flight fulfillment dispatches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Services.Fulfillment != nil {
		c.Services.Fulfillment.Wait()
	}
	if c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services
	reg := deps.Registry

	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            time.Now,
		Build:            deps.Build,
		Counters:         counterSvc,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Clock:   time.Now,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:    reg.Carts(),
		Products: reg.Products(),
		Clock:    time.Now,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	if deps.Courier != nil {
		fulfillmentSvc, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
			Courier: deps.Courier,
			Orders:  reg.Orders(),
			Events:  deps.Events,
			Clock:   time.Now,
			Logger:  deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build fulfillment service: %w", err)
		}
		svc.Fulfillment = fulfillmentSvc
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      reg.Orders(),
		Products:    reg.Products(),
		Addresses:   reg.Addresses(),
		Carts:       reg.Carts(),
		Counters:    reg.Counters(),
		UnitOfWork:  reg,
		Coupons:     couponSvc,
		Gateway:     deps.Gateway,
		Courier:     deps.Courier,
		Fulfillment: svc.Fulfillment,
		Events:      deps.Events,
		Pricer:      services.NewPricer(cfg.Pricing.ShippingFee, cfg.Pricing.FreeShippingThreshold),
		Clock:       time.Now,
		Logger:      deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	return svc, nil
}
