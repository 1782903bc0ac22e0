package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/fulfillment"
	"github.com/bookline/api/internal/payments"
	"github.com/bookline/api/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventStatusChanged   = "order.status.changed"
	orderEventPaymentCaptured = "order.payment.captured"

	orderIDPrefix   = "ord_"
	ordersCounterID = "orders"
	defaultCurrency = "INR"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates an invalid status transition was attempted.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates concurrent updates or duplicate placement.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidAddress indicates the shipping address is missing or not owned by the caller.
	ErrOrderInvalidAddress = errors.New("order: invalid shipping address")
	// ErrOrderOutOfStock indicates a physical line exceeds available stock.
	ErrOrderOutOfStock = errors.New("order: insufficient stock")
	// ErrPaymentGatewayError indicates the payment gateway rejected or failed an operation.
	ErrPaymentGatewayError = errors.New("order: payment gateway error")
	// ErrPaymentVerificationFailed indicates the payment signature did not verify.
	ErrPaymentVerificationFailed = errors.New("order: payment verification failed")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusDelivered:  {domain.OrderStatusCancelled},
	domain.OrderStatusCancelled:  {},
}

var customerCancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Addresses   repositories.AddressRepository
	Carts       repositories.CartRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Coupons     CouponService
	Gateway     payments.Provider
	Courier     fulfillment.Courier
	Fulfillment FulfillmentService
	Events      OrderEventPublisher
	Pricer      *Pricer
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	products    repositories.ProductRepository
	addresses   repositories.AddressRepository
	carts       repositories.CartRepository
	counters    repositories.CounterRepository
	unitOfWork  repositories.UnitOfWork
	coupons     CouponService
	gateway     payments.Provider
	courier     fulfillment.Courier
	fulfillment FulfillmentService
	events      OrderEventPublisher
	pricer      *Pricer
	currency    string
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	pricer := deps.Pricer
	if pricer == nil {
		pricer = NewPricer(0, 0)
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	return &orderService{
		orders:      deps.Orders,
		products:    deps.Products,
		addresses:   deps.Addresses,
		carts:       deps.Carts,
		counters:    deps.Counters,
		unitOfWork:  unit,
		coupons:     deps.Coupons,
		gateway:     deps.Gateway,
		courier:     deps.Courier,
		fulfillment: deps.Fulfillment,
		events:      deps.Events,
		pricer:      pricer,
		currency:    currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	method := cmd.PaymentMethod
	if method != domain.PaymentMethodOnline && method != domain.PaymentMethodCashOnDelivery {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, string(method))
	}
	if method == domain.PaymentMethodOnline && s.gateway == nil {
		return Order{}, fmt.Errorf("%w: gateway not configured", ErrPaymentGatewayError)
	}

	products, err := s.products.FindByIDs(ctx, distinctProductIDs(cmd.Items))
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	quote, err := s.pricer.Quote(cmd.Items, products)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	var shippingAddress *Address
	if quote.HasPhysical {
		addressID := strings.TrimSpace(cmd.AddressID)
		if addressID == "" {
			return Order{}, fmt.Errorf("%w: address id is required for physical items", ErrOrderInvalidInput)
		}
		addr, err := s.addresses.Get(ctx, userID, addressID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return Order{}, fmt.Errorf("%w: address %s", ErrOrderInvalidAddress, addressID)
			}
			return Order{}, s.mapRepositoryError(err)
		}
		shippingAddress = &addr
	}

	now := s.now()
	totals := OrderTotals{
		Subtotal: quote.Subtotal,
		Shipping: quote.ShippingFee,
	}

	var couponID, couponCode *string
	if code := strings.TrimSpace(cmd.CouponCode); code != "" {
		applied, err := s.validateCoupon(ctx, code, quote.Subtotal, categoryIDs(quote.Lines, products))
		if err != nil {
			// A rejected coupon never blocks the order; the customer just
			// pays full price.
			s.logger(ctx, "order.coupon.skipped", map[string]any{
				"user":   userID,
				"code":   code,
				"reason": err.Error(),
			})
		} else {
			totals.Discount = applied.Discount
			couponID = valuePtr(applied.CouponID)
			couponCode = valuePtr(applied.Code)
		}
	}
	totals.Total = totals.Subtotal - totals.Discount + totals.Shipping
	if totals.Total < 0 {
		totals.Total = 0
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:              s.nextOrderID(),
		OrderNumber:     number,
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		Currency:        s.currency,
		Totals:          totals,
		Items:           quote.Lines,
		ShippingAddress: shippingAddress,
		PaymentMethod:   method,
		PaymentStatus:   domain.PaymentStatusPending,
		CouponID:        couponID,
		CouponCode:      couponCode,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	rec := repositories.PlaceOrderRecord{
		Order:           order,
		StockDecrements: physicalQuantities(order.Items),
		CouponID:        couponID,
		Now:             now,
	}
	if err := s.orders.Place(ctx, rec); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	switch method {
	case domain.PaymentMethodOnline:
		intent, err := s.gateway.CreateIntent(ctx, payments.CreateIntentRequest{
			Amount:   totals.Total,
			Currency: s.currency,
			Receipt:  order.OrderNumber,
			Notes: map[string]string{
				"orderId": order.ID,
				"userId":  userID,
			},
		})
		if err != nil {
			s.compensatePlacement(ctx, &order, rec.StockDecrements, "payment intent creation failed")
			return Order{}, fmt.Errorf("%w: %v", ErrPaymentGatewayError, err)
		}
		order.PaymentIntentID = valuePtr(intent.ID)
		order.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, order); err != nil {
			// The intent exists at the gateway but its id never reached the
			// order. Leave a trail so operators can reconcile.
			s.logger(ctx, "order.compensation.failed", map[string]any{
				"order":  order.ID,
				"step":   "store_intent",
				"intent": intent.ID,
				"error":  err.Error(),
			})
			return Order{}, s.mapRepositoryError(err)
		}
	case domain.PaymentMethodCashOnDelivery:
		if quote.HasPhysical {
			s.dispatchShipment(ctx, order)
		} else {
			// Nothing to collect on delivery for a purely digital order.
			order.Status = domain.OrderStatusDelivered
			order.PaymentStatus = domain.PaymentStatusPaid
			order.PaidAt = &now
			order.DeliveredAt = &now
			order.UpdatedAt = now
			if err := s.orders.Update(ctx, order); err != nil {
				return Order{}, s.mapRepositoryError(err)
			}
		}
		s.clearCart(ctx, userID)
	}

	s.publishEvent(ctx, orderEventCreated, order)
	return order, nil
}

func (s *orderService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	userID := strings.TrimSpace(cmd.UserID)
	if orderID == "" || userID == "" {
		return Order{}, fmt.Errorf("%w: order id and user id are required", ErrOrderInvalidInput)
	}
	transactionID := strings.TrimSpace(cmd.TransactionID)
	signature := strings.TrimSpace(cmd.Signature)
	if transactionID == "" || signature == "" {
		return Order{}, fmt.Errorf("%w: transaction id and signature are required", ErrOrderInvalidInput)
	}
	if s.gateway == nil {
		return Order{}, fmt.Errorf("%w: gateway not configured", ErrPaymentGatewayError)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	// Ownership failures and missing intents both read as not-found so the
	// endpoint never confirms an order exists for somebody else.
	if order.UserID != userID || order.PaymentIntentID == nil {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return order, nil
	}

	err = s.gateway.VerifySignature(ctx, payments.VerifySignatureRequest{
		IntentID:      *order.PaymentIntentID,
		TransactionID: transactionID,
		Signature:     signature,
	})
	if err != nil {
		if errors.Is(err, payments.ErrSignatureMismatch) {
			s.voidUnverifiedOrder(ctx, order)
			return Order{}, fmt.Errorf("%w: order %s", ErrPaymentVerificationFailed, orderID)
		}
		return Order{}, fmt.Errorf("%w: %v", ErrPaymentGatewayError, err)
	}

	now := s.now()
	order.PaymentStatus = domain.PaymentStatusPaid
	order.PaymentTransactionID = valuePtr(transactionID)
	order.PaidAt = &now
	order.UpdatedAt = now
	if !order.HasPhysicalItems() {
		order.Status = domain.OrderStatusDelivered
		order.DeliveredAt = &now
	}
	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, orderEventPaymentCaptured, order)
	if order.HasPhysicalItems() {
		s.dispatchShipment(ctx, order)
	}
	s.clearCart(ctx, order.UserID)

	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !cmd.Admin && order.UserID != strings.TrimSpace(cmd.UserID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	if !cancellableFrom(order.Status, cmd.Admin) {
		return Order{}, transitionError(order.Status, domain.OrderStatusCancelled)
	}
	if refundDue(order) && s.gateway == nil {
		return Order{}, fmt.Errorf("%w: gateway not configured", ErrPaymentGatewayError)
	}

	reason := strings.TrimSpace(cmd.Reason)
	now := s.now()
	var prev domain.OrderStatus

	// The decisive status check runs inside the transaction, so of two
	// racing cancels exactly one moves the order to CANCELLED. The loser
	// observes the terminal status and runs no side effects.
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !cancellableFrom(current.Status, cmd.Admin) {
			return transitionError(current.Status, domain.OrderStatusCancelled)
		}
		prev = current.Status
		current.Status = domain.OrderStatusCancelled
		current.CancelledAt = &now
		current.CancelReason = optionalString(reason)
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	// Side effects belong to the claim winner only.
	if refundDue(order) {
		refund, err := s.gateway.Refund(ctx, payments.RefundRequest{
			TransactionID: *order.PaymentTransactionID,
			Notes: map[string]string{
				"orderId": order.ID,
				"reason":  reason,
			},
		})
		if err != nil {
			s.revertCancel(ctx, order, prev)
			return Order{}, fmt.Errorf("%w: refund: %v", ErrPaymentGatewayError, err)
		}
		s.logger(ctx, "order.refund.issued", map[string]any{
			"order":       order.ID,
			"transaction": refund.TransactionID,
			"amount":      order.Totals.Total,
		})
	}

	// Courier cancellation is best-effort. A courier outage must not stop
	// the customer from cancelling.
	if s.courier != nil && order.Shipment != nil && !order.Shipment.Failed && order.Shipment.RemoteOrderID != "" {
		if err := s.courier.CancelShipment(ctx, order.Shipment.RemoteOrderID); err != nil {
			s.logger(ctx, "order.shipment.cancel.failed", map[string]any{
				"order":  order.ID,
				"remote": order.Shipment.RemoteOrderID,
				"error":  err.Error(),
			})
		}
	}

	s.restoreStock(ctx, order)

	s.logger(ctx, "order.cancelled", map[string]any{
		"order": order.ID,
		"from":  string(prev),
		"admin": cmd.Admin,
	})
	s.publishEvent(ctx, orderEventStatusChanged, order)
	return order, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := cmd.Target
	if _, known := orderStateTransitions[target]; !known {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, string(target))
	}

	// Cancellation carries side effects (refund, stock restore, courier
	// cancel) so it always goes through the cancel path.
	if target == domain.OrderStatusCancelled {
		return s.Cancel(ctx, CancelOrderCommand{
			OrderID: orderID,
			Reason:  "cancelled by support",
			Admin:   true,
		})
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	// Repeating the current status is a no-op, so a retried admin request
	// settles cleanly instead of failing.
	if order.Status == target {
		return order, nil
	}
	if !canTransition(order.Status, target) {
		return Order{}, transitionError(order.Status, target)
	}

	now := s.now()
	changed := false
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if current.Status == target {
			order = current
			return nil
		}
		if !canTransition(current.Status, target) {
			return transitionError(current.Status, target)
		}
		current.Status = target
		current.UpdatedAt = now
		switch target {
		case domain.OrderStatusShipped:
			current.ShippedAt = &now
		case domain.OrderStatusDelivered:
			current.DeliveredAt = &now
		}
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if changed {
		s.publishEvent(ctx, orderEventStatusChanged, order)
	}
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderQuery) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !cmd.Admin {
		if order.UserID != strings.TrimSpace(cmd.UserID) {
			return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
		}
		order = scrubShipmentFailure(order)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	if strings.TrimSpace(filter.UserID) != "" {
		for i := range page.Items {
			page.Items[i] = scrubShipmentFailure(page.Items[i])
		}
	}
	return page, nil
}

// compensatePlacement unwinds a freshly placed order after payment intent
// creation fails. Each step is best-effort; failures are logged so operators
// can reconcile.
func (s *orderService) compensatePlacement(ctx context.Context, order *Order, decrements map[string]int, reason string) {
	now := s.now()
	order.Status = domain.OrderStatusCancelled
	order.PaymentStatus = domain.PaymentStatusFailed
	order.CancelledAt = &now
	order.CancelReason = optionalString(reason)
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, *order); err != nil {
		s.logger(ctx, "order.compensation.failed", map[string]any{
			"order": order.ID,
			"step":  "mark_cancelled",
			"error": err.Error(),
		})
	}
	if len(decrements) > 0 {
		if err := s.products.RestoreStock(ctx, decrements); err != nil {
			s.logger(ctx, "order.compensation.failed", map[string]any{
				"order": order.ID,
				"step":  "restore_stock",
				"error": err.Error(),
			})
		}
	}
	s.releaseCoupon(ctx, *order)
}

// revertCancel puts a claimed cancellation back after the refund fails, so
// the order stays refundable and can be cancelled again once the gateway
// recovers.
func (s *orderService) revertCancel(ctx context.Context, order Order, prev domain.OrderStatus) {
	order.Status = prev
	order.CancelledAt = nil
	order.CancelReason = nil
	order.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "order.compensation.failed", map[string]any{
			"order": order.ID,
			"step":  "revert_cancel",
			"error": err.Error(),
		})
	}
}

// voidUnverifiedOrder is the hard rollback for a tampered payment signature:
// stock goes back, the coupon redemption is handed back, and the order row is
// deleted outright. The cart is left as it was.
func (s *orderService) voidUnverifiedOrder(ctx context.Context, order Order) {
	s.restoreStock(ctx, order)
	s.releaseCoupon(ctx, order)
	if err := s.orders.Delete(ctx, order.ID); err != nil {
		s.logger(ctx, "order.void.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) restoreStock(ctx context.Context, order Order) {
	increments := physicalQuantities(order.Items)
	if len(increments) == 0 {
		return
	}
	if err := s.products.RestoreStock(ctx, increments); err != nil {
		s.logger(ctx, "order.stock.restore.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) releaseCoupon(ctx context.Context, order Order) {
	if s.coupons == nil || order.CouponID == nil {
		return
	}
	if err := s.coupons.Release(ctx, *order.CouponID); err != nil {
		s.logger(ctx, "order.coupon.release.failed", map[string]any{
			"order":  order.ID,
			"coupon": *order.CouponID,
			"error":  err.Error(),
		})
	}
}

func (s *orderService) validateCoupon(ctx context.Context, code string, subtotal int64, categories []string) (CouponQuote, error) {
	if s.coupons == nil {
		return CouponQuote{}, ErrCouponRepositoryMissing
	}
	return s.coupons.Validate(ctx, ValidateCouponCommand{
		Code:        code,
		Subtotal:    subtotal,
		CategoryIDs: categories,
	})
}

func (s *orderService) dispatchShipment(ctx context.Context, order Order) {
	if s.fulfillment == nil {
		s.logger(ctx, "order.dispatch.skipped", map[string]any{"order": order.ID})
		return
	}
	s.fulfillment.Dispatch(ctx, order)
}

func (s *orderService) clearCart(ctx context.Context, userID string) {
	if err := s.carts.Clear(ctx, userID); err != nil {
		s.logger(ctx, "order.cart.clear.failed", map[string]any{
			"user":  userID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: product %s", ErrOrderOutOfStock, stockErr.ProductID)
		case repositories.StockErrorProductNotFound:
			return fmt.Errorf("%w: unknown product %s", ErrOrderInvalidInput, stockErr.ProductID)
		default:
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}

	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		switch couponErr.Code {
		case repositories.CouponErrorExhausted:
			return fmt.Errorf("%w: coupon usage limit reached", ErrOrderConflict)
		default:
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, ordersCounterID, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BL-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, eventType string, order Order) {
	if s.events == nil {
		return
	}
	msg := OrderEventMessage{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		OccurredAt:  s.now(),
	}
	if _, err := s.events.PublishOrderEvent(ctx, msg); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  eventType,
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

// scrubShipmentFailure hides the failure marker from customer-facing reads.
// Support sees the full record.
func scrubShipmentFailure(order Order) Order {
	if order.Shipment == nil || !order.Shipment.Failed {
		return order
	}
	order.Shipment = nil
	return order
}

func distinctProductIDs(items []OrderItemInput) []string {
	seen := make(map[string]bool, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// physicalQuantities aggregates per-product quantities for the lines that
// touch stock. Ebook lines never appear here.
func physicalQuantities(items []OrderLineItem) map[string]int {
	quantities := make(map[string]int)
	for _, item := range items {
		if item.IsEbook {
			continue
		}
		quantities[item.ProductID] += item.Quantity
	}
	return quantities
}

func categoryIDs(lines []OrderLineItem, products map[string]Product) []string {
	seen := make(map[string]bool, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || product.CategoryID == "" || seen[product.CategoryID] {
			continue
		}
		seen[product.CategoryID] = true
		ids = append(ids, product.CategoryID)
	}
	return ids
}

func transitionError(from, to domain.OrderStatus) error {
	return fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, string(from), string(to))
}

func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

func cancellableFrom(status domain.OrderStatus, admin bool) bool {
	return slices.Contains(customerCancellableStatuses, status) ||
		(admin && status == domain.OrderStatusDelivered)
}

func refundDue(order Order) bool {
	return order.PaymentStatus == domain.PaymentStatusPaid &&
		order.PaymentMethod == domain.PaymentMethodOnline &&
		order.PaymentTransactionID != nil
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
