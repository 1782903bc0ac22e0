package services

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/fulfillment"
	"github.com/bookline/api/internal/payments"
	"github.com/bookline/api/internal/repositories"
)

// Shared fakes ---------------------------------------------------------------

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

type memOrderRepo struct {
	orders    map[string]Order
	placed    []repositories.PlaceOrderRecord
	updates   []Order
	deleted   []string
	placeErr  error
	updateErr error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: map[string]Order{}}
}

func (r *memOrderRepo) Place(ctx context.Context, rec repositories.PlaceOrderRecord) error {
	if r.placeErr != nil {
		return r.placeErr
	}
	r.placed = append(r.placed, rec)
	r.orders[rec.Order.ID] = rec.Order
	return nil
}

func (r *memOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updates = append(r.updates, order)
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) Delete(ctx context.Context, orderID string) error {
	r.deleted = append(r.deleted, orderID)
	delete(r.orders, orderID)
	return nil
}

func (r *memOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	return order, nil
}

func (r *memOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	ids := make([]string, 0, len(r.orders))
	for id := range r.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var items []domain.Order
	for _, id := range ids {
		order := r.orders[id]
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		items = append(items, order)
	}
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

type memProductRepo struct {
	products   map[string]Product
	restored   []map[string]int
	restoreErr error
}

func (r *memProductRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	product, ok := r.products[productID]
	if !ok {
		return domain.Product{}, &stubRepoError{notFound: true}
	}
	return product, nil
}

func (r *memProductRepo) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := r.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (r *memProductRepo) RestoreStock(ctx context.Context, increments map[string]int) error {
	if r.restoreErr != nil {
		return r.restoreErr
	}
	r.restored = append(r.restored, increments)
	return nil
}

type memAddressRepo struct {
	addresses map[string]Address
}

func addressKey(userID, addressID string) string { return userID + "/" + addressID }

func (r *memAddressRepo) Get(ctx context.Context, userID, addressID string) (domain.Address, error) {
	addr, ok := r.addresses[addressKey(userID, addressID)]
	if !ok {
		return domain.Address{}, &stubRepoError{notFound: true}
	}
	return addr, nil
}

func (r *memAddressRepo) List(ctx context.Context, userID string) ([]domain.Address, error) {
	var out []domain.Address
	for key, addr := range r.addresses {
		if strings.HasPrefix(key, userID+"/") {
			out = append(out, addr)
		}
	}
	return out, nil
}

type memCartRepo struct {
	cleared  []string
	clearErr error
}

func (r *memCartRepo) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	return domain.Cart{UserID: userID, Items: []domain.CartItem{}}, nil
}

func (r *memCartRepo) ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error) {
	return domain.Cart{UserID: userID, Items: items}, nil
}

func (r *memCartRepo) Clear(ctx context.Context, userID string) error {
	if r.clearErr != nil {
		return r.clearErr
	}
	r.cleared = append(r.cleared, userID)
	return nil
}

type memCounterRepo struct {
	value int64
}

func (r *memCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	r.value += step
	return r.value, nil
}

func (r *memCounterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return nil
}

type stubCouponService struct {
	quote       CouponQuote
	validateErr error
	released    []string
}

func (s *stubCouponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponQuote, error) {
	if s.validateErr != nil {
		return CouponQuote{}, s.validateErr
	}
	return s.quote, nil
}

func (s *stubCouponService) Release(ctx context.Context, couponID string) error {
	s.released = append(s.released, couponID)
	return nil
}

type stubGateway struct {
	intent        payments.Intent
	createErr     error
	verifyErr     error
	refund        payments.PaymentDetails
	refundErr     error
	createdReqs   []payments.CreateIntentRequest
	verifiedReqs  []payments.VerifySignatureRequest
	refundedReqs  []payments.RefundRequest
	lookupPayment payments.PaymentDetails
}

func (g *stubGateway) CreateIntent(ctx context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
	g.createdReqs = append(g.createdReqs, req)
	if g.createErr != nil {
		return payments.Intent{}, g.createErr
	}
	return g.intent, nil
}

func (g *stubGateway) VerifySignature(ctx context.Context, req payments.VerifySignatureRequest) error {
	g.verifiedReqs = append(g.verifiedReqs, req)
	return g.verifyErr
}

func (g *stubGateway) LookupPayment(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	return g.lookupPayment, nil
}

func (g *stubGateway) Refund(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
	g.refundedReqs = append(g.refundedReqs, req)
	if g.refundErr != nil {
		return payments.PaymentDetails{}, g.refundErr
	}
	return g.refund, nil
}

type stubCourier struct {
	cancelled []string
	cancelErr error
}

func (c *stubCourier) CreateShipment(ctx context.Context, req fulfillment.ShipmentRequest) (fulfillment.Shipment, error) {
	return fulfillment.Shipment{}, nil
}

func (c *stubCourier) CancelShipment(ctx context.Context, remoteOrderID string) error {
	c.cancelled = append(c.cancelled, remoteOrderID)
	return c.cancelErr
}

type stubDispatcher struct {
	dispatched []Order
}

func (d *stubDispatcher) Dispatch(ctx context.Context, order Order) {
	d.dispatched = append(d.dispatched, order)
}

func (d *stubDispatcher) Wait() {}

type stubPublisher struct {
	events     []OrderEventMessage
	publishErr error
}

func (p *stubPublisher) PublishOrderEvent(ctx context.Context, event OrderEventMessage) (string, error) {
	if p.publishErr != nil {
		return "", p.publishErr
	}
	p.events = append(p.events, event)
	return "msg_1", nil
}

func (p *stubPublisher) eventTypes() []string {
	types := make([]string, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

// stubUnitOfWork passes fn straight through but can run a hook before the
// first claim, simulating a rival commit landing between the advisory read
// and the transactional one.
type stubUnitOfWork struct {
	calls  int
	before func()
}

func (u *stubUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.calls++
	if u.before != nil {
		hook := u.before
		u.before = nil
		hook()
	}
	return fn(ctx)
}

type logRecord struct {
	event  string
	fields map[string]any
}

type logCapture struct {
	records []logRecord
}

func (l *logCapture) log(ctx context.Context, event string, fields map[string]any) {
	l.records = append(l.records, logRecord{event: event, fields: fields})
}

func (l *logCapture) has(event string) bool {
	for _, rec := range l.records {
		if rec.event == event {
			return true
		}
	}
	return false
}

// Fixture --------------------------------------------------------------------

type orderFixture struct {
	svc        OrderService
	orders     *memOrderRepo
	products   *memProductRepo
	addresses  *memAddressRepo
	carts      *memCartRepo
	coupons    *stubCouponService
	gateway    *stubGateway
	courier    *stubCourier
	dispatcher *stubDispatcher
	events     *stubPublisher
	logs       *logCapture
	uow        *stubUnitOfWork
}

func orderTestClock() time.Time {
	return time.Date(2025, time.April, 1, 9, 30, 0, 0, time.UTC)
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()

	f := &orderFixture{
		orders: newMemOrderRepo(),
		products: &memProductRepo{products: map[string]Product{
			"bk_go": {
				ID:              "bk_go",
				Title:           "Learning Go",
				CategoryID:      "cat_tech",
				Price:           49900,
				DiscountedPrice: priceRef(39900),
				Stock:           10,
			},
			"bk_dist": {
				ID:         "bk_dist",
				Title:      "Designing Data Systems",
				CategoryID: "cat_tech",
				Price:      89900,
				EbookPrice: priceRef(29900),
				Stock:      4,
			},
		}},
		addresses: &memAddressRepo{addresses: map[string]Address{
			addressKey("user_1", "addr_1"): {
				ID:      "addr_1",
				UserID:  "user_1",
				Name:    "Asha Rao",
				Phone:   "9999999999",
				Street:  "12 MG Road",
				City:    "Bengaluru",
				State:   "Karnataka",
				Pincode: "560001",
			},
		}},
		carts:      &memCartRepo{},
		coupons:    &stubCouponService{quote: CouponQuote{CouponID: "cpn_1", Code: "WELCOME10", Discount: 5000}},
		gateway:    &stubGateway{intent: payments.Intent{ID: "order_rzp_1", Provider: "razorpay"}},
		courier:    &stubCourier{},
		dispatcher: &stubDispatcher{},
		events:     &stubPublisher{},
		logs:       &logCapture{},
		uow:        &stubUnitOfWork{},
	}

	var nextID int
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      f.orders,
		Products:    f.products,
		Addresses:   f.addresses,
		Carts:       f.carts,
		Counters:    &memCounterRepo{},
		UnitOfWork:  f.uow,
		Coupons:     f.coupons,
		Gateway:     f.gateway,
		Courier:     f.courier,
		Fulfillment: f.dispatcher,
		Events:      f.events,
		Pricer:      NewPricer(4900, 0),
		Clock:       orderTestClock,
		IDGenerator: func() string {
			nextID++
			return "TESTID" + string(rune('0'+nextID))
		},
		Logger: f.logs.log,
	})
	if err != nil {
		t.Fatalf("build order service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *orderFixture) seedOrder(t *testing.T, mutate func(*Order)) Order {
	t.Helper()
	now := orderTestClock()
	order := Order{
		ID:          "ord_seed",
		OrderNumber: "BL-2025-000001",
		UserID:      "user_1",
		Status:      domain.OrderStatusPending,
		Currency:    "INR",
		Totals:      OrderTotals{Subtotal: 79800, Shipping: 4900, Total: 84700},
		Items: []OrderLineItem{
			{ProductID: "bk_go", Title: "Learning Go", Quantity: 2, UnitPrice: 39900, IsEbook: false, Total: 79800},
		},
		PaymentMethod: domain.PaymentMethodOnline,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(&order)
	}
	f.orders.orders[order.ID] = order
	return order
}

// PlaceOrder -----------------------------------------------------------------

func TestPlaceOrderCashOnDeliveryPhysical(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 2}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	if order.OrderNumber != "BL-2025-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if order.Totals.Total != 84700 {
		t.Fatalf("expected total 84700, got %d", order.Totals.Total)
	}
	if order.ShippingAddress == nil || order.ShippingAddress.Pincode != "560001" {
		t.Fatal("expected shipping address snapshot")
	}

	if len(f.orders.placed) != 1 {
		t.Fatalf("expected one placement, got %d", len(f.orders.placed))
	}
	rec := f.orders.placed[0]
	if rec.StockDecrements["bk_go"] != 2 {
		t.Fatalf("expected stock decrement of 2, got %v", rec.StockDecrements)
	}
	if len(f.dispatcher.dispatched) != 1 {
		t.Fatalf("expected fulfillment dispatch, got %d", len(f.dispatcher.dispatched))
	}
	if len(f.carts.cleared) != 1 || f.carts.cleared[0] != "user_1" {
		t.Fatalf("expected cart cleared for user_1, got %v", f.carts.cleared)
	}
	if types := f.events.eventTypes(); len(types) != 1 || types[0] != "order.created" {
		t.Fatalf("expected order.created event, got %v", types)
	}
}

func TestPlaceOrderCashOnDeliveryDigitalAutoDelivered(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_dist", Quantity: 1, IsEbook: true}},
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected PAID, got %s", order.PaymentStatus)
	}
	if order.DeliveredAt == nil {
		t.Fatal("expected DeliveredAt to be set")
	}
	if order.Totals.Shipping != 0 {
		t.Fatalf("expected no shipping fee, got %d", order.Totals.Shipping)
	}
	if order.ShippingAddress != nil {
		t.Fatal("digital-only order must not resolve an address")
	}
	if len(f.dispatcher.dispatched) != 0 {
		t.Fatal("digital-only order must not dispatch a shipment")
	}
	if len(f.orders.placed) != 1 || len(f.orders.placed[0].StockDecrements) != 0 {
		t.Fatal("digital lines must not touch stock")
	}
	if len(f.carts.cleared) != 1 {
		t.Fatal("expected cart cleared after placement")
	}
}

func TestPlaceOrderOnlineCreatesIntent(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 1}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodOnline,
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	if order.PaymentIntentID == nil || *order.PaymentIntentID != "order_rzp_1" {
		t.Fatal("expected stored payment intent id")
	}
	if len(f.gateway.createdReqs) != 1 {
		t.Fatalf("expected one intent request, got %d", len(f.gateway.createdReqs))
	}
	req := f.gateway.createdReqs[0]
	if req.Amount != order.Totals.Total {
		t.Fatalf("intent amount %d does not match total %d", req.Amount, order.Totals.Total)
	}
	if req.Receipt != order.OrderNumber {
		t.Fatalf("expected receipt %q, got %q", order.OrderNumber, req.Receipt)
	}
	if len(f.carts.cleared) != 0 {
		t.Fatal("cart must stay until payment verification")
	}
	if len(f.dispatcher.dispatched) != 0 {
		t.Fatal("no shipment before payment is verified")
	}
}

func TestPlaceOrderOnlineIntentFailureCompensates(t *testing.T) {
	f := newOrderFixture(t)
	f.gateway.createErr = &payments.GatewayError{Op: "create order", Err: errors.New("upstream down")}

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 2}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodOnline,
		CouponCode:    "WELCOME10",
	})
	if !errors.Is(err, ErrPaymentGatewayError) {
		t.Fatalf("expected ErrPaymentGatewayError, got %v", err)
	}

	if len(f.orders.updates) != 1 {
		t.Fatalf("expected one compensating update, got %d", len(f.orders.updates))
	}
	compensated := f.orders.updates[0]
	if compensated.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", compensated.Status)
	}
	if compensated.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected FAILED, got %s", compensated.PaymentStatus)
	}
	if len(f.products.restored) != 1 || f.products.restored[0]["bk_go"] != 2 {
		t.Fatalf("expected stock restored, got %v", f.products.restored)
	}
	if len(f.coupons.released) != 1 || f.coupons.released[0] != "cpn_1" {
		t.Fatalf("expected coupon released, got %v", f.coupons.released)
	}
}

func TestPlaceOrderOnlineIntentPersistFailureLeavesTrail(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.updateErr = &stubRepoError{unavailable: true}

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 1}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodOnline,
	})
	if err == nil {
		t.Fatal("expected error when the intent id cannot be stored")
	}

	var trail *logRecord
	for i := range f.logs.records {
		if f.logs.records[i].event == "order.compensation.failed" {
			trail = &f.logs.records[i]
			break
		}
	}
	if trail == nil {
		t.Fatal("expected order.compensation.failed log entry")
	}
	if trail.fields["step"] != "store_intent" {
		t.Fatalf("expected step store_intent, got %v", trail.fields["step"])
	}
	if trail.fields["intent"] != "order_rzp_1" {
		t.Fatalf("expected the gateway intent id in the trail, got %v", trail.fields["intent"])
	}
}

func TestPlaceOrderCouponRejectionNeverBlocks(t *testing.T) {
	f := newOrderFixture(t)
	f.coupons.validateErr = ErrCouponLimitReached

	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 1}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		CouponCode:    "WELCOME10",
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if order.Totals.Discount != 0 {
		t.Fatalf("expected no discount, got %d", order.Totals.Discount)
	}
	if order.CouponID != nil {
		t.Fatal("expected no coupon reference on the order")
	}
	if !f.logs.has("order.coupon.skipped") {
		t.Fatal("expected order.coupon.skipped log entry")
	}
}

func TestPlaceOrderCouponApplied(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 2}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		CouponCode:    "WELCOME10",
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if order.Totals.Discount != 5000 {
		t.Fatalf("expected discount 5000, got %d", order.Totals.Discount)
	}
	if order.Totals.Total != 79800-5000+4900 {
		t.Fatalf("unexpected total %d", order.Totals.Total)
	}
	if order.CouponID == nil || *order.CouponID != "cpn_1" {
		t.Fatal("expected coupon id on the order")
	}
	rec := f.orders.placed[0]
	if rec.CouponID == nil || *rec.CouponID != "cpn_1" {
		t.Fatal("expected coupon redemption inside the placement record")
	}
}

func TestPlaceOrderAddressRules(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for missing address, got %v", err)
	}

	_, err = f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_2",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 1}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
	})
	if !errors.Is(err, ErrOrderInvalidAddress) {
		t.Fatalf("expected ErrOrderInvalidAddress for foreign address, got %v", err)
	}
}

func TestPlaceOrderInsufficientStock(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.placeErr = repositories.NewStockError(repositories.StockErrorInsufficient, "bk_go", "insufficient stock for bk_go", nil)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 9000}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
	})
	if !errors.Is(err, ErrOrderOutOfStock) {
		t.Fatalf("expected ErrOrderOutOfStock, got %v", err)
	}
}

func TestPlaceOrderRejectsUnknownPaymentMethod(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:        "user_1",
		Items:         []OrderItemInput{{ProductID: "bk_go", Quantity: 1}},
		AddressID:     "addr_1",
		PaymentMethod: domain.PaymentMethod("WIRE"),
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

// VerifyPayment --------------------------------------------------------------

func TestVerifyPaymentSuccessPhysical(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentIntentID = valuePtr("order_rzp_1")
	})

	order, err := f.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:        "user_1",
		OrderID:       "ord_seed",
		TransactionID: "pay_abc",
		Signature:     "sig_abc",
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected PAID, got %s", order.PaymentStatus)
	}
	if order.PaymentTransactionID == nil || *order.PaymentTransactionID != "pay_abc" {
		t.Fatal("expected stored transaction id")
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("physical order stays PENDING, got %s", order.Status)
	}
	if len(f.gateway.verifiedReqs) != 1 || f.gateway.verifiedReqs[0].IntentID != "order_rzp_1" {
		t.Fatalf("expected verification against stored intent, got %v", f.gateway.verifiedReqs)
	}
	if len(f.dispatcher.dispatched) != 1 {
		t.Fatal("expected shipment dispatch after capture")
	}
	if len(f.carts.cleared) != 1 {
		t.Fatal("expected cart cleared after capture")
	}
	if types := f.events.eventTypes(); len(types) != 1 || types[0] != "order.payment.captured" {
		t.Fatalf("expected order.payment.captured event, got %v", types)
	}
}

func TestVerifyPaymentDigitalAutoDelivered(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentIntentID = valuePtr("order_rzp_1")
		o.Items = []OrderLineItem{
			{ProductID: "bk_dist", Title: "Designing Data Systems", Quantity: 1, UnitPrice: 29900, IsEbook: true, Total: 29900},
		}
		o.Totals = OrderTotals{Subtotal: 29900, Total: 29900}
	})

	order, err := f.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:        "user_1",
		OrderID:       "ord_seed",
		TransactionID: "pay_abc",
		Signature:     "sig_abc",
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", order.Status)
	}
	if order.DeliveredAt == nil {
		t.Fatal("expected DeliveredAt")
	}
	if len(f.dispatcher.dispatched) != 0 {
		t.Fatal("digital-only order must not dispatch")
	}
}

func TestVerifyPaymentSignatureMismatchHardRollback(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentIntentID = valuePtr("order_rzp_1")
		o.CouponID = valuePtr("cpn_1")
	})
	f.gateway.verifyErr = payments.ErrSignatureMismatch

	_, err := f.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:        "user_1",
		OrderID:       "ord_seed",
		TransactionID: "pay_abc",
		Signature:     "tampered",
	})
	if !errors.Is(err, ErrPaymentVerificationFailed) {
		t.Fatalf("expected ErrPaymentVerificationFailed, got %v", err)
	}

	if len(f.orders.deleted) != 1 || f.orders.deleted[0] != "ord_seed" {
		t.Fatalf("expected order deleted, got %v", f.orders.deleted)
	}
	if len(f.products.restored) != 1 || f.products.restored[0]["bk_go"] != 2 {
		t.Fatalf("expected stock restored, got %v", f.products.restored)
	}
	if len(f.coupons.released) != 1 || f.coupons.released[0] != "cpn_1" {
		t.Fatalf("expected coupon released, got %v", f.coupons.released)
	}
	if len(f.carts.cleared) != 0 {
		t.Fatal("cart must be left untouched on a voided payment")
	}
}

func TestVerifyPaymentOwnershipAndIntentChecks(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentIntentID = valuePtr("order_rzp_1")
	})

	_, err := f.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:        "user_2",
		OrderID:       "ord_seed",
		TransactionID: "pay_abc",
		Signature:     "sig_abc",
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}

	f2 := newOrderFixture(t)
	f2.seedOrder(t, nil) // no intent stored
	_, err = f2.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:        "user_1",
		OrderID:       "ord_seed",
		TransactionID: "pay_abc",
		Signature:     "sig_abc",
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound without stored intent, got %v", err)
	}
}

func TestVerifyPaymentRepeatSafe(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentIntentID = valuePtr("order_rzp_1")
		o.PaymentStatus = domain.PaymentStatusPaid
		o.PaymentTransactionID = valuePtr("pay_abc")
	})

	order, err := f.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		UserID:        "user_1",
		OrderID:       "ord_seed",
		TransactionID: "pay_abc",
		Signature:     "sig_abc",
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(f.gateway.verifiedReqs) != 0 {
		t.Fatal("already captured orders must not re-verify")
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected PAID, got %s", order.PaymentStatus)
	}
}

// Cancel ---------------------------------------------------------------------

func TestCancelPendingRestoresStock(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, nil)

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
		Reason:  "changed my mind",
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
	if order.CancelledAt == nil {
		t.Fatal("expected CancelledAt")
	}
	if order.CancelReason == nil || *order.CancelReason != "changed my mind" {
		t.Fatal("expected cancel reason recorded")
	}
	if len(f.products.restored) != 1 || f.products.restored[0]["bk_go"] != 2 {
		t.Fatalf("expected stock restored, got %v", f.products.restored)
	}
	if len(f.gateway.refundedReqs) != 0 {
		t.Fatal("unpaid order must not refund")
	}
	if types := f.events.eventTypes(); len(types) != 1 || types[0] != "order.status.changed" {
		t.Fatalf("expected order.status.changed event, got %v", types)
	}
}

func TestCancelPaidOrderRefunds(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentStatus = domain.PaymentStatusPaid
		o.PaymentIntentID = valuePtr("order_rzp_1")
		o.PaymentTransactionID = valuePtr("pay_abc")
	})

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
		Reason:  "damaged listing",
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if len(f.gateway.refundedReqs) != 1 || f.gateway.refundedReqs[0].TransactionID != "pay_abc" {
		t.Fatalf("expected full refund of pay_abc, got %v", f.gateway.refundedReqs)
	}
}

func TestCancelRefundFailureAborts(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentStatus = domain.PaymentStatusPaid
		o.PaymentIntentID = valuePtr("order_rzp_1")
		o.PaymentTransactionID = valuePtr("pay_abc")
	})
	f.gateway.refundErr = &payments.GatewayError{Op: "refund", Err: errors.New("gateway timeout")}

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
	})
	if !errors.Is(err, ErrPaymentGatewayError) {
		t.Fatalf("expected ErrPaymentGatewayError, got %v", err)
	}
	got, findErr := f.orders.FindByID(context.Background(), "ord_seed")
	if findErr != nil {
		t.Fatalf("order lookup failed: %v", findErr)
	}
	if got.Status != domain.OrderStatusPending {
		t.Fatalf("order must return to PENDING when the refund fails, got %s", got.Status)
	}
	if got.CancelledAt != nil || got.CancelReason != nil {
		t.Fatal("expected cancellation fields cleared after the revert")
	}
	if len(f.products.restored) != 0 {
		t.Fatalf("stock must not be restored for an aborted cancel, got %v", f.products.restored)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("no status event for an aborted cancel, got %v", f.events.eventTypes())
	}

	// The order stays cancellable once the gateway recovers.
	f.gateway.refundErr = nil
	if _, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
	}); err != nil {
		t.Fatalf("retry after gateway recovery failed: %v", err)
	}
	if len(f.gateway.refundedReqs) != 2 {
		t.Fatalf("expected a refund attempt per cancel, got %d", len(f.gateway.refundedReqs))
	}
	if len(f.products.restored) != 1 {
		t.Fatalf("expected exactly one stock restore, got %v", f.products.restored)
	}
}

func TestCancelRaceLoserRunsNoSideEffects(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentStatus = domain.PaymentStatusPaid
		o.PaymentIntentID = valuePtr("order_rzp_1")
		o.PaymentTransactionID = valuePtr("pay_abc")
	})

	// A rival cancel commits between this caller's advisory read and its
	// claim; the transactional re-check must reject the late caller before
	// any side effect runs.
	f.uow.before = func() {
		rival := f.orders.orders["ord_seed"]
		rival.Status = domain.OrderStatusCancelled
		f.orders.orders["ord_seed"] = rival
	}

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
		Reason:  "second thoughts",
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition for the race loser, got %v", err)
	}
	if f.uow.calls != 1 {
		t.Fatalf("expected the claim to run through the unit of work, got %d calls", f.uow.calls)
	}
	if len(f.gateway.refundedReqs) != 0 {
		t.Fatalf("race loser must not refund, got %v", f.gateway.refundedReqs)
	}
	if len(f.products.restored) != 0 {
		t.Fatalf("race loser must not restore stock, got %v", f.products.restored)
	}
	if len(f.orders.updates) != 0 {
		t.Fatal("race loser must not write the order")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("race loser must not publish events, got %v", f.events.eventTypes())
	}
}

func TestCancelClaimsThroughUnitOfWork(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, nil)

	if _, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
	}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if f.uow.calls != 1 {
		t.Fatalf("expected exactly one transactional claim, got %d", f.uow.calls)
	}
	if len(f.products.restored) != 1 {
		t.Fatalf("expected exactly one stock restore, got %v", f.products.restored)
	}
}

func TestCancelShippedCancelsCourierBestEffort(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.Status = domain.OrderStatusShipped
		o.Shipment = &ShipmentRecord{
			Provider:      "shiprocket",
			RemoteOrderID: "sr_42",
			TrackingID:    "AWB123",
		}
	})
	f.courier.cancelErr = errors.New("courier outage")

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
		Reason:  "arrived too late",
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED despite courier failure, got %s", order.Status)
	}
	if len(f.courier.cancelled) != 1 || f.courier.cancelled[0] != "sr_42" {
		t.Fatalf("expected courier cancel of sr_42, got %v", f.courier.cancelled)
	}
	if !f.logs.has("order.shipment.cancel.failed") {
		t.Fatal("expected courier failure logged")
	}
}

func TestCancelDeliveredIsAdminOnly(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.Status = domain.OrderStatusDelivered
	})

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition for customer, got %v", err)
	}

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		Admin:   true,
		Reason:  "return accepted",
	})
	if err != nil {
		t.Fatalf("admin cancel failed: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
}

func TestCancelCancelledOrderRejected(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.Status = domain.OrderStatusCancelled
	})

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_1",
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), "CANCELLED") {
		t.Fatalf("expected both states in the message, got %q", err.Error())
	}
}

func TestCancelForeignOrderReadsAsNotFound(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, nil)

	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_seed",
		UserID:  "user_2",
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

// UpdateStatus ---------------------------------------------------------------

func TestUpdateStatusValidTransition(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, nil)

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_seed",
		Target:  domain.OrderStatusShipped,
		ActorID: "admin_1",
	})
	if err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected SHIPPED, got %s", order.Status)
	}
	if order.ShippedAt == nil {
		t.Fatal("expected ShippedAt")
	}
	if types := f.events.eventTypes(); len(types) != 1 || types[0] != "order.status.changed" {
		t.Fatalf("expected order.status.changed event, got %v", types)
	}
}

func TestUpdateStatusIllegalTransitionNamesBothStates(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.Status = domain.OrderStatusDelivered
	})

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_seed",
		Target:  domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), "DELIVERED") || !strings.Contains(err.Error(), "PROCESSING") {
		t.Fatalf("expected both states in the message, got %q", err.Error())
	}
}

func TestUpdateStatusSameStatusIsNoOp(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.Status = domain.OrderStatusDelivered
	})

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_seed",
		Target:  domain.OrderStatusDelivered,
		ActorID: "admin_1",
	})
	if err != nil {
		t.Fatalf("repeated status update failed: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", order.Status)
	}
	if len(f.orders.updates) != 0 {
		t.Fatal("repeating the current status must not write the order")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("repeating the current status must not publish events, got %v", f.events.eventTypes())
	}
}

func TestUpdateStatusRaceLoserRejectedInClaim(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, nil)

	// A rival request moves the order to DELIVERED after the advisory read;
	// the transactional re-check must reject the now-illegal transition.
	f.uow.before = func() {
		rival := f.orders.orders["ord_seed"]
		rival.Status = domain.OrderStatusDelivered
		f.orders.orders["ord_seed"] = rival
	}

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_seed",
		Target:  domain.OrderStatusProcessing,
		ActorID: "admin_1",
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
	if len(f.orders.updates) != 0 {
		t.Fatal("race loser must not write the order")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("race loser must not publish events, got %v", f.events.eventTypes())
	}
}

func TestUpdateStatusTransitionTableExhaustive(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				f := newOrderFixture(t)
				f.seedOrder(t, func(o *Order) {
					o.Status = from
				})

				order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
					OrderID: "ord_seed",
					Target:  to,
					ActorID: "admin_1",
				})

				switch {
				case from == to && from != domain.OrderStatusCancelled:
					// Idempotent no-op for admin retries.
					if err != nil {
						t.Fatalf("expected no-op, got %v", err)
					}
					if len(f.orders.updates) != 0 {
						t.Fatal("no-op must not write the order")
					}
				case slices.Contains(orderStateTransitions[from], to):
					if err != nil {
						t.Fatalf("expected legal transition, got %v", err)
					}
					if order.Status != to {
						t.Fatalf("expected %s, got %s", to, order.Status)
					}
				default:
					if !errors.Is(err, ErrOrderInvalidTransition) {
						t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
					}
					stored, findErr := f.orders.FindByID(context.Background(), "ord_seed")
					if findErr != nil {
						t.Fatalf("order lookup failed: %v", findErr)
					}
					if stored.Status != from {
						t.Fatalf("rejected transition must not mutate, got %s", stored.Status)
					}
				}
			})
		}
	}
}

func TestUpdateStatusToCancelledRunsCancelSideEffects(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, func(o *Order) {
		o.PaymentStatus = domain.PaymentStatusPaid
		o.PaymentIntentID = valuePtr("order_rzp_1")
		o.PaymentTransactionID = valuePtr("pay_abc")
	})

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_seed",
		Target:  domain.OrderStatusCancelled,
		ActorID: "admin_1",
	})
	if err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
	if len(f.gateway.refundedReqs) != 1 {
		t.Fatal("expected refund through the cancel path")
	}
	if len(f.products.restored) != 1 {
		t.Fatal("expected stock restore through the cancel path")
	}
}

func TestUpdateStatusRejectsUnknownTarget(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, nil)

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_seed",
		Target:  domain.OrderStatus("MISPLACED"),
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

// Reads ----------------------------------------------------------------------

func TestGetOrderScrubsFailedShipmentForCustomers(t *testing.T) {
	f := newOrderFixture(t)
	failedAt := orderTestClock()
	f.seedOrder(t, func(o *Order) {
		o.Shipment = &ShipmentRecord{
			Provider: "shiprocket",
			Failed:   true,
			Error:    "pickup location not serviceable",
			FailedAt: &failedAt,
		}
	})

	customerView, err := f.svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_seed", UserID: "user_1"})
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if customerView.Shipment != nil {
		t.Fatal("customer view must not expose the failed shipment record")
	}

	adminView, err := f.svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_seed", Admin: true})
	if err != nil {
		t.Fatalf("admin get order failed: %v", err)
	}
	if adminView.Shipment == nil || adminView.Shipment.Error == "" {
		t.Fatal("admin view must expose the failure details")
	}
}

func TestGetOrderForeignOrderReadsAsNotFound(t *testing.T) {
	f := newOrderFixture(t)
	f.seedOrder(t, nil)

	_, err := f.svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_seed", UserID: "user_2"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestListOrdersScrubsForUserScopedFilter(t *testing.T) {
	f := newOrderFixture(t)
	failedAt := orderTestClock()
	f.seedOrder(t, func(o *Order) {
		o.Shipment = &ShipmentRecord{Provider: "shiprocket", Failed: true, Error: "boom", FailedAt: &failedAt}
	})

	page, err := f.svc.ListOrders(context.Background(), OrderListFilter{UserID: "user_1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one order, got %d", len(page.Items))
	}
	if page.Items[0].Shipment != nil {
		t.Fatal("user-scoped listing must scrub failed shipments")
	}

	adminPage, err := f.svc.ListOrders(context.Background(), OrderListFilter{})
	if err != nil {
		t.Fatalf("admin list failed: %v", err)
	}
	if adminPage.Items[0].Shipment == nil {
		t.Fatal("admin listing keeps the failure record")
	}
}
