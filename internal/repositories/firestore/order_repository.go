package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/bookline/api/internal/domain"
	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/platform/pagination"
	"github.com/bookline/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order documents in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	products *pfirestore.BaseRepository[productDocument]
	coupons  *pfirestore.BaseRepository[couponDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
		coupons:  pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection),
	}, nil
}

// Place atomically creates the order document, decrements physical stock for each
// line, and redeems the coupon. The coupon usage limit is re-checked inside the
// transaction so concurrent placements cannot oversubscribe it.
func (r *OrderRepository) Place(ctx context.Context, rec repositories.PlaceOrderRecord) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(rec.Order.ID) == "" {
		return errors.New("order place: order id is required")
	}

	now := rec.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, rec.Order.ID)
		if err != nil {
			return err
		}

		// All reads must precede writes in a Firestore transaction. Products are
		// visited in a stable order to avoid spurious aborts under contention.
		productIDs := make([]string, 0, len(rec.StockDecrements))
		for productID := range rec.StockDecrements {
			productIDs = append(productIDs, productID)
		}
		sort.Strings(productIDs)

		type stockWrite struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		stockWrites := make([]stockWrite, 0, len(productIDs))

		for _, productID := range productIDs {
			qty := rec.StockDecrements[productID]
			if qty <= 0 {
				return repositories.NewStockError(repositories.StockErrorUnknown, productID, fmt.Sprintf("order place: quantity for %s must be > 0", productID), nil)
			}
			productRef, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(productRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, productID, fmt.Sprintf("product %s not found", productID), err)
				}
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			if doc.Stock < qty {
				return repositories.NewStockError(repositories.StockErrorInsufficient, productID, fmt.Sprintf("insufficient stock for %s", productID), nil)
			}
			doc.Stock -= qty
			doc.UpdatedAt = now
			stockWrites = append(stockWrites, stockWrite{ref: productRef, doc: doc})
		}

		var (
			couponRef *firestore.DocumentRef
			coupon    couponDocument
		)
		if rec.CouponID != nil && strings.TrimSpace(*rec.CouponID) != "" {
			couponRef, err = r.coupons.DocumentRef(ctx, *rec.CouponID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(couponRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", *rec.CouponID), err)
				}
				return err
			}
			if err := snap.DataTo(&coupon); err != nil {
				return fmt.Errorf("decode coupon %s: %w", *rec.CouponID, err)
			}
			if coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit {
				return repositories.NewCouponError(repositories.CouponErrorExhausted, fmt.Sprintf("coupon %s usage limit reached", *rec.CouponID), nil)
			}
		}

		if couponRef != nil {
			coupon.UsedCount++
			coupon.UpdatedAt = now
			if err := tx.Set(couponRef, coupon); err != nil {
				return err
			}
		}
		for _, write := range stockWrites {
			if err := tx.Set(write.ref, write.doc); err != nil {
				return err
			}
		}

		doc := newOrderDocument(rec.Order)
		doc.CreatedAt = now
		doc.UpdatedAt = now
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		return nil
	})
	return wrapOrderError("orders.place", err)
}

// Update replaces the order document with the provided state.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: order id is required")
	}

	doc := newOrderDocument(order)
	doc.UpdatedAt = order.UpdatedAt.UTC()
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	err := r.orders.Set(ctx, order.ID, doc)
	return wrapOrderError("orders.update", err)
}

// Delete removes the order document. Used only by the voided-payment rollback.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("order delete: order id is required")
	}
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return wrapOrderError("orders.delete", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return wrapOrderError("orders.delete", err)
	}
	return nil
}

// FindByID loads a single order document.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns orders matching the filter, newest first, with cursor paging.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if uid := strings.TrimSpace(filter.UserID); uid != "" {
		query = query.Where("userId", "==", uid)
	}
	if len(filter.Status) == 1 {
		query = query.Where("status", "==", filter.Status[0])
	} else if len(filter.Status) > 1 {
		query = query.Where("status", "in", filter.Status)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}
	if len(cursor.StartAfter) > 0 {
		query = query.StartAfter(cursor.StartAfter...)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var (
		orders  []domain.Order
		lastRaw []any
	)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
		lastRaw = []any{doc.CreatedAt, snap.Ref.ID}
	}

	hasMore := len(orders) > pageSize
	var nextToken string
	if hasMore {
		orders = orders[:pageSize]
		last := orders[len(orders)-1]
		lastRaw = []any{last.CreatedAt, last.ID}
		nextToken, err = pagination.EncodeToken(pagination.Cursor{StartAfter: lastRaw})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Document schema -----------------------------------------------------------

type orderDocument struct {
	OrderNumber          string                `firestore:"orderNumber"`
	UserID               string                `firestore:"userId"`
	Status               string                `firestore:"status"`
	Currency             string                `firestore:"currency"`
	Subtotal             int64                 `firestore:"subtotal"`
	Discount             int64                 `firestore:"discount"`
	Shipping             int64                 `firestore:"shipping"`
	Total                int64                 `firestore:"total"`
	Items                []orderItemDocument   `firestore:"items"`
	ShippingAddress      *orderAddressDocument `firestore:"shippingAddress,omitempty"`
	PaymentMethod        string                `firestore:"paymentMethod"`
	PaymentStatus        string                `firestore:"paymentStatus"`
	CouponID             string                `firestore:"couponId,omitempty"`
	CouponCode           string                `firestore:"couponCode,omitempty"`
	PaymentIntentID      string                `firestore:"paymentIntentId,omitempty"`
	PaymentTransactionID string                `firestore:"paymentTransactionId,omitempty"`
	Shipment             *shipmentDocument     `firestore:"shipment,omitempty"`
	CreatedAt            time.Time             `firestore:"createdAt"`
	UpdatedAt            time.Time             `firestore:"updatedAt"`
	PaidAt               *time.Time            `firestore:"paidAt,omitempty"`
	ShippedAt            *time.Time            `firestore:"shippedAt,omitempty"`
	DeliveredAt          *time.Time            `firestore:"deliveredAt,omitempty"`
	CancelledAt          *time.Time            `firestore:"cancelledAt,omitempty"`
	CancelReason         string                `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Title     string `firestore:"title"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	IsEbook   bool   `firestore:"isEbook"`
	Total     int64  `firestore:"total"`
}

type orderAddressDocument struct {
	ID      string `firestore:"id,omitempty"`
	Name    string `firestore:"name"`
	Phone   string `firestore:"phone"`
	Street  string `firestore:"street"`
	City    string `firestore:"city"`
	State   string `firestore:"state"`
	Pincode string `firestore:"pincode"`
}

type shipmentDocument struct {
	TrackingID        string     `firestore:"trackingId,omitempty"`
	Provider          string     `firestore:"provider"`
	Status            string     `firestore:"status,omitempty"`
	TrackingURL       string     `firestore:"trackingUrl,omitempty"`
	RemoteOrderID     string     `firestore:"remoteOrderId,omitempty"`
	RemoteAWB         string     `firestore:"remoteAwb,omitempty"`
	EstimatedDelivery *time.Time `firestore:"estimatedDelivery,omitempty"`
	Failed            bool       `firestore:"failed"`
	Error             string     `firestore:"error,omitempty"`
	FailedAt          *time.Time `firestore:"failedAt,omitempty"`
	CreatedAt         time.Time  `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			IsEbook:   item.IsEbook,
			Total:     item.Total,
		}
	}

	doc := orderDocument{
		OrderNumber:          strings.TrimSpace(order.OrderNumber),
		UserID:               strings.TrimSpace(order.UserID),
		Status:               string(order.Status),
		Currency:             strings.ToUpper(strings.TrimSpace(order.Currency)),
		Subtotal:             order.Totals.Subtotal,
		Discount:             order.Totals.Discount,
		Shipping:             order.Totals.Shipping,
		Total:                order.Totals.Total,
		Items:                items,
		PaymentMethod:        string(order.PaymentMethod),
		PaymentStatus:        string(order.PaymentStatus),
		CreatedAt:            order.CreatedAt.UTC(),
		UpdatedAt:            order.UpdatedAt.UTC(),
		PaidAt:               order.PaidAt,
		ShippedAt:            order.ShippedAt,
		DeliveredAt:          order.DeliveredAt,
		CancelledAt:          order.CancelledAt,
	}
	if order.ShippingAddress != nil {
		doc.ShippingAddress = &orderAddressDocument{
			ID:      order.ShippingAddress.ID,
			Name:    order.ShippingAddress.Name,
			Phone:   order.ShippingAddress.Phone,
			Street:  order.ShippingAddress.Street,
			City:    order.ShippingAddress.City,
			State:   order.ShippingAddress.State,
			Pincode: order.ShippingAddress.Pincode,
		}
	}
	if order.CouponID != nil {
		doc.CouponID = strings.TrimSpace(*order.CouponID)
	}
	if order.CouponCode != nil {
		doc.CouponCode = strings.TrimSpace(*order.CouponCode)
	}
	if order.PaymentIntentID != nil {
		doc.PaymentIntentID = strings.TrimSpace(*order.PaymentIntentID)
	}
	if order.PaymentTransactionID != nil {
		doc.PaymentTransactionID = strings.TrimSpace(*order.PaymentTransactionID)
	}
	if order.CancelReason != nil {
		doc.CancelReason = strings.TrimSpace(*order.CancelReason)
	}
	if order.Shipment != nil {
		doc.Shipment = &shipmentDocument{
			TrackingID:        order.Shipment.TrackingID,
			Provider:          order.Shipment.Provider,
			Status:            order.Shipment.Status,
			TrackingURL:       order.Shipment.TrackingURL,
			RemoteOrderID:     order.Shipment.RemoteOrderID,
			RemoteAWB:         order.Shipment.RemoteAWB,
			EstimatedDelivery: order.Shipment.EstimatedDelivery,
			Failed:            order.Shipment.Failed,
			Error:             order.Shipment.Error,
			FailedAt:          order.Shipment.FailedAt,
			CreatedAt:         order.Shipment.CreatedAt.UTC(),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductID: item.ProductID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			IsEbook:   item.IsEbook,
			Total:     item.Total,
		}
	}

	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		Currency:    d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Subtotal,
			Discount: d.Discount,
			Shipping: d.Shipping,
			Total:    d.Total,
		},
		Items:         items,
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		PaidAt:        d.PaidAt,
		ShippedAt:     d.ShippedAt,
		DeliveredAt:   d.DeliveredAt,
		CancelledAt:   d.CancelledAt,
	}
	if d.ShippingAddress != nil {
		order.ShippingAddress = &domain.Address{
			ID:      d.ShippingAddress.ID,
			Name:    d.ShippingAddress.Name,
			Phone:   d.ShippingAddress.Phone,
			Street:  d.ShippingAddress.Street,
			City:    d.ShippingAddress.City,
			State:   d.ShippingAddress.State,
			Pincode: d.ShippingAddress.Pincode,
		}
	}
	if d.CouponID != "" {
		order.CouponID = stringPtr(d.CouponID)
	}
	if d.CouponCode != "" {
		order.CouponCode = stringPtr(d.CouponCode)
	}
	if d.PaymentIntentID != "" {
		order.PaymentIntentID = stringPtr(d.PaymentIntentID)
	}
	if d.PaymentTransactionID != "" {
		order.PaymentTransactionID = stringPtr(d.PaymentTransactionID)
	}
	if d.CancelReason != "" {
		order.CancelReason = stringPtr(d.CancelReason)
	}
	if d.Shipment != nil {
		order.Shipment = &domain.ShipmentRecord{
			TrackingID:        d.Shipment.TrackingID,
			Provider:          d.Shipment.Provider,
			Status:            d.Shipment.Status,
			TrackingURL:       d.Shipment.TrackingURL,
			RemoteOrderID:     d.Shipment.RemoteOrderID,
			RemoteAWB:         d.Shipment.RemoteAWB,
			EstimatedDelivery: d.Shipment.EstimatedDelivery,
			Failed:            d.Shipment.Failed,
			Error:             d.Shipment.Error,
			FailedAt:          d.Shipment.FailedAt,
			CreatedAt:         d.Shipment.CreatedAt,
		}
	}
	return order
}

func stringPtr(v string) *string { return &v }

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		if couponErr.Op == "" {
			couponErr.Op = op
		}
		return couponErr
	}
	return pfirestore.WrapError(op, err)
}
