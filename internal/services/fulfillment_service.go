package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/fulfillment"
	"github.com/bookline/api/internal/repositories"
)

const orderEventShipmentFailed = "order.shipment.failed"

// FulfillmentServiceDeps bundles collaborators for the async shipment dispatcher.
type FulfillmentServiceDeps struct {
	Courier  fulfillment.Courier
	Orders   repositories.OrderRepository
	Events   OrderEventPublisher
	Provider string
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	courier  fulfillment.Courier
	orders   repositories.OrderRepository
	events   OrderEventPublisher
	provider string
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
	wg       sync.WaitGroup
}

// NewFulfillmentService wires the shipment dispatcher. Dispatch runs each
// shipment in its own goroutine; Wait blocks until all in-flight dispatches
// have settled, which graceful shutdown relies on.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Courier == nil {
		return nil, errors.New("fulfillment service: courier is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
	}

	provider := deps.Provider
	if provider == "" {
		provider = "shiprocket"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &fulfillmentService{
		courier:  deps.Courier,
		orders:   deps.Orders,
		events:   deps.Events,
		provider: provider,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *fulfillmentService) Dispatch(ctx context.Context, order Order) {
	items := order.PhysicalItems()
	if len(items) == 0 || order.ShippingAddress == nil {
		s.logger(ctx, "fulfillment.dispatch.skipped", map[string]any{
			"order": order.ID,
		})
		return
	}

	s.wg.Add(1)
	// The request context ends when the HTTP response is written; the
	// shipment must outlive it.
	go func(ctx context.Context) {
		defer s.wg.Done()
		s.process(ctx, order, items)
	}(context.WithoutCancel(ctx))
}

func (s *fulfillmentService) Wait() {
	s.wg.Wait()
}

func (s *fulfillmentService) process(ctx context.Context, order Order, items []OrderLineItem) {
	req := fulfillment.ShipmentRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		OrderDate:     order.CreatedAt,
		PaymentMethod: string(order.PaymentMethod),
		Subtotal:      order.Totals.Total,
		CustomerName:  order.ShippingAddress.Name,
		Phone:         order.ShippingAddress.Phone,
		Street:        order.ShippingAddress.Street,
		City:          order.ShippingAddress.City,
		State:         order.ShippingAddress.State,
		Pincode:       order.ShippingAddress.Pincode,
	}
	for _, item := range items {
		req.Items = append(req.Items, fulfillment.ShipmentItem{
			Name:      item.Title,
			SKU:       item.ProductID,
			Units:     item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	shipment, err := s.courier.CreateShipment(ctx, req)
	now := s.clock()

	record := domain.ShipmentRecord{
		Provider:  s.provider,
		CreatedAt: now,
	}
	if err != nil {
		record.Failed = true
		record.Error = err.Error()
		record.FailedAt = &now
		s.logger(ctx, "fulfillment.dispatch.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		s.publishFailure(ctx, order)
	} else {
		record.Provider = shipment.Provider
		record.Status = shipment.Status
		record.TrackingID = shipment.ShipmentID
		record.TrackingURL = shipment.TrackingURL
		record.RemoteOrderID = shipment.RemoteOrderID
		record.RemoteAWB = shipment.AWB
		s.logger(ctx, "fulfillment.dispatch.succeeded", map[string]any{
			"order":  order.ID,
			"remote": shipment.RemoteOrderID,
			"awb":    shipment.AWB,
		})
	}

	s.record(ctx, order.ID, record, now)
}

// record attaches the shipment outcome to the freshest copy of the order so a
// concurrent status change is not clobbered. The order status itself is never
// touched here.
func (s *fulfillmentService) record(ctx context.Context, orderID string, record domain.ShipmentRecord, now time.Time) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.logger(ctx, "fulfillment.record.failed", map[string]any{
			"order": orderID,
			"step":  "load",
			"error": err.Error(),
		})
		return
	}
	order.Shipment = &record
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "fulfillment.record.failed", map[string]any{
			"order": orderID,
			"step":  "update",
			"error": err.Error(),
		})
	}
}

func (s *fulfillmentService) publishFailure(ctx context.Context, order Order) {
	if s.events == nil {
		return
	}
	msg := OrderEventMessage{
		Type:        orderEventShipmentFailed,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		OccurredAt:  s.clock(),
	}
	if _, err := s.events.PublishOrderEvent(ctx, msg); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  orderEventShipmentFailed,
			"order": order.ID,
			"error": err.Error(),
		})
	}
}
