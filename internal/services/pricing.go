package services

import (
	"errors"
	"fmt"
	"strings"

	domain "github.com/bookline/api/internal/domain"
)

// ErrPricingInvalidInput signals a malformed pricing request.
var ErrPricingInvalidInput = errors.New("pricing: invalid input")

// UnitPrice resolves the effective unit price for a product in paise. Ebook
// lines fall back through EbookDiscountedPrice, EbookPrice, and finally the
// physical list price. Physical lines use DiscountedPrice when present.
func UnitPrice(p domain.Product, isEbook bool) int64 {
	if isEbook {
		if p.EbookDiscountedPrice != nil {
			return *p.EbookDiscountedPrice
		}
		if p.EbookPrice != nil {
			return *p.EbookPrice
		}
		return p.Price
	}
	if p.DiscountedPrice != nil {
		return *p.DiscountedPrice
	}
	return p.Price
}

// PriceQuote is the priced snapshot of a set of requested lines.
type PriceQuote struct {
	Lines       []OrderLineItem
	Subtotal    int64
	ShippingFee int64
	HasPhysical bool
}

// Total returns the amount payable before discounts.
func (q PriceQuote) Total() int64 {
	return q.Subtotal + q.ShippingFee
}

// Pricer converts requested lines into priced order lines using catalog snapshots.
// A flat shipping fee applies when at least one physical line is present; orders
// at or above the free shipping threshold ship free.
type Pricer struct {
	shippingFee           int64
	freeShippingThreshold int64
}

// NewPricer constructs a Pricer. A zero threshold disables free shipping.
func NewPricer(shippingFee, freeShippingThreshold int64) *Pricer {
	if shippingFee < 0 {
		shippingFee = 0
	}
	if freeShippingThreshold < 0 {
		freeShippingThreshold = 0
	}
	return &Pricer{
		shippingFee:           shippingFee,
		freeShippingThreshold: freeShippingThreshold,
	}
}

// Quote prices the requested lines against the supplied product snapshots.
func (p *Pricer) Quote(items []OrderItemInput, products map[string]domain.Product) (PriceQuote, error) {
	if p == nil {
		return PriceQuote{}, errors.New("pricing: pricer is nil")
	}
	if len(items) == 0 {
		return PriceQuote{}, fmt.Errorf("%w: at least one item is required", ErrPricingInvalidInput)
	}

	quote := PriceQuote{Lines: make([]OrderLineItem, 0, len(items))}
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return PriceQuote{}, fmt.Errorf("%w: product id is required", ErrPricingInvalidInput)
		}
		if item.Quantity <= 0 {
			return PriceQuote{}, fmt.Errorf("%w: quantity for %s must be positive", ErrPricingInvalidInput, productID)
		}
		product, ok := products[productID]
		if !ok {
			return PriceQuote{}, fmt.Errorf("%w: unknown product %s", ErrPricingInvalidInput, productID)
		}

		unit := UnitPrice(product, item.IsEbook)
		line := OrderLineItem{
			ProductID: productID,
			Title:     product.Title,
			Quantity:  item.Quantity,
			UnitPrice: unit,
			IsEbook:   item.IsEbook,
			Total:     unit * int64(item.Quantity),
		}
		quote.Lines = append(quote.Lines, line)
		quote.Subtotal += line.Total
		if !item.IsEbook {
			quote.HasPhysical = true
		}
	}

	if quote.HasPhysical {
		quote.ShippingFee = p.shippingFee
		if p.freeShippingThreshold > 0 && quote.Subtotal >= p.freeShippingThreshold {
			quote.ShippingFee = 0
		}
	}
	return quote, nil
}
