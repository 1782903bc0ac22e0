package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/repositories"
)

const maxCartLineQuantity = 50

var (
	// ErrCartInvalidInput signals a malformed cart mutation.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartUnknownProduct indicates a cart line references a product that does not exist.
	ErrCartUnknownProduct = errors.New("cart: unknown product")
)

// CartServiceDeps bundles dependencies for the cart service.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Products repositories.ProductRepository
	Clock    func() time.Time
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	clock    func() time.Time
}

// NewCartService wires a CartService backed by the provided repositories.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		clock:    func() time.Time { return clock().UTC() },
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	return s.carts.GetCart(ctx, userID)
}

// ReplaceItems swaps the entire cart contents. Lines for the same product and
// edition are merged; the stored cart is the response.
func (s *cartService) ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	type lineKey struct {
		productID string
		isEbook   bool
	}
	merged := make(map[lineKey]int, len(cmd.Items))
	order := make([]lineKey, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
		}
		if item.Quantity <= 0 || item.Quantity > maxCartLineQuantity {
			return Cart{}, fmt.Errorf("%w: quantity for %s must be between 1 and %d", ErrCartInvalidInput, productID, maxCartLineQuantity)
		}
		key := lineKey{productID: productID, isEbook: item.IsEbook}
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] += item.Quantity
	}

	if len(order) > 0 {
		ids := make([]string, 0, len(order))
		seen := make(map[string]bool, len(order))
		for _, key := range order {
			if !seen[key.productID] {
				seen[key.productID] = true
				ids = append(ids, key.productID)
			}
		}
		products, err := s.products.FindByIDs(ctx, ids)
		if err != nil {
			return Cart{}, err
		}
		for _, id := range ids {
			if _, ok := products[id]; !ok {
				return Cart{}, fmt.Errorf("%w: %s", ErrCartUnknownProduct, id)
			}
		}
	}

	now := s.clock()
	items := make([]domain.CartItem, 0, len(order))
	for _, key := range order {
		items = append(items, domain.CartItem{
			ProductID: key.productID,
			Quantity:  merged[key],
			IsEbook:   key.isEbook,
			AddedAt:   now,
		})
	}
	return s.carts.ReplaceItems(ctx, userID, items)
}

func (s *cartService) Clear(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	return s.carts.Clear(ctx, userID)
}
