package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/bookline/api/internal/domain"
	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/repositories"
)

const cartsCollection = "carts"

// CartRepository persists one cart document per user, items embedded.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base: pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection),
	}, nil
}

// GetCart loads the cart for the given user. A missing document is an empty cart.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Cart{UserID: uid, Items: []domain.CartItem{}}, nil
		}
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ReplaceItems overwrites the cart's item list for the user.
func (r *CartRepository) ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := time.Now().UTC()
	doc := cartDocument{
		Items:     make([]cartItemDocument, 0, len(items)),
		UpdatedAt: now,
	}
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" || item.Quantity <= 0 {
			continue
		}
		addedAt := item.AddedAt.UTC()
		if addedAt.IsZero() {
			addedAt = now
		}
		doc.Items = append(doc.Items, cartItemDocument{
			ProductID: productID,
			Quantity:  item.Quantity,
			IsEbook:   item.IsEbook,
			AddedAt:   addedAt,
		})
	}

	if err := r.base.Set(ctx, uid, doc); err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(uid), nil
}

// Clear removes all items from the user's cart.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}

	doc := cartDocument{Items: []cartItemDocument{}, UpdatedAt: time.Now().UTC()}
	err := r.base.Set(ctx, uid, doc)
	return err
}

type cartDocument struct {
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string    `firestore:"productId"`
	Quantity  int       `firestore:"qty"`
	IsEbook   bool      `firestore:"isEbook"`
	AddedAt   time.Time `firestore:"addedAt"`
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			IsEbook:   item.IsEbook,
			AddedAt:   item.AddedAt,
		}
	}
	return domain.Cart{
		UserID:    userID,
		Items:     items,
		UpdatedAt: d.UpdatedAt,
	}
}

var _ repositories.CartRepository = (*CartRepository)(nil)
