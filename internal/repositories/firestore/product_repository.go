package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/bookline/api/internal/domain"
	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads catalog documents and compensates stock after
// cancellations. The order core never mutates catalog fields other than stock.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
	}, nil
}

// FindByID loads a single product document.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product find: product id is required")
	}

	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIDs batch-loads the requested products. Missing IDs are simply absent
// from the result map; callers decide whether that is an error.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, client.Collection(productsCollection).Doc(id))
	}
	if len(refs) == 0 {
		return map[string]domain.Product{}, nil
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	out := make(map[string]domain.Product, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		out[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return out, nil
}

// RestoreStock adds the given quantities back to each product inside a single
// transaction. Used when cancelling orders or voiding failed placements.
func (r *ProductRepository) RestoreStock(ctx context.Context, increments map[string]int) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(increments) == 0 {
		return nil
	}

	now := time.Now().UTC()
	productIDs := make([]string, 0, len(increments))
	for id := range increments {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type write struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		writes := make([]write, 0, len(productIDs))

		for _, productID := range productIDs {
			qty := increments[productID]
			if qty <= 0 {
				return repositories.NewStockError(repositories.StockErrorUnknown, productID, fmt.Sprintf("restore stock: quantity for %s must be > 0", productID), nil)
			}
			ref, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
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
			doc.Stock += qty
			doc.UpdatedAt = now
			writes = append(writes, write{ref: ref, doc: doc})
		}

		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			if stockErr.Op == "" {
				stockErr.Op = "products.restoreStock"
			}
			return stockErr
		}
		return pfirestore.WrapError("products.restoreStock", err)
	}
	return nil
}

type productDocument struct {
	Title                string    `firestore:"title"`
	CategoryID           string    `firestore:"categoryId"`
	Price                int64     `firestore:"price"`
	DiscountedPrice      *int64    `firestore:"discountedPrice,omitempty"`
	EbookPrice           *int64    `firestore:"ebookPrice,omitempty"`
	EbookDiscountedPrice *int64    `firestore:"ebookDiscountedPrice,omitempty"`
	Stock                int       `firestore:"stock"`
	UpdatedAt            time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:                   id,
		Title:                d.Title,
		CategoryID:           d.CategoryID,
		Price:                d.Price,
		DiscountedPrice:      d.DiscountedPrice,
		EbookPrice:           d.EbookPrice,
		EbookDiscountedPrice: d.EbookDiscountedPrice,
		Stock:                d.Stock,
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
