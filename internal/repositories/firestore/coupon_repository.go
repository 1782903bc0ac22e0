package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/bookline/api/internal/domain"
	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/repositories"
)

const couponsCollection = "coupons"

// CouponRepository maintains coupon definitions. Redemption counting happens
// inside the order placement transaction; this repository only handles lookups
// and the compensating release when a placed order is voided.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		provider: provider,
		coupons:  pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection),
	}, nil
}

// FindByCode resolves a coupon by its uppercase code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon code is required", nil)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}

	iter := client.Collection(couponsCollection).Where("code", "==", code).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", code), nil)
	}
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}

	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// FindByID loads a coupon document by its identifier.
func (r *CouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon id is required", nil)
	}

	doc, err := r.coupons.Get(ctx, couponID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", couponID), err)
		}
		return domain.Coupon{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ReleaseUsage decrements the coupon's redemption counter, flooring at zero.
func (r *CouponRepository) ReleaseUsage(ctx context.Context, couponID string) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon id is required", nil)
	}

	now := time.Now().UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.coupons.DocumentRef(ctx, couponID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", couponID), err)
			}
			return err
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode coupon %s: %w", couponID, err)
		}
		if doc.UsedCount > 0 {
			doc.UsedCount--
		}
		doc.UpdatedAt = now
		return tx.Set(ref, doc)
	})
	if err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			if couponErr.Op == "" {
				couponErr.Op = "coupons.releaseUsage"
			}
			return couponErr
		}
		return pfirestore.WrapError("coupons.releaseUsage", err)
	}
	return nil
}

type couponDocument struct {
	Code            string    `firestore:"code"`
	DiscountPercent int       `firestore:"discountPercent"`
	MaxDiscount     int64     `firestore:"maxDiscount"`
	MinOrderValue   int64     `firestore:"minOrderValue"`
	UsageLimit      int       `firestore:"usageLimit"`
	UsedCount       int       `firestore:"usedCount"`
	IsActive        bool      `firestore:"isActive"`
	StartsAt        time.Time `firestore:"startsAt"`
	EndsAt          time.Time `firestore:"endsAt"`
	CategoryID      string    `firestore:"categoryId,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	coupon := domain.Coupon{
		ID:              id,
		Code:            strings.ToUpper(strings.TrimSpace(d.Code)),
		DiscountPercent: d.DiscountPercent,
		MaxDiscount:     d.MaxDiscount,
		MinOrderValue:   d.MinOrderValue,
		UsageLimit:      d.UsageLimit,
		UsedCount:       d.UsedCount,
		IsActive:        d.IsActive,
		StartsAt:        d.StartsAt,
		EndsAt:          d.EndsAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if trimmed := strings.TrimSpace(d.CategoryID); trimmed != "" {
		coupon.CategoryID = &trimmed
	}
	return coupon
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
