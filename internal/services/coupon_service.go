package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bookline/api/internal/repositories"
)

// CouponServiceDeps bundles dependencies required to construct a CouponService implementation.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
}

type couponService struct {
	repo  repositories.CouponRepository
	clock func() time.Time
}

// NewCouponService wires a CouponService backed by the provided repository.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, ErrCouponRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &couponService{
		repo:  deps.Coupons,
		clock: func() time.Time { return clock().UTC() },
	}, nil
}

// Validate checks a coupon against the given subtotal and the categories present in
// the order, and returns the discount it would grant. It never mutates the coupon;
// redemption happens inside the order placement transaction.
func (s *couponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponQuote, error) {
	if s == nil || s.repo == nil {
		return CouponQuote{}, ErrCouponRepositoryMissing
	}

	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return CouponQuote{}, ErrCouponInvalidCode
	}
	if cmd.Subtotal < 0 {
		return CouponQuote{}, fmt.Errorf("%w: negative subtotal", ErrCouponInvalidCode)
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if repoErr, ok := err.(repositories.RepositoryError); ok && repoErr.IsNotFound() {
			return CouponQuote{}, ErrCouponNotFound
		}
		return CouponQuote{}, err
	}

	if !coupon.IsActive {
		return CouponQuote{}, ErrCouponDisabled
	}
	now := s.clock()
	if (!coupon.StartsAt.IsZero() && now.Before(coupon.StartsAt)) ||
		(!coupon.EndsAt.IsZero() && now.After(coupon.EndsAt)) {
		return CouponQuote{}, ErrCouponNotActive
	}
	if coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit {
		return CouponQuote{}, ErrCouponLimitReached
	}
	if coupon.MinOrderValue > 0 && cmd.Subtotal < coupon.MinOrderValue {
		return CouponQuote{}, fmt.Errorf("%w: minimum order value is %d", ErrCouponBelowMinimum, coupon.MinOrderValue)
	}
	if coupon.CategoryID != nil && !containsString(cmd.CategoryIDs, *coupon.CategoryID) {
		return CouponQuote{}, ErrCouponCategoryMismatch
	}

	discount := cmd.Subtotal * int64(coupon.DiscountPercent) / 100
	if coupon.MaxDiscount > 0 && discount > coupon.MaxDiscount {
		discount = coupon.MaxDiscount
	}
	return CouponQuote{
		CouponID: coupon.ID,
		Code:     coupon.Code,
		Discount: discount,
	}, nil
}

// Release hands back one redemption, used when a placed order is voided or cancelled.
func (s *couponService) Release(ctx context.Context, couponID string) error {
	if s == nil || s.repo == nil {
		return ErrCouponRepositoryMissing
	}
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return fmt.Errorf("%w: coupon id is required", ErrCouponInvalidCode)
	}
	if err := s.repo.ReleaseUsage(ctx, couponID); err != nil {
		if repoErr, ok := err.(repositories.RepositoryError); ok && repoErr.IsNotFound() {
			return ErrCouponNotFound
		}
		return err
	}
	return nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
