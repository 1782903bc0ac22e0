package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/bookline/api/internal/domain"
)

type stubCouponRepo struct {
	coupons      map[string]domain.Coupon
	findErr      error
	releasedIDs  []string
	releaseErr   error
	lastFindCode string
}

func (r *stubCouponRepo) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	r.lastFindCode = code
	if r.findErr != nil {
		return domain.Coupon{}, r.findErr
	}
	coupon, ok := r.coupons[code]
	if !ok {
		return domain.Coupon{}, &stubCouponRepoError{notFound: true}
	}
	return coupon, nil
}

func (r *stubCouponRepo) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	for _, coupon := range r.coupons {
		if coupon.ID == couponID {
			return coupon, nil
		}
	}
	return domain.Coupon{}, &stubCouponRepoError{notFound: true}
}

func (r *stubCouponRepo) ReleaseUsage(ctx context.Context, couponID string) error {
	if r.releaseErr != nil {
		return r.releaseErr
	}
	r.releasedIDs = append(r.releasedIDs, couponID)
	return nil
}

type stubCouponRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubCouponRepoError) Error() string      { return "stub coupon repo error" }
func (e *stubCouponRepoError) IsNotFound() bool   { return e.notFound }
func (e *stubCouponRepoError) IsConflict() bool   { return e.conflict }
func (e *stubCouponRepoError) IsUnavailable() bool {
	return e.unavailable
}

func couponTestClock() time.Time {
	return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
}

func newActiveCoupon() domain.Coupon {
	return domain.Coupon{
		ID:              "cpn_1",
		Code:            "WELCOME10",
		DiscountPercent: 10,
		MaxDiscount:     15000,
		MinOrderValue:   50000,
		UsageLimit:      100,
		UsedCount:       5,
		IsActive:        true,
		StartsAt:        time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:          time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

func newCouponServiceForTest(t *testing.T, repo *stubCouponRepo) CouponService {
	t.Helper()
	svc, err := NewCouponService(CouponServiceDeps{Coupons: repo, Clock: couponTestClock})
	if err != nil {
		t.Fatalf("build coupon service: %v", err)
	}
	return svc
}

func TestCouponValidateAppliesPercentDiscount(t *testing.T) {
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{"WELCOME10": newActiveCoupon()}}
	svc := newCouponServiceForTest(t, repo)

	quote, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: " welcome10 ", Subtotal: 80000})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if repo.lastFindCode != "WELCOME10" {
		t.Fatalf("expected normalised code lookup, got %q", repo.lastFindCode)
	}
	if quote.CouponID != "cpn_1" {
		t.Fatalf("unexpected coupon id %q", quote.CouponID)
	}
	if quote.Discount != 8000 {
		t.Fatalf("expected discount 8000, got %d", quote.Discount)
	}
}

func TestCouponValidateCapsDiscount(t *testing.T) {
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{"WELCOME10": newActiveCoupon()}}
	svc := newCouponServiceForTest(t, repo)

	quote, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "WELCOME10", Subtotal: 500000})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if quote.Discount != 15000 {
		t.Fatalf("expected discount capped at 15000, got %d", quote.Discount)
	}
}

func TestCouponValidateRejections(t *testing.T) {
	expired := newActiveCoupon()
	expired.EndsAt = time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)

	future := newActiveCoupon()
	future.StartsAt = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	disabled := newActiveCoupon()
	disabled.IsActive = false

	exhausted := newActiveCoupon()
	exhausted.UsedCount = exhausted.UsageLimit

	category := "cat_fiction"
	scoped := newActiveCoupon()
	scoped.CategoryID = &category

	cases := []struct {
		name   string
		coupon domain.Coupon
		cmd    ValidateCouponCommand
		want   error
	}{
		{name: "expired", coupon: expired, cmd: ValidateCouponCommand{Code: "WELCOME10", Subtotal: 80000}, want: ErrCouponNotActive},
		{name: "not started", coupon: future, cmd: ValidateCouponCommand{Code: "WELCOME10", Subtotal: 80000}, want: ErrCouponNotActive},
		{name: "disabled", coupon: disabled, cmd: ValidateCouponCommand{Code: "WELCOME10", Subtotal: 80000}, want: ErrCouponDisabled},
		{name: "limit reached", coupon: exhausted, cmd: ValidateCouponCommand{Code: "WELCOME10", Subtotal: 80000}, want: ErrCouponLimitReached},
		{name: "below minimum", coupon: newActiveCoupon(), cmd: ValidateCouponCommand{Code: "WELCOME10", Subtotal: 40000}, want: ErrCouponBelowMinimum},
		{name: "category mismatch", coupon: scoped, cmd: ValidateCouponCommand{Code: "WELCOME10", Subtotal: 80000, CategoryIDs: []string{"cat_tech"}}, want: ErrCouponCategoryMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubCouponRepo{coupons: map[string]domain.Coupon{"WELCOME10": tc.coupon}}
			svc := newCouponServiceForTest(t, repo)

			_, err := svc.Validate(context.Background(), tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCouponValidateDiscountEqualsCap(t *testing.T) {
	coupon := newActiveCoupon()
	coupon.Code = "SAVE10"
	coupon.MaxDiscount = 100
	coupon.MinOrderValue = 200
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{"SAVE10": coupon}}
	svc := newCouponServiceForTest(t, repo)

	quote, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "SAVE10", Subtotal: 1000})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if quote.Discount != 100 {
		t.Fatalf("expected discount 100, got %d", quote.Discount)
	}
}

func TestCouponValidateBelowMinimumMessageNamesMinimum(t *testing.T) {
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{"WELCOME10": newActiveCoupon()}}
	svc := newCouponServiceForTest(t, repo)

	_, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "WELCOME10", Subtotal: 1})
	if !errors.Is(err, ErrCouponBelowMinimum) {
		t.Fatalf("expected ErrCouponBelowMinimum, got %v", err)
	}
	if !strings.Contains(err.Error(), "50000") {
		t.Fatalf("expected minimum in message, got %q", err.Error())
	}
}

func TestCouponValidateCategoryMatchAllowed(t *testing.T) {
	category := "cat_fiction"
	coupon := newActiveCoupon()
	coupon.CategoryID = &category
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{"WELCOME10": coupon}}
	svc := newCouponServiceForTest(t, repo)

	quote, err := svc.Validate(context.Background(), ValidateCouponCommand{
		Code:        "WELCOME10",
		Subtotal:    80000,
		CategoryIDs: []string{"cat_tech", "cat_fiction"},
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if quote.Discount != 8000 {
		t.Fatalf("expected discount 8000, got %d", quote.Discount)
	}
}

func TestCouponValidateUnknownCode(t *testing.T) {
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{}}
	svc := newCouponServiceForTest(t, repo)

	if _, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "NOPE", Subtotal: 80000}); !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
	if _, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "  ", Subtotal: 80000}); !errors.Is(err, ErrCouponInvalidCode) {
		t.Fatalf("expected ErrCouponInvalidCode, got %v", err)
	}
}

func TestCouponRelease(t *testing.T) {
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{"WELCOME10": newActiveCoupon()}}
	svc := newCouponServiceForTest(t, repo)

	if err := svc.Release(context.Background(), "cpn_1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if len(repo.releasedIDs) != 1 || repo.releasedIDs[0] != "cpn_1" {
		t.Fatalf("expected release of cpn_1, got %v", repo.releasedIDs)
	}

	repo.releaseErr = &stubCouponRepoError{notFound: true}
	if err := svc.Release(context.Background(), "cpn_missing"); !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
}
