package services

import "errors"

var (
	// ErrCouponRepositoryMissing indicates the coupon repository dependency is absent.
	ErrCouponRepositoryMissing = errors.New("coupon service: repository is not configured")
	// ErrCouponInvalidCode signals the supplied coupon code is missing or blank.
	ErrCouponInvalidCode = errors.New("coupon service: invalid coupon code")
	// ErrCouponNotFound indicates no coupon exists for the provided code.
	ErrCouponNotFound = errors.New("coupon service: coupon not found")
	// ErrCouponNotActive indicates the coupon is outside its validity window.
	ErrCouponNotActive = errors.New("coupon service: coupon is not active")
	// ErrCouponDisabled indicates the coupon has been switched off.
	ErrCouponDisabled = errors.New("coupon service: coupon is disabled")
	// ErrCouponLimitReached indicates the coupon redemption limit is exhausted.
	ErrCouponLimitReached = errors.New("coupon service: coupon usage limit reached")
	// ErrCouponBelowMinimum indicates the order subtotal is under the coupon minimum.
	ErrCouponBelowMinimum = errors.New("coupon service: order below coupon minimum")
	// ErrCouponCategoryMismatch indicates no item in the order matches the coupon category.
	ErrCouponCategoryMismatch = errors.New("coupon service: no eligible items for coupon")
)
