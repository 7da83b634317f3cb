package coupon

import (
	"fmt"
	"math"
	"strings"
	"time"

	"vitrine/backend/internal/domain"
	"vitrine/backend/internal/store"
)

// Engine evaluates discount rules against a cart subtotal. It holds no state
// beyond a clock; both repository implementations call it from inside their
// transactions so the rules live in exactly one place.
type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: func() time.Time { return time.Now().UTC() }}
}

// NewEngineAt builds an engine with a fixed clock for tests.
func NewEngineAt(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Validate runs the eligibility checks in their fixed order: active, expiry
// (exchange codes are exempt), usage count, minimum subtotal, and for
// exchange codes ownership and single-use.
func (e *Engine) Validate(c domain.Coupon, subtotalCents int64, clientID string) error {
	if !c.Active {
		return fmt.Errorf("%w: %s is not active", store.ErrInvalidCoupon, c.Code)
	}
	if c.Kind != domain.CouponExchange && c.ExpiresAt != nil && e.now().After(*c.ExpiresAt) {
		return fmt.Errorf("%w: %s expired", store.ErrInvalidCoupon, c.Code)
	}
	if c.MaxUses > 0 && c.UsedCount >= c.MaxUses {
		return fmt.Errorf("%w: %s usage limit reached", store.ErrInvalidCoupon, c.Code)
	}
	if subtotalCents < c.MinSubtotalCents {
		return fmt.Errorf("%w: subtotal below minimum for %s", store.ErrInvalidCoupon, c.Code)
	}
	if c.Kind == domain.CouponExchange {
		if clientID == "" || c.ClientID != clientID {
			return fmt.Errorf("%w: %s belongs to another client", store.ErrInvalidCoupon, c.Code)
		}
		if c.Used {
			return fmt.Errorf("%w: %s", store.ErrCouponUsed, c.Code)
		}
	}
	return nil
}

// Discount computes a single coupon's discount against the given base. The
// result never exceeds the base and never goes negative.
func (e *Engine) Discount(c domain.Coupon, baseCents int64) int64 {
	if baseCents < 1 {
		return 0
	}

	var discount int64
	switch c.Kind {
	case domain.CouponPercentage, domain.CouponFinalCheckout:
		discount = int64(math.Round(float64(baseCents) * c.Percent / 100))
		if c.MaxDiscountCents > 0 && discount > c.MaxDiscountCents {
			discount = c.MaxDiscountCents
		}
	case domain.CouponFixed, domain.CouponExchange:
		discount = c.ValueCents
	}

	if discount < 0 {
		return 0
	}
	if discount > baseCents {
		return baseCents
	}
	return discount
}

// Apply validates and stacks a set of coupons against the subtotal. Regular
// coupons (percentage, fixed, exchange) discount the raw subtotal; any
// FINAL_CHECKOUT coupons run as a second pass against the already-discounted
// total, which is a materially different base. The combined discount is
// clamped to the subtotal, and no code may appear twice.
func (e *Engine) Apply(coupons []domain.Coupon, subtotalCents int64, clientID string) (int64, error) {
	seen := make(map[string]struct{}, len(coupons))
	for _, c := range coupons {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if _, dup := seen[code]; dup {
			return 0, fmt.Errorf("%w: %s applied twice", store.ErrInvalidCoupon, c.Code)
		}
		seen[code] = struct{}{}
		if err := e.Validate(c, subtotalCents, clientID); err != nil {
			return 0, err
		}
	}

	var regular int64
	for _, c := range coupons {
		if c.Kind == domain.CouponFinalCheckout {
			continue
		}
		regular += e.Discount(c, subtotalCents)
	}
	if regular > subtotalCents {
		regular = subtotalCents
	}

	total := regular
	remaining := subtotalCents - regular
	for _, c := range coupons {
		if c.Kind != domain.CouponFinalCheckout {
			continue
		}
		final := e.Discount(c, remaining)
		total += final
		remaining -= final
	}
	if total > subtotalCents {
		total = subtotalCents
	}
	return total, nil
}
