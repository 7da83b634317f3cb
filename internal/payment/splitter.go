package payment

import (
	"fmt"

	"vitrine/backend/internal/domain"
	"vitrine/backend/internal/store"
)

// ToleranceCents bounds the acceptable gap between the payment sum and the
// order total: the sum is valid only when the gap is strictly below it. At 1
// cent this means integer amounts must match the total exactly; the bound
// only absorbs sub-cent rounding from currency conversion upstream.
const ToleranceCents int64 = 1

// Validate checks a payment descriptor against the order total and the
// client's stored cards. ONE requires a single resolvable card matching the
// total; TWO requires two distinct resolvable cards with strictly positive
// amounts summing to the total. Any violation is ErrInvalidPayment and the
// order must not be created.
func Validate(p domain.PaymentRequest, totalCents int64, cards []domain.Card) error {
	switch p.Kind {
	case domain.PaymentOne:
		if len(p.Entries) != 1 {
			return fmt.Errorf("%w: ONE requires exactly one entry", store.ErrInvalidPayment)
		}
	case domain.PaymentTwo:
		if len(p.Entries) != 2 {
			return fmt.Errorf("%w: TWO requires exactly two entries", store.ErrInvalidPayment)
		}
		if p.Entries[0].CardID == p.Entries[1].CardID {
			return fmt.Errorf("%w: TWO requires two distinct cards", store.ErrInvalidPayment)
		}
		for _, entry := range p.Entries {
			if entry.AmountCents < 1 {
				return fmt.Errorf("%w: split amounts must be positive", store.ErrInvalidPayment)
			}
		}
	default:
		return fmt.Errorf("%w: unknown payment kind %q", store.ErrInvalidPayment, p.Kind)
	}

	var sum int64
	for _, entry := range p.Entries {
		if !cardExists(cards, entry.CardID) {
			return fmt.Errorf("%w: card %s not found", store.ErrInvalidPayment, entry.CardID)
		}
		sum += entry.AmountCents
	}

	diff := sum - totalCents
	if diff < 0 {
		diff = -diff
	}
	if diff >= ToleranceCents {
		return fmt.Errorf("%w: amounts sum to %d, order total is %d", store.ErrInvalidPayment, sum, totalCents)
	}
	return nil
}

func cardExists(cards []domain.Card, id string) bool {
	for _, c := range cards {
		if c.ID == id {
			return true
		}
	}
	return false
}
