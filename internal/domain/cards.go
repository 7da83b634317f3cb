package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseCards decodes a stored card-list blob into typed records. Malformed
// JSON or incomplete entries are a hard validation error, never an empty
// default: an order must not silently lose the instruments it could pay with.
func ParseCards(raw []byte) ([]Card, error) {
	if len(raw) == 0 {
		return []Card{}, nil
	}
	var cards []Card
	if err := json.Unmarshal(raw, &cards); err != nil {
		return nil, fmt.Errorf("malformed card list: %w", err)
	}
	seen := make(map[string]struct{}, len(cards))
	for i, c := range cards {
		if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Last4) == "" {
			return nil, fmt.Errorf("card entry %d missing id or last4", i)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("duplicate card id %s", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return cards, nil
}

// ParseAddresses decodes a stored address-list blob, with the same
// reject-don't-default contract as ParseCards.
func ParseAddresses(raw []byte) ([]Address, error) {
	if len(raw) == 0 {
		return []Address{}, nil
	}
	var addresses []Address
	if err := json.Unmarshal(raw, &addresses); err != nil {
		return nil, fmt.Errorf("malformed address list: %w", err)
	}
	for i, a := range addresses {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Street) == "" {
			return nil, fmt.Errorf("address entry %d missing id or street", i)
		}
	}
	return addresses, nil
}
