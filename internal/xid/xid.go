package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New returns a prefixed identifier: time-ordered with a random suffix.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// CouponCode returns a short uppercase code for minted exchange coupons,
// e.g. TROCA-9F3A61C08B.
func CouponCode() string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("TROCA-%d", time.Now().UnixNano())
	}
	return "TROCA-" + strings.ToUpper(hex.EncodeToString(buf))
}
