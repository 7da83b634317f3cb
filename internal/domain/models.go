package domain

import "time"

type Product struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
	Active     bool   `json:"active"`
	// AutoDeactivated marks products whose active flag was cleared because
	// stock hit zero; only those are reactivated when stock is restored.
	AutoDeactivated bool `json:"-"`
}

// Card is a stored payment instrument, parsed once from the client profile
// blob and typed from then on.
type Card struct {
	ID     string `json:"id"`
	Holder string `json:"holder"`
	Last4  string `json:"last4"`
	Brand  string `json:"brand"`
}

type Address struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// Client is a read-only projection of the profile service: the core only
// needs the identifier and the stored card/address lists.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Cards     []Card    `json:"cards"`
	Addresses []Address `json:"addresses"`
}

type CouponKind string

const (
	CouponPercentage    CouponKind = "PERCENTAGE"
	CouponFixed         CouponKind = "FIXED"
	CouponExchange      CouponKind = "EXCHANGE"
	CouponFinalCheckout CouponKind = "FINAL_CHECKOUT"
)

// Coupon is a discount rule. Promotional coupons (PERCENTAGE, FIXED,
// FINAL_CHECKOUT) are created by admins; EXCHANGE coupons are minted exactly
// once by the exchange workflow and carry ExchangeID/ClientID/Used.
type Coupon struct {
	Code             string     `json:"code"`
	Kind             CouponKind `json:"kind"`
	ValueCents       int64      `json:"value_cents,omitempty"`
	Percent          float64    `json:"percent,omitempty"`
	MaxDiscountCents int64      `json:"max_discount_cents,omitempty"`
	MinSubtotalCents int64      `json:"min_subtotal_cents,omitempty"`
	MaxUses          int        `json:"max_uses"`
	UsedCount        int        `json:"used_count"`
	Active           bool       `json:"active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ExchangeID       string     `json:"exchange_id,omitempty"`
	ClientID         string     `json:"client_id,omitempty"`
	Used             bool       `json:"used"`
	CreatedAt        time.Time  `json:"created_at"`
}

type PaymentKind string

const (
	PaymentOne PaymentKind = "ONE"
	PaymentTwo PaymentKind = "TWO"
)

type PaymentEntry struct {
	CardID      string `json:"card_id"`
	AmountCents int64  `json:"amount_cents"`
}

// PaymentRequest describes how the order total is covered: one card with one
// amount, or two distinct cards whose amounts sum to the total.
type PaymentRequest struct {
	Kind    PaymentKind    `json:"kind"`
	Entries []PaymentEntry `json:"entries"`
}

// OrderItem is an immutable snapshot taken at purchase time; quantity and
// unit price are never recomputed from the live product.
type OrderItem struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Title          string `json:"title"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Order struct {
	ID            string         `json:"id"`
	ClientID      string         `json:"client_id"`
	Items         []OrderItem    `json:"items"`
	SubtotalCents int64          `json:"subtotal_cents"`
	DiscountCents int64          `json:"discount_cents"`
	TotalCents    int64          `json:"total_cents"`
	CouponCodes   []string       `json:"coupon_codes,omitempty"`
	Status        OrderStatus    `json:"status"`
	PaymentStatus string         `json:"payment_status"`
	Payment       PaymentRequest `json:"payment"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type ExchangeItem struct {
	OrderItemID string `json:"order_item_id"`
	ProductID   string `json:"product_id"`
	Qty         int    `json:"qty"`
}

type Exchange struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"order_id"`
	ClientID    string         `json:"client_id"`
	Motivo      string         `json:"motivo"`
	Observacoes string         `json:"observacoes,omitempty"`
	Status      RequestStatus  `json:"status"`
	Items       []ExchangeItem `json:"items"`
	CouponCode  string         `json:"coupon_code,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type ReturnItem struct {
	OrderItemID string `json:"order_item_id"`
	ProductID   string `json:"product_id"`
	Qty         int    `json:"qty"`
}

type Return struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"order_id"`
	ClientID    string        `json:"client_id"`
	Motivo      string        `json:"motivo"`
	Observacoes string        `json:"observacoes,omitempty"`
	Status      RequestStatus `json:"status"`
	Items       []ReturnItem  `json:"items"`
	ReceivedAt  *time.Time    `json:"received_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// OrderEvent is the state-change feed consumed by notification and analytics
// collaborators. Appends are best-effort and never block the mutation.
type OrderEvent struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	OrderID    string    `json:"order_id"`
	ClientID   string    `json:"client_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type OrderLineRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreateRequest struct {
	ClientID    string             `json:"client_id"`
	Items       []OrderLineRequest `json:"items"`
	CouponCodes []string           `json:"coupon_codes,omitempty"`
	Payment     PaymentRequest     `json:"payment"`
}

type OrderTransitionRequest struct {
	Status string `json:"status"`
}

type RequestLine struct {
	OrderItemID string `json:"order_item_id"`
	Qty         int    `json:"qty"`
}

type ExchangeCreateRequest struct {
	OrderID     string        `json:"order_id"`
	ClientID    string        `json:"client_id"`
	Motivo      string        `json:"motivo"`
	Observacoes string        `json:"observacoes,omitempty"`
	Items       []RequestLine `json:"items"`
}

type ReturnCreateRequest struct {
	OrderID     string        `json:"order_id"`
	ClientID    string        `json:"client_id"`
	Motivo      string        `json:"motivo"`
	Observacoes string        `json:"observacoes,omitempty"`
	Items       []RequestLine `json:"items"`
}

type RejectRequest struct {
	Observacoes string `json:"observacoes,omitempty"`
}

type CouponValidateRequest struct {
	Code          string `json:"code"`
	SubtotalCents int64  `json:"subtotal_cents"`
	ClientID      string `json:"client_id,omitempty"`
}

type CouponValidation struct {
	Valid         bool   `json:"valid"`
	DiscountCents int64  `json:"discount_cents,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type CouponCreateRequest struct {
	Code             string  `json:"code"`
	Kind             string  `json:"kind"`
	ValueCents       int64   `json:"value_cents,omitempty"`
	Percent          float64 `json:"percent,omitempty"`
	MaxDiscountCents int64   `json:"max_discount_cents,omitempty"`
	MinSubtotalCents int64   `json:"min_subtotal_cents,omitempty"`
	MaxUses          int     `json:"max_uses,omitempty"`
	ExpiresAt        string  `json:"expires_at,omitempty"`
}

type CouponToggleRequest struct {
	Active bool `json:"active"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ClientID    string `json:"client_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type AccountCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

type AccountUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ClientID  string    `json:"client_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
	ClientID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	ClientID  string
	Active    bool
	CreatedAt time.Time
}
