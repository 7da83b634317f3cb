package store

import (
	"context"
	"errors"

	"vitrine/backend/internal/domain"
)

// Sentinel errors shared by every repository implementation. Conflict errors
// (stock, coupon, status) are raised atomically inside the mutation's
// transaction; validation errors are raised before any mutation.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrOutOfStock            = errors.New("out of stock")
	ErrProductInactive       = errors.New("product inactive")
	ErrInvalidPayment        = errors.New("invalid payment")
	ErrInvalidCoupon         = errors.New("invalid coupon")
	ErrCouponUsed            = errors.New("coupon already used")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrOrderNotEligible      = errors.New("order not eligible")
	ErrItemMismatch          = errors.New("item does not belong to order")
	ErrQuantityExceeded      = errors.New("quantity exceeds purchased amount")
	ErrInvalidStateForAction = errors.New("invalid state for action")
	ErrRequestOpen           = errors.New("an exchange or return is already open for this order")
)

// Repository is the persistence boundary. Multi-row mutations (order
// creation, status transition with stock reversal, receipt confirmation) are
// all-or-nothing inside each implementation: serializable transactions with
// row locks in postgres, a single mutex in memory.
type Repository interface {
	// Catalog projection (read-only for the core).
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)

	// Client projection (read-only for the core).
	GetClient(ctx context.Context, id string) (*domain.Client, error)

	// Coupons.
	GetCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	CreateCoupon(ctx context.Context, c domain.Coupon) (*domain.Coupon, error)
	ListCoupons(ctx context.Context) ([]domain.Coupon, error)
	SetCouponActive(ctx context.Context, code string, active bool) (*domain.Coupon, error)

	// Orders. CreateOrder runs the whole creation protocol in one
	// transaction: price/stock/active checks, coupon consumption, payment
	// recheck, order + frozen items persisted, stock decremented with
	// auto-deactivation at zero. TransitionOrder enforces the state machine
	// and performs the stock reversal where the transition calls for it.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrdersByClient(ctx context.Context, clientID string) ([]domain.Order, error)
	TransitionOrder(ctx context.Context, orderID string, target domain.OrderStatus) (*domain.Order, error)

	// Exchange workflow.
	CreateExchange(ctx context.Context, req domain.ExchangeCreateRequest) (*domain.Exchange, error)
	GetExchange(ctx context.Context, id string) (*domain.Exchange, error)
	ListExchangesByClient(ctx context.Context, clientID string) ([]domain.Exchange, error)
	UpdateExchangeStatus(ctx context.Context, id string, target domain.RequestStatus, observacoes string) (*domain.Exchange, error)
	// ConfirmExchangeReceived restocks the exchanged quantities, mints the
	// exchange coupon, closes the exchange and marks the order DEVOLVIDO,
	// all atomically.
	ConfirmExchangeReceived(ctx context.Context, id string) (*domain.Exchange, error)

	// Return workflow. Receipt confirmation restocks and closes without
	// minting any coupon.
	CreateReturn(ctx context.Context, req domain.ReturnCreateRequest) (*domain.Return, error)
	GetReturn(ctx context.Context, id string) (*domain.Return, error)
	ListReturnsByClient(ctx context.Context, clientID string) ([]domain.Return, error)
	UpdateReturnStatus(ctx context.Context, id string, target domain.RequestStatus, observacoes string) (*domain.Return, error)
	ConfirmReturnReceived(ctx context.Context, id string) (*domain.Return, error)

	// State-change feed for notification/analytics collaborators.
	AppendEvent(ctx context.Context, event domain.OrderEvent) error
	ListEvents(ctx context.Context, limit int) ([]domain.OrderEvent, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
