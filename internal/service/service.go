package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"vitrine/backend/internal/cache"
	"vitrine/backend/internal/coupon"
	"vitrine/backend/internal/domain"
	"vitrine/backend/internal/store"
	"vitrine/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const catalogCacheKey = "catalog:active"

// Service orchestrates the post-purchase flows. All atomicity lives in the
// repository; the service normalizes input, enforces who may do what, and
// emits the state-change feed.
type Service struct {
	repo       store.Repository
	coupons    *coupon.Engine
	catalog    cache.CatalogCache
	catalogTTL time.Duration
}

func New(repo store.Repository, coupons *coupon.Engine, catalog cache.CatalogCache, catalogTTL time.Duration) *Service {
	if coupons == nil {
		coupons = coupon.NewEngine()
	}
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if catalogTTL < time.Second {
		catalogTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		coupons:    coupons,
		catalog:    catalog,
		catalogTTL: catalogTTL,
	}
}

// ListCatalog serves the active-product projection, cached because it is the
// highest-traffic read and tolerates staleness up to the TTL.
func (s *Service) ListCatalog(ctx context.Context) ([]domain.Product, error) {
	if cached, hit, err := s.catalog.Get(ctx, catalogCacheKey); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: catalog cache read failed: %v", err)
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.catalog.Set(ctx, catalogCacheKey, products, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: catalog cache write failed: %v", err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidRequest
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) GetMyProfile(ctx context.Context) (domain.Client, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ClientID == "" {
		return domain.Client{}, store.ErrNotFound
	}
	client, err := s.repo.GetClient(ctx, actor.ClientID)
	if err != nil {
		return domain.Client{}, err
	}
	return *client, nil
}

// CreateOrder resolves the acting client, normalizes the request and hands the
// whole creation protocol to the repository. Prices, stock, coupons and the
// payment split are all rechecked there inside one transaction.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	clientID, err := s.resolveClientID(ctx, req.ClientID)
	if err != nil {
		return domain.Order{}, err
	}

	if len(req.Items) == 0 {
		return domain.Order{}, store.ErrInvalidRequest
	}
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" || line.Qty < 1 {
			return domain.Order{}, store.ErrInvalidRequest
		}
		items = append(items, domain.OrderItem{ProductID: productID, Qty: line.Qty})
	}

	codes := make([]string, 0, len(req.CouponCodes))
	for _, raw := range req.CouponCodes {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			return domain.Order{}, store.ErrInvalidRequest
		}
		codes = append(codes, code)
	}

	created, err := s.repo.CreateOrder(ctx, domain.Order{
		ClientID:    clientID,
		Items:       items,
		CouponCodes: codes,
		Payment:     req.Payment,
	})
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed: %v", err)
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "order",
		EntityID:   created.ID,
		OrderID:    created.ID,
		ClientID:   created.ClientID,
		ToStatus:   string(created.Status),
		Detail:     fmt.Sprintf("total=%d,discount=%d,coupons=%d", created.TotalCents, created.DiscountCents, len(created.CouponCodes)),
	})

	return *created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.requireOwnershipOrAdmin(ctx, order.ClientID); err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListMyOrders(ctx context.Context) ([]domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ClientID == "" {
		return nil, fmt.Errorf("client account required")
	}
	return s.repo.ListOrdersByClient(ctx, actor.ClientID)
}

// TransitionOrder applies a status change through the state machine. Admins
// may request any permitted transition; clients may only cancel their own
// order. DEVOLVIDO is rejected here in the repository because only the
// exchange/return workflow produces it.
func (s *Service) TransitionOrder(ctx context.Context, orderID string, rawStatus string) (domain.Order, error) {
	target := domain.NormalizeOrderStatus(rawStatus)
	if target == "" {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidRequest, rawStatus)
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Order{}, fmt.Errorf("authentication required")
	}
	if actor.Role != "admin" {
		if target != domain.OrderCancelado {
			return domain.Order{}, fmt.Errorf("admin role required")
		}
		order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
		if err != nil {
			return domain.Order{}, err
		}
		if order.ClientID != actor.ClientID {
			return domain.Order{}, store.ErrNotFound
		}
	}

	updated, err := s.repo.TransitionOrder(ctx, strings.TrimSpace(orderID), target)
	if err != nil {
		return domain.Order{}, err
	}

	if target == domain.OrderCancelado || target == domain.OrderReprovada {
		if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
			log.Printf("[service] WARN: catalog cache invalidation failed: %v", err)
		}
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "order",
		EntityID:   updated.ID,
		OrderID:    updated.ID,
		ClientID:   updated.ClientID,
		ToStatus:   string(updated.Status),
	})

	return *updated, nil
}

// ValidateCoupon is the dry-run check used by the cart UI. Invalid codes are
// a negative result with a reason, not a transport error.
func (s *Service) ValidateCoupon(ctx context.Context, req domain.CouponValidateRequest) (domain.CouponValidation, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" || req.SubtotalCents < 0 {
		return domain.CouponValidation{}, store.ErrInvalidRequest
	}

	clientID := req.ClientID
	if actor, ok := ActorFromContext(ctx); ok && actor.Role != "admin" {
		clientID = actor.ClientID
	}

	c, err := s.repo.GetCoupon(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CouponValidation{Valid: false, Reason: "coupon not found"}, nil
		}
		return domain.CouponValidation{}, err
	}

	if err := s.coupons.Validate(*c, req.SubtotalCents, clientID); err != nil {
		return domain.CouponValidation{Valid: false, Reason: err.Error()}, nil
	}

	return domain.CouponValidation{
		Valid:         true,
		DiscountCents: s.coupons.Discount(*c, req.SubtotalCents),
	}, nil
}

func (s *Service) CreateCoupon(ctx context.Context, req domain.CouponCreateRequest) (domain.Coupon, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Coupon{}, fmt.Errorf("admin role required")
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	kind := domain.CouponKind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	if code == "" {
		return domain.Coupon{}, store.ErrInvalidRequest
	}

	switch kind {
	case domain.CouponPercentage, domain.CouponFinalCheckout:
		if req.Percent <= 0 || req.Percent > 100 {
			return domain.Coupon{}, store.ErrInvalidRequest
		}
	case domain.CouponFixed:
		if req.ValueCents < 1 {
			return domain.Coupon{}, store.ErrInvalidRequest
		}
	default:
		// EXCHANGE coupons are minted by the workflow, never by hand.
		return domain.Coupon{}, fmt.Errorf("%w: unsupported kind %q", store.ErrInvalidRequest, req.Kind)
	}
	if req.MaxDiscountCents < 0 || req.MinSubtotalCents < 0 || req.MaxUses < 0 {
		return domain.Coupon{}, store.ErrInvalidRequest
	}

	var expiresAt *time.Time
	if strings.TrimSpace(req.ExpiresAt) != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpiresAt)
		if err != nil {
			return domain.Coupon{}, store.ErrInvalidRequest
		}
		exp := parsed.UTC().Add(24*time.Hour - time.Second)
		expiresAt = &exp
	}

	created, err := s.repo.CreateCoupon(ctx, domain.Coupon{
		Code:             code,
		Kind:             kind,
		ValueCents:       req.ValueCents,
		Percent:          req.Percent,
		MaxDiscountCents: req.MaxDiscountCents,
		MinSubtotalCents: req.MinSubtotalCents,
		MaxUses:          req.MaxUses,
		Active:           true,
		ExpiresAt:        expiresAt,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return domain.Coupon{}, err
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "coupon",
		EntityID:   created.Code,
		ToStatus:   "CRIADO",
		Detail:     fmt.Sprintf("kind=%s,value=%d,percent=%.2f", created.Kind, created.ValueCents, created.Percent),
	})

	return *created, nil
}

func (s *Service) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	return s.repo.ListCoupons(ctx)
}

func (s *Service) SetCouponActive(ctx context.Context, code string, active bool) (domain.Coupon, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Coupon{}, fmt.Errorf("admin role required")
	}

	updated, err := s.repo.SetCouponActive(ctx, code, active)
	if err != nil {
		return domain.Coupon{}, err
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "coupon",
		EntityID:   updated.Code,
		ToStatus:   "ATUALIZADO",
		Detail:     fmt.Sprintf("active=%t", active),
	})
	return *updated, nil
}

func (s *Service) RequestExchange(ctx context.Context, req domain.ExchangeCreateRequest) (domain.Exchange, error) {
	clientID, err := s.resolveClientID(ctx, req.ClientID)
	if err != nil {
		return domain.Exchange{}, err
	}
	req.ClientID = clientID
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" || strings.TrimSpace(req.Motivo) == "" {
		return domain.Exchange{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateExchange(ctx, req)
	if err != nil {
		return domain.Exchange{}, err
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "exchange",
		EntityID:   created.ID,
		OrderID:    created.OrderID,
		ClientID:   created.ClientID,
		ToStatus:   string(created.Status),
		Detail:     fmt.Sprintf("items=%d", len(created.Items)),
	})
	return *created, nil
}

func (s *Service) GetExchange(ctx context.Context, id string) (domain.Exchange, error) {
	ex, err := s.repo.GetExchange(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Exchange{}, err
	}
	if err := s.requireOwnershipOrAdmin(ctx, ex.ClientID); err != nil {
		return domain.Exchange{}, err
	}
	return *ex, nil
}

func (s *Service) ListMyExchanges(ctx context.Context) ([]domain.Exchange, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ClientID == "" {
		return nil, fmt.Errorf("client account required")
	}
	return s.repo.ListExchangesByClient(ctx, actor.ClientID)
}

// ApproveExchange moves a pending exchange straight to TROCA_EM_ANDAMENTO.
// Approval only means "send the goods back"; there is no separate approved
// resting state for exchanges.
func (s *Service) ApproveExchange(ctx context.Context, id string) (domain.Exchange, error) {
	return s.updateExchange(ctx, id, domain.RequestTrocaEmAndamento, "", true)
}

func (s *Service) RejectExchange(ctx context.Context, id string, observacoes string) (domain.Exchange, error) {
	return s.updateExchange(ctx, id, domain.RequestNegada, observacoes, true)
}

func (s *Service) CancelExchange(ctx context.Context, id string) (domain.Exchange, error) {
	ex, err := s.repo.GetExchange(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Exchange{}, err
	}
	if err := s.requireOwnershipOrAdmin(ctx, ex.ClientID); err != nil {
		return domain.Exchange{}, err
	}
	return s.updateExchange(ctx, id, domain.RequestCancelada, "", false)
}

// ConfirmExchangeReceived is the warehouse confirmation: restock, coupon
// minting, exchange closure and the order's DEVOLVIDO all happen atomically
// in the repository.
func (s *Service) ConfirmExchangeReceived(ctx context.Context, id string) (domain.Exchange, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Exchange{}, fmt.Errorf("admin role required")
	}

	ex, err := s.repo.ConfirmExchangeReceived(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Exchange{}, err
	}

	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed: %v", err)
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "exchange",
		EntityID:   ex.ID,
		OrderID:    ex.OrderID,
		ClientID:   ex.ClientID,
		ToStatus:   string(ex.Status),
		Detail:     fmt.Sprintf("coupon=%s", ex.CouponCode),
	})
	return *ex, nil
}

func (s *Service) updateExchange(ctx context.Context, id string, target domain.RequestStatus, observacoes string, adminOnly bool) (domain.Exchange, error) {
	if adminOnly {
		actor, ok := ActorFromContext(ctx)
		if !ok || actor.Role != "admin" {
			return domain.Exchange{}, fmt.Errorf("admin role required")
		}
	}

	updated, err := s.repo.UpdateExchangeStatus(ctx, strings.TrimSpace(id), target, observacoes)
	if err != nil {
		return domain.Exchange{}, err
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "exchange",
		EntityID:   updated.ID,
		OrderID:    updated.OrderID,
		ClientID:   updated.ClientID,
		ToStatus:   string(updated.Status),
	})
	return *updated, nil
}

func (s *Service) RequestReturn(ctx context.Context, req domain.ReturnCreateRequest) (domain.Return, error) {
	clientID, err := s.resolveClientID(ctx, req.ClientID)
	if err != nil {
		return domain.Return{}, err
	}
	req.ClientID = clientID
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" || strings.TrimSpace(req.Motivo) == "" {
		return domain.Return{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateReturn(ctx, req)
	if err != nil {
		return domain.Return{}, err
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "return",
		EntityID:   created.ID,
		OrderID:    created.OrderID,
		ClientID:   created.ClientID,
		ToStatus:   string(created.Status),
		Detail:     fmt.Sprintf("items=%d", len(created.Items)),
	})
	return *created, nil
}

func (s *Service) GetReturn(ctx context.Context, id string) (domain.Return, error) {
	ret, err := s.repo.GetReturn(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Return{}, err
	}
	if err := s.requireOwnershipOrAdmin(ctx, ret.ClientID); err != nil {
		return domain.Return{}, err
	}
	return *ret, nil
}

func (s *Service) ListMyReturns(ctx context.Context) ([]domain.Return, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ClientID == "" {
		return nil, fmt.Errorf("client account required")
	}
	return s.repo.ListReturnsByClient(ctx, actor.ClientID)
}

func (s *Service) ApproveReturn(ctx context.Context, id string) (domain.Return, error) {
	return s.updateReturn(ctx, id, domain.RequestAprovada, "", true)
}

func (s *Service) RejectReturn(ctx context.Context, id string, observacoes string) (domain.Return, error) {
	return s.updateReturn(ctx, id, domain.RequestNegada, observacoes, true)
}

func (s *Service) CancelReturn(ctx context.Context, id string) (domain.Return, error) {
	ret, err := s.repo.GetReturn(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Return{}, err
	}
	if err := s.requireOwnershipOrAdmin(ctx, ret.ClientID); err != nil {
		return domain.Return{}, err
	}
	return s.updateReturn(ctx, id, domain.RequestCancelada, "", false)
}

func (s *Service) ConfirmReturnReceived(ctx context.Context, id string) (domain.Return, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Return{}, fmt.Errorf("admin role required")
	}

	ret, err := s.repo.ConfirmReturnReceived(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Return{}, err
	}

	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed: %v", err)
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "return",
		EntityID:   ret.ID,
		OrderID:    ret.OrderID,
		ClientID:   ret.ClientID,
		ToStatus:   string(ret.Status),
	})
	return *ret, nil
}

func (s *Service) updateReturn(ctx context.Context, id string, target domain.RequestStatus, observacoes string, adminOnly bool) (domain.Return, error) {
	if adminOnly {
		actor, ok := ActorFromContext(ctx)
		if !ok || actor.Role != "admin" {
			return domain.Return{}, fmt.Errorf("admin role required")
		}
	}

	updated, err := s.repo.UpdateReturnStatus(ctx, strings.TrimSpace(id), target, observacoes)
	if err != nil {
		return domain.Return{}, err
	}

	s.logEvent(ctx, domain.OrderEvent{
		EntityType: "return",
		EntityID:   updated.ID,
		OrderID:    updated.OrderID,
		ClientID:   updated.ClientID,
		ToStatus:   string(updated.Status),
	})
	return *updated, nil
}

func (s *Service) ListEvents(ctx context.Context, limit int) ([]domain.OrderEvent, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	return s.repo.ListEvents(ctx, limit)
}

// resolveClientID maps the acting account to the client the operation runs
// for. Clients always act as themselves; admins must name a client.
func (s *Service) resolveClientID(ctx context.Context, requested string) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("authentication required")
	}
	if actor.Role == "admin" {
		requested = strings.TrimSpace(requested)
		if requested == "" {
			return "", store.ErrInvalidRequest
		}
		return requested, nil
	}
	if actor.ClientID == "" {
		return "", fmt.Errorf("client account required")
	}
	return actor.ClientID, nil
}

// requireOwnershipOrAdmin hides other clients' records as not-found rather
// than forbidden, so resource ids cannot be probed.
func (s *Service) requireOwnershipOrAdmin(ctx context.Context, ownerClientID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	if actor.Role == "admin" || actor.ClientID == ownerClientID {
		return nil
	}
	return store.ErrNotFound
}

func (s *Service) logEvent(ctx context.Context, event domain.OrderEvent) {
	event.ID = xid.New("evt")
	event.CreatedAt = time.Now().UTC()

	if err := s.repo.AppendEvent(ctx, event); err != nil {
		log.Printf("[events] WARN: failed to append event entity=%s/%s status=%s: %v", event.EntityType, event.EntityID, event.ToStatus, err)
	}
}
