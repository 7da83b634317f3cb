package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vitrine/backend/internal/coupon"
	"vitrine/backend/internal/domain"
	"vitrine/backend/internal/payment"
	"vitrine/backend/internal/store"
	"vitrine/backend/internal/xid"
)

// Store is the in-memory repository used in dev/demo mode and by the service
// tests. One mutex guards all maps, so every multi-row mutation is atomic and
// concurrent stock decrements serialize exactly like the row locks in the
// postgres implementation.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	clients         map[string]domain.Client
	coupons         map[string]domain.Coupon
	ordersByID      map[string]*domain.Order
	exchangesByID   map[string]*domain.Exchange
	returnsByID     map[string]*domain.Return
	events          []domain.OrderEvent
	usersByUsername map[string]domain.UserAccount
	engine          *coupon.Engine
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CLIENT_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These credentials
// are never used in production (postgres mode loads accounts from the DB).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clientPwd := envOr("SEED_CLIENT_PASSWORD", "cliente123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLIENT_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLIENT_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		clientID string
	}{
		{"admin", adminPwd, "admin", ""},
		{"ana", clientPwd, "cliente", "cli-ana"},
		{"bruno", clientPwd, "cliente", "cli-bruno"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ClientID:  u.clientID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "PROD-CAMISETA-01", Title: "Camiseta Básica Algodão", Category: "camisetas", PriceCents: 2500, Stock: 40, Active: true},
		{ID: "PROD-CALCA-01", Title: "Calça Jeans Slim", Category: "calcas", PriceCents: 12000, Stock: 25, Active: true},
		{ID: "PROD-VESTIDO-01", Title: "Vestido Midi Floral", Category: "vestidos", PriceCents: 18000, Stock: 10, Active: true},
		{ID: "PROD-TENIS-01", Title: "Tênis Casual Couro", Category: "calcados", PriceCents: 27900, Stock: 8, Active: true},
		{ID: "PROD-JAQUETA-01", Title: "Jaqueta Corta-Vento", Category: "casacos", PriceCents: 35000, Stock: 5, Active: true},
		{ID: "PROD-MEIA-01", Title: "Meia Cano Alto (par)", Category: "acessorios", PriceCents: 1900, Stock: 60, Active: true},
		{ID: "PROD-EDICAO-01", Title: "Camiseta Edição Limitada", Category: "camisetas", PriceCents: 9900, Stock: 1, Active: true},
	}

	clients := []domain.Client{
		{
			ID:   "cli-ana",
			Name: "Ana Souza",
			Cards: []domain.Card{
				{ID: "card-ana-1", Holder: "ANA SOUZA", Last4: "4242", Brand: "visa"},
				{ID: "card-ana-2", Holder: "ANA SOUZA", Last4: "9901", Brand: "mastercard"},
			},
			Addresses: []domain.Address{
				{ID: "addr-ana-1", Label: "casa", Street: "Rua das Laranjeiras 120", City: "São Paulo", State: "SP", Zip: "01415-000"},
			},
		},
		{
			ID:   "cli-bruno",
			Name: "Bruno Lima",
			Cards: []domain.Card{
				{ID: "card-bruno-1", Holder: "BRUNO LIMA", Last4: "7007", Brand: "elo"},
			},
			Addresses: []domain.Address{
				{ID: "addr-bruno-1", Label: "trabalho", Street: "Av. Paulista 900", City: "São Paulo", State: "SP", Zip: "01310-100"},
			},
		},
	}

	now := time.Now().UTC()
	coupons := []domain.Coupon{
		{Code: "FIXO15", Kind: domain.CouponFixed, ValueCents: 1500, MinSubtotalCents: 3000, MaxUses: 100, Active: true, CreatedAt: now},
		{Code: "BEMVINDO10", Kind: domain.CouponPercentage, Percent: 10, MaxDiscountCents: 3000, MinSubtotalCents: 5000, MaxUses: 500, Active: true, CreatedAt: now},
		{Code: "FINAL5", Kind: domain.CouponFinalCheckout, Percent: 5, MaxUses: 200, Active: true, CreatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	clientMap := make(map[string]domain.Client, len(clients))
	for _, c := range clients {
		clientMap[c.ID] = c
	}
	couponMap := make(map[string]domain.Coupon, len(coupons))
	for _, c := range coupons {
		couponMap[c.Code] = c
	}

	return &Store{
		products:        productMap,
		clients:         clientMap,
		coupons:         couponMap,
		ordersByID:      make(map[string]*domain.Order),
		exchangesByID:   make(map[string]*domain.Exchange),
		returnsByID:     make(map[string]*domain.Return),
		events:          make([]domain.OrderEvent, 0, 128),
		usersByUsername: seedUsers(),
		engine:          coupon.NewEngine(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Title, b.Title)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := p
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetClient(_ context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.clients[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyClient := c
	copyClient.Cards = slices.Clone(c.Cards)
	copyClient.Addresses = slices.Clone(c.Addresses)
	return &copyClient, nil
}

func (s *Store) GetCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.coupons[normalizeCode(code)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCoupon := c
	return &copyCoupon, nil
}

func (s *Store) CreateCoupon(_ context.Context, c domain.Coupon) (*domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Code = normalizeCode(c.Code)
	if c.Code == "" {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.coupons[c.Code]; exists {
		return nil, fmt.Errorf("%w: code %s already exists", store.ErrInvalidRequest, c.Code)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.coupons[c.Code] = c
	created := c
	return &created, nil
}

func (s *Store) ListCoupons(_ context.Context) ([]domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupons := make([]domain.Coupon, 0, len(s.coupons))
	for _, c := range s.coupons {
		coupons = append(coupons, c)
	}
	slices.SortFunc(coupons, func(a, b domain.Coupon) int {
		return cmpString(a.Code, b.Code)
	})
	return coupons, nil
}

func (s *Store) SetCouponActive(_ context.Context, code string, active bool) (*domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.coupons[normalizeCode(code)]
	if !exists {
		return nil, store.ErrNotFound
	}
	c.Active = active
	s.coupons[c.Code] = c
	updated := c
	return &updated, nil
}

// CreateOrder runs the whole creation protocol under the store lock:
// validate every line against live product state, consume coupons, recheck
// payment against the authoritative total, then mutate. All checks happen
// before the first write, so a failed order leaves nothing behind.
func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ClientID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	client, exists := s.clients[order.ClientID]
	if !exists {
		return nil, store.ErrNotFound
	}

	lines := aggregateLines(order.Items)
	if len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	subtotal := int64(0)
	frozen := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		product, exists := s.products[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: %s", store.ErrProductInactive, line.ProductID)
		}
		if line.Qty > product.Stock {
			return nil, fmt.Errorf("%w: %s", store.ErrOutOfStock, line.ProductID)
		}
		lineSubtotal := product.PriceCents * int64(line.Qty)
		frozen = append(frozen, domain.OrderItem{
			ID:             xid.New("item"),
			ProductID:      product.ID,
			Title:          product.Title,
			UnitPriceCents: product.PriceCents,
			Qty:            line.Qty,
			SubtotalCents:  lineSubtotal,
		})
		subtotal += lineSubtotal
	}

	resolved := make([]domain.Coupon, 0, len(order.CouponCodes))
	codes := make([]string, 0, len(order.CouponCodes))
	for _, raw := range order.CouponCodes {
		code := normalizeCode(raw)
		c, exists := s.coupons[code]
		if !exists {
			return nil, fmt.Errorf("%w: %s not found", store.ErrInvalidCoupon, raw)
		}
		resolved = append(resolved, c)
		codes = append(codes, code)
	}

	discount, err := s.engine.Apply(resolved, subtotal, order.ClientID)
	if err != nil {
		return nil, err
	}
	total := subtotal - discount

	if err := payment.Validate(order.Payment, total, client.Cards); err != nil {
		return nil, err
	}

	// All checks passed; mutate.
	for _, line := range lines {
		s.decreaseStockLocked(line.ProductID, line.Qty)
	}
	for _, c := range resolved {
		c.UsedCount++
		if c.Kind == domain.CouponExchange {
			c.Used = true
		}
		s.coupons[c.Code] = c
	}

	now := time.Now().UTC()
	created := domain.Order{
		ID:            xid.New("pedido"),
		ClientID:      order.ClientID,
		Items:         frozen,
		SubtotalCents: subtotal,
		DiscountCents: discount,
		TotalCents:    total,
		CouponCodes:   codes,
		Status:        domain.OrderEmAberto,
		PaymentStatus: domain.PaymentAprovado,
		Payment:       order.Payment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.ordersByID[created.ID] = &created

	result := cloneOrder(&created)
	return &result, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := cloneOrder(o)
	return &result, nil
}

func (s *Store) ListOrdersByClient(_ context.Context, clientID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, 8)
	for _, o := range s.ordersByID {
		if o.ClientID != clientID {
			continue
		}
		orders = append(orders, cloneOrder(o))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return orders, nil
}

func (s *Store) TransitionOrder(_ context.Context, orderID string, target domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	// DEVOLVIDO is owned by the exchange/return workflow.
	if target == domain.OrderDevolvido || !domain.CanTransition(o.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, o.Status, target)
	}

	if domain.RestocksOnTransition(o.Status, target) {
		for _, item := range o.Items {
			s.increaseStockLocked(item.ProductID, item.Qty)
		}
	}

	o.Status = target
	o.UpdatedAt = time.Now().UTC()

	result := cloneOrder(o)
	return &result, nil
}

func (s *Store) CreateExchange(_ context.Context, req domain.ExchangeCreateRequest) (*domain.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.ordersByID[req.OrderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if o.ClientID != req.ClientID || !domain.OrderEligibleForExchange(o.Status) {
		return nil, store.ErrOrderNotEligible
	}
	for _, ex := range s.exchangesByID {
		if ex.OrderID == req.OrderID && ex.ClientID == req.ClientID && domain.BlocksNewRequest(ex.Status) {
			return nil, store.ErrRequestOpen
		}
	}

	items, err := resolveRequestLines(o, req.Items)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := domain.Exchange{
		ID:          xid.New("troca"),
		OrderID:     req.OrderID,
		ClientID:    req.ClientID,
		Motivo:      strings.TrimSpace(req.Motivo),
		Observacoes: strings.TrimSpace(req.Observacoes),
		Status:      domain.RequestPendente,
		Items:       items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.exchangesByID[created.ID] = &created

	result := cloneExchange(&created)
	return &result, nil
}

func (s *Store) GetExchange(_ context.Context, id string) (*domain.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, exists := s.exchangesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := cloneExchange(ex)
	return &result, nil
}

func (s *Store) ListExchangesByClient(_ context.Context, clientID string) ([]domain.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exchanges := make([]domain.Exchange, 0, 4)
	for _, ex := range s.exchangesByID {
		if ex.ClientID != clientID {
			continue
		}
		exchanges = append(exchanges, cloneExchange(ex))
	}
	slices.SortFunc(exchanges, func(a, b domain.Exchange) int {
		return cmpString(b.ID, a.ID)
	})
	return exchanges, nil
}

func (s *Store) UpdateExchangeStatus(_ context.Context, id string, target domain.RequestStatus, observacoes string) (*domain.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, exists := s.exchangesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	// CONCLUIDA is only reachable through receipt confirmation.
	if target == domain.RequestConcluida || !domain.CanTransitionExchange(ex.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidStateForAction, ex.Status, target)
	}

	ex.Status = target
	if observacoes != "" {
		ex.Observacoes = strings.TrimSpace(observacoes)
	}
	ex.UpdatedAt = time.Now().UTC()

	result := cloneExchange(ex)
	return &result, nil
}

// ConfirmExchangeReceived restocks the exchanged quantities, mints exactly
// one exchange coupon worth the order's net value, closes the exchange and
// marks the order DEVOLVIDO, all under the store lock.
func (s *Store) ConfirmExchangeReceived(_ context.Context, id string) (*domain.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, exists := s.exchangesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if ex.Status != domain.RequestTrocaEmAndamento {
		return nil, fmt.Errorf("%w: exchange is %s", store.ErrInvalidStateForAction, ex.Status)
	}
	o, exists := s.ordersByID[ex.OrderID]
	if !exists {
		return nil, fmt.Errorf("exchange %s references missing order %s", ex.ID, ex.OrderID)
	}

	for _, item := range ex.Items {
		s.increaseStockLocked(item.ProductID, item.Qty)
	}

	// Coupon value is the whole order's net amount (item subtotal minus the
	// recorded discount), not the exchanged lines' share. Deliberate business
	// behavior inherited from the storefront; see DESIGN.md.
	value := int64(0)
	for _, item := range o.Items {
		value += item.UnitPriceCents * int64(item.Qty)
	}
	value -= o.DiscountCents
	if value < 0 {
		value = 0
	}

	code := xid.CouponCode()
	for {
		if _, taken := s.coupons[code]; !taken {
			break
		}
		code = xid.CouponCode()
	}
	now := time.Now().UTC()
	s.coupons[code] = domain.Coupon{
		Code:       code,
		Kind:       domain.CouponExchange,
		ValueCents: value,
		MaxUses:    1,
		Active:     true,
		ExchangeID: ex.ID,
		ClientID:   ex.ClientID,
		CreatedAt:  now,
	}

	ex.Status = domain.RequestConcluida
	ex.CouponCode = code
	ex.UpdatedAt = now
	o.Status = domain.OrderDevolvido
	o.UpdatedAt = now

	result := cloneExchange(ex)
	return &result, nil
}

func (s *Store) CreateReturn(_ context.Context, req domain.ReturnCreateRequest) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.ordersByID[req.OrderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if o.ClientID != req.ClientID || !domain.OrderEligibleForReturn(o.Status) {
		return nil, store.ErrOrderNotEligible
	}
	for _, ret := range s.returnsByID {
		if ret.OrderID == req.OrderID && ret.ClientID == req.ClientID && domain.BlocksNewRequest(ret.Status) {
			return nil, store.ErrRequestOpen
		}
	}

	items, err := resolveRequestLines(o, req.Items)
	if err != nil {
		return nil, err
	}
	returnItems := make([]domain.ReturnItem, 0, len(items))
	for _, item := range items {
		returnItems = append(returnItems, domain.ReturnItem(item))
	}

	now := time.Now().UTC()
	created := domain.Return{
		ID:          xid.New("devolucao"),
		OrderID:     req.OrderID,
		ClientID:    req.ClientID,
		Motivo:      strings.TrimSpace(req.Motivo),
		Observacoes: strings.TrimSpace(req.Observacoes),
		Status:      domain.RequestPendente,
		Items:       returnItems,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.returnsByID[created.ID] = &created

	result := cloneReturn(&created)
	return &result, nil
}

func (s *Store) GetReturn(_ context.Context, id string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, exists := s.returnsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := cloneReturn(ret)
	return &result, nil
}

func (s *Store) ListReturnsByClient(_ context.Context, clientID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	returns := make([]domain.Return, 0, 4)
	for _, ret := range s.returnsByID {
		if ret.ClientID != clientID {
			continue
		}
		returns = append(returns, cloneReturn(ret))
	}
	slices.SortFunc(returns, func(a, b domain.Return) int {
		return cmpString(b.ID, a.ID)
	})
	return returns, nil
}

func (s *Store) UpdateReturnStatus(_ context.Context, id string, target domain.RequestStatus, observacoes string) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, exists := s.returnsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if target == domain.RequestConcluida || !domain.CanTransitionReturn(ret.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidStateForAction, ret.Status, target)
	}

	ret.Status = target
	if observacoes != "" {
		ret.Observacoes = strings.TrimSpace(observacoes)
	}
	ret.UpdatedAt = time.Now().UTC()

	result := cloneReturn(ret)
	return &result, nil
}

// ConfirmReturnReceived restocks and closes the return. No coupon is minted;
// that asymmetry with exchanges is the point.
func (s *Store) ConfirmReturnReceived(_ context.Context, id string) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, exists := s.returnsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.RequestAprovada {
		return nil, fmt.Errorf("%w: return is %s", store.ErrInvalidStateForAction, ret.Status)
	}
	o, exists := s.ordersByID[ret.OrderID]
	if !exists {
		return nil, fmt.Errorf("return %s references missing order %s", ret.ID, ret.OrderID)
	}

	for _, item := range ret.Items {
		s.increaseStockLocked(item.ProductID, item.Qty)
	}

	now := time.Now().UTC()
	ret.Status = domain.RequestConcluida
	ret.ReceivedAt = &now
	ret.UpdatedAt = now
	o.Status = domain.OrderDevolvido
	o.UpdatedAt = now

	result := cloneReturn(ret)
	return &result, nil
}

func (s *Store) AppendEvent(_ context.Context, event domain.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, event)
	return nil
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]domain.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.OrderEvent, len(s.events))
	copy(result, s.events)
	slices.Reverse(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRequest
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}

// decreaseStockLocked assumes the caller holds the lock and has already
// verified availability. Stock hitting zero clears the active flag.
func (s *Store) decreaseStockLocked(productID string, qty int) {
	p := s.products[productID]
	p.Stock -= qty
	if p.Stock <= 0 {
		p.Stock = 0
		p.Active = false
		p.AutoDeactivated = true
	}
	s.products[productID] = p
}

// increaseStockLocked restores stock and reactivates products that were
// auto-deactivated when they sold out.
func (s *Store) increaseStockLocked(productID string, qty int) {
	p, exists := s.products[productID]
	if !exists {
		return
	}
	p.Stock += qty
	if p.Stock > 0 && !p.Active && p.AutoDeactivated {
		p.Active = true
		p.AutoDeactivated = false
	}
	s.products[productID] = p
}

func resolveRequestLines(o *domain.Order, lines []domain.RequestLine) ([]domain.ExchangeItem, error) {
	if len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	itemsByID := make(map[string]domain.OrderItem, len(o.Items))
	for _, item := range o.Items {
		itemsByID[item.ID] = item
	}

	resolved := make([]domain.ExchangeItem, 0, len(lines))
	for _, line := range lines {
		item, exists := itemsByID[line.OrderItemID]
		if !exists {
			return nil, fmt.Errorf("%w: %s", store.ErrItemMismatch, line.OrderItemID)
		}
		if line.Qty < 1 || line.Qty > item.Qty {
			return nil, fmt.Errorf("%w: item %s", store.ErrQuantityExceeded, line.OrderItemID)
		}
		resolved = append(resolved, domain.ExchangeItem{
			OrderItemID: item.ID,
			ProductID:   item.ProductID,
			Qty:         line.Qty,
		})
	}
	return resolved, nil
}

func aggregateLines(items []domain.OrderItem) []domain.OrderLineRequest {
	agg := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.Qty < 1 {
			continue
		}
		if _, seen := agg[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		agg[item.ProductID] += item.Qty
	}

	lines := make([]domain.OrderLineRequest, 0, len(agg))
	for _, id := range order {
		lines = append(lines, domain.OrderLineRequest{ProductID: id, Qty: agg[id]})
	}
	return lines
}

func cloneOrder(o *domain.Order) domain.Order {
	result := *o
	result.Items = slices.Clone(o.Items)
	result.CouponCodes = slices.Clone(o.CouponCodes)
	result.Payment.Entries = slices.Clone(o.Payment.Entries)
	return result
}

func cloneExchange(ex *domain.Exchange) domain.Exchange {
	result := *ex
	result.Items = slices.Clone(ex.Items)
	return result
}

func cloneReturn(ret *domain.Return) domain.Return {
	result := *ret
	result.Items = slices.Clone(ret.Items)
	return result
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
