package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vitrine/backend/internal/coupon"
	"vitrine/backend/internal/domain"
	"vitrine/backend/internal/payment"
	"vitrine/backend/internal/store"
	"vitrine/backend/internal/xid"
)

// Store is the postgres repository. Every multi-row mutation runs in a
// serializable transaction and locks the touched product, coupon and order
// rows with FOR UPDATE before re-validating.
type Store struct {
	db      *sql.DB
	coupons *coupon.Engine
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, coupons: coupon.NewEngine()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, category, price_cents, stock, active
		FROM products
		WHERE active = true
		ORDER BY category, title
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Category, &p.PriceCents, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, category, price_cents, stock, active, auto_deactivated
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Title, &p.Category, &p.PriceCents, &p.Stock, &p.Active, &p.AutoDeactivated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, category, price_cents, stock, active
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Category, &p.PriceCents, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	var cardsRaw, addressesRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, cards, addresses
		FROM clients
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &cardsRaw, &addressesRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if c.Cards, err = domain.ParseCards(cardsRaw); err != nil {
		return nil, fmt.Errorf("client %s: %w", id, err)
	}
	if c.Addresses, err = domain.ParseAddresses(addressesRaw); err != nil {
		return nil, fmt.Errorf("client %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	c, err := scanCoupon(s.db.QueryRowContext(ctx, couponSelect+` WHERE code = $1`, normalizeCode(code)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) CreateCoupon(ctx context.Context, c domain.Coupon) (*domain.Coupon, error) {
	c.Code = normalizeCode(c.Code)
	if c.Code == "" {
		return nil, store.ErrInvalidRequest
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupons (
			code, kind, value_cents, percent, max_discount_cents, min_subtotal_cents,
			max_uses, used_count, active, expires_at, exchange_id, client_id, used, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, c.Code, c.Kind, c.ValueCents, c.Percent, c.MaxDiscountCents, c.MinSubtotalCents,
		c.MaxUses, c.UsedCount, c.Active, nullTime(c.ExpiresAt), nullIfEmpty(c.ExchangeID), nullIfEmpty(c.ClientID), c.Used, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: code %s already exists", store.ErrInvalidRequest, c.Code)
		}
		return nil, err
	}

	created := c
	return &created, nil
}

func (s *Store) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	rows, err := s.db.QueryContext(ctx, couponSelect+` ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := make([]domain.Coupon, 0, 64)
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return coupons, nil
}

func (s *Store) SetCouponActive(ctx context.Context, code string, active bool) (*domain.Coupon, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coupons SET active = $2 WHERE code = $1
	`, normalizeCode(code), active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCoupon(ctx, code)
}

// CreateOrder runs the whole creation protocol in one serializable
// transaction: products and coupons are locked, every rule is re-validated
// against the locked rows, and only then are stock, coupon usage and the new
// order rows written.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ClientID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	client, err := s.GetClient(ctx, order.ClientID)
	if err != nil {
		return nil, err
	}

	lines := aggregateLines(order.Items)
	if len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}
	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productRows, err := tx.QueryContext(ctx, `
		SELECT id, title, price_cents, stock, active
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	productMap := make(map[string]domain.Product, len(productIDs))
	for productRows.Next() {
		var p domain.Product
		if err := productRows.Scan(&p.ID, &p.Title, &p.PriceCents, &p.Stock, &p.Active); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	subtotal := int64(0)
	frozen := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		product, exists := productMap[line.ProductID]
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

	codes := make([]string, 0, len(order.CouponCodes))
	for _, raw := range order.CouponCodes {
		codes = append(codes, normalizeCode(raw))
	}
	resolved := make([]domain.Coupon, 0, len(codes))
	if len(codes) > 0 {
		couponRows, err := tx.QueryContext(ctx, couponSelect+` WHERE code = ANY($1) FOR UPDATE`, codes)
		if err != nil {
			return nil, err
		}
		byCode := make(map[string]domain.Coupon, len(codes))
		for couponRows.Next() {
			c, err := scanCoupon(couponRows)
			if err != nil {
				_ = couponRows.Close()
				return nil, err
			}
			byCode[c.Code] = *c
		}
		if err := couponRows.Err(); err != nil {
			_ = couponRows.Close()
			return nil, err
		}
		_ = couponRows.Close()

		for _, code := range codes {
			c, exists := byCode[code]
			if !exists {
				return nil, fmt.Errorf("%w: %s not found", store.ErrInvalidCoupon, code)
			}
			resolved = append(resolved, c)
		}
	}

	discount, err := s.coupons.Apply(resolved, subtotal, order.ClientID)
	if err != nil {
		return nil, err
	}
	total := subtotal - discount

	if err := payment.Validate(order.Payment, total, client.Cards); err != nil {
		return nil, err
	}

	for _, line := range lines {
		if err := decreaseStockTx(ctx, tx, line.ProductID, line.Qty); err != nil {
			return nil, err
		}
	}
	for _, c := range resolved {
		_, err := tx.ExecContext(ctx, `
			UPDATE coupons
			SET used_count = used_count + 1, used = CASE WHEN kind = 'EXCHANGE' THEN true ELSE used END
			WHERE code = $1
		`, c.Code)
		if err != nil {
			return nil, err
		}
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

	paymentRaw, err := json.Marshal(created.Payment)
	if err != nil {
		return nil, err
	}
	codesRaw, err := json.Marshal(created.CouponCodes)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, client_id, subtotal_cents, discount_cents, total_cents,
			coupon_codes, status, payment_status, payment, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, created.ID, created.ClientID, created.SubtotalCents, created.DiscountCents, created.TotalCents,
		codesRaw, created.Status, created.PaymentStatus, paymentRaw, created.CreatedAt, created.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, item := range created.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, title, unit_price_cents, qty, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, created.ID, item.ProductID, item.Title, item.UnitPriceCents, item.Qty, item.SubtotalCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadOrderItems(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func (s *Store) ListOrdersByClient(ctx context.Context, clientID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelect+` WHERE client_id = $1 ORDER BY created_at DESC, id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	orderIDs := make([]string, 0, 16)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
		orderIDs = append(orderIDs, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadOrderItems(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (s *Store) TransitionOrder(ctx context.Context, orderID string, target domain.OrderStatus) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.OrderStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if target == domain.OrderDevolvido || !domain.CanTransition(current, target) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current, target)
	}

	if domain.RestocksOnTransition(current, target) {
		itemRows, err := tx.QueryContext(ctx, `
			SELECT product_id, qty FROM order_items WHERE order_id = $1
		`, orderID)
		if err != nil {
			return nil, err
		}
		type restockLine struct {
			productID string
			qty       int
		}
		restocks := make([]restockLine, 0, 8)
		for itemRows.Next() {
			var line restockLine
			if err := itemRows.Scan(&line.productID, &line.qty); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			restocks = append(restocks, line)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()

		for _, line := range restocks {
			if err := increaseStockTx(ctx, tx, line.productID, line.qty); err != nil {
				return nil, err
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1
	`, orderID, target)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) CreateExchange(ctx context.Context, req domain.ExchangeCreateRequest) (*domain.Exchange, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.ClientID != req.ClientID || !domain.OrderEligibleForExchange(order.Status) {
		return nil, store.ErrOrderNotEligible
	}

	open, err := hasOpenRequest(ctx, tx, "exchanges", req.OrderID, req.ClientID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, store.ErrRequestOpen
	}

	orderItems, err := loadOrderItemsTx(ctx, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	items, err := resolveRequestLines(orderItems, req.Items)
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchanges (id, order_id, client_id, motivo, observacoes, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, created.ID, created.OrderID, created.ClientID, created.Motivo, created.Observacoes, created.Status, created.CreatedAt, created.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, item := range created.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO exchange_items (exchange_id, order_item_id, product_id, qty)
			VALUES ($1,$2,$3,$4)
		`, created.ID, item.OrderItemID, item.ProductID, item.Qty)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetExchange(ctx context.Context, id string) (*domain.Exchange, error) {
	ex, err := scanExchange(s.db.QueryRowContext(ctx, exchangeSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ex.Items, err = s.loadExchangeItems(ctx, ex.ID); err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *Store) ListExchangesByClient(ctx context.Context, clientID string) ([]domain.Exchange, error) {
	rows, err := s.db.QueryContext(ctx, exchangeSelect+` WHERE client_id = $1 ORDER BY created_at DESC, id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exchanges := make([]domain.Exchange, 0, 8)
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, *ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range exchanges {
		if exchanges[i].Items, err = s.loadExchangeItems(ctx, exchanges[i].ID); err != nil {
			return nil, err
		}
	}
	return exchanges, nil
}

func (s *Store) UpdateExchangeStatus(ctx context.Context, id string, target domain.RequestStatus, observacoes string) (*domain.Exchange, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.RequestStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM exchanges WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if target == domain.RequestConcluida || !domain.CanTransitionExchange(current, target) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidStateForAction, current, target)
	}

	observacoes = strings.TrimSpace(observacoes)
	_, err = tx.ExecContext(ctx, `
		UPDATE exchanges
		SET status = $2, observacoes = CASE WHEN $3 <> '' THEN $3 ELSE observacoes END, updated_at = now()
		WHERE id = $1
	`, id, target, observacoes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetExchange(ctx, id)
}

// ConfirmExchangeReceived restocks the exchanged quantities, mints exactly
// one exchange coupon worth the order's net value, closes the exchange and
// marks the order DEVOLVIDO, all in one transaction.
func (s *Store) ConfirmExchangeReceived(ctx context.Context, id string) (*domain.Exchange, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ex, err := scanExchange(tx.QueryRowContext(ctx, exchangeSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ex.Status != domain.RequestTrocaEmAndamento {
		return nil, fmt.Errorf("%w: exchange is %s", store.ErrInvalidStateForAction, ex.Status)
	}

	order, err := lockOrder(ctx, tx, ex.OrderID)
	if err != nil {
		return nil, err
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT order_item_id, product_id, qty FROM exchange_items WHERE exchange_id = $1
	`, ex.ID)
	if err != nil {
		return nil, err
	}
	items := make([]domain.ExchangeItem, 0, 8)
	for itemRows.Next() {
		var item domain.ExchangeItem
		if err := itemRows.Scan(&item.OrderItemID, &item.ProductID, &item.Qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	for _, item := range items {
		if err := increaseStockTx(ctx, tx, item.ProductID, item.Qty); err != nil {
			return nil, err
		}
	}

	// Coupon value is the whole order's net amount, not the exchanged
	// lines' share.
	orderItems, err := loadOrderItemsTx(ctx, tx, ex.OrderID)
	if err != nil {
		return nil, err
	}
	value := int64(0)
	for _, item := range orderItems {
		value += item.UnitPriceCents * int64(item.Qty)
	}
	value -= order.DiscountCents
	if value < 0 {
		value = 0
	}

	// A unique violation on INSERT aborts the whole transaction, so code
	// collisions are checked with a SELECT and the INSERT runs exactly once.
	now := time.Now().UTC()
	code := ""
	for attempt := 0; attempt < 5; attempt++ {
		candidate := xid.CouponCode()
		var taken bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)
		`, candidate).Scan(&taken); err != nil {
			return nil, err
		}
		if !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		return nil, fmt.Errorf("could not allocate exchange coupon code for %s", ex.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO coupons (code, kind, value_cents, max_uses, used_count, active, exchange_id, client_id, used, created_at)
		VALUES ($1,'EXCHANGE',$2,1,0,true,$3,$4,false,$5)
	`, code, value, ex.ID, ex.ClientID, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE exchanges SET status = $2, coupon_code = $3, updated_at = $4 WHERE id = $1
	`, ex.ID, domain.RequestConcluida, code, now)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1
	`, ex.OrderID, domain.OrderDevolvido, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetExchange(ctx, id)
}

func (s *Store) CreateReturn(ctx context.Context, req domain.ReturnCreateRequest) (*domain.Return, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.ClientID != req.ClientID || !domain.OrderEligibleForReturn(order.Status) {
		return nil, store.ErrOrderNotEligible
	}

	open, err := hasOpenRequest(ctx, tx, "returns", req.OrderID, req.ClientID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, store.ErrRequestOpen
	}

	orderItems, err := loadOrderItemsTx(ctx, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	exchangeItems, err := resolveRequestLines(orderItems, req.Items)
	if err != nil {
		return nil, err
	}
	items := make([]domain.ReturnItem, 0, len(exchangeItems))
	for _, item := range exchangeItems {
		items = append(items, domain.ReturnItem(item))
	}

	now := time.Now().UTC()
	created := domain.Return{
		ID:          xid.New("devolucao"),
		OrderID:     req.OrderID,
		ClientID:    req.ClientID,
		Motivo:      strings.TrimSpace(req.Motivo),
		Observacoes: strings.TrimSpace(req.Observacoes),
		Status:      domain.RequestPendente,
		Items:       items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (id, order_id, client_id, motivo, observacoes, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, created.ID, created.OrderID, created.ClientID, created.Motivo, created.Observacoes, created.Status, created.CreatedAt, created.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, item := range created.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, order_item_id, product_id, qty)
			VALUES ($1,$2,$3,$4)
		`, created.ID, item.OrderItemID, item.ProductID, item.Qty)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetReturn(ctx context.Context, id string) (*domain.Return, error) {
	ret, err := scanReturn(s.db.QueryRowContext(ctx, returnSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ret.Items, err = s.loadReturnItems(ctx, ret.ID); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) ListReturnsByClient(ctx context.Context, clientID string) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, returnSelect+` WHERE client_id = $1 ORDER BY created_at DESC, id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 8)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, *ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range returns {
		if returns[i].Items, err = s.loadReturnItems(ctx, returns[i].ID); err != nil {
			return nil, err
		}
	}
	return returns, nil
}

func (s *Store) UpdateReturnStatus(ctx context.Context, id string, target domain.RequestStatus, observacoes string) (*domain.Return, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.RequestStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM returns WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if target == domain.RequestConcluida || !domain.CanTransitionReturn(current, target) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidStateForAction, current, target)
	}

	observacoes = strings.TrimSpace(observacoes)
	_, err = tx.ExecContext(ctx, `
		UPDATE returns
		SET status = $2, observacoes = CASE WHEN $3 <> '' THEN $3 ELSE observacoes END, updated_at = now()
		WHERE id = $1
	`, id, target, observacoes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReturn(ctx, id)
}

func (s *Store) ConfirmReturnReceived(ctx context.Context, id string) (*domain.Return, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ret, err := scanReturn(tx.QueryRowContext(ctx, returnSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ret.Status != domain.RequestAprovada {
		return nil, fmt.Errorf("%w: return is %s", store.ErrInvalidStateForAction, ret.Status)
	}
	if _, err := lockOrder(ctx, tx, ret.OrderID); err != nil {
		return nil, err
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT product_id, qty FROM return_items WHERE return_id = $1
	`, ret.ID)
	if err != nil {
		return nil, err
	}
	type restockLine struct {
		productID string
		qty       int
	}
	restocks := make([]restockLine, 0, 8)
	for itemRows.Next() {
		var line restockLine
		if err := itemRows.Scan(&line.productID, &line.qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		restocks = append(restocks, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	for _, line := range restocks {
		if err := increaseStockTx(ctx, tx, line.productID, line.qty); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE returns SET status = $2, received_at = $3, updated_at = $3 WHERE id = $1
	`, ret.ID, domain.RequestConcluida, now)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1
	`, ret.OrderID, domain.OrderDevolvido, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReturn(ctx, id)
}

func (s *Store) AppendEvent(ctx context.Context, event domain.OrderEvent) error {
	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_events (id, entity_type, entity_id, order_id, client_id, from_status, to_status, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, event.ID, event.EntityType, event.EntityID, nullIfEmpty(event.OrderID), nullIfEmpty(event.ClientID),
		nullIfEmpty(event.FromStatus), event.ToStatus, nullIfEmpty(event.Detail), event.CreatedAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.OrderEvent, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, COALESCE(order_id, ''), COALESCE(client_id, ''),
			COALESCE(from_status, ''), to_status, COALESCE(detail, ''), created_at
		FROM order_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.OrderEvent, 0, limit)
	for rows.Next() {
		var event domain.OrderEvent
		if err := rows.Scan(&event.ID, &event.EntityType, &event.EntityID, &event.OrderID, &event.ClientID,
			&event.FromStatus, &event.ToStatus, &event.Detail, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, client_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, nullIfEmpty(user.ClientID), user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidRequest
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, COALESCE(client_id, ''), active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.ClientID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const couponSelect = `
	SELECT code, kind, value_cents, percent, max_discount_cents, min_subtotal_cents,
		max_uses, used_count, active, expires_at, COALESCE(exchange_id, ''), COALESCE(client_id, ''), used, created_at
	FROM coupons`

const orderSelect = `
	SELECT id, client_id, subtotal_cents, discount_cents, total_cents,
		coupon_codes, status, payment_status, payment, created_at, updated_at
	FROM orders`

const exchangeSelect = `
	SELECT id, order_id, client_id, motivo, COALESCE(observacoes, ''), status, COALESCE(coupon_code, ''), created_at, updated_at
	FROM exchanges`

const returnSelect = `
	SELECT id, order_id, client_id, motivo, COALESCE(observacoes, ''), status, received_at, created_at, updated_at
	FROM returns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoupon(row rowScanner) (*domain.Coupon, error) {
	var c domain.Coupon
	var expiresAt sql.NullTime
	err := row.Scan(&c.Code, &c.Kind, &c.ValueCents, &c.Percent, &c.MaxDiscountCents, &c.MinSubtotalCents,
		&c.MaxUses, &c.UsedCount, &c.Active, &expiresAt, &c.ExchangeID, &c.ClientID, &c.Used, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		e := expiresAt.Time.UTC()
		c.ExpiresAt = &e
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var codesRaw, paymentRaw []byte
	err := row.Scan(&o.ID, &o.ClientID, &o.SubtotalCents, &o.DiscountCents, &o.TotalCents,
		&codesRaw, &o.Status, &o.PaymentStatus, &paymentRaw, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(codesRaw) > 0 {
		if err := json.Unmarshal(codesRaw, &o.CouponCodes); err != nil {
			return nil, fmt.Errorf("order %s: malformed coupon code list: %w", o.ID, err)
		}
	}
	if len(paymentRaw) > 0 {
		if err := json.Unmarshal(paymentRaw, &o.Payment); err != nil {
			return nil, fmt.Errorf("order %s: malformed payment descriptor: %w", o.ID, err)
		}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func scanExchange(row rowScanner) (*domain.Exchange, error) {
	var ex domain.Exchange
	err := row.Scan(&ex.ID, &ex.OrderID, &ex.ClientID, &ex.Motivo, &ex.Observacoes, &ex.Status, &ex.CouponCode, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.CreatedAt = ex.CreatedAt.UTC()
	ex.UpdatedAt = ex.UpdatedAt.UTC()
	return &ex, nil
}

func scanReturn(row rowScanner) (*domain.Return, error) {
	var ret domain.Return
	var receivedAt sql.NullTime
	err := row.Scan(&ret.ID, &ret.OrderID, &ret.ClientID, &ret.Motivo, &ret.Observacoes, &ret.Status, &receivedAt, &ret.CreatedAt, &ret.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if receivedAt.Valid {
		r := receivedAt.Time.UTC()
		ret.ReceivedAt = &r
	}
	ret.CreatedAt = ret.CreatedAt.UTC()
	ret.UpdatedAt = ret.UpdatedAt.UTC()
	return &ret, nil
}

func (s *Store) loadOrderItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	result := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, id, product_id, title, unit_price_cents, qty, subtotal_cents
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ID, &item.ProductID, &item.Title, &item.UnitPriceCents, &item.Qty, &item.SubtotalCents); err != nil {
			return nil, err
		}
		result[orderID] = append(result[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) loadExchangeItems(ctx context.Context, exchangeID string) ([]domain.ExchangeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_item_id, product_id, qty FROM exchange_items WHERE exchange_id = $1 ORDER BY order_item_id
	`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ExchangeItem, 0, 4)
	for rows.Next() {
		var item domain.ExchangeItem
		if err := rows.Scan(&item.OrderItemID, &item.ProductID, &item.Qty); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) loadReturnItems(ctx context.Context, returnID string) ([]domain.ReturnItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_item_id, product_id, qty FROM return_items WHERE return_id = $1 ORDER BY order_item_id
	`, returnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ReturnItem, 0, 4)
	for rows.Next() {
		var item domain.ReturnItem
		if err := rows.Scan(&item.OrderItemID, &item.ProductID, &item.Qty); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (*domain.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, orderSelect+` WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func loadOrderItemsTx(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.OrderItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, title, unit_price_cents, qty, subtotal_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Title, &item.UnitPriceCents, &item.Qty, &item.SubtotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func hasOpenRequest(ctx context.Context, tx *sql.Tx, table string, orderID string, clientID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT count(*) FROM %s
		WHERE order_id = $1 AND client_id = $2
			AND status IN ('PENDENTE','APROVADA','TROCA_EM_ANDAMENTO','CONCLUIDA')
	`, table), orderID, clientID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func decreaseStockTx(ctx context.Context, tx *sql.Tx, productID string, qty int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $2,
			active = CASE WHEN stock - $2 <= 0 THEN false ELSE active END,
			auto_deactivated = CASE WHEN stock - $2 <= 0 THEN true ELSE auto_deactivated END,
			updated_at = now()
		WHERE id = $1
	`, productID, qty)
	return err
}

func increaseStockTx(ctx context.Context, tx *sql.Tx, productID string, qty int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
			active = CASE WHEN auto_deactivated AND stock + $2 > 0 THEN true ELSE active END,
			auto_deactivated = CASE WHEN auto_deactivated AND stock + $2 > 0 THEN false ELSE auto_deactivated END,
			updated_at = now()
		WHERE id = $1
	`, productID, qty)
	return err
}

func resolveRequestLines(orderItems []domain.OrderItem, lines []domain.RequestLine) ([]domain.ExchangeItem, error) {
	if len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	itemsByID := make(map[string]domain.OrderItem, len(orderItems))
	for _, item := range orderItems {
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

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
