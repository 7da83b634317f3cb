package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"vitrine/backend/internal/domain"
)

func TestCancelOrderRestocksProduct(t *testing.T) {
	databaseURL := os.Getenv("VITRINE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set VITRINE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("PROD-IT-%d", stamp)
	clientID := fmt.Sprintf("cli-it-%d", stamp)
	cardID := fmt.Sprintf("card-it-%d", stamp)

	var orderID string
	t.Cleanup(func() {
		if orderID != "" {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
		}
		_, _ = s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, clientID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, title, category, price_cents, stock, active, auto_deactivated, created_at, updated_at)
		VALUES ($1, 'Camiseta Integração', 'camisetas', 2500, 3, true, false, now(), now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	cards, err := json.Marshal([]domain.Card{{ID: cardID, Holder: "TESTE IT", Last4: "0001", Brand: "visa"}})
	if err != nil {
		t.Fatalf("marshal cards: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, cards, addresses)
		VALUES ($1, 'Cliente Integração', $2, '[]')
	`, clientID, cards); err != nil {
		t.Fatalf("insert client: %v", err)
	}

	created, err := s.CreateOrder(ctx, domain.Order{
		ClientID: clientID,
		Items:    []domain.OrderItem{{ProductID: productID, Qty: 3}},
		Payment: domain.PaymentRequest{
			Kind:    domain.PaymentOne,
			Entries: []domain.PaymentEntry{{CardID: cardID, AmountCents: 7500}},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	orderID = created.ID

	// The whole stock was reserved, so the product must be auto-deactivated.
	var stock int
	var active bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT stock, active FROM products WHERE id = $1
	`, productID).Scan(&stock, &active); err != nil {
		t.Fatalf("query product: %v", err)
	}
	if stock != 0 || active {
		t.Fatalf("expected stock 0 and inactive after full reservation, got stock=%d active=%t", stock, active)
	}

	if _, err := s.TransitionOrder(ctx, orderID, domain.OrderCancelado); err != nil {
		t.Fatalf("cancel order: %v", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT stock, active FROM products WHERE id = $1
	`, productID).Scan(&stock, &active); err != nil {
		t.Fatalf("query product after cancel: %v", err)
	}
	if stock != 3 || !active {
		t.Fatalf("expected stock 3 and reactivated after cancel, got stock=%d active=%t", stock, active)
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderCancelado {
		t.Fatalf("expected CANCELADO, got %s", order.Status)
	}
}

func TestConfirmExchangeReceivedMintsCoupon(t *testing.T) {
	databaseURL := os.Getenv("VITRINE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set VITRINE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("PROD-IT-EX-%d", stamp)
	clientID := fmt.Sprintf("cli-it-ex-%d", stamp)
	cardID := fmt.Sprintf("card-it-ex-%d", stamp)

	var orderID, exchangeID, couponCode string
	t.Cleanup(func() {
		if couponCode != "" {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM coupons WHERE code = $1`, couponCode)
		}
		if exchangeID != "" {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM exchange_items WHERE exchange_id = $1`, exchangeID)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE id = $1`, exchangeID)
		}
		if orderID != "" {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
		}
		_, _ = s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, clientID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, title, category, price_cents, stock, active, auto_deactivated, created_at, updated_at)
		VALUES ($1, 'Vestido Integração', 'vestidos', 18000, 5, true, false, now(), now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	cards, err := json.Marshal([]domain.Card{{ID: cardID, Holder: "TESTE IT", Last4: "0002", Brand: "visa"}})
	if err != nil {
		t.Fatalf("marshal cards: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, cards, addresses)
		VALUES ($1, 'Cliente Integração', $2, '[]')
	`, clientID, cards); err != nil {
		t.Fatalf("insert client: %v", err)
	}

	created, err := s.CreateOrder(ctx, domain.Order{
		ClientID: clientID,
		Items:    []domain.OrderItem{{ProductID: productID, Qty: 2}},
		Payment: domain.PaymentRequest{
			Kind:    domain.PaymentOne,
			Entries: []domain.PaymentEntry{{CardID: cardID, AmountCents: 36000}},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	orderID = created.ID

	for _, target := range []domain.OrderStatus{domain.OrderAprovada, domain.OrderEmTransporte, domain.OrderEntregue} {
		if _, err := s.TransitionOrder(ctx, orderID, target); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}

	exchange, err := s.CreateExchange(ctx, domain.ExchangeCreateRequest{
		OrderID:  orderID,
		ClientID: clientID,
		Motivo:   "tamanho errado",
		Items:    []domain.RequestLine{{OrderItemID: created.Items[0].ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("create exchange: %v", err)
	}
	exchangeID = exchange.ID

	if _, err := s.UpdateExchangeStatus(ctx, exchangeID, domain.RequestTrocaEmAndamento, ""); err != nil {
		t.Fatalf("approve exchange: %v", err)
	}

	confirmed, err := s.ConfirmExchangeReceived(ctx, exchangeID)
	if err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}
	couponCode = confirmed.CouponCode
	if confirmed.Status != domain.RequestConcluida || couponCode == "" {
		t.Fatalf("expected CONCLUIDA with coupon code, got status=%s code=%q", confirmed.Status, couponCode)
	}

	coupon, err := s.GetCoupon(ctx, couponCode)
	if err != nil {
		t.Fatalf("get minted coupon: %v", err)
	}
	if coupon.Kind != domain.CouponExchange || coupon.ValueCents != 36000 || coupon.ClientID != clientID {
		t.Fatalf("unexpected minted coupon: kind=%s value=%d client=%s", coupon.Kind, coupon.ValueCents, coupon.ClientID)
	}

	var stock int
	if err := s.db.QueryRowContext(ctx, `
		SELECT stock FROM products WHERE id = $1
	`, productID).Scan(&stock); err != nil {
		t.Fatalf("query product: %v", err)
	}
	if stock != 5 {
		t.Fatalf("expected stock restored to 5 after receipt, got %d", stock)
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderDevolvido {
		t.Fatalf("expected DEVOLVIDO, got %s", order.Status)
	}
}
