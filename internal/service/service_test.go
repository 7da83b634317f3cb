package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vitrine/backend/internal/cache"
	"vitrine/backend/internal/coupon"
	"vitrine/backend/internal/domain"
	"vitrine/backend/internal/store"
	"vitrine/backend/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	return New(repo, coupon.NewEngine(), cache.NoopCatalogCache{}, 30*time.Second)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func anaCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "ana", Role: "cliente", ClientID: "cli-ana"})
}

func brunoCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "bruno", Role: "cliente", ClientID: "cli-bruno"})
}

func singleCardPayment(cardID string, amountCents int64) domain.PaymentRequest {
	return domain.PaymentRequest{
		Kind:    domain.PaymentOne,
		Entries: []domain.PaymentEntry{{CardID: cardID, AmountCents: amountCents}},
	}
}

// deliveredOrder creates an order for Ana and drives it to ENTREGUE.
func deliveredOrder(t *testing.T, svc *Service) domain.Order {
	t.Helper()

	order, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:   []domain.OrderLineRequest{{ProductID: "PROD-CAMISETA-01", Qty: 2}},
		Payment: singleCardPayment("card-ana-1", 5000),
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	for _, status := range []string{"APROVADA", "EM_TRANSPORTE", "ENTREGUE"} {
		order, err = svc.TransitionOrder(adminCtx(), order.ID, status)
		if err != nil {
			t.Fatalf("transition to %s failed: %v", status, err)
		}
	}
	return order
}

func TestCreateOrderWithFixedCoupon(t *testing.T) {
	svc := newTestService()

	order, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:       []domain.OrderLineRequest{{ProductID: "PROD-CAMISETA-01", Qty: 2}},
		CouponCodes: []string{"fixo15"},
		Payment:     singleCardPayment("card-ana-1", 3500),
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if order.SubtotalCents != 5000 {
		t.Fatalf("expected subtotal 5000, got %d", order.SubtotalCents)
	}
	if order.DiscountCents != 1500 {
		t.Fatalf("expected discount 1500, got %d", order.DiscountCents)
	}
	if order.TotalCents != 3500 {
		t.Fatalf("expected total 3500, got %d", order.TotalCents)
	}
	if order.Status != domain.OrderEmAberto {
		t.Fatalf("expected status EM_ABERTO, got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentAprovado {
		t.Fatalf("expected payment APROVADO, got %s", order.PaymentStatus)
	}

	product, err := svc.GetProduct(context.Background(), "PROD-CAMISETA-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 38 {
		t.Fatalf("expected stock 38 after purchase, got %d", product.Stock)
	}
}

func TestCreateOrderRejectsTwoCardMismatch(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:       []domain.OrderLineRequest{{ProductID: "PROD-CAMISETA-01", Qty: 2}},
		CouponCodes: []string{"FIXO15"},
		Payment: domain.PaymentRequest{
			Kind: domain.PaymentTwo,
			Entries: []domain.PaymentEntry{
				{CardID: "card-ana-1", AmountCents: 2000},
				{CardID: "card-ana-2", AmountCents: 1400},
			},
		},
	})
	if !errors.Is(err, store.ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment, got %v", err)
	}

	// The failed attempt must not have touched stock or the coupon.
	product, err := svc.GetProduct(context.Background(), "PROD-CAMISETA-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 40 {
		t.Fatalf("expected stock 40 after rejected order, got %d", product.Stock)
	}

	validation, err := svc.ValidateCoupon(anaCtx(), domain.CouponValidateRequest{Code: "FIXO15", SubtotalCents: 5000})
	if err != nil {
		t.Fatalf("validate coupon failed: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("expected coupon still valid, got reason %q", validation.Reason)
	}
}

func TestCreateOrderTwoCardsOneCentMismatchRejected(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items: []domain.OrderLineRequest{{ProductID: "PROD-CAMISETA-01", Qty: 2}},
		Payment: domain.PaymentRequest{
			Kind: domain.PaymentTwo,
			Entries: []domain.PaymentEntry{
				{CardID: "card-ana-1", AmountCents: 2500},
				{CardID: "card-ana-2", AmountCents: 2501},
			},
		},
	})
	if !errors.Is(err, store.ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment for 1 cent overpayment, got %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "PROD-CAMISETA-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 40 {
		t.Fatalf("expected stock 40 after rejected order, got %d", product.Stock)
	}
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	svc := newTestService()

	const attempts = 8
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
				Items:   []domain.OrderLineRequest{{ProductID: "PROD-EDICAO-01", Qty: 1}},
				Payment: singleCardPayment("card-ana-1", 9900),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, store.ErrOutOfStock) && !errors.Is(err, store.ErrProductInactive) {
			t.Fatalf("unexpected error on concurrent order: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 successful order for the last unit, got %d", succeeded)
	}

	// Stock hit zero, so the product must have been deactivated and must
	// disappear from the catalog.
	products, err := svc.ListCatalog(context.Background())
	if err != nil {
		t.Fatalf("list catalog failed: %v", err)
	}
	for _, p := range products {
		if p.ID == "PROD-EDICAO-01" {
			t.Fatalf("expected sold-out product to leave the catalog")
		}
	}
}

func TestCancelRestoresStockAndReactivates(t *testing.T) {
	svc := newTestService()

	order, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:   []domain.OrderLineRequest{{ProductID: "PROD-EDICAO-01", Qty: 1}},
		Payment: singleCardPayment("card-ana-1", 9900),
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if _, err := svc.TransitionOrder(anaCtx(), order.ID, "CANCELADO"); err != nil {
		t.Fatalf("client cancel failed: %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "PROD-EDICAO-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 1 || !product.Active {
		t.Fatalf("expected stock restored and product reactivated, got stock=%d active=%t", product.Stock, product.Active)
	}
}

func TestTransitionRules(t *testing.T) {
	svc := newTestService()
	order := deliveredOrder(t, svc)

	// ENTREGUE is terminal for plain transitions.
	if _, err := svc.TransitionOrder(adminCtx(), order.ID, "CANCELADO"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from ENTREGUE, got %v", err)
	}
	// DEVOLVIDO is never reachable through a transition request.
	if _, err := svc.TransitionOrder(adminCtx(), order.ID, "DEVOLVIDO"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for DEVOLVIDO, got %v", err)
	}
	// Clients may only cancel.
	if _, err := svc.TransitionOrder(anaCtx(), order.ID, "APROVADA"); err == nil {
		t.Fatalf("expected client transition other than cancel to fail")
	}
}

func TestShippedCancelDoesNotRestock(t *testing.T) {
	svc := newTestService()

	order, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:   []domain.OrderLineRequest{{ProductID: "PROD-CAMISETA-01", Qty: 2}},
		Payment: singleCardPayment("card-ana-1", 5000),
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	for _, status := range []string{"APROVADA", "EM_TRANSPORTE", "CANCELADO"} {
		if order, err = svc.TransitionOrder(adminCtx(), order.ID, status); err != nil {
			t.Fatalf("transition to %s failed: %v", status, err)
		}
	}

	product, err := svc.GetProduct(context.Background(), "PROD-CAMISETA-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 38 {
		t.Fatalf("goods already shipped, expected stock to stay 38, got %d", product.Stock)
	}
}

func TestExchangeMintsCouponOnReceipt(t *testing.T) {
	svc := newTestService()
	order := deliveredOrder(t, svc)

	ex, err := svc.RequestExchange(anaCtx(), domain.ExchangeCreateRequest{
		OrderID: order.ID,
		Motivo:  "tamanho errado",
		Items:   []domain.RequestLine{{OrderItemID: order.Items[0].ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("request exchange failed: %v", err)
	}
	if ex.Status != domain.RequestPendente {
		t.Fatalf("expected PENDENTE, got %s", ex.Status)
	}

	ex, err = svc.ApproveExchange(adminCtx(), ex.ID)
	if err != nil {
		t.Fatalf("approve exchange failed: %v", err)
	}
	if ex.Status != domain.RequestTrocaEmAndamento {
		t.Fatalf("expected TROCA_EM_ANDAMENTO, got %s", ex.Status)
	}

	ex, err = svc.ConfirmExchangeReceived(adminCtx(), ex.ID)
	if err != nil {
		t.Fatalf("confirm receipt failed: %v", err)
	}
	if ex.Status != domain.RequestConcluida || ex.CouponCode == "" {
		t.Fatalf("expected CONCLUIDA with coupon, got status=%s coupon=%q", ex.Status, ex.CouponCode)
	}

	// Coupon value is the whole order's net amount, regardless of how many
	// items came back.
	coupons, err := svc.ListCoupons(adminCtx())
	if err != nil {
		t.Fatalf("list coupons failed: %v", err)
	}
	var minted *domain.Coupon
	for i := range coupons {
		if coupons[i].Code == ex.CouponCode {
			minted = &coupons[i]
			break
		}
	}
	if minted == nil {
		t.Fatalf("minted coupon %s not found", ex.CouponCode)
	}
	if minted.Kind != domain.CouponExchange || minted.ValueCents != 5000 || minted.ClientID != "cli-ana" {
		t.Fatalf("unexpected minted coupon: %+v", minted)
	}

	// One exchanged unit back on the shelf: 40 - 2 + 1.
	product, err := svc.GetProduct(context.Background(), "PROD-CAMISETA-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 39 {
		t.Fatalf("expected stock 39 after restock, got %d", product.Stock)
	}

	updated, err := svc.GetOrder(anaCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if updated.Status != domain.OrderDevolvido {
		t.Fatalf("expected order DEVOLVIDO, got %s", updated.Status)
	}
}

func TestExchangeCouponIsSingleUseAndOwned(t *testing.T) {
	svc := newTestService()
	order := deliveredOrder(t, svc)

	ex, err := svc.RequestExchange(anaCtx(), domain.ExchangeCreateRequest{
		OrderID: order.ID,
		Motivo:  "defeito",
		Items:   []domain.RequestLine{{OrderItemID: order.Items[0].ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("request exchange failed: %v", err)
	}
	if _, err := svc.ApproveExchange(adminCtx(), ex.ID); err != nil {
		t.Fatalf("approve exchange failed: %v", err)
	}
	ex, err = svc.ConfirmExchangeReceived(adminCtx(), ex.ID)
	if err != nil {
		t.Fatalf("confirm receipt failed: %v", err)
	}

	// Another client cannot use the minted code.
	validation, err := svc.ValidateCoupon(brunoCtx(), domain.CouponValidateRequest{Code: ex.CouponCode, SubtotalCents: 10000})
	if err != nil {
		t.Fatalf("validate coupon failed: %v", err)
	}
	if validation.Valid {
		t.Fatalf("expected ownership check to reject another client")
	}

	// The owner spends it once.
	first, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:       []domain.OrderLineRequest{{ProductID: "PROD-CALCA-01", Qty: 1}},
		CouponCodes: []string{ex.CouponCode},
		Payment:     singleCardPayment("card-ana-1", 7000),
	})
	if err != nil {
		t.Fatalf("order with exchange coupon failed: %v", err)
	}
	if first.DiscountCents != 5000 {
		t.Fatalf("expected 5000 discount from exchange coupon, got %d", first.DiscountCents)
	}

	// Second use must fail.
	_, err = svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:       []domain.OrderLineRequest{{ProductID: "PROD-CALCA-01", Qty: 1}},
		CouponCodes: []string{ex.CouponCode},
		Payment:     singleCardPayment("card-ana-1", 7000),
	})
	if !errors.Is(err, store.ErrCouponUsed) {
		t.Fatalf("expected ErrCouponUsed on reuse, got %v", err)
	}
}

func TestReturnIneligibleOrderRejected(t *testing.T) {
	svc := newTestService()

	order, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:   []domain.OrderLineRequest{{ProductID: "PROD-CAMISETA-01", Qty: 1}},
		Payment: singleCardPayment("card-ana-1", 2500),
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	_, err = svc.RequestReturn(anaCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Motivo:  "desisti da compra",
		Items:   []domain.RequestLine{{OrderItemID: order.Items[0].ID, Qty: 1}},
	})
	if !errors.Is(err, store.ErrOrderNotEligible) {
		t.Fatalf("expected ErrOrderNotEligible for EM_ABERTO order, got %v", err)
	}
}

func TestReturnLifecycleRestocksWithoutCoupon(t *testing.T) {
	svc := newTestService()
	order := deliveredOrder(t, svc)

	ret, err := svc.RequestReturn(anaCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Motivo:  "produto com defeito",
		Items:   []domain.RequestLine{{OrderItemID: order.Items[0].ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("request return failed: %v", err)
	}

	ret, err = svc.ApproveReturn(adminCtx(), ret.ID)
	if err != nil {
		t.Fatalf("approve return failed: %v", err)
	}
	if ret.Status != domain.RequestAprovada {
		t.Fatalf("expected APROVADA, got %s", ret.Status)
	}

	ret, err = svc.ConfirmReturnReceived(adminCtx(), ret.ID)
	if err != nil {
		t.Fatalf("confirm return failed: %v", err)
	}
	if ret.Status != domain.RequestConcluida || ret.ReceivedAt == nil {
		t.Fatalf("expected CONCLUIDA with receipt timestamp, got %+v", ret)
	}

	product, err := svc.GetProduct(context.Background(), "PROD-CAMISETA-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 40 {
		t.Fatalf("expected full restock to 40, got %d", product.Stock)
	}

	updated, err := svc.GetOrder(anaCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if updated.Status != domain.OrderDevolvido {
		t.Fatalf("expected order DEVOLVIDO, got %s", updated.Status)
	}
}

func TestOpenRequestBlocksSecond(t *testing.T) {
	svc := newTestService()
	order := deliveredOrder(t, svc)

	if _, err := svc.RequestExchange(anaCtx(), domain.ExchangeCreateRequest{
		OrderID: order.ID,
		Motivo:  "tamanho errado",
		Items:   []domain.RequestLine{{OrderItemID: order.Items[0].ID, Qty: 1}},
	}); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	_, err := svc.RequestExchange(anaCtx(), domain.ExchangeCreateRequest{
		OrderID: order.ID,
		Motivo:  "mudei de ideia",
		Items:   []domain.RequestLine{{OrderItemID: order.Items[0].ID, Qty: 1}},
	})
	if !errors.Is(err, store.ErrRequestOpen) {
		t.Fatalf("expected ErrRequestOpen, got %v", err)
	}
}

func TestExchangeRejectsForeignItemsAndExcessQty(t *testing.T) {
	svc := newTestService()
	order := deliveredOrder(t, svc)

	_, err := svc.RequestExchange(anaCtx(), domain.ExchangeCreateRequest{
		OrderID: order.ID,
		Motivo:  "item errado",
		Items:   []domain.RequestLine{{OrderItemID: "item-nao-existe", Qty: 1}},
	})
	if !errors.Is(err, store.ErrItemMismatch) {
		t.Fatalf("expected ErrItemMismatch, got %v", err)
	}

	_, err = svc.RequestExchange(anaCtx(), domain.ExchangeCreateRequest{
		OrderID: order.ID,
		Motivo:  "quantidade",
		Items:   []domain.RequestLine{{OrderItemID: order.Items[0].ID, Qty: 3}},
	})
	if !errors.Is(err, store.ErrQuantityExceeded) {
		t.Fatalf("expected ErrQuantityExceeded, got %v", err)
	}
}

func TestCouponStackingFinalCheckoutBase(t *testing.T) {
	svc := newTestService()

	// Subtotal 12000: FIXO15 takes 1500, then FINAL5 takes 5% of the
	// remaining 10500 = 525. Total 12000 - 2025 = 9975.
	order, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:       []domain.OrderLineRequest{{ProductID: "PROD-CALCA-01", Qty: 1}},
		CouponCodes: []string{"FIXO15", "FINAL5"},
		Payment:     singleCardPayment("card-ana-1", 9975),
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if order.DiscountCents != 2025 || order.TotalCents != 9975 {
		t.Fatalf("expected discount 2025 total 9975, got discount=%d total=%d", order.DiscountCents, order.TotalCents)
	}
}

func TestDuplicateCouponRejected(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateOrder(anaCtx(), domain.OrderCreateRequest{
		Items:       []domain.OrderLineRequest{{ProductID: "PROD-CALCA-01", Qty: 1}},
		CouponCodes: []string{"FIXO15", "fixo15"},
		Payment:     singleCardPayment("card-ana-1", 9000),
	})
	if !errors.Is(err, store.ErrInvalidCoupon) {
		t.Fatalf("expected ErrInvalidCoupon for duplicate code, got %v", err)
	}
}

func TestOwnershipHidesForeignRecords(t *testing.T) {
	svc := newTestService()
	order := deliveredOrder(t, svc)

	if _, err := svc.GetOrder(brunoCtx(), order.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign order hidden as not found, got %v", err)
	}
}

func TestAdminCreatesCouponAndClientValidates(t *testing.T) {
	svc := newTestService()

	created, err := svc.CreateCoupon(adminCtx(), domain.CouponCreateRequest{
		Code:             "NATAL20",
		Kind:             "PERCENTAGE",
		Percent:          20,
		MaxDiscountCents: 4000,
		MinSubtotalCents: 10000,
		MaxUses:          50,
	})
	if err != nil {
		t.Fatalf("create coupon failed: %v", err)
	}
	if created.Kind != domain.CouponPercentage || !created.Active {
		t.Fatalf("unexpected created coupon: %+v", created)
	}

	validation, err := svc.ValidateCoupon(anaCtx(), domain.CouponValidateRequest{Code: "NATAL20", SubtotalCents: 30000})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	// 20% of 30000 is 6000, capped at 4000.
	if !validation.Valid || validation.DiscountCents != 4000 {
		t.Fatalf("expected valid with capped 4000 discount, got %+v", validation)
	}

	if _, err := svc.CreateCoupon(anaCtx(), domain.CouponCreateRequest{Code: "HACK", Kind: "FIXED", ValueCents: 100}); err == nil {
		t.Fatalf("expected client coupon creation to fail")
	}
}

func TestEventsRecordLifecycle(t *testing.T) {
	svc := newTestService()
	deliveredOrder(t, svc)

	events, err := svc.ListEvents(adminCtx(), 50)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) < 4 {
		t.Fatalf("expected creation plus three transitions, got %d events", len(events))
	}
	if events[0].ToStatus != string(domain.OrderEntregue) {
		t.Fatalf("expected newest event ENTREGUE, got %s", events[0].ToStatus)
	}

	if _, err := svc.ListEvents(anaCtx(), 50); err == nil {
		t.Fatalf("expected events feed to require admin")
	}
}
