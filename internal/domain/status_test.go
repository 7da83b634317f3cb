package domain

import "testing"

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderEmAberto, OrderAprovada, true},
		{OrderEmAberto, OrderProcessando, true},
		{OrderEmAberto, OrderCancelado, true},
		{OrderEmAberto, OrderEntregue, false},
		{OrderProcessando, OrderReprovada, true},
		{OrderAprovada, OrderEmTransporte, true},
		{OrderEmTransporte, OrderEntregue, true},
		{OrderEmTransporte, OrderCancelado, true},
		{OrderReprovada, OrderCancelado, true},
		{OrderEntregue, OrderCancelado, false},
		{OrderCancelado, OrderEmAberto, false},
		{OrderDevolvido, OrderEmAberto, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRestocksOnTransition(t *testing.T) {
	cases := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderEmAberto, OrderCancelado, true},
		{OrderProcessando, OrderCancelado, true},
		{OrderAprovada, OrderCancelado, true},
		{OrderProcessando, OrderReprovada, true},
		// Goods already shipped: cancelling does not return them to stock.
		{OrderEmTransporte, OrderCancelado, false},
		{OrderAprovada, OrderEmTransporte, false},
		{OrderEmTransporte, OrderEntregue, false},
	}
	for _, tc := range cases {
		if got := RestocksOnTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("RestocksOnTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNormalizeOrderStatusSpellings(t *testing.T) {
	cases := map[string]OrderStatus{
		"EM_ABERTO":      OrderEmAberto,
		"aberto":         OrderEmAberto,
		"em processamento": OrderProcessando,
		"PROCESSANDO":    OrderProcessando,
		"aprovado":       OrderAprovada,
		"APROVADA":       OrderAprovada,
		"cancelada":      OrderCancelado,
		" entregue ":     OrderEntregue,
		"DEVOLVIDA":      OrderDevolvido,
		"transporte":     OrderEmTransporte,
		"nonsense":       "",
		"":               "",
	}
	for raw, want := range cases {
		if got := NormalizeOrderStatus(raw); got != want {
			t.Errorf("NormalizeOrderStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestExchangeAndReturnMachinesDiffer(t *testing.T) {
	// An approved exchange goes straight to TROCA_EM_ANDAMENTO.
	if !CanTransitionExchange(RequestPendente, RequestTrocaEmAndamento) {
		t.Fatalf("expected PENDENTE -> TROCA_EM_ANDAMENTO for exchanges")
	}
	if CanTransitionExchange(RequestPendente, RequestAprovada) {
		t.Fatalf("exchanges have no APROVADA resting state")
	}

	// Returns rest in APROVADA until the goods arrive.
	if !CanTransitionReturn(RequestPendente, RequestAprovada) {
		t.Fatalf("expected PENDENTE -> APROVADA for returns")
	}
	if CanTransitionReturn(RequestPendente, RequestTrocaEmAndamento) {
		t.Fatalf("returns never enter TROCA_EM_ANDAMENTO")
	}

	if !CanTransitionExchange(RequestTrocaEmAndamento, RequestConcluida) {
		t.Fatalf("expected TROCA_EM_ANDAMENTO -> CONCLUIDA")
	}
	if !CanTransitionReturn(RequestAprovada, RequestConcluida) {
		t.Fatalf("expected APROVADA -> CONCLUIDA")
	}
	if CanTransitionExchange(RequestConcluida, RequestCancelada) {
		t.Fatalf("CONCLUIDA is terminal")
	}
}

func TestBlocksNewRequest(t *testing.T) {
	blocking := []RequestStatus{RequestPendente, RequestAprovada, RequestTrocaEmAndamento, RequestConcluida}
	for _, status := range blocking {
		if !BlocksNewRequest(status) {
			t.Errorf("expected %s to block a new request", status)
		}
	}
	for _, status := range []RequestStatus{RequestNegada, RequestCancelada} {
		if BlocksNewRequest(status) {
			t.Errorf("expected %s to allow a new request", status)
		}
	}
}

func TestOrderEligibility(t *testing.T) {
	if !OrderEligibleForExchange(OrderEntregue) {
		t.Fatalf("delivered orders must be exchangeable")
	}
	if OrderEligibleForExchange(OrderEmTransporte) {
		t.Fatalf("exchanges require delivery")
	}

	for _, status := range []OrderStatus{OrderAprovada, OrderEmTransporte, OrderEntregue} {
		if !OrderEligibleForReturn(status) {
			t.Errorf("expected %s to be return-eligible", status)
		}
	}
	if OrderEligibleForReturn(OrderEmAberto) {
		t.Fatalf("open orders cannot be returned")
	}
}
