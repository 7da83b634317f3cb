package domain

import "strings"

// OrderStatus is the canonical order state. Legacy string variants coming in
// from clients or old rows are mapped to these values by NormalizeOrderStatus
// at the ingress boundary; everywhere else only the canonical values exist.
type OrderStatus string

const (
	OrderEmAberto     OrderStatus = "EM_ABERTO"
	OrderProcessando  OrderStatus = "EM_PROCESSAMENTO"
	OrderAprovada     OrderStatus = "APROVADA"
	OrderReprovada    OrderStatus = "REPROVADA"
	OrderEmTransporte OrderStatus = "EM_TRANSPORTE"
	OrderEntregue     OrderStatus = "ENTREGUE"
	OrderDevolvido    OrderStatus = "DEVOLVIDO"
	OrderCancelado    OrderStatus = "CANCELADO"
)

const (
	PaymentAprovado = "APROVADO"
)

// orderTransitions is the full adjacency table of the order state machine.
// ENTREGUE, DEVOLVIDO and CANCELADO have no outgoing edges. DEVOLVIDO is
// reachable only through the exchange/return workflow, never through a plain
// transition request.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderEmAberto:     {OrderAprovada, OrderReprovada, OrderProcessando, OrderCancelado},
	OrderProcessando:  {OrderAprovada, OrderReprovada, OrderCancelado},
	OrderAprovada:     {OrderEmTransporte, OrderCancelado},
	OrderEmTransporte: {OrderEntregue, OrderCancelado},
	OrderReprovada:    {OrderCancelado},
	OrderEntregue:     {},
	OrderDevolvido:    {},
	OrderCancelado:    {},
}

// CanTransition reports whether the order state machine allows from -> to.
func CanTransition(from OrderStatus, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RestocksOnTransition reports whether moving from -> to must restore the
// order's reserved inventory. Stock is reserved at creation, so a negative
// terminal outcome before the goods leave custody reverses it. ENTREGUE and
// DEVOLVIDO never restock here (goods already left; returns restock through
// the receipt confirmation instead), and EM_TRANSPORTE -> CANCELADO does not
// restock because the goods are already out the door.
func RestocksOnTransition(from OrderStatus, to OrderStatus) bool {
	if to != OrderCancelado && to != OrderReprovada {
		return false
	}
	switch from {
	case OrderEmAberto, OrderProcessando, OrderAprovada:
		return true
	default:
		return false
	}
}

// NormalizeOrderStatus maps the status spellings seen in the wild (spaces,
// lowercase, legacy short forms) to a canonical OrderStatus. The empty string
// is returned for anything unrecognized.
func NormalizeOrderStatus(raw string) OrderStatus {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, " ", "_")
	switch key {
	case "EM_ABERTO", "ABERTO":
		return OrderEmAberto
	case "EM_PROCESSAMENTO", "PROCESSANDO":
		return OrderProcessando
	case "APROVADA", "APROVADO":
		return OrderAprovada
	case "REPROVADA", "REPROVADO":
		return OrderReprovada
	case "EM_TRANSPORTE", "TRANSPORTE":
		return OrderEmTransporte
	case "ENTREGUE":
		return OrderEntregue
	case "DEVOLVIDO", "DEVOLVIDA":
		return OrderDevolvido
	case "CANCELADO", "CANCELADA":
		return OrderCancelado
	default:
		return ""
	}
}

// RequestStatus is the canonical state of an exchange or return request.
// The two workflows share names but not machines: an approved exchange is
// normalized straight to TROCA_EM_ANDAMENTO (approval only signals "awaiting
// the physical goods"), while an approved return stays APROVADA until receipt.
type RequestStatus string

const (
	RequestPendente         RequestStatus = "PENDENTE"
	RequestAprovada         RequestStatus = "APROVADA"
	RequestTrocaEmAndamento RequestStatus = "TROCA_EM_ANDAMENTO"
	RequestConcluida        RequestStatus = "CONCLUIDA"
	RequestNegada           RequestStatus = "NEGADA"
	RequestCancelada        RequestStatus = "CANCELADA"
)

var exchangeTransitions = map[RequestStatus][]RequestStatus{
	RequestPendente:         {RequestTrocaEmAndamento, RequestNegada, RequestCancelada},
	RequestTrocaEmAndamento: {RequestConcluida, RequestCancelada},
	RequestConcluida:        {},
	RequestNegada:           {},
	RequestCancelada:        {},
}

var returnTransitions = map[RequestStatus][]RequestStatus{
	RequestPendente:  {RequestAprovada, RequestNegada, RequestCancelada},
	RequestAprovada:  {RequestConcluida, RequestCancelada},
	RequestConcluida: {},
	RequestNegada:    {},
	RequestCancelada: {},
}

func CanTransitionExchange(from RequestStatus, to RequestStatus) bool {
	for _, allowed := range exchangeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func CanTransitionReturn(from RequestStatus, to RequestStatus) bool {
	for _, allowed := range returnTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// BlocksNewRequest reports whether an existing request in this status stops
// the same client from opening another one against the same order.
func BlocksNewRequest(status RequestStatus) bool {
	switch status {
	case RequestPendente, RequestAprovada, RequestTrocaEmAndamento, RequestConcluida:
		return true
	default:
		return false
	}
}

// OrderEligibleForExchange: only delivered orders can be exchanged.
func OrderEligibleForExchange(status OrderStatus) bool {
	return status == OrderEntregue
}

/// OrderEligibleForReturn: returns may start as soon as the order is approved.
func OrderEligibleForReturn(status OrderStatus) bool {
	switch status {
	case OrderAprovada, OrderEmTransporte, OrderEntregue:
		return true
	default:
		return false
	}
}
