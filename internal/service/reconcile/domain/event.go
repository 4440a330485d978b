// internal/service/reconcile/domain/event.go
package domain

import "time"

// OrderAwaitingPayment 是上游下单系统在订单进入待支付时发布的事件
type OrderAwaitingPayment struct {
	EventID         string         `json:"eventId"`
	OrderID         string         `json:"orderId"`
	CustomerName    string         `json:"customerName"`
	CustomerEmail   string         `json:"customerEmail"`
	Total           string         `json:"total"`
	Currency        string         `json:"currency"`
	Items           []AwaitingItem `json:"items"`
	ProviderOrderID string         `json:"providerOrderId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

type AwaitingItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderTransitioned 在每次订单状态成功写入后发布，供审计和运营后台实时刷新使用
type OrderTransitioned struct {
	EventID        string         `json:"eventId"`
	OrderID        string         `json:"orderId"`
	From           State          `json:"from"`
	To             State          `json:"to"`
	Version        int64          `json:"version"`
	Actor          string         `json:"actor,omitempty"`
	ResolutionKind ResolutionKind `json:"resolutionKind,omitempty"`
	Reconciled     bool           `json:"reconciled,omitempty"`
	OutcomeUnknown bool           `json:"outcomeUnknown,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}
