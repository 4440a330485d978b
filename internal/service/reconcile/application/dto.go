// internal/service/reconcile/application/dto.go
package application

import (
	"time"

	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"

	"github.com/shopspring/decimal"
)

// VerifyResult 是核验用例的输出
type VerifyResult struct {
	OrderID         string    `json:"order_id"`
	ProviderOrderID string    `json:"provider_order_id"`
	Status          string    `json:"status"`
	FetchedAt       time.Time `json:"fetched_at"`
}

func newVerifyResult(orderID string, status port.ProviderStatus) VerifyResult {
	return VerifyResult{
		OrderID:         orderID,
		ProviderOrderID: status.ProviderOrderID,
		Status:          status.Status,
		FetchedAt:       status.FetchedAt,
	}
}

// OrderView 是订单对外展示的结构，运营后台和 reconcilectl 共用
type OrderView struct {
	ID                 string              `json:"id"`
	Customer           CustomerView        `json:"customer"`
	Total              MoneyView           `json:"total"`
	Items              []ItemView          `json:"items"`
	State              domain.State        `json:"state"`
	ProviderOrderID    string              `json:"provider_order_id,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	Resolution         *ResolutionView     `json:"resolution,omitempty"`
	LastCaptureFailure *CaptureFailureView `json:"last_capture_failure,omitempty"`
	CaptureAttempts    int                 `json:"capture_attempts"`
	Version            int64               `json:"version"`
}

type CustomerView struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type MoneyView struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type ItemView struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ResolutionView struct {
	Kind     domain.ResolutionKind `json:"kind"`
	Receipt  *ReceiptView          `json:"receipt,omitempty"`
	Approval *ApprovalView         `json:"approval,omitempty"`
}

type ReceiptView struct {
	CaptureID      string    `json:"capture_id"`
	ProviderStatus string    `json:"provider_status"`
	Amount         MoneyView `json:"amount"`
	Reconciled     bool      `json:"reconciled"`
	CapturedAt     time.Time `json:"captured_at"`
}

type ApprovalView struct {
	ApprovedBy string    `json:"approved_by"`
	Notes      string    `json:"notes"`
	ApprovedAt time.Time `json:"approved_at"`
}

type CaptureFailureView struct {
	Reason         string    `json:"reason"`
	OutcomeUnknown bool      `json:"outcome_unknown"`
	FailedAt       time.Time `json:"failed_at"`
}

// ToOrderView 将领域模型转换为展示结构
func ToOrderView(o domain.Order) OrderView {
	view := OrderView{
		ID:              o.ID,
		Customer:        CustomerView{Name: o.Customer.Name, Email: o.Customer.Email},
		Total:           MoneyView{Amount: o.Total.Amount, Currency: o.Total.Currency},
		Items:           make([]ItemView, 0, len(o.Items)),
		State:           o.State,
		ProviderOrderID: o.ProviderOrderID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		CaptureAttempts: o.CaptureAttempts,
		Version:         o.Version,
	}
	for _, item := range o.Items {
		view.Items = append(view.Items, ItemView{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if r := o.Resolution; r != nil {
		view.Resolution = &ResolutionView{Kind: r.Kind}
		if r.Receipt != nil {
			view.Resolution.Receipt = &ReceiptView{
				CaptureID:      r.Receipt.CaptureID,
				ProviderStatus: r.Receipt.ProviderStatus,
				Amount:         MoneyView{Amount: r.Receipt.Amount.Amount, Currency: r.Receipt.Amount.Currency},
				Reconciled:     r.Receipt.Reconciled,
				CapturedAt:     r.Receipt.CapturedAt,
			}
		}
		if r.Approval != nil {
			view.Resolution.Approval = &ApprovalView{
				ApprovedBy: r.Approval.ApprovedBy,
				Notes:      r.Approval.Notes,
				ApprovedAt: r.Approval.ApprovedAt,
			}
		}
	}
	if f := o.LastCaptureFailure; f != nil {
		view.LastCaptureFailure = &CaptureFailureView{
			Reason:         f.Reason,
			OutcomeUnknown: f.OutcomeUnknown,
			FailedAt:       f.FailedAt,
		}
	}
	return view
}

// ToOrderViews 批量转换
func ToOrderViews(orders []domain.Order) []OrderView {
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, ToOrderView(o))
	}
	return views
}

// NewOrderFromEvent 把上游的待支付事件转换为领域订单
func NewOrderFromEvent(event domain.OrderAwaitingPayment) (domain.Order, error) {
	amount, err := decimal.NewFromString(event.Total)
	if err != nil {
		return domain.Order{}, err
	}
	items := make([]domain.Item, 0, len(event.Items))
	for _, item := range event.Items {
		items = append(items, domain.Item{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return domain.NewPendingOrder(
		event.OrderID,
		domain.Customer{Name: event.CustomerName, Email: event.CustomerEmail},
		domain.Money{Amount: amount, Currency: event.Currency},
		items,
		event.ProviderOrderID,
		event.CreatedAt.UTC(),
	)
}
