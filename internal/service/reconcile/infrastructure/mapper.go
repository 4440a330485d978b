package infrastructure

import (
	"time"

	"payrecon/internal/service/reconcile/domain"

	"github.com/shopspring/decimal"
)

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(model *OrderModel) domain.Order {
	order := domain.Order{
		ID:              model.ID,
		Customer:        domain.Customer{Name: model.CustomerName, Email: model.CustomerEmail},
		Total:           domain.Money{Amount: model.TotalAmount, Currency: model.Currency},
		State:           domain.State(model.State),
		ProviderOrderID: model.ProviderOrderID,
		CreatedAt:       model.CreatedAt.UTC(),
		UpdatedAt:       model.UpdatedAt.UTC(),
		CaptureAttempts: model.CaptureAttempts,
		Version:         model.Version,
	}
	order.Items = make([]domain.Item, 0, len(model.Items))
	for _, item := range model.Items {
		order.Items = append(order.Items, domain.Item{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	switch domain.ResolutionKind(model.ResolutionKind) {
	case domain.ResolutionCapture:
		receipt := &domain.CaptureReceipt{
			CaptureID:      model.CaptureID,
			ProviderStatus: model.ProviderStatus,
			Amount:         domain.Money{Amount: model.CaptureAmount.Decimal, Currency: model.CaptureCurrency},
			Reconciled:     model.Reconciled,
			CapturedAt:     derefTime(model.CapturedAt),
		}
		order.Resolution = &domain.Resolution{Kind: domain.ResolutionCapture, Receipt: receipt}
	case domain.ResolutionManual:
		approval := &domain.ManualApproval{
			ApprovedBy: model.ApprovedBy,
			Notes:      model.ApprovalNotes,
			ApprovedAt: derefTime(model.ApprovedAt),
		}
		order.Resolution = &domain.Resolution{Kind: domain.ResolutionManual, Approval: approval}
	}

	if model.FailedAt != nil {
		order.LastCaptureFailure = &domain.CaptureFailure{
			Reason:         model.FailureReason,
			OutcomeUnknown: model.FailureOutcomeUnknown,
			FailedAt:       model.FailedAt.UTC(),
		}
	}
	return order
}

// FromDomainOrder 将领域模型转换为数据库模型，用于插入
func FromDomainOrder(order domain.Order) *OrderModel {
	model := &OrderModel{
		ID:              order.ID,
		CustomerName:    order.Customer.Name,
		CustomerEmail:   order.Customer.Email,
		TotalAmount:     order.Total.Amount,
		Currency:        order.Total.Currency,
		ProviderOrderID: order.ProviderOrderID,
		CreatedAt:       order.CreatedAt,
	}
	applyMutableFields(model, order)
	for i, item := range order.Items {
		model.Items = append(model.Items, OrderItemModel{
			OrderID:   order.ID,
			Position:  i,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return model
}

// mutableColumns 返回 CAS 更新时需要写入的列；用 map 保证零值（例如 reconciled=false）也会被写入
func mutableColumns(order domain.Order) map[string]interface{} {
	var model OrderModel
	applyMutableFields(&model, order)
	return map[string]interface{}{
		"state":                   model.State,
		"updated_at":              model.UpdatedAt,
		"version":                 model.Version,
		"capture_attempts":        model.CaptureAttempts,
		"resolution_kind":         model.ResolutionKind,
		"capture_id":              model.CaptureID,
		"provider_status":         model.ProviderStatus,
		"capture_amount":          model.CaptureAmount,
		"capture_currency":        model.CaptureCurrency,
		"reconciled":              model.Reconciled,
		"captured_at":             model.CapturedAt,
		"approved_by":             model.ApprovedBy,
		"approval_notes":          model.ApprovalNotes,
		"approved_at":             model.ApprovedAt,
		"failure_reason":          model.FailureReason,
		"failure_outcome_unknown": model.FailureOutcomeUnknown,
		"failed_at":               model.FailedAt,
	}
}

func applyMutableFields(model *OrderModel, order domain.Order) {
	model.State = string(order.State)
	model.UpdatedAt = order.UpdatedAt
	model.Version = order.Version
	model.CaptureAttempts = order.CaptureAttempts

	if res := order.Resolution; res != nil {
		model.ResolutionKind = string(res.Kind)
		if r := res.Receipt; r != nil {
			model.CaptureID = r.CaptureID
			model.ProviderStatus = r.ProviderStatus
			model.CaptureAmount = decimal.NullDecimal{Decimal: r.Amount.Amount, Valid: true}
			model.CaptureCurrency = r.Amount.Currency
			model.Reconciled = r.Reconciled
			model.CapturedAt = timePtr(r.CapturedAt)
		}
		if a := res.Approval; a != nil {
			model.ApprovedBy = a.ApprovedBy
			model.ApprovalNotes = a.Notes
			model.ApprovedAt = timePtr(a.ApprovedAt)
		}
	}
	if f := order.LastCaptureFailure; f != nil {
		model.FailureReason = f.Reason
		model.FailureOutcomeUnknown = f.OutcomeUnknown
		model.FailedAt = timePtr(f.FailedAt)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
