// internal/service/reconcile/domain/order.go
package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Customer 下单客户信息，创建后不可变
type Customer struct {
	Name  string
	Email string
}

// Money 金额值对象
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// Item 订单行
type Item struct {
	ProductID string
	Quantity  int
}

// ResolutionKind 区分订单是通过扣款还是人工审批结束的
type ResolutionKind string

const (
	ResolutionCapture ResolutionKind = "capture"
	ResolutionManual  ResolutionKind = "manual"
)

// CaptureReceipt 扣款回执。Reconciled 为 true 表示回执来自渠道状态对账，而不是本次扣款的原始响应。
type CaptureReceipt struct {
	CaptureID      string
	ProviderStatus string
	Amount         Money
	Reconciled     bool
	CapturedAt     time.Time
}

// ManualApproval 人工审批记录，用于审计绕过渠道核验的决定
type ManualApproval struct {
	ApprovedBy string
	Notes      string
	ApprovedAt time.Time
}

// Resolution 订单的最终处理结果，只能被写入一次
type Resolution struct {
	Kind     ResolutionKind
	Receipt  *CaptureReceipt
	Approval *ManualApproval
}

// CaptureFailure 记录最近一次扣款失败。OutcomeUnknown 表示渠道超时，扣款是否发生无法确认。
type CaptureFailure struct {
	Reason         string
	OutcomeUnknown bool
	FailedAt       time.Time
}

// Order 是对账聚合的根实体
type Order struct {
	ID              string
	Customer        Customer
	Total           Money
	Items           []Item
	State           State
	ProviderOrderID string // 只有走支付渠道下单的订单才有
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Resolution         *Resolution
	LastCaptureFailure *CaptureFailure
	CaptureAttempts    int

	// 乐观锁版本号，每次成功写入递增
	Version int64
}

// NewPendingOrder 用于上游下单系统推送过来的新订单
func NewPendingOrder(id string, customer Customer, total Money, items []Item, providerOrderID string, createdAt time.Time) (Order, error) {
	if id == "" || customer.Email == "" || len(items) == 0 {
		return Order{}, errors.New("cannot create order with empty required fields")
	}
	if total.Amount.IsNegative() || total.Currency == "" {
		return Order{}, errors.Errorf("invalid order total %s", total)
	}
	for _, item := range items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return Order{}, errors.Errorf("invalid order item %q x%d", item.ProductID, item.Quantity)
		}
	}
	return Order{
		ID:              id,
		Customer:        customer,
		Total:           total,
		Items:           append([]Item(nil), items...),
		State:           StatePending,
		ProviderOrderID: providerOrderID,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
		Version:         1,
	}, nil
}

// HasProviderOrder 订单是否关联了渠道订单号
func (o Order) HasProviderOrder() bool {
	return o.ProviderOrderID != ""
}

// Clone 深拷贝，避免调用方修改共享的切片和指针
func (o Order) Clone() Order {
	c := o
	c.Items = append([]Item(nil), o.Items...)
	if o.Resolution != nil {
		r := *o.Resolution
		if r.Receipt != nil {
			receipt := *r.Receipt
			r.Receipt = &receipt
		}
		if r.Approval != nil {
			approval := *r.Approval
			r.Approval = &approval
		}
		c.Resolution = &r
	}
	if o.LastCaptureFailure != nil {
		f := *o.LastCaptureFailure
		c.LastCaptureFailure = &f
	}
	return c
}

// MarkCaptured 扣款成功（或渠道确认已扣款）后流转到 captured
// 这个方法只负责状态流转，不负责调用外部服务
func (o Order) MarkCaptured(receipt CaptureReceipt) (Order, error) {
	if err := o.CheckCapturable(); err != nil {
		return Order{}, err
	}
	next := o.Clone()
	next.State = StateCaptured
	next.Resolution = &Resolution{Kind: ResolutionCapture, Receipt: &receipt}
	next.CaptureAttempts++
	next.UpdatedAt = receipt.CapturedAt
	return next, nil
}

// MarkCaptureFailed 记录一次失败的扣款，订单保持可重试
func (o Order) MarkCaptureFailed(failure CaptureFailure) (Order, error) {
	if err := o.CheckCapturable(); err != nil {
		return Order{}, err
	}
	next := o.Clone()
	next.State = StateCaptureFailed
	next.LastCaptureFailure = &failure
	next.CaptureAttempts++
	next.UpdatedAt = failure.FailedAt
	return next, nil
}

// ApproveManually 绕过渠道直接人工审批，备注必填
func (o Order) ApproveManually(approval ManualApproval) (Order, error) {
	approval.Notes = strings.TrimSpace(approval.Notes)
	if approval.Notes == "" {
		return Order{}, ErrEmptyNotes
	}
	if o.State.IsTerminal() {
		return Order{}, ErrAlreadyResolved
	}
	if !CanTransition(o.State, StateManuallyApproved) {
		return Order{}, errors.Wrapf(ErrInvalidTransition, "%s -> %s", o.State, StateManuallyApproved)
	}
	next := o.Clone()
	next.State = StateManuallyApproved
	next.Resolution = &Resolution{Kind: ResolutionManual, Approval: &approval}
	next.UpdatedAt = approval.ApprovedAt
	return next, nil
}

// CheckCapturable 判断当前是否可以发起扣款，不满足时返回对应的领域错误
func (o Order) CheckCapturable() error {
	if o.State.IsTerminal() {
		return ErrAlreadyResolved
	}
	if !o.HasProviderOrder() {
		return ErrNoProviderOrder
	}
	if !o.State.Capturable() {
		return errors.Wrapf(ErrInvalidTransition, "cannot capture from %s", o.State)
	}
	return nil
}

// ValidateTransition 是存储层写入前的最后一道校验：
// 不可变字段不能被修改、状态流转必须合法、resolution 只能写一次且仅在终态出现。
func ValidateTransition(prev, next Order) error {
	if prev.ID != next.ID || prev.ProviderOrderID != next.ProviderOrderID ||
		!prev.CreatedAt.Equal(next.CreatedAt) || prev.Customer != next.Customer ||
		!prev.Total.Amount.Equal(next.Total.Amount) || prev.Total.Currency != next.Total.Currency ||
		!sameItems(prev.Items, next.Items) {
		return errors.Wrap(ErrInvalidTransition, "immutable order fields changed")
	}
	if prev.Resolution != nil || prev.State.IsTerminal() {
		return ErrAlreadyResolved
	}
	if !CanTransition(prev.State, next.State) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", prev.State, next.State)
	}
	if next.State.IsTerminal() != (next.Resolution != nil) {
		return errors.Wrapf(ErrResolutionLocked, "state %s with resolution=%t", next.State, next.Resolution != nil)
	}
	if next.State == StateCaptured && !next.HasProviderOrder() {
		return ErrNoProviderOrder
	}
	return nil
}

func sameItems(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
