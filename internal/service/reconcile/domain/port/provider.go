package port

import (
	"context"
	"time"

	"payrecon/internal/service/reconcile/domain"
)

// 渠道侧订单状态（PayPal Orders v2 语义）
const (
	ProviderStatusCreated             = "CREATED"
	ProviderStatusApproved            = "APPROVED"
	ProviderStatusCompleted           = "COMPLETED"
	ProviderStatusVoided              = "VOIDED"
	ProviderStatusPayerActionRequired = "PAYER_ACTION_REQUIRED"
	// 订单已完成但扣款仍在处理中（PayPal capture 状态为 PENDING），不算扣款成功
	ProviderStatusCapturePending      = "CAPTURE_PENDING"
)

// ProviderStatus 是渠道返回的权威订单状态。
// 订单已扣款时渠道会一并返回扣款号和金额，其余情况下这两个字段为空。
type ProviderStatus struct {
	ProviderOrderID string
	Status          string
	CaptureID       string
	CapturedAmount  domain.Money
	FetchedAt       time.Time
}

// Completed 渠道确认该订单已经扣款
func (s ProviderStatus) Completed() bool {
	return s.Status == ProviderStatusCompleted
}

// PaymentProvider 是支付渠道的出站端口。
// 失败时返回 domain 包中的渠道错误（ErrProviderUnavailable 等），调用方用 errors.Is 判断。
type PaymentProvider interface {
	// FetchStatus 只读查询，不会对渠道产生副作用。
	FetchStatus(ctx context.Context, providerOrderID string) (ProviderStatus, error)

	// Capture 对已授权订单发起扣款。重试是安全的：
	// 渠道已经扣过款时返回 ErrAlreadyCaptured，而不是重复扣款。
	Capture(ctx context.Context, providerOrderID string) (domain.CaptureReceipt, error)
}
