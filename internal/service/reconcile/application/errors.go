package application

import (
	"fmt"

	"payrecon/internal/service/reconcile/domain"

	"github.com/pkg/errors"
)

// ErrInvalidEvent 上游推送的订单数据不完整或格式错误，重投也不会成功
var ErrInvalidEvent = errors.New("invalid awaiting-payment event")

// CaptureOutcomeUnknownError 表示扣款请求超时或中断，且复核后仍无法确认渠道是否已扣款。
// 订单已被记为 capture_failed，运营需要先核验再决定是否重试。
// 它同时匹配 domain.ErrProviderUnavailable。
type CaptureOutcomeUnknownError struct {
	OrderID string
	Cause   error
}

func (e *CaptureOutcomeUnknownError) Error() string {
	return fmt.Sprintf("capture outcome of order %s is unknown, re-verify before retrying: %v", e.OrderID, e.Cause)
}

func (e *CaptureOutcomeUnknownError) Unwrap() []error {
	return []error{domain.ErrProviderUnavailable, e.Cause}
}

// ReverifyRequired 供接口层判断是否需要提示运营先核验
func (e *CaptureOutcomeUnknownError) ReverifyRequired() bool {
	return true
}
