package domain

import (
	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrAlreadyResolved   = errors.New("order already resolved")
	ErrNoProviderOrder   = errors.New("order has no provider order reference")
	ErrEmptyNotes        = errors.New("manual approval requires notes")
	ErrVersionConflict   = errors.New("order version conflict")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrResolutionLocked  = errors.New("order resolution cannot be changed")
	ErrApprovalDenied    = errors.New("manual approval denied by policy")

	// 支付渠道侧错误
	ErrProviderUnavailable   = errors.New("payment provider unavailable")
	ErrProviderOrderNotFound = errors.New("provider order not found")
	ErrAlreadyCaptured       = errors.New("provider order already captured")
	ErrOrderNotAuthorized    = errors.New("provider order not authorized for capture")

	// 请求可能已经被渠道处理但没有拿到确定的结果（超时、连接中断、5xx），总是和 ErrProviderUnavailable 一起出现
	ErrOutcomeUnknown = errors.New("provider outcome unknown")
)

// ErrorKind 是错误分类，决定错误是否可重试以及如何对外暴露
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderPermanent ErrorKind = "provider_permanent"
	KindValidation        ErrorKind = "validation"
	KindPolicy            ErrorKind = "policy"
	KindInternal          ErrorKind = "internal"
)

// KindOf 对错误进行分类。未知错误一律视为内部错误。
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrProviderOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrVersionConflict):
		return KindConflict
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderTransient
	case errors.Is(err, ErrOrderNotAuthorized):
		return KindProviderPermanent
	case errors.Is(err, ErrEmptyNotes), errors.Is(err, ErrNoProviderOrder):
		return KindValidation
	case errors.Is(err, ErrApprovalDenied):
		return KindPolicy
	default:
		return KindInternal
	}
}

// Retryable 只有渠道瞬时故障允许运营重试
func (k ErrorKind) Retryable() bool {
	return k == KindProviderTransient
}
