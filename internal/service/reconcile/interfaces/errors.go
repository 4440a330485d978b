// internal/service/reconcile/interfaces/errors.go
package interfaces

import (
	"context"
	"net/http"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/service/reconcile/domain"

	"github.com/pkg/errors"
)

// 对外稳定的错误码，前端根据 code 分支，不依赖 message
const (
	CodeNotFound           = "not_found"
	CodeAlreadyResolved    = "already_resolved"
	CodeConflict           = "conflict"
	CodeNoProviderOrder    = "no_provider_order"
	CodeProviderUnavail    = "provider_unavailable"
	CodeNotAuthorized      = "not_authorized"
	CodeEmptyNotes         = "empty_notes"
	CodeApprovalDenied     = "approval_denied"
	CodeUnauthenticated    = "unauthenticated"
	CodeInvalidRequestBody = "invalid_request_body"
	CodeInternal           = "internal_error"
)

// ErrorResponse 是所有失败响应的结构
type ErrorResponse struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	Retryable        bool   `json:"retryable"`
	ReverifyRequired bool   `json:"reverify_required,omitempty"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// 顺序有意义：先匹配更具体的错误
var errorMappings = []errorMapping{
	{domain.ErrOrderNotFound, http.StatusNotFound, CodeNotFound, "order not found"},
	{domain.ErrProviderOrderNotFound, http.StatusNotFound, CodeNotFound, "provider order not found"},
	{domain.ErrAlreadyResolved, http.StatusConflict, CodeAlreadyResolved, "order already resolved"},
	{domain.ErrVersionConflict, http.StatusConflict, CodeConflict, "order was modified concurrently, reload and retry"},
	{domain.ErrNoProviderOrder, http.StatusUnprocessableEntity, CodeNoProviderOrder, "order has no provider order"},
	{domain.ErrOrderNotAuthorized, http.StatusUnprocessableEntity, CodeNotAuthorized, "provider order is not authorized for capture"},
	{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, CodeProviderUnavail, "payment provider unavailable"},
	{domain.ErrEmptyNotes, http.StatusBadRequest, CodeEmptyNotes, "notes are required for manual approval"},
	{domain.ErrApprovalDenied, http.StatusForbidden, CodeApprovalDenied, "manual approval denied"},
}

// reverifier 由扣款结果未知的错误实现
type reverifier interface {
	ReverifyRequired() bool
}

// toErrorResponse 把领域错误翻译成状态码和稳定的错误码，原始错误只进日志
func toErrorResponse(err error) (int, ErrorResponse) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			resp := ErrorResponse{
				Error:     m.message,
				Code:      m.code,
				Retryable: domain.KindOf(err).Retryable(),
			}
			var rv reverifier
			if errors.As(err, &rv) && rv.ReverifyRequired() {
				resp.ReverifyRequired = true
				resp.Error = "capture outcome unknown, verify the order before retrying"
			}
			return m.status, resp
		}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, resp := toErrorResponse(err)
	ev := logger.Ctx(ctx).Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Ctx(ctx).Error()
	}
	ev.Err(err).Int("status", status).Str("code", resp.Code).Msg("request failed")
	writeJSON(w, status, resp)
}
