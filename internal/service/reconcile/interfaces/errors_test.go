package interfaces

import (
	"fmt"
	"net/http"
	"testing"

	"payrecon/internal/service/reconcile/application"
	"payrecon/internal/service/reconcile/domain"

	"github.com/pkg/errors"
)

func TestToErrorResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
		retryable  bool
		reverify   bool
	}{
		{domain.ErrOrderNotFound, http.StatusNotFound, CodeNotFound, false, false},
		{errors.Wrap(domain.ErrProviderOrderNotFound, "PP-1"), http.StatusNotFound, CodeNotFound, false, false},
		{domain.ErrAlreadyResolved, http.StatusConflict, CodeAlreadyResolved, false, false},
		{domain.ErrVersionConflict, http.StatusConflict, CodeConflict, false, false},
		{domain.ErrNoProviderOrder, http.StatusUnprocessableEntity, CodeNoProviderOrder, false, false},
		{domain.ErrOrderNotAuthorized, http.StatusUnprocessableEntity, CodeNotAuthorized, false, false},
		{errors.Wrap(domain.ErrProviderUnavailable, "status 429"), http.StatusServiceUnavailable, CodeProviderUnavail, true, false},
		{&application.CaptureOutcomeUnknownError{OrderID: "44", Cause: fmt.Errorf("%w", domain.ErrOutcomeUnknown)}, http.StatusServiceUnavailable, CodeProviderUnavail, true, true},
		{domain.ErrEmptyNotes, http.StatusBadRequest, CodeEmptyNotes, false, false},
		{domain.ErrApprovalDenied, http.StatusForbidden, CodeApprovalDenied, false, false},
		{errors.New("sql: connection refused"), http.StatusInternalServerError, CodeInternal, false, false},
	}
	for _, tt := range tests {
		status, resp := toErrorResponse(tt.err)
		if status != tt.wantStatus || resp.Code != tt.wantCode || resp.Retryable != tt.retryable || resp.ReverifyRequired != tt.reverify {
			t.Errorf("%v: got %d %+v", tt.err, status, resp)
		}
		if resp.Code == CodeInternal && resp.Error != "internal error" {
			t.Errorf("%v: raw error text exposed: %q", tt.err, resp.Error)
		}
	}
}
