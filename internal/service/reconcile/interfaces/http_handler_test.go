package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"payrecon/internal/pkg/clock"
	"payrecon/internal/service/reconcile/application"
	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"
	"payrecon/internal/service/reconcile/infrastructure"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"
)

var now = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const token = "test-token"

type stubProvider struct {
	captureErr error
	statusErr  error
	status     string
}

func (p *stubProvider) FetchStatus(_ context.Context, id string) (port.ProviderStatus, error) {
	if p.statusErr != nil {
		return port.ProviderStatus{}, p.statusErr
	}
	status := p.status
	if status == "" {
		status = port.ProviderStatusApproved
	}
	return port.ProviderStatus{ProviderOrderID: id, Status: status, FetchedAt: now}, nil
}

func (p *stubProvider) Capture(_ context.Context, id string) (domain.CaptureReceipt, error) {
	if p.captureErr != nil {
		return domain.CaptureReceipt{}, p.captureErr
	}
	return domain.CaptureReceipt{
		CaptureID:      "CAP-" + id,
		ProviderStatus: port.ProviderStatusCompleted,
		Amount:         domain.Money{Amount: decimal.RequireFromString("42.50"), Currency: "USD"},
		CapturedAt:     now,
	}, nil
}

type allowAll struct{}

func (allowAll) Allow(context.Context, domain.Order, string, string) (bool, error) { return true, nil }

func newTestServer(t *testing.T, provider *stubProvider) (*httptest.Server, *infrastructure.MemoryOrderRepository) {
	t.Helper()
	repo := infrastructure.NewMemoryOrderRepository()
	seed := func(id, providerOrderID string, createdAt time.Time) {
		o, err := domain.NewPendingOrder(id,
			domain.Customer{Name: "Ada", Email: "ada@example.com"},
			domain.Money{Amount: decimal.RequireFromString("42.50"), Currency: "USD"},
			[]domain.Item{{ProductID: "sku-1", Quantity: 1}},
			providerOrderID, createdAt)
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		if _, err := repo.Create(context.Background(), o); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed("42", "PP-1", now)
	seed("43", "", now.Add(time.Minute))
	seed("44", "PP-44", now.Add(2*time.Minute))

	tracer := noop.NewTracerProvider().Tracer("test")
	svc := application.NewReconciliationService(repo, provider, nil, allowAll{}, clock.NewFixed(now), tracer,
		application.Config{ProviderTimeout: time.Second, ReverifyOnTimeout: true, MaxCASRetries: 3})

	mux := http.NewServeMux()
	NewAdminHandler(svc, StaticTokenAuthenticator{token: "ops"}, nil, tracer).RegisterRoutes(mux)
	srv := httptest.NewServer(RequestLogger(mux))
	t.Cleanup(srv.Close)
	return srv, repo
}

func call(t *testing.T, srv *httptest.Server, method, path, body string, auth bool) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestAdminHandler_CaptureThenAlreadyResolved(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubProvider{})

	status, body := call(t, srv, http.MethodPost, "/admin/orders/42/capture", "", true)
	if status != http.StatusOK || body["state"] != "captured" {
		t.Fatalf("capture: %d %v", status, body)
	}
	resolution := body["resolution"].(map[string]interface{})
	receipt := resolution["receipt"].(map[string]interface{})
	if resolution["kind"] != "capture" || receipt["capture_id"] != "CAP-PP-1" {
		t.Fatalf("unexpected resolution %v", resolution)
	}

	status, body = call(t, srv, http.MethodPost, "/admin/orders/42/capture", "", true)
	if status != http.StatusConflict || body["code"] != CodeAlreadyResolved || body["retryable"] != false {
		t.Fatalf("second capture: %d %v", status, body)
	}
}

func TestAdminHandler_ManualOnlyOrder(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubProvider{})

	status, body := call(t, srv, http.MethodPost, "/admin/orders/43/verify", "", true)
	if status != http.StatusUnprocessableEntity || body["code"] != CodeNoProviderOrder {
		t.Fatalf("verify: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodPost, "/admin/orders/43/approve", `{"notes":"phone-verified"}`, true)
	if status != http.StatusOK || body["state"] != "manually_approved" {
		t.Fatalf("approve: %d %v", status, body)
	}
	approval := body["resolution"].(map[string]interface{})["approval"].(map[string]interface{})
	if approval["approved_by"] != "ops" || approval["notes"] != "phone-verified" {
		t.Fatalf("approver must come from the authenticated operator: %v", approval)
	}
}

func TestAdminHandler_CaptureTimeoutRequiresReverify(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{captureErr: fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, domain.ErrOutcomeUnknown)}
	srv, repo := newTestServer(t, provider)

	status, body := call(t, srv, http.MethodPost, "/admin/orders/44/capture", "", true)
	if status != http.StatusServiceUnavailable || body["code"] != CodeProviderUnavail {
		t.Fatalf("capture: %d %v", status, body)
	}
	if body["retryable"] != true || body["reverify_required"] != true {
		t.Fatalf("expected retry + reverify affordance: %v", body)
	}
	if body["error"] != "capture outcome unknown, verify the order before retrying" {
		t.Fatalf("provider error text must not leak: %v", body["error"])
	}
	if o, _ := repo.Get(context.Background(), "44"); o.State != domain.StateCaptureFailed {
		t.Fatalf("expected capture_failed, got %s", o.State)
	}

	provider.captureErr = nil
	status, body = call(t, srv, http.MethodPost, "/admin/orders/44/capture", "", true)
	if status != http.StatusOK || body["state"] != "captured" {
		t.Fatalf("retry: %d %v", status, body)
	}
}

func TestAdminHandler_ErrorCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		provider   *stubProvider
		method     string
		path       string
		body       string
		noAuth     bool
		wantStatus int
		wantCode   string
	}{
		{name: "unauthenticated", provider: &stubProvider{}, method: http.MethodGet, path: "/admin/orders/pending", noAuth: true, wantStatus: http.StatusUnauthorized, wantCode: CodeUnauthenticated},
		{name: "unknown order", provider: &stubProvider{}, method: http.MethodGet, path: "/admin/orders/nope", wantStatus: http.StatusNotFound, wantCode: CodeNotFound},
		{name: "empty notes", provider: &stubProvider{}, method: http.MethodPost, path: "/admin/orders/42/approve", body: `{"notes":"  "}`, wantStatus: http.StatusBadRequest, wantCode: CodeEmptyNotes},
		{name: "missing body", provider: &stubProvider{}, method: http.MethodPost, path: "/admin/orders/42/approve", wantStatus: http.StatusBadRequest, wantCode: CodeEmptyNotes},
		{name: "bad json", provider: &stubProvider{}, method: http.MethodPost, path: "/admin/orders/42/approve", body: `{"notes":`, wantStatus: http.StatusBadRequest, wantCode: CodeInvalidRequestBody},
		{name: "provider down on verify", provider: &stubProvider{statusErr: domain.ErrProviderUnavailable}, method: http.MethodPost, path: "/admin/orders/42/verify", wantStatus: http.StatusServiceUnavailable, wantCode: CodeProviderUnavail},
		{name: "not authorized", provider: &stubProvider{captureErr: domain.ErrOrderNotAuthorized}, method: http.MethodPost, path: "/admin/orders/42/capture", wantStatus: http.StatusUnprocessableEntity, wantCode: CodeNotAuthorized},
		{name: "capture manual-only", provider: &stubProvider{}, method: http.MethodPost, path: "/admin/orders/43/capture", wantStatus: http.StatusUnprocessableEntity, wantCode: CodeNoProviderOrder},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newTestServer(t, tt.provider)
			status, body := call(t, srv, tt.method, tt.path, tt.body, !tt.noAuth)
			if status != tt.wantStatus || body["code"] != tt.wantCode {
				t.Fatalf("expected %d/%s, got %d %v", tt.wantStatus, tt.wantCode, status, body)
			}
		})
	}
}

func TestAdminHandler_ListPendingAndVerify(t *testing.T) {
	t.Parallel()
	srv, repo := newTestServer(t, &stubProvider{status: port.ProviderStatusCompleted})

	status, body := call(t, srv, http.MethodGet, "/admin/orders/pending", "", true)
	if status != http.StatusOK {
		t.Fatalf("list: %d %v", status, body)
	}
	orders := body["orders"].([]interface{})
	var ids []string
	for _, o := range orders {
		ids = append(ids, o.(map[string]interface{})["id"].(string))
	}
	if fmt.Sprint(ids) != "[42 43 44]" {
		t.Fatalf("unexpected order %v", ids)
	}

	status, body = call(t, srv, http.MethodPost, "/admin/orders/42/verify", "", true)
	if status != http.StatusOK || body["status"] != port.ProviderStatusCompleted || body["provider_order_id"] != "PP-1" {
		t.Fatalf("verify: %d %v", status, body)
	}
	if repo.Writes() != 0 {
		t.Fatalf("verify must not write")
	}
}
