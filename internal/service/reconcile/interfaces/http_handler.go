// internal/service/reconcile/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/service/reconcile/application"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 64 << 10

// AdminHandler 是运营后台的 HTTP 入口
type AdminHandler struct {
	service *application.ReconciliationService
	auth    Authenticator
	hub     *StreamHub
	tracer  trace.Tracer
}

// NewAdminHandler 创建处理器，hub 为 nil 时不注册实时推送接口
func NewAdminHandler(service *application.ReconciliationService, auth Authenticator, hub *StreamHub, tracer trace.Tracer) *AdminHandler {
	return &AdminHandler{service: service, auth: auth, hub: hub, tracer: tracer}
}

// RegisterRoutes 在 ServeMux 上注册所有路由，全部要求运营身份
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	admin := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, RequireOperator(h.auth, fn))
	}
	admin("GET /admin/orders/pending", h.handleListPending)
	admin("GET /admin/orders/{id}", h.handleGetOrder)
	admin("POST /admin/orders/{id}/verify", h.handleVerify)
	admin("POST /admin/orders/{id}/capture", h.handleCapture)
	admin("POST /admin/orders/{id}/approve", h.handleApprove)
	if h.hub != nil {
		admin("GET /admin/orders/stream", h.hub.ServeHTTP)
	}
}

type listPendingResponse struct {
	Orders []application.OrderView `json:"orders"`
}

type approveRequest struct {
	Notes string `json:"notes"`
}

func (h *AdminHandler) handleListPending(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.ListPending")
	defer span.End()

	orders, err := h.service.ListPending(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, listPendingResponse{Orders: application.ToOrderViews(orders)})
}

func (h *AdminHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.GetOrder")
	defer span.End()

	order, err := h.service.GetOrder(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderView(order))
}

func (h *AdminHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.Verify")
	defer span.End()

	result, err := h.service.Verify(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) handleCapture(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.Capture")
	defer span.End()

	order, err := h.service.Capture(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderView(order))
}

func (h *AdminHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.ManualApprove")
	defer span.End()

	var req approveRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		// 空 body 按空备注处理，交给领域校验
		logger.Ctx(ctx).Warn().Err(err).Msg("invalid approve request body")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequestBody})
		return
	}

	operator, _ := OperatorFromContext(ctx)
	order, err := h.service.ManualApprove(ctx, r.PathValue("id"), operator, req.Notes)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderView(order))
}

func (h *AdminHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", r.Pattern),
			attribute.String("order.id", r.PathValue("id")),
		))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
