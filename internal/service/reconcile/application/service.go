// internal/service/reconcile/application/service.go
package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"payrecon/internal/pkg/clock"
	"payrecon/internal/pkg/logger"
	"payrecon/internal/pkg/metrics"
	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Config 对账服务的运行参数
type Config struct {
	// 单次渠道调用的超时
	ProviderTimeout time.Duration
	// 扣款超时后是否立即向渠道复核一次
	ReverifyOnTimeout bool
	// 版本冲突时最多尝试写入的次数
	MaxCASRetries int
}

// ReconciliationService 编排核验、扣款和人工审批三个用例。
// 所有写入都通过 OrderRepository.CompareAndSwap 完成，渠道调用期间不持有任何锁。
type ReconciliationService struct {
	repo      domain.OrderRepository
	provider  port.PaymentProvider
	publisher port.TransitionPublisher
	policy    port.ApprovalPolicy
	clock     clock.Clock
	tracer    trace.Tracer
	cfg       Config

	verifyGroup singleflight.Group
}

func NewReconciliationService(
	repo domain.OrderRepository,
	provider port.PaymentProvider,
	publisher port.TransitionPublisher,
	policy port.ApprovalPolicy,
	clk clock.Clock,
	tracer trace.Tracer,
	cfg Config,
) *ReconciliationService {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.MaxCASRetries < 1 {
		cfg.MaxCASRetries = 3
	}
	return &ReconciliationService{
		repo:      repo,
		provider:  provider,
		publisher: publisher,
		policy:    policy,
		clock:     clk,
		tracer:    tracer,
		cfg:       cfg,
	}
}

// ListPending 返回 pending 和 capture_failed 的订单，按创建时间升序
func (s *ReconciliationService) ListPending(ctx context.Context) (orders []domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "app.ListPending")
	defer func() { s.finish(span, "list_pending", err) }()

	orders, err = s.repo.ListByStates(ctx, domain.PendingStates)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	return orders, nil
}

// GetOrder 返回订单详情
func (s *ReconciliationService) GetOrder(ctx context.Context, orderID string) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "app.GetOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { s.finish(span, "get_order", err) }()

	return s.repo.Get(ctx, orderID)
}

// Verify 向渠道查询权威状态，只读，不修改订单。
// 同一个渠道订单的并发核验会合并成一次渠道调用。
func (s *ReconciliationService) Verify(ctx context.Context, orderID string) (result VerifyResult, err error) {
	ctx, span := s.tracer.Start(ctx, "app.Verify", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { s.finish(span, "verify", err) }()

	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return VerifyResult{}, err
	}
	if !order.HasProviderOrder() {
		return VerifyResult{}, domain.ErrNoProviderOrder
	}

	status, err := s.fetchStatusShared(ctx, order.ProviderOrderID)
	if err != nil {
		return VerifyResult{}, err
	}
	span.SetAttributes(attribute.String("provider.status", status.Status))
	return newVerifyResult(order.ID, status), nil
}

func (s *ReconciliationService) fetchStatusShared(ctx context.Context, providerOrderID string) (port.ProviderStatus, error) {
	ch := s.verifyGroup.DoChan(providerOrderID, func() (interface{}, error) {
		// 共享调用不能因为第一个调用方断开而失败
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProviderTimeout)
		defer cancel()
		return s.provider.FetchStatus(callCtx, providerOrderID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return port.ProviderStatus{}, res.Err
		}
		return res.Val.(port.ProviderStatus), nil
	case <-ctx.Done():
		return port.ProviderStatus{}, ctx.Err()
	}
}

// Capture 对订单发起扣款并记录结果。
// 渠道调用和结果写入都运行在脱离调用方取消信号的 ctx 上：调用方断开时扣款可能已经发生，结果必须落库。
func (s *ReconciliationService) Capture(ctx context.Context, orderID string) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "app.Capture", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { s.finish(span, "capture", err) }()

	current, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := current.CheckCapturable(); err != nil {
		return domain.Order{}, err
	}

	detached := context.WithoutCancel(ctx)
	log := logger.Ctx(ctx).With().Str("order_id", orderID).Str("provider_order_id", current.ProviderOrderID).Logger()

	callCtx, cancel := context.WithTimeout(detached, s.cfg.ProviderTimeout)
	receipt, captureErr := s.provider.Capture(callCtx, current.ProviderOrderID)
	cancel()

	outcome := s.classifyCapture(detached, current, receipt, captureErr)
	span.SetAttributes(
		attribute.Bool("capture.success", outcome.success),
		attribute.Bool("capture.outcome_unknown", outcome.unknown),
	)
	if captureErr != nil {
		span.RecordError(captureErr)
		log.Warn().Err(captureErr).Bool("captured", outcome.success).Bool("outcome_unknown", outcome.unknown).Msg("provider capture returned error")
	}

	prev, next, err := s.commit(detached, current, outcome.apply)
	if err != nil {
		if outcome.success && errors.Is(err, domain.ErrAlreadyResolved) {
			// 并发扣款时另一个请求已经记下了同一笔扣款；只有订单以其他方式终结时才需要人工跟进
			if stored, gerr := s.repo.Get(detached, orderID); gerr == nil && stored.Resolution != nil &&
				stored.Resolution.Kind == domain.ResolutionCapture {
				log.Info().Str("capture_id", stored.Resolution.Receipt.CaptureID).Msg("capture already recorded by a concurrent request")
			} else {
				log.Error().Err(err).Interface("receipt", receipt).Msg("CRITICAL: provider captured payment but order was already resolved")
			}
		}
		if !errors.Is(err, domain.ErrAlreadyResolved) {
			log.Error().Err(err).Interface("receipt", receipt).Msg("CRITICAL: failed to record capture outcome")
		}
		return domain.Order{}, err
	}
	s.publish(detached, prev, next, "")

	if outcome.err != nil {
		return domain.Order{}, outcome.err
	}
	log.Info().Str("capture_id", next.Resolution.Receipt.CaptureID).Bool("reconciled", next.Resolution.Receipt.Reconciled).Msg("✅ order captured")
	return next, nil
}

// captureOutcome 是一次扣款尝试的最终结论
type captureOutcome struct {
	success bool
	unknown bool
	apply   domain.Mutator
	err     error // 写入成功后返回给调用方的错误
}

func (s *ReconciliationService) classifyCapture(ctx context.Context, order domain.Order, receipt domain.CaptureReceipt, err error) captureOutcome {
	switch {
	case err == nil:
		if receipt.CapturedAt.IsZero() {
			receipt.CapturedAt = s.clock.Now()
		}
		if receipt.Amount.Currency == "" {
			receipt.Amount = order.Total
		}
		return capturedOutcome(receipt)

	case errors.Is(err, domain.ErrAlreadyCaptured):
		// 渠道说已经扣过款：视为成功，回执标记为对账所得
		status, fetchErr := s.fetchStatus(ctx, order.ProviderOrderID)
		if fetchErr != nil {
			logger.Ctx(ctx).Warn().Err(fetchErr).Str("order_id", order.ID).Msg("could not enrich reconciled receipt")
			status = port.ProviderStatus{ProviderOrderID: order.ProviderOrderID}
		}
		return capturedOutcome(s.reconciledReceipt(order, status))

	case errors.Is(err, domain.ErrOrderNotAuthorized), errors.Is(err, domain.ErrProviderOrderNotFound):
		return s.failedOutcome(err, false, err)

	case errors.Is(err, domain.ErrProviderUnavailable) && !isOutcomeUnknown(err):
		// 渠道明确没有处理这次请求（例如限流），可以直接重试
		return s.failedOutcome(err, false, err)

	default:
		// 超时或中断：扣款可能已经发生
		if s.cfg.ReverifyOnTimeout {
			status, fetchErr := s.fetchStatus(ctx, order.ProviderOrderID)
			if fetchErr == nil && status.Completed() {
				return capturedOutcome(s.reconciledReceipt(order, status))
			}
			if fetchErr != nil {
				logger.Ctx(ctx).Warn().Err(fetchErr).Str("order_id", order.ID).Msg("re-verify after ambiguous capture failed")
			}
		}
		return s.failedOutcome(err, true, &CaptureOutcomeUnknownError{OrderID: order.ID, Cause: err})
	}
}

func capturedOutcome(receipt domain.CaptureReceipt) captureOutcome {
	return captureOutcome{
		success: true,
		apply: func(o domain.Order) (domain.Order, error) {
			return o.MarkCaptured(receipt)
		},
	}
}

func (s *ReconciliationService) failedOutcome(cause error, unknown bool, surfaced error) captureOutcome {
	failure := domain.CaptureFailure{
		Reason:         failureReason(cause),
		OutcomeUnknown: unknown,
		FailedAt:       s.clock.Now(),
	}
	return captureOutcome{
		unknown: unknown,
		err:     surfaced,
		apply: func(o domain.Order) (domain.Order, error) {
			return o.MarkCaptureFailed(failure)
		},
	}
}

func (s *ReconciliationService) reconciledReceipt(order domain.Order, status port.ProviderStatus) domain.CaptureReceipt {
	receipt := domain.CaptureReceipt{
		CaptureID:      status.CaptureID,
		ProviderStatus: port.ProviderStatusCompleted,
		Amount:         status.CapturedAmount,
		Reconciled:     true,
		CapturedAt:     s.clock.Now(),
	}
	if receipt.Amount.Currency == "" {
		receipt.Amount = order.Total
	}
	return receipt
}

func (s *ReconciliationService) fetchStatus(ctx context.Context, providerOrderID string) (port.ProviderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	return s.provider.FetchStatus(callCtx, providerOrderID)
}

// ManualApprove 运营绕过渠道直接审批订单，必须填写备注。
// 人工审批不会调用渠道作废已有授权。
func (s *ReconciliationService) ManualApprove(ctx context.Context, orderID, approver, notes string) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "app.ManualApprove", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("approver", approver),
	))
	defer func() { s.finish(span, "manual_approve", err) }()

	notes = strings.TrimSpace(notes)
	if notes == "" {
		return domain.Order{}, domain.ErrEmptyNotes
	}
	if strings.TrimSpace(approver) == "" {
		return domain.Order{}, errors.Wrap(domain.ErrApprovalDenied, "approver identity is required")
	}

	current, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.State.IsTerminal() {
		return domain.Order{}, domain.ErrAlreadyResolved
	}

	if s.policy != nil {
		allowed, err := s.policy.Allow(ctx, current, approver, notes)
		if err != nil {
			return domain.Order{}, errors.Wrap(err, "evaluate approval policy")
		}
		if !allowed {
			return domain.Order{}, domain.ErrApprovalDenied
		}
	}

	approval := domain.ManualApproval{ApprovedBy: approver, Notes: notes, ApprovedAt: s.clock.Now()}
	prev, next, err := s.commit(ctx, current, func(o domain.Order) (domain.Order, error) {
		return o.ApproveManually(approval)
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.publish(ctx, prev, next, approver)

	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("approver", approver).Msg("✅ order manually approved")
	return next, nil
}

// ListAmbiguous 返回扣款结果未知、等待复核的订单
func (s *ReconciliationService) ListAmbiguous(ctx context.Context) ([]domain.Order, error) {
	failed, err := s.repo.ListByStates(ctx, []domain.State{domain.StateCaptureFailed})
	if err != nil {
		return nil, err
	}
	out := failed[:0]
	for _, o := range failed {
		if o.LastCaptureFailure != nil && o.LastCaptureFailure.OutcomeUnknown {
			out = append(out, o)
		}
	}
	return out, nil
}

// ReconcileAmbiguous 复核一个扣款结果未知的订单。
// 渠道确认已扣款时流转到 captured（对账回执），否则不做任何写入。
func (s *ReconciliationService) ReconcileAmbiguous(ctx context.Context, orderID string) (order domain.Order, reconciled bool, err error) {
	ctx, span := s.tracer.Start(ctx, "app.ReconcileAmbiguous", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { s.finish(span, "reconcile_ambiguous", err) }()

	current, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	if current.State != domain.StateCaptureFailed || current.LastCaptureFailure == nil || !current.LastCaptureFailure.OutcomeUnknown {
		return current, false, nil
	}

	status, err := s.fetchStatus(ctx, current.ProviderOrderID)
	if err != nil {
		return current, false, err
	}
	if !status.Completed() {
		return current, false, nil
	}

	receipt := s.reconciledReceipt(current, status)
	prev, next, err := s.commit(ctx, current, func(o domain.Order) (domain.Order, error) {
		return o.MarkCaptured(receipt)
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	s.publish(ctx, prev, next, "")
	logger.Ctx(ctx).Info().Str("order_id", orderID).Msg("✅ ambiguous capture reconciled as captured")
	return next, true, nil
}

// RecordAwaitingOrder 记录上游推送的待支付订单，重复投递时返回 false
func (s *ReconciliationService) RecordAwaitingOrder(ctx context.Context, event domain.OrderAwaitingPayment) (created bool, err error) {
	ctx, span := s.tracer.Start(ctx, "app.RecordAwaitingOrder",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("order.id", event.OrderID)))
	defer func() { s.finish(span, "intake", err) }()

	order, err := NewOrderFromEvent(event)
	if err != nil {
		return false, fmt.Errorf("%w %s: %v", ErrInvalidEvent, event.EventID, err)
	}
	return s.repo.Create(ctx, order)
}

// commit 以乐观锁写入。版本冲突时重新读取并对最新版本重放同一个 mutate，
// 最新版本已经是终态时 mutate 自己会返回 ErrAlreadyResolved。
func (s *ReconciliationService) commit(ctx context.Context, current domain.Order, mutate domain.Mutator) (prev, next domain.Order, err error) {
	for attempt := 1; ; attempt++ {
		next, err = s.repo.CompareAndSwap(ctx, current.ID, current.Version, mutate)
		if err == nil {
			return current, next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= s.cfg.MaxCASRetries {
			return domain.Order{}, domain.Order{}, err
		}
		logger.Ctx(ctx).Debug().Str("order_id", current.ID).Int("attempt", attempt).Msg("version conflict, re-reading order")
		if current, err = s.repo.Get(ctx, current.ID); err != nil {
			return domain.Order{}, domain.Order{}, err
		}
	}
}

func (s *ReconciliationService) publish(ctx context.Context, prev, next domain.Order, actor string) {
	if s.publisher == nil {
		return
	}
	event := domain.OrderTransitioned{
		EventID:    uuid.NewString(),
		OrderID:    next.ID,
		From:       prev.State,
		To:         next.State,
		Version:    next.Version,
		Actor:      actor,
		OccurredAt: next.UpdatedAt,
	}
	if r := next.Resolution; r != nil {
		event.ResolutionKind = r.Kind
		event.Reconciled = r.Receipt != nil && r.Receipt.Reconciled
	}
	if next.State == domain.StateCaptureFailed && next.LastCaptureFailure != nil {
		event.OutcomeUnknown = next.LastCaptureFailure.OutcomeUnknown
	}
	if err := s.publisher.PublishTransition(ctx, event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", next.ID).Msg("failed to publish order transition")
	}
}

func (s *ReconciliationService) finish(span trace.Span, operation string, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveOperation(operation, string(domain.KindOf(err)))
		return
	}
	metrics.ObserveOperation(operation, "ok")
}

func isOutcomeUnknown(err error) bool {
	return errors.Is(err, domain.ErrOutcomeUnknown) || errors.Is(err, context.DeadlineExceeded)
}

// failureReason 只保留稳定的分类，不把渠道原始报错写进订单
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrOrderNotAuthorized):
		return "not_authorized"
	case errors.Is(err, domain.ErrProviderOrderNotFound):
		return "provider_order_not_found"
	case isOutcomeUnknown(err):
		return "outcome_unknown"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "internal_error"
	}
}
