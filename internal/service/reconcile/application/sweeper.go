package application

import (
	"context"
	"time"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"

	"github.com/pkg/errors"
)

// ambiguousReconciler 是 sweeper 依赖的最小能力，ReconciliationService 实现了它
type ambiguousReconciler interface {
	ListAmbiguous(ctx context.Context) ([]domain.Order, error)
	ReconcileAmbiguous(ctx context.Context, orderID string) (domain.Order, bool, error)
}

// AmbiguousCaptureSweeper 定期复核扣款结果未知的订单。
// 多实例部署时通过 Locker 保证同一轮只有一个实例在扫描，locker 为 nil 时不加锁。
type AmbiguousCaptureSweeper struct {
	svc      ambiguousReconciler
	locker   port.Locker
	interval time.Duration
}

func NewAmbiguousCaptureSweeper(svc ambiguousReconciler, locker port.Locker, interval time.Duration) *AmbiguousCaptureSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AmbiguousCaptureSweeper{svc: svc, locker: locker, interval: interval}
}

// Run 阻塞直到 ctx 被取消
func (s *AmbiguousCaptureSweeper) Run(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Dur("interval", s.interval).Msg("ambiguous capture sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("ambiguous capture sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("sweep round failed")
			}
		}
	}
}

// SweepOnce 执行一轮复核，返回被对账为 captured 的订单数
func (s *AmbiguousCaptureSweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.locker != nil {
		if err := s.locker.Lock(ctx); err != nil {
			return 0, errors.Wrap(err, "acquire sweeper lock")
		}
		defer func() {
			if err := s.locker.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("release sweeper lock")
			}
		}()
	}

	orders, err := s.svc.ListAmbiguous(ctx)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return reconciled, ctx.Err()
		}
		_, ok, err := s.svc.ReconcileAmbiguous(ctx, o.ID)
		switch {
		case err == nil && ok:
			reconciled++
		case errors.Is(err, domain.ErrAlreadyResolved):
			// 运营已经处理
		case err != nil:
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", o.ID).Msg("re-verify of ambiguous capture failed")
		}
	}
	if len(orders) > 0 {
		logger.Ctx(ctx).Info().Int("candidates", len(orders)).Int("reconciled", reconciled).Msg("sweep round finished")
	}
	return reconciled, nil
}
