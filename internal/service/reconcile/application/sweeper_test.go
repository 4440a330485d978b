package application

import (
	"context"
	"testing"
	"time"

	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"

	"github.com/pkg/errors"
)

type countingLocker struct {
	locks, unlocks int
	err            error
}

func (l *countingLocker) Lock(context.Context) error {
	l.locks++
	return l.err
}

func (l *countingLocker) Unlock() error {
	l.unlocks++
	return nil
}

func TestSweeper_ReconcilesCompletedAmbiguousCaptures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.ReverifyOnTimeout = false })
	ctx := context.Background()
	for _, id := range []string{"amb-1", "amb-2"} {
		h.seed(t, id, "PP-"+id, testNow)
	}
	h.seed(t, "known", "PP-known", testNow)

	h.provider.capture = func(context.Context, string) (domain.CaptureReceipt, error) {
		return domain.CaptureReceipt{}, timeoutErr()
	}
	_, _ = h.svc.Capture(ctx, "amb-1")
	_, _ = h.svc.Capture(ctx, "amb-2")
	h.provider.capture = func(context.Context, string) (domain.CaptureReceipt, error) {
		return domain.CaptureReceipt{}, errors.Wrap(domain.ErrOrderNotAuthorized, "ORDER_NOT_APPROVED")
	}
	_, _ = h.svc.Capture(ctx, "known")

	// amb-1 在渠道侧实际已经扣款，amb-2 没有
	h.provider.status["PP-amb-1"] = port.ProviderStatus{ProviderOrderID: "PP-amb-1", Status: port.ProviderStatusCompleted, CaptureID: "CAP-LATE"}

	locker := &countingLocker{}
	sweeper := NewAmbiguousCaptureSweeper(h.svc, locker, time.Minute)
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled order, got %d", n)
	}
	if locker.locks != 1 || locker.unlocks != 1 {
		t.Fatalf("lock not balanced: %+v", locker)
	}

	if o := h.get(t, "amb-1"); o.State != domain.StateCaptured || !o.Resolution.Receipt.Reconciled || o.Resolution.Receipt.CaptureID != "CAP-LATE" {
		t.Fatalf("amb-1 not reconciled: %s %+v", o.State, o.Resolution)
	}
	if o := h.get(t, "amb-2"); o.State != domain.StateCaptureFailed {
		t.Fatalf("amb-2 must stay capture_failed, got %s", o.State)
	}
	if _, fetches := h.provider.calls(); fetches != 2 {
		t.Fatalf("only ambiguous orders are re-verified, got %d fetches", fetches)
	}
}

func TestSweeper_LockFailureSkipsRound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	locker := &countingLocker{err: errors.New("zk unavailable")}
	sweeper := NewAmbiguousCaptureSweeper(h.svc, locker, time.Minute)

	if _, err := sweeper.SweepOnce(context.Background()); err == nil {
		t.Fatal("expected lock error")
	}
	if locker.unlocks != 0 {
		t.Fatalf("must not unlock a lock it does not hold")
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sweeper := NewAmbiguousCaptureSweeper(h.svc, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
