package adapter

import (
	"context"
	"errors"
	"testing"

	"payrecon/internal/service/reconcile/domain"
)

type recordingPublisher struct {
	events []domain.OrderTransitioned
	err    error
}

func (p *recordingPublisher) PublishTransition(_ context.Context, event domain.OrderTransitioned) error {
	p.events = append(p.events, event)
	return p.err
}

func TestFanoutPublisher_DeliversToAllAndReportsFirstError(t *testing.T) {
	t.Parallel()

	failing := &recordingPublisher{err: errors.New("kafka down")}
	healthy := &recordingPublisher{}
	fanout := FanoutPublisher{failing, healthy}

	err := fanout.PublishTransition(context.Background(), domain.OrderTransitioned{OrderID: "42", To: domain.StateCaptured})
	if err == nil || err.Error() != "kafka down" {
		t.Fatalf("expected first publisher error, got %v", err)
	}
	if len(healthy.events) != 1 || healthy.events[0].OrderID != "42" {
		t.Fatalf("healthy publisher must still receive the event, got %+v", healthy.events)
	}
}
