package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"payrecon/internal/service/reconcile/application"
	"payrecon/internal/service/reconcile/domain"

	"github.com/segmentio/kafka-go"
)

// fakeReader 依次返回预置的消息，消息取完后阻塞到 ctx 取消
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{messages: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type memoryDeduper struct {
	mu       sync.Mutex
	seen     map[string]bool
	released []string
}

func (d *memoryDeduper) Key(topic, eventID string) string { return topic + ":" + eventID }

func (d *memoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func (d *memoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	d.released = append(d.released, key)
	return nil
}

type recorderFunc func(ctx context.Context, event domain.OrderAwaitingPayment) (bool, error)

func (f recorderFunc) RecordAwaitingOrder(ctx context.Context, event domain.OrderAwaitingPayment) (bool, error) {
	return f(ctx, event)
}

func eventMessage(t *testing.T, offset int64, eventID, orderID string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(domain.OrderAwaitingPayment{EventID: eventID, OrderID: orderID, Total: "10.00", Currency: "USD"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Key: []byte(orderID), Value: value}
}

func runUntilDrained(t *testing.T, c *IntakeConsumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestIntakeConsumer_RecordsAndDeduplicates(t *testing.T) {
	t.Parallel()
	reader := newFakeReader(
		eventMessage(t, 1, "evt-1", "o-1"),
		eventMessage(t, 2, "evt-1", "o-1"),
		kafka.Message{Offset: 3, Value: []byte("{not json")},
		eventMessage(t, 4, "evt-2", "o-2"),
	)
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	var mu sync.Mutex
	var recorded []string
	recorder := recorderFunc(func(_ context.Context, e domain.OrderAwaitingPayment) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, e.OrderID)
		return true, nil
	})

	c := NewIntakeConsumer(reader, dedupe, recorder, "order-awaiting-payment")
	runUntilDrained(t, c, reader)

	if len(recorded) != 2 || recorded[0] != "o-1" || recorded[1] != "o-2" {
		t.Fatalf("expected o-1 and o-2 recorded once, got %v", recorded)
	}
	if len(reader.committed) != 4 {
		t.Fatalf("every handled message must be committed, got %v", reader.committed)
	}
}

func TestIntakeConsumer_InvalidEventIsSkipped(t *testing.T) {
	t.Parallel()
	reader := newFakeReader(eventMessage(t, 7, "evt-bad", "o-bad"))
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	recorder := recorderFunc(func(context.Context, domain.OrderAwaitingPayment) (bool, error) {
		return false, errors.Join(application.ErrInvalidEvent, errors.New("missing items"))
	})

	c := NewIntakeConsumer(reader, dedupe, recorder, "t")
	runUntilDrained(t, c, reader)

	if len(reader.committed) != 1 {
		t.Fatalf("invalid event must be committed, got %v", reader.committed)
	}
	if len(dedupe.released) != 1 {
		t.Fatalf("dedupe key must be released, got %v", dedupe.released)
	}
}

func TestIntakeConsumer_RetriesFailedMessageBeforeMovingOn(t *testing.T) {
	t.Parallel()
	reader := newFakeReader(
		eventMessage(t, 1, "evt-1", "o-1"),
		eventMessage(t, 2, "evt-2", "o-2"),
	)
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	var mu sync.Mutex
	attempts := map[string]int{}
	var stored []string
	recorder := recorderFunc(func(_ context.Context, e domain.OrderAwaitingPayment) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts[e.OrderID]++
		if e.OrderID == "o-1" && attempts[e.OrderID] == 1 {
			return false, errors.New("database is down")
		}
		stored = append(stored, e.OrderID)
		return true, nil
	})

	c := NewIntakeConsumer(reader, dedupe, recorder, "t")
	c.backoff = time.Millisecond
	runUntilDrained(t, c, reader)

	if attempts["o-1"] != 2 || attempts["o-2"] != 1 {
		t.Fatalf("o-1 must be retried before o-2 is fetched, attempts=%v", attempts)
	}
	if len(stored) != 2 || stored[0] != "o-1" || stored[1] != "o-2" {
		t.Fatalf("expected o-1 then o-2 stored, got %v", stored)
	}
	if len(reader.committed) != 2 || reader.committed[0] != 1 || reader.committed[1] != 2 {
		t.Fatalf("expected offsets 1 and 2 committed in order, got %v", reader.committed)
	}
}

func TestIntakeConsumer_FailingMessageIsNeverCommitted(t *testing.T) {
	t.Parallel()
	reader := newFakeReader(
		eventMessage(t, 9, "evt-9", "o-9"),
		eventMessage(t, 10, "evt-10", "o-10"),
	)
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	retried := make(chan struct{})
	var mu sync.Mutex
	var attempts int
	var recorded []string
	recorder := recorderFunc(func(_ context.Context, e domain.OrderAwaitingPayment) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, e.OrderID)
		attempts++
		if attempts == 3 {
			close(retried)
		}
		return false, errors.New("database is down")
	})

	c := NewIntakeConsumer(reader, dedupe, recorder, "t")
	c.backoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("failed message was not retried")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range recorded {
		if id != "o-9" {
			t.Fatalf("next message must not be handled while o-9 keeps failing, got %v", recorded)
		}
	}
	if len(reader.committed) != 0 {
		t.Fatalf("failed message must not be committed, got %v", reader.committed)
	}
	dedupe.mu.Lock()
	defer dedupe.mu.Unlock()
	if dedupe.seen["t:evt-9"] {
		t.Fatal("dedupe key must be released so the retry is processed")
	}
}
