// internal/service/reconcile/interfaces/intake_consumer.go
package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/pkg/metrics"
	"payrecon/internal/pkg/mq"
	"payrecon/internal/service/reconcile/application"
	"payrecon/internal/service/reconcile/domain"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// messageReader 是 *kafka.Reader 中消费者用到的部分
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// deduper 是 *redis.DedupeStore 中消费者用到的部分
type deduper interface {
	Key(topic, eventID string) string
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// orderRecorder 由 application.ReconciliationService 实现
type orderRecorder interface {
	RecordAwaitingOrder(ctx context.Context, event domain.OrderAwaitingPayment) (bool, error)
}

const maxIntakeBackoff = 30 * time.Second

// IntakeConsumer 监听上游的待支付订单事件，把订单写入对账库。
// 消息至少投递一次：先用 redis 去重，存储层的 Create 本身也是幂等的。
type IntakeConsumer struct {
	reader   messageReader
	dedupe   deduper // 可以为 nil
	recorder orderRecorder
	topic    string
	backoff  time.Duration
}

func NewIntakeConsumer(reader messageReader, dedupe deduper, recorder orderRecorder, topic string) *IntakeConsumer {
	return &IntakeConsumer{reader: reader, dedupe: dedupe, recorder: recorder, topic: topic, backoff: time.Second}
}

// Run 阻塞消费直到 ctx 取消，可以直接作为 bootstrap.Worker 使用
func (c *IntakeConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", c.topic).Msg("✅ Intake consumer started.")
	defer func() {
		if err := c.reader.Close(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("close intake reader")
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Intake consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
			if !sleepCtx(ctx, c.backoff) {
				return nil
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		if !c.handleUntilDone(ctx, msgCtx, msg) {
			// 停机时消息没有处理完，offset 不提交，重启后重新投递
			logger.Ctx(ctx).Info().Int64("offset", msg.Offset).Msg("🛑 Intake consumer shutting down.")
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Ctx(msgCtx).Error().Err(err).Msg("commit intake message")
		}
	}
}

// handleUntilDone 在同一条消息上退避重试，直到处理成功或 ctx 取消。
// FetchMessage 不会再返回未提交的消息，跳过它再提交后面的 offset 会把它永久丢掉。
func (c *IntakeConsumer) handleUntilDone(ctx, msgCtx context.Context, msg kafka.Message) bool {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.handle(msgCtx, msg)
		if err == nil {
			return true
		}
		metrics.ObserveIntake("error")
		logger.Ctx(msgCtx).Error().Err(err).Int64("offset", msg.Offset).Int("attempt", attempt).Msg("failed to record awaiting order, retrying")
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = min(delay*2, maxIntakeBackoff)
	}
}

func (c *IntakeConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var event domain.OrderAwaitingPayment
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// 坏消息重试也不会成功，记录后跳过
		metrics.ObserveIntake("malformed")
		logger.Ctx(ctx).Error().Err(err).Str("key", string(msg.Key)).Msg("🚨 malformed awaiting-payment message skipped")
		return nil
	}
	if event.EventID == "" {
		event.EventID = event.OrderID
	}

	var key string
	if c.dedupe != nil {
		key = c.dedupe.Key(c.topic, event.EventID)
		seen, err := c.dedupe.Seen(ctx, key)
		if err != nil {
			// redis 不可用时退化为依赖存储层幂等
			logger.Ctx(ctx).Warn().Err(err).Msg("dedupe check failed, relying on idempotent create")
			key = ""
		} else if seen {
			metrics.ObserveIntake("duplicate")
			return nil
		}
	}

	created, err := c.recorder.RecordAwaitingOrder(ctx, event)
	if err != nil {
		if key != "" {
			if rerr := c.dedupe.Release(ctx, key); rerr != nil {
				logger.Ctx(ctx).Warn().Err(rerr).Msg("release dedupe key")
			}
		}
		if errors.Is(err, application.ErrInvalidEvent) {
			metrics.ObserveIntake("rejected")
			logger.Ctx(ctx).Error().Err(err).Str("order_id", event.OrderID).Msg("🚨 awaiting-payment event rejected")
			return nil
		}
		return err
	}
	if created {
		metrics.ObserveIntake("created")
		logger.Ctx(ctx).Info().Str("order_id", event.OrderID).Msg("awaiting order recorded")
	} else {
		metrics.ObserveIntake("duplicate")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
