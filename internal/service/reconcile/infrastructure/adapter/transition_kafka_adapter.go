package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/pkg/mq"
	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"

	"github.com/segmentio/kafka-go"
)

// TransitionKafkaAdapter 实现了 port.TransitionPublisher 接口，按订单号分区保证同一订单的事件有序。
type TransitionKafkaAdapter struct {
	writer *kafka.Writer
}

// NewTransitionKafkaAdapter 创建一个新的状态流转事件生产者。
func NewTransitionKafkaAdapter(writer *kafka.Writer) *TransitionKafkaAdapter {
	return &TransitionKafkaAdapter{writer: writer}
}

func (a *TransitionKafkaAdapter) PublishTransition(ctx context.Context, event domain.OrderTransitioned) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transition event: %w", err)
	}
	// 调用通用的 mq.ProduceMessage，它会自动处理追踪上下文注入
	return mq.ProduceMessage(ctx, a.writer, []byte(event.OrderID), eventBytes)
}

// Close 关闭底层的Kafka writer。
func (a *TransitionKafkaAdapter) Close() error {
	return a.writer.Close()
}

// FanoutPublisher 把同一个事件依次交给多个发布者，单个失败不影响其余的
type FanoutPublisher []port.TransitionPublisher

func (f FanoutPublisher) PublishTransition(ctx context.Context, event domain.OrderTransitioned) error {
	var firstErr error
	for _, p := range f {
		if err := p.PublishTransition(ctx, event); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", event.OrderID).Msgf("publish transition via %T failed", p)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
