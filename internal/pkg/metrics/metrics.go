// internal/pkg/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconcile",
		Name:      "operations_total",
		Help:      "Reconciliation operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	providerCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconcile",
		Name:      "provider_call_seconds",
		Help:      "Latency of payment provider calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"call", "outcome"})

	intakeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconcile",
		Name:      "intake_messages_total",
		Help:      "Orders consumed from the awaiting-payment topic by outcome.",
	}, []string{"outcome"})
)

// ObserveOperation 记录一次对账操作的结果，outcome 使用稳定的错误码或 "ok"
func ObserveOperation(operation, outcome string) {
	operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveProviderCall 记录渠道调用耗时
func ObserveProviderCall(call, outcome string, started time.Time) {
	providerCalls.WithLabelValues(call, outcome).Observe(time.Since(started).Seconds())
}

// ObserveIntake 记录订单接入消息的处理结果
func ObserveIntake(outcome string) {
	intakeMessages.WithLabelValues(outcome).Inc()
}
