package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// Push 投递延迟（毫秒）
	PushDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_delivery_latency_ms",
			Help:    "Web push delivery latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 提醒认领计数
	RemindersClaimedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_claimed_total",
			Help: "Total number of due reminders claimed by the scanner",
		},
	)

	// 事件发布失败计数
	PublishFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Total number of failed event publishes",
		},
		[]string{"routing_key"},
	)

	// Push 投递结果计数
	PushDeliveryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_delivery_total",
			Help: "Total number of push delivery attempts by outcome",
		},
		[]string{"status"}, // status: success, gone, retry_exhausted, error
	)

	// 后继任务生成计数
	SuccessorCreatedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "successor_tasks_total",
			Help: "Total number of successor tasks created for recurring templates",
		},
		[]string{"result"}, // result: created, duplicate, series_ended, rule_error
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordPushDeliveryLatency 记录 push 投递延迟
func RecordPushDeliveryLatency(status string, duration time.Duration) {
	PushDeliveryLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementPushDelivery 增加 push 投递结果计数
func IncrementPushDelivery(status string) {
	PushDeliveryCount.WithLabelValues(status).Inc()
}

// IncrementSuccessorCreated 增加后继任务计数
func IncrementSuccessorCreated(result string) {
	SuccessorCreatedCount.WithLabelValues(result).Inc()
}
