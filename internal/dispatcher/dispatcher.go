package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	contracts "taskpulse/contracts/mq"
	"taskpulse/internal/model"
	"taskpulse/pkg/circuitbreaker"
	"taskpulse/pkg/metrics"
	"taskpulse/pkg/util"
	"taskpulse/pkg/webpush"
)

// PushSender delivers one encrypted payload to one endpoint.
// *pkg/webpush.Sender satisfies it.
type PushSender interface {
	Send(ctx context.Context, sub webpush.Subscription, payload []byte) error
}

// SubscriptionStore is the registry surface the dispatcher needs: resolve a
// user's devices and prune endpoints the push service reports as gone.
type SubscriptionStore interface {
	ListByUser(ctx context.Context, userID int64) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// notification is the JSON document the service worker receives.
type notification struct {
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	TaskID     int64      `json:"task_id"`
	ReminderAt time.Time  `json:"reminder_at"`
	DueAt      *time.Time `json:"due_at,omitempty"`
}

// Dispatcher delivers a claimed reminder to every device of its user.
// Delivery is best-effort: the task's reminder_sent is already true from
// the scan claim, so nothing here is retried beyond the bounded backoff
// loop, and nothing is re-queued.
type Dispatcher struct {
	sender      PushSender
	subs        SubscriptionStore
	cb          *circuitbreaker.CircuitBreaker
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger

	sleep func(context.Context, time.Duration)
}

func NewDispatcher(sender PushSender, subs SubscriptionStore, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	// 推送服务不可用时快速失败，避免 worker 卡死
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
	}
	return &Dispatcher{
		sender:      sender,
		subs:        subs,
		cb:          circuitbreaker.NewCircuitBreaker(cbConfig),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Dispatch resolves the user's subscriptions and delivers the reminder to
// each one. Per-subscription failures never fail the event: the reminder is
// consumed either way.
func (d *Dispatcher) Dispatch(ctx context.Context, p contracts.ReminderDuePayload) error {
	subs := d.resolveSubscriptions(ctx, p)
	if len(subs) == 0 {
		// 用户没有注册设备：正常情况，不是错误
		d.logger.Info("No push subscriptions for user, skipping",
			zap.Int64("task_id", p.TaskID),
			zap.Int64("user_id", p.UserID),
		)
		return nil
	}

	payload, err := json.Marshal(notification{
		Title:      "Reminder",
		Body:       p.Title,
		TaskID:     p.TaskID,
		ReminderAt: p.ReminderAt,
		DueAt:      p.DueAt,
	})
	if err != nil {
		d.logger.Error("Failed to marshal notification payload", zap.Error(err))
		return nil
	}

	for _, sub := range subs {
		d.deliverOne(ctx, p.TaskID, sub, payload)
	}
	return nil
}

func (d *Dispatcher) resolveSubscriptions(ctx context.Context, p contracts.ReminderDuePayload) []webpush.Subscription {
	// 事件内嵌的订阅优先，省一次查询
	if len(p.Subscriptions) > 0 {
		subs := make([]webpush.Subscription, 0, len(p.Subscriptions))
		for _, s := range p.Subscriptions {
			subs = append(subs, webpush.Subscription{
				Endpoint:  s.Endpoint,
				P256dhKey: s.P256dhKey,
				AuthKey:   s.AuthKey,
			})
		}
		return subs
	}

	rows, err := d.subs.ListByUser(ctx, p.UserID)
	if err != nil {
		d.logger.Error("Failed to resolve push subscriptions",
			zap.Int64("user_id", p.UserID),
			zap.Error(err),
		)
		return nil
	}

	subs := make([]webpush.Subscription, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, webpush.Subscription{
			Endpoint:  row.Endpoint,
			P256dhKey: row.P256dhKey,
			AuthKey:   row.AuthKey,
		})
	}
	return subs
}

// deliverOne pushes to a single endpoint with bounded backoff. Outcomes:
// success; endpoint gone → prune the subscription, no retry; transient →
// retry up to maxAttempts, then log and drop.
func (d *Dispatcher) deliverOne(ctx context.Context, taskID int64, sub webpush.Subscription, payload []byte) {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		start := time.Now()
		var err error
		cbErr := d.cb.Execute(func() error {
			err = d.sender.Send(ctx, sub, payload)
			return breakerFailure(err)
		})
		if errors.Is(cbErr, circuitbreaker.ErrCircuitBreakerOpen) {
			metrics.IncrementPushDelivery("breaker_open")
			d.logger.Warn("Push transport circuit breaker open, dropping delivery",
				zap.Int64("task_id", taskID),
				zap.String("endpoint", sub.Endpoint),
			)
			return
		}
		if err == nil {
			metrics.IncrementPushDelivery("success")
			metrics.RecordPushDeliveryLatency("success", time.Since(start))
			d.logger.Info("Push delivered",
				zap.Int64("task_id", taskID),
				zap.String("endpoint", sub.Endpoint),
				zap.Int("attempt", attempt),
			)
			return
		}

		if errors.Is(err, webpush.ErrEndpointGone) {
			// 永久失效：删订阅，绝不重试
			metrics.IncrementPushDelivery("gone")
			d.logger.Info("Push endpoint gone, pruning subscription",
				zap.Int64("task_id", taskID),
				zap.String("endpoint", sub.Endpoint),
			)
			if delErr := d.subs.DeleteByEndpoint(ctx, sub.Endpoint); delErr != nil {
				d.logger.Error("Failed to prune gone subscription",
					zap.String("endpoint", sub.Endpoint),
					zap.Error(delErr),
				)
			}
			return
		}

		retryable, errType := util.IsRetryableError(err)
		metrics.RecordPushDeliveryLatency("error", time.Since(start))
		if !retryable {
			metrics.IncrementPushDelivery("error")
			d.logger.Error("Push delivery failed permanently",
				zap.Int64("task_id", taskID),
				zap.String("endpoint", sub.Endpoint),
				zap.String("error_type", errType),
				zap.Error(err),
			)
			return
		}

		d.logger.Warn("Push delivery failed, will retry",
			zap.Int64("task_id", taskID),
			zap.String("endpoint", sub.Endpoint),
			zap.String("error_type", errType),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < d.maxAttempts {
			// 指数退避：backoff, 2*backoff, 4*backoff...
			d.sleep(ctx, d.backoff*time.Duration(1<<(attempt-1)))
		}
	}

	metrics.IncrementPushDelivery("retry_exhausted")
	d.logger.Error("Push delivery retries exhausted, dropping",
		zap.Int64("task_id", taskID),
		zap.String("endpoint", sub.Endpoint),
		zap.Int("attempts", d.maxAttempts),
	)
}

// breakerFailure filters what the breaker counts as failure: transport
// trouble only. A gone endpoint or another 4xx is an answered request and
// says nothing about the push service's health.
func breakerFailure(err error) error {
	if err == nil || errors.Is(err, webpush.ErrEndpointGone) {
		return nil
	}
	if retryable, _ := util.IsRetryableError(err); !retryable {
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
