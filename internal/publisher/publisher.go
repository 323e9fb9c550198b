package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contracts "taskpulse/contracts/mq"
	"taskpulse/internal/model"
	"taskpulse/pkg/metrics"
)

// Broker is the outbound side of the event bus. *pkg/mq.Publisher satisfies
// it; tests substitute a fake.
type Broker interface {
	Publish(routingKey string, payload any) error
}

// FailureRecorder keeps an audit row per dropped event. Optional.
type FailureRecorder interface {
	InsertFailedEvent(ctx context.Context, taskID, userID int64, routingKey string, payload interface{}, errorMsg string) error
}

// EventPublisher wraps broker writes with the engine's envelope (event id,
// timestamp) and its failure policy: a failed publish is logged, counted and
// recorded, never retried and never fatal to the caller. Losing one
// reminder or recurrence tick is preferable to failing the mutation that
// triggered it.
type EventPublisher struct {
	broker   Broker
	failures FailureRecorder
	logger   *zap.Logger
}

func NewEventPublisher(broker Broker, failures FailureRecorder, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		broker:   broker,
		failures: failures,
		logger:   logger,
	}
}

// PublishTaskEvent publishes a lifecycle event for a task snapshot.
func (p *EventPublisher) PublishTaskEvent(ctx context.Context, eventType string, task *model.Task) error {
	payload := contracts.TaskEventPayload{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		TaskID:      task.ID,
		UserID:      task.UserID,
		IsRecurring: task.IsRecurring,
		Task: contracts.TaskSnapshot{
			ID:             task.ID,
			UserID:         task.UserID,
			Title:          task.Title,
			Description:    task.Description,
			Color:          task.Color,
			Completed:      task.Completed,
			DueAt:          task.DueAt,
			ReminderAt:     task.ReminderAt,
			ReminderSent:   task.ReminderSent,
			IsRecurring:    task.IsRecurring,
			RecurrenceRule: task.RecurrenceRule,
			RecurrenceEnd:  task.RecurrenceEnd,
			ParentTaskID:   task.ParentTaskID,
		},
		Timestamp: time.Now(),
	}

	return p.publish(ctx, eventType, task.ID, task.UserID, payload)
}

// PublishReminderDue publishes one due-reminder event for a claimed task.
func (p *EventPublisher) PublishReminderDue(ctx context.Context, due model.DueReminder, subs []contracts.SubscriptionDescriptor) error {
	payload := contracts.ReminderDuePayload{
		EventID:       uuid.NewString(),
		TaskID:        due.TaskID,
		UserID:        due.UserID,
		Title:         due.Title,
		ReminderAt:    due.ReminderAt,
		DueAt:         due.DueAt,
		Subscriptions: subs,
		Timestamp:     time.Now(),
	}

	return p.publish(ctx, contracts.RoutingKeyReminderDue, due.TaskID, due.UserID, payload)
}

func (p *EventPublisher) publish(ctx context.Context, routingKey string, taskID, userID int64, payload any) error {
	if err := p.broker.Publish(routingKey, payload); err != nil {
		metrics.PublishFailureCount.WithLabelValues(routingKey).Inc()
		p.logger.Error("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Int64("task_id", taskID),
			zap.Error(err),
		)

		// 尽力记录审计行；审计失败只记日志
		if p.failures != nil {
			if auditErr := p.failures.InsertFailedEvent(ctx, taskID, userID, routingKey, payload, err.Error()); auditErr != nil {
				p.logger.Error("Failed to record failed event",
					zap.String("routing_key", routingKey),
					zap.Int64("task_id", taskID),
					zap.Error(auditErr),
				)
			}
		}
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.Debug("Event published",
		zap.String("routing_key", routingKey),
		zap.Int64("task_id", taskID),
	)
	return nil
}
