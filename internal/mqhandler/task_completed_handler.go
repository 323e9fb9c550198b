package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	contracts "taskpulse/contracts/mq"
	"taskpulse/internal/model"
	"taskpulse/internal/recurrence"
	"taskpulse/pkg/metrics"
	"taskpulse/pkg/util"
)

// Deduper is the duplicate-event guard. *pkg/util.Deduper satisfies it.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
	Release(ctx context.Context, handler, key string)
}

// RetryTracker counts redeliveries of an event so a poison message cannot
// cycle through the queue forever. *pkg/util.RetryCounter satisfies it.
type RetryTracker interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// SuccessorStore creates the next occurrence of a recurring template.
// created=false reports an idempotency-key conflict, not an error.
type SuccessorStore interface {
	InsertSuccessor(ctx context.Context, t *model.Task) (int64, bool, error)
	SuccessorExists(ctx context.Context, parentTaskID int64, dueAt time.Time) (bool, error)
}

// TaskEventPublisher announces the successor to the lifecycle stream.
type TaskEventPublisher interface {
	PublishTaskEvent(ctx context.Context, eventType string, task *model.Task) error
}

// TaskCompletedHandler regenerates recurring tasks: on task.completed with
// is_recurring=true it computes the next occurrence and inserts the
// successor. It trusts only the fields it needs from the snapshot (rule,
// anchor, end date), never an assumption of latest state.
type TaskCompletedHandler struct {
	tasks     SuccessorStore
	publisher TaskEventPublisher
	deduper   Deduper
	logger    *zap.Logger

	retries    RetryTracker // optional
	maxRetries int64
}

func NewTaskCompletedHandler(tasks SuccessorStore, publisher TaskEventPublisher, deduper Deduper, logger *zap.Logger) *TaskCompletedHandler {
	return &TaskCompletedHandler{
		tasks:     tasks,
		publisher: publisher,
		deduper:   deduper,
		logger:    logger,
	}
}

// WithRetryTracker caps how many times a failing event is nacked back to
// the queue before it is dropped.
func (h *TaskCompletedHandler) WithRetryTracker(retries RetryTracker, maxRetries int64) *TaskCompletedHandler {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	h.retries = retries
	h.maxRetries = maxRetries
	return h
}

func (h *TaskCompletedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p contracts.TaskEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal TaskEventPayload", zap.Error(err))
		return nil
	}

	// 队列按 routing key 绑定，这里再校验一次事件内容
	if p.EventType != contracts.RoutingKeyTaskCompleted || !p.Task.IsRecurring {
		return nil
	}

	anchor, ok := anchorTime(p.Task)
	if !ok {
		h.logger.Warn("Recurring task has neither due_at nor reminder_at, dropping",
			zap.Int64("task_id", p.TaskID),
		)
		return nil
	}

	// 幂等键：模板 + anchor。快速路径走 Redis，权威保证是
	// (parent_task_id, due_at) 唯一索引。
	templateID := p.TaskID
	if p.Task.ParentTaskID != nil {
		templateID = *p.Task.ParentTaskID
	}
	dedupKey := fmt.Sprintf("%d:%d", templateID, anchor.Unix())
	if !h.deduper.AcquireOnce(ctx, "task_completed", dedupKey) {
		metrics.IncrementSuccessorCreated("duplicate")
		return nil
	}

	next, ok, err := recurrence.Next(p.Task.RecurrenceRule, anchor, p.Task.RecurrenceEnd)
	if err != nil {
		var ruleErr *recurrence.RuleError
		if errors.As(err, &ruleErr) {
			// 规则坏了只影响这一个事件：记日志，不造后继，不 nack
			metrics.IncrementSuccessorCreated("rule_error")
			h.logger.Error("Invalid recurrence rule, no successor created",
				zap.Int64("task_id", p.TaskID),
				zap.String("rule", p.Task.RecurrenceRule),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	if !ok {
		metrics.IncrementSuccessorCreated("series_ended")
		h.logger.Info("Recurrence series ended, no successor",
			zap.Int64("task_id", p.TaskID),
			zap.String("rule", p.Task.RecurrenceRule),
		)
		return nil
	}

	// Redis 键会过期，权威判定靠数据库：先按唯一索引口径查一次
	exists, err := h.tasks.SuccessorExists(ctx, templateID, next)
	if err != nil {
		// 查询失败继续走插入，ON CONFLICT 兜底
		h.logger.Warn("Failed to check successor existence",
			zap.Int64("template_id", templateID),
			zap.Error(err),
		)
	} else if exists {
		metrics.IncrementSuccessorCreated("duplicate")
		h.logger.Info("Successor already exists, skipping",
			zap.Int64("template_id", templateID),
			zap.Time("due_at", next),
		)
		return nil
	}

	successor := buildSuccessor(p.Task, templateID, next)

	id, created, err := h.tasks.InsertSuccessor(ctx, successor)
	if err != nil {
		// 插入失败：释放幂等键，nack 后重投还能再试
		h.deduper.Release(ctx, "task_completed", dedupKey)
		h.logger.Error("Failed to insert successor task",
			zap.Int64("task_id", p.TaskID),
			zap.Error(err),
		)
		if h.retries != nil {
			count, cntErr := h.retries.IncrementAndGet(ctx, util.FormatRetryKey("task_completed", p.TaskID))
			if cntErr == nil && count > h.maxRetries {
				metrics.IncrementSuccessorCreated("retry_exhausted")
				h.logger.Error("Successor insert retries exhausted, dropping event",
					zap.Int64("task_id", p.TaskID),
					zap.Int64("retries", count),
				)
				return nil
			}
		}
		return err
	}
	if !created {
		metrics.IncrementSuccessorCreated("duplicate")
		h.logger.Info("Successor already exists, skipping",
			zap.Int64("template_id", templateID),
			zap.Time("due_at", next),
		)
		return nil
	}

	if h.retries != nil {
		_ = h.retries.Reset(ctx, util.FormatRetryKey("task_completed", p.TaskID))
	}

	metrics.IncrementSuccessorCreated("created")
	h.logger.Info("Successor task created",
		zap.Int64("successor_id", id),
		zap.Int64("template_id", templateID),
		zap.Time("next_occurrence", next),
	)

	successor.ID = id
	if err := h.publisher.PublishTaskEvent(ctx, contracts.RoutingKeyTaskCreated, successor); err != nil {
		// 发布失败不致命：任务已落库
		h.logger.Warn("Failed to announce successor task", zap.Error(err))
	}
	return nil
}

// anchorTime prefers due_at and falls back to reminder_at.
func anchorTime(t contracts.TaskSnapshot) (time.Time, bool) {
	if t.DueAt != nil {
		return *t.DueAt, true
	}
	if t.ReminderAt != nil {
		return *t.ReminderAt, true
	}
	return time.Time{}, false
}

// buildSuccessor clones the template payload onto the next occurrence.
// parent_task_id always points at the original template, keeping the
// lineage flat instead of growing a chain.
func buildSuccessor(t contracts.TaskSnapshot, templateID int64, next time.Time) *model.Task {
	successor := &model.Task{
		UserID:         t.UserID,
		Title:          t.Title,
		Description:    t.Description,
		Color:          t.Color,
		Completed:      false,
		DueAt:          &next,
		ReminderSent:   false,
		IsRecurring:    true,
		RecurrenceRule: t.RecurrenceRule,
		RecurrenceEnd:  t.RecurrenceEnd,
		ParentTaskID:   &templateID,
	}

	// 模板同时有 due_at 和 reminder_at 时保持相同的提前量
	if t.DueAt != nil && t.ReminderAt != nil {
		lead := t.DueAt.Sub(*t.ReminderAt)
		reminderAt := next.Add(-lead)
		successor.ReminderAt = &reminderAt
	} else if t.DueAt == nil && t.ReminderAt != nil {
		// anchor 就是 reminder_at：新的 occurrence 直接作为提醒时间
		reminderAt := next
		successor.ReminderAt = &reminderAt
	}

	return successor
}
