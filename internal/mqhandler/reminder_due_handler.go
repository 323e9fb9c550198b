package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contracts "taskpulse/contracts/mq"
	"taskpulse/internal/dispatcher"
)

// ReminderDueHandler consumes reminder.due events and hands them to the
// dispatcher. The broker is at-least-once; the Redis deduper turns
// redelivered events into acked no-ops.
type ReminderDueHandler struct {
	dispatcher *dispatcher.Dispatcher
	deduper    Deduper
	logger     *zap.Logger
}

func NewReminderDueHandler(d *dispatcher.Dispatcher, deduper Deduper, logger *zap.Logger) *ReminderDueHandler {
	return &ReminderDueHandler{
		dispatcher: d,
		deduper:    deduper,
		logger:     logger,
	}
}

func (h *ReminderDueHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p contracts.ReminderDuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal ReminderDuePayload", zap.Error(err))
		// 格式错误重入队也不会变好，直接 ack 丢弃
		return nil
	}

	// dedup key: 同一个提醒 occurrence 只投递一轮
	dedupKey := fmt.Sprintf("%d:%d", p.TaskID, p.ReminderAt.Unix())
	if !h.deduper.AcquireOnce(ctx, "reminder_due", dedupKey) {
		return nil
	}

	h.logger.Info("Handling reminder.due event",
		zap.String("event_id", p.EventID),
		zap.Int64("task_id", p.TaskID),
		zap.Int64("user_id", p.UserID),
	)

	return h.dispatcher.Dispatch(ctx, p)
}
