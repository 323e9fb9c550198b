package mq

import "time"

// Task lifecycle routing keys. The recurring-task worker binds on
// task.completed only; the remaining keys are published for future
// consumers.
const (
	RoutingKeyTaskCreated   = "task.created"
	RoutingKeyTaskUpdated   = "task.updated"
	RoutingKeyTaskCompleted = "task.completed"
	RoutingKeyTaskDeleted   = "task.deleted"
)

// TaskSnapshot 是事件内嵌的任务快照。消费者只信任自己需要的字段，
// 不假设快照是最新状态。
type TaskSnapshot struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Color          string     `json:"color,omitempty"`
	Completed      bool       `json:"completed"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	ReminderAt     *time.Time `json:"reminder_at,omitempty"`
	ReminderSent   bool       `json:"reminder_sent"`
	IsRecurring    bool       `json:"is_recurring"`
	RecurrenceRule string     `json:"recurrence_rule,omitempty"`
	RecurrenceEnd  *time.Time `json:"recurrence_end,omitempty"`
	ParentTaskID   *int64     `json:"parent_task_id,omitempty"`
}

// TaskEventPayload is the lifecycle event envelope published on every task
// mutation. Recurrence flags are duplicated at the top level for consumer
// convenience.
type TaskEventPayload struct {
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"` // task.created / task.updated / task.completed / task.deleted
	TaskID      int64        `json:"task_id"`
	UserID      int64        `json:"user_id"`
	IsRecurring bool         `json:"is_recurring"`
	Task        TaskSnapshot `json:"task"`
	Timestamp   time.Time    `json:"timestamp"`
}
