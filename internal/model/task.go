package model

import "time"

// Task mirrors the task-store row fields this engine reads and writes.
// Columns outside this set belong to the CRUD service and are never
// touched here.
type Task struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Color          string     `json:"color"`
	Completed      bool       `json:"completed"`
	DueAt          *time.Time `json:"due_at"`
	ReminderAt     *time.Time `json:"reminder_at"`
	ReminderSent   bool       `json:"reminder_sent"`
	IsRecurring    bool       `json:"is_recurring"`
	RecurrenceRule string     `json:"recurrence_rule"`
	RecurrenceEnd  *time.Time `json:"recurrence_end"`
	ParentTaskID   *int64     `json:"parent_task_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DueReminder 是扫描器 claim 到的一条到期提醒。
type DueReminder struct {
	TaskID     int64
	UserID     int64
	Title      string
	ReminderAt time.Time
	DueAt      *time.Time
}
