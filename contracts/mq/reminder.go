package mq

import "time"

const RoutingKeyReminderDue = "reminder.due"

// SubscriptionDescriptor 内嵌在事件里的订阅信息，
// 省去消费端一次查询；缺省时消费端自行解析订阅。
type SubscriptionDescriptor struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

// ReminderDuePayload is emitted once per claimed due reminder by the
// scanner. Delivery downstream is at-least-once; consumers dedup on
// task_id + reminder_at.
type ReminderDuePayload struct {
	EventID       string                   `json:"event_id"`
	TaskID        int64                    `json:"task_id"`
	UserID        int64                    `json:"user_id"`
	Title         string                   `json:"title"`
	ReminderAt    time.Time                `json:"reminder_at"`
	DueAt         *time.Time               `json:"due_at,omitempty"`
	Subscriptions []SubscriptionDescriptor `json:"subscriptions,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}
