package scanner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	contracts "taskpulse/contracts/mq"
	"taskpulse/internal/model"
	"taskpulse/pkg/metrics"
)

// TaskClaimer is the single conditional claim operation the scanner needs
// from the task store.
type TaskClaimer interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.DueReminder, error)
}

// ReminderPublisher emits one reminder.due event per claimed task.
type ReminderPublisher interface {
	PublishReminderDue(ctx context.Context, due model.DueReminder, subs []contracts.SubscriptionDescriptor) error
}

// SubscriptionLister optionally embeds the user's subscriptions in the
// event, saving the consumer a lookup round trip.
type SubscriptionLister interface {
	ListByUser(ctx context.Context, userID int64) ([]model.PushSubscription, error)
}

// Scanner claims due reminders and publishes reminder.due events. Claim is
// the unit of exactly-once; everything downstream is at-least-once. Ticks
// may overlap: the conditional update in ClaimDue is the concurrency
// boundary, not tick framing.
type Scanner struct {
	tasks     TaskClaimer
	publisher ReminderPublisher
	subs      SubscriptionLister // optional
	batchSize int
	logger    *zap.Logger

	cron *cron.Cron
	now  func() time.Time
}

func NewScanner(tasks TaskClaimer, publisher ReminderPublisher, batchSize int, logger *zap.Logger) *Scanner {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scanner{
		tasks:     tasks,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// WithSubscriptionLister enables embedding subscriptions into events.
func (s *Scanner) WithSubscriptionLister(subs SubscriptionLister) *Scanner {
	s.subs = subs
	return s
}

// Start runs ticks on the given cron schedule (e.g. "@every 1m") until
// Stop is called. The HTTP tick endpoint can drive Tick independently.
func (s *Scanner) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		s.Tick(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info("Scanner started", zap.String("schedule", schedule))
	return nil
}

func (s *Scanner) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Tick claims due reminders and publishes one event per claim. A publish
// failure after the claim committed loses that reminder; the claim log
// line and the failed-event audit row are what remains of it.
func (s *Scanner) Tick(ctx context.Context) (claimed, published int) {
	now := s.now()

	due, err := s.tasks.ClaimDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to claim due reminders", zap.Error(err))
		return 0, 0
	}

	if len(due) == 0 {
		s.logger.Debug("No due reminders")
		return 0, 0
	}

	for _, d := range due {
		metrics.RemindersClaimedCount.Inc()
		// 每次 claim 都记日志：claim 后丢失的提醒只能靠这条日志追查
		s.logger.Info("Claimed due reminder",
			zap.Int64("task_id", d.TaskID),
			zap.Int64("user_id", d.UserID),
			zap.Time("reminder_at", d.ReminderAt),
		)

		var descriptors []contracts.SubscriptionDescriptor
		if s.subs != nil {
			descriptors = s.resolveSubscriptions(ctx, d.UserID)
		}

		if err := s.publisher.PublishReminderDue(ctx, d, descriptors); err != nil {
			// 已在 publisher 里记录；这条提醒按约定不再重试
			continue
		}
		published++
	}

	s.logger.Info("Scan tick completed",
		zap.Time("scanned_at", now),
		zap.Int("claimed", len(due)),
		zap.Int("published", published),
	)
	return len(due), published
}

func (s *Scanner) resolveSubscriptions(ctx context.Context, userID int64) []contracts.SubscriptionDescriptor {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		// 解析失败不致命：消费端会自己查
		s.logger.Warn("Failed to resolve subscriptions for embedding",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return nil
	}

	descriptors := make([]contracts.SubscriptionDescriptor, 0, len(subs))
	for _, sub := range subs {
		descriptors = append(descriptors, contracts.SubscriptionDescriptor{
			Endpoint:  sub.Endpoint,
			P256dhKey: sub.P256dhKey,
			AuthKey:   sub.AuthKey,
		})
	}
	return descriptors
}
