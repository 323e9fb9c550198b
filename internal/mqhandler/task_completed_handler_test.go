package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contracts "taskpulse/contracts/mq"
	"taskpulse/internal/model"
)

// fakeDeduper mimics the Redis SetNX guard with an in-process map.
type fakeDeduper struct {
	acquired map[string]bool
	released []string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{acquired: make(map[string]bool)}
}

func (f *fakeDeduper) AcquireOnce(_ context.Context, handler, key string) bool {
	k := handler + ":" + key
	if f.acquired[k] {
		return false
	}
	f.acquired[k] = true
	return true
}

func (f *fakeDeduper) Release(_ context.Context, handler, key string) {
	k := handler + ":" + key
	delete(f.acquired, k)
	f.released = append(f.released, k)
}

type fakeSuccessorStore struct {
	inserted     []*model.Task
	insertErr    error
	conflict     bool
	nextID       int64
	existing     bool
	existsErr    error
	existsChecks int
}

func (f *fakeSuccessorStore) InsertSuccessor(_ context.Context, t *model.Task) (int64, bool, error) {
	if f.insertErr != nil {
		return 0, false, f.insertErr
	}
	if f.conflict {
		return 0, false, nil
	}
	f.inserted = append(f.inserted, t)
	f.nextID++
	return f.nextID, true, nil
}

func (f *fakeSuccessorStore) SuccessorExists(context.Context, int64, time.Time) (bool, error) {
	f.existsChecks++
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.existing, nil
}

type fakeTaskEventPublisher struct {
	events []string
	tasks  []*model.Task
	err    error
}

func (f *fakeTaskEventPublisher) PublishTaskEvent(_ context.Context, eventType string, task *model.Task) error {
	f.events = append(f.events, eventType)
	f.tasks = append(f.tasks, task)
	return f.err
}

func timePtr(t time.Time) *time.Time { return &t }

func completedEvent(t *testing.T, snapshot contracts.TaskSnapshot) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(contracts.TaskEventPayload{
		EventID:     "evt-1",
		EventType:   contracts.RoutingKeyTaskCompleted,
		TaskID:      snapshot.ID,
		UserID:      snapshot.UserID,
		IsRecurring: snapshot.IsRecurring,
		Task:        snapshot,
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
	return raw
}

func recurringSnapshot() contracts.TaskSnapshot {
	return contracts.TaskSnapshot{
		ID:             10,
		UserID:         3,
		Title:          "Weekly report",
		Completed:      true,
		DueAt:          timePtr(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)),
		IsRecurring:    true,
		RecurrenceRule: "weekly",
	}
}

func TestHandleCreatesSuccessor(t *testing.T) {
	store := &fakeSuccessorStore{}
	pub := &fakeTaskEventPublisher{}
	h := NewTaskCompletedHandler(store, pub, newFakeDeduper(), zap.NewNop())

	err := h.Handle(context.Background(), completedEvent(t, recurringSnapshot()))
	require.NoError(t, err)

	require.Len(t, store.inserted, 1)
	successor := store.inserted[0]
	assert.Equal(t, int64(3), successor.UserID)
	assert.Equal(t, "Weekly report", successor.Title)
	assert.False(t, successor.Completed)
	assert.False(t, successor.ReminderSent)
	assert.True(t, successor.IsRecurring)
	assert.Equal(t, "weekly", successor.RecurrenceRule)
	require.NotNil(t, successor.DueAt)
	assert.Equal(t, time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC), *successor.DueAt)
	require.NotNil(t, successor.ParentTaskID)
	assert.Equal(t, int64(10), *successor.ParentTaskID)

	require.Len(t, pub.events, 1)
	assert.Equal(t, contracts.RoutingKeyTaskCreated, pub.events[0])
	assert.Equal(t, int64(1), pub.tasks[0].ID)
}

func TestHandleKeepsLineageFlat(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	// 完成的是第二代任务；后继仍然指回原始模板
	snap := recurringSnapshot()
	snap.ID = 55
	snap.ParentTaskID = int64Ptr(10)

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, snap)))
	require.Len(t, store.inserted, 1)
	require.NotNil(t, store.inserted[0].ParentTaskID)
	assert.Equal(t, int64(10), *store.inserted[0].ParentTaskID)
}

func int64Ptr(v int64) *int64 { return &v }

func TestHandlePreservesReminderLead(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	snap := recurringSnapshot()
	snap.RecurrenceRule = "daily"
	snap.ReminderAt = timePtr(snap.DueAt.Add(-30 * time.Minute))

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, snap)))
	require.Len(t, store.inserted, 1)
	successor := store.inserted[0]
	require.NotNil(t, successor.ReminderAt)
	assert.Equal(t, successor.DueAt.Add(-30*time.Minute), *successor.ReminderAt)
}

func TestHandleReminderOnlyTask(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	snap := recurringSnapshot()
	snap.RecurrenceRule = "daily"
	snap.ReminderAt = snap.DueAt
	snap.DueAt = nil

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, snap)))
	require.Len(t, store.inserted, 1)
	successor := store.inserted[0]
	require.NotNil(t, successor.ReminderAt)
	require.NotNil(t, successor.DueAt)
	assert.Equal(t, *successor.DueAt, *successor.ReminderAt)
}

func TestHandleDuplicateEventCreatesOneSuccessor(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	raw := completedEvent(t, recurringSnapshot())
	require.NoError(t, h.Handle(context.Background(), raw))
	require.NoError(t, h.Handle(context.Background(), raw))

	assert.Len(t, store.inserted, 1)
}

func TestHandleExistingSuccessorSkipsInsert(t *testing.T) {
	// 数据库里已有该 occurrence 的后继：Redis 过期后的重投走这条路径
	store := &fakeSuccessorStore{existing: true}
	pub := &fakeTaskEventPublisher{}
	h := NewTaskCompletedHandler(store, pub, newFakeDeduper(), zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, recurringSnapshot())))
	assert.Equal(t, 1, store.existsChecks)
	assert.Empty(t, store.inserted)
	assert.Empty(t, pub.events)
}

func TestHandleExistenceCheckFailureFallsBackToInsert(t *testing.T) {
	store := &fakeSuccessorStore{existsErr: errors.New("database unavailable")}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, recurringSnapshot())))
	assert.Len(t, store.inserted, 1)
}

func TestHandleConflictFromUniqueIndex(t *testing.T) {
	// Redis 键过期后靠 (parent_task_id, due_at) 唯一索引兜底
	store := &fakeSuccessorStore{conflict: true}
	pub := &fakeTaskEventPublisher{}
	h := NewTaskCompletedHandler(store, pub, newFakeDeduper(), zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, recurringSnapshot())))
	assert.Empty(t, store.inserted)
	assert.Empty(t, pub.events)
}

func TestHandleInsertErrorReleasesDedupKey(t *testing.T) {
	store := &fakeSuccessorStore{insertErr: errors.New("database unavailable")}
	deduper := newFakeDeduper()
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, deduper, zap.NewNop())

	err := h.Handle(context.Background(), completedEvent(t, recurringSnapshot()))
	require.Error(t, err)
	require.Len(t, deduper.released, 1)

	// 重投后能再次尝试
	store.insertErr = nil
	require.NoError(t, h.Handle(context.Background(), completedEvent(t, recurringSnapshot())))
	assert.Len(t, store.inserted, 1)
}

type fakeRetryTracker struct {
	counts map[string]int64
	resets []string
}

func newFakeRetryTracker() *fakeRetryTracker {
	return &fakeRetryTracker{counts: make(map[string]int64)}
}

func (f *fakeRetryTracker) IncrementAndGet(_ context.Context, key string) (int64, error) {
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRetryTracker) Reset(_ context.Context, key string) error {
	delete(f.counts, key)
	f.resets = append(f.resets, key)
	return nil
}

func TestHandleRetryCapDropsPoisonEvent(t *testing.T) {
	store := &fakeSuccessorStore{insertErr: errors.New("database unavailable")}
	tracker := newFakeRetryTracker()
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop()).
		WithRetryTracker(tracker, 2)

	raw := completedEvent(t, recurringSnapshot())

	// 前两次重投返回错误触发 nack，第三次达到上限后 ack 丢弃
	require.Error(t, h.Handle(context.Background(), raw))
	require.Error(t, h.Handle(context.Background(), raw))
	require.NoError(t, h.Handle(context.Background(), raw))
}

func TestHandleSuccessResetsRetryCount(t *testing.T) {
	store := &fakeSuccessorStore{insertErr: errors.New("database unavailable")}
	tracker := newFakeRetryTracker()
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop()).
		WithRetryTracker(tracker, 5)

	raw := completedEvent(t, recurringSnapshot())
	require.Error(t, h.Handle(context.Background(), raw))

	store.insertErr = nil
	require.NoError(t, h.Handle(context.Background(), raw))
	assert.Len(t, tracker.resets, 1)
	assert.Empty(t, tracker.counts)
}

func TestHandleInvalidRuleIsAcked(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	snap := recurringSnapshot()
	snap.RecurrenceRule = "fortnightly"

	// 坏规则不 nack：重投不会让规则变好
	require.NoError(t, h.Handle(context.Background(), completedEvent(t, snap)))
	assert.Empty(t, store.inserted)
}

func TestHandleSeriesEnded(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	snap := recurringSnapshot()
	snap.RecurrenceEnd = timePtr(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, snap)))
	assert.Empty(t, store.inserted)
}

func TestHandleNonRecurringTaskIgnored(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	snap := recurringSnapshot()
	snap.IsRecurring = false

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, snap)))
	assert.Empty(t, store.inserted)
}

func TestHandleMissingAnchorDropped(t *testing.T) {
	store := &fakeSuccessorStore{}
	h := NewTaskCompletedHandler(store, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())

	snap := recurringSnapshot()
	snap.DueAt = nil
	snap.ReminderAt = nil

	require.NoError(t, h.Handle(context.Background(), completedEvent(t, snap)))
	assert.Empty(t, store.inserted)
}

func TestHandleMalformedPayloadAcked(t *testing.T) {
	h := NewTaskCompletedHandler(&fakeSuccessorStore{}, &fakeTaskEventPublisher{}, newFakeDeduper(), zap.NewNop())
	require.NoError(t, h.Handle(context.Background(), json.RawMessage(`{not json`)))
}

func TestHandlePublishFailureIsNonFatal(t *testing.T) {
	store := &fakeSuccessorStore{}
	pub := &fakeTaskEventPublisher{err: errors.New("broker unavailable")}
	h := NewTaskCompletedHandler(store, pub, newFakeDeduper(), zap.NewNop())

	// 后继已落库，发布失败不应触发 nack 重投
	require.NoError(t, h.Handle(context.Background(), completedEvent(t, recurringSnapshot())))
	assert.Len(t, store.inserted, 1)
}
