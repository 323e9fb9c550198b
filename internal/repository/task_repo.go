package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taskpulse/internal/model"
	"taskpulse/pkg/metrics"
)

type TaskRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTaskRepository(db *pgxpool.Pool, logger *zap.Logger) *TaskRepository {
	return &TaskRepository{
		db:     db,
		logger: logger,
	}
}

// ClaimDue atomically claims up to limit due reminders: reminder_sent flips
// false→true in the same statement that selects the rows, so two
// overlapping scanner ticks can never both claim the same task.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers off each other's rows.
func (r *TaskRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.DueReminder, error) {
	start := time.Now()

	query := `
        UPDATE tasks SET reminder_sent = TRUE, reminder_claimed_at = $1
        WHERE id IN (
            SELECT id FROM tasks
            WHERE reminder_at <= $1
              AND reminder_sent = FALSE
              AND deleted_at IS NULL
            ORDER BY reminder_at
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, user_id, title, reminder_at, due_at
    `
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due reminders: %w", err)
	}
	defer rows.Close()

	var claimed []model.DueReminder
	for rows.Next() {
		var d model.DueReminder
		if err := rows.Scan(&d.TaskID, &d.UserID, &d.Title, &d.ReminderAt, &d.DueAt); err != nil {
			return nil, fmt.Errorf("failed to scan claimed reminder: %w", err)
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed reminders: %w", err)
	}

	metrics.RecordDBQueryDuration("claim_due", "tasks", time.Since(start))
	return claimed, nil
}

// insertSuccessorSQL's conflict target repeats the predicate of the
// partial index uq_tasks_occurrence. Postgres only infers a partial
// unique index as arbiter when the target's predicate implies the
// index's; without it every insert fails with 42P10.
const insertSuccessorSQL = `
        INSERT INTO tasks (
            user_id, title, description, color, completed,
            due_at, reminder_at, reminder_sent,
            is_recurring, recurrence_rule, recurrence_end, parent_task_id
        )
        VALUES ($1, $2, $3, $4, FALSE, $5, $6, FALSE, TRUE, $7, $8, $9)
        ON CONFLICT (parent_task_id, due_at)
            WHERE parent_task_id IS NOT NULL AND due_at IS NOT NULL
            DO NOTHING
        RETURNING id
    `

// InsertSuccessor creates the next occurrence of a recurring template.
// The unique index on (parent_task_id, due_at) makes redelivered completion
// events a no-op: ON CONFLICT DO NOTHING returns zero rows and we report
// created=false.
func (r *TaskRepository) InsertSuccessor(ctx context.Context, t *model.Task) (int64, bool, error) {
	start := time.Now()

	var id int64
	err := r.db.QueryRow(ctx, insertSuccessorSQL,
		t.UserID,
		t.Title,
		t.Description,
		t.Color,
		t.DueAt,
		t.ReminderAt,
		t.RecurrenceRule,
		t.RecurrenceEnd,
		t.ParentTaskID,
	).Scan(&id)

	metrics.RecordDBQueryDuration("insert_successor", "tasks", time.Since(start))

	if err == pgx.ErrNoRows {
		// conflict: successor for this occurrence already exists
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert successor task: %w", err)
	}

	r.logger.Info("Successor task inserted",
		zap.Int64("id", id),
		zap.Int64("user_id", t.UserID),
	)
	return id, true, nil
}

// SuccessorExists reports whether a successor for the given template and
// occurrence is already present.
func (r *TaskRepository) SuccessorExists(ctx context.Context, parentTaskID int64, dueAt time.Time) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM tasks
            WHERE parent_task_id = $1 AND due_at = $2 AND deleted_at IS NULL
        )
    `
	var exists bool
	if err := r.db.QueryRow(ctx, query, parentTaskID, dueAt).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check successor existence: %w", err)
	}
	return exists, nil
}
