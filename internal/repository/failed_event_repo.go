package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FailedEventRepository records publish failures for operational triage.
// Rows are never replayed automatically: a dropped reminder/lifecycle event
// is accepted loss, this table only makes the loss visible.
type FailedEventRepository struct {
	db *pgxpool.Pool
}

func NewFailedEventRepository(db *pgxpool.Pool) *FailedEventRepository {
	return &FailedEventRepository{db: db}
}

// InsertFailedEvent 插入失败的事件记录
func (r *FailedEventRepository) InsertFailedEvent(
	ctx context.Context,
	taskID, userID int64,
	routingKey string,
	payload interface{},
	errorMsg string,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO failed_events (task_id, user_id, routing_key, payload, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
	_, err = r.db.Exec(ctx, query, taskID, userID, routingKey, payloadJSON, errorMsg)
	return err
}

// ListRecent 获取最近的失败记录（用于排障）
func (r *FailedEventRepository) ListRecent(ctx context.Context, limit int) ([]FailedEvent, error) {
	query := `
		SELECT id, task_id, user_id, routing_key, payload, error_message, created_at
		FROM failed_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []FailedEvent
	for rows.Next() {
		var e FailedEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.RoutingKey, &e.Payload, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type FailedEvent struct {
	ID           int64
	TaskID       int64
	UserID       int64
	RoutingKey   string
	Payload      json.RawMessage
	ErrorMessage string
	CreatedAt    interface{}
}
