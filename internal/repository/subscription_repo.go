package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taskpulse/internal/model"
	"taskpulse/pkg/metrics"
)

type SubscriptionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewSubscriptionRepository(db *pgxpool.Pool, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert registers a browser subscription. Re-registering the same
// (user_id, endpoint) refreshes keys and user agent.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *model.PushSubscription) (int64, error) {
	start := time.Now()

	query := `
        INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, user_agent)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, endpoint) DO UPDATE
            SET p256dh_key = EXCLUDED.p256dh_key,
                auth_key   = EXCLUDED.auth_key,
                user_agent = EXCLUDED.user_agent,
                updated_at = NOW()
        RETURNING id
    `
	var id int64
	err := r.db.QueryRow(ctx, query,
		sub.UserID, sub.Endpoint, sub.P256dhKey, sub.AuthKey, sub.UserAgent,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert push subscription: %w", err)
	}

	metrics.RecordDBQueryDuration("upsert", "push_subscriptions", time.Since(start))

	r.logger.Info("Push subscription upserted",
		zap.Int64("id", id),
		zap.Int64("user_id", sub.UserID),
	)
	return id, nil
}

// ListByUser returns all active subscriptions for a user. An empty result
// is normal: the user simply has no registered device.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID int64) ([]model.PushSubscription, error) {
	query := `
        SELECT id, user_id, endpoint, p256dh_key, auth_key, user_agent, created_at, updated_at
        FROM push_subscriptions
        WHERE user_id = $1
        ORDER BY created_at
    `
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.PushSubscription
	for rows.Next() {
		var s model.PushSubscription
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.Endpoint, &s.P256dhKey, &s.AuthKey,
			&s.UserAgent, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan push subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// Delete removes one registration for a user. Returns false when no row
// matched.
func (r *SubscriptionRepository) Delete(ctx context.Context, userID int64, endpoint string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete push subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByEndpoint prunes a subscription the push service reported as gone.
// Endpoint URLs are globally unique, so no user scoping is needed here.
func (r *SubscriptionRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1`,
		endpoint,
	)
	if err != nil {
		return fmt.Errorf("failed to delete gone subscription: %w", err)
	}

	r.logger.Info("Pruned gone push subscription",
		zap.String("endpoint", endpoint),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}
