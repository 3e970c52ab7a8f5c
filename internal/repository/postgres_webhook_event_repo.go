package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/callmatch/internal/model"
)

// PostgresWebhookEventRepo はPostgreSQLを使用したWebhookイベントログのリポジトリ。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Create はイベントを記録する。IDが空の場合は生成する。
func (r *PostgresWebhookEventRepo) Create(ctx context.Context, event *model.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Outcome == "" {
		event.Outcome = model.WebhookPending
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (id, provider_event_id, event, room_name, identity, payload, outcome, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING received_at`,
		event.ID, nullString(event.ProviderEventID), event.Event, event.RoomName, event.Identity,
		payload, string(event.Outcome), event.OccurredAt,
	).Scan(&event.ReceivedAt)
	if err != nil {
		return fmt.Errorf("Webhookイベントの記録に失敗しました: %w", err)
	}
	return nil
}

// IsProcessed は同じプロバイダーイベントIDのイベントが既に処理済みかどうかを返す。
// 処理に失敗したイベントは再送時に再処理できるよう対象外とする。
func (r *PostgresWebhookEventRepo) IsProcessed(ctx context.Context, providerEventID, excludeID string) (bool, error) {
	if providerEventID == "" {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM webhook_events
		     WHERE provider_event_id = $1 AND id <> $2 AND outcome IN ('applied', 'stale', 'ignored')
		 )`,
		providerEventID, excludeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("Webhookイベントの重複確認に失敗しました: %w", err)
	}
	return exists, nil
}

// UpdateOutcome はイベントの処理結果と関連セッションを更新する。
func (r *PostgresWebhookEventRepo) UpdateOutcome(ctx context.Context, id string, outcome model.WebhookOutcome, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events SET outcome = $2, session_id = $3 WHERE id = $1`,
		id, string(outcome), nullString(sessionID),
	)
	if err != nil {
		return fmt.Errorf("Webhookイベントの処理結果の更新に失敗しました: %w", err)
	}
	return nil
}

// LatestOccurredAt はルームと参加者が一致する指定イベントの最新の発生時刻を返す。
func (r *PostgresWebhookEventRepo) LatestOccurredAt(ctx context.Context, roomName, identity, event string) (*time.Time, error) {
	var at sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT max(occurred_at) FROM webhook_events
		 WHERE room_name = $1 AND identity = $2 AND event = $3`,
		roomName, identity, event,
	).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("Webhookイベントの発生時刻の取得に失敗しました: %w", err)
	}
	if !at.Valid {
		return nil, nil
	}
	return &at.Time, nil
}

// compile-time interface check
var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
