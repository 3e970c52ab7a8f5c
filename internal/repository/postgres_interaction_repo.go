package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
)

// PostgresChatRepo はチャットサービスのテーブルを読み取るリポジトリ。
type PostgresChatRepo struct {
	db *sql.DB
}

// NewPostgresChatRepo はPostgresChatRepoを生成する。
func NewPostgresChatRepo(db *sql.DB) *PostgresChatRepo {
	return &PostgresChatRepo{db: db}
}

// FindChatID はペアのチャットIDを返す。存在しない場合は空文字列を返す。
func (r *PostgresChatRepo) FindChatID(ctx context.Context, userA, userB string) (string, error) {
	low, high := model.NormalizePair(userA, userB)
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM chats WHERE user_low_id = $1 AND user_high_id = $2`,
		low, high,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find chat: %w", err)
	}
	return id, nil
}

// PostgresInteractionRepo はマッチングスコア用の通話カウンタを更新するリポジトリ。
type PostgresInteractionRepo struct {
	db *sql.DB
}

// NewPostgresInteractionRepo はPostgresInteractionRepoを生成する。
func NewPostgresInteractionRepo(db *sql.DB) *PostgresInteractionRepo {
	return &PostgresInteractionRepo{db: db}
}

// RecordCompletedCall はペアの完了通話数と通話時間を加算する。
func (r *PostgresInteractionRepo) RecordCompletedCall(ctx context.Context, userA, userB string, duration time.Duration, at time.Time) error {
	low, high := model.NormalizePair(userA, userB)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO match_interactions (user_low_id, user_high_id, calls_completed, total_seconds, last_call_at)
		 VALUES ($1, $2, 1, $3, $4)
		 ON CONFLICT (user_low_id, user_high_id) DO UPDATE SET
		     calls_completed = match_interactions.calls_completed + 1,
		     total_seconds = match_interactions.total_seconds + EXCLUDED.total_seconds,
		     last_call_at = EXCLUDED.last_call_at`,
		low, high, int64(duration.Seconds()), at,
	)
	if err != nil {
		return fmt.Errorf("failed to record completed call: %w", err)
	}
	return nil
}

// compile-time interface checks
var (
	_ ChatRepository        = (*PostgresChatRepo)(nil)
	_ InteractionRepository = (*PostgresInteractionRepo)(nil)
)
