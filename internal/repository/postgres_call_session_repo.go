package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
)

// PostgresCallSessionRepo はPostgreSQLを使用した通話セッションリポジトリ。
type PostgresCallSessionRepo struct {
	db *sql.DB
}

// NewPostgresCallSessionRepo はPostgresCallSessionRepoを生成する。
func NewPostgresCallSessionRepo(db *sql.DB) *PostgresCallSessionRepo {
	return &PostgresCallSessionRepo{db: db}
}

const callSessionColumns = `id, room_id, user_a_id, user_b_id,
	a_active, b_active, a_was_active, b_was_active, both_have_been_active,
	first_active_user_id, a_last_event_at, b_last_event_at,
	survey_sent_a, survey_sent_b, version, is_active, start_time, end_time`

func scanCallSession(row interface{ Scan(...any) error }) (*model.CallSession, error) {
	s := &model.CallSession{}
	var firstActive sql.NullString
	var aLast, bLast, endTime sql.NullTime
	if err := row.Scan(
		&s.ID, &s.RoomID, &s.UserAID, &s.UserBID,
		&s.AActive, &s.BActive, &s.AWasActive, &s.BWasActive, &s.BothHaveBeenActive,
		&firstActive, &aLast, &bLast,
		&s.SurveySentA, &s.SurveySentB, &s.Version, &s.IsActive, &s.StartTime, &endTime,
	); err != nil {
		return nil, err
	}
	s.FirstActiveUserID = nullStringValue(firstActive)
	s.ALastEventAt = nullTimePtr(aLast)
	s.BLastEventAt = nullTimePtr(bLast)
	s.EndTime = nullTimePtr(endTime)
	return s, nil
}

// WithActiveSession はルームのアクティブなセッションを行ロック付きで取得してfnを適用する。
func (r *PostgresCallSessionRepo) WithActiveSession(ctx context.Context, roomID string, newSession *model.CallSession, fn SessionMutator) (*model.CallSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	selectActive := `SELECT ` + callSessionColumns + ` FROM call_sessions WHERE room_id = $1 AND is_active FOR UPDATE`

	session, err := scanCallSession(tx.QueryRowContext(ctx, selectActive, roomID))
	if err == sql.ErrNoRows {
		if newSession == nil {
			return nil, nil
		}
		// 同時作成は部分一意インデックスで1件に収束させる
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_sessions (id, room_id, user_a_id, user_b_id, is_active, start_time)
			 VALUES ($1, $2, $3, $4, true, $5)
			 ON CONFLICT (room_id) WHERE is_active DO NOTHING`,
			newSession.ID, roomID, newSession.UserAID, newSession.UserBID, newSession.StartTime,
		); err != nil {
			return nil, fmt.Errorf("通話セッションの作成に失敗しました: %w", err)
		}
		session, err = scanCallSession(tx.QueryRowContext(ctx, selectActive, roomID))
	}
	if err != nil {
		return nil, fmt.Errorf("通話セッションのロック取得に失敗しました: %w", err)
	}

	changed, err := fn(session)
	if err != nil {
		return nil, err
	}
	if !changed {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
		}
		return session, nil
	}

	session.Version++
	_, err = tx.ExecContext(ctx,
		`UPDATE call_sessions SET
		     a_active = $2, b_active = $3, a_was_active = $4, b_was_active = $5,
		     both_have_been_active = $6, first_active_user_id = $7,
		     a_last_event_at = $8, b_last_event_at = $9,
		     survey_sent_a = $10, survey_sent_b = $11,
		     version = $12, is_active = $13, end_time = $14
		 WHERE id = $1`,
		session.ID,
		session.AActive, session.BActive, session.AWasActive, session.BWasActive,
		session.BothHaveBeenActive, nullString(session.FirstActiveUserID),
		session.ALastEventAt, session.BLastEventAt,
		session.SurveySentA, session.SurveySentB,
		session.Version, session.IsActive, session.EndTime,
	)
	if err != nil {
		return nil, fmt.Errorf("通話セッションの更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return session, nil
}

// LastClosedEndTime はルームの直近に終了したセッションの終了時刻を返す。
func (r *PostgresCallSessionRepo) LastClosedEndTime(ctx context.Context, roomID string) (*time.Time, error) {
	var endTime sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT max(end_time) FROM call_sessions WHERE room_id = $1 AND NOT is_active`,
		roomID,
	).Scan(&endTime)
	if err != nil {
		return nil, fmt.Errorf("直近の通話終了時刻の取得に失敗しました: %w", err)
	}
	return nullTimePtr(endTime), nil
}

// FindActiveForUser はユーザーが当事者のアクティブなセッションを返す。
func (r *PostgresCallSessionRepo) FindActiveForUser(ctx context.Context, userID string) (*model.CallSession, error) {
	session, err := scanCallSession(r.db.QueryRowContext(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions
		 WHERE is_active AND (user_a_id = $1 OR user_b_id = $1)
		 ORDER BY start_time DESC
		 LIMIT 1`,
		userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクティブな通話セッションの取得に失敗しました: %w", err)
	}
	return session, nil
}

// CloseForUser はユーザーが当事者のアクティブなセッションをすべて終了させる。
func (r *PostgresCallSessionRepo) CloseForUser(ctx context.Context, userID string, now time.Time) ([]*model.CallSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE call_sessions SET
		     a_active = false, b_active = false, is_active = false,
		     end_time = $2, version = version + 1
		 WHERE is_active AND (user_a_id = $1 OR user_b_id = $1)
		 RETURNING `+callSessionColumns,
		userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("通話セッションの終了に失敗しました: %w", err)
	}
	defer rows.Close()

	var sessions []*model.CallSession
	for rows.Next() {
		s, err := scanCallSession(rows)
		if err != nil {
			return nil, fmt.Errorf("通話セッション行の読み取りに失敗しました: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通話セッションの走査に失敗しました: %w", err)
	}
	return sessions, nil
}

// compile-time interface check
var _ CallSessionRepository = (*PostgresCallSessionRepo)(nil)
