package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/callmatch/internal/model"
)

// PostgresMembershipRepo はPostgreSQLを使用したロビー在席リポジトリ。
type PostgresMembershipRepo struct {
	db *sql.DB
}

// NewPostgresMembershipRepo はPostgresMembershipRepoを生成する。
func NewPostgresMembershipRepo(db *sql.DB) *PostgresMembershipRepo {
	return &PostgresMembershipRepo{db: db}
}

const membershipColumns = `id, lobby_id, user_id, active, last_heartbeat, joined_at, created_at, updated_at`

func scanMembership(row interface{ Scan(...any) error }) (*model.Membership, error) {
	m := &model.Membership{}
	if err := row.Scan(&m.ID, &m.LobbyID, &m.UserID, &m.Active, &m.LastHeartbeat, &m.JoinedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// Activate はメンバーシップを作成または再有効化し、ハートビートを更新する。
// 既存行をFOR UPDATEでロックしてから更新するため、同一ユーザーの同時参加でも
// 「既にアクティブだったか」の判定は直列化される。
func (r *PostgresMembershipRepo) Activate(ctx context.Context, lobbyID, userID string, now time.Time) (*model.Membership, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var wasActive bool
	err = tx.QueryRowContext(ctx,
		`SELECT active FROM lobby_memberships WHERE lobby_id = $1 AND user_id = $2 FOR UPDATE`,
		lobbyID, userID,
	).Scan(&wasActive)

	var m *model.Membership
	switch {
	case err == sql.ErrNoRows:
		m, err = scanMembership(tx.QueryRowContext(ctx,
			`INSERT INTO lobby_memberships (id, lobby_id, user_id, active, last_heartbeat, joined_at, created_at, updated_at)
			 VALUES ($1, $2, $3, true, $4, $4, $4, $4)
			 ON CONFLICT (lobby_id, user_id) DO UPDATE SET
			     active = true, last_heartbeat = EXCLUDED.last_heartbeat, updated_at = EXCLUDED.updated_at
			 RETURNING `+membershipColumns,
			uuid.New().String(), lobbyID, userID, now,
		))
		if err != nil {
			return nil, false, fmt.Errorf("メンバーシップの作成に失敗しました: %w", err)
		}
	case err != nil:
		return nil, false, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	default:
		// 再参加時のみ参加順をリセットする
		m, err = scanMembership(tx.QueryRowContext(ctx,
			`UPDATE lobby_memberships SET
			     active = true,
			     last_heartbeat = $3,
			     joined_at = CASE WHEN active THEN joined_at ELSE $3 END,
			     updated_at = $3
			 WHERE lobby_id = $1 AND user_id = $2
			 RETURNING `+membershipColumns,
			lobbyID, userID, now,
		))
		if err != nil {
			return nil, false, fmt.Errorf("メンバーシップの再有効化に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return m, wasActive, nil
}

// FindActive はアクティブなメンバーシップを取得する。見つからない場合はnilを返す。
func (r *PostgresMembershipRepo) FindActive(ctx context.Context, lobbyID, userID string) (*model.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM lobby_memberships
		 WHERE lobby_id = $1 AND user_id = $2 AND active`,
		lobbyID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	return m, nil
}

// Deactivate はメンバーシップを非アクティブにする。アクティブだった場合はtrueを返す。
func (r *PostgresMembershipRepo) Deactivate(ctx context.Context, lobbyID, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE lobby_memberships SET active = false, updated_at = now()
		 WHERE lobby_id = $1 AND user_id = $2 AND active`,
		lobbyID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("メンバーシップの無効化に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// Touch はアクティブなメンバーシップのハートビートを更新する。
func (r *PostgresMembershipRepo) Touch(ctx context.Context, lobbyID, userID string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE lobby_memberships SET last_heartbeat = $3, updated_at = $3
		 WHERE lobby_id = $1 AND user_id = $2 AND active`,
		lobbyID, userID, now,
	)
	if err != nil {
		return false, fmt.Errorf("ハートビートの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListEligible は提案スロットを保持していないアクティブメンバーのユーザーIDを参加順で返す。
func (r *PostgresMembershipRepo) ListEligible(ctx context.Context, lobbyID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.user_id
		 FROM lobby_memberships m
		 WHERE m.lobby_id = $1
		   AND m.active
		   AND NOT EXISTS (
		       SELECT 1 FROM proposal_slots s
		       WHERE s.lobby_id = m.lobby_id AND s.user_id = m.user_id
		   )
		 ORDER BY m.joined_at ASC, m.user_id ASC`,
		lobbyID,
	)
	if err != nil {
		return nil, fmt.Errorf("マッチング対象ユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("マッチング対象ユーザーの読み取りに失敗しました: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("マッチング対象ユーザーの走査に失敗しました: %w", err)
	}
	return userIDs, nil
}

// ListActive はアクティブなメンバーシップを参加順で返す。
func (r *PostgresMembershipRepo) ListActive(ctx context.Context, lobbyID string) ([]*model.Membership, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM lobby_memberships
		 WHERE lobby_id = $1 AND active
		 ORDER BY joined_at ASC, user_id ASC`,
		lobbyID,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブメンバーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var members []*model.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("アクティブメンバーの読み取りに失敗しました: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アクティブメンバーの走査に失敗しました: %w", err)
	}
	return members, nil
}

// DeactivateStale はハートビートがcutoffより古いアクティブなメンバーシップを非アクティブにし、
// 対象ユーザーのIDを返す。
func (r *PostgresMembershipRepo) DeactivateStale(ctx context.Context, lobbyID string, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE lobby_memberships SET active = false, updated_at = now()
		 WHERE lobby_id = $1 AND active AND last_heartbeat < $2
		 RETURNING user_id`,
		lobbyID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("タイムアウトしたメンバーシップの無効化に失敗しました: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("無効化したユーザーの読み取りに失敗しました: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("無効化したユーザーの走査に失敗しました: %w", err)
	}
	return userIDs, nil
}

// compile-time interface check
var _ MembershipRepository = (*PostgresMembershipRepo)(nil)
