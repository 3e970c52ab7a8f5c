package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/callmatch/internal/model"
)

// PostgresLobbyRepo はPostgreSQLを使用したロビーリポジトリ。
type PostgresLobbyRepo struct {
	db *sql.DB
}

// NewPostgresLobbyRepo はPostgresLobbyRepoを生成する。
func NewPostgresLobbyRepo(db *sql.DB) *PostgresLobbyRepo {
	return &PostgresLobbyRepo{db: db}
}

const lobbyColumns = `id, name, start_time, end_time, user_online_state_timeout_seconds, created_at`

func scanLobby(row interface{ Scan(...any) error }) (*model.Lobby, error) {
	lobby := &model.Lobby{}
	var timeoutSec int
	if err := row.Scan(&lobby.ID, &lobby.Name, &lobby.StartTime, &lobby.EndTime, &timeoutSec, &lobby.CreatedAt); err != nil {
		return nil, err
	}
	lobby.UserOnlineStateTimeout = time.Duration(timeoutSec) * time.Second
	return lobby, nil
}

// FindByName はロビー名でロビーを取得する。見つからない場合はnilを返す。
func (r *PostgresLobbyRepo) FindByName(ctx context.Context, name string) (*model.Lobby, error) {
	lobby, err := scanLobby(r.db.QueryRowContext(ctx,
		`SELECT `+lobbyColumns+` FROM lobbies WHERE name = $1`,
		name,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ロビーの取得に失敗しました: %w", err)
	}
	return lobby, nil
}

// FindByID は指定IDのロビーを取得する。見つからない場合はnilを返す。
func (r *PostgresLobbyRepo) FindByID(ctx context.Context, id string) (*model.Lobby, error) {
	lobby, err := scanLobby(r.db.QueryRowContext(ctx,
		`SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ロビーの取得に失敗しました: %w", err)
	}
	return lobby, nil
}

// ListAll は全ロビーを名前順に返す。
func (r *PostgresLobbyRepo) ListAll(ctx context.Context) ([]*model.Lobby, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+lobbyColumns+` FROM lobbies ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("ロビー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var lobbies []*model.Lobby
	for rows.Next() {
		lobby, err := scanLobby(rows)
		if err != nil {
			return nil, fmt.Errorf("ロビー行の読み取りに失敗しました: %w", err)
		}
		lobbies = append(lobbies, lobby)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ロビー一覧の走査に失敗しました: %w", err)
	}
	return lobbies, nil
}

// Upsert はロビー名をキーにロビーを作成または更新する。
// 新規作成時にIDが空の場合は採番する。
func (r *PostgresLobbyRepo) Upsert(ctx context.Context, lobby *model.Lobby) error {
	if lobby.ID == "" {
		lobby.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO lobbies (id, name, start_time, end_time, user_online_state_timeout_seconds)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		     start_time = EXCLUDED.start_time,
		     end_time = EXCLUDED.end_time,
		     user_online_state_timeout_seconds = EXCLUDED.user_online_state_timeout_seconds
		 RETURNING id, created_at`,
		lobby.ID, lobby.Name, lobby.StartTime, lobby.EndTime, int(lobby.UserOnlineStateTimeout/time.Second),
	).Scan(&lobby.ID, &lobby.CreatedAt)
	if err != nil {
		return fmt.Errorf("ロビーの登録に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ LobbyRepository = (*PostgresLobbyRepo)(nil)
