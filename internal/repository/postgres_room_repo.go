package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/callmatch/internal/model"
)

// PostgresRoomRepo はPostgreSQLを使用したビデオルームリポジトリ。
type PostgresRoomRepo struct {
	db *sql.DB
}

// NewPostgresRoomRepo はPostgresRoomRepoを生成する。
func NewPostgresRoomRepo(db *sql.DB) *PostgresRoomRepo {
	return &PostgresRoomRepo{db: db}
}

const roomColumns = `id, name, user_low_id, user_high_id, provisioned, created_at`

func scanRoom(row interface{ Scan(...any) error }) (*model.Room, error) {
	room := &model.Room{}
	if err := row.Scan(&room.ID, &room.Name, &room.UserLowID, &room.UserHighID, &room.Provisioned, &room.CreatedAt); err != nil {
		return nil, err
	}
	return room, nil
}

// FindOrCreate はペアに対応するルームを取得し、存在しなければ作成する。
// UNIQUE(user_low_id, user_high_id)により同時作成でも1件に収束する。
func (r *PostgresRoomRepo) FindOrCreate(ctx context.Context, userA, userB string) (*model.Room, error) {
	low, high := model.NormalizePair(userA, userB)
	id := uuid.New().String()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, user_low_id, user_high_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_low_id, user_high_id) DO NOTHING`,
		id, id, low, high,
	)
	if err != nil {
		return nil, fmt.Errorf("ルームの作成に失敗しました: %w", err)
	}

	room, err := scanRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE user_low_id = $1 AND user_high_id = $2`,
		low, high,
	))
	if err != nil {
		return nil, fmt.Errorf("ルームの取得に失敗しました: %w", err)
	}
	return room, nil
}

// FindByName はルーム名でルームを取得する。見つからない場合はnilを返す。
func (r *PostgresRoomRepo) FindByName(ctx context.Context, name string) (*model.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE name = $1`,
		name,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ルームの取得に失敗しました: %w", err)
	}
	return room, nil
}

// Provision はルームの行ロックを取得した状態でプロビジョニング処理fnを呼び出す。
// 同じルームに対する同時呼び出しは行ロックで直列化され、後続は
// provisioned=trueを見てfnを呼ばずに戻る。
func (r *PostgresRoomRepo) Provision(ctx context.Context, roomID string, fn func(ctx context.Context, room *model.Room) error) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	room, err := scanRoom(tx.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`,
		roomID,
	))
	if err != nil {
		return false, fmt.Errorf("ルームのロック取得に失敗しました: %w", err)
	}
	if room.Provisioned {
		return false, tx.Commit()
	}

	if err := fn(ctx, room); err != nil {
		return true, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET provisioned = true WHERE id = $1`,
		roomID,
	); err != nil {
		return true, fmt.Errorf("ルームのプロビジョニング状態の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return true, nil
}

// compile-time interface check
var _ RoomRepository = (*PostgresRoomRepo)(nil)
