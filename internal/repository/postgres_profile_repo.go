package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/callmatch/internal/model"
	"github.com/lib/pq"
)

// PostgresProfileRepo はプロフィールサービスのテーブルを読み取るリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `user_id, hash, display_name, image_url, bio, is_staff`

func scanProfile(row interface{ Scan(...any) error }) (*model.Profile, error) {
	p := &model.Profile{}
	if err := row.Scan(&p.UserID, &p.Hash, &p.DisplayName, &p.ImageURL, &p.Bio, &p.IsStaff); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	return r.findOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
}

// FindByHash は公開ハッシュでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByHash(ctx context.Context, hash string) (*model.Profile, error) {
	return r.findOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE hash = $1`, hash)
}

func (r *PostgresProfileRepo) findOne(ctx context.Context, query string, arg string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return p, nil
}

// FindByUserIDs は複数ユーザーのプロフィールをユーザーIDをキーとしたマップで返す。
func (r *PostgresProfileRepo) FindByUserIDs(ctx context.Context, userIDs []string) (map[string]*model.Profile, error) {
	result := make(map[string]*model.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = ANY($1)`,
		pq.Array(userIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		result[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
