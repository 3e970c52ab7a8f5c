package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/callmatch/internal/model"
)

// PostgresProposalRepo はPostgreSQLを使用したマッチ提案リポジトリ。
// 2人の当事者による同時更新があるため、フラグ更新はすべてWHERE句で期待値を指定する。
type PostgresProposalRepo struct {
	db *sql.DB
}

// NewPostgresProposalRepo はPostgresProposalRepoを生成する。
func NewPostgresProposalRepo(db *sql.DB) *PostgresProposalRepo {
	return &PostgresProposalRepo{db: db}
}

const proposalColumns = `p.id, p.lobby_id, p.user_a_id, p.user_b_id,
	p.accepted_a, p.accepted_b, p.rejected, p.expired, p.both_accepted,
	p.requested_token_a, p.requested_token_b, p.both_requested_token,
	p.in_session, p.finished, p.created_at, p.updated_at, p.closed_at`

// pendingCondition は未処理（承諾待ち）の提案を表す条件。
const pendingCondition = `NOT p.rejected AND NOT p.expired AND NOT p.both_accepted`

// engagedCondition は双方承諾済みで通話が終わっていない提案を表す条件。
const engagedCondition = `p.both_accepted AND NOT p.rejected AND NOT p.expired AND NOT p.finished`

func scanProposal(row interface{ Scan(...any) error }) (*model.MatchProposal, error) {
	p := &model.MatchProposal{}
	var closedAt sql.NullTime
	if err := row.Scan(
		&p.ID, &p.LobbyID, &p.UserAID, &p.UserBID,
		&p.AcceptedA, &p.AcceptedB, &p.Rejected, &p.Expired, &p.BothAccepted,
		&p.RequestedTokenA, &p.RequestedTokenB, &p.BothRequestedToken,
		&p.InSession, &p.Finished, &p.CreatedAt, &p.UpdatedAt, &closedAt,
	); err != nil {
		return nil, err
	}
	p.ClosedAt = nullTimePtr(closedAt)
	return p, nil
}

func scanProposals(rows *sql.Rows) ([]*model.MatchProposal, error) {
	defer rows.Close()
	var proposals []*model.MatchProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("提案行の読み取りに失敗しました: %w", err)
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("提案一覧の走査に失敗しました: %w", err)
	}
	return proposals, nil
}

// CreateWithSlots は提案と当事者2人分のスロットを同一トランザクションで作成する。
func (r *PostgresProposalRepo) CreateWithSlots(ctx context.Context, p *model.MatchProposal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO match_proposals (id, lobby_id, user_a_id, user_b_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		p.ID, p.LobbyID, p.UserAID, p.UserBID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("提案の作成に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO proposal_slots (lobby_id, user_id, proposal_id)
		 VALUES ($1, $2, $4), ($1, $3, $4)`,
		p.LobbyID, p.UserAID, p.UserBID, p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("提案スロットの確保に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	p.UpdatedAt = p.CreatedAt
	return nil
}

// FindByID は指定IDの提案を取得する。見つからない場合はnilを返す。
func (r *PostgresProposalRepo) FindByID(ctx context.Context, id string) (*model.MatchProposal, error) {
	p, err := scanProposal(r.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM match_proposals p WHERE p.id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("提案の取得に失敗しました: %w", err)
	}
	return p, nil
}

// FindCurrentForUser はユーザーがロビー内でスロットを保持している提案を取得する。
func (r *PostgresProposalRepo) FindCurrentForUser(ctx context.Context, lobbyID, userID string) (*model.MatchProposal, error) {
	p, err := scanProposal(r.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+`
		 FROM match_proposals p
		 JOIN proposal_slots s ON s.proposal_id = p.id
		 WHERE s.lobby_id = $1 AND s.user_id = $2`,
		lobbyID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの提案の取得に失敗しました: %w", err)
	}
	return p, nil
}

// HasOpenBetween は2人の間に未処理または通話待ちの提案が存在するかを返す。
func (r *PostgresProposalRepo) HasOpenBetween(ctx context.Context, lobbyID, userA, userB string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM match_proposals p
		     WHERE p.lobby_id = $1
		       AND ((p.user_a_id = $2 AND p.user_b_id = $3) OR (p.user_a_id = $3 AND p.user_b_id = $2))
		       AND ((`+pendingCondition+`) OR (`+engagedCondition+`))
		 )`,
		lobbyID, userA, userB,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ペア間の提案の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// SetAccepted は未処理の提案について指定側の承諾フラグをtrueにする。
func (r *PostgresProposalRepo) SetAccepted(ctx context.Context, id string, side model.ProposalSide) (bool, error) {
	column, err := sideColumn("accepted", side)
	if err != nil {
		return false, err
	}
	return r.execConditional(ctx, "承諾フラグの更新",
		`UPDATE match_proposals p SET `+column+` = true, updated_at = now()
		 WHERE p.id = $1 AND `+pendingCondition,
		id,
	)
}

// MarkBothAccepted は双方の承諾フラグがtrueでboth_acceptedがfalseの場合のみtrueにする。
func (r *PostgresProposalRepo) MarkBothAccepted(ctx context.Context, id string) (bool, error) {
	return r.execConditional(ctx, "双方承諾フラグの更新",
		`UPDATE match_proposals p SET both_accepted = true, updated_at = now()
		 WHERE p.id = $1 AND p.accepted_a AND p.accepted_b AND `+pendingCondition,
		id,
	)
}

// Reject は未処理の提案を拒否状態にし、スロットを解放する。
func (r *PostgresProposalRepo) Reject(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`WITH rejected AS (
		     UPDATE match_proposals p SET rejected = true, closed_at = now(), updated_at = now()
		     WHERE p.id = $1 AND `+pendingCondition+`
		     RETURNING p.id
		 ), released AS (
		     DELETE FROM proposal_slots WHERE proposal_id IN (SELECT id FROM rejected)
		     RETURNING 1
		 )
		 SELECT count(*) FROM rejected`,
		id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("提案の拒否に失敗しました: %w", err)
	}
	return count > 0, nil
}

// ReleaseForUser はロビー退出時に、未処理の提案を拒否し、通話待ちの提案を終了扱いにしてスロットを解放する。
func (r *PostgresProposalRepo) ReleaseForUser(ctx context.Context, lobbyID, userID string) ([]*model.MatchProposal, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rejectedRows, err := tx.QueryContext(ctx,
		`UPDATE match_proposals p SET rejected = true, closed_at = now(), updated_at = now()
		 WHERE p.lobby_id = $1 AND (p.user_a_id = $2 OR p.user_b_id = $2) AND `+pendingCondition+`
		 RETURNING `+proposalColumns,
		lobbyID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("退出ユーザーの提案の拒否に失敗しました: %w", err)
	}
	released, err := scanProposals(rejectedRows)
	if err != nil {
		return nil, err
	}

	finishedRows, err := tx.QueryContext(ctx,
		`UPDATE match_proposals p SET finished = true, closed_at = COALESCE(p.closed_at, now()), updated_at = now()
		 WHERE p.lobby_id = $1 AND (p.user_a_id = $2 OR p.user_b_id = $2) AND `+engagedCondition+`
		 RETURNING `+proposalColumns,
		lobbyID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("退出ユーザーの提案の終了に失敗しました: %w", err)
	}
	finished, err := scanProposals(finishedRows)
	if err != nil {
		return nil, err
	}
	released = append(released, finished...)

	ids := make([]string, 0, len(released))
	for _, p := range released {
		ids = append(ids, p.ID)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM proposal_slots
		 WHERE proposal_id = ANY($1) OR (lobby_id = $2 AND user_id = $3)`,
		pq.Array(ids), lobbyID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("提案スロットの解放に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return released, nil
}

// ExpireStale は期限切れの提案を期限切れ状態にしてスロットを解放する。
func (r *PostgresProposalRepo) ExpireStale(ctx context.Context, lobbyID string, pendingCutoff, engagedCutoff time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`WITH expired AS (
		     UPDATE match_proposals p SET expired = true, closed_at = now(), updated_at = now()
		     WHERE ($1 = '' OR p.lobby_id = NULLIF($1, '')::uuid)
		       AND (
		           ((`+pendingCondition+`) AND p.created_at < $2)
		           OR ((`+engagedCondition+`) AND NOT p.in_session AND p.updated_at < $3)
		       )
		     RETURNING p.id
		 ), released AS (
		     DELETE FROM proposal_slots WHERE proposal_id IN (SELECT id FROM expired)
		     RETURNING 1
		 )
		 SELECT count(*) FROM expired`,
		lobbyID, pendingCutoff, engagedCutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("期限切れ提案の処理に失敗しました: %w", err)
	}
	return count, nil
}

// RequestToken は指定側のrequested_tokenフラグとboth_requested_tokenを条件付きで更新する。
// REPEATABLE READで実行するため、相手側の同時更新と衝突した場合は
// 直列化エラーとなりErrWriteConflictを返す。
func (r *PostgresProposalRepo) RequestToken(ctx context.Context, id string, side model.ProposalSide) (bool, error) {
	column, err := sideColumn("requested_token", side)
	if err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE match_proposals SET `+column+` = true, updated_at = now()
		 WHERE id = $1 AND `+column+` = false`,
		id,
	); err != nil {
		if classified := classifyTxError(err); classified == ErrWriteConflict {
			return false, classified
		}
		return false, fmt.Errorf("トークン要求フラグの更新に失敗しました: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE match_proposals SET both_requested_token = true, updated_at = now()
		 WHERE id = $1 AND requested_token_a AND requested_token_b AND both_requested_token = false`,
		id,
	)
	if err != nil {
		if classified := classifyTxError(err); classified == ErrWriteConflict {
			return false, classified
		}
		return false, fmt.Errorf("双方トークン要求フラグの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if classified := classifyTxError(err); classified == ErrWriteConflict {
			return false, classified
		}
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkInSession は提案を通話中にする。
func (r *PostgresProposalRepo) MarkInSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE match_proposals SET in_session = true, updated_at = now()
		 WHERE id = $1 AND NOT in_session`,
		id,
	)
	if err != nil {
		return fmt.Errorf("通話中フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// Finish は提案を終了扱いにしてスロットを解放する。
func (r *PostgresProposalRepo) Finish(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`WITH finished AS (
		     UPDATE match_proposals SET finished = true, closed_at = COALESCE(closed_at, now()), updated_at = now()
		     WHERE id = $1
		     RETURNING id
		 )
		 DELETE FROM proposal_slots WHERE proposal_id IN (SELECT id FROM finished)`,
		id,
	)
	if err != nil {
		return fmt.Errorf("提案の終了に失敗しました: %w", err)
	}
	return nil
}

// FindLatestEngagedBetween は2人の間の承諾済みで未終了の提案のうち最新のものを取得する。
func (r *PostgresProposalRepo) FindLatestEngagedBetween(ctx context.Context, userA, userB string) (*model.MatchProposal, error) {
	p, err := scanProposal(r.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+`
		 FROM match_proposals p
		 WHERE ((p.user_a_id = $1 AND p.user_b_id = $2) OR (p.user_a_id = $2 AND p.user_b_id = $1))
		   AND `+engagedCondition+`
		 ORDER BY p.created_at DESC
		 LIMIT 1`,
		userA, userB,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("通話待ちの提案の取得に失敗しました: %w", err)
	}
	return p, nil
}

// ListByLobby はロビー内でsince以降に作成された提案を新しい順に返す。
func (r *PostgresProposalRepo) ListByLobby(ctx context.Context, lobbyID string, since time.Time) ([]*model.MatchProposal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+proposalColumns+`
		 FROM match_proposals p
		 WHERE p.lobby_id = $1 AND p.created_at >= $2
		 ORDER BY p.created_at DESC`,
		lobbyID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("ロビーの提案一覧の取得に失敗しました: %w", err)
	}
	return scanProposals(rows)
}

// execConditional は条件付きUPDATEを実行し、1行以上更新された場合にtrueを返す。
func (r *PostgresProposalRepo) execConditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// sideColumn は当事者側に対応するカラム名を返す。
func sideColumn(prefix string, side model.ProposalSide) (string, error) {
	switch side {
	case model.SideA, model.SideB:
		return prefix + "_" + string(side), nil
	default:
		return "", fmt.Errorf("不正な当事者側です: %q", side)
	}
}

// compile-time interface check
var _ ProposalRepository = (*PostgresProposalRepo)(nil)
