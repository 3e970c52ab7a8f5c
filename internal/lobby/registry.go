// Package lobby はロビーへの参加・退出と在席状態の管理を提供する。
package lobby

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/queue"
	"github.com/hitoshi/callmatch/internal/repository"
	"github.com/hitoshi/callmatch/internal/security"
)

// ProposalReleaser はロビー退出時にユーザーの提案を自動拒否する。
type ProposalReleaser interface {
	AutoRejectForUser(ctx context.Context, lobbyID, userID string) error
}

// SessionCloser はロビー退出時にユーザーのアクティブな通話セッションを終了させる。
type SessionCloser interface {
	CloseForUser(ctx context.Context, userID string) error
}

// Repositories はRegistryが使用するリポジトリの組。
type Repositories struct {
	Lobbies     repository.LobbyRepository
	Memberships repository.MembershipRepository
	Proposals   repository.ProposalRepository
	Sessions    repository.CallSessionRepository
	Profiles    repository.ProfileRepository
}

// JoinResult はJoinの結果。
type JoinResult struct {
	AlreadyActive bool
	Membership    *model.Membership
}

// Status はロビー内でのユーザーの現在の状態。
type Status struct {
	Lobby      *model.Lobby
	Membership *model.Membership
	Proposal   *model.MatchProposal
	Partner    *model.Profile
	Session    *model.CallSession
}

// Registry はロビーの在席状態を管理する。
type Registry struct {
	repos     Repositories
	releaser  ProposalReleaser
	closer    SessionCloser
	queue     queue.Queue
	sanitizer security.ProfileSanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry はRegistryの新しいインスタンスを生成する。
func NewRegistry(
	repos Repositories,
	releaser ProposalReleaser,
	closer SessionCloser,
	q queue.Queue,
	sanitizer security.ProfileSanitizer,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		repos:     repos,
		releaser:  releaser,
		closer:    closer,
		queue:     q,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// IsActive はロビーが指定時刻に開催中かどうかを返す。
func IsActive(l *model.Lobby, now time.Time) bool {
	return l.IsActive(now)
}

// CleanupJobKey はロビーごとのメンバーシップクリーンアップジョブの予約キーを返す。
// 参加のたびに同じキーで予約し直すことで期限を延長する。
func CleanupJobKey(lobbyName string) string {
	return queue.KindMembershipCleanup + ":" + lobbyName
}

func (r *Registry) findLobby(ctx context.Context, name string) (*model.Lobby, error) {
	l, err := r.repos.Lobbies.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("ロビーの取得に失敗しました: %w", err)
	}
	if l == nil {
		return nil, model.NewLobbyNotFoundError(name)
	}
	return l, nil
}

// Join はユーザーをロビーに参加させる。
// 既にアクティブな場合もハートビートを更新し、AlreadyActive=trueを返す。
// 参加後にマッチングジョブを投入し、メンバーシップクリーンアップジョブを予約し直す。
func (r *Registry) Join(ctx context.Context, lobbyName, userID string) (*JoinResult, error) {
	l, err := r.findLobby(ctx, lobbyName)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if !l.IsActive(now) {
		return nil, model.NewLobbyInactiveError(lobbyName)
	}

	m, already, err := r.repos.Memberships.Activate(ctx, l.ID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("ロビーへの参加に失敗しました: %w", err)
	}

	r.logger.Info("ロビーに参加しました",
		slog.String("lobby", lobbyName),
		slog.String("user_id", userID),
		slog.Bool("already_active", already),
	)

	// バックグラウンドジョブの投入失敗は参加結果に影響させない。定期スイープで回収される。
	if err := r.queue.Enqueue(ctx, queue.NewJob(queue.KindMatchmake, lobbyName)); err != nil {
		r.logger.Error("マッチングジョブの投入に失敗しました",
			slog.String("lobby", lobbyName),
			slog.String("error", err.Error()),
		)
	}
	cleanupAt := now.Add(l.UserOnlineStateTimeout)
	if err := r.queue.Schedule(ctx, CleanupJobKey(lobbyName), queue.NewJob(queue.KindMembershipCleanup, lobbyName), cleanupAt); err != nil {
		r.logger.Error("クリーンアップジョブの予約に失敗しました",
			slog.String("lobby", lobbyName),
			slog.String("error", err.Error()),
		)
	}

	return &JoinResult{AlreadyActive: already, Membership: m}, nil
}

// Exit はユーザーをロビーから退出させる。
// 未処理の提案は自動拒否し、ユーザーが当事者のアクティブな通話セッションは終了させる。
func (r *Registry) Exit(ctx context.Context, lobbyName, userID string) error {
	l, err := r.findLobby(ctx, lobbyName)
	if err != nil {
		return err
	}

	deactivated, err := r.repos.Memberships.Deactivate(ctx, l.ID, userID)
	if err != nil {
		return fmt.Errorf("ロビーからの退出に失敗しました: %w", err)
	}
	if !deactivated {
		return model.NewNotInLobbyError()
	}

	if err := r.releaser.AutoRejectForUser(ctx, l.ID, userID); err != nil {
		return fmt.Errorf("提案の自動拒否に失敗しました: %w", err)
	}
	if err := r.closer.CloseForUser(ctx, userID); err != nil {
		return fmt.Errorf("通話セッションの終了に失敗しました: %w", err)
	}

	r.logger.Info("ロビーから退出しました",
		slog.String("lobby", lobbyName),
		slog.String("user_id", userID),
	)
	return nil
}

// Heartbeat はアクティブなメンバーシップのハートビートを更新する。
func (r *Registry) Heartbeat(ctx context.Context, lobbyName, userID string) error {
	l, err := r.findLobby(ctx, lobbyName)
	if err != nil {
		return err
	}
	ok, err := r.repos.Memberships.Touch(ctx, l.ID, userID, r.now())
	if err != nil {
		return fmt.Errorf("ハートビートの更新に失敗しました: %w", err)
	}
	if !ok {
		return model.NewNotInLobbyError()
	}
	return nil
}

// Status はハートビートを更新したうえでユーザーの現在の状態を返す。
// 提案は未処理または承諾済みで通話未終了のもののみ返す。
func (r *Registry) Status(ctx context.Context, lobbyName, userID string) (*Status, error) {
	l, err := r.findLobby(ctx, lobbyName)
	if err != nil {
		return nil, err
	}
	if _, err := r.repos.Memberships.Touch(ctx, l.ID, userID, r.now()); err != nil {
		return nil, fmt.Errorf("ハートビートの更新に失敗しました: %w", err)
	}
	m, err := r.repos.Memberships.FindActive(ctx, l.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, model.NewNotInLobbyError()
	}

	st := &Status{Lobby: l, Membership: m}

	p, err := r.repos.Proposals.FindCurrentForUser(ctx, l.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("提案の取得に失敗しました: %w", err)
	}
	if p != nil {
		st.Proposal = p
		partner, err := r.repos.Profiles.FindByUserID(ctx, p.PartnerOf(userID))
		if err != nil {
			return nil, fmt.Errorf("相手のプロフィールの取得に失敗しました: %w", err)
		}
		st.Partner = r.sanitizer.Sanitize(partner)
	}

	sess, err := r.repos.Sessions.FindActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("通話セッションの取得に失敗しました: %w", err)
	}
	st.Session = sess

	return st, nil
}

// CleanupInactive はハートビートがタイムアウトしたメンバーを非アクティブにし、
// 保持していた提案を解放する。非アクティブにした人数を返す。
// ロビーが存在しない場合は何もしない。
func (r *Registry) CleanupInactive(ctx context.Context, lobbyName string) (int, error) {
	l, err := r.repos.Lobbies.FindByName(ctx, lobbyName)
	if err != nil {
		return 0, fmt.Errorf("ロビーの取得に失敗しました: %w", err)
	}
	if l == nil {
		r.logger.Warn("クリーンアップ対象のロビーが見つかりません", slog.String("lobby", lobbyName))
		return 0, nil
	}
	return r.cleanupLobby(ctx, l)
}

func (r *Registry) cleanupLobby(ctx context.Context, l *model.Lobby) (int, error) {
	cutoff := r.now().Add(-l.UserOnlineStateTimeout)
	userIDs, err := r.repos.Memberships.DeactivateStale(ctx, l.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("タイムアウトしたメンバーの非アクティブ化に失敗しました: %w", err)
	}
	for _, userID := range userIDs {
		if err := r.releaser.AutoRejectForUser(ctx, l.ID, userID); err != nil {
			return len(userIDs), fmt.Errorf("提案の自動拒否に失敗しました: %w", err)
		}
	}
	if len(userIDs) > 0 {
		r.logger.Info("タイムアウトしたメンバーを非アクティブにしました",
			slog.String("lobby", l.Name),
			slog.Int("count", len(userIDs)),
		)
	}
	return len(userIDs), nil
}

// CleanupAll は全ロビーについてCleanupInactiveを実行し、非アクティブにした合計人数を返す。
func (r *Registry) CleanupAll(ctx context.Context) (int, error) {
	lobbies, err := r.repos.Lobbies.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("ロビー一覧の取得に失敗しました: %w", err)
	}
	total := 0
	for _, l := range lobbies {
		n, err := r.cleanupLobby(ctx, l)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
