// Package callaccess は双方承諾済みのマッチの当事者に通話ルームへの参加トークンを発行する。
package callaccess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/repository"
	"github.com/hitoshi/callmatch/internal/video"
)

// RoomEnsurer はペアのルームがプロバイダー上に存在することを保証する。
type RoomEnsurer interface {
	EnsureRoom(ctx context.Context, userA, userB string) (*model.Room, error)
}

// Access は通話ルームへの参加に必要な情報。
type Access struct {
	Token     string
	ServerURL string
	ChatID    string
	RoomName  string
	MatchID   string
	// BothRequested はこの呼び出しで双方のトークン要求が揃った場合にtrue。
	BothRequested bool
}

// RetryPolicy は書き込み競合時のリトライ設定。
type RetryPolicy struct {
	// Attempts は最大試行回数（初回を含む）。
	Attempts int
	// BaseDelay は初回リトライまでの待機時間。以降2倍ずつ増加する。
	BaseDelay time.Duration
}

// Backoff はattempt回目（0始まり）の失敗後の待機時間を返す。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.BaseDelay << attempt
}

// Coordinator はトークン要求の記録とルーム参加トークンの発行を行う。
type Coordinator struct {
	lobbies   repository.LobbyRepository
	members   repository.MembershipRepository
	proposals repository.ProposalRepository
	profiles  repository.ProfileRepository
	chats     repository.ChatRepository
	rooms     RoomEnsurer
	provider  video.Provider
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	retry     RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
func NewCoordinator(
	lobbies repository.LobbyRepository,
	members repository.MembershipRepository,
	proposals repository.ProposalRepository,
	profiles repository.ProfileRepository,
	chats repository.ChatRepository,
	rooms RoomEnsurer,
	provider video.Provider,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	retry RetryPolicy,
) *Coordinator {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Coordinator{
		lobbies:   lobbies,
		members:   members,
		proposals: proposals,
		profiles:  profiles,
		chats:     chats,
		rooms:     rooms,
		provider:  provider,
		metrics:   mc,
		logger:    logger,
		retry:     retry,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Authenticate は呼び出し元のトークン要求を記録し、ルームを用意して参加トークンを返す。
// 呼び出し元はロビーのアクティブメンバーで、双方承諾済みかつ通話未終了の提案の当事者であること。
func (c *Coordinator) Authenticate(ctx context.Context, lobbyName, proposalID, userID string) (*Access, error) {
	p, side, err := c.authorize(ctx, lobbyName, proposalID, userID)
	if err != nil {
		return nil, err
	}

	both, err := c.requestToken(ctx, p.ID, side)
	if err != nil {
		return nil, err
	}
	if both {
		c.logger.Info("双方がトークンを要求しました",
			slog.String("proposal_id", p.ID),
		)
	}

	room, err := c.rooms.EnsureRoom(ctx, p.UserAID, p.UserBID)
	if err != nil {
		return nil, err
	}

	displayName := ""
	profile, err := c.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if profile != nil {
		displayName = profile.DisplayName
	}

	token, err := c.provider.AccessToken(userID, displayName, room.Name)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの発行に失敗しました: %w", err)
	}

	chatID, err := c.chats.FindChatID(ctx, p.UserAID, p.UserBID)
	if err != nil {
		return nil, fmt.Errorf("チャットの取得に失敗しました: %w", err)
	}

	return &Access{
		Token:         token,
		ServerURL:     c.provider.ServerURL(),
		ChatID:        chatID,
		RoomName:      room.Name,
		MatchID:       p.ID,
		BothRequested: both,
	}, nil
}

// authorize は呼び出し元がトークンを要求できる当事者であることを確認する。
func (c *Coordinator) authorize(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, model.ProposalSide, error) {
	l, err := c.lobbies.FindByName(ctx, lobbyName)
	if err != nil {
		return nil, "", fmt.Errorf("ロビーの取得に失敗しました: %w", err)
	}
	if l == nil {
		return nil, "", model.NewLobbyNotFoundError(lobbyName)
	}
	m, err := c.members.FindActive(ctx, l.ID, userID)
	if err != nil {
		return nil, "", fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, "", model.NewUnauthorizedParticipantError()
	}

	p, err := c.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, "", fmt.Errorf("提案の取得に失敗しました: %w", err)
	}
	if p == nil || p.LobbyID != l.ID {
		return nil, "", model.NewProposalNotFoundError(proposalID)
	}
	side, ok := p.SideOf(userID)
	if !ok || !p.IsEngaged() {
		return nil, "", model.NewUnauthorizedParticipantError()
	}
	return p, side, nil
}

// requestToken は条件付き更新を書き込み競合時に指数バックオフでリトライする。
func (c *Coordinator) requestToken(ctx context.Context, proposalID string, side model.ProposalSide) (bool, error) {
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		both, err := c.proposals.RequestToken(ctx, proposalID, side)
		if err == nil {
			return both, nil
		}
		if !errors.Is(err, repository.ErrWriteConflict) {
			return false, fmt.Errorf("トークン要求の記録に失敗しました: %w", err)
		}
		if attempt+1 == c.retry.Attempts {
			break
		}

		c.metrics.RecordTokenRetry()
		delay := c.retry.Backoff(attempt)
		c.logger.Debug("トークン要求が競合したためリトライします",
			slog.String("proposal_id", proposalID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return false, err
		}
	}

	c.metrics.RecordTokenConflictExhausted()
	c.logger.Warn("トークン要求のリトライ上限に達しました",
		slog.String("proposal_id", proposalID),
		slog.Int("attempts", c.retry.Attempts),
	)
	return false, model.NewTransientWriteConflictError()
}
