// Package matchmaker はロビーのアクティブメンバーをペアにしてマッチ提案を作成する。
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/notify"
	"github.com/hitoshi/callmatch/internal/repository"
)

// StaleExpirer は期限を過ぎた提案を期限切れにする。
type StaleExpirer interface {
	ExpireStale(ctx context.Context, lobbyID string) (int64, error)
}

// Matchmaker はマッチングパスを実行する。
// 同じロビーに対して同時に複数回実行されても、提案スロットの一意制約により
// 1人のユーザーが2つ以上の提案を持つことはない。
type Matchmaker struct {
	lobbies   repository.LobbyRepository
	members   repository.MembershipRepository
	proposals repository.ProposalRepository
	expirer   StaleExpirer
	notifier  notify.Notifier
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// New はMatchmakerの新しいインスタンスを生成する。
func New(
	lobbies repository.LobbyRepository,
	members repository.MembershipRepository,
	proposals repository.ProposalRepository,
	expirer StaleExpirer,
	notifier notify.Notifier,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Matchmaker {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Matchmaker{
		lobbies:   lobbies,
		members:   members,
		proposals: proposals,
		expirer:   expirer,
		notifier:  notifier,
		metrics:   mc,
		logger:    logger,
		now:       time.Now,
	}
}

// Run はロビーのマッチングパスを1回実行し、作成した提案の数を返す。
// 提案を持たないアクティブメンバーを参加順に取得し、先頭から2人ずつペアにする。
// 奇数人の場合、最後の1人は次のパスまで待つ。
func (m *Matchmaker) Run(ctx context.Context, lobbyName string) (int, error) {
	l, err := m.lobbies.FindByName(ctx, lobbyName)
	if err != nil {
		return 0, fmt.Errorf("ロビーの取得に失敗しました: %w", err)
	}
	if l == nil {
		m.logger.Warn("マッチング対象のロビーが見つかりません", slog.String("lobby", lobbyName))
		return 0, nil
	}
	if !l.IsActive(m.now()) {
		m.logger.Debug("ロビーが開催時間外のためマッチングをスキップします", slog.String("lobby", lobbyName))
		return 0, nil
	}

	if _, err := m.expirer.ExpireStale(ctx, l.ID); err != nil {
		return 0, err
	}

	userIDs, err := m.members.ListEligible(ctx, l.ID)
	if err != nil {
		return 0, fmt.Errorf("マッチング対象メンバーの取得に失敗しました: %w", err)
	}

	created := 0
	for i := 0; i+1 < len(userIDs); i += 2 {
		a, b := userIDs[i], userIDs[i+1]
		ok, err := m.pair(ctx, l, a, b)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}

	m.logger.Info("マッチングパスが完了しました",
		slog.String("lobby", lobbyName),
		slog.Int("eligible_count", len(userIDs)),
		slog.Int("created_count", created),
	)
	return created, nil
}

// pair は2人の間に提案を作成する。別の実行が先にどちらかを確保していた場合はfalseを返す。
func (m *Matchmaker) pair(ctx context.Context, l *model.Lobby, a, b string) (bool, error) {
	open, err := m.proposals.HasOpenBetween(ctx, l.ID, a, b)
	if err != nil {
		return false, fmt.Errorf("既存提案の確認に失敗しました: %w", err)
	}
	if open {
		return false, nil
	}

	now := m.now()
	p := &model.MatchProposal{
		ID:        uuid.New().String(),
		LobbyID:   l.ID,
		UserAID:   a,
		UserBID:   b,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.proposals.CreateWithSlots(ctx, p); err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			m.logger.Debug("提案スロットが使用中のためペアをスキップします",
				slog.String("lobby", l.Name),
				slog.String("user_a_id", a),
				slog.String("user_b_id", b),
			)
			return false, nil
		}
		return false, fmt.Errorf("提案の作成に失敗しました: %w", err)
	}

	m.metrics.RecordProposalCreated()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		notify.Deliver(ctx, m.notifier, m.logger, notify.Notification{
			Kind:       notify.KindMatchFound,
			UserID:     pair[0],
			PartnerID:  pair[1],
			LobbyName:  l.Name,
			ProposalID: p.ID,
		})
	}
	return true, nil
}
