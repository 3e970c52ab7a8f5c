package lobby

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/callmatch/internal/config"
	"github.com/hitoshi/callmatch/internal/model"
)

// Overview は管理画面向けのロビーの集計。
type Overview struct {
	Lobby     *model.Lobby
	Open      bool
	Members   []*model.Membership
	Proposals map[model.ProposalState][]*model.MatchProposal
}

// Overview はアクティブメンバーと、since以降に作成された提案を状態別に返す。
func (r *Registry) Overview(ctx context.Context, lobbyName string, since time.Time) (*Overview, error) {
	l, err := r.findLobby(ctx, lobbyName)
	if err != nil {
		return nil, err
	}
	members, err := r.repos.Memberships.ListActive(ctx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("アクティブメンバーの取得に失敗しました: %w", err)
	}
	proposals, err := r.repos.Proposals.ListByLobby(ctx, l.ID, since)
	if err != nil {
		return nil, fmt.Errorf("提案一覧の取得に失敗しました: %w", err)
	}

	ov := &Overview{
		Lobby:   l,
		Open:    l.IsActive(r.now()),
		Members: members,
		Proposals: map[model.ProposalState][]*model.MatchProposal{
			model.ProposalPending:  {},
			model.ProposalAccepted: {},
			model.ProposalRejected: {},
			model.ProposalExpired:  {},
		},
	}
	for _, p := range proposals {
		ov.Proposals[p.State()] = append(ov.Proposals[p.State()], p)
	}
	return ov, nil
}

// Seed はロビー定義をロビー名をキーに作成または更新し、処理件数を返す。
func (r *Registry) Seed(ctx context.Context, defs []config.LobbyDefinition) (int, error) {
	for i, def := range defs {
		l := &model.Lobby{
			Name:                   def.Name,
			StartTime:              def.StartTime,
			EndTime:                def.EndTime,
			UserOnlineStateTimeout: def.OnlineTimeout,
		}
		if err := r.repos.Lobbies.Upsert(ctx, l); err != nil {
			return i, fmt.Errorf("ロビー %s の登録に失敗しました: %w", def.Name, err)
		}
	}
	return len(defs), nil
}
