// Package proposal はマッチ提案の承諾・拒否と状態取得のドメインロジックを提供する。
// 2人の当事者が同時に操作しうるため、状態遷移はすべてリポジトリの条件付き更新で行う。
package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/notify"
	"github.com/hitoshi/callmatch/internal/repository"
	"github.com/hitoshi/callmatch/internal/security"
)

// Status は呼び出し元ユーザーの現在の提案と相手の公開プロフィール。
// 提案がない場合はどちらもnil。
type Status struct {
	Proposal *model.MatchProposal
	Partner  *model.Profile
}

// Options は提案の期限設定。
type Options struct {
	// ProposalTTL は未処理の提案が期限切れになるまでの時間。
	ProposalTTL time.Duration
	// CallJoinTimeout は承諾済みの提案で通話が始まらない場合に期限切れにするまでの時間。
	CallJoinTimeout time.Duration
}

// Service はマッチ提案のサービス層。
type Service struct {
	lobbies   repository.LobbyRepository
	members   repository.MembershipRepository
	proposals repository.ProposalRepository
	profiles  repository.ProfileRepository
	sanitizer security.ProfileSanitizer
	notifier  notify.Notifier
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	lobbies repository.LobbyRepository,
	members repository.MembershipRepository,
	proposals repository.ProposalRepository,
	profiles repository.ProfileRepository,
	sanitizer security.ProfileSanitizer,
	notifier notify.Notifier,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		lobbies:   lobbies,
		members:   members,
		proposals: proposals,
		profiles:  profiles,
		sanitizer: sanitizer,
		notifier:  notifier,
		metrics:   mc,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// memberContext はロビーを解決し、呼び出し元がアクティブなメンバーであることを確認する。
func (s *Service) memberContext(ctx context.Context, lobbyName, userID string) (*model.Lobby, error) {
	l, err := s.lobbies.FindByName(ctx, lobbyName)
	if err != nil {
		return nil, fmt.Errorf("ロビーの取得に失敗しました: %w", err)
	}
	if l == nil {
		return nil, model.NewLobbyNotFoundError(lobbyName)
	}
	m, err := s.members.FindActive(ctx, l.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, model.NewNotInLobbyError()
	}
	return l, nil
}

// loadForParty は提案を取得し、呼び出し元が当事者であることを確認する。
func (s *Service) loadForParty(ctx context.Context, lobbyID, proposalID, userID string) (*model.MatchProposal, model.ProposalSide, error) {
	p, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, "", fmt.Errorf("提案の取得に失敗しました: %w", err)
	}
	if p == nil || p.LobbyID != lobbyID {
		return nil, "", model.NewProposalNotFoundError(proposalID)
	}
	side, ok := p.SideOf(userID)
	if !ok {
		return nil, "", model.NewUnauthorizedParticipantError()
	}
	return p, side, nil
}

// Accept は呼び出し元の承諾フラグを立てる。同じユーザーが繰り返し承諾しても結果は変わらない。
// 双方が承諾した時点でboth_acceptedに遷移し、相手に通知する。
// 提案が拒否・期限切れ・双方承諾済みの場合はProposalAlreadyProcessedを返す。
func (s *Service) Accept(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error) {
	l, err := s.memberContext(ctx, lobbyName, userID)
	if err != nil {
		return nil, err
	}
	p, side, err := s.loadForParty(ctx, l.ID, proposalID, userID)
	if err != nil {
		return nil, err
	}

	ok, err := s.proposals.SetAccepted(ctx, p.ID, side)
	if err != nil {
		return nil, fmt.Errorf("承諾の記録に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewProposalAlreadyProcessedError()
	}

	transitioned, err := s.proposals.MarkBothAccepted(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("承諾状態の更新に失敗しました: %w", err)
	}

	if transitioned {
		s.metrics.RecordProposalTransition(string(model.ProposalAccepted))
		s.logger.Info("マッチが成立しました",
			slog.String("lobby", lobbyName),
			slog.String("proposal_id", p.ID),
		)
		notify.Deliver(ctx, s.notifier, s.logger, notify.Notification{
			Kind:       notify.KindMatchAccepted,
			UserID:     p.PartnerOf(userID),
			PartnerID:  userID,
			LobbyName:  lobbyName,
			ProposalID: p.ID,
		})
	}

	return s.reload(ctx, p.ID)
}

// Reject は提案を拒否し、当事者のスロットを解放する。
// 提案が既に処理済みの場合はProposalAlreadyProcessedを返す。
func (s *Service) Reject(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error) {
	l, err := s.memberContext(ctx, lobbyName, userID)
	if err != nil {
		return nil, err
	}
	p, _, err := s.loadForParty(ctx, l.ID, proposalID, userID)
	if err != nil {
		return nil, err
	}

	ok, err := s.proposals.Reject(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("提案の拒否に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewProposalAlreadyProcessedError()
	}

	s.metrics.RecordProposalTransition(string(model.ProposalRejected))
	s.logger.Info("提案が拒否されました",
		slog.String("lobby", lobbyName),
		slog.String("proposal_id", p.ID),
		slog.String("user_id", userID),
	)
	return s.reload(ctx, p.ID)
}

func (s *Service) reload(ctx context.Context, id string) (*model.MatchProposal, error) {
	p, err := s.proposals.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("提案の再取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewProposalNotFoundError(id)
	}
	return p, nil
}

// Status は呼び出し元が保持している提案と相手の公開プロフィールを返す。
func (s *Service) Status(ctx context.Context, lobbyName, userID string) (*Status, error) {
	l, err := s.memberContext(ctx, lobbyName, userID)
	if err != nil {
		return nil, err
	}
	p, err := s.proposals.FindCurrentForUser(ctx, l.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("提案の取得に失敗しました: %w", err)
	}
	if p == nil {
		return &Status{}, nil
	}
	partner, err := s.profiles.FindByUserID(ctx, p.PartnerOf(userID))
	if err != nil {
		return nil, fmt.Errorf("相手のプロフィールの取得に失敗しました: %w", err)
	}
	return &Status{Proposal: p, Partner: s.sanitizer.Sanitize(partner)}, nil
}

// AutoRejectForUser はロビー退出したユーザーの未処理の提案を拒否し、
// 承諾済みで通話が終わっていない提案を終了扱いにする。
func (s *Service) AutoRejectForUser(ctx context.Context, lobbyID, userID string) error {
	released, err := s.proposals.ReleaseForUser(ctx, lobbyID, userID)
	if err != nil {
		return fmt.Errorf("提案の解放に失敗しました: %w", err)
	}
	for _, p := range released {
		if p.Rejected {
			s.metrics.RecordProposalTransition(string(model.ProposalRejected))
		}
		s.logger.Info("退出に伴い提案を解放しました",
			slog.String("proposal_id", p.ID),
			slog.String("user_id", userID),
			slog.String("state", string(p.State())),
		)
	}
	return nil
}

// ExpireStale は期限を過ぎた提案を期限切れにする。lobbyIDが空の場合は全ロビーを対象にする。
func (s *Service) ExpireStale(ctx context.Context, lobbyID string) (int64, error) {
	now := s.now()
	n, err := s.proposals.ExpireStale(ctx, lobbyID, now.Add(-s.opts.ProposalTTL), now.Add(-s.opts.CallJoinTimeout))
	if err != nil {
		return 0, fmt.Errorf("提案の期限切れ処理に失敗しました: %w", err)
	}
	for i := int64(0); i < n; i++ {
		s.metrics.RecordProposalTransition(string(model.ProposalExpired))
	}
	if n > 0 {
		s.logger.Info("期限切れの提案を処理しました",
			slog.String("lobby_id", lobbyID),
			slog.Int64("count", n),
		)
	}
	return n, nil
}
