package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// MembershipCleaner はハートビートが途絶えたメンバーを全ロビーについて非アクティブにする。
type MembershipCleaner interface {
	CleanupAll(ctx context.Context) (int, error)
}

// ProposalExpirer は期限を過ぎた提案を期限切れにする。lobbyIDが空の場合は全ロビーが対象。
type ProposalExpirer interface {
	ExpireStale(ctx context.Context, lobbyID string) (int64, error)
}

// RetentionRunner は保持期間を超過したデータを削除する。
type RetentionRunner interface {
	Run(ctx context.Context) (int64, error)
}

// Sweeper はジョブの投入漏れや消失に備えて、在席状態と提案の後始末を定期的に行う。
type Sweeper struct {
	members   MembershipCleaner
	proposals ProposalExpirer
	retention RetentionRunner
	logger    *slog.Logger
}

// NewSweeper はSweeperを生成する。retentionはnilでもよい。
func NewSweeper(members MembershipCleaner, proposals ProposalExpirer, retention RetentionRunner, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		members:   members,
		proposals: proposals,
		retention: retention,
		logger:    logger,
	}
}

// Start はinterval間隔でRunOnceを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("スイーパーを開始しました", slog.Duration("interval", interval))
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スイーパーを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Result はRunOnceの処理件数。
type Result struct {
	Deactivated int
	Expired     int64
	Deleted     int64
}

// RunOnce は各後始末を1回ずつ実行する。
// 1つが失敗しても残りは実行し、失敗はログに記録する。
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result
	var err error

	if res.Deactivated, err = s.members.CleanupAll(ctx); err != nil {
		s.logger.Error("メンバーシップのスイープに失敗しました", slog.String("error", err.Error()))
	}
	if res.Expired, err = s.proposals.ExpireStale(ctx, ""); err != nil {
		s.logger.Error("提案のスイープに失敗しました", slog.String("error", err.Error()))
	}
	if s.retention != nil {
		if res.Deleted, err = s.retention.Run(ctx); err != nil {
			s.logger.Error("Webhookイベントの削除に失敗しました", slog.String("error", err.Error()))
		}
	}

	if res.Deactivated > 0 || res.Expired > 0 || res.Deleted > 0 {
		s.logger.Info("スイープが完了しました",
			slog.Int("deactivated", res.Deactivated),
			slog.Int64("expired", res.Expired),
			slog.Int64("deleted", res.Deleted),
		)
	}
	return res
}
