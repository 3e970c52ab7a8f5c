// Package notify はユーザーへの通知をプッシュ配信サブシステムへ引き渡す。
// 通知はすべてベストエフォートで、失敗してもドメインの状態遷移は取り消さない。
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind は通知の種別を表す。
type Kind string

const (
	KindMatchFound    Kind = "match_found"
	KindMatchAccepted Kind = "match_accepted"
	KindPeerOnline    Kind = "peer_online"
	KindCallSummary   Kind = "call_summary"
	KindMissedCall    Kind = "missed_call"
	KindSurveyPrompt  Kind = "survey_prompt"
)

// Notification は1人の受信者に届ける通知。
type Notification struct {
	Kind            Kind      `json:"kind"`
	UserID          string    `json:"user_id"`
	PartnerID       string    `json:"partner_id,omitempty"`
	LobbyName       string    `json:"lobby_name,omitempty"`
	ProposalID      string    `json:"proposal_id,omitempty"`
	RoomName        string    `json:"room_name,omitempty"`
	ChatID          string    `json:"chat_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	DurationSeconds int64     `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Notifier は通知の配信チャネル。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Deliver は通知を送信し、失敗した場合はログに記録して握りつぶす。
func Deliver(ctx context.Context, notifier Notifier, logger *slog.Logger, n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if err := notifier.Notify(ctx, n); err != nil {
		logger.Warn("通知の送信に失敗しました",
			slog.String("kind", string(n.Kind)),
			slog.String("user_id", n.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// LogNotifier は通知をログに出力するだけのNotifier。
// AMQP_URLが未設定の開発環境で使用する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify は通知内容をINFOレベルでログに出力する。
func (n *LogNotifier) Notify(_ context.Context, notif Notification) error {
	n.logger.Info("通知",
		slog.String("kind", string(notif.Kind)),
		slog.String("user_id", notif.UserID),
		slog.String("partner_id", notif.PartnerID),
		slog.String("proposal_id", notif.ProposalID),
		slog.String("room_name", notif.RoomName),
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
