// Package callsession はプロバイダーのWebhookから通話セッションの状態を追跡し、
// 終了した通話を完了・不在着信に分類する。
package callsession

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/notify"
	"github.com/hitoshi/callmatch/internal/repository"
	"github.com/hitoshi/callmatch/internal/video"
)

// Repositories はTrackerが使用するリポジトリの組。
type Repositories struct {
	Rooms        repository.RoomRepository
	Sessions     repository.CallSessionRepository
	Events       repository.WebhookEventRepository
	Proposals    repository.ProposalRepository
	Interactions repository.InteractionRepository
	Chats        repository.ChatRepository
}

// Tracker はWebhookイベントを通話セッションに適用する。
//
// 同じイベントの再送や順序の入れ替わりに対して安全であるよう、
//   - プロバイダーのイベントIDが処理済みのイベントは重複として扱う
//   - 参加者ごとに最後に適用したイベント時刻より古いイベントは無視する
//   - 同じ参加者のleftより前に発生したjoinedは、セッションの有無に関係なく無視する
//   - 既に接続中の参加者のjoined、接続していない参加者のleftは何もしない
//   - セッションは行ロック下で更新し、適用ごとにversionを進める
type Tracker struct {
	repos             Repositories
	notifier          notify.Notifier
	metrics           metrics.MetricsCollector
	logger            *slog.Logger
	surveyMinDuration time.Duration
	now               func() time.Time
}

// NewTracker はTrackerの新しいインスタンスを生成する。
// surveyMinDurationは通話後アンケートを送る最短の通話時間。
func NewTracker(repos Repositories, notifier notify.Notifier, mc metrics.MetricsCollector, logger *slog.Logger, surveyMinDuration time.Duration) *Tracker {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Tracker{
		repos:             repos,
		notifier:          notifier,
		metrics:           mc,
		logger:            logger,
		surveyMinDuration: surveyMinDuration,
		now:               time.Now,
	}
}

// HandleWebhook はイベントを記録してから処理し、処理結果を返す。
// 記録に失敗した場合のみエラーを返す。記録後の処理の失敗はWebhookFailedとして記録する。
func (t *Tracker) HandleWebhook(ctx context.Context, ev *video.WebhookEvent, payload []byte) (model.WebhookOutcome, error) {
	occurred := ev.CreatedAt
	if occurred.IsZero() {
		occurred = t.now()
	}

	rec := &model.WebhookEvent{
		ProviderEventID: ev.ID,
		Event:           ev.Event,
		RoomName:        ev.RoomName,
		Identity:        ev.Identity,
		Payload:         payload,
		Outcome:         model.WebhookPending,
		OccurredAt:      occurred,
	}
	if err := t.repos.Events.Create(ctx, rec); err != nil {
		return model.WebhookFailed, fmt.Errorf("Webhookイベントの記録に失敗しました: %w", err)
	}

	outcome, sessionID, procErr := t.process(ctx, rec, ev, occurred)
	if procErr != nil {
		outcome = model.WebhookFailed
		t.logger.Error("Webhookイベントの処理に失敗しました",
			slog.String("event", ev.Event),
			slog.String("room", ev.RoomName),
			slog.String("identity", ev.Identity),
			slog.String("error", procErr.Error()),
		)
	}

	t.metrics.RecordWebhook(ev.Event, string(outcome))
	if err := t.repos.Events.UpdateOutcome(ctx, rec.ID, outcome, sessionID); err != nil {
		t.logger.Error("Webhookイベントの処理結果の記録に失敗しました",
			slog.String("webhook_event_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	t.logger.Info("Webhookイベントを処理しました",
		slog.String("event", ev.Event),
		slog.String("room", ev.RoomName),
		slog.String("identity", ev.Identity),
		slog.String("outcome", string(outcome)),
	)
	return outcome, nil
}

func (t *Tracker) process(ctx context.Context, rec *model.WebhookEvent, ev *video.WebhookEvent, occurred time.Time) (model.WebhookOutcome, string, error) {
	if ev.ID != "" {
		dup, err := t.repos.Events.IsProcessed(ctx, ev.ID, rec.ID)
		if err != nil {
			return "", "", fmt.Errorf("重複イベントの確認に失敗しました: %w", err)
		}
		if dup {
			return model.WebhookDuplicate, "", nil
		}
	}

	if !ev.IsParticipantEvent() {
		return model.WebhookIgnored, "", nil
	}

	room, err := t.repos.Rooms.FindByName(ctx, ev.RoomName)
	if err != nil {
		return "", "", fmt.Errorf("ルームの取得に失敗しました: %w", err)
	}
	if room == nil || !room.HasParticipant(ev.Identity) {
		return model.WebhookIgnored, "", nil
	}

	switch ev.Event {
	case video.EventParticipantJoined:
		return t.onJoined(ctx, room, ev.Identity, occurred)
	default:
		return t.onLeft(ctx, room, ev.Identity, occurred)
	}
}

// staleCheck は参加者の最後に適用したイベントより古いイベントかどうかを返す。
func staleCheck(s *model.CallSession, userID string, occurred time.Time) bool {
	last := s.LastEventAt(userID)
	return last != nil && occurred.Before(*last)
}

func setParticipant(s *model.CallSession, userID string, active bool, occurred time.Time) {
	at := occurred
	if userID == s.UserAID {
		s.AActive = active
		s.ALastEventAt = &at
		if active {
			s.AWasActive = true
		}
		return
	}
	s.BActive = active
	s.BLastEventAt = &at
	if active {
		s.BWasActive = true
	}
}

func markSurveySent(s *model.CallSession, userID string) {
	if userID == s.UserAID {
		s.SurveySentA = true
		return
	}
	s.SurveySentB = true
}

// onJoined は参加者の接続を記録する。アクティブなセッションがなければ作成する。
func (t *Tracker) onJoined(ctx context.Context, room *model.Room, userID string, occurred time.Time) (model.WebhookOutcome, string, error) {
	lastEnd, err := t.repos.Sessions.LastClosedEndTime(ctx, room.ID)
	if err != nil {
		return "", "", fmt.Errorf("直近のセッション終了時刻の取得に失敗しました: %w", err)
	}
	if lastEnd != nil && occurred.Before(*lastEnd) {
		return model.WebhookStale, "", nil
	}
	// セッションがない間に届いたleftはセッションに残らないため、記録済みのイベントログで比較する
	lastLeft, err := t.repos.Events.LatestOccurredAt(ctx, room.Name, userID, video.EventParticipantLeft)
	if err != nil {
		return "", "", fmt.Errorf("直近の切断時刻の取得に失敗しました: %w", err)
	}
	if lastLeft != nil && lastLeft.After(occurred) {
		return model.WebhookStale, "", nil
	}

	newSession := &model.CallSession{
		ID:        uuid.New().String(),
		UserAID:   room.UserLowID,
		UserBID:   room.UserHighID,
		StartTime: occurred,
	}

	outcome := model.WebhookApplied
	sess, err := t.repos.Sessions.WithActiveSession(ctx, room.ID, newSession, func(s *model.CallSession) (bool, error) {
		if staleCheck(s, userID, occurred) {
			outcome = model.WebhookStale
			return false, nil
		}
		if s.IsParticipantActive(userID) {
			outcome = model.WebhookIgnored
			return false, nil
		}
		setParticipant(s, userID, true, occurred)
		if s.FirstActiveUserID == "" {
			s.FirstActiveUserID = userID
		}
		if s.AActive && s.BActive {
			s.BothHaveBeenActive = true
		}
		return true, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("セッションの更新に失敗しました: %w", err)
	}
	if outcome != model.WebhookApplied {
		return outcome, sess.ID, nil
	}

	if p, err := t.repos.Proposals.FindLatestEngagedBetween(ctx, room.UserLowID, room.UserHighID); err != nil {
		t.logger.Warn("通話に対応する提案の取得に失敗しました", slog.String("error", err.Error()))
	} else if p != nil && !p.InSession {
		if err := t.repos.Proposals.MarkInSession(ctx, p.ID); err != nil {
			t.logger.Warn("提案の通話中状態の更新に失敗しました",
				slog.String("proposal_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	notify.Deliver(ctx, t.notifier, t.logger, notify.Notification{
		Kind:      notify.KindPeerOnline,
		UserID:    sess.PartnerOf(userID),
		PartnerID: userID,
		RoomName:  room.Name,
		SessionID: sess.ID,
	})
	return outcome, sess.ID, nil
}

// onLeft は参加者の切断を記録し、双方が切断していればセッションを終了する。
func (t *Tracker) onLeft(ctx context.Context, room *model.Room, userID string, occurred time.Time) (model.WebhookOutcome, string, error) {
	outcome := model.WebhookApplied
	var closed, survey bool

	sess, err := t.repos.Sessions.WithActiveSession(ctx, room.ID, nil, func(s *model.CallSession) (bool, error) {
		if staleCheck(s, userID, occurred) {
			outcome = model.WebhookStale
			return false, nil
		}
		if !s.IsParticipantActive(userID) {
			outcome = model.WebhookIgnored
			return false, nil
		}
		setParticipant(s, userID, false, occurred)

		if s.BothHaveBeenActive && !s.SurveySent(userID) && occurred.Sub(s.StartTime) >= t.surveyMinDuration {
			markSurveySent(s, userID)
			survey = true
		}
		if !s.AActive && !s.BActive {
			end := occurred
			s.IsActive = false
			s.EndTime = &end
			closed = true
		}
		return true, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("セッションの更新に失敗しました: %w", err)
	}
	if sess == nil {
		return model.WebhookIgnored, "", nil
	}
	if outcome != model.WebhookApplied {
		return outcome, sess.ID, nil
	}

	if survey {
		notify.Deliver(ctx, t.notifier, t.logger, notify.Notification{
			Kind:            notify.KindSurveyPrompt,
			UserID:          userID,
			PartnerID:       sess.PartnerOf(userID),
			RoomName:        room.Name,
			SessionID:       sess.ID,
			DurationSeconds: int64(occurred.Sub(sess.StartTime).Seconds()),
		})
	}
	if closed {
		t.onClosed(ctx, sess)
	}
	return outcome, sess.ID, nil
}

// onClosed は終了したセッションを分類し、通知と関連する提案の終了処理を行う。
// セッションの終了は確定済みのため、ここでの失敗はログに記録するのみ。
func (t *Tracker) onClosed(ctx context.Context, sess *model.CallSession) {
	outcome := sess.Outcome()
	duration := sess.Duration(t.now())
	t.metrics.RecordSessionClosed(string(outcome), duration)

	t.logger.Info("通話セッションが終了しました",
		slog.String("session_id", sess.ID),
		slog.String("room_id", sess.RoomID),
		slog.String("outcome", string(outcome)),
		slog.Float64("duration_seconds", duration.Seconds()),
	)

	recipient := sess.PartnerOf(sess.FirstActiveUserID)
	switch outcome {
	case model.CallCompleted:
		end := t.now()
		if sess.EndTime != nil {
			end = *sess.EndTime
		}
		if err := t.repos.Interactions.RecordCompletedCall(ctx, sess.UserAID, sess.UserBID, duration, end); err != nil {
			t.logger.Warn("通話インタラクションの記録に失敗しました",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
		}
		chatID, err := t.repos.Chats.FindChatID(ctx, sess.UserAID, sess.UserBID)
		if err != nil {
			t.logger.Warn("チャットの取得に失敗しました", slog.String("error", err.Error()))
		}
		if recipient != "" {
			notify.Deliver(ctx, t.notifier, t.logger, notify.Notification{
				Kind:            notify.KindCallSummary,
				UserID:          recipient,
				PartnerID:       sess.FirstActiveUserID,
				ChatID:          chatID,
				SessionID:       sess.ID,
				DurationSeconds: int64(duration.Seconds()),
			})
		}
	case model.CallMissed:
		if recipient != "" {
			notify.Deliver(ctx, t.notifier, t.logger, notify.Notification{
				Kind:      notify.KindMissedCall,
				UserID:    recipient,
				PartnerID: sess.FirstActiveUserID,
				SessionID: sess.ID,
			})
		}
	}

	p, err := t.repos.Proposals.FindLatestEngagedBetween(ctx, sess.UserAID, sess.UserBID)
	if err != nil {
		t.logger.Warn("通話に対応する提案の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if p != nil {
		if err := t.repos.Proposals.Finish(ctx, p.ID); err != nil {
			t.logger.Warn("提案の終了処理に失敗しました",
				slog.String("proposal_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// CloseForUser はユーザーが当事者のアクティブなセッションをすべて終了させ、通常の終了と同じく分類する。
func (t *Tracker) CloseForUser(ctx context.Context, userID string) error {
	closed, err := t.repos.Sessions.CloseForUser(ctx, userID, t.now())
	if err != nil {
		return fmt.Errorf("通話セッションの終了に失敗しました: %w", err)
	}
	for _, sess := range closed {
		t.onClosed(ctx, sess)
	}
	return nil
}
