package model

import "time"

// CallOutcome は終了した通話の分類を表す。
type CallOutcome string

const (
	// CallCompleted は双方が同時に接続したことがある通話。
	CallCompleted CallOutcome = "completed"
	// CallMissed は双方が同時に接続しないまま終了した通話。
	CallMissed CallOutcome = "missed"
)

// CallSession はルームの実際の接続状況の記録を表す。
// BothHaveBeenActiveは単調（一度trueになると戻らない）。
// IsActiveは少なくとも1人が接続中である間だけtrue。
type CallSession struct {
	ID                 string
	RoomID             string
	UserAID            string
	UserBID            string
	AActive            bool
	BActive            bool
	AWasActive         bool
	BWasActive         bool
	BothHaveBeenActive bool
	FirstActiveUserID  string
	ALastEventAt       *time.Time
	BLastEventAt       *time.Time
	SurveySentA        bool
	SurveySentB        bool
	Version            int
	IsActive           bool
	StartTime          time.Time
	EndTime            *time.Time
}

// Outcome は終了したセッションの分類を返す。
func (s *CallSession) Outcome() CallOutcome {
	if s.BothHaveBeenActive {
		return CallCompleted
	}
	return CallMissed
}

// Duration は通話時間を返す。終了していない場合はnowまでの経過時間を返す。
func (s *CallSession) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// PartnerOf は指定ユーザーの相手のユーザーIDを返す。
func (s *CallSession) PartnerOf(userID string) string {
	switch userID {
	case s.UserAID:
		return s.UserBID
	case s.UserBID:
		return s.UserAID
	default:
		return ""
	}
}

// IsParticipantActive は指定ユーザーが現在接続中かどうかを返す。
func (s *CallSession) IsParticipantActive(userID string) bool {
	switch userID {
	case s.UserAID:
		return s.AActive
	case s.UserBID:
		return s.BActive
	default:
		return false
	}
}

// LastEventAt は指定ユーザーについて最後に適用したイベントの時刻を返す。
func (s *CallSession) LastEventAt(userID string) *time.Time {
	switch userID {
	case s.UserAID:
		return s.ALastEventAt
	case s.UserBID:
		return s.BLastEventAt
	default:
		return nil
	}
}

// SurveySent は指定ユーザーにアンケートを送信済みかどうかを返す。
func (s *CallSession) SurveySent(userID string) bool {
	if userID == s.UserAID {
		return s.SurveySentA
	}
	return userID == s.UserBID && s.SurveySentB
}
