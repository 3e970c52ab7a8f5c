package model

import "time"

// Room は2人のユーザーに紐づく外部ビデオ会議ルームを表す。
// ペアごとに1つ作成され、以降は再利用される。
type Room struct {
	ID          string
	Name        string
	UserLowID   string
	UserHighID  string
	Provisioned bool
	CreatedAt   time.Time
}

// HasParticipant はユーザーがルームの当事者かどうかを返す。
func (r *Room) HasParticipant(userID string) bool {
	return r.UserLowID == userID || r.UserHighID == userID
}

// NormalizePair はユーザーIDの組を辞書順に並べ替える。
// (a, b) と (b, a) が同じルームに対応するようにするために使用する。
func NormalizePair(a, b string) (low, high string) {
	if a <= b {
		return a, b
	}
	return b, a
}
