package model

import "time"

// Lobby はランダム通話の相手を探すための時間枠付きの空間を表す。
type Lobby struct {
	ID                     string
	Name                   string
	StartTime              time.Time
	EndTime                time.Time
	UserOnlineStateTimeout time.Duration
	CreatedAt              time.Time
}

// IsActive は指定時刻がロビーの開催時間内（start <= now < end）かどうかを返す。
func (l *Lobby) IsActive(now time.Time) bool {
	return !now.Before(l.StartTime) && now.Before(l.EndTime)
}

// Membership はロビー内でのユーザーの在席状態を表す。
type Membership struct {
	ID            string
	LobbyID       string
	UserID        string
	Active        bool
	LastHeartbeat time.Time
	JoinedAt      time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsStale はハートビートがtimeoutを超過しているかどうかを返す。
func (m *Membership) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(m.LastHeartbeat) > timeout
}
