// Package video は外部ビデオ会議プロバイダーとの連携を提供する。
// LiveKit互換のルームAPI、ルーム参加用アクセストークンの発行、Webhookの検証を含む。
package video

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorizedWebhook はWebhookの署名検証に失敗した場合に返される。
var ErrUnauthorizedWebhook = errors.New("webhook signature verification failed")

// RoomInfo はプロバイダー上のルームを表す。
type RoomInfo struct {
	SID             string
	Name            string
	MaxParticipants int
	CreatedAt       time.Time
}

// Provider はビデオ会議プロバイダーのインターフェース。
type Provider interface {
	// ListRooms は指定名のルームのうちプロバイダー上に存在するものを返す。
	ListRooms(ctx context.Context, names []string) ([]RoomInfo, error)

	// CreateRoom はルームを作成する。
	CreateRoom(ctx context.Context, name string) (*RoomInfo, error)

	// AccessToken はidentityがroomに参加するための短命なアクセストークンを発行する。
	AccessToken(identity, displayName, room string) (string, error)

	// ServerURL はクライアントが接続するプロバイダーのURLを返す。
	ServerURL() string
}
