package video

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/encoding/protojson"
)

// Webhookのイベント名
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// ErrInvalidWebhook はWebhookボディを解釈できない場合に返される。
var ErrInvalidWebhook = errors.New("invalid webhook payload")

// WebhookEvent はプロバイダーから受信したWebhookの必要な部分。
type WebhookEvent struct {
	ID        string
	Event     string
	CreatedAt time.Time
	RoomName  string
	Identity  string
}

var webhookUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// ParseWebhook はWebhookボディを解釈する。
// createdAtはUnix秒の数値または文字列を受け付け、欠落時はゼロ値のままにする。
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidWebhook)
	}
	var raw livekit.WebhookEvent
	if err := webhookUnmarshal.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if raw.GetEvent() == "" {
		return nil, fmt.Errorf("%w: event is required", ErrInvalidWebhook)
	}

	ev := &WebhookEvent{
		ID:       raw.GetId(),
		Event:    raw.GetEvent(),
		RoomName: raw.GetRoom().GetName(),
		Identity: raw.GetParticipant().GetIdentity(),
	}
	if sec := raw.GetCreatedAt(); sec > 0 {
		ev.CreatedAt = time.Unix(sec, 0)
	}
	return ev, nil
}

// IsParticipantEvent は参加者の入退室イベントかどうかを返す。
func (e *WebhookEvent) IsParticipantEvent() bool {
	return e.Event == EventParticipantJoined || e.Event == EventParticipantLeft
}
