package model

import "time"

// WebhookOutcome はWebhookイベントの処理結果を表す。
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookStale     WebhookOutcome = "stale"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookFailed    WebhookOutcome = "failed"
	WebhookPending   WebhookOutcome = "pending"
)

// WebhookEvent はプロバイダーから受信した生のWebhookペイロードの追記専用ログ。
type WebhookEvent struct {
	ID              string
	ProviderEventID string
	Event           string
	RoomName        string
	Identity        string
	Payload         []byte
	SessionID       string
	Outcome         WebhookOutcome
	OccurredAt      time.Time
	ReceivedAt      time.Time
}
