package video

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/webhook"
)

// webhookTokenTTL は開発用に署名するWebhookトークンの有効期間。
const webhookTokenTTL = 5 * time.Minute

// TokenSigner はAPIキーとシークレットでアクセストークンを発行し、Webhookの署名を検証する。
type TokenSigner struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
	keys      auth.KeyProvider
}

// NewTokenSigner はTokenSignerを生成する。ttlが0以下の場合は1時間を使用する。
func NewTokenSigner(apiKey, apiSecret string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSigner{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		ttl:       ttl,
		keys:      auth.NewSimpleKeyProvider(apiKey, apiSecret),
	}
}

// JoinToken はidentityがroomへ参加するためのトークンを発行する。
func (s *TokenSigner) JoinToken(identity, displayName, room string) (string, error) {
	if identity == "" || room == "" {
		return "", fmt.Errorf("identity and room are required")
	}
	allow := true
	token, err := auth.NewAccessToken(s.apiKey, s.apiSecret).
		SetIdentity(identity).
		SetName(displayName).
		SetValidFor(s.ttl).
		SetVideoGrant(&auth.VideoGrant{
			RoomJoin:     true,
			Room:         room,
			CanPublish:   &allow,
			CanSubscribe: &allow,
		}).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyWebhook はWebhookのAuthorizationヘッダを検証する。
// ヘッダはAPIシークレットで署名されたJWTで、sha256クレームがボディのハッシュと一致すること。
func (s *TokenSigner) VerifyWebhook(authHeader string, body []byte) error {
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return ErrUnauthorizedWebhook
	}

	req, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedWebhook, err)
	}
	req.Header.Set("Authorization", raw)
	if _, err := webhook.Receive(req, s.keys); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedWebhook, err)
	}
	return nil
}

// SignWebhook はWebhook送信側と同じ形式の署名ヘッダ値を生成する。開発用の送信ツールとテストで使用する。
func (s *TokenSigner) SignWebhook(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	token, err := auth.NewAccessToken(s.apiKey, s.apiSecret).
		SetValidFor(webhookTokenTTL).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign webhook: %w", err)
	}
	return token, nil
}
