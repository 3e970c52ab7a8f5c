package video

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims はプロバイダーが検証するクレームのうちテストで確認する部分。
type tokenClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Video *struct {
		RoomJoin   bool   `json:"roomJoin"`
		RoomCreate bool   `json:"roomCreate"`
		Room       string `json:"room"`
		CanPublish *bool  `json:"canPublish"`
	} `json:"video"`
	SHA256 string `json:"sha256"`
}

func newTestSigner() *TokenSigner {
	return NewTokenSigner("api-key", "api-secret", 30*time.Minute)
}

func parseClaims(t *testing.T, token, secret string) *tokenClaims {
	t.Helper()
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	return &claims
}

func TestJoinToken_Claims(t *testing.T) {
	s := newTestSigner()

	token, err := s.JoinToken("user-a", "Alice", "room-1")
	if err != nil {
		t.Fatalf("JoinToken() error = %v", err)
	}

	claims := parseClaims(t, token, "api-secret")
	if claims.Issuer != "api-key" {
		t.Errorf("iss = %q, want api-key", claims.Issuer)
	}
	if claims.Subject != "user-a" {
		t.Errorf("sub = %q, want user-a", claims.Subject)
	}
	if claims.Name != "Alice" {
		t.Errorf("name = %q, want Alice", claims.Name)
	}
	if claims.Video == nil || !claims.Video.RoomJoin || claims.Video.Room != "room-1" {
		t.Fatalf("video grant = %+v", claims.Video)
	}
	if claims.Video.CanPublish == nil || !*claims.Video.CanPublish {
		t.Error("canPublishが許可されていません")
	}
	if claims.Video.RoomCreate {
		t.Error("参加用トークンにroomCreate権限が含まれています")
	}
	if claims.ExpiresAt == nil || claims.NotBefore == nil {
		t.Fatal("exp/nbfがありません")
	}
	if got := claims.ExpiresAt.Sub(claims.NotBefore.Time); got != 30*time.Minute {
		t.Errorf("有効期間 = %v, want 30m", got)
	}
}

func TestJoinToken_RequiresIdentityAndRoom(t *testing.T) {
	s := newTestSigner()
	if _, err := s.JoinToken("", "x", "room"); err == nil {
		t.Error("identityが空でもエラーになりません")
	}
	if _, err := s.JoinToken("user", "x", ""); err == nil {
		t.Error("roomが空でもエラーになりません")
	}
}

func TestSignWebhook_HashClaim(t *testing.T) {
	s := newTestSigner()
	header, err := s.SignWebhook([]byte(`{"event":"participant_joined"}`))
	if err != nil {
		t.Fatalf("SignWebhook() error = %v", err)
	}
	claims := parseClaims(t, header, "api-secret")
	if claims.Issuer != "api-key" || claims.SHA256 == "" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyWebhook(t *testing.T) {
	s := newTestSigner()
	body := []byte(`{"event":"participant_joined"}`)

	header, err := s.SignWebhook(body)
	if err != nil {
		t.Fatalf("SignWebhook() error = %v", err)
	}

	if err := s.VerifyWebhook(header, body); err != nil {
		t.Errorf("VerifyWebhook() error = %v", err)
	}
	if err := s.VerifyWebhook("Bearer "+header, body); err != nil {
		t.Errorf("VerifyWebhook(Bearer) error = %v", err)
	}
}

func TestVerifyWebhook_Rejects(t *testing.T) {
	s := newTestSigner()
	body := []byte(`{"event":"participant_joined"}`)
	header, _ := s.SignWebhook(body)

	forged, _ := NewTokenSigner("api-key", "other-secret", time.Hour).SignWebhook(body)
	unknownKey, _ := NewTokenSigner("other-key", "api-secret", time.Hour).SignWebhook(body)

	tests := []struct {
		name   string
		header string
		body   []byte
	}{
		{"ヘッダなし", "", body},
		{"ボディ改ざん", header, []byte(`{"event":"participant_left"}`)},
		{"別シークレット", forged, body},
		{"未知のAPIキー", unknownKey, body},
		{"不正なJWT", "not-a-jwt", body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.VerifyWebhook(tt.header, tt.body)
			if !errors.Is(err, ErrUnauthorizedWebhook) {
				t.Errorf("VerifyWebhook() error = %v, want %v", err, ErrUnauthorizedWebhook)
			}
		})
	}
}
