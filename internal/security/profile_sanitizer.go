// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はプロフィールサービスから受け取った公開プロフィールを
// マッチ相手に返す前にサニタイズする。bluemondayの許可リストポリシーを使用する。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/callmatch/internal/model"
)

// maxDisplayNameRunes は表示名の最大文字数。
const maxDisplayNameRunes = 64

// ProfileSanitizer は公開プロフィールのサニタイズ機能のインターフェース。
type ProfileSanitizer interface {
	// Sanitize はプロフィールのコピーを返す。元のプロフィールは変更しない。
	//   - 表示名: タグをすべて除去し、前後の空白を除いて64文字に切り詰める
	//   - 自己紹介: p, br, strong, em のみ許可
	//   - 画像URL: httpsの絶対URLのみ許可。それ以外は空文字列
	// nilの入力にはnilを返す。
	Sanitize(p *model.Profile) *model.Profile
}

type profileSanitizer struct {
	strict *bluemonday.Policy
	bio    *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerの新しいインスタンスを生成する。
func NewProfileSanitizer() ProfileSanitizer {
	bio := bluemonday.NewPolicy()
	bio.AllowElements("p", "br", "strong", "em")

	return &profileSanitizer{
		strict: bluemonday.StrictPolicy(),
		bio:    bio,
	}
}

func (s *profileSanitizer) Sanitize(p *model.Profile) *model.Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.DisplayName = truncateRunes(strings.TrimSpace(s.strict.Sanitize(p.DisplayName)), maxDisplayNameRunes)
	out.Bio = s.bio.Sanitize(p.Bio)
	out.ImageURL = sanitizeImageURL(p.ImageURL)
	return &out
}

func sanitizeImageURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
