// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/callmatch/internal/model"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey     = contextKey("user_id")
	bearerAuthContextKey = contextKey("bearer_auth")
)

// SessionFinder は認証サービスが発行したセッションの検索に必要なインターフェース。
// repository.AuthSessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.AuthSession, error)
}

// sessionIDFromRequest はセッションIDをAuthorization: Bearerヘッダー、
// 次にsession_id Cookieの順で取得する。Bearerで取得した場合はtrueを返す。
func sessionIDFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return strings.TrimSpace(token), true
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, false
	}
	return "", false
}

// NewSessionMiddleware はセッションを検証し、認証済みユーザーIDを
// リクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, bearer := sessionIDFromRequest(r)
			if id == "" {
				WriteUnauthorized(w)
				return
			}

			session, err := sessionFinder.FindByID(r.Context(), id)
			if err != nil {
				slog.Error("セッションの取得に失敗しました",
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}
			if session == nil {
				WriteUnauthorized(w)
				return
			}

			recordUserID(r.Context(), session.UserID)
			ctx := context.WithValue(r.Context(), userIDContextKey, session.UserID)
			ctx = context.WithValue(ctx, bearerAuthContextKey, bearer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// isBearerAuth はリクエストがBearerトークンで認証されたかどうかを返す。
func isBearerAuth(ctx context.Context) bool {
	b, _ := ctx.Value(bearerAuthContextKey).(bool)
	return b
}

// StaffChecker は管理者権限の確認に必要なインターフェース。
type StaffChecker interface {
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)
}

// NewStaffMiddleware はプロフィールのis_staffがtrueのユーザーのみ通過させるミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func NewStaffMiddleware(profiles StaffChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteUnauthorized(w)
				return
			}
			p, err := profiles.FindByUserID(r.Context(), userID)
			if err != nil {
				slog.Error("プロフィールの取得に失敗しました",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if p == nil || !p.IsStaff {
				WriteStaffOnly(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
