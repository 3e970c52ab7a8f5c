package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitoshi/callmatch/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// ハンドラのドメインエラーもミドルウェアのエラーも同じ形で返す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// ミドルウェア層で返すエラー。ドメインのエラーコードはmodelパッケージで定義する。
var (
	errInternal = &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
	errUnauthorized = &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
	errCSRFInvalid = &model.APIError{
		Code:     "CSRF_TOKEN_INVALID",
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
	errStaffOnly = &model.APIError{
		Code:     "FORBIDDEN",
		Message:  "管理者権限が必要です。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
	errRateLimited = &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
)

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500を書き込む。原因はログのみに記録すること。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, errInternal)
}

// WriteUnauthorized は401を書き込む。セッション不正とWebhook署名不正で共用する。
func WriteUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
}

// WriteCSRFInvalid はCSRFトークン不一致の403を書き込む。
func WriteCSRFInvalid(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusForbidden, errCSRFInvalid)
}

// WriteStaffOnly は管理者以外のアクセスに対する403を書き込む。
func WriteStaffOnly(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusForbidden, errStaffOnly)
}

// WriteRateLimited はRetry-After付きの429を書き込む。retryAfterSecは1未満なら1に切り上げる。
func WriteRateLimited(w http.ResponseWriter, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, errRateLimited)
}
