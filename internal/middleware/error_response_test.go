package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/callmatch/internal/model"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusConflict, &model.APIError{
		Code:     model.ErrCodeNotInLobby,
		Message:  "ロビーに参加していません。",
		Category: "lobby",
		Action:   "ロビーに参加してから再度お試しください。",
	})

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	body := decodeErrorBody(t, w)
	want := ErrorResponseBody{
		Code:     model.ErrCodeNotInLobby,
		Message:  "ロビーに参加していません。",
		Category: "lobby",
		Action:   "ロビーに参加してから再度お試しください。",
	}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestErrorResponseBody_AllFieldsPresent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{Code: "CODE"})

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, field := range []string{"code", "message", "category", "action"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

func TestMiddlewareErrorWriters(t *testing.T) {
	tests := []struct {
		name     string
		write    func(http.ResponseWriter)
		status   int
		code     string
		category string
	}{
		{"内部エラー", WriteInternalServerError, http.StatusInternalServerError, "INTERNAL_ERROR", "system"},
		{"未認証", WriteUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", "auth"},
		{"CSRF不一致", WriteCSRFInvalid, http.StatusForbidden, "CSRF_TOKEN_INVALID", "auth"},
		{"管理者以外", WriteStaffOnly, http.StatusForbidden, "FORBIDDEN", "auth"},
		{"レート制限", func(w http.ResponseWriter) { WriteRateLimited(w, 3) }, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			body := decodeErrorBody(t, w)
			if body.Code != tt.code || body.Category != tt.category {
				t.Errorf("body = %+v, want code=%s category=%s", body, tt.code, tt.category)
			}
			if body.Action == "" {
				t.Error("action should not be empty")
			}
		})
	}
}

func TestWriteRateLimited_RetryAfter(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{3, "3"},
		{1, "1"},
		{0, "1"},
		{-5, "1"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteRateLimited(w, tt.in)
		if got := w.Header().Get("Retry-After"); got != tt.want {
			t.Errorf("WriteRateLimited(%d) Retry-After = %q, want %q", tt.in, got, tt.want)
		}
	}
}
