package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/callmatch/internal/middleware"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/video"
)

// maxWebhookBodySize はWebhookボディの最大サイズ（1MB）。
const maxWebhookBodySize = 1 << 20

// WebhookVerifier はWebhookの署名を検証するインターフェース。
type WebhookVerifier interface {
	VerifyWebhook(authHeader string, body []byte) error
}

// WebhookProcessor は解釈済みのWebhookイベントを通話セッションに反映するインターフェース。
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, ev *video.WebhookEvent, payload []byte) (model.WebhookOutcome, error)
}

// WebhookHandler はビデオプロバイダーからのWebhookを受け付けるHTTPハンドラー。
type WebhookHandler struct {
	verifier  WebhookVerifier
	processor WebhookProcessor
}

// NewWebhookHandler はWebhookHandlerを生成する。
// verifierがnilの場合は署名を検証しない。
func NewWebhookHandler(verifier WebhookVerifier, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, processor: processor}
}

// Receive はWebhookを受信する。
// POST /webhook
//
// 解釈できたイベントは重複・順序逆転を含めて200を返す。
// イベントの記録自体に失敗した場合のみ500を返し、プロバイダーの再送に任せる。
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidWebhookError())
		return
	}

	if h.verifier != nil {
		if err := h.verifier.VerifyWebhook(r.Header.Get("Authorization"), body); err != nil {
			slog.Warn("webhook signature rejected",
				slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
				slog.String("error", err.Error()),
			)
			middleware.WriteUnauthorized(w)
			return
		}
	}

	ev, err := video.ParseWebhook(body)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidWebhookError())
		return
	}

	if _, err := h.processor.HandleWebhook(r.Context(), ev, body); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func invalidWebhookError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "Webhookボディを解釈できません。",
		Category: "validation",
		Action:   "イベント名を含むJSONを送信してください。",
	}
}
