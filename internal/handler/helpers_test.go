package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/callmatch/internal/callaccess"
	"github.com/hitoshi/callmatch/internal/lobby"
	"github.com/hitoshi/callmatch/internal/middleware"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/proposal"
	"github.com/hitoshi/callmatch/internal/video"
)

// --- モック定義 ---

// mockLobbyService はLobbyServiceInterfaceのモック実装。
type mockLobbyService struct {
	joinFn      func(ctx context.Context, lobbyName, userID string) (*lobby.JoinResult, error)
	exitFn      func(ctx context.Context, lobbyName, userID string) error
	heartbeatFn func(ctx context.Context, lobbyName, userID string) error
	statusFn    func(ctx context.Context, lobbyName, userID string) (*lobby.Status, error)
}

func (m *mockLobbyService) Join(ctx context.Context, lobbyName, userID string) (*lobby.JoinResult, error) {
	if m.joinFn != nil {
		return m.joinFn(ctx, lobbyName, userID)
	}
	return &lobby.JoinResult{Membership: &model.Membership{}}, nil
}

func (m *mockLobbyService) Exit(ctx context.Context, lobbyName, userID string) error {
	if m.exitFn != nil {
		return m.exitFn(ctx, lobbyName, userID)
	}
	return nil
}

func (m *mockLobbyService) Heartbeat(ctx context.Context, lobbyName, userID string) error {
	if m.heartbeatFn != nil {
		return m.heartbeatFn(ctx, lobbyName, userID)
	}
	return nil
}

func (m *mockLobbyService) Status(ctx context.Context, lobbyName, userID string) (*lobby.Status, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, lobbyName, userID)
	}
	return nil, nil
}

// mockMatchService はMatchServiceInterfaceのモック実装。
type mockMatchService struct {
	acceptFn func(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error)
	rejectFn func(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error)
	statusFn func(ctx context.Context, lobbyName, userID string) (*proposal.Status, error)
}

func (m *mockMatchService) Accept(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error) {
	if m.acceptFn != nil {
		return m.acceptFn(ctx, lobbyName, proposalID, userID)
	}
	return nil, nil
}

func (m *mockMatchService) Reject(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error) {
	if m.rejectFn != nil {
		return m.rejectFn(ctx, lobbyName, proposalID, userID)
	}
	return nil, nil
}

func (m *mockMatchService) Status(ctx context.Context, lobbyName, userID string) (*proposal.Status, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, lobbyName, userID)
	}
	return &proposal.Status{}, nil
}

// mockCallAccess はCallAccessInterfaceのモック実装。
type mockCallAccess struct {
	authenticateFn func(ctx context.Context, lobbyName, proposalID, userID string) (*callaccess.Access, error)
}

func (m *mockCallAccess) Authenticate(ctx context.Context, lobbyName, proposalID, userID string) (*callaccess.Access, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, lobbyName, proposalID, userID)
	}
	return nil, nil
}

// mockWebhookProcessor はWebhookProcessorのモック実装。
type mockWebhookProcessor struct {
	handleFn func(ctx context.Context, ev *video.WebhookEvent, payload []byte) (model.WebhookOutcome, error)
	calls    int
}

func (m *mockWebhookProcessor) HandleWebhook(ctx context.Context, ev *video.WebhookEvent, payload []byte) (model.WebhookOutcome, error) {
	m.calls++
	if m.handleFn != nil {
		return m.handleFn(ctx, ev, payload)
	}
	return model.WebhookApplied, nil
}

// mockOverviewService はOverviewServiceInterfaceのモック実装。
type mockOverviewService struct {
	overviewFn func(ctx context.Context, lobbyName string, since time.Time) (*lobby.Overview, error)
}

func (m *mockOverviewService) Overview(ctx context.Context, lobbyName string, since time.Time) (*lobby.Overview, error) {
	if m.overviewFn != nil {
		return m.overviewFn(ctx, lobbyName, since)
	}
	return nil, nil
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
// key, valueの組を順に渡す。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeJSON はレスポンスボディを任意の型にデコードするヘルパー。
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
