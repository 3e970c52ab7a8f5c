package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/callmatch/internal/lobby"
	"github.com/hitoshi/callmatch/internal/model"
)

func TestLobbyHandler_Join_Success(t *testing.T) {
	joinedAt := time.Date(2026, 5, 10, 20, 0, 0, 0, time.UTC)
	svc := &mockLobbyService{
		joinFn: func(ctx context.Context, lobbyName, userID string) (*lobby.JoinResult, error) {
			if lobbyName != "evening" {
				t.Errorf("lobbyName = %q, want %q", lobbyName, "evening")
			}
			if userID != "user-1" {
				t.Errorf("userID = %q, want %q", userID, "user-1")
			}
			return &lobby.JoinResult{
				AlreadyActive: true,
				Membership:    &model.Membership{JoinedAt: joinedAt},
			}, nil
		},
	}
	h := NewLobbyHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/lobby/evening/join", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "name", "evening")
	w := httptest.NewRecorder()

	h.Join(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body joinResponse
	decodeJSON(t, w, &body)
	if body.Lobby != "evening" || !body.AlreadyActive || !body.JoinedAt.Equal(joinedAt) {
		t.Errorf("body = %+v", body)
	}
}

func TestLobbyHandler_Join_NoUserID_ReturnsUnauthorized(t *testing.T) {
	called := false
	h := NewLobbyHandler(&mockLobbyService{
		joinFn: func(ctx context.Context, lobbyName, userID string) (*lobby.JoinResult, error) {
			called = true
			return nil, nil
		},
	})

	req := withChiURLParams(httptest.NewRequest(http.MethodPost, "/lobby/evening/join", nil), "name", "evening")
	w := httptest.NewRecorder()

	h.Join(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if called {
		t.Error("サービスが呼ばれてはいけない")
	}
}

func TestLobbyHandler_Join_ServiceErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"ロビーが存在しない", model.NewLobbyNotFoundError("evening"), http.StatusNotFound, model.ErrCodeLobbyNotFound},
		{"受付時間外", model.NewLobbyInactiveError("evening"), http.StatusConflict, model.ErrCodeLobbyInactive},
		{"内部エラー", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewLobbyHandler(&mockLobbyService{
				joinFn: func(ctx context.Context, lobbyName, userID string) (*lobby.JoinResult, error) {
					return nil, tt.err
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/lobby/evening/join", nil)
			req = withChiURLParams(withUserID(req, "user-1"), "name", "evening")
			w := httptest.NewRecorder()

			h.Join(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			body := parseAPIErrorResponse(t, w)
			if body["code"] != tt.wantBody {
				t.Errorf("code = %q, want %q", body["code"], tt.wantBody)
			}
			if body["message"] == "" || body["category"] == "" || body["action"] == "" {
				t.Errorf("エラーレスポンスに空のフィールドがある: %v", body)
			}
		})
	}
}

func TestLobbyHandler_Exit(t *testing.T) {
	var gotLobby, gotUser string
	h := NewLobbyHandler(&mockLobbyService{
		exitFn: func(ctx context.Context, lobbyName, userID string) error {
			gotLobby, gotUser = lobbyName, userID
			return nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/lobby/evening/exit", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "name", "evening")
	w := httptest.NewRecorder()

	h.Exit(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotLobby != "evening" || gotUser != "user-1" {
		t.Errorf("Exit(%q, %q), want (evening, user-1)", gotLobby, gotUser)
	}
}

func TestLobbyHandler_Exit_NotInLobby_ReturnsConflict(t *testing.T) {
	h := NewLobbyHandler(&mockLobbyService{
		exitFn: func(ctx context.Context, lobbyName, userID string) error {
			return model.NewNotInLobbyError()
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/lobby/evening/exit", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "name", "evening")
	w := httptest.NewRecorder()

	h.Exit(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeNotInLobby {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeNotInLobby)
	}
}

func TestLobbyHandler_Heartbeat(t *testing.T) {
	h := NewLobbyHandler(&mockLobbyService{})

	req := httptest.NewRequest(http.MethodPost, "/lobby/evening/heartbeat", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "name", "evening")
	w := httptest.NewRecorder()

	h.Heartbeat(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestLobbyHandler_Status_WithProposalAndSession(t *testing.T) {
	now := time.Date(2026, 5, 10, 20, 30, 0, 0, time.UTC)
	svc := &mockLobbyService{
		statusFn: func(ctx context.Context, lobbyName, userID string) (*lobby.Status, error) {
			return &lobby.Status{
				Lobby: &model.Lobby{
					Name:      "evening",
					StartTime: now.Add(-time.Hour),
					EndTime:   now.Add(time.Hour),
				},
				Membership: &model.Membership{LastHeartbeat: now},
				Proposal: &model.MatchProposal{
					ID:        "p-1",
					UserAID:   "user-1",
					UserBID:   "user-2",
					AcceptedB: true,
				},
				Partner: &model.Profile{UserID: "user-2", Hash: "h2", DisplayName: "Bob"},
				Session: &model.CallSession{ID: "s-1", UserAID: "user-1", UserBID: "user-2", BActive: true},
			}, nil
		},
	}
	h := NewLobbyHandler(svc)
	h.now = func() time.Time { return now }

	req := httptest.NewRequest(http.MethodGet, "/lobby/evening/status", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "name", "evening")
	w := httptest.NewRecorder()

	h.Status(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Lobby    lobbyResponse          `json:"lobby"`
		Proposal *proposalResponse      `json:"proposal"`
		Partner  map[string]interface{} `json:"partner"`
		Session  *sessionResponse       `json:"session"`
	}
	decodeJSON(t, w, &body)

	if !body.Lobby.Open {
		t.Error("lobby.open = false, want true")
	}
	if body.Proposal == nil || body.Proposal.ID != "p-1" || body.Proposal.State != "pending" {
		t.Fatalf("proposal = %+v", body.Proposal)
	}
	if body.Proposal.AcceptedByMe || !body.Proposal.AcceptedByPartner {
		t.Errorf("accepted_by_me=%v accepted_by_partner=%v, want false/true",
			body.Proposal.AcceptedByMe, body.Proposal.AcceptedByPartner)
	}
	if body.Partner["display_name"] != "Bob" || body.Partner["hash"] != "h2" {
		t.Errorf("partner = %v", body.Partner)
	}
	if _, ok := body.Partner["user_id"]; ok {
		t.Error("相手の内部ユーザーIDを返してはいけない")
	}
	if body.Session == nil || !body.Session.PartnerOnline {
		t.Errorf("session = %+v, want partner_online", body.Session)
	}
}

func TestLobbyHandler_Status_NoProposal_ReturnsNulls(t *testing.T) {
	svc := &mockLobbyService{
		statusFn: func(ctx context.Context, lobbyName, userID string) (*lobby.Status, error) {
			return &lobby.Status{
				Lobby:      &model.Lobby{Name: "evening"},
				Membership: &model.Membership{},
			}, nil
		},
	}
	h := NewLobbyHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/lobby/evening/status", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "name", "evening")
	w := httptest.NewRecorder()

	h.Status(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]interface{}
	decodeJSON(t, w, &body)
	for _, key := range []string{"proposal", "partner", "session"} {
		v, ok := body[key]
		if !ok || v != nil {
			t.Errorf("%s = %v, want null", key, v)
		}
	}
}
