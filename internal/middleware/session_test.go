package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
)

// --- モック定義 ---

type mockSessionRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.AuthSession, error)
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.AuthSession, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

type mockProfileRepository struct {
	findByUserIDFn func(ctx context.Context, userID string) (*model.Profile, error)
}

func (m *mockProfileRepository) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	if m.findByUserIDFn != nil {
		return m.findByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func validSessionRepo(id, userID string) *mockSessionRepository {
	return &mockSessionRepository{
		findByIDFn: func(ctx context.Context, got string) (*model.AuthSession, error) {
			if got == id {
				return &model.AuthSession{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
			}
			return nil, nil
		},
	}
}

// --- テスト ---

func TestSessionMiddleware_Cookie_InjectsUserID(t *testing.T) {
	mw := NewSessionMiddleware(validSessionRepo("valid-session-id", "user-123"))

	var capturedUserID string
	var bearer bool
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		capturedUserID = userID
		bearer = isBearerAuth(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session-id"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
	if bearer {
		t.Error("Cookie認証でbearer=trueになりました")
	}
}

func TestSessionMiddleware_BearerToken_InjectsUserID(t *testing.T) {
	mw := NewSessionMiddleware(validSessionRepo("mobile-session", "user-456"))

	var capturedUserID string
	var bearer bool
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID, _ = UserIDFromContext(r.Context())
		bearer = isBearerAuth(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/test", nil)
	req.Header.Set("Authorization", "Bearer mobile-session")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if capturedUserID != "user-456" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-456")
	}
	if !bearer {
		t.Error("Bearer認証でbearer=falseになりました")
	}
}

func TestSessionMiddleware_Returns401(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		repo  *mockSessionRepository
	}{
		{
			name:  "認証情報なし",
			setup: func(r *http.Request) {},
			repo:  &mockSessionRepository{},
		},
		{
			name:  "無効なセッション",
			setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session_id", Value: "expired"}) },
			repo:  &mockSessionRepository{},
		},
		{
			name:  "Bearer以外のAuthorization",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwYXNz") },
			repo:  validSessionRepo("dXNlcjpwYXNz", "user-1"),
		},
		{
			name:  "リポジトリエラー",
			setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session_id", Value: "any"}) },
			repo: &mockSessionRepository{
				findByIDFn: func(ctx context.Context, id string) (*model.AuthSession, error) {
					return nil, errors.New("db down")
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSessionMiddleware(tt.repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Result().StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
	ctx := ContextWithUserID(context.Background(), "user-1")
	if got, err := UserIDFromContext(ctx); err != nil || got != "user-1" {
		t.Errorf("UserIDFromContext() = %q, %v", got, err)
	}
}

func TestStaffMiddleware(t *testing.T) {
	profiles := &mockProfileRepository{
		findByUserIDFn: func(ctx context.Context, userID string) (*model.Profile, error) {
			switch userID {
			case "staff":
				return &model.Profile{UserID: userID, IsStaff: true}, nil
			case "member":
				return &model.Profile{UserID: userID}, nil
			case "broken":
				return nil, errors.New("db down")
			}
			return nil, nil
		},
	}

	tests := []struct {
		userID     string
		wantStatus int
	}{
		{"staff", http.StatusOK},
		{"member", http.StatusForbidden},
		{"unknown", http.StatusForbidden},
		{"broken", http.StatusInternalServerError},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			handler := NewStaffMiddleware(profiles)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/admin/lobbies/default", nil)
			if tt.userID != "" {
				req = req.WithContext(ContextWithUserID(req.Context(), tt.userID))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Result().StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}
