package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/callmatch/internal/lobby"
)

// LobbyServiceInterface はロビーハンドラーが必要とするサービスインターフェース。
type LobbyServiceInterface interface {
	// Join はユーザーをロビーに参加させる。
	Join(ctx context.Context, lobbyName, userID string) (*lobby.JoinResult, error)
	// Exit はユーザーをロビーから退出させる。
	Exit(ctx context.Context, lobbyName, userID string) error
	// Heartbeat は在席状態を更新する。
	Heartbeat(ctx context.Context, lobbyName, userID string) error
	// Status はユーザーのロビー内での現在の状態を返す。
	Status(ctx context.Context, lobbyName, userID string) (*lobby.Status, error)
}

// LobbyHandler はロビー参加・退出・状態取得のHTTPハンドラー。
type LobbyHandler struct {
	service LobbyServiceInterface
	now     func() time.Time
}

// NewLobbyHandler はLobbyHandlerを生成する。
func NewLobbyHandler(service LobbyServiceInterface) *LobbyHandler {
	return &LobbyHandler{service: service, now: time.Now}
}

// joinResponse はロビー参加のAPIレスポンス。
type joinResponse struct {
	Lobby         string    `json:"lobby"`
	AlreadyActive bool      `json:"already_active"`
	JoinedAt      time.Time `json:"joined_at"`
}

// statusResponse はロビー内状態のAPIレスポンス。
type statusResponse struct {
	Lobby         lobbyResponse     `json:"lobby"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Proposal      *proposalResponse `json:"proposal"`
	Partner       *profileResponse  `json:"partner"`
	Session       *sessionResponse  `json:"session"`
}

// Join はロビー参加を処理する。
// POST /lobby/{name}/join
func (h *LobbyHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	res, err := h.service.Join(r.Context(), name, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, joinResponse{
		Lobby:         name,
		AlreadyActive: res.AlreadyActive,
		JoinedAt:      res.Membership.JoinedAt,
	})
}

// Exit はロビー退出を処理する。
// POST /lobby/{name}/exit
func (h *LobbyHandler) Exit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Exit(r.Context(), chi.URLParam(r, "name"), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat は在席状態の更新を処理する。
// POST /lobby/{name}/heartbeat
func (h *LobbyHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Heartbeat(r.Context(), chi.URLParam(r, "name"), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status はロビー内状態の取得を処理する。
// GET /lobby/{name}/status
func (h *LobbyHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	st, err := h.service.Status(r.Context(), chi.URLParam(r, "name"), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Lobby:         toLobbyResponse(st.Lobby, h.now()),
		LastHeartbeat: st.Membership.LastHeartbeat,
		Proposal:      toProposalResponse(st.Proposal, userID),
		Partner:       toProfileResponse(st.Partner),
		Session:       toSessionResponse(st.Session, userID),
	})
}
