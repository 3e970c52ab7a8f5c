package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/callmatch/internal/callaccess"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/proposal"
)

// MatchServiceInterface はマッチ提案の承諾・拒否に必要なサービスインターフェース。
type MatchServiceInterface interface {
	Accept(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error)
	Reject(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error)
	Status(ctx context.Context, lobbyName, userID string) (*proposal.Status, error)
}

// CallAccessInterface は通話ルームの参加トークン発行に必要なインターフェース。
type CallAccessInterface interface {
	Authenticate(ctx context.Context, lobbyName, proposalID, userID string) (*callaccess.Access, error)
}

// MatchHandler はマッチ提案とルーム参加のHTTPハンドラー。
type MatchHandler struct {
	service MatchServiceInterface
	access  CallAccessInterface
}

// NewMatchHandler はMatchHandlerを生成する。
func NewMatchHandler(service MatchServiceInterface, access CallAccessInterface) *MatchHandler {
	return &MatchHandler{service: service, access: access}
}

// matchStatusResponse は呼び出し元の現在の提案のAPIレスポンス。
type matchStatusResponse struct {
	Proposal *proposalResponse `json:"proposal"`
	Partner  *profileResponse  `json:"partner"`
}

// roomAuthenticateResponse はルーム参加情報のAPIレスポンス。
type roomAuthenticateResponse struct {
	Token     string `json:"token"`
	ServerURL string `json:"server_url"`
	Chat      string `json:"chat"`
	Room      string `json:"room"`
	MatchID   string `json:"match_id"`
}

// Current は呼び出し元の現在の提案を返す。
// GET /lobby/{name}/match
func (h *MatchHandler) Current(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	st, err := h.service.Status(r.Context(), chi.URLParam(r, "name"), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, matchStatusResponse{
		Proposal: toProposalResponse(st.Proposal, userID),
		Partner:  toProfileResponse(st.Partner),
	})
}

// Accept は提案の承諾を処理する。
// POST /lobby/{name}/match/{id}/accept
func (h *MatchHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Accept)
}

// Reject は提案の拒否を処理する。
// POST /lobby/{name}/match/{id}/reject
func (h *MatchHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Reject)
}

func (h *MatchHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, lobbyName, proposalID, userID string) (*model.MatchProposal, error),
) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	p, err := fn(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toProposalResponse(p, userID))
}

// RoomAuthenticate はトークン要求を記録し、通話ルームへの参加情報を返す。
// POST /lobby/{name}/match/{id}/room_authenticate
func (h *MatchHandler) RoomAuthenticate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	access, err := h.access.Authenticate(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, roomAuthenticateResponse{
		Token:     access.Token,
		ServerURL: access.ServerURL,
		Chat:      access.ChatID,
		Room:      access.RoomName,
		MatchID:   access.MatchID,
	})
}
