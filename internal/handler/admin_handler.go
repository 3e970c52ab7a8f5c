package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/callmatch/internal/lobby"
	"github.com/hitoshi/callmatch/internal/model"
)

// defaultOverviewWindow はsince未指定時に集計対象とする期間。
const defaultOverviewWindow = 24 * time.Hour

// OverviewServiceInterface は管理画面向け集計に必要なサービスインターフェース。
type OverviewServiceInterface interface {
	Overview(ctx context.Context, lobbyName string, since time.Time) (*lobby.Overview, error)
}

// AdminHandler はスタッフ向けのHTTPハンドラー。
type AdminHandler struct {
	service OverviewServiceInterface
	now     func() time.Time
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service OverviewServiceInterface) *AdminHandler {
	return &AdminHandler{service: service, now: time.Now}
}

type overviewMember struct {
	UserID        string    `json:"user_id"`
	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type overviewProposal struct {
	ID        string     `json:"id"`
	UserAID   string     `json:"user_a_id"`
	UserBID   string     `json:"user_b_id"`
	AcceptedA bool       `json:"accepted_a"`
	AcceptedB bool       `json:"accepted_b"`
	InSession bool       `json:"in_session"`
	Finished  bool       `json:"finished"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// overviewResponse はロビー集計のAPIレスポンス。
type overviewResponse struct {
	Lobby     lobbyResponse                 `json:"lobby"`
	Since     time.Time                     `json:"since"`
	Members   []overviewMember              `json:"members"`
	Proposals map[string][]overviewProposal `json:"proposals"`
}

// Overview はロビーのアクティブメンバーと提案を状態別に返す。
// GET /admin/lobby/{name}/overview?since=RFC3339
func (h *AdminHandler) Overview(w http.ResponseWriter, r *http.Request) {
	since := h.now().Add(-defaultOverviewWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_REQUEST",
				Message:  "sinceの形式が不正です。",
				Category: "validation",
				Action:   "RFC3339形式で指定してください。",
			})
			return
		}
		since = t
	}

	ov, err := h.service.Overview(r.Context(), chi.URLParam(r, "name"), since)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := overviewResponse{
		Lobby:     lobbyResponse{Name: ov.Lobby.Name, StartTime: ov.Lobby.StartTime, EndTime: ov.Lobby.EndTime, Open: ov.Open},
		Since:     since,
		Members:   make([]overviewMember, 0, len(ov.Members)),
		Proposals: make(map[string][]overviewProposal, len(ov.Proposals)),
	}
	for _, m := range ov.Members {
		resp.Members = append(resp.Members, overviewMember{
			UserID:        m.UserID,
			JoinedAt:      m.JoinedAt,
			LastHeartbeat: m.LastHeartbeat,
		})
	}
	for state, ps := range ov.Proposals {
		list := make([]overviewProposal, 0, len(ps))
		for _, p := range ps {
			list = append(list, overviewProposal{
				ID:        p.ID,
				UserAID:   p.UserAID,
				UserBID:   p.UserBID,
				AcceptedA: p.AcceptedA,
				AcceptedB: p.AcceptedB,
				InSession: p.InSession,
				Finished:  p.Finished,
				CreatedAt: p.CreatedAt,
				ClosedAt:  p.ClosedAt,
			})
		}
		resp.Proposals[string(state)] = list
	}

	writeJSON(w, http.StatusOK, resp)
}
