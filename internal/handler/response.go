package handler

import (
	"time"

	"github.com/hitoshi/callmatch/internal/model"
)

// lobbyResponse はロビー情報のAPIレスポンス。
type lobbyResponse struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Open      bool      `json:"open"`
}

// proposalResponse はマッチ提案のAPIレスポンス。
// accepted_by_me / accepted_by_partner は呼び出し元から見た承諾状態。
type proposalResponse struct {
	ID                string     `json:"id"`
	State             string     `json:"state"`
	AcceptedByMe      bool       `json:"accepted_by_me"`
	AcceptedByPartner bool       `json:"accepted_by_partner"`
	BothAccepted      bool       `json:"both_accepted"`
	InSession         bool       `json:"in_session"`
	Finished          bool       `json:"finished"`
	CreatedAt         time.Time  `json:"created_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

// profileResponse は相手の公開プロフィール。内部のユーザーIDは含めない。
type profileResponse struct {
	Hash        string `json:"hash"`
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url"`
	Bio         string `json:"bio"`
}

// sessionResponse は通話セッションのスナップショット。
type sessionResponse struct {
	ID                 string    `json:"id"`
	PartnerOnline      bool      `json:"partner_online"`
	BothHaveBeenActive bool      `json:"both_have_been_active"`
	StartTime          time.Time `json:"start_time"`
}

func toLobbyResponse(l *model.Lobby, now time.Time) lobbyResponse {
	return lobbyResponse{
		Name:      l.Name,
		StartTime: l.StartTime,
		EndTime:   l.EndTime,
		Open:      l.IsActive(now),
	}
}

func toProposalResponse(p *model.MatchProposal, userID string) *proposalResponse {
	if p == nil {
		return nil
	}
	return &proposalResponse{
		ID:                p.ID,
		State:             string(p.State()),
		AcceptedByMe:      p.AcceptedBy(userID),
		AcceptedByPartner: p.AcceptedBy(p.PartnerOf(userID)),
		BothAccepted:      p.BothAccepted,
		InSession:         p.InSession,
		Finished:          p.Finished,
		CreatedAt:         p.CreatedAt,
		ClosedAt:          p.ClosedAt,
	}
}

func toProfileResponse(p *model.Profile) *profileResponse {
	if p == nil {
		return nil
	}
	return &profileResponse{
		Hash:        p.Hash,
		DisplayName: p.DisplayName,
		ImageURL:    p.ImageURL,
		Bio:         p.Bio,
	}
}

func toSessionResponse(s *model.CallSession, userID string) *sessionResponse {
	if s == nil {
		return nil
	}
	return &sessionResponse{
		ID:                 s.ID,
		PartnerOnline:      s.IsParticipantActive(s.PartnerOf(userID)),
		BothHaveBeenActive: s.BothHaveBeenActive,
		StartTime:          s.StartTime,
	}
}
