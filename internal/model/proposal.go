package model

import "time"

// ProposalState はマッチ提案の状態を表す。
type ProposalState string

const (
	ProposalPending  ProposalState = "pending"
	ProposalAccepted ProposalState = "accepted"
	ProposalRejected ProposalState = "rejected"
	ProposalExpired  ProposalState = "expired"
)

// MatchProposal は相互承諾待ちのペアリングを表す。
// both_accepted、both_requested_tokenは一度trueになると戻らない。
type MatchProposal struct {
	ID                 string
	LobbyID            string
	UserAID            string
	UserBID            string
	AcceptedA          bool
	AcceptedB          bool
	Rejected           bool
	Expired            bool
	BothAccepted       bool
	RequestedTokenA    bool
	RequestedTokenB    bool
	BothRequestedToken bool
	InSession          bool
	Finished           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ClosedAt           *time.Time
}

// State は各フラグから導出される状態を返す。
func (p *MatchProposal) State() ProposalState {
	switch {
	case p.Rejected:
		return ProposalRejected
	case p.Expired:
		return ProposalExpired
	case p.BothAccepted:
		return ProposalAccepted
	default:
		return ProposalPending
	}
}

// IsProcessed は提案が終端状態（承諾済み・拒否・期限切れ）かどうかを返す。
func (p *MatchProposal) IsProcessed() bool {
	return p.State() != ProposalPending
}

// IsEngaged は双方承諾済みで通話がまだ終了していないかどうかを返す。
func (p *MatchProposal) IsEngaged() bool {
	return p.BothAccepted && !p.Rejected && !p.Expired && !p.Finished
}

// HasParticipant はユーザーが提案の当事者かどうかを返す。
func (p *MatchProposal) HasParticipant(userID string) bool {
	return p.UserAID == userID || p.UserBID == userID
}

// PartnerOf は指定ユーザーの相手のユーザーIDを返す。当事者でない場合は空文字列を返す。
func (p *MatchProposal) PartnerOf(userID string) string {
	switch userID {
	case p.UserAID:
		return p.UserBID
	case p.UserBID:
		return p.UserAID
	default:
		return ""
	}
}

// AcceptedBy は指定ユーザーが承諾済みかどうかを返す。
func (p *MatchProposal) AcceptedBy(userID string) bool {
	if userID == p.UserAID {
		return p.AcceptedA
	}
	return userID == p.UserBID && p.AcceptedB
}

// ProposalSide は提案の当事者側（A/B）を表す。
type ProposalSide string

const (
	SideA ProposalSide = "a"
	SideB ProposalSide = "b"
)

// SideOf は指定ユーザーの当事者側を返す。当事者でない場合はfalseを返す。
func (p *MatchProposal) SideOf(userID string) (ProposalSide, bool) {
	switch userID {
	case p.UserAID:
		return SideA, true
	case p.UserBID:
		return SideB, true
	default:
		return "", false
	}
}
