package memrepo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/repository"
)

// ProposalRepo はインメモリのマッチ提案リポジトリ。
// すべての更新はStoreのロック下で期待値を確認してから行う。
type ProposalRepo struct{ s *Store }

func isPending(p *model.MatchProposal) bool {
	return !p.Rejected && !p.Expired && !p.BothAccepted
}

func (r *ProposalRepo) CreateWithSlots(_ context.Context, p *model.MatchProposal) error {
	if p.UserAID == p.UserBID {
		return fmt.Errorf("同一ユーザー同士の提案は作成できません: %s", p.UserAID)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	keyA := memberKey{p.LobbyID, p.UserAID}
	keyB := memberKey{p.LobbyID, p.UserBID}
	if _, held := r.s.slots[keyA]; held {
		return repository.ErrSlotTaken
	}
	if _, held := r.s.slots[keyB]; held {
		return repository.ErrSlotTaken
	}
	p.UpdatedAt = p.CreatedAt
	cp := *p
	r.s.proposals[p.ID] = &cp
	r.s.slots[keyA] = p.ID
	r.s.slots[keyB] = p.ID
	return nil
}

func (r *ProposalRepo) FindByID(_ context.Context, id string) (*model.MatchProposal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.proposals[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *ProposalRepo) FindCurrentForUser(_ context.Context, lobbyID, userID string) (*model.MatchProposal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.slots[memberKey{lobbyID, userID}]
	if !ok {
		return nil, nil
	}
	cp := *r.s.proposals[id]
	return &cp, nil
}

func (r *ProposalRepo) HasOpenBetween(_ context.Context, lobbyID, userA, userB string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.proposals {
		if p.LobbyID != lobbyID || !p.HasParticipant(userA) || p.PartnerOf(userA) != userB {
			continue
		}
		if isPending(p) || p.IsEngaged() {
			return true, nil
		}
	}
	return false, nil
}

func (r *ProposalRepo) SetAccepted(_ context.Context, id string, side model.ProposalSide) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.proposals[id]
	if !ok || !isPending(p) {
		return false, nil
	}
	switch side {
	case model.SideA:
		p.AcceptedA = true
	case model.SideB:
		p.AcceptedB = true
	default:
		return false, fmt.Errorf("不正な当事者側です: %q", side)
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (r *ProposalRepo) MarkBothAccepted(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.proposals[id]
	if !ok || !isPending(p) || !p.AcceptedA || !p.AcceptedB {
		return false, nil
	}
	p.BothAccepted = true
	p.UpdatedAt = time.Now()
	return true, nil
}

func (r *ProposalRepo) Reject(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.proposals[id]
	if !ok || !isPending(p) {
		return false, nil
	}
	now := time.Now()
	p.Rejected = true
	p.ClosedAt = &now
	p.UpdatedAt = now
	r.s.releaseSlots(p.ID)
	return true, nil
}

func (r *ProposalRepo) ReleaseForUser(_ context.Context, lobbyID, userID string) ([]*model.MatchProposal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	var released []*model.MatchProposal
	for _, p := range r.s.proposals {
		if p.LobbyID != lobbyID || !p.HasParticipant(userID) {
			continue
		}
		switch {
		case isPending(p):
			p.Rejected = true
		case p.IsEngaged():
			p.Finished = true
		default:
			continue
		}
		if p.ClosedAt == nil {
			p.ClosedAt = &now
		}
		p.UpdatedAt = now
		r.s.releaseSlots(p.ID)
		cp := *p
		released = append(released, &cp)
	}
	delete(r.s.slots, memberKey{lobbyID, userID})
	return released, nil
}

func (r *ProposalRepo) ExpireStale(_ context.Context, lobbyID string, pendingCutoff, engagedCutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	var count int64
	for _, p := range r.s.proposals {
		if lobbyID != "" && p.LobbyID != lobbyID {
			continue
		}
		stalePending := isPending(p) && p.CreatedAt.Before(pendingCutoff)
		staleEngaged := p.IsEngaged() && !p.InSession && p.UpdatedAt.Before(engagedCutoff)
		if !stalePending && !staleEngaged {
			continue
		}
		p.Expired = true
		p.ClosedAt = &now
		p.UpdatedAt = now
		r.s.releaseSlots(p.ID)
		count++
	}
	return count, nil
}

func (r *ProposalRepo) RequestToken(_ context.Context, id string, side model.ProposalSide) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.tokenConflicts > 0 {
		r.s.tokenConflicts--
		return false, repository.ErrWriteConflict
	}
	p, ok := r.s.proposals[id]
	if !ok {
		return false, nil
	}
	switch side {
	case model.SideA:
		p.RequestedTokenA = true
	case model.SideB:
		p.RequestedTokenB = true
	default:
		return false, fmt.Errorf("不正な当事者側です: %q", side)
	}
	p.UpdatedAt = time.Now()
	if p.RequestedTokenA && p.RequestedTokenB && !p.BothRequestedToken {
		p.BothRequestedToken = true
		return true, nil
	}
	return false, nil
}

func (r *ProposalRepo) MarkInSession(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.proposals[id]; ok && !p.InSession {
		p.InSession = true
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (r *ProposalRepo) Finish(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.proposals[id]
	if !ok {
		return nil
	}
	now := time.Now()
	p.Finished = true
	if p.ClosedAt == nil {
		p.ClosedAt = &now
	}
	p.UpdatedAt = now
	r.s.releaseSlots(p.ID)
	return nil
}

func (r *ProposalRepo) FindLatestEngagedBetween(_ context.Context, userA, userB string) (*model.MatchProposal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *model.MatchProposal
	for _, p := range r.s.proposals {
		if !p.HasParticipant(userA) || p.PartnerOf(userA) != userB || !p.IsEngaged() {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *ProposalRepo) ListByLobby(_ context.Context, lobbyID string, since time.Time) ([]*model.MatchProposal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.MatchProposal
	for _, p := range r.s.proposals {
		if p.LobbyID == lobbyID && !p.CreatedAt.Before(since) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// releaseSlots は提案が保持しているスロットを解放する。mu保持中に呼ぶこと。
func (s *Store) releaseSlots(proposalID string) {
	for key, id := range s.slots {
		if id == proposalID {
			delete(s.slots, key)
		}
	}
}

var _ repository.ProposalRepository = (*ProposalRepo)(nil)
