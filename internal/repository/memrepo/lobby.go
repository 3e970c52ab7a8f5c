package memrepo

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/repository"
)

// LobbyRepo はインメモリのロビーリポジトリ。
type LobbyRepo struct{ s *Store }

func (r *LobbyRepo) FindByName(_ context.Context, name string) (*model.Lobby, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.lobbies {
		if l.Name == name {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *LobbyRepo) FindByID(_ context.Context, id string) (*model.Lobby, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l, ok := r.s.lobbies[id]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (r *LobbyRepo) ListAll(_ context.Context) ([]*model.Lobby, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	lobbies := make([]*model.Lobby, 0, len(r.s.lobbies))
	for _, l := range r.s.lobbies {
		cp := *l
		lobbies = append(lobbies, &cp)
	}
	sort.Slice(lobbies, func(i, j int) bool { return lobbies[i].Name < lobbies[j].Name })
	return lobbies, nil
}

func (r *LobbyRepo) Upsert(_ context.Context, lobby *model.Lobby) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.lobbies {
		if l.Name == lobby.Name {
			lobby.ID = l.ID
			lobby.CreatedAt = l.CreatedAt
			cp := *lobby
			r.s.lobbies[l.ID] = &cp
			return nil
		}
	}
	if lobby.ID == "" {
		lobby.ID = uuid.New().String()
	}
	lobby.CreatedAt = time.Now()
	cp := *lobby
	r.s.lobbies[lobby.ID] = &cp
	return nil
}

// MembershipRepo はインメモリのメンバーシップリポジトリ。
type MembershipRepo struct{ s *Store }

func (r *MembershipRepo) Activate(_ context.Context, lobbyID, userID string, now time.Time) (*model.Membership, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := memberKey{lobbyID, userID}
	m, ok := r.s.memberships[key]
	if !ok {
		m = &model.Membership{
			ID:        uuid.New().String(),
			LobbyID:   lobbyID,
			UserID:    userID,
			JoinedAt:  now,
			CreatedAt: now,
		}
		r.s.memberships[key] = m
	}
	wasActive := ok && m.Active
	if !wasActive {
		m.JoinedAt = now
	}
	m.Active = true
	m.LastHeartbeat = now
	m.UpdatedAt = now
	cp := *m
	return &cp, wasActive, nil
}

func (r *MembershipRepo) FindActive(_ context.Context, lobbyID, userID string) (*model.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m, ok := r.s.memberships[memberKey{lobbyID, userID}]; ok && m.Active {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *MembershipRepo) Deactivate(_ context.Context, lobbyID, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.memberships[memberKey{lobbyID, userID}]
	if !ok || !m.Active {
		return false, nil
	}
	m.Active = false
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *MembershipRepo) Touch(_ context.Context, lobbyID, userID string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.memberships[memberKey{lobbyID, userID}]
	if !ok || !m.Active {
		return false, nil
	}
	m.LastHeartbeat = now
	m.UpdatedAt = now
	return true, nil
}

func (r *MembershipRepo) ListEligible(_ context.Context, lobbyID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var userIDs []string
	for _, m := range r.s.activeMembers(lobbyID) {
		if _, held := r.s.slots[memberKey{lobbyID, m.UserID}]; !held {
			userIDs = append(userIDs, m.UserID)
		}
	}
	return userIDs, nil
}

func (r *MembershipRepo) ListActive(_ context.Context, lobbyID string) ([]*model.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	members := r.s.activeMembers(lobbyID)
	result := make([]*model.Membership, 0, len(members))
	for _, m := range members {
		cp := *m
		result = append(result, &cp)
	}
	return result, nil
}

func (r *MembershipRepo) DeactivateStale(_ context.Context, lobbyID string, cutoff time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var userIDs []string
	for _, m := range r.s.activeMembers(lobbyID) {
		if m.LastHeartbeat.Before(cutoff) {
			m.Active = false
			m.UpdatedAt = time.Now()
			userIDs = append(userIDs, m.UserID)
		}
	}
	return userIDs, nil
}

// activeMembers はロビーのアクティブメンバーを参加順で返す。mu保持中に呼ぶこと。
func (s *Store) activeMembers(lobbyID string) []*model.Membership {
	var members []*model.Membership
	for _, m := range s.memberships {
		if m.LobbyID == lobbyID && m.Active {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserID < members[j].UserID
	})
	return members
}

var (
	_ repository.LobbyRepository      = (*LobbyRepo)(nil)
	_ repository.MembershipRepository = (*MembershipRepo)(nil)
)
