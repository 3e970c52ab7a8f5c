package memrepo

import (
	"context"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/repository"
)

// ProfileRepo はインメモリのプロフィールリポジトリ。
type ProfileRepo struct{ s *Store }

func (r *ProfileRepo) FindByUserID(_ context.Context, userID string) (*model.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.profiles[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *ProfileRepo) FindByHash(_ context.Context, hash string) (*model.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.profiles {
		if p.Hash == hash {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ProfileRepo) FindByUserIDs(_ context.Context, userIDs []string) (map[string]*model.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	result := make(map[string]*model.Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := r.s.profiles[id]; ok {
			cp := *p
			result[id] = &cp
		}
	}
	return result, nil
}

// AuthSessionRepo はインメモリの認証セッションリポジトリ。
type AuthSessionRepo struct{ s *Store }

func (r *AuthSessionRepo) FindByID(_ context.Context, id string) (*model.AuthSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.authSessions[id]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// ChatRepo はインメモリのチャットリポジトリ。
type ChatRepo struct{ s *Store }

func (r *ChatRepo) FindChatID(_ context.Context, userA, userB string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.chats[newPairKey(userA, userB)], nil
}

// InteractionRepo はインメモリのインタラクションリポジトリ。
type InteractionRepo struct{ s *Store }

func (r *InteractionRepo) RecordCompletedCall(_ context.Context, userA, userB string, duration time.Duration, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := newPairKey(userA, userB)
	in, ok := r.s.interactions[key]
	if !ok {
		in = &Interaction{}
		r.s.interactions[key] = in
	}
	in.CallsCompleted++
	in.TotalDuration += duration.Truncate(time.Second)
	in.LastCallAt = at
	return nil
}

var (
	_ repository.ProfileRepository     = (*ProfileRepo)(nil)
	_ repository.AuthSessionRepository = (*AuthSessionRepo)(nil)
	_ repository.ChatRepository        = (*ChatRepo)(nil)
	_ repository.InteractionRepository = (*InteractionRepo)(nil)
)
