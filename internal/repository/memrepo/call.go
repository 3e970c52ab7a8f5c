package memrepo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/repository"
)

// RoomRepo はインメモリのルームリポジトリ。
type RoomRepo struct{ s *Store }

func (r *RoomRepo) FindOrCreate(_ context.Context, userA, userB string) (*model.Room, error) {
	low, high := model.NormalizePair(userA, userB)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, room := range r.s.rooms {
		if room.UserLowID == low && room.UserHighID == high {
			cp := *room
			return &cp, nil
		}
	}
	id := uuid.New().String()
	room := &model.Room{ID: id, Name: id, UserLowID: low, UserHighID: high, CreatedAt: time.Now()}
	r.s.rooms[id] = room
	r.s.roomLocks[id] = &sync.Mutex{}
	cp := *room
	return &cp, nil
}

func (r *RoomRepo) FindByName(_ context.Context, name string) (*model.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, room := range r.s.rooms {
		if room.Name == name {
			cp := *room
			return &cp, nil
		}
	}
	return nil, nil
}

// Provision はルーム単位のロックでfnを直列化する。fnの実行中もStore全体はロックしない。
func (r *RoomRepo) Provision(ctx context.Context, roomID string, fn func(ctx context.Context, room *model.Room) error) (bool, error) {
	r.s.mu.Lock()
	lock, ok := r.s.roomLocks[roomID]
	r.s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("ルームが見つかりません: %s", roomID)
	}

	lock.Lock()
	defer lock.Unlock()

	r.s.mu.Lock()
	room := *r.s.rooms[roomID]
	r.s.mu.Unlock()
	if room.Provisioned {
		return false, nil
	}

	if err := fn(ctx, &room); err != nil {
		return true, err
	}

	r.s.mu.Lock()
	r.s.rooms[roomID].Provisioned = true
	r.s.mu.Unlock()
	return true, nil
}

// CallSessionRepo はインメモリの通話セッションリポジトリ。
type CallSessionRepo struct{ s *Store }

func (r *CallSessionRepo) WithActiveSession(_ context.Context, roomID string, newSession *model.CallSession, fn repository.SessionMutator) (*model.CallSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var current *model.CallSession
	for _, sess := range r.s.sessions {
		if sess.RoomID == roomID && sess.IsActive {
			current = sess
			break
		}
	}
	created := false
	if current == nil {
		if newSession == nil {
			return nil, nil
		}
		sess := *newSession
		sess.RoomID = roomID
		sess.IsActive = true
		sess.Version = 0
		current = &sess
		created = true
	}

	// トランザクションのロールバックと同じく、失敗時は変更を残さない
	working := *current
	changed, err := fn(&working)
	if err != nil {
		return nil, err
	}
	if changed {
		working.Version++
		*current = working
	}
	if created {
		r.s.sessions[current.ID] = current
	}
	cp := *current
	return &cp, nil
}

func (r *CallSessionRepo) LastClosedEndTime(_ context.Context, roomID string) (*time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var last *time.Time
	for _, sess := range r.s.sessions {
		if sess.RoomID != roomID || sess.IsActive || sess.EndTime == nil {
			continue
		}
		if last == nil || sess.EndTime.After(*last) {
			t := *sess.EndTime
			last = &t
		}
	}
	return last, nil
}

func (r *CallSessionRepo) FindActiveForUser(_ context.Context, userID string) (*model.CallSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *model.CallSession
	for _, sess := range r.s.sessions {
		if !sess.IsActive || (sess.UserAID != userID && sess.UserBID != userID) {
			continue
		}
		if latest == nil || sess.StartTime.After(latest.StartTime) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *CallSessionRepo) CloseForUser(_ context.Context, userID string, now time.Time) ([]*model.CallSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var closed []*model.CallSession
	for _, sess := range r.s.sessions {
		if !sess.IsActive || (sess.UserAID != userID && sess.UserBID != userID) {
			continue
		}
		end := now
		sess.AActive = false
		sess.BActive = false
		sess.IsActive = false
		sess.EndTime = &end
		sess.Version++
		cp := *sess
		closed = append(closed, &cp)
	}
	return closed, nil
}

// WebhookEventRepo はインメモリのWebhookイベントリポジトリ。
type WebhookEventRepo struct{ s *Store }

func (r *WebhookEventRepo) Create(_ context.Context, event *model.WebhookEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Outcome == "" {
		event.Outcome = model.WebhookPending
	}
	event.ReceivedAt = time.Now()
	cp := *event
	r.s.webhooks = append(r.s.webhooks, &cp)
	return nil
}

func (r *WebhookEventRepo) IsProcessed(_ context.Context, providerEventID, excludeID string) (bool, error) {
	if providerEventID == "" {
		return false, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.webhooks {
		if e.ProviderEventID != providerEventID || e.ID == excludeID {
			continue
		}
		switch e.Outcome {
		case model.WebhookApplied, model.WebhookStale, model.WebhookIgnored:
			return true, nil
		}
	}
	return false, nil
}

func (r *WebhookEventRepo) UpdateOutcome(_ context.Context, id string, outcome model.WebhookOutcome, sessionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.webhooks {
		if e.ID == id {
			e.Outcome = outcome
			e.SessionID = sessionID
			return nil
		}
	}
	return fmt.Errorf("Webhookイベントが見つかりません: %s", id)
}

func (r *WebhookEventRepo) LatestOccurredAt(_ context.Context, roomName, identity, event string) (*time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *time.Time
	for _, e := range r.s.webhooks {
		if e.RoomName != roomName || e.Identity != identity || e.Event != event {
			continue
		}
		if latest == nil || e.OccurredAt.After(*latest) {
			at := e.OccurredAt
			latest = &at
		}
	}
	return latest, nil
}

var (
	_ repository.RoomRepository         = (*RoomRepo)(nil)
	_ repository.CallSessionRepository  = (*CallSessionRepo)(nil)
	_ repository.WebhookEventRepository = (*WebhookEventRepo)(nil)
)
