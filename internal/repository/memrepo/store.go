// Package memrepo はテスト用のインメモリリポジトリを提供する。
// 条件付き更新やスロットの一意性はPostgreSQL実装と同じ意味を持つ。
package memrepo

import (
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
)

type memberKey struct {
	lobbyID string
	userID  string
}

type pairKey struct {
	low  string
	high string
}

func newPairKey(a, b string) pairKey {
	low, high := model.NormalizePair(a, b)
	return pairKey{low: low, high: high}
}

// Interaction はペアの完了通話カウンタ。
type Interaction struct {
	CallsCompleted int
	TotalDuration  time.Duration
	LastCallAt     time.Time
}

// Store は全リポジトリが共有するインメモリの状態。
type Store struct {
	mu sync.Mutex

	lobbies      map[string]*model.Lobby
	memberships  map[memberKey]*model.Membership
	proposals    map[string]*model.MatchProposal
	slots        map[memberKey]string
	rooms        map[string]*model.Room
	roomLocks    map[string]*sync.Mutex
	sessions     map[string]*model.CallSession
	webhooks     []*model.WebhookEvent
	profiles     map[string]*model.Profile
	authSessions map[string]*model.AuthSession
	chats        map[pairKey]string
	interactions map[pairKey]*Interaction

	tokenConflicts int
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		lobbies:      make(map[string]*model.Lobby),
		memberships:  make(map[memberKey]*model.Membership),
		proposals:    make(map[string]*model.MatchProposal),
		slots:        make(map[memberKey]string),
		rooms:        make(map[string]*model.Room),
		roomLocks:    make(map[string]*sync.Mutex),
		sessions:     make(map[string]*model.CallSession),
		profiles:     make(map[string]*model.Profile),
		authSessions: make(map[string]*model.AuthSession),
		chats:        make(map[pairKey]string),
		interactions: make(map[pairKey]*Interaction),
	}
}

// Lobbies はロビーリポジトリを返す。
func (s *Store) Lobbies() *LobbyRepo { return &LobbyRepo{s: s} }

// Memberships はメンバーシップリポジトリを返す。
func (s *Store) Memberships() *MembershipRepo { return &MembershipRepo{s: s} }

// Proposals はマッチ提案リポジトリを返す。
func (s *Store) Proposals() *ProposalRepo { return &ProposalRepo{s: s} }

// Rooms はルームリポジトリを返す。
func (s *Store) Rooms() *RoomRepo { return &RoomRepo{s: s} }

// CallSessions は通話セッションリポジトリを返す。
func (s *Store) CallSessions() *CallSessionRepo { return &CallSessionRepo{s: s} }

// WebhookEvents はWebhookイベントリポジトリを返す。
func (s *Store) WebhookEvents() *WebhookEventRepo { return &WebhookEventRepo{s: s} }

// Profiles はプロフィールリポジトリを返す。
func (s *Store) Profiles() *ProfileRepo { return &ProfileRepo{s: s} }

// AuthSessions は認証セッションリポジトリを返す。
func (s *Store) AuthSessions() *AuthSessionRepo { return &AuthSessionRepo{s: s} }

// Chats はチャットリポジトリを返す。
func (s *Store) Chats() *ChatRepo { return &ChatRepo{s: s} }

// Interactions はインタラクションリポジトリを返す。
func (s *Store) Interactions() *InteractionRepo { return &InteractionRepo{s: s} }

// AddProfile はプロフィールを登録する。
func (s *Store) AddProfile(p *model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.UserID] = &cp
}

// AddAuthSession は認証セッションを登録する。
func (s *Store) AddAuthSession(sess *model.AuthSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.authSessions[sess.ID] = &cp
}

// AddChat はペアのチャットを登録する。
func (s *Store) AddChat(userA, userB, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[newPairKey(userA, userB)] = chatID
}

// InjectTokenConflicts は次のn回のRequestTokenをErrWriteConflictで失敗させる。
func (s *Store) InjectTokenConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenConflicts = n
}

// Interaction はペアのインタラクションカウンタを返す。
func (s *Store) Interaction(userA, userB string) Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.interactions[newPairKey(userA, userB)]; ok {
		return *in
	}
	return Interaction{}
}

// AllWebhookEvents は記録済みのWebhookイベントを受信順に返す。
func (s *Store) AllWebhookEvents() []model.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]model.WebhookEvent, 0, len(s.webhooks))
	for _, e := range s.webhooks {
		events = append(events, *e)
	}
	return events
}

// AllProposals はロビーの全提案を作成順に返す。
func (s *Store) AllProposals(lobbyID string) []model.MatchProposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []model.MatchProposal
	for _, p := range s.proposals {
		if p.LobbyID == lobbyID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// AllSessions はルームの全セッションを開始順に返す。
func (s *Store) AllSessions(roomID string) []model.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []model.CallSession
	for _, sess := range s.sessions {
		if sess.RoomID == roomID {
			result = append(result, *sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result
}

// RoomCount は作成済みのルーム数を返す。
func (s *Store) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
