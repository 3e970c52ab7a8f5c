package lobby

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/callmatch/internal/callsession"
	"github.com/hitoshi/callmatch/internal/config"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/notify/notifytest"
	"github.com/hitoshi/callmatch/internal/proposal"
	"github.com/hitoshi/callmatch/internal/queue"
	"github.com/hitoshi/callmatch/internal/repository/memrepo"
	"github.com/hitoshi/callmatch/internal/security"
)

var clock = time.Date(2026, 5, 10, 20, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memrepo.Store
	queue    *queue.MemoryQueue
	registry *Registry
	lobby    *model.Lobby
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memrepo.NewStore()
	l := &model.Lobby{
		Name:                   "default",
		StartTime:              clock.Add(-time.Hour),
		EndTime:                clock.Add(time.Hour),
		UserOnlineStateTimeout: time.Minute,
	}
	if err := store.Lobbies().Upsert(context.Background(), l); err != nil {
		t.Fatalf("failed to create lobby: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	notifier := &notifytest.Recorder{}
	sanitizer := security.NewProfileSanitizer()

	proposals := proposal.NewService(store.Lobbies(), store.Memberships(), store.Proposals(), store.Profiles(),
		sanitizer, notifier, nil, logger, proposal.Options{ProposalTTL: time.Minute, CallJoinTimeout: time.Minute})
	tracker := callsession.NewTracker(callsession.Repositories{
		Rooms:        store.Rooms(),
		Sessions:     store.CallSessions(),
		Events:       store.WebhookEvents(),
		Proposals:    store.Proposals(),
		Interactions: store.Interactions(),
		Chats:        store.Chats(),
	}, notifier, nil, logger, 5*time.Minute)

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	r := NewRegistry(Repositories{
		Lobbies:     store.Lobbies(),
		Memberships: store.Memberships(),
		Proposals:   store.Proposals(),
		Sessions:    store.CallSessions(),
		Profiles:    store.Profiles(),
	}, proposals, tracker, q, sanitizer, logger)
	r.now = func() time.Time { return clock }

	return &fixture{store: store, queue: q, registry: r, lobby: l}
}

func (f *fixture) propose(t *testing.T, a, b string) *model.MatchProposal {
	t.Helper()
	p := &model.MatchProposal{ID: "p-" + a + "-" + b, LobbyID: f.lobby.ID, UserAID: a, UserBID: b, CreatedAt: clock}
	if err := f.store.Proposals().CreateWithSlots(context.Background(), p); err != nil {
		t.Fatalf("CreateWithSlots() error = %v", err)
	}
	return p
}

func TestJoin_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.registry.Join(ctx, "default", "alice")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if first.AlreadyActive {
		t.Error("初回参加でAlreadyActive=trueになりました")
	}
	second, err := f.registry.Join(ctx, "default", "alice")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !second.AlreadyActive {
		t.Error("2回目の参加でAlreadyActive=falseになりました")
	}
	if first.Membership.ID != second.Membership.ID {
		t.Errorf("メンバーシップが重複しました: %s, %s", first.Membership.ID, second.Membership.ID)
	}

	members, _ := f.store.Memberships().ListActive(ctx, f.lobby.ID)
	if len(members) != 1 {
		t.Errorf("アクティブメンバー数 = %d, want 1", len(members))
	}
}

func TestJoin_EnqueuesJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Join(ctx, "default", "alice")
	f.registry.Join(ctx, "default", "bob")

	ready, delayed := f.queue.Len()
	if ready != 2 {
		t.Errorf("マッチングジョブ数 = %d, want 2", ready)
	}
	// 同じキーで予約し直されるため1件
	if delayed != 1 {
		t.Errorf("予約済みクリーンアップジョブ数 = %d, want 1", delayed)
	}

	d, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if d.Job.Kind != queue.KindMatchmake || d.Job.LobbyName != "default" {
		t.Errorf("ジョブ = %+v", d.Job)
	}
}

func TestJoin_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	closed := &model.Lobby{Name: "closed", StartTime: clock.Add(-2 * time.Hour), EndTime: clock.Add(-time.Hour), UserOnlineStateTimeout: time.Minute}
	f.store.Lobbies().Upsert(ctx, closed)
	upcoming := &model.Lobby{Name: "upcoming", StartTime: clock, EndTime: clock.Add(time.Hour), UserOnlineStateTimeout: time.Minute}
	f.store.Lobbies().Upsert(ctx, upcoming)

	tests := []struct {
		name     string
		lobby    string
		wantCode string
	}{
		{"存在しないロビー", "missing", model.ErrCodeLobbyNotFound},
		{"終了したロビー", "closed", model.ErrCodeLobbyInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.Join(ctx, tt.lobby, "alice")
			if !model.HasCode(err, tt.wantCode) {
				t.Errorf("Join() error = %v, want %s", err, tt.wantCode)
			}
		})
	}

	// start_timeちょうどは開催中
	if _, err := f.registry.Join(ctx, "upcoming", "alice"); err != nil {
		t.Errorf("Join(upcoming) error = %v", err)
	}
}

// Scenario B: 未処理の提案を持つユーザーが退出すると提案は拒否され、相手のステータスには表示されない。
func TestExit_RejectsOpenProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Join(ctx, "default", "alice")
	f.registry.Join(ctx, "default", "bob")
	p := f.propose(t, "alice", "bob")

	st, err := f.registry.Status(ctx, "default", "bob")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Proposal == nil || st.Proposal.ID != p.ID {
		t.Fatalf("退出前のステータスに提案がありません: %+v", st.Proposal)
	}

	if err := f.registry.Exit(ctx, "default", "alice"); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}

	got, _ := f.store.Proposals().FindByID(ctx, p.ID)
	if got.State() != model.ProposalRejected {
		t.Errorf("State = %s, want rejected", got.State())
	}
	st, err = f.registry.Status(ctx, "default", "bob")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Proposal != nil {
		t.Errorf("退出後も相手のステータスに提案があります: %+v", st.Proposal)
	}

	if _, err := f.registry.Status(ctx, "default", "alice"); !model.HasCode(err, model.ErrCodeNotInLobby) {
		t.Errorf("退出したユーザーのStatus() error = %v, want %s", err, model.ErrCodeNotInLobby)
	}
}

func TestExit_NotInLobby(t *testing.T) {
	f := newFixture(t)
	err := f.registry.Exit(context.Background(), "default", "alice")
	if !model.HasCode(err, model.ErrCodeNotInLobby) {
		t.Errorf("Exit() error = %v, want %s", err, model.ErrCodeNotInLobby)
	}
}

func TestExit_ClosesActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Join(ctx, "default", "alice")
	room, _ := f.store.Rooms().FindOrCreate(ctx, "alice", "bob")
	f.store.CallSessions().WithActiveSession(ctx, room.ID, &model.CallSession{ID: "s1", UserAID: "alice", UserBID: "bob", StartTime: clock},
		func(s *model.CallSession) (bool, error) {
			s.AActive = true
			return true, nil
		})

	if err := f.registry.Exit(ctx, "default", "alice"); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	if sess, _ := f.store.CallSessions().FindActiveForUser(ctx, "alice"); sess != nil {
		t.Errorf("退出後もセッションがアクティブです: %+v", sess)
	}
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.registry.Heartbeat(ctx, "default", "alice"); !model.HasCode(err, model.ErrCodeNotInLobby) {
		t.Errorf("未参加のHeartbeat() error = %v, want %s", err, model.ErrCodeNotInLobby)
	}

	f.registry.Join(ctx, "default", "alice")
	f.registry.now = func() time.Time { return clock.Add(30 * time.Second) }
	if err := f.registry.Heartbeat(ctx, "default", "alice"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	m, _ := f.store.Memberships().FindActive(ctx, f.lobby.ID, "alice")
	if !m.LastHeartbeat.Equal(clock.Add(30 * time.Second)) {
		t.Errorf("LastHeartbeat = %v", m.LastHeartbeat)
	}
}

func TestStatus_SanitizesPartnerProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Join(ctx, "default", "alice")
	f.registry.Join(ctx, "default", "bob")
	f.store.AddProfile(&model.Profile{UserID: "bob", DisplayName: "<script>x</script>Bob", ImageURL: "javascript:alert(1)"})
	f.propose(t, "alice", "bob")

	st, err := f.registry.Status(ctx, "default", "alice")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Partner == nil {
		t.Fatal("相手のプロフィールがありません")
	}
	if st.Partner.DisplayName != "Bob" {
		t.Errorf("DisplayName = %q, want %q", st.Partner.DisplayName, "Bob")
	}
	if st.Partner.ImageURL != "" {
		t.Errorf("ImageURL = %q, want empty", st.Partner.ImageURL)
	}
}

func TestCleanupInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Join(ctx, "default", "alice")
	f.registry.Join(ctx, "default", "bob")
	p := f.propose(t, "alice", "bob")

	f.registry.now = func() time.Time { return clock.Add(50 * time.Second) }
	f.registry.Heartbeat(ctx, "default", "bob")

	f.registry.now = func() time.Time { return clock.Add(90 * time.Second) }
	n, err := f.registry.CleanupInactive(ctx, "default")
	if err != nil {
		t.Fatalf("CleanupInactive() error = %v", err)
	}
	if n != 1 {
		t.Errorf("非アクティブ化した人数 = %d, want 1", n)
	}
	if m, _ := f.store.Memberships().FindActive(ctx, f.lobby.ID, "alice"); m != nil {
		t.Error("aliceがアクティブのままです")
	}
	if m, _ := f.store.Memberships().FindActive(ctx, f.lobby.ID, "bob"); m == nil {
		t.Error("bobが非アクティブになりました")
	}
	got, _ := f.store.Proposals().FindByID(ctx, p.ID)
	if got.State() != model.ProposalRejected {
		t.Errorf("State = %s, want rejected", got.State())
	}

	if n, err := f.registry.CleanupInactive(ctx, "missing"); err != nil || n != 0 {
		t.Errorf("CleanupInactive(missing) = %d, %v", n, err)
	}
}

func TestCleanupAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := &model.Lobby{Name: "other", StartTime: clock.Add(-time.Hour), EndTime: clock.Add(time.Hour), UserOnlineStateTimeout: time.Minute}
	f.store.Lobbies().Upsert(ctx, other)
	f.registry.Join(ctx, "default", "alice")
	f.registry.Join(ctx, "other", "bob")

	f.registry.now = func() time.Time { return clock.Add(2 * time.Minute) }
	n, err := f.registry.CleanupAll(ctx)
	if err != nil {
		t.Fatalf("CleanupAll() error = %v", err)
	}
	if n != 2 {
		t.Errorf("非アクティブ化した人数 = %d, want 2", n)
	}
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		f.registry.Join(ctx, "default", id)
	}
	f.propose(t, "alice", "bob")
	rejected := f.propose(t, "carol", "dave")
	f.store.Proposals().Reject(ctx, rejected.ID)

	ov, err := f.registry.Overview(ctx, "default", clock.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if !ov.Open {
		t.Error("Open = false, want true")
	}
	if len(ov.Members) != 4 {
		t.Errorf("メンバー数 = %d, want 4", len(ov.Members))
	}
	if len(ov.Proposals[model.ProposalPending]) != 1 || len(ov.Proposals[model.ProposalRejected]) != 1 {
		t.Errorf("状態別の提案数 = pending:%d rejected:%d",
			len(ov.Proposals[model.ProposalPending]), len(ov.Proposals[model.ProposalRejected]))
	}
	if ov.Proposals[model.ProposalAccepted] == nil {
		t.Error("空の状態もキーとして含まれるべきです")
	}

	if _, err := f.registry.Overview(ctx, "missing", clock); !model.HasCode(err, model.ErrCodeLobbyNotFound) {
		t.Errorf("Overview(missing) error = %v", err)
	}
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defs := []config.LobbyDefinition{
		{Name: "default", StartTime: clock, EndTime: clock.Add(3 * time.Hour), OnlineTimeout: 2 * time.Minute},
		{Name: "night", StartTime: clock.Add(4 * time.Hour), EndTime: clock.Add(6 * time.Hour), OnlineTimeout: time.Minute},
	}
	n, err := f.registry.Seed(ctx, defs)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if n != 2 {
		t.Errorf("登録件数 = %d, want 2", n)
	}

	l, _ := f.store.Lobbies().FindByName(ctx, "default")
	if l.ID != f.lobby.ID {
		t.Error("既存ロビーのIDが変わりました")
	}
	if !l.EndTime.Equal(clock.Add(3*time.Hour)) || l.UserOnlineStateTimeout != 2*time.Minute {
		t.Errorf("ロビーが更新されていません: %+v", l)
	}
	all, _ := f.store.Lobbies().ListAll(ctx)
	if len(all) != 2 {
		t.Errorf("ロビー数 = %d, want 2", len(all))
	}
}

type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(context.Context, queue.Job) error { return errors.New("queue down") }
func (failingQueue) Schedule(context.Context, string, queue.Job, time.Time) error {
	return errors.New("queue down")
}

func TestJoin_QueueFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.registry.queue = failingQueue{}
	res, err := f.registry.Join(context.Background(), "default", "alice")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if res.Membership == nil || !res.Membership.Active {
		t.Errorf("Membership = %+v", res.Membership)
	}
}
