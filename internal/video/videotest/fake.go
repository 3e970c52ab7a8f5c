// Package videotest はテスト用のビデオプロバイダー実装を提供する。
package videotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/callmatch/internal/video"
)

// Provider はメモリ上にルームを保持するvideo.Providerのフェイク。
// ListErr/CreateErrを設定すると対応する呼び出しが失敗する。
// CreateDelayを設定するとCreateRoomが指定時間ブロックする（同時実行の検証用）。
type Provider struct {
	mu          sync.Mutex
	rooms       map[string]video.RoomInfo
	listCalls   int
	createCalls int

	ListErr     error
	CreateErr   error
	CreateDelay time.Duration
	URL         string
}

// NewProvider はフェイクのProviderを生成する。
func NewProvider() *Provider {
	return &Provider{
		rooms: make(map[string]video.RoomInfo),
		URL:   "wss://video.test",
	}
}

// ListRooms は指定名のうち作成済みのルームを返す。
func (p *Provider) ListRooms(_ context.Context, names []string) ([]video.RoomInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	var out []video.RoomInfo
	for _, name := range names {
		if r, ok := p.rooms[name]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// CreateRoom はルームを作成する。
func (p *Provider) CreateRoom(ctx context.Context, name string) (*video.RoomInfo, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	info := video.RoomInfo{SID: fmt.Sprintf("RM_%d", p.createCalls), Name: name, MaxParticipants: 2, CreatedAt: time.Now()}
	p.rooms[name] = info
	return &info, nil
}

// AccessToken は検証しやすい固定形式のトークンを返す。
func (p *Provider) AccessToken(identity, _ string, room string) (string, error) {
	return "token:" + room + ":" + identity, nil
}

// ServerURL はURLを返す。
func (p *Provider) ServerURL() string {
	return p.URL
}

// AddRoom はプロバイダー上に既存のルームを追加する。
func (p *Provider) AddRoom(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[name] = video.RoomInfo{SID: "RM_existing_" + name, Name: name, MaxParticipants: 2}
}

// RoomNames は作成済みのルーム名を返す。
func (p *Provider) RoomNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.rooms))
	for name := range p.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateCalls はCreateRoomの呼び出し回数を返す。
func (p *Provider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

// ListCalls はListRoomsの呼び出し回数を返す。
func (p *Provider) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

var _ video.Provider = (*Provider)(nil)
