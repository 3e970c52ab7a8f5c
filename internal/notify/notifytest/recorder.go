// Package notifytest はテスト用のNotifier実装を提供する。
package notifytest

import (
	"context"
	"sync"

	"github.com/hitoshi/callmatch/internal/notify"
)

// Recorder は送信された通知を記録するNotifier。
// Errを設定すると、記録したうえでそのエラーを返す。
type Recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
	Err  error
}

// Notify は通知を記録する。
func (r *Recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// All は記録された通知をすべて返す。
func (r *Recorder) All() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Of は指定種別・受信者の通知を返す。
func (r *Recorder) Of(kind notify.Kind, userID string) []notify.Notification {
	var out []notify.Notification
	for _, n := range r.All() {
		if n.Kind == kind && n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// Count は指定種別の通知数を返す。
func (r *Recorder) Count(kind notify.Kind) int {
	count := 0
	for _, n := range r.All() {
		if n.Kind == kind {
			count++
		}
	}
	return count
}

var _ notify.Notifier = (*Recorder)(nil)
