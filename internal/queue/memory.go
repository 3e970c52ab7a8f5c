package queue

import (
	"context"
	"sync"
	"time"
)

type scheduledJob struct {
	job Job
	at  time.Time
}

// MemoryQueue はプロセス内で完結するQueue実装。
// REDIS_URLが未設定の場合とテストで使用する。プロセス終了時に未処理のジョブは失われる。
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []Job
	delayed map[string]scheduledJob
	wake    chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryQueue はMemoryQueueを生成する。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		delayed: make(map[string]scheduledJob),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue はジョブを即時実行キューに投入する。
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ready = append(q.ready, job)
	q.signal()
	return nil
}

// Schedule はジョブをat以降に実行されるよう予約する。同じkeyの予約は置き換える。
func (q *MemoryQueue) Schedule(_ context.Context, key string, job Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.delayed[key] = scheduledJob{job: job, at: at}
	q.signal()
	return nil
}

// Dequeue はジョブを1件取り出す。予約ジョブは期限到来後に取り出し可能になる。
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		next := q.promoteLocked()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return &Delivery{Job: job}, nil
		}
		q.mu.Unlock()

		var timer *time.Timer
		var due <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-q.wake:
		case <-due:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// promoteLocked は期限到来した予約ジョブを実行キューに移し、次の期限を返す。
func (q *MemoryQueue) promoteLocked() time.Time {
	now := q.now()
	var next time.Time
	for key, s := range q.delayed {
		if !s.at.After(now) {
			q.ready = append(q.ready, s.job)
			delete(q.delayed, key)
			continue
		}
		if next.IsZero() || s.at.Before(next) {
			next = s.at
		}
	}
	return next
}

// Ack はプロセス内キューでは何もしない。
func (q *MemoryQueue) Ack(context.Context, *Delivery) error {
	return nil
}

// Nack はジョブをretryAtに再実行するよう予約する。
func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery, retryAt time.Time) error {
	job := d.Job
	job.Attempt++
	return q.Schedule(ctx, retryKey(job), job, retryAt)
}

// Close はキューを閉じ、待機中のDequeueを終了させる。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.wake)
	return nil
}

// Len は実行待ちと予約中のジョブ数を返す。
func (q *MemoryQueue) Len() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed)
}

var _ Queue = (*MemoryQueue)(nil)
