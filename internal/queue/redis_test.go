package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// openTestRedis はテスト用のRedisキューを返す。接続できない場合はテストをスキップする。
func openTestRedis(t *testing.T) *RedisQueue {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("failed to parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redisに接続できないためスキップします: %v", err)
	}

	prefix := "callmatch-test:" + uuid.New().String()
	q := NewRedisQueue(client, prefix)
	q.pollTimeout = 100 * time.Millisecond
	t.Cleanup(func() {
		keys := []string{q.ready, q.processing, q.delayed, q.payloads}
		client.Del(context.Background(), keys...)
		q.Close()
	})
	return q
}

func TestRedisQueue_AckRemovesFromProcessing(t *testing.T) {
	q := openTestRedis(t)
	ctx := context.Background()

	job := NewJob(KindMatchmake, "lobby")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if d.Job.ID != job.ID {
		t.Errorf("ジョブID = %q, want %q", d.Job.ID, job.ID)
	}
	if n := q.client.LLen(ctx, q.processing).Val(); n != 1 {
		t.Errorf("処理中リストの件数 = %d, want 1", n)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if n := q.client.LLen(ctx, q.processing).Val(); n != 0 {
		t.Errorf("Ack後の処理中リストの件数 = %d, want 0", n)
	}
}

func TestRedisQueue_SchedulePromotesDueJob(t *testing.T) {
	q := openTestRedis(t)
	ctx := context.Background()

	job := NewJob(KindMembershipCleanup, "lobby")
	for i := 0; i < 2; i++ {
		if err := q.Schedule(ctx, "cleanup:lobby", job, time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}
	if n := q.client.ZCard(ctx, q.delayed).Val(); n != 1 {
		t.Errorf("予約件数 = %d, want 1", n)
	}

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if d.Job.Kind != KindMembershipCleanup {
		t.Errorf("Kind = %q, want %q", d.Job.Kind, KindMembershipCleanup)
	}
}

func TestRedisQueue_RequeueProcessing(t *testing.T) {
	q := openTestRedis(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewJob(KindMatchmake, "lobby")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}

	n, err := q.RequeueProcessing(ctx)
	if err != nil {
		t.Fatalf("RequeueProcessing() error = %v", err)
	}
	if n != 1 {
		t.Errorf("戻したジョブ数 = %d, want 1", n)
	}
	if got := q.client.LLen(ctx, q.ready).Val(); got != 1 {
		t.Errorf("実行キューの件数 = %d, want 1", got)
	}
}
