package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix はRedisキーの既定のプレフィックス。
const DefaultPrefix = "callmatch:jobs"

// 期限到来した予約ジョブを実行キューへ移すスクリプト。
// KEYS[1]=予約ZSET, KEYS[2]=ジョブ本体HASH, KEYS[3]=実行キュー ARGV[1]=現在時刻(ms), ARGV[2]=最大件数
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, key in ipairs(due) do
  local raw = redis.call('HGET', KEYS[2], key)
  redis.call('ZREM', KEYS[1], key)
  redis.call('HDEL', KEYS[2], key)
  if raw then
    redis.call('LPUSH', KEYS[3], raw)
  end
end
return #due
`)

// RedisQueue はRedisのリストとソート済みセットによるQueue実装。
// 取り出したジョブはAckされるまで処理中リストに残るため、ワーカーが異常終了しても失われない。
type RedisQueue struct {
	client      *redis.Client
	ready       string
	processing  string
	delayed     string
	payloads    string
	pollTimeout time.Duration
	batchSize   int
	closed      atomic.Bool
}

// NewRedisQueue はRedisQueueを生成する。prefixが空の場合はDefaultPrefixを使用する。
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisQueue{
		client:      client,
		ready:       prefix + ":ready",
		processing:  prefix + ":processing",
		delayed:     prefix + ":delayed",
		payloads:    prefix + ":delayed:payloads",
		pollTimeout: time.Second,
		batchSize:   100,
	}
}

// OpenRedis はREDIS_URL形式の接続文字列からクライアントを作成し、疎通を確認する。
func OpenRedis(ctx context.Context, url string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisQueue(client, ""), nil
}

// Enqueue はジョブを即時実行キューに投入する。
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Schedule はジョブをat以降に実行されるよう予約する。同じkeyの予約は置き換える。
func (q *RedisQueue) Schedule(ctx context.Context, key string, job Job, at time.Time) error {
	if q.closed.Load() {
		return ErrClosed
	}
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloads, key, raw)
		pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(at.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	keys := []string{q.delayed, q.payloads, q.ready}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client, keys, now, q.batchSize).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to promote scheduled jobs: %w", err)
	}
	return nil
}

// Dequeue はジョブを1件取り出して処理中リストへ移す。
// ジョブがなければpollTimeoutごとに予約ジョブを確認しながらctxが終了するまで待機する。
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promote(ctx); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue job: %w", err)
		}

		job, err := decodeJob(raw)
		if err != nil {
			// 壊れたペイロードは再配送しても復旧しないため捨てる
			q.client.LRem(ctx, q.processing, 1, raw)
			return nil, err
		}
		return &Delivery{Job: job, raw: raw}, nil
	}
}

// Ack は処理中リストからジョブを削除する。
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Nack は処理中リストからジョブを削除し、retryAtに再実行するよう予約する。
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, retryAt time.Time) error {
	job := d.Job
	job.Attempt++
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	key := retryKey(job)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		pipe.HSet(ctx, q.payloads, key, raw)
		pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(retryAt.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to nack job: %w", err)
	}
	return nil
}

// RequeueProcessing は処理中リストに残ったジョブを実行キューへ戻す。
// 前回のワーカーが異常終了した場合に、起動時に1度だけ呼び出す。
func (q *RedisQueue) RequeueProcessing(ctx context.Context) (int, error) {
	count := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.ready, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to requeue processing jobs: %w", err)
		}
		count++
	}
}

// Ping はRedisへの疎通を確認する。
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close はキューを閉じ、Redisクライアントを解放する。
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
