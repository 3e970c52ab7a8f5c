// Package queue はバックグラウンドジョブ用の少なくとも1回配送のワークキューを提供する。
// 本番ではRedis、テストと単体起動ではプロセス内のキューを使用する。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ジョブ種別
const (
	KindMatchmake         = "matchmake"
	KindMembershipCleanup = "membership_cleanup"
)

// ErrClosed はクローズ済みのキューを操作した場合に返される。
var ErrClosed = errors.New("queue closed")

// Job はキューに投入される1件の作業。
// ハンドラは同じジョブが複数回配送されても結果が変わらないように実装すること。
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	LobbyName  string    `json:"lobby_name"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob は新しいジョブを生成する。
func NewJob(kind, lobbyName string) Job {
	return Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		LobbyName:  lobbyName,
		EnqueuedAt: time.Now(),
	}
}

// Delivery はDequeueで取り出されたジョブ。AckまたはNackで処理を完了させる。
type Delivery struct {
	Job Job
	raw string
}

// Queue はワークキューのインターフェース。
type Queue interface {
	// Enqueue はジョブを即時実行キューに投入する。
	Enqueue(ctx context.Context, job Job) error

	// Schedule はジョブをat以降に実行されるよう予約する。
	// 同じkeyの予約が既にある場合は置き換える。
	Schedule(ctx context.Context, key string, job Job, at time.Time) error

	// Dequeue はジョブを1件取り出す。ジョブがなければctxが終了するまで待機する。
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack は処理が完了したジョブを削除する。
	Ack(ctx context.Context, d *Delivery) error

	// Nack は処理に失敗したジョブをretryAtに再実行するよう戻す。
	Nack(ctx context.Context, d *Delivery, retryAt time.Time) error

	// Close はキューを閉じる。
	Close() error
}

func encodeJob(job Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	return string(data), nil
}

func decodeJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// retryKey は再実行用の予約キー。通常の予約キーと衝突しないようにジョブIDを使う。
func retryKey(job Job) string {
	return "retry:" + job.ID
}
