// Package jobs はワークキューからジョブを取り出して種別ごとのハンドラへ振り分ける。
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/queue"
)

const (
	// initialBackoff はジョブ再実行の初回遅延。
	initialBackoff = time.Second
	// maxBackoff はジョブ再実行の最大遅延。
	maxBackoff = time.Minute
	// defaultMaxAttempts はジョブを破棄するまでの最大試行回数。
	defaultMaxAttempts = 5
	// dequeueErrorDelay はキューの取り出しに失敗した後の待機時間。
	dequeueErrorDelay = time.Second
)

// HandlerFunc はジョブ1件を処理する関数。
// 同じジョブが複数回配送されても結果が変わらないこと。
type HandlerFunc func(ctx context.Context, job queue.Job) error

// CalculateBackoff は試行回数に基づいて再実行までの遅延を計算する。
// 初回1秒、2倍ずつ増加、最大1分。
func CalculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Dispatcher はキューからジョブを取り出し、semaphoreパターンで並列数を制御しながら処理する。
type Dispatcher struct {
	queue       queue.Queue
	handlers    map[string]HandlerFunc
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
	workers     int
	MaxAttempts int
	now         func() time.Time
}

// NewDispatcher はDispatcherを生成する。workersが0以下の場合は1を使用する。
func NewDispatcher(q queue.Queue, logger *slog.Logger, mc metrics.MetricsCollector, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Dispatcher{
		queue:       q,
		handlers:    make(map[string]HandlerFunc),
		logger:      logger,
		metrics:     mc,
		workers:     workers,
		MaxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// Register はジョブ種別に対するハンドラを登録する。
func (d *Dispatcher) Register(kind string, h HandlerFunc) {
	d.handlers[kind] = h
}

// Start はコンテキストがキャンセルされるかキューが閉じられるまでジョブを処理する。
// 終了時は処理中のジョブの完了を待つ。
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("ジョブディスパッチャを開始しました",
		slog.Int("workers", d.workers),
	)

	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup

loop:
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				break loop
			}
			d.logger.Error("ジョブの取り出しに失敗しました",
				slog.String("error", err.Error()),
			)
			select {
			case <-time.After(dequeueErrorDelay):
			case <-ctx.Done():
				break loop
			}
			continue
		}

		wg.Add(1)
		go func(del *queue.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			d.Process(ctx, del)
		}(delivery)
	}

	wg.Wait()
	d.logger.Info("ジョブディスパッチャを停止しました")
}

// Process はジョブ1件をハンドラに渡し、結果に応じてAckまたはNackする。
func (d *Dispatcher) Process(ctx context.Context, del *queue.Delivery) {
	job := del.Job
	// 停止中でもAck/Nackは完了させる
	ackCtx := context.WithoutCancel(ctx)

	h, ok := d.handlers[job.Kind]
	if !ok {
		d.logger.Warn("未登録のジョブ種別のため破棄します",
			slog.String("job_id", job.ID),
			slog.String("kind", job.Kind),
		)
		d.ack(ackCtx, del)
		return
	}

	start := d.now()
	err := h(ctx, job)
	d.metrics.RecordJob(job.Kind, err)

	if err == nil {
		d.logger.Debug("ジョブが完了しました",
			slog.String("job_id", job.ID),
			slog.String("kind", job.Kind),
			slog.String("lobby", job.LobbyName),
			slog.Float64("duration_ms", float64(d.now().Sub(start).Milliseconds())),
		)
		d.ack(ackCtx, del)
		return
	}

	if job.Attempt+1 >= d.MaxAttempts {
		d.logger.Error("ジョブが最大試行回数に達したため破棄します",
			slog.String("job_id", job.ID),
			slog.String("kind", job.Kind),
			slog.String("lobby", job.LobbyName),
			slog.Int("attempt", job.Attempt+1),
			slog.String("error", err.Error()),
		)
		d.ack(ackCtx, del)
		return
	}

	delay := CalculateBackoff(job.Attempt)
	d.logger.Warn("ジョブの実行に失敗したため再実行を予約します",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.String("lobby", job.LobbyName),
		slog.Int("attempt", job.Attempt+1),
		slog.Duration("retry_in", delay),
		slog.String("error", err.Error()),
	)
	if nackErr := d.queue.Nack(ackCtx, del, d.now().Add(delay)); nackErr != nil {
		d.logger.Error("ジョブの再実行予約に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", nackErr.Error()),
		)
	}
}

func (d *Dispatcher) ack(ctx context.Context, del *queue.Delivery) {
	if err := d.queue.Ack(ctx, del); err != nil {
		d.logger.Error("ジョブのAckに失敗しました",
			slog.String("job_id", del.Job.ID),
			slog.String("error", err.Error()),
		)
	}
}
