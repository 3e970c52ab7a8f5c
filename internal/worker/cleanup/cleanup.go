// Package cleanup は定期実行の後始末ジョブを提供する。
// Webhookイベントログの保持期間超過分の削除と、ロビー・提案のスイープを含む。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// defaultRetentionBatchSize は1回のDELETEで削除する最大行数。
// webhook_eventsへの挿入を長時間ブロックしないよう分割して削除する。
const defaultRetentionBatchSize = 1000

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WebhookRetentionJob は保持期間を超過したWebhookイベントログを削除する。
type WebhookRetentionJob struct {
	db        Executor
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
	// RetentionDays はイベントログの保持日数。0以下の場合は削除しない。
	RetentionDays int
}

// NewWebhookRetentionJob は新しいWebhookRetentionJobを生成する。
func NewWebhookRetentionJob(db Executor, logger *slog.Logger, retentionDays int) *WebhookRetentionJob {
	return &WebhookRetentionJob{
		db:            db,
		logger:        logger,
		now:           time.Now,
		batchSize:     defaultRetentionBatchSize,
		RetentionDays: retentionDays,
	}
}

// Run はreceived_atが保持期間より古いイベントをバッチ単位で削除し、合計削除件数を返す。
// バッチの削除件数がバッチサイズ未満になった時点で終了する。
func (j *WebhookRetentionJob) Run(ctx context.Context) (int64, error) {
	if j.RetentionDays <= 0 {
		return 0, nil
	}
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	const query = `DELETE FROM webhook_events
		WHERE id IN (
			SELECT id FROM webhook_events
			 WHERE received_at < $1
			 ORDER BY received_at
			 LIMIT $2
		)`

	var total int64
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		result, err := j.db.ExecContext(ctx, query, cutoff, j.batchSize)
		if err != nil {
			j.logger.Error("Webhookイベントの削除に失敗しました",
				slog.String("error", err.Error()),
				slog.Int("retention_days", j.RetentionDays),
				slog.Int64("deleted_count", total),
			)
			return total, fmt.Errorf("Webhookイベントの削除に失敗: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += n
		batches++
		if n < int64(j.batchSize) {
			break
		}
	}

	j.logger.Info("Webhookイベントの保持期間切れデータを削除しました",
		slog.Int64("deleted_count", total),
		slog.Int("batches", batches),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return total, nil
}
