// Package sweep は開始期限切れアクセスパスの失効ジョブを提供する。
// 定期バッチとして、開始期限を過ぎたpending_startレコードを
// expired_without_startへ一括遷移させる。
//
// これは最適化のためのクリーンアップであり、正しさはこのジョブの
// 適時性に依存しない。照会と開始の読み取り経路が同じルールを
// 遅延適用するため、ジョブが停止していても不変条件は保たれる。
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kippu/internal/metrics"
)

// PendingExpirer はスイーパーが必要とするストア操作のインターフェース。
// repository.EntitlementRepositoryの部分集合として定義する。
type PendingExpirer interface {
	// ExpireOverduePending は開始期限切れのpending_startレコードを一括遷移させる。
	ExpireOverduePending(ctx context.Context, now time.Time) (int64, error)
}

// Job は開始期限切れアクセスパスの失効ジョブ。
// 冪等であり、再実行しても終端状態のレコードには影響しない。
// activeレコードの失効はexpires_atを通じてクライアントに可視であり、
// 読み取り経路の遅延失効で処理されるため、このジョブは決して触れない。
type Job struct {
	repo    PendingExpirer
	logger  *slog.Logger
	metrics metrics.LifecycleRecorder

	// now はテストで時計を固定するための関数。
	now func() time.Time
}

// NewJob は新しいJobを生成する。
func NewJob(repo PendingExpirer, logger *slog.Logger, recorder metrics.LifecycleRecorder) *Job {
	return &Job{
		repo:    repo,
		logger:  logger,
		metrics: recorder,
		now:     time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (j *Job) SetClock(now func() time.Time) {
	j.now = now
}

// Run は開始期限を過ぎた全pending_startレコードを失効させ、件数を返す。
func (j *Job) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	expired, err := j.repo.ExpireOverduePending(ctx, j.now())
	if err != nil {
		j.logger.Error("失効スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("失効スイープの実行に失敗: %w", err)
	}

	j.metrics.RecordSweepExpired(expired)

	duration := time.Since(start)
	j.logger.Info("失効スイープが完了しました",
		slog.Int64("expired_count", expired),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return expired, nil
}
