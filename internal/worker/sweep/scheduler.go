package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler は失効ジョブをcronスケジュールで定期実行する。
type Scheduler struct {
	job      *Job
	logger   *slog.Logger
	interval time.Duration
	cron     *cron.Cron
}

// NewScheduler はSchedulerを生成する。
// intervalが0以下の場合はデフォルト値1分を使用する。
func NewScheduler(job *Job, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		job:      job,
		logger:   logger,
		interval: interval,
	}
}

// Start は失効ジョブのスケジュール実行を開始し、コンテキストが
// キャンセルされるまでブロックする。起動直後に1回実行する。
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("失効スイーパーを開始しました",
		slog.Duration("interval", s.interval),
	)

	// 起動直後に1回実行
	if _, err := s.job.Run(ctx); err != nil {
		s.logger.Error("起動時スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.job.Run(ctx); err != nil {
			s.logger.Error("定期スイープの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("スイープスケジュールの登録に失敗しました: %w", err)
	}

	s.cron.Start()
	<-ctx.Done()

	stopCtx := s.cron.Stop()
	// 実行中のジョブの完了を待つ
	<-stopCtx.Done()

	s.logger.Info("失効スイーパーを停止しました")
	return nil
}
