package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kippu/internal/entitlement"
	"github.com/hitoshi/kippu/internal/metrics"
	"github.com/hitoshi/kippu/internal/model"
	"github.com/hitoshi/kippu/internal/repository"
)

// LifecycleEngine はインジェスターが必要とするライフサイクル操作のインターフェース。
type LifecycleEngine interface {
	// Grant は支払い承認を受けてアクセスパスを付与する。
	Grant(ctx context.Context, req entitlement.GrantRequest) (*model.Entitlement, error)
	// Renew は支払い承認を受けてアクティブなパスを延長する。
	Renew(ctx context.Context, req entitlement.RenewRequest) (*model.Entitlement, error)
}

// PaymentFetcher はプロバイダへのサーバーサイド照会のインターフェース。
type PaymentFetcher interface {
	FetchPayment(ctx context.Context, paymentReference string) (*model.PaymentConfirmation, error)
}

// RetryConfig はリトライ可能な失敗に対する指数バックオフの設定。
type RetryConfig struct {
	MaxAttempts    int           // 最大試行回数（初回を含む）
	InitialBackoff time.Duration // 初回リトライまでの遅延。以後2倍ずつ増加
}

// DefaultRetryConfig はデフォルトのリトライ設定を返す。
// Webhookハンドラー内で同期実行されるため、遅延は短く抑える。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
	}
}

// Notification はプロバイダから受信したWebhook通知。
// ボディは支払いIDの通知としてのみ扱い、内容の真正性はここでは信頼しない。
type Notification struct {
	Provider         string
	PaymentReference string
	EventType        string
	PayloadJSON      string
}

// Ingestor は支払い確認イベントを取り込み、高々1回のライフサイクル効果へ変換する。
// 冪等性はエンジン（payment_reference）が中央で保証するため、ここでは
// 重複排除を行わない。形式不正イベントの恒久的拒否と、一時的な
// ストア/プロバイダ障害のリトライのみを担当する。
type Ingestor struct {
	engine  LifecycleEngine
	fetcher PaymentFetcher
	events  repository.PaymentEventRepository
	logger  *slog.Logger
	metrics metrics.LifecycleRecorder
	retry   RetryConfig
}

// NewIngestor はIngestorを生成する。
func NewIngestor(
	engine LifecycleEngine,
	fetcher PaymentFetcher,
	events repository.PaymentEventRepository,
	logger *slog.Logger,
	recorder metrics.LifecycleRecorder,
	retry RetryConfig,
) *Ingestor {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Ingestor{
		engine:  engine,
		fetcher: fetcher,
		events:  events,
		logger:  logger,
		metrics: recorder,
		retry:   retry,
	}
}

// Ingest は1件のWebhook通知を処理する。
//  1. 監査レコードを記録する
//  2. プロバイダにサーバーサイド照会し、承認ステータスとメタデータを取得する
//  3. 未承認なら何もせず受理、承認済みならgrantまたはrenewへディスパッチする
//
// 形式不正（MalformedEvent）は恒久的失敗としてリトライせずに返す。
// 一時的な障害は指数バックオフで再試行し、上限到達後にエラーを返す。
func (i *Ingestor) Ingest(ctx context.Context, n Notification) (*model.Entitlement, error) {
	start := time.Now()
	defer func() {
		i.metrics.RecordWebhookLatency(time.Since(start))
	}()

	if n.PaymentReference == "" {
		i.metrics.RecordMalformedEvent()
		return nil, model.NewMalformedEventError("payment_referenceがありません")
	}

	eventID := uuid.NewString()
	audit := &model.PaymentEvent{
		ID:               eventID,
		Provider:         n.Provider,
		PaymentReference: n.PaymentReference,
		EventType:        n.EventType,
		PayloadJSON:      n.PayloadJSON,
		CreatedAt:        start,
	}
	if err := i.withRetry(ctx, "監査レコードの記録", func() error {
		return i.events.Create(ctx, audit)
	}); err != nil {
		return nil, err
	}

	ent, err := i.dispatch(ctx, n)
	outcome := ""
	if err != nil {
		outcome = err.Error()
	}
	if markErr := i.events.MarkProcessed(ctx, eventID, time.Now(), outcome); markErr != nil {
		// 処理結果の記録失敗はライフサイクル効果を巻き戻さない。ログのみ残す。
		i.logger.Error("支払いイベント処理結果の記録に失敗しました",
			slog.String("event_id", eventID),
			slog.String("error", markErr.Error()),
		)
	}
	return ent, err
}

// dispatch は照会結果に応じてライフサイクル操作を呼び出す。
func (i *Ingestor) dispatch(ctx context.Context, n Notification) (*model.Entitlement, error) {
	var confirmation *model.PaymentConfirmation
	err := i.withRetry(ctx, "プロバイダ照会", func() error {
		var fetchErr error
		confirmation, fetchErr = i.fetcher.FetchPayment(ctx, n.PaymentReference)
		return fetchErr
	})
	if err != nil {
		if isMalformed(err) {
			i.metrics.RecordMalformedEvent()
		}
		return nil, err
	}

	if !confirmation.Approved {
		i.logger.Info("未承認の支払い通知を受理しました（効果なし）",
			slog.String("payment_reference", n.PaymentReference),
		)
		return nil, nil
	}

	if confirmation.SubjectID == "" {
		i.metrics.RecordMalformedEvent()
		return nil, model.NewMalformedEventError("subject_idがありません")
	}
	if confirmation.Duration <= 0 {
		i.metrics.RecordMalformedEvent()
		return nil, model.NewMalformedEventError("durationが不正です")
	}

	var ent *model.Entitlement
	err = i.withRetry(ctx, "ライフサイクル操作", func() error {
		var opErr error
		if confirmation.IsRenewal {
			ent, opErr = i.engine.Renew(ctx, entitlement.RenewRequest{
				PaymentReference: confirmation.PaymentReference,
				SubjectID:        confirmation.SubjectID,
				ScopeID:          confirmation.ScopeID,
				Duration:         confirmation.Duration,
			})
		} else {
			ent, opErr = i.engine.Grant(ctx, entitlement.GrantRequest{
				PaymentReference: confirmation.PaymentReference,
				SubjectID:        confirmation.SubjectID,
				ScopeID:          confirmation.ScopeID,
				Duration:         confirmation.Duration,
			})
		}
		return opErr
	})
	return ent, err
}

// withRetry はリトライ可能な失敗を指数バックオフで再試行する。
// ビジネス結果（APIError）は恒久的としてただちに返す。
func (i *Ingestor) withRetry(ctx context.Context, operation string, fn func() error) error {
	var err error
	backoff := i.retry.InitialBackoff

	for attempt := 1; attempt <= i.retry.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == i.retry.MaxAttempts {
			break
		}

		i.logger.Warn("一時的な失敗をリトライします",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	return fmt.Errorf("%sが%d回の試行後も失敗しました: %w", operation, i.retry.MaxAttempts, err)
}

// isTransient はリトライ可能な失敗かどうかを判定する。
// ビジネス結果はAPIErrorとして型付けされているため、ProviderUnavailable
// 以外のAPIErrorは恒久的、それ以外（ストア・ネットワーク障害）はリトライ可能。
func isTransient(err error) bool {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == model.ErrCodeProviderUnavailable
	}
	return true
}

// isMalformed は形式不正の恒久的失敗かどうかを判定する。
func isMalformed(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeMalformedEvent
}
