// Package entitlement はアクセスパスのライフサイクルエンジンを提供する。
// 付与・開始・照会・延長の状態遷移と、単一アクティブセッション制約、
// 開始期限・有効期限の遅延失効ルールを所有する。
//
// エンジン自身はプロセス内に共有可変状態を持たない。支払いコールバック、
// 開始操作、照会が並行に呼び出しても、前提条件付きの遷移はすべて
// ストアの単一の条件付き書き込みとして実行される。
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kippu/internal/metrics"
	"github.com/hitoshi/kippu/internal/model"
	"github.com/hitoshi/kippu/internal/repository"
)

// Config はライフサイクルエンジンの設定。
type Config struct {
	// StartWindow は付与から開始期限までの猶予。
	StartWindow time.Duration
	// RenewalGrace は失効直後でも延長を受理する猶予。
	// ネットワーク遅延で延長決済が失効の瞬間をまたいだ場合の救済に使う。
	RenewalGrace time.Duration
}

// Engine はアクセスパスのライフサイクルエンジン。
type Engine struct {
	repo    repository.EntitlementRepository
	logger  *slog.Logger
	metrics metrics.LifecycleRecorder
	config  Config

	// now はテストで時計を固定するための関数。
	now func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	repo repository.EntitlementRepository,
	logger *slog.Logger,
	recorder metrics.LifecycleRecorder,
	config Config,
) *Engine {
	return &Engine{
		repo:    repo,
		logger:  logger,
		metrics: recorder,
		config:  config,
		now:     time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// GrantRequest は新規付与の要求。
type GrantRequest struct {
	PaymentReference string
	SubjectID        string
	ScopeID          string
	Duration         time.Duration
}

// RenewRequest はアクティブなパスの延長要求。
type RenewRequest struct {
	PaymentReference string
	SubjectID        string
	ScopeID          string
	Duration         time.Duration
}

// Grant は支払い承認を受けてpending_startのアクセスパスを付与する。
// 同一payment_referenceの再適用は何も書き込まず適用済みレコードを返す（冪等）。
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (*model.Entitlement, error) {
	now := e.now()

	ent, created, err := e.repo.CreateGrant(ctx, repository.GrantParams{
		ID:               uuid.NewString(),
		SubjectID:        req.SubjectID,
		ScopeID:          req.ScopeID,
		Duration:         req.Duration,
		GrantedAt:        now,
		StartDeadline:    now.Add(e.config.StartWindow),
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		return nil, fmt.Errorf("アクセスパスの付与に失敗しました: %w", err)
	}

	if !created {
		e.metrics.RecordDuplicatePayment()
		e.logger.Info("適用済み支払い参照の再配送を無視しました",
			slog.String("payment_reference", req.PaymentReference),
			slog.String("subject_id", req.SubjectID),
		)
		return ent, nil
	}

	e.metrics.RecordGrant()
	e.logger.Info("アクセスパスを付与しました",
		slog.String("entitlement_id", ent.ID),
		slog.String("subject_id", ent.SubjectID),
		slog.String("scope_id", ent.ScopeID),
		slog.Duration("duration", ent.Duration),
		slog.Time("start_deadline", *ent.StartDeadline),
	)
	return ent, nil
}

// Start はpending_startのアクセスパスのカウントダウンを開始する。
// 開始期限を過ぎていた場合はexpired_without_startへの遷移を副作用として
// 実行してからStartWindowExpiredを返す（読み取り時クリーンアップ）。
// 別のアクティブなパスが存在する場合はAlreadyActiveを返す。
func (e *Engine) Start(ctx context.Context, subjectID, scopeID string) (*model.Entitlement, error) {
	now := e.now()

	ent, err := e.repo.FindLatestBySubjectAndScope(ctx, subjectID, scopeID)
	if err != nil {
		return nil, fmt.Errorf("アクセスパスの取得に失敗しました: %w", err)
	}
	if ent == nil {
		e.metrics.RecordStart("not_found")
		return nil, model.NewEntitlementNotFoundError(scopeID)
	}

	if ent.StartWindowExpired(now) {
		if _, err := e.repo.MarkExpiredWithoutStart(ctx, ent.ID, now); err != nil {
			return nil, fmt.Errorf("未開始失効への遷移に失敗しました: %w", err)
		}
		e.metrics.RecordStart("window_expired")
		e.logger.Info("開始期限切れのアクセスパスを失効させました",
			slog.String("entitlement_id", ent.ID),
			slog.String("subject_id", subjectID),
		)
		return nil, model.NewStartWindowExpiredError()
	}
	if ent.State == model.StateExpiredWithoutStart {
		// スイーパーが先に遷移させていた場合も結果は期限切れと同じ
		e.metrics.RecordStart("window_expired")
		return nil, model.NewStartWindowExpiredError()
	}
	if ent.State != model.StatePendingStart {
		e.metrics.RecordStart("not_found")
		return nil, model.NewEntitlementNotFoundError(scopeID)
	}

	started, err := e.repo.Activate(ctx, ent.ID, now)
	if err == repository.ErrSingleActiveConflict {
		e.metrics.RecordStart("already_active")
		return nil, model.NewAlreadyActiveError()
	}
	if err != nil {
		return nil, fmt.Errorf("アクセスパスの開始に失敗しました: %w", err)
	}
	if started == nil {
		// 読み取りと遷移の間に状態が変わった。再読込して結果を分類する。
		return e.classifyStartMiss(ctx, ent.ID, scopeID, now)
	}

	e.metrics.RecordStart("started")
	e.logger.Info("アクセスパスのカウントダウンを開始しました",
		slog.String("entitlement_id", started.ID),
		slog.String("subject_id", started.SubjectID),
		slog.String("scope_id", started.ScopeID),
		slog.Time("expires_at", *started.ExpiresAt),
	)
	return started, nil
}

// classifyStartMiss は条件付きActivateが空振りした場合の結果を分類する。
func (e *Engine) classifyStartMiss(ctx context.Context, id, scopeID string, now time.Time) (*model.Entitlement, error) {
	ent, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("アクセスパスの再読込に失敗しました: %w", err)
	}
	if ent != nil && (ent.StartWindowExpired(now) || ent.State == model.StateExpiredWithoutStart) {
		if _, err := e.repo.MarkExpiredWithoutStart(ctx, id, now); err != nil {
			return nil, fmt.Errorf("未開始失効への遷移に失敗しました: %w", err)
		}
		e.metrics.RecordStart("window_expired")
		return nil, model.NewStartWindowExpiredError()
	}
	e.metrics.RecordStart("not_found")
	return nil, model.NewEntitlementNotFoundError(scopeID)
}

// Query はサブジェクトと体験の現在のアクセスパスを返す。
// 返却前に遅延失効ルールを適用するため、呼び出し側が期限切れの
// activeやpending_startを観測することはない。見つからない場合はnilを返す。
func (e *Engine) Query(ctx context.Context, subjectID, scopeID string) (*model.Entitlement, error) {
	now := e.now()

	ent, err := e.repo.FindLatestBySubjectAndScope(ctx, subjectID, scopeID)
	if err != nil {
		return nil, fmt.Errorf("アクセスパスの取得に失敗しました: %w", err)
	}
	if ent == nil {
		return nil, nil
	}

	// 遅延失効: スイーパーが遅延・停止していても読み取り経路で正しさを保つ
	switch {
	case ent.StartWindowExpired(now):
		if _, err := e.repo.MarkExpiredWithoutStart(ctx, ent.ID, now); err != nil {
			return nil, fmt.Errorf("未開始失効への遷移に失敗しました: %w", err)
		}
		ent.State = model.StateExpiredWithoutStart
		ent.StartDeadline = nil
	case ent.ExpiredBy(now):
		if _, err := e.repo.MarkExpired(ctx, ent.ID, now); err != nil {
			return nil, fmt.Errorf("失効への遷移に失敗しました: %w", err)
		}
		ent.State = model.StateExpired
	}

	return ent, nil
}

// Renew は支払い承認を受けてアクティブなパスの有効期限を延長する。
// 新しい期限はmax(now, 現在の期限) + duration。失効後RenewalGrace以内の
// レコードはactiveへ復帰させてnowから延長する。
// 同一payment_referenceの再適用は何も書き込まず適用済みレコードを返す（冪等）。
// 延長対象が存在しない場合はNoActiveEntitlementを返し、支払い参照は消費しない。
func (e *Engine) Renew(ctx context.Context, req RenewRequest) (*model.Entitlement, error) {
	now := e.now()

	ent, applied, err := e.repo.ExtendActive(ctx, repository.RenewalParams{
		SubjectID:        req.SubjectID,
		ScopeID:          req.ScopeID,
		Duration:         req.Duration,
		Now:              now,
		Grace:            e.config.RenewalGrace,
		PaymentReference: req.PaymentReference,
	})
	if err == repository.ErrSingleActiveConflict {
		return nil, model.NewAlreadyActiveError()
	}
	if err != nil {
		return nil, fmt.Errorf("アクセスパスの延長に失敗しました: %w", err)
	}

	if ent == nil {
		// 延長対象なし。適用済み参照の再配送だった場合は冪等に回復する。
		prior, err := e.repo.FindByPaymentReference(ctx, req.PaymentReference)
		if err != nil {
			return nil, fmt.Errorf("支払い参照の確認に失敗しました: %w", err)
		}
		if prior != nil {
			e.metrics.RecordDuplicatePayment()
			return prior, nil
		}
		return nil, model.NewNoActiveEntitlementError(req.SubjectID)
	}

	if !applied {
		e.metrics.RecordDuplicatePayment()
		e.logger.Info("適用済み支払い参照の再配送を無視しました",
			slog.String("payment_reference", req.PaymentReference),
			slog.String("subject_id", req.SubjectID),
		)
		return ent, nil
	}

	e.metrics.RecordRenewal()
	e.logger.Info("アクセスパスを延長しました",
		slog.String("entitlement_id", ent.ID),
		slog.String("subject_id", ent.SubjectID),
		slog.Duration("extension", req.Duration),
		slog.Time("expires_at", *ent.ExpiresAt),
	)
	return ent, nil
}
