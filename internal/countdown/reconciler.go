// Package countdown はクライアント側のカウントダウン強制を提供する。
//
// サーバーから1回読み取った絶対時刻expires_atを唯一の真実として、
// 残り時間を常にexpires_at - nowの純粋な再計算で導出する。
// 蓄積されたティック数や経過時間の加算は一切信頼しない。端末のスリープや
// バックグラウンド化でタイマーが停止しても、復帰時の再計算で即座に
// 正しい残り時間へ収束する。
package countdown

import (
	"context"
	"time"
)

// Remaining は有効期限と現在時刻から残り時間を導出する純粋関数。
// 負値は返さず0に丸める。再計算はすべてこの関数を経由すること。
func Remaining(expiresAt, now time.Time) time.Duration {
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Config はカウントダウン動作の設定。
type Config struct {
	// TickInterval は定期再計算の間隔。
	TickInterval time.Duration
	// WarningThreshold は残り時間がこの値を下回った時に警告を1回発火する。
	WarningThreshold time.Duration
}

// DefaultConfig はデフォルトのカウントダウン設定を返す。
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		WarningThreshold: 5 * time.Minute,
	}
}

// Hooks はカウントダウンが駆動する副作用。
type Hooks struct {
	// OnWarning は残り時間が閾値を最初に下回った時に1回だけ呼ばれる。
	OnWarning func(remaining time.Duration)
	// OnExpired は残り時間が0になった時に1回だけ呼ばれる。
	// 延長または再購入フローへのリダイレクトを想定している。
	OnExpired func()
	// OnTick は再計算のたびに現在の残り時間で呼ばれる。表示更新用。省略可。
	OnTick func(remaining time.Duration)
}

// Reconciler はサーバー発行のexpires_atに対してローカルのカウントダウンを強制する。
//
// 入場時に有効と確認されたセッションについて、以後サーバーへの再照会は
// 行わない。ローカルの失効か外部のリロードまで、最初の1回の読み取りを
// 信頼する。再計算はティックと外部の覚醒イベント（可視性・接続の回復）で
// 駆動され、いずれも純粋な再計算であるため重なり合っても状態を壊さない。
type Reconciler struct {
	expiresAt time.Time
	config    Config
	hooks     Hooks

	wake   chan struct{}
	warned bool

	// clock はテストで時計を固定するための関数。
	clock func() time.Time
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(expiresAt time.Time, config Config, hooks Hooks) *Reconciler {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	return &Reconciler{
		expiresAt: expiresAt,
		config:    config,
		hooks:     hooks,
		wake:      make(chan struct{}, 1),
		clock:     time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (r *Reconciler) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Wake は可視性・接続の回復イベントを通知する。
// ノンブロッキングであり、どのゴルーチンから呼んでも安全。
// 次の評価で残り時間が絶対時刻から再計算される。
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run はカウントダウンループを実行し、失効またはコンテキストの
// キャンセルまでブロックする。失効した場合はtrueを返す。
// 評価はこのゴルーチン上でのみ行われ、重なり合うことはない。
func (r *Reconciler) Run(ctx context.Context) bool {
	// 開始直後に1回評価する（入場時点で既に失効している場合に即応する）
	if r.Evaluate() {
		return true
	}

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if r.Evaluate() {
				return true
			}
		case <-r.wake:
			if r.Evaluate() {
				return true
			}
		}
	}
}

// Evaluate は残り時間を絶対時刻から1回再計算し、副作用を発火する。
// 失効した場合はtrueを返す。警告は時計のゆらぎで閾値付近を往復しても
// 1セッションにつき1回しか発火しない。
func (r *Reconciler) Evaluate() bool {
	remaining := Remaining(r.expiresAt, r.clock())

	if r.hooks.OnTick != nil {
		r.hooks.OnTick(remaining)
	}

	if remaining <= 0 {
		if r.hooks.OnExpired != nil {
			r.hooks.OnExpired()
		}
		return true
	}

	if !r.warned && remaining <= r.config.WarningThreshold {
		r.warned = true
		if r.hooks.OnWarning != nil {
			r.hooks.OnWarning(remaining)
		}
	}

	return false
}
