package countdown

import (
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

// Status は入場時にサーバーから1回読み取った付与の状態。
type Status struct {
	State     model.EntitlementState
	ExpiresAt *time.Time
}

// Enter は入場時の判定を行う。入場はサーバーへの1回の権威ある読み取り
// でゲートされ、許可された場合のみカウントダウンを開始するReconcilerを
// 返す。読み取りに失敗した場合は有効な付与なしとして扱う（失効側に倒す）。
func Enter(status *Status, readErr error, config Config, hooks Hooks, now time.Time) (*Reconciler, bool) {
	if readErr != nil || status == nil {
		return nil, false
	}
	if status.State != model.StateActive || status.ExpiresAt == nil {
		return nil, false
	}
	if !status.ExpiresAt.After(now) {
		return nil, false
	}
	return NewReconciler(*status.ExpiresAt, config, hooks), true
}
