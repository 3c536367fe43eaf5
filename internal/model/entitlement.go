// Package model はドメインモデルを定義する。
package model

import "time"

// EntitlementState はアクセスパスのライフサイクル状態を表す。
// 永続化される値はストア差し替え時の契約面であるため変更してはならない。
type EntitlementState string

const (
	// StatePendingStart は付与済みでカウントダウン未開始の状態。
	StatePendingStart EntitlementState = "pending_start"
	// StateActive はカウントダウン進行中の状態。
	StateActive EntitlementState = "active"
	// StateExpiredWithoutStart は開始期限内に開始されなかった終端状態。
	StateExpiredWithoutStart EntitlementState = "expired_without_start"
	// StateExpired は有効時間を使い切った終端状態。
	StateExpired EntitlementState = "expired"
)

// IsTerminal は終端状態（これ以上遷移しない状態）かどうかを返す。
func (s EntitlementState) IsTerminal() bool {
	return s == StateExpiredWithoutStart || s == StateExpired
}

// Entitlement は時間制限付きアクセスパスを表す。
// 支払い承認をトリガーに生成され、明示的な開始操作でカウントダウンが始まる。
// 終端状態のレコードも監査のため物理削除しない。
type Entitlement struct {
	ID               string
	SubjectID        string
	ScopeID          string
	State            EntitlementState
	Duration         time.Duration
	GrantedAt        time.Time
	StartDeadline    *time.Time // pending_start の間のみ設定される
	StartedAt        *time.Time
	ExpiresAt        *time.Time // active 以降のみ設定される
	PaymentReference string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StartWindowExpired は開始期限を過ぎているかどうかを返す。
// pending_start 以外の状態では常にfalseを返す。
func (e *Entitlement) StartWindowExpired(now time.Time) bool {
	return e.State == StatePendingStart && e.StartDeadline != nil && now.After(*e.StartDeadline)
}

// ExpiredBy は有効期限を過ぎているかどうかを返す。
// active 以外の状態では常にfalseを返す。
func (e *Entitlement) ExpiredBy(now time.Time) bool {
	return e.State == StateActive && e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// RemainingAt は指定時刻における残り時間を返す。
// expires_at が未設定の場合は0を返す。負値は返さず0に丸める。
func (e *Entitlement) RemainingAt(now time.Time) time.Duration {
	if e.ExpiresAt == nil {
		return 0
	}
	remaining := e.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
