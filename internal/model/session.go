// Package model はドメインモデルを定義する。
package model

import "time"

// Session はサブジェクトのログインセッションを表す。
// セッションの発行は外部のID基盤が行い、本サービスは検証のみを担当する。
type Session struct {
	ID        string
	SubjectID string
	ExpiresAt time.Time
	CreatedAt time.Time
}
