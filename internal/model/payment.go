// Package model はドメインモデルを定義する。
package model

import "time"

// PaymentEvent は決済プロバイダから受信したWebhook通知の監査レコードを表す。
// 生のペイロードと処理結果を保持し、重複配送の調査に使用する。
// ライフサイクル効果の冪等性はpayment_reference側で保証されるため、
// 同一支払いの再配送も新しい監査行として記録される。
type PaymentEvent struct {
	ID               string
	Provider         string
	PaymentReference string
	EventType        string
	PayloadJSON      string
	ProcessedAt      *time.Time
	ProcessingError  string
	CreatedAt        time.Time
}

// PaymentConfirmation は決済プロバイダへのサーバーサイド照会で得た承認済み支払いを表す。
// Webhookボディは支払いIDの通知としてのみ扱い、金額・ステータス・メタデータは
// 必ずプロバイダAPIから取得したこの構造体を正とする。
type PaymentConfirmation struct {
	PaymentReference string
	SubjectID        string
	ScopeID          string
	Duration         time.Duration
	IsRenewal        bool
	Approved         bool
}
