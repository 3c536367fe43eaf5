// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, payment, entitlement, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEntitlementNotFound = "ENTITLEMENT_NOT_FOUND"
	ErrCodeAlreadyActive       = "ALREADY_ACTIVE"
	ErrCodeStartWindowExpired  = "START_WINDOW_EXPIRED"
	ErrCodeNoActiveEntitlement = "NO_ACTIVE_ENTITLEMENT"
	ErrCodeMalformedEvent      = "MALFORMED_EVENT"
	ErrCodeOfferNotAvailable   = "RENEWAL_OFFER_NOT_AVAILABLE"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
)

// NewEntitlementNotFoundError はアクセスパス未検出エラーを生成する。
func NewEntitlementNotFoundError(scopeID string) *APIError {
	return &APIError{
		Code:     ErrCodeEntitlementNotFound,
		Message:  fmt.Sprintf("指定された体験のアクセスパスが見つかりません: %s", scopeID),
		Category: "entitlement",
		Action:   "購入手続きを行ってください。",
	}
}

// NewAlreadyActiveError は別のアクティブセッションが存在する場合のエラーを生成する。
func NewAlreadyActiveError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyActive,
		Message:  "別の体験のセッションが既に進行中です。",
		Category: "entitlement",
		Action:   "進行中のセッションが終了してから開始してください。",
	}
}

// NewStartWindowExpiredError は開始期限切れエラーを生成する。
func NewStartWindowExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeStartWindowExpired,
		Message:  "開始期限を過ぎたため、このアクセスパスは失効しました。",
		Category: "entitlement",
		Action:   "再度購入手続きを行ってください。",
	}
}

// NewNoActiveEntitlementError は延長対象のアクティブなパスが存在しない場合のエラーを生成する。
func NewNoActiveEntitlementError(subjectID string) *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveEntitlement,
		Message:  fmt.Sprintf("延長対象のアクティブなアクセスパスが見つかりません: subject=%s", subjectID),
		Category: "payment",
		Action:   "新規購入として手続きしてください。",
	}
}

// NewMalformedEventError は必須フィールドを欠いた支払いイベントのエラーを生成する。
// 恒久的な失敗でありリトライしてはならない。
func NewMalformedEventError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeMalformedEvent,
		Message:  fmt.Sprintf("支払いイベントの形式が不正です: %s", reason),
		Category: "validation",
		Action:   "決済プロバイダ側の通知設定を確認してください。",
	}
}

// NewOfferNotAvailableError は延長オファーの提示条件を満たさない場合のエラーを生成する。
func NewOfferNotAvailableError() *APIError {
	return &APIError{
		Code:     ErrCodeOfferNotAvailable,
		Message:  "現在は割引延長の対象期間ではありません。",
		Category: "entitlement",
		Action:   "有効期限の直前に再度確認してください。",
	}
}

// NewProviderUnavailableError は決済プロバイダへの照会失敗エラーを生成する。
func NewProviderUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("決済プロバイダへの照会に失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
