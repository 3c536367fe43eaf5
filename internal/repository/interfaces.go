// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

// ErrSingleActiveConflict は単一アクティブセッション制約への違反を表す。
// 同一サブジェクトの別レコードが既にactiveの場合、ストアの部分一意インデックスが
// 遷移を拒否し、このエラーにマッピングされる。
var ErrSingleActiveConflict = errors.New("サブジェクトに既にアクティブなアクセスパスが存在します")

// GrantParams は新規付与の永続化パラメータ。
type GrantParams struct {
	ID               string
	SubjectID        string
	ScopeID          string
	Duration         time.Duration
	GrantedAt        time.Time
	StartDeadline    time.Time
	PaymentReference string
}

// RenewalParams はアクティブなパスの延長パラメータ。
type RenewalParams struct {
	SubjectID        string
	ScopeID          string
	Duration         time.Duration
	Now              time.Time
	Grace            time.Duration // 失効直後でも延長を受理する猶予
	PaymentReference string
}

// EntitlementRepository はアクセスパスの永続化インターフェース。
// 前提条件付きの状態遷移はすべて単一の条件付き書き込みとして実装されること。
// 別々のread+writeに分解するとstartの競合やWebhook再配送で不変条件が壊れる。
type EntitlementRepository interface {
	// FindByID は指定IDのアクセスパスを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Entitlement, error)

	// FindLatestBySubjectAndScope はサブジェクトと体験の最新のアクセスパスを取得する。
	// 終端状態のレコードも返す。見つからない場合はnilを返す。
	FindLatestBySubjectAndScope(ctx context.Context, subjectID, scopeID string) (*model.Entitlement, error)

	// FindByPaymentReference は支払い参照が適用されたアクセスパスを取得する。
	// 付与・延長いずれの適用も対象。見つからない場合はnilを返す。
	FindByPaymentReference(ctx context.Context, paymentReference string) (*model.Entitlement, error)

	// CreateGrant はpending_startのアクセスパスを冪等に作成する。
	// 同一payment_referenceが適用済みの場合は何も書き込まずcreated=falseを返す。
	// 支払い適用の記録とレコード作成は同一トランザクションで行う。
	CreateGrant(ctx context.Context, p GrantParams) (ent *model.Entitlement, created bool, err error)

	// Activate はpending_startのレコードをactiveへ条件付きで遷移させる。
	// 開始期限内であることの検証と遷移は単一のUPDATE文で行う。
	// 条件を満たさない場合はnilを返す（期限切れ・状態不一致の区別は呼び出し側が再読込で行う）。
	// 単一アクティブ制約に違反する場合はErrSingleActiveConflictを返す。
	Activate(ctx context.Context, id string, now time.Time) (*model.Entitlement, error)

	// ExtendActive は支払い参照を冪等に消費してアクティブなパスの有効期限を延長する。
	// 延長はGREATEST(expires_at, now) + durationを新しい期限とする。
	// 失効後Grace以内のレコードはactiveへ復帰させて延長する。
	// 適用済み参照の場合はapplied=falseと適用先レコードを返す。
	// 対象レコードが存在しない場合はnil, false, nilを返す（トランザクションは
	// ロールバックされ、支払い参照は消費されない）。
	ExtendActive(ctx context.Context, p RenewalParams) (ent *model.Entitlement, applied bool, err error)

	// MarkExpiredWithoutStart は開始期限を過ぎたpending_startレコードを
	// expired_without_startへ条件付きで遷移させる。遷移した場合trueを返す。
	// 既に終端状態の場合は何もせずfalseを返す（冪等）。
	MarkExpiredWithoutStart(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkExpired は有効期限を過ぎたactiveレコードをexpiredへ条件付きで遷移させる。
	// 遷移した場合trueを返す。期限内・状態不一致の場合は何もしない（冪等）。
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// ExpireOverduePending は開始期限を過ぎた全pending_startレコードを
	// expired_without_startへ一括遷移させ、遷移件数を返す。スイーパー専用。
	// activeレコードには決して触れない。
	ExpireOverduePending(ctx context.Context, now time.Time) (int64, error)
}

// PaymentEventRepository はWebhook監査レコードの永続化インターフェース。
type PaymentEventRepository interface {
	// Create は受信イベントの監査レコードを作成する。
	Create(ctx context.Context, event *model.PaymentEvent) error

	// MarkProcessed はイベントの処理結果を記録する。
	// processingErrorが空文字列の場合は正常処理として記録する。
	MarkProcessed(ctx context.Context, id string, processedAt time.Time, processingError string) error
}

// SessionRepository はセッションデータの読み取りインターフェース。
// セッションの発行と破棄は外部のアイデンティティサービスが行うため、
// このサービスは検証のための読み取りのみを持つ。
type SessionRepository interface {
	// FindByID は指定IDの有効なセッションを取得する。
	// 期限切れまたは未存在の場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}
