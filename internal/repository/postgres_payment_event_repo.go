package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

// PostgresPaymentEventRepo はPostgreSQLを使用したWebhook監査レコードリポジトリ。
// 同一支払いの再配送も別の監査行として記録する（冪等性はpayment_applications側で保証）。
type PostgresPaymentEventRepo struct {
	db *sql.DB
}

// NewPostgresPaymentEventRepo はPostgresPaymentEventRepoを生成する。
func NewPostgresPaymentEventRepo(db *sql.DB) *PostgresPaymentEventRepo {
	return &PostgresPaymentEventRepo{db: db}
}

// Create は受信イベントの監査レコードを作成する。
func (r *PostgresPaymentEventRepo) Create(ctx context.Context, event *model.PaymentEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_events
		     (id, provider, payment_reference, event_type, payload_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Provider, event.PaymentReference, event.EventType,
		event.PayloadJSON, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("支払いイベントの記録に失敗しました: %w", err)
	}
	return nil
}

// MarkProcessed はイベントの処理結果を記録する。
func (r *PostgresPaymentEventRepo) MarkProcessed(ctx context.Context, id string, processedAt time.Time, processingError string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE payment_events
		 SET processed_at = $2, processing_error = $3
		 WHERE id = $1`,
		id, processedAt, processingError,
	)
	if err != nil {
		return fmt.Errorf("支払いイベント処理結果の記録に失敗しました: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("処理結果更新の取得に失敗しました: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("支払いイベントが見つかりません: %s", id)
	}
	return nil
}

// compile-time interface check
var _ PaymentEventRepository = (*PostgresPaymentEventRepo)(nil)
