package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/kippu/internal/model"
)

// singleActiveIndexName は単一アクティブ制約を強制する部分一意インデックス名。
// マイグレーション0001で定義される。
const singleActiveIndexName = "ux_entitlements_subject_active"

// entitlementColumns はentitlementsテーブルのSELECT句。走査はscanEntitlementと対で使う。
const entitlementColumns = `id, subject_id, scope_id, state, duration_seconds,
	granted_at, start_deadline, started_at, expires_at, payment_reference,
	created_at, updated_at`

// PostgresEntitlementRepo はPostgreSQLを使用したアクセスパスリポジトリ。
// 単一アクティブ制約は部分一意インデックス、支払いの冪等性は
// payment_applicationsテーブルへの条件付きINSERTでストア側に強制させる。
type PostgresEntitlementRepo struct {
	db *sql.DB
}

// NewPostgresEntitlementRepo はPostgresEntitlementRepoを生成する。
func NewPostgresEntitlementRepo(db *sql.DB) *PostgresEntitlementRepo {
	return &PostgresEntitlementRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通走査インターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEntitlement は1行をEntitlementに読み取る。
func scanEntitlement(row rowScanner) (*model.Entitlement, error) {
	ent := &model.Entitlement{}
	var durationSeconds int64
	var startDeadline, startedAt, expiresAt sql.NullTime
	err := row.Scan(
		&ent.ID, &ent.SubjectID, &ent.ScopeID, &ent.State, &durationSeconds,
		&ent.GrantedAt, &startDeadline, &startedAt, &expiresAt, &ent.PaymentReference,
		&ent.CreatedAt, &ent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ent.Duration = time.Duration(durationSeconds) * time.Second
	if startDeadline.Valid {
		t := startDeadline.Time
		ent.StartDeadline = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		ent.StartedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		ent.ExpiresAt = &t
	}
	return ent, nil
}

// isSingleActiveViolation は部分一意インデックス違反かどうかを判定する。
func isSingleActiveViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505" && pqErr.Constraint == singleActiveIndexName
}

// FindByID は指定IDのアクセスパスを取得する。見つからない場合はnilを返す。
func (r *PostgresEntitlementRepo) FindByID(ctx context.Context, id string) (*model.Entitlement, error) {
	ent, err := scanEntitlement(r.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクセスパスの取得に失敗しました: %w", err)
	}
	return ent, nil
}

// FindLatestBySubjectAndScope はサブジェクトと体験の最新のアクセスパスを取得する。
// 付与日時の降順で最新1件を返す。見つからない場合はnilを返す。
func (r *PostgresEntitlementRepo) FindLatestBySubjectAndScope(ctx context.Context, subjectID, scopeID string) (*model.Entitlement, error) {
	ent, err := scanEntitlement(r.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE subject_id = $1 AND scope_id = $2
		 ORDER BY granted_at DESC LIMIT 1`,
		subjectID, scopeID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新アクセスパスの取得に失敗しました: %w", err)
	}
	return ent, nil
}

// FindByPaymentReference は支払い参照が適用されたアクセスパスを取得する。
// payment_applications経由で付与・延長いずれの適用先も解決する。
func (r *PostgresEntitlementRepo) FindByPaymentReference(ctx context.Context, paymentReference string) (*model.Entitlement, error) {
	ent, err := scanEntitlement(r.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements e
		 WHERE e.id = (
		     SELECT entitlement_id FROM payment_applications WHERE payment_reference = $1
		 )`,
		paymentReference,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("支払い参照によるアクセスパスの検索に失敗しました: %w", err)
	}
	return ent, nil
}

// CreateGrant はpending_startのアクセスパスを冪等に作成する。
// 支払い適用の記録（ON CONFLICT DO NOTHING）とレコード作成を
// 同一トランザクションで行い、再配送時は既存レコードを返す。
func (r *PostgresEntitlementRepo) CreateGrant(ctx context.Context, p GrantParams) (*model.Entitlement, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	ent, err := scanEntitlement(tx.QueryRowContext(ctx,
		`INSERT INTO entitlements
		     (id, subject_id, scope_id, state, duration_seconds,
		      granted_at, start_deadline, payment_reference, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending_start', $4, $5, $6, $7, NOW(), NOW())
		 ON CONFLICT (payment_reference) DO NOTHING
		 RETURNING `+entitlementColumns,
		p.ID, p.SubjectID, p.ScopeID, int64(p.Duration/time.Second),
		p.GrantedAt, p.StartDeadline, p.PaymentReference,
	))
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("アクセスパスの作成に失敗しました: %w", err)
	}

	var inserted int64
	if err == nil {
		result, execErr := tx.ExecContext(ctx,
			`INSERT INTO payment_applications (payment_reference, entitlement_id, kind, applied_at)
			 VALUES ($1, $2, 'grant', $3)
			 ON CONFLICT (payment_reference) DO NOTHING`,
			p.PaymentReference, ent.ID, p.GrantedAt,
		)
		if execErr != nil {
			return nil, false, fmt.Errorf("支払い適用の記録に失敗しました: %w", execErr)
		}
		inserted, execErr = result.RowsAffected()
		if execErr != nil {
			return nil, false, fmt.Errorf("支払い適用結果の取得に失敗しました: %w", execErr)
		}
	}

	// 適用済み参照の再配送: 何も書き込まず既存の適用先を返す
	if inserted == 0 {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return nil, false, fmt.Errorf("トランザクションのロールバックに失敗しました: %w", err)
		}
		applied, err := r.FindByPaymentReference(ctx, p.PaymentReference)
		if err != nil {
			return nil, false, err
		}
		return applied, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return ent, true, nil
}

// Activate はpending_startのレコードをactiveへ条件付きで遷移させる。
// 開始期限の検証・開始時刻の記録・有効期限の計算を単一のUPDATE文で行い、
// 並行するstart同士の競合は部分一意インデックスで店側に裁かせる。
func (r *PostgresEntitlementRepo) Activate(ctx context.Context, id string, now time.Time) (*model.Entitlement, error) {
	ent, err := scanEntitlement(r.db.QueryRowContext(ctx,
		`UPDATE entitlements
		 SET state = 'active',
		     started_at = $2,
		     expires_at = $2 + make_interval(secs => duration_seconds),
		     start_deadline = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND state = 'pending_start' AND start_deadline >= $2
		 RETURNING `+entitlementColumns,
		id, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if isSingleActiveViolation(err) {
			return nil, ErrSingleActiveConflict
		}
		return nil, fmt.Errorf("アクセスパスの開始に失敗しました: %w", err)
	}
	return ent, nil
}

// ExtendActive は支払い参照を冪等に消費してアクティブなパスの有効期限を延長する。
// 新しい期限はGREATEST(expires_at, now) + duration。失効後Grace以内の
// expiredレコードはactiveへ復帰させる。延長と支払い適用の記録は同一
// トランザクションで行い、対象不在時はロールバックして参照を消費しない。
func (r *PostgresEntitlementRepo) ExtendActive(ctx context.Context, p RenewalParams) (*model.Entitlement, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	ent, err := scanEntitlement(tx.QueryRowContext(ctx,
		`UPDATE entitlements
		 SET state = 'active',
		     expires_at = GREATEST(expires_at, $3) + make_interval(secs => $4),
		     updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM entitlements
		     WHERE subject_id = $1 AND scope_id = $2
		       AND state IN ('active', 'expired')
		       AND expires_at IS NOT NULL
		       AND expires_at > $3 - make_interval(secs => $5)
		     ORDER BY expires_at DESC
		     LIMIT 1
		     FOR UPDATE
		 )
		 RETURNING `+entitlementColumns,
		p.SubjectID, p.ScopeID, p.Now,
		int64(p.Duration/time.Second), int64(p.Grace/time.Second),
	))
	if err == sql.ErrNoRows {
		// 延長対象なし: 参照を消費せずに呼び出し側へ判断を返す
		return nil, false, nil
	}
	if err != nil {
		if isSingleActiveViolation(err) {
			return nil, false, ErrSingleActiveConflict
		}
		return nil, false, fmt.Errorf("アクセスパスの延長に失敗しました: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO payment_applications (payment_reference, entitlement_id, kind, applied_at)
		 VALUES ($1, $2, 'renewal', $3)
		 ON CONFLICT (payment_reference) DO NOTHING`,
		p.PaymentReference, ent.ID, p.Now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("支払い適用の記録に失敗しました: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("支払い適用結果の取得に失敗しました: %w", err)
	}

	// 適用済み参照の再配送: 延長をロールバックし、適用先をそのまま返す
	if inserted == 0 {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return nil, false, fmt.Errorf("トランザクションのロールバックに失敗しました: %w", err)
		}
		applied, err := r.FindByPaymentReference(ctx, p.PaymentReference)
		if err != nil {
			return nil, false, err
		}
		return applied, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return ent, true, nil
}

// MarkExpiredWithoutStart は開始期限を過ぎたpending_startレコードを
// expired_without_startへ条件付きで遷移させる。冪等。
func (r *PostgresEntitlementRepo) MarkExpiredWithoutStart(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET state = 'expired_without_start', start_deadline = NULL, updated_at = NOW()
		 WHERE id = $1 AND state = 'pending_start' AND start_deadline < $2`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("未開始失効への遷移に失敗しました: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("遷移結果の取得に失敗しました: %w", err)
	}
	return rows > 0, nil
}

// MarkExpired は有効期限を過ぎたactiveレコードをexpiredへ条件付きで遷移させる。冪等。
func (r *PostgresEntitlementRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET state = 'expired', updated_at = NOW()
		 WHERE id = $1 AND state = 'active' AND expires_at < $2`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("失効への遷移に失敗しました: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("遷移結果の取得に失敗しました: %w", err)
	}
	return rows > 0, nil
}

// ExpireOverduePending は開始期限を過ぎた全pending_startレコードを一括遷移させる。
// WHERE句がpending_startに限定されるためactiveレコードには決して触れない。
func (r *PostgresEntitlementRepo) ExpireOverduePending(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET state = 'expired_without_start', start_deadline = NULL, updated_at = NOW()
		 WHERE state = 'pending_start' AND start_deadline < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れpending_startの一括遷移に失敗しました: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("一括遷移結果の取得に失敗しました: %w", err)
	}
	return rows, nil
}

// compile-time interface check
var _ EntitlementRepository = (*PostgresEntitlementRepo)(nil)
