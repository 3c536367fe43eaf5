package handler

import (
	"context"
	"time"

	"github.com/hitoshi/kippu/internal/entitlement"
	"github.com/hitoshi/kippu/internal/pricing"
)

// RenewalOfferServiceAdapter は entitlement.Engine と pricing.Policy を
// RenewalOfferServiceInterface に適合させるアダプタ。
// 見積もりは遅延失効込みの現在状態に対して行う。
type RenewalOfferServiceAdapter struct {
	engine *entitlement.Engine
	policy *pricing.Policy

	// now はテストで時計を固定するための関数。
	now func() time.Time
}

// NewRenewalOfferServiceAdapter はRenewalOfferServiceAdapterを生成する。
func NewRenewalOfferServiceAdapter(engine *entitlement.Engine, policy *pricing.Policy) *RenewalOfferServiceAdapter {
	return &RenewalOfferServiceAdapter{
		engine: engine,
		policy: policy,
		now:    time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (a *RenewalOfferServiceAdapter) SetClock(now func() time.Time) {
	a.now = now
}

// QuoteRenewal は主体の現在のアクティブなパスに対する割引延長オファーを見積もる。
func (a *RenewalOfferServiceAdapter) QuoteRenewal(ctx context.Context, subjectID, scopeID string) (*pricing.RenewalOffer, error) {
	ent, err := a.engine.Query(ctx, subjectID, scopeID)
	if err != nil {
		return nil, err
	}
	return a.policy.Quote(ent, a.now())
}

var _ RenewalOfferServiceInterface = (*RenewalOfferServiceAdapter)(nil)
