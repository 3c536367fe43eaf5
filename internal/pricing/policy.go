// Package pricing は延長（リニューアル）の価格ポリシーを提供する。
// 割引延長は有効期限直前の限られた時間帯にのみ提示される。
package pricing

import (
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

// Policy は割引延長の提示条件と価格を決定する。
type Policy struct {
	// BasePriceCents は通常購入の価格（セント）。
	BasePriceCents int
	// DiscountPercent は延長時の割引率（0-100）。
	DiscountPercent int
	// OfferWindow は有効期限前のどれだけの期間オファーを提示するか。
	OfferWindow time.Duration
}

// NewPolicy はPolicyを生成する。
func NewPolicy(basePriceCents, discountPercent int, offerWindow time.Duration) *Policy {
	return &Policy{
		BasePriceCents:  basePriceCents,
		DiscountPercent: discountPercent,
		OfferWindow:     offerWindow,
	}
}

// RenewalOffer は提示された割引延長オファー。
type RenewalOffer struct {
	PriceCents      int           // 割引後価格
	ListPriceCents  int           // 通常価格
	DiscountPercent int           // 適用割引率
	Remaining       time.Duration // 見積もり時点の残り時間
	OfferExpiresAt  time.Time     // オファーの失効時刻（= パスの有効期限）
}

// Quote は指定のアクセスパスに対する割引延長オファーを見積もる。
// アクティブなパスが存在しない（または既に期限切れの）場合は
// NoActiveEntitlement、有効期限までOfferWindowより余裕がある場合は
// OfferNotAvailableを返す。
func (p *Policy) Quote(ent *model.Entitlement, now time.Time) (*RenewalOffer, error) {
	if ent == nil || ent.State != model.StateActive {
		subjectID := ""
		if ent != nil {
			subjectID = ent.SubjectID
		}
		return nil, model.NewNoActiveEntitlementError(subjectID)
	}

	remaining := ent.RemainingAt(now)
	if remaining <= 0 {
		return nil, model.NewNoActiveEntitlementError(ent.SubjectID)
	}
	if remaining > p.OfferWindow {
		return nil, model.NewOfferNotAvailableError()
	}

	return &RenewalOffer{
		PriceCents:      p.BasePriceCents * (100 - p.DiscountPercent) / 100,
		ListPriceCents:  p.BasePriceCents,
		DiscountPercent: p.DiscountPercent,
		Remaining:       remaining,
		OfferExpiresAt:  *ent.ExpiresAt,
	}, nil
}
