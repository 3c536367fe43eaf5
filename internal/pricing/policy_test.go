package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

func activeEntitlement(expiresAt time.Time) *model.Entitlement {
	return &model.Entitlement{
		ID:        "ent-1",
		SubjectID: "subject-1",
		ScopeID:   "scope-1",
		State:     model.StateActive,
		ExpiresAt: &expiresAt,
	}
}

func TestPolicy_Quote(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	policy := NewPolicy(1500, 20, 10*time.Minute)

	tests := []struct {
		name      string
		ent       *model.Entitlement
		wantCode  string
		wantPrice int
	}{
		{
			name:      "オファー期間内は割引価格を提示する",
			ent:       activeEntitlement(now.Add(5 * time.Minute)),
			wantPrice: 1200,
		},
		{
			name:      "期限ちょうどOfferWindow前も対象",
			ent:       activeEntitlement(now.Add(10 * time.Minute)),
			wantPrice: 1200,
		},
		{
			name:     "残り時間に余裕がある間は提示しない",
			ent:      activeEntitlement(now.Add(11 * time.Minute)),
			wantCode: model.ErrCodeOfferNotAvailable,
		},
		{
			name:     "期限切れのパスは対象外",
			ent:      activeEntitlement(now.Add(-time.Second)),
			wantCode: model.ErrCodeNoActiveEntitlement,
		},
		{
			name:     "アクティブでないパスは対象外",
			ent:      &model.Entitlement{SubjectID: "subject-1", State: model.StatePendingStart},
			wantCode: model.ErrCodeNoActiveEntitlement,
		},
		{
			name:     "パスが存在しない場合",
			ent:      nil,
			wantCode: model.ErrCodeNoActiveEntitlement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer, err := policy.Quote(tt.ent, now)
			if tt.wantCode != "" {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
					t.Fatalf("error = %v, want code %q", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Quote() error = %v", err)
			}
			if offer.PriceCents != tt.wantPrice {
				t.Errorf("PriceCents = %d, want %d", offer.PriceCents, tt.wantPrice)
			}
			if offer.ListPriceCents != 1500 {
				t.Errorf("ListPriceCents = %d, want 1500", offer.ListPriceCents)
			}
			if offer.DiscountPercent != 20 {
				t.Errorf("DiscountPercent = %d, want 20", offer.DiscountPercent)
			}
			if !offer.OfferExpiresAt.Equal(*tt.ent.ExpiresAt) {
				t.Errorf("OfferExpiresAt = %v, want %v", offer.OfferExpiresAt, tt.ent.ExpiresAt)
			}
		})
	}
}

func TestPolicy_Quote_RemainingMatchesClock(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	policy := NewPolicy(1000, 30, 10*time.Minute)

	offer, err := policy.Quote(activeEntitlement(now.Add(7*time.Minute)), now)
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	if offer.Remaining != 7*time.Minute {
		t.Errorf("Remaining = %v, want 7m", offer.Remaining)
	}
}

func TestPolicy_Quote_ZeroDiscount(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	policy := NewPolicy(1500, 0, 10*time.Minute)

	offer, err := policy.Quote(activeEntitlement(now.Add(time.Minute)), now)
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	if offer.PriceCents != 1500 {
		t.Errorf("PriceCents = %d, want list price 1500", offer.PriceCents)
	}
}
