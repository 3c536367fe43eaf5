package countdown

import (
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

func TestRemaining(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		now       time.Time
		want      time.Duration
	}{
		{
			name:      "将来の有効期限",
			expiresAt: base.Add(time.Hour),
			now:       base,
			want:      time.Hour,
		},
		{
			name:      "ちょうど有効期限",
			expiresAt: base,
			now:       base,
			want:      0,
		},
		{
			name:      "過去の有効期限は0に丸める",
			expiresAt: base,
			now:       base.Add(10 * time.Minute),
			want:      0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Remaining(tt.expiresAt, tt.now)
			if got != tt.want {
				t.Errorf("Remaining() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconciler_Evaluate_WarningFiresOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := base.Add(10 * time.Minute)

	warnings := 0
	r := NewReconciler(expiresAt, Config{
		TickInterval:     time.Second,
		WarningThreshold: 5 * time.Minute,
	}, Hooks{
		OnWarning: func(remaining time.Duration) { warnings++ },
	})

	// 閾値より手前では発火しない
	now := base
	r.SetClock(func() time.Time { return now })
	if expired := r.Evaluate(); expired {
		t.Fatal("Evaluate() = true, want false")
	}
	if warnings != 0 {
		t.Fatalf("warnings = %d, want 0", warnings)
	}

	// 閾値を下回った最初の評価で1回発火する
	now = base.Add(6 * time.Minute)
	r.Evaluate()
	if warnings != 1 {
		t.Fatalf("warnings = %d, want 1", warnings)
	}

	// 時計のゆらぎで閾値を往復しても再発火しない
	now = base.Add(4*time.Minute + 30*time.Second)
	r.Evaluate()
	now = base.Add(7 * time.Minute)
	r.Evaluate()
	if warnings != 1 {
		t.Errorf("warnings = %d, want 1", warnings)
	}
}

func TestReconciler_Evaluate_Expiry(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := base.Add(time.Minute)

	expirations := 0
	r := NewReconciler(expiresAt, DefaultConfig(), Hooks{
		OnExpired: func() { expirations++ },
	})

	now := base
	r.SetClock(func() time.Time { return now })
	if expired := r.Evaluate(); expired {
		t.Fatal("Evaluate() = true, want false")
	}

	// スリープからの復帰を模して一気に有効期限を跨ぐ
	now = base.Add(time.Hour)
	if expired := r.Evaluate(); !expired {
		t.Fatal("Evaluate() = false, want true")
	}
	if expirations != 1 {
		t.Errorf("expirations = %d, want 1", expirations)
	}
}

func TestReconciler_Evaluate_RecomputesFromAbsoluteTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := base.Add(time.Hour)

	var last time.Duration
	r := NewReconciler(expiresAt, DefaultConfig(), Hooks{
		OnTick: func(remaining time.Duration) { last = remaining },
	})

	now := base
	r.SetClock(func() time.Time { return now })
	r.Evaluate()
	if last != time.Hour {
		t.Fatalf("remaining = %v, want %v", last, time.Hour)
	}

	// ティックが全く動かなかった期間があっても、再計算は常に絶対時刻基準
	now = base.Add(45 * time.Minute)
	r.Evaluate()
	if last != 15*time.Minute {
		t.Errorf("remaining = %v, want %v", last, 15*time.Minute)
	}
}

func TestReconciler_Wake_NonBlocking(t *testing.T) {
	r := NewReconciler(time.Now().Add(time.Hour), DefaultConfig(), Hooks{})

	// 連続呼び出しでもブロックしない
	r.Wake()
	r.Wake()
	r.Wake()
}

func TestEnter(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := base.Add(time.Hour)
	past := base.Add(-time.Hour)

	tests := []struct {
		name    string
		status  *Status
		readErr error
		want    bool
	}{
		{
			name:   "有効な付与は入場を許可する",
			status: &Status{State: model.StateActive, ExpiresAt: &future},
			want:   true,
		},
		{
			name:    "読み取り失敗は付与なしとして扱う",
			status:  &Status{State: model.StateActive, ExpiresAt: &future},
			readErr: errors.New("network error"),
			want:    false,
		},
		{
			name:   "付与なし",
			status: nil,
			want:   false,
		},
		{
			name:   "開始前の付与は入場不可",
			status: &Status{State: model.StatePendingStart},
			want:   false,
		},
		{
			name:   "既に失効している付与は入場不可",
			status: &Status{State: model.StateActive, ExpiresAt: &past},
			want:   false,
		},
		{
			name:   "失効状態",
			status: &Status{State: model.StateExpired, ExpiresAt: &past},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := Enter(tt.status, tt.readErr, DefaultConfig(), Hooks{}, base)
			if ok != tt.want {
				t.Errorf("Enter() ok = %v, want %v", ok, tt.want)
			}
			if ok && r == nil {
				t.Error("Enter() returned ok with nil reconciler")
			}
		})
	}
}
