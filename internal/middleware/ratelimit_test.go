package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(1000),
		GeneralBurst:    3,
		StartRate:       rate.Limit(0.001),
		StartBurst:      2,
		CleanupInterval: time.Hour,
	}
}

// 環境変数由来の毎分上限がそのままレート設定に反映されることを検証する。
func TestNewRateLimiterConfigPerMinute(t *testing.T) {
	cfg := NewRateLimiterConfigPerMinute(60, 5)

	if cfg.GeneralRate != rate.Limit(1.0) {
		t.Errorf("GeneralRate = %v, want %v", cfg.GeneralRate, rate.Limit(1.0))
	}
	if cfg.GeneralBurst != 60 {
		t.Errorf("GeneralBurst = %d, want 60", cfg.GeneralBurst)
	}
	if cfg.StartRate != rate.Limit(5.0/60.0) {
		t.Errorf("StartRate = %v, want %v", cfg.StartRate, rate.Limit(5.0/60.0))
	}
	if cfg.StartBurst != 5 {
		t.Errorf("StartBurst = %d, want 5", cfg.StartBurst)
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralBurst != 120 || cfg.StartBurst != 10 {
		t.Errorf("bursts = %d/%d, want 120/10", cfg.GeneralBurst, cfg.StartBurst)
	}
	if cfg.GeneralRate != rate.Limit(2.0) {
		t.Errorf("GeneralRate = %v, want 2 req/sec", cfg.GeneralRate)
	}
}

func TestRateLimiter_StartMiddleware_BurstExhaustion(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.StartMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doRequest := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/entitlements/scope-1/start", nil)
		req = req.WithContext(ContextWithSubjectID(req.Context(), "subject-1"))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Result().StatusCode
	}

	// バースト上限まで許可される
	for i := 0; i < 2; i++ {
		if got := doRequest(); got != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, got, http.StatusOK)
		}
	}

	// バースト上限を超えると429
	resp := doRequest()
	if resp != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", resp, http.StatusTooManyRequests)
	}
}

func TestRateLimiter_StartMiddleware_PerSubject(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.StartMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doRequest := func(subjectID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/entitlements/scope-1/start", nil)
		req = req.WithContext(ContextWithSubjectID(req.Context(), subjectID))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Result().StatusCode
	}

	// subject-aのバーストを使い切る
	doRequest("subject-a")
	doRequest("subject-a")
	if got := doRequest("subject-a"); got != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", got, http.StatusTooManyRequests)
	}

	// 別の主体は影響を受けない
	if got := doRequest("subject-b"); got != http.StatusOK {
		t.Errorf("status = %d, want %d", got, http.StatusOK)
	}

	if count := rl.StartLimiterCount(); count != 2 {
		t.Errorf("StartLimiterCount() = %d, want 2", count)
	}
}

func TestRateLimiter_GeneralMiddleware_Unauthenticated(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/entitlements/scope-1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestRateLimiter_RetryAfterHeader(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.StartMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var resp *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/entitlements/scope-1/start", nil)
		req = req.WithContext(ContextWithSubjectID(req.Context(), "subject-retry"))
		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
	}

	if resp.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.Result().StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header is empty")
	}
}
