package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/kippu/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	StartRate       rate.Limit    // 入場開始のレート（req/sec）。10/60
	StartBurst      int           // 入場開始のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// デフォルト: API全般 120 req/min/subject、入場開始 10 req/min/subject
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfigPerMinute(120, 10)
}

// NewRateLimiterConfigPerMinute は毎分あたりのリクエスト数からレート制限設定を構築する。
// バーストサイズは毎分の上限と同じ値を使う。
func NewRateLimiterConfigPerMinute(generalPerMinute, startPerMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		StartRate:       rate.Limit(float64(startPerMinute) / 60.0),
		StartBurst:      startPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// subjectLimiter は主体ごとのレートリミッターとアクセス時刻を保持する。
type subjectLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は主体ごとのレート制限を管理する。
// API全般のレート制限と入場開始のレート制限の2種類を提供する。
// 開始操作は失効窓の判定を伴うため、連打による競合増幅を別枠で抑える。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*subjectLimiter

	startMu       sync.RWMutex
	startLimiters map[string]*subjectLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*subjectLimiter),
		startLimiters:   make(map[string]*subjectLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストに主体IDが含まれている必要がある（SessionMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, err := SubjectIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateGeneralLimiter(subjectID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("レート制限を超過しました",
					slog.String("subject_id", subjectID),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StartMiddleware は入場開始専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) StartMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, err := SubjectIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateStartLimiter(subjectID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.StartRate)
				slog.Warn("レート制限を超過しました",
					slog.String("subject_id", subjectID),
					slog.String("limit_type", "start"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// StartLimiterCount は現在管理されている入場開始リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) StartLimiterCount() int {
	rl.startMu.RLock()
	defer rl.startMu.RUnlock()
	return len(rl.startLimiters)
}

// getOrCreateGeneralLimiter は主体のAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(subjectID string) *rate.Limiter {
	rl.generalMu.RLock()
	sl, exists := rl.generalLimiters[subjectID]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		sl.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return sl.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if sl, exists := rl.generalLimiters[subjectID]; exists {
		sl.lastAccess = time.Now()
		return sl.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[subjectID] = &subjectLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateStartLimiter は主体の入場開始リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateStartLimiter(subjectID string) *rate.Limiter {
	rl.startMu.RLock()
	sl, exists := rl.startLimiters[subjectID]
	rl.startMu.RUnlock()

	if exists {
		rl.startMu.Lock()
		sl.lastAccess = time.Now()
		rl.startMu.Unlock()
		return sl.limiter
	}

	rl.startMu.Lock()
	defer rl.startMu.Unlock()

	// ダブルチェック
	if sl, exists := rl.startLimiters[subjectID]; exists {
		sl.lastAccess = time.Now()
		return sl.limiter
	}

	limiter := rate.NewLimiter(rl.config.StartRate, rl.config.StartBurst)
	rl.startLimiters[subjectID] = &subjectLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for subjectID, sl := range rl.generalLimiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(rl.generalLimiters, subjectID)
		}
	}
	rl.generalMu.Unlock()

	rl.startMu.Lock()
	for subjectID, sl := range rl.startLimiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(rl.startLimiters, subjectID)
		}
	}
	rl.startMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。しばらく待ってから再度お試しください。",
		Category: "system",
		Action:   "指定された時間の経過後に再試行してください。",
	})
}
