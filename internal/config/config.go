// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Payment provider
	PaymentAPIBaseURL string
	PaymentAPIToken   string
	PaymentAPITimeout time.Duration

	// Entitlement lifecycle
	StartWindow  time.Duration
	RenewalGrace time.Duration

	// Renewal offer
	RenewalOfferWindow     time.Duration
	RenewalDiscountPercent int
	PriceCents             int

	// Sweep
	SweepInterval time.Duration
	SweepToken    string

	// Rate Limit
	RateLimitGeneral int
	RateLimitStart   int

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.PaymentAPIBaseURL = os.Getenv("PAYMENT_API_BASE_URL")
	if cfg.PaymentAPIBaseURL == "" {
		missing = append(missing, "PAYMENT_API_BASE_URL")
	}

	cfg.PaymentAPIToken = os.Getenv("PAYMENT_API_TOKEN")
	if cfg.PaymentAPIToken == "" {
		missing = append(missing, "PAYMENT_API_TOKEN")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.PaymentAPITimeout = getEnvDuration("PAYMENT_API_TIMEOUT", 10*time.Second)
	cfg.StartWindow = getEnvDuration("START_WINDOW", 30*time.Minute)
	cfg.RenewalGrace = getEnvDuration("RENEWAL_GRACE", 120*time.Second)
	cfg.RenewalOfferWindow = getEnvDuration("RENEWAL_OFFER_WINDOW", 5*time.Minute)
	cfg.RenewalDiscountPercent = getEnvInt("RENEWAL_DISCOUNT_PERCENT", 20)
	cfg.PriceCents = getEnvInt("PRICE_CENTS", 1000)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.SweepToken = getEnvString("SWEEP_TOKEN", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitStart = getEnvInt("RATE_LIMIT_START", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.RenewalDiscountPercent < 0 || cfg.RenewalDiscountPercent > 100 {
		return nil, fmt.Errorf("RENEWAL_DISCOUNT_PERCENT must be between 0 and 100: %d", cfg.RenewalDiscountPercent)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
