// Package app はアプリケーションの起動と依存関係のワイヤリングを担当する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kippu/internal/config"
	"github.com/hitoshi/kippu/internal/database"
	"github.com/hitoshi/kippu/internal/entitlement"
	"github.com/hitoshi/kippu/internal/handler"
	"github.com/hitoshi/kippu/internal/logger"
	"github.com/hitoshi/kippu/internal/metrics"
	"github.com/hitoshi/kippu/internal/middleware"
	"github.com/hitoshi/kippu/internal/payment"
	"github.com/hitoshi/kippu/internal/pricing"
	"github.com/hitoshi/kippu/internal/repository"
	"github.com/hitoshi/kippu/internal/security"
	"github.com/hitoshi/kippu/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// .envファイル（存在する場合）と環境変数からConfigを読み込み、
// JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルがあれば読み込む（ローカル開発用。本番では環境変数のみ）
	if err := godotenv.Load(); err == nil {
		slog.Info(".envファイルを読み込みました")
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	entitlementRepo := repository.NewPostgresEntitlementRepo(db)
	paymentEventRepo := repository.NewPostgresPaymentEventRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 支払いプロバイダクライアントの初期化
	// プロバイダ照会は外向きリクエストのため、SSRFガード付きクライアントを使う
	outboundGuard := security.NewOutboundGuard()
	if err := outboundGuard.ValidateBaseURL(cfg.PaymentAPIBaseURL); err != nil {
		return fmt.Errorf("invalid payment API base URL: %w", err)
	}
	paymentClient := payment.NewClient(
		outboundGuard.NewSafeClient(cfg.PaymentAPITimeout),
		cfg.PaymentAPIBaseURL, cfg.PaymentAPIToken, slog.Default(),
	)

	// 5. ドメインサービスの初期化
	engine := entitlement.NewEngine(entitlementRepo, slog.Default(), collector, entitlement.Config{
		StartWindow:  cfg.StartWindow,
		RenewalGrace: cfg.RenewalGrace,
	})

	ingestor := payment.NewIngestor(
		engine, paymentClient, paymentEventRepo,
		slog.Default(), collector, payment.DefaultRetryConfig(),
	)

	policy := pricing.NewPolicy(cfg.PriceCents, cfg.RenewalDiscountPercent, cfg.RenewalOfferWindow)
	offerAdapter := handler.NewRenewalOfferServiceAdapter(engine, policy)

	// 運用トリガー用のスイープジョブ（定期実行はworkerモードが担う）
	sweepJob := sweep.NewJob(entitlementRepo, slog.Default(), collector)

	// 6. ルーターの構築
	rateLimiterCfg := middleware.NewRateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitStart)

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		Logger:            slog.Default(),

		EntitlementService:  engine,
		RenewalOfferService: offerAdapter,

		PaymentIngestor: ingestor,

		SweepRunner: sweepJob,
		SweepToken:  cfg.SweepToken,

		MetricsGatherer: registry,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、失効スイープのスケジューラを起動する。
// スイープは最適化であり、APIの遅延失効が正しさを保証するため、
// ワーカーの停止がユーザー可視の状態を壊すことはない。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. スイープジョブの初期化
	entitlementRepo := repository.NewPostgresEntitlementRepo(db)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	sweepJob := sweep.NewJob(entitlementRepo, slog.Default(), collector)

	// 3. スケジューラの起動
	scheduler := sweep.NewScheduler(sweepJob, slog.Default(), cfg.SweepInterval)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
	)

	// スイープスケジューラをメインgoroutineで実行（ブロッキング）
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("sweep scheduler failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
