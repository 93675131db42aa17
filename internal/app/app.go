package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/projecthub/internal/cache"
	"github.com/hitoshi/projecthub/internal/config"
	"github.com/hitoshi/projecthub/internal/database"
	"github.com/hitoshi/projecthub/internal/events"
	"github.com/hitoshi/projecthub/internal/handler"
	"github.com/hitoshi/projecthub/internal/kvstore"
	"github.com/hitoshi/projecthub/internal/logger"
	"github.com/hitoshi/projecthub/internal/metrics"
	"github.com/hitoshi/projecthub/internal/middleware"
	"github.com/hitoshi/projecthub/internal/notification"
	"github.com/hitoshi/projecthub/internal/presence"
	"github.com/hitoshi/projecthub/internal/project"
	"github.com/hitoshi/projecthub/internal/realtime"
	"github.com/hitoshi/projecthub/internal/repository"
	"github.com/hitoshi/projecthub/internal/worker/cleanup"
	"github.com/hitoshi/projecthub/internal/worker/expiry"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

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

	if len(args) > 0 && !IsKnownCommand(args[0]) {
		slog.Warn("unknown command, falling back to serve",
			slog.String("command", args[0]),
			slog.String("usage", Usage()),
		)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("kv_backend", cfg.KVBackend),
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

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openStore はKV_BACKENDに応じたキーバリューストアを開く。
// 返されるclose関数はストアが保持する接続を解放する。
func openStore(ctx context.Context, cfg *config.Config, db *sql.DB) (kvstore.Store, func(), error) {
	switch cfg.KVBackend {
	case config.KVBackendMemory:
		return kvstore.NewMemoryStore(cfg.CacheQuotaBytes), func() {}, nil
	case config.KVBackendRedis:
		store := kvstore.NewRedisStore(kvstore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, func() { store.Close() }, nil
	case config.KVBackendPostgres:
		if db == nil {
			return nil, nil, fmt.Errorf("postgres kv backend requires a database connection")
		}
		return kvstore.NewPostgresStore(db), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported kv backend %q", cfg.KVBackend)
	}
}

// cacheConfig はデフォルトのキャッシュ設定にCACHE_KEY_PREFIXとCACHE_POLICY_FILEの上書きを適用する。
func cacheConfig(cfg *config.Config) (cache.Config, error) {
	cacheCfg := cache.DefaultConfig()
	if cfg.CacheKeyPrefix != "" {
		cacheCfg.Prefix = cfg.CacheKeyPrefix
	}
	if cfg.CachePolicyFile == "" {
		return cacheCfg, nil
	}

	overrides, err := config.LoadCachePolicies(cfg.CachePolicyFile)
	if err != nil {
		return cache.Config{}, err
	}
	if overrides.Default != nil {
		cacheCfg.Default = cache.Policy{Duration: overrides.Default.Duration, Version: overrides.Default.Version}
	}
	for logical, p := range overrides.Policies {
		cacheCfg = cacheCfg.WithPolicy(logical, cache.Policy{Duration: p.Duration, Version: p.Version})
	}
	return cacheCfg, nil
}

// rateLimiterConfig はreq/min単位の設定値をreq/secのレート制限設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitWrite > 0 {
		rlCfg.WriteRate = rate.Limit(float64(cfg.RateLimitWrite) / 60.0)
		rlCfg.WriteBurst = cfg.RateLimitWrite
	}
	return rlCfg
}

// newBeacon はBEACON_URLが設定されていればHTTPBeaconを、なければStoreBeaconを返す。
func newBeacon(cfg *config.Config, profiles repository.ProfileRepository) presence.Beacon {
	if cfg.BeaconURL != "" {
		return presence.NewHTTPBeacon(nil, cfg.BeaconURL, cfg.BeaconAPIKey, slog.Default())
	}
	return presence.NewStoreBeacon(profiles)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクスとイベントバス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	bus := events.NewBus()

	// 3. キャッシュ
	store, closeStore, err := openStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	cacheCfg, err := cacheConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to load cache policies: %w", err)
	}
	cacheManager := cache.New(store, cacheCfg,
		cache.WithLogger(slog.Default()),
		cache.WithBus(bus),
		cache.WithRecorder(collector),
	)

	// 4. 変更フィード（LISTEN/NOTIFY → Hub）
	hub := realtime.NewHub()
	listener := realtime.NewPostgresListener(cfg.DatabaseURL, hub, slog.Default())
	go func() {
		if err := listener.Run(ctx); err != nil {
			slog.Error("change feed listener stopped", slog.String("error", err.Error()))
		}
	}()

	// 5. リポジトリの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	projectRepo := repository.NewPostgresProjectRepo(db)
	domainRepo := repository.NewPostgresDomainRepo(db)
	commentRepo := repository.NewPostgresCommentRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)

	// 6. ドメインサービスの初期化
	projectService := project.NewService(project.Deps{
		Projects:      projectRepo,
		Comments:      commentRepo,
		Domains:       domainRepo,
		Notifications: notificationRepo,
		Messages:      messageRepo,
		Cache:         cacheManager,
		Bus:           bus,
		Logger:        slog.Default(),
	}, cfg.DomainExpiryWindow)

	centers := notification.NewRegistry(notification.Deps{
		Notifications: notificationRepo,
		Messages:      messageRepo,
		Domains:       domainRepo,
		Cache:         cacheManager,
		Feed:          hub,
		Bus:           bus,
		Logger:        slog.Default(),
		Recorder:      collector,
	}, notification.Options{
		Debounce:     cfg.NotifyDebounce,
		ExpiryWindow: cfg.DomainExpiryWindow,
		CommentLimit: cfg.CommentListLimit,
		SaveTimeout:  cfg.SaveTimeout,
	})
	defer centers.Close()

	trackers := presence.NewRegistry(presence.Deps{
		Sessions: sessionRepo,
		Profiles: profileRepo,
		Cache:    cacheManager,
		Store:    store,
		Beacon:   newBeacon(cfg, profileRepo),
		Logger:   slog.Default(),
		Recorder: collector,
	}, presence.Options{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		SessionLookupTimeout: cfg.SessionLookupTimeout,
		ProfileStaleAfter:    cfg.ProfileStaleAfter,
		Retry:                presence.DefaultRetryPolicy(),
	})
	defer trackers.Close()

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		SessionConfig: handler.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		MetricsHandler: metrics.Handler(registry),
		StreamRecorder: collector,

		ProjectService:      projectService,
		NotificationService: handler.NewNotificationServiceAdapter(centers),
		PresenceService:     handler.NewPresenceServiceAdapter(trackers, centers),
		Events:              bus,
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	// WriteTimeoutはSSEストリームではハンドラ側で解除する
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

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	// 変更フィードを先に止め、SSEストリームを終了させる
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ドメイン期限通知ジョブとクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. キャッシュ（APIサーバーと同じKVバックエンドを共有する）
	store, closeStore, err := openStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.KVBackend == config.KVBackendMemory {
		slog.Warn("memory kv backend is process-local; worker cache invalidation will not reach the API server")
	}

	cacheCfg, err := cacheConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to load cache policies: %w", err)
	}
	collector := metrics.NewCollector(prometheus.NewRegistry())
	cacheManager := cache.New(store, cacheCfg,
		cache.WithLogger(slog.Default()),
		cache.WithRecorder(collector),
	)

	// 3. リポジトリの初期化
	domainRepo := repository.NewPostgresDomainRepo(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)

	// 4. ジョブの初期化
	expiryCfg := expiry.DefaultConfig()
	expiryCfg.Interval = cfg.ExpiryScanInterval
	expiryJob := expiry.NewJob(domainRepo, notificationRepo, cacheManager, collector, slog.Default(), expiryCfg)

	cleanupJob := cleanup.NewCleanupJob(db, cacheManager, slog.Default())
	cleanupJob.RetentionDays = cfg.NotificationRetentionDays
	cleanupJob.Interval = cfg.CleanupInterval

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("expiry_scan_interval", cfg.ExpiryScanInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.NotificationRetentionDays),
	)

	// クリーンアップジョブをバックグラウンドで起動
	go cleanupJob.Start(ctx)

	// ドメイン期限通知ジョブをメインgoroutineで実行（ブロッキング）
	expiryJob.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
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
