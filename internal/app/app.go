package app

import (
	"context"
	"database/sql"
	"errors"
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

	"github.com/hitoshi/uscout/internal/auth"
	"github.com/hitoshi/uscout/internal/chat"
	"github.com/hitoshi/uscout/internal/client"
	"github.com/hitoshi/uscout/internal/config"
	"github.com/hitoshi/uscout/internal/database"
	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/feed"
	"github.com/hitoshi/uscout/internal/handler"
	"github.com/hitoshi/uscout/internal/highlight"
	"github.com/hitoshi/uscout/internal/logger"
	"github.com/hitoshi/uscout/internal/metrics"
	"github.com/hitoshi/uscout/internal/middleware"
	"github.com/hitoshi/uscout/internal/profile"
	"github.com/hitoshi/uscout/internal/push"
	"github.com/hitoshi/uscout/internal/realtime"
	"github.com/hitoshi/uscout/internal/repository"
	"github.com/hitoshi/uscout/internal/security"
	"github.com/hitoshi/uscout/internal/session"
	"github.com/hitoshi/uscout/internal/storage"
	"github.com/hitoshi/uscout/internal/worker/cleanup"
	importworker "github.com/hitoshi/uscout/internal/worker/importer"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. .envがあれば環境変数に取り込む
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// .env由来のLOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するまで動作する。argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はctxがキャンセルされるまでサブコマンドを実行する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// backend は永続化層の一式。メモリバックエンドではdbがnil。
type backend struct {
	db       *sql.DB
	store    docstore.Store
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	close    func()
}

// openBackend はSTORE_BACKENDに応じて永続化層を開く。
func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return &backend{
			store:    docstore.WithTimeout(docstore.NewMemoryStore(), cfg.StoreTimeout),
			accounts: repository.NewMemoryAccountRepo(),
			sessions: repository.NewMemorySessionRepo(),
			close:    func() {},
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	db, err := database.Connect(connectCtx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")

	docs, err := repository.NewPostgresDocumentStore(db, cfg.DatabaseURL, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	return &backend{
		db:       db,
		store:    docstore.WithTimeout(docs, cfg.StoreTimeout),
		accounts: repository.NewPostgresAccountRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
		close: func() {
			docs.Close()
			db.Close()
		},
	}, nil
}

// server はserveモードで組み立てた依存一式。
type server struct {
	handler   http.Handler
	hub       *realtime.Hub
	limiter   *middleware.RateLimiter
	collector *metrics.Collector
}

func (s *server) shutdown() {
	s.hub.Shutdown()
	s.limiter.Stop()
}

// newServer は全依存関係をワイヤリングしてルーターを構築する。
func newServer(ctx context.Context, cfg *config.Config, b *backend, reg *prometheus.Registry, log *slog.Logger) (*server, error) {
	collector := metrics.NewCollector(reg)
	ssrfGuard := security.NewSSRFGuard()

	authService := auth.NewService(b.accounts, b.sessions, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		TicketSecret:  []byte(cfg.TicketSecret),
		TicketTTL:     cfg.TicketTTL,
		BcryptCost:    cfg.BcryptCost,
	})

	// configはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.WriteRate = rate.Limit(float64(cfg.RateLimitWrite) / 60.0)
	rateLimiterCfg.WriteBurst = cfg.RateLimitWrite
	limiter := middleware.NewRateLimiter(rateLimiterCfg)

	hub := realtime.NewHub(authService, client.Deps{
		Store:     b.store,
		Notifier:  push.NewLogNotifier(log),
		Validator: ssrfGuard,
		Limiter:   limiter,
		Recorder:  collector,
		Config: client.Config{
			ChatAppendMode:     chat.AppendMode(cfg.ChatAppendMode),
			HighlightTimestamp: highlight.TimestampSource(cfg.HighlightTimestamp),
		},
		Logger: log,
	}, realtime.Config{
		SendQueue:      cfg.WSSendQueue,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		AllowedOrigins: []string{cfg.CORSAllowedOrigin},
	}, collector, log)

	// HTTPの一回読みは購読しないため、空のStateで足りる
	state := session.NewState()
	profiles := profile.NewService(b.store, state, log, collector)
	viewer := profile.NewViewer(
		profiles,
		feed.NewService(b.store, state, log, collector),
		highlight.NewService(b.store, state, ssrfGuard, highlight.ServiceConfig{}, log, collector),
	)

	deps := &handler.RouterDeps{
		SessionFinder:     b.sessions,
		TicketVerifier:    authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		RateLimiter:    limiter,
		Logger:         log,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		Profiles: profiles,
		Viewer:   viewer,
		Realtime: hub,
	}
	// nilの*sql.DBや*storage.Storageを入れるとインターフェースが非nilになる
	if b.db != nil {
		deps.HealthChecker = b.db
	}

	storageCfg := storage.Config{
		Endpoint:      cfg.StorageEndpoint,
		Region:        cfg.StorageRegion,
		Bucket:        cfg.StorageBucket,
		AccessKey:     cfg.StorageAccessKey,
		SecretKey:     cfg.StorageSecretKey,
		PublicBaseURL: cfg.StoragePublicBaseURL,
		UploadExpiry:  cfg.StorageUploadExpiry,
	}
	if storageCfg.Enabled() {
		uploads, err := storage.New(ctx, storageCfg)
		if err != nil {
			limiter.Stop()
			hub.Shutdown()
			return nil, fmt.Errorf("failed to configure upload storage: %w", err)
		}
		deps.Uploads = uploads
		slog.Info("highlight uploads enabled", slog.String("bucket", cfg.StorageBucket))
	}

	return &server{
		handler:   handler.NewRouter(deps),
		hub:       hub,
		limiter:   limiter,
		collector: collector,
	}, nil
}

// newImportScheduler はハイライト取り込みのスケジューラを構築する。
func newImportScheduler(cfg *config.Config, store docstore.Store, recorder highlight.ImportRecorder, log *slog.Logger) *importworker.Scheduler {
	imp := highlight.NewImporter(
		store,
		security.NewSSRFGuard(),
		security.NewTextSanitizer(),
		recorder,
		log,
		highlight.ImporterConfig{
			Timeout:     cfg.ImportTimeout,
			MaxBodySize: cfg.ImportMaxSize,
			Interval:    cfg.ImportSourceInterval,
		},
	)
	return importworker.NewScheduler(imp, log, cfg.ImportMaxConcurrent)
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
// メモリバックエンドでは別プロセスのワーカーがデータを共有できないため、取り込みも同じプロセスで動かす。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	reg := prometheus.NewRegistry()
	srv, err := newServer(ctx, cfg, b, reg, log)
	if err != nil {
		return err
	}

	if cfg.StoreBackend == config.BackendMemory {
		scheduler := newImportScheduler(cfg, b.store, srv.collector, log)
		go scheduler.Start(ctx, cfg.ImportInterval)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		srv.shutdown()
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// WebSocketはハイジャック済みでShutdownの対象外のため、先に閉じる
	srv.shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 取り込みスケジューラと日次クリーンアップを動かし、/metricsを公開する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("worker requires STORE_BACKEND=%s", config.BackendPostgres)
	}
	log := slog.Default()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg, b.db.PingContext),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	scheduler := newImportScheduler(cfg, b.store, collector, log)

	cleanupJob := cleanup.NewCleanupJob(b.db, log)
	cleanupJob.RetentionDays = cfg.SourceRetentionDays

	slog.Info("worker starting",
		slog.Duration("import_interval", cfg.ImportInterval),
		slog.Int("max_concurrent", cfg.ImportMaxConcurrent),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 取り込みスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.ImportInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.BackendPostgres {
		slog.Info("memory store has no migrations")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	httpClient := &http.Client{Timeout: 5 * time.Second}

	resp, err := httpClient.Get(url)
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
