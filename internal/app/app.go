package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authstarter/internal/auth"
	"github.com/hitoshi/authstarter/internal/cache"
	"github.com/hitoshi/authstarter/internal/clientmode"
	"github.com/hitoshi/authstarter/internal/config"
	"github.com/hitoshi/authstarter/internal/credential"
	"github.com/hitoshi/authstarter/internal/database"
	"github.com/hitoshi/authstarter/internal/handler"
	"github.com/hitoshi/authstarter/internal/logger"
	"github.com/hitoshi/authstarter/internal/metrics"
	"github.com/hitoshi/authstarter/internal/middleware"
	"github.com/hitoshi/authstarter/internal/repository"
	"github.com/hitoshi/authstarter/internal/token"
	"github.com/hitoshi/authstarter/internal/user"
)

// rateLimitCleanupInterval はインメモリのレート制限カウンタを掃除する間隔。
const rateLimitCleanupInterval = time.Minute

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

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.String("error", err.Error()))
	}

	for _, warning := range cfg.Warnings() {
		slog.Warn("configuration warning", slog.String("detail", warning))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
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
		slog.String("environment", cfg.AppEnv),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// ユーザーストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. ユーザーストアの接続とスキーマ適用
	store, err := openUserStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	if err := pingStore(ctx, store.pinger); err != nil {
		return err
	}
	slog.Info("user store connection established", slog.String("driver", string(store.driver)))

	if err := store.prepare(ctx); err != nil {
		return err
	}

	// 2. レート制限ストア
	limitStore, closeLimitStore, err := newRateLimitStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimitStore()

	// 3. 依存関係のワイヤリング
	router, cleanup, err := newHandler(ctx, cfg, store.repo, limitStore)
	if err != nil {
		return err
	}
	defer cleanup()

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newHandler はストアを受け取り、サービス・ミドルウェア・ルーターを組み立てる。
// 返すcleanupはキャッシュのスイーパーなどバックグラウンド処理を停止する。
func newHandler(ctx context.Context, cfg *config.Config, repo repository.UserRepository, limitStore middleware.RateLimitStore) (http.Handler, func(), error) {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. ドメインサービス
	tokens, err := token.NewService(token.Config{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.JWTExpire,
		RefreshTTL:    cfg.JWTRefreshExpire,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token service: %w", err)
	}

	store := credential.NewStore(repo)

	shortLived := cache.New()
	shortLived.StartSweeper(cfg.CacheSweepInterval)
	identities := cache.NewIdentityCache(shortLived, cfg.UserCacheTTL, collector)

	opts := []auth.Option{auth.WithMetrics(collector)}
	if cfg.GoogleEnabled() {
		provider, err := auth.NewGoogleOAuthProvider(ctx, auth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, nil)
		if err != nil {
			shortLived.Stop()
			return nil, nil, fmt.Errorf("failed to create google provider: %w", err)
		}
		opts = append(opts, auth.WithGoogle(provider))
		slog.Info("google authentication enabled",
			slog.Bool("server_flow", provider.ServerFlowEnabled()),
		)
	}
	authService := auth.NewService(store, tokens, identities, opts...)

	// 3. クライアント種別ごとのトークン受け渡し
	sameSite := http.SameSiteLaxMode
	if cfg.IsProduction() {
		sameSite = http.SameSiteNoneMode
	}
	selector := clientmode.NewSelector(
		clientmode.NewDetector(),
		clientmode.NewWebDelivery(clientmode.CookieConfig{
			Domain:        cfg.CookieDomain,
			Secure:        cfg.CookieSecure(),
			SameSite:      sameSite,
			AccessMaxAge:  cfg.AccessCookieMaxAge(),
			RefreshMaxAge: cfg.RefreshCookieMaxAge(),
		}),
		clientmode.NewMobileDelivery(),
	)

	// 4. ルーターの構築
	trustedProxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		shortLived.Stop()
		return nil, nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	if len(trustedProxies) == 0 {
		slog.Info("no trusted proxies configured, X-Forwarded-For is ignored")
	}

	router := handler.NewRouter(&handler.RouterDeps{
		TrustedProxies: trustedProxies,
		Logger:         slog.Default(),
		LoggingConfig: middleware.LoggingConfig{
			SlowThreshold:     cfg.SlowRequestThreshold,
			VerySlowThreshold: cfg.VerySlowRequestThreshold,
		},
		HTTPRecorder:   collector,
		PanicRecorder:  collector,
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Selector:       selector,
		Gate:           middleware.NewAuthGate(tokens, identities, store),
		RateLimiter:    middleware.NewRateLimiter(limitStore, collector),
		RateLimits: handler.RateLimitRules{
			General:  middleware.GeneralRule(cfg.RateLimitGeneralMax, cfg.RateLimitGeneralWindow),
			Login:    middleware.LoginRule(cfg.RateLimitLoginMax, cfg.RateLimitLoginWindow),
			Register: middleware.RegisterRule(cfg.RateLimitRegisterMax, cfg.RateLimitRegisterWindow),
			Google:   middleware.GoogleRule(cfg.RateLimitGoogleMax, cfg.RateLimitGoogleWindow),
		},
		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:  cfg.FrontendURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure(),
			ExposeErrors: cfg.IsDevelopment(),
		},
		UserService: user.NewService(store),
		Monitoring:  handler.NewMonitoringHandler(cfg.AppEnv, time.Now(), metrics.Handler(registry)),
	})

	return router, shortLived.Stop, nil
}

// userStore は接続済みのユーザーストアとその後始末をまとめたもの。
type userStore struct {
	driver  database.Driver
	repo    repository.UserRepository
	pinger  repository.Pinger
	prepare func(ctx context.Context) error
	close   func()
}

// openUserStore はDATABASE_URLのスキームに応じてPostgreSQLまたはMongoDBのストアを開く。
func openUserStore(ctx context.Context, cfg *config.Config) (*userStore, error) {
	driver, err := database.DetectDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to detect database driver: %w", err)
	}

	pool := database.PoolConfig{
		MaxOpenConns:    cfg.DatabaseMaxPoolSize,
		MaxIdleConns:    cfg.DatabaseMinPoolSize,
		ConnMaxLifetime: 30 * time.Minute,
	}

	switch driver {
	case database.DriverMongo:
		client, db, err := database.OpenMongo(cfg.DatabaseURL, pool)
		if err != nil {
			return nil, err
		}
		repo := repository.NewMongoUserRepo(client, db)
		return &userStore{
			driver: driver,
			repo:   repo,
			pinger: repo,
			prepare: func(ctx context.Context) error {
				if err := database.EnsureUserIndexes(ctx, db); err != nil {
					return fmt.Errorf("failed to ensure user indexes: %w", err)
				}
				slog.Info("user indexes ensured")
				return nil
			},
			close: func() {
				disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := client.Disconnect(disconnectCtx); err != nil {
					slog.Warn("failed to disconnect mongodb", slog.String("error", err.Error()))
				}
			},
		}, nil
	default:
		db, err := database.Open(cfg.DatabaseURL, pool)
		if err != nil {
			return nil, err
		}
		repo := repository.NewPostgresUserRepo(db)
		return &userStore{
			driver: driver,
			repo:   repo,
			pinger: repo,
			prepare: func(ctx context.Context) error {
				version, err := database.MigrateUp(cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				slog.Info("database schema is up to date", slog.Uint64("version", uint64(version)))
				return nil
			},
			close: func() { db.Close() },
		}, nil
	}
}

// pingStore はストアへの疎通を確認する。
func pingStore(ctx context.Context, p repository.Pinger) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

// newRateLimitStore はREDIS_URLが設定されていればRedis、なければプロセス内メモリのストアを返す。
func newRateLimitStore(ctx context.Context, cfg *config.Config) (middleware.RateLimitStore, func(), error) {
	if cfg.RedisURL == "" {
		store := middleware.NewMemoryStore(rateLimitCleanupInterval)
		slog.Info("rate limit counters kept in memory")
		return store, store.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// 到達できなくてもレート制限はフェイルオープンで動くため起動は継続する
		slog.Warn("redis is not reachable, rate limiting will fail open",
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("rate limit counters kept in redis", slog.String("addr", opts.Addr))
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	return middleware.NewRedisStore(client, ""), closeFn, nil
}

// runMigrate はユーザーストアのスキーマを適用する。
// PostgreSQLでは未適用のマイグレーションを順番に適用し、MongoDBではインデックスを作成する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	ctx := context.Background()
	store, err := openUserStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	if err := store.prepare(ctx); err != nil {
		return err
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /api/monitoring/health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s%s", port, middleware.HealthCheckPath)
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
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
