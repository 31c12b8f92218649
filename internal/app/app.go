package app

import (
	"context"
	"database/sql"
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

	"github.com/hitoshi/coffeeshop/internal/appurl"
	"github.com/hitoshi/coffeeshop/internal/callback"
	"github.com/hitoshi/coffeeshop/internal/config"
	"github.com/hitoshi/coffeeshop/internal/database"
	"github.com/hitoshi/coffeeshop/internal/errreport"
	"github.com/hitoshi/coffeeshop/internal/handler"
	"github.com/hitoshi/coffeeshop/internal/logger"
	"github.com/hitoshi/coffeeshop/internal/metrics"
	"github.com/hitoshi/coffeeshop/internal/middleware"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/profile"
	"github.com/hitoshi/coffeeshop/internal/repository"
	"github.com/hitoshi/coffeeshop/internal/security"
	"github.com/hitoshi/coffeeshop/internal/session"
	"github.com/hitoshi/coffeeshop/internal/supabase"
	"github.com/hitoshi/coffeeshop/internal/user"
)

// localCacheMaxAge はローカルキャッシュcookieの保持期間（30日）。
const localCacheMaxAge = 30 * 24 * 60 * 60

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .env（存在すれば）と環境変数から設定を読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
		slog.String("app_url", cfg.AppURL),
		slog.String("profile_store", cfg.ProfileStore),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はBFFサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. エラー報告
	reporter, flush, err := errreport.Init(cfg.SentryDSN, cfg.AppEnv, log)
	if err != nil {
		return fmt.Errorf("failed to init error reporting: %w", err)
	}
	defer flush()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	// 3. バックエンドクライアント
	urls, err := appurl.NewBuilder(cfg.AppURL)
	if err != nil {
		return fmt.Errorf("invalid APP_URL: %w", err)
	}
	clientOpts := supabase.Options{
		HTTPClient: &http.Client{Timeout: cfg.BackendTimeout},
		Logger:     log,
		Metrics:    mc,
	}
	authClient, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, clientOpts)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	// 4. プロフィールの永続化先
	profiles, db, err := openProfileRepository(cfg, clientOpts)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// 5. ドメインサービス
	reconciler := profile.NewReconciler(profiles, security.NewFieldSanitizer(), reporter, mc)
	flow := callback.NewFlow(reconciler, callback.NewTracker(), mc, log, cfg.FailureRedirectDelay)
	userService := user.NewService(profiles, reconciler, log)

	// 6. セッション
	cookieOpts := session.CookieOptions{
		MaxAge: cfg.SessionMaxAge,
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
	}
	manager := session.NewManager(
		session.NewCookieStore(cfg.SessionSecret, cookieOpts),
		authClient,
		session.NewTokenVerifier(cfg.SupabaseJWTSecret, session.DefaultAudience),
		log,
	)
	unsubscribe := manager.OnAuthStateChange(ensureProfileOnAuth(reconciler, log))
	defer unsubscribe()

	localOpts := cookieOpts
	localOpts.MaxAge = localCacheMaxAge
	localStore := session.NewCookieStore("localcache:"+cfg.SessionSecret, localOpts)

	// 7. ルーターの構築
	pages, err := handler.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load page templates: %w", err)
	}

	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	defer rl.Stop()

	deps := &handler.RouterDeps{
		Logger:             log,
		Reporter:           reporter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:     rl,
		LocalCacheStore: localStore,
		ViewerResolver:  userService,
		Metrics:         mc,
		MetricsHandler:  metrics.Handler(reg),

		AuthClient:     authClient,
		SessionManager: manager,
		CallbackFlow:   flow,
		AuthConfig: handler.AuthHandlerConfig{
			URLs:      urls,
			Providers: cfg.OAuthProviders,
		},

		UserService: userService,
		Pages:       pages,
	}
	if db != nil {
		deps.HealthChecker = db
	}
	if cfg.SentryDSN != "" {
		deps.Sentry = errreport.Middleware()
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
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
		slog.Info("server starting",
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
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 通知中のプロフィール整合が終わるまで待つ
	manager.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// openProfileRepository はPROFILE_STOREに応じたリポジトリを返す。
// postgresの場合は疎通確認済みの*sql.DBも返す。
func openProfileRepository(cfg *config.Config, opts supabase.Options) (repository.ProfileRepository, *sql.DB, error) {
	switch cfg.ProfileStore {
	case config.ProfileStoreREST:
		serviceClient, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create service client: %w", err)
		}
		slog.Info("profile store: backend REST API")
		return supabase.NewRESTProfileRepo(serviceClient), nil, nil
	default:
		db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolOptions)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return repository.NewPostgresProfileRepo(db), db, nil
	}
}

// ensureProfileOnAuth はサインインとトークン更新のたびにプロフィール行を保証するリスナーを返す。
func ensureProfileOnAuth(reconciler *profile.Reconciler, log *slog.Logger) session.Listener {
	return func(ctx context.Context, event session.Event, s *model.Session) {
		if s == nil || (event != session.EventSignedIn && event != session.EventTokenRefreshed) {
			return
		}
		if _, err := reconciler.EnsureProfile(ctx, s, nil); err != nil {
			log.WarnContext(ctx, "profile reconciliation after auth event failed",
				slog.String("event", string(event)),
				slog.String("user_id", s.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.ProfileStore != config.ProfileStorePostgres {
		return fmt.Errorf("migrate requires PROFILE_STORE=%s", config.ProfileStorePostgres)
	}

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
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.Redacted()
}
