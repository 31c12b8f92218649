package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"

	"github.com/hitoshi/coffeeshop/internal/errreport"
	"github.com/hitoshi/coffeeshop/internal/metrics"
	"github.com/hitoshi/coffeeshop/internal/middleware"
	"github.com/hitoshi/coffeeshop/internal/role"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	Reporter           errreport.Reporter
	Sentry             func(http.Handler) http.Handler // nilの場合は使わない
	CORSAllowedOrigins []string
	CSRF               middleware.CSRFConfig
	RateLimiter        *middleware.RateLimiter
	LocalCacheStore    sessions.Store
	ViewerResolver     middleware.ViewerResolver
	Metrics            metrics.MetricsCollector
	MetricsHandler     http.Handler // nilの場合は/metricsを公開しない
	HealthChecker      HealthChecker

	// 認証
	AuthClient     AuthClient
	SessionManager SessionManager
	CallbackFlow   CallbackRunner
	AuthConfig     AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	Pages *Renderer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Sentry → SecurityHeaders → Logging → CORS
//	  → LocalCache → Session → RateLimit(General) → RouteGuard → CSRF
//
// /health, /metrics, /api/csrf-token はガードの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Reporter))
	if deps.Sentry != nil {
		r.Use(deps.Sentry)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthClient, deps.SessionManager, deps.CallbackFlow, deps.Pages, deps.Metrics, deps.AuthConfig)
	pageHandler := NewPageHandler(deps.Pages, deps.AuthConfig.Providers)
	userHandler := NewUserHandler(deps.UserService)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLocalCacheMiddleware(deps.LocalCacheStore))
		r.Use(middleware.NewSessionMiddleware(deps.SessionManager, deps.ViewerResolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewRouteGuard(deps.Metrics))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.NotFound(pageHandler.NotFound)
		r.Handle("/static/*", StaticHandler())

		// 公開ページ
		r.Get(role.PathEntry, pageHandler.Page(PageEntry, "Sign in"))
		r.Get(role.PathSignup, pageHandler.Page(PageSignup, "Sign up"))
		r.Get("/privacy", pageHandler.Page(PagePrivacy, "Privacy"))
		r.Get("/terms", pageHandler.Page(PageTerms, "Terms"))
		r.Get("/contact", pageHandler.Page(PageContact, "Contact"))

		// 認証フロー
		r.Route("/auth", func(r chi.Router) {
			// メール送信を伴う開始操作は認証専用のレート制限を追加
			r.With(deps.RateLimiter.AuthMiddleware()).Get("/{provider}/login", authHandler.StartOAuth)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/magic-link", authHandler.SendMagicLink)
			r.Get("/callback", authHandler.Callback)
			r.Post("/logout", authHandler.Logout)
		})

		// ロール別ページ
		r.Get(role.PathCustomer, pageHandler.Page(PageCustomer, "Home"))
		r.Get(role.PathDashboard, pageHandler.Page(PageDashboard, "Dashboard"))

		// API
		r.Get("/api/me", authHandler.Me)
		r.Get("/api/dashboard/users", userHandler.ListUsers)
		r.Get("/api/dashboard/users/{id}", userHandler.GetUser)
	})

	return r
}
