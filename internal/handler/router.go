package handler

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authstarter/internal/clientmode"
	"github.com/hitoshi/authstarter/internal/middleware"
	"github.com/hitoshi/authstarter/internal/model"
)

// RateLimitRules はレート制限の区分ごとの設定。
type RateLimitRules struct {
	General  middleware.LimitRule
	Login    middleware.LimitRule
	Register middleware.LimitRule
	Google   middleware.LimitRule
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	// TrustedProxiesに含まれる接続元からのX-Forwarded-Forだけをクライアントアドレスとして扱う
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
	LoggingConfig  middleware.LoggingConfig
	HTTPRecorder   middleware.HTTPRecorder
	PanicRecorder  middleware.PanicRecorder
	CORSOrigins    []string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Selector       *clientmode.Selector
	Gate           *middleware.AuthGate
	RateLimiter    *middleware.RateLimiter
	RateLimits     RateLimitRules

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	// 監視
	Monitoring *MonitoringHandler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	ClientIP → RequestID → Logging → Recovery → SecurityHeaders → CORS → Timeout → ClientMode
//	/api: RateLimit(General) → BodyLimit → [RateLimit(区分)] → [RequireAuth]
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = middleware.DefaultMaxBodyBytes
	}

	r := chi.NewRouter()

	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.LoggingConfig, deps.HTTPRecorder))
	r.Use(middleware.NewRecoveryMiddleware(deps.PanicRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSOrigins))
	r.Use(middleware.NewTimeoutMiddleware(deps.RequestTimeout))
	r.Use(deps.Selector.Middleware())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, model.NewNotFoundError(r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, model.NewMethodNotAllowedError(r.Method, r.URL.Path))
	})

	authHandler := NewAuthHandler(deps.AuthService, deps.Selector, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig.ExposeErrors)
	limit := deps.RateLimiter.Middleware

	r.Route("/api", func(r chi.Router) {
		r.Use(limit(deps.RateLimits.General))
		r.Use(middleware.NewBodyLimitMiddleware(maxBody))

		r.Route("/auth", func(r chi.Router) {
			// --- 認証不要のルート ---
			r.With(limit(deps.RateLimits.Register)).Post("/register", authHandler.Register)
			r.With(limit(deps.RateLimits.Login)).Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)

			// Google
			r.Get("/google", authHandler.GoogleAuthURL)
			r.Get("/google/callback", authHandler.GoogleCallback)
			r.With(limit(deps.RateLimits.Google)).Post("/google/verify", authHandler.GoogleVerify)

			// --- 認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(deps.Gate.RequireAuth)
				r.Post("/logout", authHandler.Logout)
				r.Get("/me", authHandler.Me)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(deps.Gate.RequireAuth)
			r.Get("/profile", userHandler.Profile)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/health", deps.Monitoring.Health)
			r.Get("/metrics", deps.Monitoring.Metrics)
		})
	})

	return r
}
