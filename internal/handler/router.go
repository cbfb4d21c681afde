package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/authgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	SessionValidator  middleware.SessionValidator
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService      AuthServiceInterface
	SessionCookies   SessionCookies
	Transactions     TransactionCodec
	CallbackRecorder CallbackRecorder
	AuthConfig       AuthHandlerConfig

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → CORS
//	  アクション(POST /auth/*):   CSRF → RateLimit(Credential, signin/signupのみ)
//	  保護API(/api/*):            Session → RateLimit(General)
//
// OAuthコールバックはGETのためCSRFの対象外とし、stateの照合で保護する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(
		deps.AuthService,
		deps.SessionCookies,
		deps.Transactions,
		deps.CallbackRecorder,
		deps.AuthConfig,
	)

	// --- 認証不要のルート ---

	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/callback", authHandler.GoogleCallback)
		r.Get("/me", authHandler.Me)

		// アクション: CSRF検証必須
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

			r.With(deps.RateLimiter.CredentialMiddleware()).Post("/signup", authHandler.SignUp)
			r.With(deps.RateLimiter.CredentialMiddleware()).Post("/signin", authHandler.SignIn)
			r.Post("/signout", authHandler.SignOut)
			r.Post("/google/consent", authHandler.GoogleConsent)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Session → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionValidator, deps.SessionCookies.CookieName()))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/session", authHandler.Session)
		})
	})

	return r
}
