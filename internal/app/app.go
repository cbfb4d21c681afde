// Package app はアプリケーションの初期化と起動モードを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/session"
)

const shutdownTimeout = 30 * time.Second

// compile-time interface check
var (
	_ auth.SessionIssuer          = (*session.Manager)(nil)
	_ middleware.SessionValidator = (*session.Manager)(nil)
	_ handler.SessionCookies      = (*session.Manager)(nil)
	_ handler.TransactionCodec    = (*auth.TransactionSealer)(nil)
	_ auth.MetricsRecorder        = (*metrics.Collector)(nil)
	_ handler.CallbackRecorder    = (*metrics.Collector)(nil)
)

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envは任意。存在しなくてもエラーにしない
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// ServeOptions はserveモードの起動オプション。
type ServeOptions struct {
	// AutoMigrate がtrueの場合、起動前に未適用のマイグレーションを適用する。
	AutoMigrate bool
}

// Server はワイヤリング済みのHTTPハンドラーと後始末処理を保持する。
type Server struct {
	Handler http.Handler
	closers []func()
}

// Close はServerが保持するバックグラウンド処理を停止する。
func (s *Server) Close() {
	for _, c := range s.closers {
		c()
	}
}

// NewServer は全依存関係をワイヤリングし、ルーターを構築する。
// regにはメトリクスを登録するレジストリを渡す。
func NewServer(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) *Server {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 2. メトリクス
	collector := metrics.NewCollector(reg)

	// 3. セッション・認証の初期化
	sessions := session.NewManager(sessionRepo, session.Config{
		CookieName: cfg.SessionCookieName,
		MaxAge:     cfg.SessionMaxAge,
		Secure:     cfg.CookieSecure(),
		Domain:     cfg.CookieDomain,
	})
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		userRepo, sessions, auth.NewArgon2idHasher(auth.DefaultArgon2Params()), oauthProvider,
		auth.ServiceConfig{
			InvalidateOnSignOut: cfg.SignOutInvalidateSession,
			Metrics:             collector,
		},
	)

	// 4. レート制限（設定はreq/min単位）
	rateLimiterCfg := middleware.RateLimiterConfigPerMinute(cfg.RateLimitCredential, cfg.RateLimitGeneral)
	rateLimiterCfg.OnLimited = collector.RateLimited
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)

	// 5. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		SessionValidator:  sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure(),
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		AuthService:      authService,
		SessionCookies:   sessions,
		Transactions:     auth.NewTransactionSealer([]byte(cfg.SessionSecret), cfg.OAuthTxTTL),
		CallbackRecorder: collector,
		AuthConfig: handler.AuthHandlerConfig{
			DashboardPath: cfg.DashboardPath,
			LoginPath:     cfg.LoginPath,
			CookieSecure:  cfg.CookieSecure(),
			CookieDomain:  cfg.CookieDomain,
		},

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
	}

	return &Server{
		Handler: handler.NewRouter(deps),
		closers: []func(){rateLimiter.Stop},
	}
}

// Serve はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func Serve(ctx context.Context, cfg *config.Config, opts ServeOptions) error {
	slog.Info("starting application",
		slog.String("command", "serve"),
		slog.String("port", cfg.ServerPort),
		slog.String("app_env", cfg.AppEnv),
	)

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	if opts.AutoMigrate {
		if err := Migrate(cfg); err != nil {
			return err
		}
	}

	// 2. ワイヤリング
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "authgate"),
	)
	srv := NewServer(cfg, db, reg)
	defer srv.Close()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// Migrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func Migrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// Healthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func Healthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
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
