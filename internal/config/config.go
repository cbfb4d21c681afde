package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvProduction は本番環境を示すAPP_ENVの値。
const EnvProduction = "production"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Environment
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// OAuth
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID,required,notEmpty"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET,required,notEmpty"`
	GoogleRedirectURL  string        `env:"GOOGLE_REDIRECT_URL,required,notEmpty"`
	OAuthTxTTL         time.Duration `env:"OAUTH_TX_TTL" envDefault:"10m"`

	// Session
	SessionSecret            string        `env:"SESSION_SECRET,required,notEmpty"`
	SessionMaxAge            time.Duration `env:"SESSION_MAX_AGE" envDefault:"720h"`
	SessionCookieName        string        `env:"SESSION_COOKIE_NAME" envDefault:"auth_session"`
	SignOutInvalidateSession bool          `env:"SIGNOUT_INVALIDATE_SESSION" envDefault:"false"`

	// Redirects
	DashboardPath string `env:"DASHBOARD_PATH" envDefault:"/dashboard"`
	LoginPath     string `env:"LOGIN_PATH" envDefault:"/auth/login"`

	// Rate Limit（req/min）
	RateLimitCredential int `env:"RATE_LIMIT_CREDENTIAL" envDefault:"10"`
	RateLimitGeneral    int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}
	if cfg.SessionMaxAge <= 0 {
		return nil, fmt.Errorf("SESSION_MAX_AGE must be positive, got %s", cfg.SessionMaxAge)
	}
	if cfg.OAuthTxTTL <= 0 {
		return nil, fmt.Errorf("OAUTH_TX_TTL must be positive, got %s", cfg.OAuthTxTTL)
	}

	return cfg, nil
}

// IsProduction は本番環境かどうかを返す。
// 本番環境ではCookieのSecure属性を有効にする。
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// CookieSecure はCookieにSecure属性を付与すべきかどうかを返す。
func (c *Config) CookieSecure() bool {
	return c.IsProduction()
}
