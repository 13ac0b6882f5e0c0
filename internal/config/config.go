// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// minSecretLength はJWT署名シークレットとして推奨される最小長。
const minSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Database
	DatabaseURL         string `env:"DATABASE_URL,required,notEmpty"`
	DatabaseMaxPoolSize int    `env:"DATABASE_MAX_POOL_SIZE" envDefault:"100"`
	DatabaseMinPoolSize int    `env:"DATABASE_MIN_POOL_SIZE" envDefault:"10"`

	// Token
	JWTSecret                  string        `env:"JWT_SECRET,required,notEmpty"`
	JWTRefreshSecret           string        `env:"JWT_REFRESH_SECRET"`
	JWTExpire                  time.Duration `env:"JWT_EXPIRE" envDefault:"7d"`
	JWTRefreshExpire           time.Duration `env:"JWT_REFRESH_EXPIRE" envDefault:"30d"`
	JWTCookieExpireDays        int           `env:"JWT_COOKIE_EXPIRE" envDefault:"7"`
	JWTRefreshCookieExpireDays int           `env:"JWT_REFRESH_COOKIE_EXPIRE" envDefault:"30"`

	// Frontend / Cookie / CORS
	FrontendURL  string   `env:"FRONTEND_URL,required,notEmpty"`
	CookieDomain string   `env:"COOKIE_DOMAIN"`
	CORSOrigins  []string `env:"CORS_ORIGIN" envSeparator:","`

	// Proxy: X-Forwarded-Forを信頼する接続元（IPまたはCIDR）。空ならRemoteAddrのみを使う
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// Google
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URI"`

	// Request
	RequestTimeout           time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	SlowRequestThreshold     time.Duration `env:"SLOW_REQUEST_THRESHOLD" envDefault:"1s"`
	VerySlowRequestThreshold time.Duration `env:"VERY_SLOW_REQUEST_THRESHOLD" envDefault:"5s"`

	// Cache
	UserCacheTTL       time.Duration `env:"USER_CACHE_TTL" envDefault:"1h"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"10m"`

	// Rate Limit
	RedisURL                string        `env:"REDIS_URL"`
	RateLimitGeneralMax     int           `env:"RATE_LIMIT_GENERAL_MAX" envDefault:"1000"`
	RateLimitGeneralWindow  time.Duration `env:"RATE_LIMIT_GENERAL_WINDOW" envDefault:"15m"`
	RateLimitLoginMax       int           `env:"RATE_LIMIT_LOGIN_MAX" envDefault:"10"`
	RateLimitLoginWindow    time.Duration `env:"RATE_LIMIT_LOGIN_WINDOW" envDefault:"15m"`
	RateLimitRegisterMax    int           `env:"RATE_LIMIT_REGISTER_MAX" envDefault:"5"`
	RateLimitRegisterWindow time.Duration `env:"RATE_LIMIT_REGISTER_WINDOW" envDefault:"1h"`
	RateLimitGoogleMax      int           `env:"RATE_LIMIT_GOOGLE_MAX" envDefault:"20"`
	RateLimitGoogleWindow   time.Duration `env:"RATE_LIMIT_GOOGLE_WINDOW" envDefault:"15m"`
}

// Load は.envファイル（存在する場合）と環境変数からConfigを読み込む。
// 既に設定済みの環境変数は.envの値で上書きされない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv は環境変数のみからConfigを読み込む。
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}

	err := env.ParseWithOptions(cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): func(v string) (interface{}, error) {
				return ParseDuration(v)
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}

	if cfg.JWTRefreshSecret == "" {
		cfg.JWTRefreshSecret = cfg.JWTSecret
	}
	cfg.CORSOrigins = trimCSV(cfg.CORSOrigins)
	cfg.TrustedProxies = trimCSV(cfg.TrustedProxies)
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{cfg.FrontendURL}
	}

	if cfg.JWTExpire <= 0 || cfg.JWTRefreshExpire <= 0 {
		return nil, fmt.Errorf("token lifetimes must be positive: JWT_EXPIRE=%s JWT_REFRESH_EXPIRE=%s", cfg.JWTExpire, cfg.JWTRefreshExpire)
	}

	return cfg, nil
}

// IsProduction は本番環境で動作しているかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// IsDevelopment は開発環境で動作しているかを返す。
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// CookieSecure はトークンCookieにSecure属性を付けるかを返す。
func (c *Config) CookieSecure() bool {
	return c.IsProduction()
}

// AccessCookieMaxAge はアクセストークンCookieの有効期間を返す。
func (c *Config) AccessCookieMaxAge() time.Duration {
	return time.Duration(c.JWTCookieExpireDays) * 24 * time.Hour
}

// RefreshCookieMaxAge はリフレッシュトークンCookieの有効期間を返す。
func (c *Config) RefreshCookieMaxAge() time.Duration {
	return time.Duration(c.JWTRefreshCookieExpireDays) * 24 * time.Hour
}

// GoogleEnabled はGoogle認証に必要な設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// Warnings は起動は継続できるが見直すべき設定の一覧を返す。
func (c *Config) Warnings() []string {
	var warnings []string
	if len(c.JWTSecret) < minSecretLength {
		warnings = append(warnings, fmt.Sprintf("JWT_SECRET should be at least %d characters long", minSecretLength))
	}
	if c.JWTRefreshSecret != c.JWTSecret && len(c.JWTRefreshSecret) < minSecretLength {
		warnings = append(warnings, fmt.Sprintf("JWT_REFRESH_SECRET should be at least %d characters long", minSecretLength))
	}
	if c.IsProduction() {
		for _, origin := range c.CORSOrigins {
			if origin == "*" {
				warnings = append(warnings, "CORS_ORIGIN should not be '*' in production")
				break
			}
		}
	}
	return warnings
}

// ParseDuration はGoのduration表記に加えて日数（"7d"）と
// ミリ秒の整数（"30000"）を受け付ける。
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q: %w", v, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}

func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
