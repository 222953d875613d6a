package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	ReusePolicyStrict   = "strict"
	ReusePolicyMismatch = "mismatch"
)

// Config is read once at startup and passed by value afterwards.
type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	Port          string `env:"PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL      string `env:"REDIS_URL"`
	SentryDSN     string `env:"SENTRY_DSN"`
	CronSecret    string `env:"CRON_SECRET"`
	RunMigrations bool   `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`

	// TrustedProxyHops counts the proxies that append to X-Forwarded-For.
	TrustedProxyHops int `env:"TRUSTED_PROXY_HOPS" envDefault:"1"`

	Token       TokenConfig
	Cookie      CookieConfig
	Store       StoreConfig
	RateLimit   RateLimitConfig
	Maintenance MaintenanceConfig
	Pool        PoolConfig
}

type TokenConfig struct {
	AccessSecret         string        `env:"JWT_SECRET,required,notEmpty"`
	RefreshSecret        string        `env:"REFRESH_TOKEN_SECRET"`
	Issuer               string        `env:"TOKEN_ISSUER" envDefault:"token-rotation"`
	AccessTTL            time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTLSeconds    int           `env:"REFRESH_TOKEN_EXPIRY_IN_SEC" envDefault:"604800"`
	BlacklistFallbackTTL time.Duration `env:"BLACKLIST_FALLBACK_TTL" envDefault:"60s"`
	ReusePolicy          string        `env:"REUSE_POLICY" envDefault:"strict"`
	EpochCacheTTL        time.Duration `env:"TOKEN_EPOCH_CACHE_TTL" envDefault:"5s"`
}

// RefreshTTL is the refresh credential lifetime.
func (c TokenConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLSeconds) * time.Second
}

type CookieConfig struct {
	RefreshPath string `env:"REFRESH_COOKIE_PATH" envDefault:"/"`
	AccessPath  string `env:"ACCESS_COOKIE_PATH" envDefault:"/"`
}

type StoreConfig struct {
	Refresh   string `env:"REFRESH_STORE" envDefault:"postgres"`
	Blacklist string `env:"BLACKLIST_STORE"`
}

type RateLimitConfig struct {
	MaxHits       int `env:"LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	WindowSeconds int `env:"LOGIN_RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type MaintenanceConfig struct {
	RefreshRetentionDays int `env:"AUTH_REFRESH_TOKEN_RETENTION_DAYS" envDefault:"14"`
	BatchSize            int `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`
}

func (c MaintenanceConfig) RefreshRetention() time.Duration {
	return time.Duration(c.RefreshRetentionDays) * 24 * time.Hour
}

type PoolConfig struct {
	MaxOpenConns           int `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns           int `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetimeMinutes int `env:"DB_CONN_MAX_LIFETIME_MINUTES" envDefault:"30"`
	ConnMaxIdleTimeMinutes int `env:"DB_CONN_MAX_IDLE_TIME_MINUTES" envDefault:"10"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environment map[string]string) (Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.Token.AccessSecret = strings.TrimSpace(c.Token.AccessSecret)
	c.Token.RefreshSecret = strings.TrimSpace(c.Token.RefreshSecret)
	if c.Token.RefreshSecret == "" {
		c.Token.RefreshSecret = c.Token.AccessSecret
	}
	c.Token.ReusePolicy = strings.ToLower(strings.TrimSpace(c.Token.ReusePolicy))

	c.Store.Refresh = strings.ToLower(strings.TrimSpace(c.Store.Refresh))
	c.Store.Blacklist = strings.ToLower(strings.TrimSpace(c.Store.Blacklist))
	if c.Store.Blacklist == "" {
		if c.RedisURL != "" {
			c.Store.Blacklist = StoreRedis
		} else {
			c.Store.Blacklist = StorePostgres
		}
	}
	if c.Cookie.RefreshPath == "" {
		c.Cookie.RefreshPath = "/"
	}
	if c.Cookie.AccessPath == "" {
		c.Cookie.AccessPath = "/"
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Token.AccessSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL must be positive")
	}
	if c.Token.RefreshTTLSeconds <= 0 {
		return errors.New("REFRESH_TOKEN_EXPIRY_IN_SEC must be positive")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL() {
		return errors.New("access token lifetime must be shorter than refresh token lifetime")
	}
	if c.Token.BlacklistFallbackTTL <= 0 {
		return errors.New("BLACKLIST_FALLBACK_TTL must be positive")
	}
	if c.Token.EpochCacheTTL < 0 || c.Token.EpochCacheTTL > c.Token.AccessTTL {
		return errors.New("TOKEN_EPOCH_CACHE_TTL must be between 0 and ACCESS_TOKEN_TTL")
	}

	if c.TrustedProxyHops < 0 {
		return errors.New("TRUSTED_PROXY_HOPS must not be negative")
	}

	switch c.Token.ReusePolicy {
	case ReusePolicyStrict, ReusePolicyMismatch:
	default:
		return fmt.Errorf("unknown REUSE_POLICY %q", c.Token.ReusePolicy)
	}

	for name, value := range map[string]string{"REFRESH_STORE": c.Store.Refresh, "BLACKLIST_STORE": c.Store.Blacklist} {
		switch value {
		case StorePostgres:
		case StoreRedis:
			if c.RedisURL == "" {
				return fmt.Errorf("%s=redis requires REDIS_URL", name)
			}
		default:
			return fmt.Errorf("unknown %s %q", name, value)
		}
	}

	return nil
}

// Production controls the Secure attribute on cookies.
func (c Config) Production() bool {
	return c.AppEnv == "production"
}

// UsesRedis reports whether any store needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Store.Refresh == StoreRedis || c.Store.Blacklist == StoreRedis
}
