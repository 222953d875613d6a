package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"token-rotation/internal/auth"
	"token-rotation/internal/blacklist"
	"token-rotation/internal/config"
	"token-rotation/internal/db"
	"token-rotation/internal/identity"
	"token-rotation/internal/maintenance"
	"token-rotation/internal/observability"
	"token-rotation/internal/refresh"
	"token-rotation/internal/rotation"
	"token-rotation/internal/session"
	"token-rotation/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	database.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	database.SetConnMaxLifetime(time.Duration(cfg.Pool.ConnMaxLifetimeMinutes) * time.Minute)
	database.SetConnMaxIdleTime(time.Duration(cfg.Pool.ConnMaxIdleTimeMinutes) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOptions)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			_ = database.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	closeAll := func() error {
		observability.FlushSentry()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return database.Close()
	}

	signer, err := token.NewSigner(token.Config{
		AccessSecret:  []byte(cfg.Token.AccessSecret),
		RefreshSecret: []byte(cfg.Token.RefreshSecret),
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL(),
		Issuer:        cfg.Token.Issuer,
	})
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init signer: %w", err)
	}

	var (
		records        refresh.Store
		denylist       blacklist.Store
		refreshPurger  maintenance.RefreshPurger
		blacklistPurge maintenance.BlacklistPurger
	)

	switch cfg.Store.Refresh {
	case config.StoreRedis:
		records = refresh.NewRedisStore(redisClient, "rr")
	default:
		store := refresh.NewPostgresStore(database)
		records = store
		refreshPurger = store
	}

	switch cfg.Store.Blacklist {
	case config.StoreRedis:
		denylist = blacklist.NewRedisStore(redisClient, "bl")
	default:
		store := blacklist.NewPostgresStore(database)
		denylist = store
		blacklistPurge = store
	}

	identities := identity.NewRepository(database)

	policy := rotation.PolicyStrict
	if cfg.Token.ReusePolicy == config.ReusePolicyMismatch {
		policy = rotation.PolicyMismatchOnly
	}

	coordinator := rotation.NewCoordinator(signer, records, denylist, identities, logger, rotation.Config{
		Policy:               policy,
		BlacklistFallbackTTL: cfg.Token.BlacklistFallbackTTL,
	})
	var epochs session.EpochSource = identities
	if cfg.Token.EpochCacheTTL > 0 {
		epochs = session.NewEpochCache(identities, cfg.Token.EpochCacheTTL)
	}
	sessions := session.NewFacade(coordinator, signer, denylist, epochs)

	authHandler := auth.NewHandler(identities, sessions, auth.CookieSettings{
		RefreshPath: cfg.Cookie.RefreshPath,
		AccessPath:  cfg.Cookie.AccessPath,
		Secure:      cfg.Production(),
	}, logger)

	cleanupHandler := maintenance.NewCleanupHandler(
		refreshPurger,
		blacklistPurge,
		logger,
		cfg.CronSecret,
		cfg.Maintenance.RefreshRetention(),
		cfg.Maintenance.BatchSize,
	)

	var limiter *auth.LoginRateLimiter
	if redisClient != nil {
		limiter = auth.NewRedisLoginRateLimiter(redisClient, cfg.RateLimit.MaxHits, cfg.RateLimit.Window(), logger)
	} else {
		limiter = auth.NewLoginRateLimiter(cfg.RateLimit.MaxHits, cfg.RateLimit.Window())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.Handle("POST /auth/login", limiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/refresh", limiter.Middleware(http.HandlerFunc(authHandler.Refresh)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/logout-all", auth.Middleware(sessions, http.HandlerFunc(authHandler.LogoutAll)))
	mux.Handle("GET /auth/me", auth.Middleware(sessions, http.HandlerFunc(authHandler.Me)))
	mux.Handle("GET /auth/sessions", auth.Middleware(sessions, http.HandlerFunc(authHandler.Sessions)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))

	handler := observability.RecoverMiddleware(logger,
		observability.ClientIPMiddleware(cfg.TrustedProxyHops,
			observability.RequestLoggingMiddleware(logger, mux)))

	logger.Info("app_ready", map[string]any{
		"refresh_store":   cfg.Store.Refresh,
		"blacklist_store": cfg.Store.Blacklist,
		"reuse_policy":    cfg.Token.ReusePolicy,
	})

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Close:   closeAll,
	}, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	dependencies := []pinger{database}
	if redisClient != nil {
		dependencies = append(dependencies, redisPinger{client: redisClient})
	}
	return health(dependencies...)
}

func health(dependencies ...pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		for _, dependency := range dependencies {
			if err := dependency.PingContext(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
