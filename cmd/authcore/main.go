package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelvault/authcore/pkg/access"
	"github.com/modelvault/authcore/pkg/api"
	"github.com/modelvault/authcore/pkg/config"
	"github.com/modelvault/authcore/pkg/events"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/maintenance"
	"github.com/modelvault/authcore/pkg/observability"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/sso"
	"github.com/modelvault/authcore/pkg/store"
	"github.com/modelvault/authcore/pkg/users"
)

// postgresMaxConns bounds the connection pool of the durable store.
const postgresMaxConns = 20

// noSharedResources serves deployments without a resource-service peer: no
// resource is globally shared, so default grants carry no shared entries.
type noSharedResources struct{}

func (noSharedResources) ListGloballySharedResourceIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Cache. The client is shared between the cache adapter and the health
	// probes.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.RedisURL,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.WithError(err).Fatal("redis connection failed")
	}
	cancel()
	cache := store.NewRedisCacheFromClient(redisClient)

	// Durable store. Without a Postgres URL the service runs on the
	// in-memory database, which is only useful for local development.
	var db store.Database
	var sqlDB *sql.DB
	if cfg.Storage.PostgresURL != "" {
		pg, err := store.NewPostgresDatabase(cfg.Storage.PostgresURL, postgresMaxConns)
		if err != nil {
			logger.WithError(err).Fatal("postgres connection failed")
		}
		db = pg
		sqlDB = pg.DB()
	} else {
		logger.Warn("no postgres url configured, using the in-memory database")
		db = store.NewMemoryDatabase()
	}

	accessor := store.NewAccessor(db, cache, logger, metrics)
	locks := lock.NewController(cache, logger, metrics)

	var shared rights.SharedResourceClient = noSharedResources{}
	if cfg.Auth.ResourceServiceURL != "" {
		shared = rights.NewHTTPSharedResourceClient(cfg.Auth.ResourceServiceURL, cfg.Auth.InternalCallSecret)
	}
	engine := rights.NewEngine(accessor, locks, shared, logger)
	userService := users.NewService(accessor, locks, engine, logger)

	providers := make(map[string]sso.IdentityProvider, len(cfg.SSO.Tenants))
	for tenant, oidcConfig := range cfg.SSO.Tenants {
		discoverCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		provider, err := sso.NewOIDCProvider(discoverCtx, oidcConfig)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("tenant", tenant).Fatal("OIDC discovery failed")
		}
		providers[tenant] = provider
	}
	var sessions *sso.Controller
	if len(providers) > 0 {
		sessions = sso.NewController(cache, accessor, userService, engine, providers, cfg.Auth.SuperAdminEmails, logger)
	}

	accessService := access.NewService(accessor, cache, engine, sessions, logger, metrics)
	reactor := events.NewReactor(accessor, locks, engine, logger, metrics)

	var sessionChecker maintenance.SessionChecker
	if sessions != nil {
		sessionChecker = sessions
	}
	sweeper := maintenance.NewSweeper(accessor, locks, sessionChecker, logger)
	if cfg.Maintenance.SweepEnabled {
		if err := sweeper.Start(cfg.Maintenance.SweepSchedule); err != nil {
			logger.WithError(err).Fatal("cleanup schedule is invalid")
		}
	}

	server := api.NewServer(api.Deps{
		Access:             accessService,
		Users:              userService,
		Rights:             engine,
		SSO:                sessions,
		Reactor:            reactor,
		Sweeper:            sweeper,
		InternalCallSecret: cfg.Auth.InternalCallSecret,
		Logger:             logger,
		Metrics:            metrics,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics listen apart from the API so probes stay
	// responsive while the API drains.
	health := observability.NewHealthChecker(sqlDB, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server stopped")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return redisClient.Close()
	})
	if closer, ok := db.(interface{ Close() error }); ok {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return closer.Close()
		})
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("authcore listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
	logger.Info("authcore stopped")
}
