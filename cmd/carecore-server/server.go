package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/carecore/internal/config"
	"github.com/ehr/carecore/internal/domain/coding"
	"github.com/ehr/carecore/internal/domain/membership"
	"github.com/ehr/carecore/internal/domain/registry"
	"github.com/ehr/carecore/internal/platform/auth"
	"github.com/ehr/carecore/internal/platform/db"
	"github.com/ehr/carecore/internal/platform/docstore"
	"github.com/ehr/carecore/internal/platform/lease"
	"github.com/ehr/carecore/internal/platform/metrics"
	"github.com/ehr/carecore/internal/platform/middleware"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// openStore connects the configured backend. The pool is returned for
// Postgres so callers can run migrations against it.
func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, *pgxpool.Pool, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return docstore.NewPostgres(pool), pool, nil
	case config.BackendMongo:
		store, err := docstore.ConnectMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.BackendMemory:
		return docstore.NewMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// openLocker returns a Redis lease when REDIS_URL is set. Without it
// reconciliation runs unguarded, which is only safe with a single runner.
func openLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lease.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set, reconciliation runs without a lease")
		return lease.Noop{}, func() {}, nil
	}
	client, err := lease.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lease.NewRedis(client, "carecore:"), func() { _ = client.Close() }, nil
}

type services struct {
	alloc      *coding.Allocator
	membership *membership.Service
	registry   *registry.Service
}

func buildServices(cfg *config.Config, store docstore.Store, locker lease.Locker, m *metrics.Metrics, logger zerolog.Logger) *services {
	alloc := coding.NewAllocator(store, logger)
	alloc.SetMaxAttempts(cfg.AllocMaxAttempts)
	alloc.SetMetrics(m)

	svc := membership.NewService(membership.NewMemberRepo(store, alloc), membership.NewStaffRepo(store, alloc), logger)
	svc.SetMetrics(m)
	svc.SetLocker(locker)
	svc.SetReconcileOptions(cfg.ReconcileBatchSize, cfg.ReconcileLeaseTTL)

	reg := registry.NewService(registry.NewRepo(store, alloc), alloc, logger)
	return &services{alloc: alloc, membership: svc, registry: reg}
}

func newServer(cfg *config.Config, logger zerolog.Logger, store docstore.Store, m *metrics.Metrics, svcs *services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(m.Middleware())

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(db.TenantMiddleware(cfg.DefaultTenant))

	e.GET("/health", db.HealthHandler(cfg.StoreBackend, store))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiV1 := e.Group("/api/v1")
	membership.NewHandler(svcs.membership).RegisterRoutes(apiV1)
	registry.NewHandler(svcs.registry).RegisterRoutes(apiV1)
	return e
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("development mode without AUTH_SIGNING_KEY: every request runs as admin")
	}

	ctx := context.Background()
	store, _, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open document store")
	}
	defer store.Close(context.Background())
	logger.Info().Str("backend", cfg.StoreBackend).Msg("connected to document store")

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeLocker()

	m := metrics.New()
	e := newServer(cfg, logger, store, m, buildServices(cfg, store, locker, m, logger))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runReconcile(ctx context.Context, cfg *config.Config, tenants []string, interval time.Duration) error {
	logger := newLogger(cfg).With().Str("command", "reconcile").Logger()

	store, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	svcs := buildServices(cfg, store, locker, metrics.New(), logger)
	return reconcileLoop(ctx, svcs.membership, tenants, interval, logger)
}

// reconcileLoop runs one pass per tenant, then repeats every interval until
// ctx ends. A tenant whose lease is held elsewhere is skipped for that pass.
func reconcileLoop(ctx context.Context, svc *membership.Service, tenants []string, interval time.Duration, logger zerolog.Logger) error {
	for {
		var failed []error
		for _, t := range tenants {
			_, err := svc.Reconcile(db.WithTenant(ctx, t))
			switch {
			case errors.Is(err, lease.ErrNotAcquired):
				logger.Info().Str("tenant_id", t).Msg("reconciliation already running elsewhere, skipping")
			case err != nil:
				logger.Error().Err(err).Str("tenant_id", t).Msg("reconciliation failed")
				failed = append(failed, fmt.Errorf("tenant %s: %w", t, err))
			}
		}
		if interval <= 0 {
			return errors.Join(failed...)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
