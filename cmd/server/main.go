package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hibiken/asynq"
	rdb "github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"proxyguard/internal/api"
	"proxyguard/internal/app"
	"proxyguard/internal/config"
	"proxyguard/internal/logging"
	"proxyguard/internal/tasks"
	"proxyguard/internal/telemetry"
)

//go:embed migrations/*
var migrationsFS embed.FS

func main() {
	cfg := config.Load()
	logging.Setup(logging.Options{Debug: cfg.LogDebug, File: cfg.LogFile})
	zlog.Info().Str("env", cfg.AppEnv).Msg("Starting ProxyGuard gateway")

	shutdownTracing, err := telemetry.Init(cfg.OTelServiceName)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}

	runMigrations(cfg.PostgresURL)

	// 1. Bootstrap shared state
	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.Categories.Refresh(warmCtx); err != nil {
		zlog.Warn().Err(err).Msg("Initial route pattern load failed, unmatched fallback in effect")
	}
	if err := a.Forwarder.Refresh(warmCtx); err != nil {
		zlog.Warn().Err(err).Msg("Initial backend destination load failed")
	}
	warmCancel()

	// 2. Background work
	schedCtx, schedCancel := context.WithCancel(context.Background())
	if cfg.AggregatorEnabled {
		a.Scheduler.Start(schedCtx)
	} else {
		zlog.Info().Msg("Traffic aggregation scheduler disabled")
	}

	var asynqServer *asynq.Server
	if cfg.RunWorkerInProcess {
		zlog.Info().Msg("Starting background worker in-process")
		asynqServer = asynq.NewServer(
			a.RedisOpts,
			asynq.Config{
				Concurrency: 2,
				Queues: map[string]int{
					"default": 5,
					"low":     2,
				},
			},
		)
		asynqMux := asynq.NewServeMux()
		asynqMux.Handle(tasks.TypeTrafficRollup, tasks.NewRollupTaskHandler(a.Aggregator))

		go func() {
			if err := asynqServer.Run(asynqMux); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to run asynq server")
			}
		}()
	} else {
		zlog.Info().Msg("Background worker disabled (external worker expected)")
	}

	// 3. Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	var trustedProxies []string
	for _, p := range strings.Split(cfg.TrustedProxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			trustedProxies = append(trustedProxies, p)
		}
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		zlog.Error().Err(err).Msg("Failed to set trusted proxies")
	}

	handler := api.NewAPIHandler(cfg, a.HandlerDeps())
	r.Use(handler.ErrorHandler(), telemetry.GinMiddleware(cfg.OTelServiceName))
	handler.SetAdminLimiter(adminLimiter(cfg))
	handler.RegisterRoutes(r)

	// 4. Run Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	if asynqServer != nil {
		asynqServer.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	schedCancel()
	if cfg.AggregatorEnabled {
		a.Scheduler.Stop()
	}
	a.Close()

	if shutdownTracing != nil {
		if err := shutdownTracing(ctx); err != nil {
			zlog.Error().Err(err).Msg("Failed to flush traces")
		}
	}
	zlog.Info().Msg("Server exiting")
}

func runMigrations(postgresURL string) {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create iofs source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, postgresURL)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to initialize migrations")
		return
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		zlog.Error().Err(err).Msg("Failed to get migration version")
	} else {
		zlog.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current database version")
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		zlog.Info().Msg("Database is up to date (no migrations needed)")
	case err != nil:
		zlog.Error().Err(err).Msg("Migration error")
	default:
		zlog.Info().Msg("Database migrations applied successfully")
	}
}

// adminLimiter rate limits the admin API per client IP, shared across
// instances through Redis.
func adminLimiter(cfg *config.Config) gin.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(cfg.AdminRateLimit)
	if err != nil {
		zlog.Fatal().Err(err).Str("rate", cfg.AdminRateLimit).Msg("Invalid ADMIN_RATE_LIMIT")
	}
	limiterClient := rdb.NewClient(&rdb.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisLimDB,
	})
	limitStore, err := sredis.NewStoreWithOptions(limiterClient, limiter.StoreOptions{
		Prefix: "limiter_admin",
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create limiter store: limiter_admin")
	}
	return mgin.NewMiddleware(limiter.New(limitStore, rate))
}
