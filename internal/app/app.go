package app

import (
	"context"
	"fmt"
	"time"

	"proxyguard/internal/api"
	"proxyguard/internal/config"
	"proxyguard/internal/proxy"
	"proxyguard/internal/repository"
	"proxyguard/internal/service"
	"proxyguard/internal/tasks"

	"github.com/hibiken/asynq"
)

type App struct {
	Config     *config.Config
	RedisRepo  *repository.RedisRepository
	PgRepo     *repository.PostgresRepository
	Categories *service.EndpointCategorizer
	IPGate     *service.IPBlockGate
	Tokens     *service.TokenAuthorizer
	Audit      *service.AuditTrail
	Geo        *service.GeoLocator
	AdminAuth  *service.AdminAuthService
	Aggregator *service.TrafficAggregator
	Scheduler  *service.SchedulerService
	Forwarder  *proxy.GroupForwarder
	Tasks      *tasks.Client
	RedisOpts  asynq.RedisClientOpt
}

func Bootstrap(cfg *config.Config) (*App, error) {
	// Initialize Repositories
	redisRepo := repository.NewRedisRepository(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisRepo.Ping(ctx); err != nil {
		_ = redisRepo.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pgRepo, err := repository.NewPostgresRepository(cfg.PostgresURL)
	if err != nil {
		_ = redisRepo.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return build(cfg, redisRepo, pgRepo), nil
}

// build wires the services on top of already connected repositories.
func build(cfg *config.Config, redisRepo *repository.RedisRepository, pgRepo *repository.PostgresRepository) *App {
	categories := service.NewEndpointCategorizer(pgRepo, service.CategorizerOptions{
		TTL:                    cfg.PatternCacheTTL,
		RetryInterval:          cfg.PatternRetryInterval,
		UnmatchedRequiresToken: cfg.UnmatchedRequiresToken,
	})
	aggregator := service.NewTrafficAggregator(pgRepo, cfg.AggregationWindow, cfg.AggregatorReprocess)

	redisOpts := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	return &App{
		Config:     cfg,
		RedisRepo:  redisRepo,
		PgRepo:     pgRepo,
		Categories: categories,
		IPGate:     service.NewIPBlockGate(pgRepo, cfg.IPBlockCacheTTL, cfg.IPBlockCacheSize),
		Tokens:     service.NewTokenAuthorizer(pgRepo),
		Audit:      service.NewAuditTrail(pgRepo, cfg.AuditQueueSize),
		Geo:        service.NewGeoLocator(cfg.GeoIPDBPath),
		AdminAuth:  service.NewAdminAuthService(cfg.AdminTokenHash),
		Aggregator: aggregator,
		Scheduler:  service.NewSchedulerService(redisRepo, cfg.AggregationWindow, aggregator.RunScheduled),
		Forwarder:  proxy.NewGroupForwarder(pgRepo, cfg.PatternCacheTTL, cfg.PatternRetryInterval),
		Tasks:      tasks.NewClient(redisOpts),
		RedisOpts:  redisOpts,
	}
}

// HandlerDeps collects what the HTTP layer needs from the app.
func (a *App) HandlerDeps() api.Deps {
	return api.Deps{
		Categorizer: a.Categories,
		IPGate:      a.IPGate,
		Authorizer:  a.Tokens,
		Audit:       a.Audit,
		RequestLogs: a.PgRepo,
		Forwarder:   a.Forwarder,
		Geo:         a.Geo,
		Admin:       a.AdminAuth,
		AdminStore:  a.PgRepo,
		Rollups:     a.Tasks,
		Refreshers: map[string]api.Refresher{
			"route_patterns":       a.Categories,
			"backend_destinations": a.Forwarder,
		},
		Aggregator: a.Aggregator,
		Scheduler:  a.Scheduler,
		Patterns:   a.Categories,
		Postgres:   a.PgRepo,
		Redis:      a.RedisRepo,
	}
}

// Close drains the audit queue before the database handle goes away.
// Calling it more than once is safe.
func (a *App) Close() {
	if a.Audit != nil {
		a.Audit.Close()
		a.Audit = nil
	}
	if a.Geo != nil {
		a.Geo.Close()
	}
	if a.Tasks != nil {
		_ = a.Tasks.Close()
		a.Tasks = nil
	}
	if a.PgRepo != nil {
		_ = a.PgRepo.Close()
	}
	if a.RedisRepo != nil {
		_ = a.RedisRepo.Close()
	}
}
