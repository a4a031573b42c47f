package main

import (
	"os"
	"os/signal"
	"syscall"

	"proxyguard/internal/app"
	"proxyguard/internal/config"
	"proxyguard/internal/logging"
	"proxyguard/internal/tasks"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	logging.Setup(logging.Options{Debug: cfg.LogDebug, File: cfg.LogFile, Component: "worker"})

	zlog.Info().Msg("Starting ProxyGuard standalone worker")

	// Bootstrap shared dependencies
	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	asynqServer := asynq.NewServer(
		a.RedisOpts,
		asynq.Config{
			Concurrency: 4,
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

	zlog.Info().Msg("Worker running. Press Ctrl+C to exit.")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("Shutting down worker...")
	asynqServer.Shutdown()
	zlog.Info().Msg("Worker exited")
}
