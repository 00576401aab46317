package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/bootstrap"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/config"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/engine"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/events"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/legacy"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/logging"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/metrics"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/outbox"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/remote"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	subscribeSyncEvents(bus, logger)

	booter := bootstrap.New(cfg.Store.Path, legacy.NewFileReader(cfg.Legacy.Path), logger)
	eng := engine.New(booter, bus, logger)

	result := eng.Bootstrap(ctx, models.Snapshot{})
	logger.Info().
		Str("source", string(result.Source)).
		Bool("store_available", result.StoreAvailable).
		Int("jobs", len(result.Snapshot.Jobs)).
		Msg("bootstrap finished")

	st := eng.Store()
	if st != nil {
		defer st.Close()
	}

	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(cfg.Monitoring.PrometheusPort, logger)
	}

	if st == nil {
		// Nothing durable to drain or back up; stay alive for observability
		// until the operator intervenes.
		logger.Warn().Msg("running without a durable store, sync disabled")
		<-ctx.Done()
		return nil
	}

	if cfg.Backup.Enabled {
		backupService := store.NewBackupService(cfg.Store.Path, cfg.Backup, logger)
		go backupService.Start(ctx)
	}

	queue, err := buildQueue(ctx, cfg, st, bus, logger)
	if err != nil {
		return err
	}
	eng.AttachQueue(queue)

	if !cfg.Remote.Enabled {
		logger.Info().Msg("remote sync disabled, queue accepts ops but nothing drains")
		<-ctx.Done()
		return nil
	}

	return processLoop(ctx, cfg, queue, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := baseLogger.With().Str("component", "crewsyncd").Logger()

	return cfg, &logger, closer, nil
}

func buildQueue(ctx context.Context, cfg *config.Config, st *store.Store, bus *events.Bus, logger *zerolog.Logger) (*outbox.Queue, error) {
	var backend remote.Backend
	if cfg.Remote.Enabled {
		fb, err := remote.NewFirestoreBackend(ctx, cfg.Remote, logger)
		if err != nil {
			return nil, err
		}
		backend = fb
	}

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, queue falls back to pure polling")
			redisClient = nil
		}
	}

	retry := outbox.RetryPolicy{
		InitialDelay:  cfg.Queue.InitialDelay,
		MaxDelay:      cfg.Queue.MaxDelay,
		BackoffFactor: cfg.Queue.BackoffFactor,
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.Remote.RateRPS), cfg.Remote.RateBurst)

	return outbox.New(st, backend, redisClient, retry, limiter, bus, logger), nil
}

func processLoop(ctx context.Context, cfg *config.Config, queue *outbox.Queue, logger *zerolog.Logger) error {
	logger.Info().Dur("poll_interval", cfg.Queue.PollInterval).Msg("queue processor started")

	ticker := time.NewTicker(cfg.Queue.PollInterval)
	defer ticker.Stop()

	for {
		stats, err := queue.Process(ctx, false)
		if err != nil {
			logger.Error().Err(err).Msg("queue pass failed")
		} else if stats.Acknowledged > 0 || stats.Retried > 0 {
			logger.Info().
				Int("acknowledged", stats.Acknowledged).
				Int("retried", stats.Retried).
				Int("deferred", stats.Deferred).
				Msg("queue pass finished")
		}

		if ctx.Err() != nil {
			logger.Info().Msg("queue processor stopped")
			return nil
		}

		if queue.Nudged() && queue.WaitNudge(ctx, cfg.Queue.PollInterval) {
			// Woken by an enqueue; run the next pass right away. A false
			// return (timeout or broken redis) falls through to the ticker
			// so a dead connection cannot turn the loop into a busy spin.
			continue
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("queue processor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func subscribeSyncEvents(bus *events.Bus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventSyncOpFailed, func(event *events.Event) error {
		logger.Warn().RawJSON("op", event.Payload).Msg("sync op failed")
		return nil
	})
}

func serveMetrics(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics listener failed")
	}
}
