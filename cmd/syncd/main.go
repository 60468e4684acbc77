package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/api"
	"github.com/orderbridge/sheetsync/internal/config"
	"github.com/orderbridge/sheetsync/internal/database"
	"github.com/orderbridge/sheetsync/internal/events"
	"github.com/orderbridge/sheetsync/internal/gateway"
	"github.com/orderbridge/sheetsync/internal/logging"
	"github.com/orderbridge/sheetsync/internal/models"
	"github.com/orderbridge/sheetsync/internal/monitor"
	"github.com/orderbridge/sheetsync/internal/poller"
	"github.com/orderbridge/sheetsync/internal/queue"
	"github.com/orderbridge/sheetsync/internal/report"
	"github.com/orderbridge/sheetsync/internal/syncer"
	"github.com/orderbridge/sheetsync/internal/tracker"
	"github.com/orderbridge/sheetsync/internal/webhook"
	"github.com/orderbridge/sheetsync/internal/worker"
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
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	gw, err := initGateway(cfg, logger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	dispatcher := queue.NewDispatcher(db, redisClient, cfg.Sync.TransportRetries, logger)
	track := tracker.New(db, logger)

	manager := webhook.NewManager(db, db, gw, dispatcher, bus, webhook.Options{
		Secret:          cfg.Webhook.Secret,
		CallbackAddress: cfg.Google.CallbackAddress,
		RenewalWindow:   cfg.Webhook.RenewalWindow,
		SweepInterval:   cfg.Webhook.SweepInterval,
	}, logger)
	go manager.RunSweep(ctx)

	polling := poller.NewController(db, db, dispatcher, cfg.Sync.PollingInterval, logger)

	syncService := syncer.New(gw, db, nil, logger)
	lease := worker.NewSheetLease(redisClient, cfg.Sync.LeaseTTL)
	coordinator := worker.NewCoordinator(track, dispatcher, bus, cfg.Sync.MaxRetries, logger)
	handlers := worker.NewHandlers(track, dispatcher, coordinator, lease, db, syncService, manager, polling, bus, logger)

	pool := worker.NewPool(dispatcher, cfg.Sync.Workers, logger)
	handlers.RegisterAll(pool)
	pool.Start(ctx)

	// Kick the polling fallback off; from here each connection's chain
	// reschedules itself and periodic fan-outs pick up newcomers.
	if _, err := dispatcher.AddPollingJob(ctx, models.PollingPayload{FanOut: true}, 0); err != nil {
		logger.Error().Err(err).Msg("initial polling fan-out failed")
	}

	mon := monitor.New(db, db, bus, cfg.Monitoring.Interval, cfg.Monitoring.StuckThreshold, logger)
	go mon.Run(ctx)

	daily := initDailyJobs(cfg, db, track, dispatcher, logger)
	go daily.Run(ctx)

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, track, dispatcher, manager, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("api server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("app", cfg.App.Name).Msg("sheetsync started")
	<-ctx.Done()

	logger.Info().Msg("shutting down, waiting for workers to drain")
	pool.Wait()
	return nil
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

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config) error {
	dirs := []string{filepath.Dir(cfg.Database.Path)}
	if cfg.Reports.Enabled {
		dirs = append(dirs, cfg.Reports.Path)
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// initRedis is best-effort: without redis the queues fall back to DB
// polling, so a missing or unreachable instance only costs latency.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis disabled, queue wakeups fall back to DB polling")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, continuing with DB polling")
	}
	return client
}

func initGateway(cfg *config.Config, logger *zerolog.Logger) (*gateway.Google, error) {
	if cfg.Google.CredentialsFile == "" {
		return nil, fmt.Errorf("google credentials file is required")
	}

	creds, err := gateway.NewServiceAccountCredentials(cfg.Google.CredentialsFile)
	if err != nil {
		return nil, err
	}

	if email, err := gateway.ServiceAccountEmail(cfg.Google.CredentialsFile); err == nil {
		logger.Info().Str("service_account", email).Msg("share sheets with this account to enable sync")
	}

	return gateway.NewGoogle(creds, cfg.Google.RateLimitRPS, logger), nil
}

func initDailyJobs(cfg *config.Config, db *database.DB, track *tracker.Tracker, dispatcher *queue.Dispatcher, logger *zerolog.Logger) *monitor.DailyJobs {
	var reporter monitor.Reporter
	if cfg.Reports.Enabled {
		reporter = report.NewWriter(db, db, cfg.Reports.Path, logger)
	}
	return monitor.NewDailyJobs(track, dispatcher, reporter, cfg.Reports.Time, cfg.Sync.CleanupAfterDays, cfg.Sync.CleanupKeepMin, logger)
}
