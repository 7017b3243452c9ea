package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/sitetime/internal/accounting"
	"github.com/goodtune/sitetime/internal/api"
	"github.com/goodtune/sitetime/internal/config"
	"github.com/goodtune/sitetime/internal/engine"
	"github.com/goodtune/sitetime/internal/flush"
	"github.com/goodtune/sitetime/internal/hosts"
	"github.com/goodtune/sitetime/internal/metrics"
	"github.com/goodtune/sitetime/internal/notify"
	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
	"github.com/goodtune/sitetime/internal/systemd"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the accounting agent",
	Long: `Run the accounting agent: the local event API, the accounting loop and
the periodic flush to the collector.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting sitetime agent")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pol, err := loadPolicy(ctx, store.Filters(), cfg.Tracking, logger)
	if err != nil {
		return err
	}

	hub := notify.NewHub(16, logger)

	accountant := accounting.New(
		accounting.LoadState(ctx, store.Snapshots(), logger),
		store.Snapshots(),
		pol,
		accounting.Config{
			MaxSessionDuration: parseDuration(cfg.Agent.MaxSessionDuration, accounting.DefaultMaxSessionDuration),
			MinSessionDuration: parseDuration(cfg.Agent.MinSessionDuration, accounting.DefaultMinSessionDuration),
			Clock:              accounting.RealClock{},
			Notifier:           hub,
		},
		logger,
	)

	classifier, err := hosts.NewClassifier(cfg.Agent.HostCacheSize)
	if err != nil {
		return err
	}

	sink := flush.NewHTTPSink(flush.HTTPSinkConfig{
		URL:      cfg.Sink.URL,
		Timeout:  parseDuration(cfg.Sink.Timeout, 10*time.Second),
		RetryMax: cfg.Sink.RetryMax,
	}, logger)
	queue := flush.NewQueue(accountant, sink, cfg.Sink.Timezone, logger)

	eng := engine.New(accountant, queue, classifier, store.Filters(), engine.Config{
		TickInterval:  parseDuration(cfg.Agent.TickInterval, engine.DefaultTickInterval),
		FlushInterval: parseDuration(cfg.Agent.FlushInterval, engine.DefaultFlushInterval),
		QueueSize:     cfg.Agent.EventQueueSize,
	}, logger)

	hub.OnConnect(func() {
		if err := eng.Submit(ctx, engine.Event{Kind: engine.Connect}); err != nil {
			logger.Debug().Err(err).Msg("Failed to submit connect event")
		}
	})

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- eng.Run(ctx)
	}()

	apiServer := api.NewServer(api.Config{
		ListenAddr:     cfg.Agent.APIAddress,
		AllowedOrigins: cfg.Agent.AllowedOrigins,
	}, eng, hub, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start event API: %w", err)
	}

	metricsServer := startMetrics(cfg.Metrics, sdListeners, logger)

	submitTracking := func(tracking config.TrackingConfig) {
		ev := engine.Event{Kind: engine.PolicyChanged, Settings: tracking.Settings()}
		if err := eng.Submit(ctx, ev); err != nil {
			logger.Error().Err(err).Msg("Failed to submit policy change")
		}
	}

	if cfg.Tracking.WatchConfig {
		err := config.WatchTracking(configPath, func(tracking config.TrackingConfig, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("Ignoring invalid tracking configuration")
				return
			}
			if _, err := policy.ParseMode(tracking.Mode); err != nil {
				logger.Error().Err(err).Msg("Ignoring invalid tracking configuration")
				return
			}
			logger.Info().Msg("Tracking configuration changed on disk")
			submitTracking(tracking)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Not watching configuration file")
		}
	}

	go func() {
		if err := systemd.RunWatchdog(ctx); err != nil {
			logger.Warn().Err(err).Msg("systemd watchdog stopped")
		}
	}()

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	logger.Info().
		Str("api", cfg.Agent.APIAddress).
		Str("sink", cfg.Sink.URL).
		Str("mode", string(pol.Mode())).
		Msg("sitetime agent startup complete")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig != syscall.SIGHUP {
				logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
				break wait
			}
			_ = systemd.NotifyReloading()
			reloaded, err := config.Load(configPath)
			if err != nil {
				logger.Error().Err(err).Msg("Reload failed, keeping current policy")
			} else {
				logger.Info().Msg("Reloading tracking policy")
				submitTracking(reloaded.Tracking)
			}
			_ = systemd.NotifyReady()

		case runErr = <-engineErr:
			logger.Error().Err(runErr).Msg("Accounting loop exited")
			break wait
		}
	}

	_ = systemd.NotifyStopping()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping event API")
	}

	if runErr == nil {
		cancel()
		if err := <-engineErr; err != nil {
			logger.Error().Err(err).Msg("Failed to save state on shutdown")
			runErr = err
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("sitetime agent stopped")
	return runErr
}

// loadPolicy prefers the stored filter settings; the configuration seeds
// them on first start.
func loadPolicy(ctx context.Context, filters storage.FilterStore, tracking config.TrackingConfig, logger zerolog.Logger) (*policy.Policy, error) {
	settings, err := filters.Load(ctx)
	switch {
	case err == nil:
		logger.Info().Str("mode", string(settings.Mode)).Int("hosts", len(settings.List)).Msg("Loaded stored tracking policy")
		return policy.New(*settings)
	case errors.Is(err, storage.ErrNotFound):
	default:
		logger.Warn().Err(err).Msg("Ignoring unreadable stored policy")
	}

	seed := tracking.Settings()
	pol, err := policy.New(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking policy: %w", err)
	}
	if err := filters.Save(ctx, pol.Settings()); err != nil {
		logger.Warn().Err(err).Msg("Failed to store initial tracking policy")
	}
	return pol, nil
}

func startMetrics(cfg config.MetricsConfig, sdListeners *systemd.Listeners, logger zerolog.Logger) *metrics.Server {
	if !cfg.Enabled {
		return nil
	}

	server := metrics.NewServer(cfg.ListenAddress, logger)
	if sdListeners.Metrics != nil {
		server.SetListener(sdListeners.Metrics)
	}
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start metrics server")
		return nil
	}
	return server
}
