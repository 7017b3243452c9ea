package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/sitetime/internal/collector"
	"github.com/goodtune/sitetime/internal/config"
	"github.com/goodtune/sitetime/internal/database"
	"github.com/goodtune/sitetime/internal/storage"
	"github.com/goodtune/sitetime/internal/systemd"
)

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the flush collector",
	Long: `Run the collector that receives flushed sessions, de-duplicates them by
session ID and keeps day, week and month totals per host in sqlite.`,
	RunE: runCollector,
}

func init() {
	rootCmd.AddCommand(collectorCmd)
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("database", cfg.Collector.DatabasePath).
		Msg("Starting sitetime collector")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if err := storage.EnsureDir(filepath.Dir(cfg.Collector.DatabasePath)); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := database.Open(cfg.Collector.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open collector database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close collector database")
		}
	}()

	server := collector.NewServer(cfg.Collector.ListenAddress, store, logger)
	if sdListeners.Collector != nil {
		server.SetListener(sdListeners.Collector)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start collector: %w", err)
	}

	metricsServer := startMetrics(cfg.Metrics, sdListeners, logger)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	logger.Info().Str("addr", cfg.Collector.ListenAddress).Msg("sitetime collector startup complete")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
	_ = systemd.NotifyStopping()

	if err := server.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping collector")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("sitetime collector stopped")
	return nil
}
