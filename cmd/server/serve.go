package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/osamashannak/siren-detection-service/internal/audio"
	"github.com/osamashannak/siren-detection-service/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the HTTP detection service",
	Long:  `Loads the class catalog, checks the model and ffmpeg, then serves POST /siren-detection.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override the HTTP port from the configuration")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.HTTP.Port = servePort
		if err := cfg.HTTP.Validate(); err != nil {
			return err
		}
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("http_address", cfg.HTTP.Address),
		slog.Int64("max_upload_bytes", cfg.HTTP.MaxUploadBytes),
		slog.String("model_backend", cfg.Model.Backend),
		slog.String("model_endpoint", cfg.Model.Endpoint),
		slog.String("catalog_source", cfg.Catalog.Source),
		slog.String("keyword", cfg.Detection.Keyword),
		slog.Int("cache_size", cfg.Detection.CacheSize),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Cancel startup checks on SIGINT/SIGTERM as well
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", slog.String("error", err.Error()))
		return err
	}
	defer p.Close()

	httpServer := server.NewHTTPServer(cfg, logger, p.detector, p.model, p.metrics, p.registry)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	// Wait for shutdown signal
	<-ctx.Done()
	stop()

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := p.detector.GetStats()
	logger.Info("Final detection statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("siren_detected", stats.SirenDetected),
		slog.Uint64("no_siren", stats.NoSiren),
		slog.Uint64("cache_hits", stats.CacheHits),
		slog.Int64("live_temp_files", audio.LiveTempFiles()),
	)

	if live := audio.LiveTempFiles(); live != 0 {
		return fmt.Errorf("%d temp files were not removed", live)
	}

	logger.Info("Service stopped")
	return nil
}
