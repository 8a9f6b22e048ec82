package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/osamashannak/siren-detection-service/internal/audio"
	"github.com/osamashannak/siren-detection-service/internal/catalog"
	"github.com/osamashannak/siren-detection-service/internal/classifier"
	"github.com/osamashannak/siren-detection-service/internal/config"
	"github.com/osamashannak/siren-detection-service/internal/detection"
	"github.com/osamashannak/siren-detection-service/internal/metrics"
)

// pipeline holds the components shared by the serve and classify commands
type pipeline struct {
	detector *detection.Detector
	model    classifier.Classifier
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

// buildPipeline loads the class catalog, checks the model and ffmpeg in parallel
// and wires the detector. Any failure is fatal: nothing is served half-configured.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	ffmpeg := audio.NewFFmpeg(cfg.Audio.FFmpegPath, cfg.Audio.GetTranscodeTimeoutDuration())

	loader := &catalog.Loader{
		HTTPClient: &http.Client{Timeout: cfg.Catalog.GetTimeoutDuration()},
		Column:     cfg.Catalog.Column,
	}
	if strings.HasPrefix(cfg.Catalog.Source, "s3://") {
		loader.S3 = catalog.NewS3Client(catalog.S3Options{
			Region:       cfg.Catalog.S3Region,
			Endpoint:     cfg.Catalog.S3Endpoint,
			UsePathStyle: cfg.Catalog.S3UsePathStyle,
		})
	}

	var remote *classifier.TFServing
	if cfg.Model.Backend == "tfserving" {
		var err error
		remote, err = classifier.NewTFServing(classifier.TFServingConfig{
			Endpoint:      cfg.Model.Endpoint,
			Model:         cfg.Model.Name,
			Version:       cfg.Model.Version,
			InputName:     cfg.Model.InputName,
			ScoresOutput:  cfg.Model.ScoresOutput,
			Timeout:       cfg.Model.GetTimeoutDuration(),
			MaxRetries:    cfg.Model.MaxRetries,
			MaxConcurrent: cfg.Model.MaxConcurrent,
		}, appMetrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
	}

	var cat *catalog.Catalog
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loadCtx, cancel := context.WithTimeout(gctx, cfg.Catalog.GetTimeoutDuration())
		defer cancel()

		c, err := loader.Load(loadCtx, cfg.Catalog.Source)
		if err != nil {
			return err
		}
		cat = c
		logger.Info("Class catalog loaded",
			slog.String("source", c.Source()),
			slog.Int("classes", c.Len()),
		)
		return nil
	})

	g.Go(func() error {
		if err := ffmpeg.Check(gctx); err != nil {
			return err
		}
		logger.Info("Transcoder available", slog.String("binary", ffmpeg.Binary))
		return nil
	})

	if remote != nil {
		g.Go(func() error {
			readyCtx, cancel := context.WithTimeout(gctx, cfg.Model.GetTimeoutDuration())
			defer cancel()

			if err := remote.Ready(readyCtx); err != nil {
				return fmt.Errorf("model %s is not ready: %w", cfg.Model.Name, err)
			}
			logger.Info("Model ready",
				slog.String("endpoint", cfg.Model.Endpoint),
				slog.String("model", cfg.Model.Name),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var model classifier.Classifier = remote
	if remote == nil {
		classes, err := classifier.ResolveEnergyClasses(cat.Names(), cfg.Detection.Keyword)
		if err != nil {
			return nil, fmt.Errorf("energy model: %w", err)
		}
		energy, err := classifier.NewEnergy(classes, cfg.Audio.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("energy model: %w", err)
		}
		model = energy
		logger.Info("Using local energy model",
			slog.Int("silence_class", classes.Silence),
			slog.Int("noise_class", classes.Noise),
			slog.Int("tone_class", classes.Tone),
		)
	}

	if idx := cat.IndexOf(cfg.Detection.Keyword); idx < 0 {
		logger.Warn("No catalog class matches the detection keyword; every clip will report no siren",
			slog.String("keyword", cfg.Detection.Keyword),
		)
	}

	normalizer := audio.NewNormalizer(ffmpeg, cfg.Audio.TempDir, logger)

	detector, err := detection.NewDetector(normalizer, model, cat, detection.Config{
		Keyword:   cfg.Detection.Keyword,
		CacheSize: cfg.Detection.CacheSize,
	}, appMetrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	return &pipeline{
		detector: detector,
		model:    model,
		catalog:  cat,
		metrics:  appMetrics,
		registry: registry,
	}, nil
}

// Close releases model connections
func (p *pipeline) Close() {
	if remote, ok := p.model.(*classifier.TFServing); ok {
		remote.Close()
	}
}
