package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/chunk-recorder/internal/capture"
	"github.com/skypro1111/chunk-recorder/internal/config"
	"github.com/skypro1111/chunk-recorder/internal/encoder"
	"github.com/skypro1111/chunk-recorder/internal/metrics"
	"github.com/skypro1111/chunk-recorder/internal/recorder"
	"github.com/skypro1111/chunk-recorder/internal/recovery"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

// app holds the wired components shared by every command
type app struct {
	config    *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     *store.Store
	recorder  *recorder.Orchestrator
	recovery  *recovery.Service
}

// loadConfig reads path, or the default config file when present, or
// falls back to the built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), "", nil
		}
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func wireApp(configPath string, hooks recorder.Config) (*app, error) {
	cfg, loadedFrom, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, logCloser := initLogger(cfg.Logging)
	logger.Info("Configuration loaded",
		slog.String("config_path", loadedFrom),
		slog.Int("sample_rate", cfg.Recording.SampleRate),
		slog.Float64("flush_interval", cfg.Recording.FlushInterval),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("format", cfg.Encoder.Format),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	st, err := store.Open(cfg.Storage.Path, cfg.Storage.GetBusyTimeout())
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	st.SetLeaseTTL(cfg.Storage.GetLeaseTTL())

	a := &app{
		config:    cfg,
		logger:    logger,
		logCloser: logCloser,
		registry:  registry,
		metrics:   appMetrics,
		store:     st,
	}

	source := capture.NewMalgoSource(capture.MalgoConfig{
		QueueSize: cfg.Capture.QueueSize,
		PeriodMs:  cfg.Capture.PeriodMs,
	}, logger)

	hooks.SampleRate = cfg.Recording.SampleRate
	hooks.Channels = cfg.Recording.Channels
	hooks.FlushInterval = cfg.Recording.GetFlushInterval()
	hooks.MaxPendingFlushes = cfg.Recording.MaxPendingFlushes
	hooks.MaxCarry = cfg.Recording.GetMaxCarry()
	hooks.OutputDir = cfg.Recording.OutputDir
	hooks.NameLayout = cfg.Recording.NameLayout
	a.recorder = recorder.NewOrchestrator(hooks, source, st, a.newEncoder, logger, appMetrics)

	a.recovery = recovery.NewService(recovery.Config{
		MaxAge:        cfg.Retention.GetMaxAge(),
		MaxSessions:   cfg.Retention.MaxSessions,
		OutputDir:     cfg.Recording.OutputDir,
		ActiveSession: func() string { return a.recorder.Status().SessionID },
	}, st, a.newEncoder, logger, appMetrics)

	return a, nil
}

// newEncoder gives each recording its own ffmpeg scratch directory
func (a *app) newEncoder() recorder.Encoder {
	cfg := a.config.Encoder
	engine := encoder.NewFFmpegEngine(cfg.FFmpegPath, "", a.logger)
	return encoder.NewAdapter(engine, encoder.Config{
		Format:        cfg.Format,
		Codec:         cfg.Codec,
		Bitrate:       cfg.Bitrate,
		InitTimeout:   cfg.GetInitTimeout(),
		EncodeTimeout: cfg.GetEncodeTimeout(),
		MaxRetries:    cfg.MaxRetries,
	}, a.logger, a.metrics)
}

func (a *app) Close() {
	a.recorder.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close session store", slog.String("error", err.Error()))
	}
	a.logCloser.Close()
}
