package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/chunk-recorder/internal/capture"
	"github.com/skypro1111/chunk-recorder/internal/recorder"
	"github.com/skypro1111/chunk-recorder/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run housekeeping, then serve the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	var logger *slog.Logger
	hooks := recorder.Config{
		OnRecordingStarted: func(sessionID string, format capture.Format) {
			logger.Info("Microphone live",
				slog.String("session_id", sessionID),
				slog.Int("sample_rate", format.SampleRate))
		},
		OnError: func(message string) {
			logger.Warn("Recording error reported", slog.String("message", message))
		},
	}

	a, err := wireApp(configPath, hooks)
	if err != nil {
		return err
	}
	logger = a.logger
	defer a.Close()

	if !a.config.HTTP.Enabled {
		return errors.New("http is disabled in the configuration; use 'recorder record' instead")
	}

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", version),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	abandoned, _, err := a.recovery.Init(ctx)
	if err != nil {
		return fmt.Errorf("session housekeeping: %w", err)
	}
	for _, sess := range abandoned {
		logger.Info("Recoverable session found",
			slog.String("session_id", sess.ID),
			slog.String("name", sess.Name),
			slog.Int("chunks", sess.ChunkCount),
			slog.Duration("duration", sess.Duration()))
	}

	httpServer := server.NewHTTPServer(a.config, logger, a.recorder, a.recovery, a.metrics, a.registry, version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}

		// Stored chunks stay recoverable
		a.recorder.Abort()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Service stopped")
	return nil
}
