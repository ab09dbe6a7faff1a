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

	"github.com/skypro1111/chunk-recorder/internal/recorder"
)

func newRecordCmd(configPath *string) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record from the default microphone until Ctrl-C or --duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(*configPath, recorder.Config{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, _, err := a.recovery.Init(ctx); err != nil {
				a.logger.Warn("Session housekeeping failed", slog.String("error", err.Error()))
			}

			if err := a.recorder.Start(ctx); err != nil {
				return errors.New(recorder.UserMessage(err))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Recording (session %s). Press Ctrl-C to stop.\n", a.recorder.Status().SessionID)

			var deadline <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				deadline = timer.C
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

		wait:
			for {
				select {
				case <-ctx.Done():
					break wait
				case <-deadline:
					break wait
				case <-ticker.C:
					status := a.recorder.Status()
					if !status.IsRecording {
						// Ended on its own, e.g. the microphone went away
						return errors.New(recorder.UserMessage(a.recorder.LastError()))
					}
					fmt.Fprintf(out, "\r%s  %d chunks", status.RecordingTime, status.Chunks)
				}
			}
			fmt.Fprintln(out)

			result, err := a.recorder.Stop(context.WithoutCancel(ctx))
			if err != nil {
				return errors.New(recorder.UserMessage(err))
			}

			fmt.Fprintf(out, "Saved %s (%s, %d chunks, %d bytes)\n",
				result.Path, result.Duration.Round(time.Second), result.Chunks, result.Size)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop automatically after this long (0 records until Ctrl-C)")
	return cmd
}
