package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/chunk-recorder/internal/recorder"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, recover or discard recordings that never finished",
	}

	cmd.AddCommand(
		newSessionsListCmd(configPath),
		newSessionsRecoverCmd(configPath),
		newSessionsDiscardCmd(configPath),
	)
	return cmd
}

func newSessionsListCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Run housekeeping and list recoverable sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(*configPath, recorder.Config{})
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, _, err := a.recovery.Init(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}

			if len(sessions) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No recoverable sessions.")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED\tCHUNKS\tDURATION")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, s.CreatedAt.Local().Format(time.DateTime),
					s.ChunkCount, s.Duration().Round(time.Second))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newSessionsRecoverCmd(configPath *string) *cobra.Command {
	var (
		asJSON bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Build the final file of an abandoned session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(*configPath, recorder.Config{})
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.recovery.Recover(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("recover %s: %w", args[0], err)
			}

			if output != "" {
				if err := os.WriteFile(output, result.Audio, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				result.Path, _ = filepath.Abs(output)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Recovered %q to %s (%s, %d chunks)\n",
				result.Name, result.Path, result.Duration.Round(time.Second), result.Chunks)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the file to this path")
	return cmd
}

func newSessionsDiscardCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <session-id>",
		Short: "Delete an abandoned session and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(*configPath, recorder.Config{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.recovery.Discard(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("discard %s: %w", args[0], err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
			return err
		},
	}
}
