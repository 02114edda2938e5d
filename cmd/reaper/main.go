// Command reaper deletes orphaned files from the work directory once.
//
//	reaper              # files older than 15 minutes
//	reaper 5            # files older than 5 minutes
//	reaper 0            # every file except the sentinel
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/italolelis/image_toolkit/internal/reaper"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := NewReaperCommand(afero.NewOsFs(), os.Stdout)
	if err := cmd.ExecuteContext(logctx.WithLogger(ctx, logger)); err != nil {
		os.Exit(1)
	}
}

// NewReaperCommand returns the manual cleanup command.
func NewReaperCommand(fs afero.Fs, out io.Writer) *cobra.Command {
	var dir, sentinel string

	cmd := &cobra.Command{
		Use:   "reaper [maxAgeMinutes]",
		Short: "Delete orphaned files from the work directory.",
		Long: `Deletes every file in the work directory older than maxAgeMinutes
(15 by default). The sentinel file is always kept; 0 deletes everything else.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge := reaper.DefaultMaxAge

			if len(args) == 1 {
				minutes, err := strconv.Atoi(args[0])
				if err != nil || minutes < 0 {
					return fmt.Errorf("invalid maxAgeMinutes %q: must be a non-negative integer", args[0])
				}

				maxAge = time.Duration(minutes) * time.Minute
			}

			deleted, err := reaper.New(fs, dir, sentinel).SweepOnce(cmd.Context(), maxAge)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}

			fmt.Fprintf(out, "Deleted %d file(s) older than %s from %s\n", deleted, maxAge, dir)

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", envOr("WORK_DIR", "uploads"), "work directory to clean")
	cmd.Flags().StringVar(&sentinel, "sentinel", envOr("SENTINEL_NAME", ".gitkeep"), "file name that is never deleted")

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
