package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/setu/internal/control"
	"github.com/matheus3301/setu/internal/paths"
	"github.com/spf13/cobra"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle now and wait for it",
	Long: `Start a sync cycle, or join the one already running, and print its result.
Interrupting the wait does not cancel the cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := control.NewClient(paths.SocketPath())
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
		defer cancel()
		rep, err := c.Sync(ctx)
		if errors.Is(err, control.ErrNotRunning) {
			return fmt.Errorf("setud is not running")
		}
		if rep != nil {
			if jsonOut {
				if encErr := outputJSON(rep); encErr != nil {
					return encErr
				}
			} else {
				kind := "incremental"
				if rep.FullListing {
					kind = "full"
				}
				fmt.Printf("Cycle %s (%s): %d pages, %d upserted, %d unchanged, %d deleted, %d skipped in %dms\n",
					rep.ID, kind, rep.Pages, rep.Upserted, rep.Unchanged, rep.Deleted, rep.Skipped, rep.DurationMs)
			}
		}
		return err
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 30*time.Minute, "how long to wait for the cycle")
	rootCmd.AddCommand(syncCmd)
}
