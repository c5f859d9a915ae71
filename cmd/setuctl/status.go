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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state and the last sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := control.NewClient(paths.SocketPath())
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		if errors.Is(err, control.ErrNotRunning) {
			return fmt.Errorf("setud is not running")
		}
		if err != nil {
			return err
		}
		if jsonOut {
			return outputJSON(st)
		}

		fmt.Printf("State:    %s (since %s)\n", st.State, st.StateSince.Format(time.RFC3339))
		fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
		fmt.Printf("Contacts: %d\n", st.Contacts)
		fmt.Printf("Vault:    %s\n", st.VaultBackend)
		if st.CardDAVAddr != "" {
			fmt.Printf("CardDAV:  http://%s/\n", st.CardDAVAddr)
		}
		fmt.Printf("Interval: %s\n", st.SyncInterval)
		if st.SyncRunning {
			fmt.Println("Sync:     running")
		}
		if r := st.LastSync; r != nil {
			result := "ok"
			if r.Error != "" {
				result = r.Error
			}
			fmt.Printf("Last:     %s, %d upserted, %d deleted (%s)\n",
				r.Started.Format(time.RFC3339), r.Upserted, r.Deleted, result)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
