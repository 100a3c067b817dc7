package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/ledger/pkg/syncclient"
)

var (
	syncServer  string
	syncLocal   string
	syncTables  []string
	syncTimeout time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot sync of a local replica against a server",
	Long:  "Open the local replica database, upload its queued change-sets, download per-table deltas, and exit.",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncServer, "server", "http://localhost:8080", "ledger server base URL")
	syncCmd.Flags().StringVar(&syncLocal, "local", "data/replica.db", "local replica database path")
	syncCmd.Flags().StringSliceVar(&syncTables, "tables", nil, "tables to download (default: none)")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 30*time.Second, "per-request HTTP timeout")
}

func runSync(cmd *cobra.Command, args []string) error {
	client, err := syncclient.New(syncclient.Config{
		ServerURL:   syncServer,
		LocalPath:   syncLocal,
		Tables:      syncTables,
		HTTPTimeout: syncTimeout,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if err := client.Initialize(ctx); err != nil {
		return err
	}
	if err := client.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}
