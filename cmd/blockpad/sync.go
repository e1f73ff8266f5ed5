package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockpad/blockpad/internal/coordinator"
	"github.com/blockpad/blockpad/internal/queue"
	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the transaction queue once",
	Long: `Drain every due pending transaction to the remote store and exit.

Pages drain concurrently; within a page transactions replay in the order
they were enqueued. Transactions still backing off after a transient
failure are left for their next attempt.

Example usage:
  blockpad sync
  blockpad sync --db /path/to/blockpad.db`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		if cfg.Remote.BaseURL == "" {
			fatalf("no remote configured: set remote.base_url or BLOCKPAD_REMOTE_BASE_URL")
		}

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		q := queue.New(st, newRemote(cfg), coordinator.NewBus(), withLogger(cfg.QueueConfig(), "[queue] "))

		ctx := cmd.Context()
		if err := q.ProcessQueue(ctx); err != nil {
			fatalf("sync failed: %v", err)
		}

		counts, err := q.Counts(context.Background())
		if err != nil {
			fatalf("failed to read queue depth: %v", err)
		}
		fmt.Printf("%s completed=%d pending=%d failed=%d\n",
			ui.Accent("sync done:"),
			counts[schema.TxCompleted],
			counts[schema.TxPending]+counts[schema.TxProcessing],
			counts[schema.TxFailed])
		if counts[schema.TxFailed] > 0 {
			fmt.Println(ui.Warn("some transactions failed; run 'blockpad status' for details"))
		}
	},
}

func withLogger(cfg queue.Config, prefix string) queue.Config {
	cfg.Logger = log.New(os.Stderr, prefix, log.LstdFlags)
	return cfg
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
