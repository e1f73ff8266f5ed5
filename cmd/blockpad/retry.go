package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockpad/blockpad/internal/coordinator"
	"github.com/blockpad/blockpad/internal/queue"
	"github.com/blockpad/blockpad/internal/ui"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed transactions and drain the queue",
	Long: `Reset every failed transaction to pending with a fresh retry budget,
then drain the queue once.

Use this after fixing whatever caused the failures (permissions,
connectivity, rejected content).`,
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
		n, err := q.RetryFailedTransactions(ctx)
		if err != nil {
			fatalf("failed to reset transactions: %v", err)
		}
		if n == 0 {
			fmt.Println("nothing to retry")
			return
		}
		fmt.Printf("reset %d failed transaction(s)\n", n)

		if err := q.ProcessQueue(ctx); err != nil {
			fatalf("drain failed: %v", err)
		}
		fmt.Println(ui.Pass("drain complete"))
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
