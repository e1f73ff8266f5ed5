package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and failed transactions",
	Long: `Show the sync state of the local store: queue depth per status and
the details of any failed transactions.

Failed transactions are never retried automatically; use
'blockpad retry' to reset them after fixing the cause.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		if info, statErr := os.Stat(st.Path()); statErr == nil {
			fmt.Printf("%s %s (%d KiB)\n", ui.Accent("store:"), st.Path(), info.Size()/1024)
		} else {
			fmt.Printf("%s %s\n", ui.Accent("store:"), st.Path())
		}

		ctx := cmd.Context()
		counts, err := st.CountTransactions(ctx)
		if err != nil {
			fatalf("failed to read queue depth: %v", err)
		}

		status := "synced"
		switch {
		case counts[schema.TxFailed] > 0:
			status = "error"
		case counts[schema.TxPending] > 0 || counts[schema.TxProcessing] > 0:
			status = "pending"
		}
		fmt.Printf("%s %s\n", ui.Accent("sync status:"), ui.StatusBadge(status))
		fmt.Printf("  pending:    %d\n", counts[schema.TxPending])
		fmt.Printf("  processing: %d\n", counts[schema.TxProcessing])
		fmt.Printf("  completed:  %d\n", counts[schema.TxCompleted])
		fmt.Printf("  failed:     %d\n", counts[schema.TxFailed])

		if counts[schema.TxFailed] == 0 {
			return
		}

		failed, err := st.FailedTransactions(ctx)
		if err != nil {
			fatalf("failed to list failed transactions: %v", err)
		}
		fmt.Println()
		fmt.Println(ui.Fail("failed transactions:"))
		for _, tx := range failed {
			fmt.Printf("  %s %s %s (page %s): %s\n",
				ui.Dim(tx.UpdatedAt.Format("2006-01-02 15:04:05")),
				tx.Type, tx.EntityID, tx.PageID, tx.Error)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
