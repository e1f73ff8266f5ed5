package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockpad/blockpad/internal/migrate"
	"github.com/blockpad/blockpad/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:   "export PAGE_ID",
	Short: "Export a page and its blocks to JSONL",
	Long: `Write one page and all of its blocks from the local store to a JSONL
file: the page record first, then one block per line.

Example usage:
  blockpad export page-1 -o page-1.jsonl`,
	Args: cobra.ExactArgs(1),
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

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = args[0] + ".jsonl"
		}

		result, err := migrate.ExportPage(cmd.Context(), st, args[0], out)
		if err != nil {
			fatalf("export failed: %v", err)
		}
		fmt.Printf("%s %d block(s) -> %s\n", ui.Pass("exported"), result.BlocksWritten, result.Path)
	},
}

func init() {
	exportCmd.Flags().StringP("out", "o", "", "Output file (default PAGE_ID.jsonl)")
	rootCmd.AddCommand(exportCmd)
}
