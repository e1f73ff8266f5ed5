package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockpad/blockpad/internal/migrate"
	"github.com/blockpad/blockpad/internal/ui"
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a page from a JSONL export or YAML bundle",
	Long: `Load page content into the local store.

JSONL files are re-imports of 'blockpad export' output. YAML bundles
(--bundle) are hand-authored seeds with nested blocks.

Imported blocks land in the local store only; run 'blockpad sync' or the
daemon to push them to the remote store.

Example usage:
  blockpad import page-1.jsonl
  blockpad import page-1.jsonl --replace
  blockpad import seed.yaml --bundle`,
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

		ctx := cmd.Context()

		if bundle, _ := cmd.Flags().GetBool("bundle"); bundle {
			n, err := migrate.ImportBundle(ctx, st, args[0])
			if err != nil {
				fatalf("bundle import failed: %v", err)
			}
			fmt.Printf("%s %d block(s)\n", ui.Pass("imported"), n)
			return
		}

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		replace, _ := cmd.Flags().GetBool("replace")
		backup, _ := cmd.Flags().GetBool("backup")
		result, err := migrate.ImportPage(ctx, st, migrate.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Replace:   replace,
			Backup:    backup,
		})
		if err != nil {
			fatalf("import failed: %v", err)
		}

		verb := "imported"
		if dryRun {
			verb = "validated"
		}
		fmt.Printf("%s %d block(s) for page %s\n", ui.Pass(verb), result.BlocksImported, result.PageID)
		if result.BackupCreated != "" {
			fmt.Println(ui.Dim("  backup: " + result.BackupCreated))
		}
		for _, msg := range result.Errors {
			fmt.Println(ui.Warn("  " + msg))
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")
	importCmd.Flags().Bool("replace", false, "Clear the page's existing blocks first")
	importCmd.Flags().Bool("backup", false, "Back up the input file before importing")
	importCmd.Flags().Bool("bundle", false, "Treat FILE as a YAML bundle")
	rootCmd.AddCommand(importCmd)
}
