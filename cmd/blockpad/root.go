package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockpad/blockpad/internal/config"
	"github.com/blockpad/blockpad/internal/realtime"
	"github.com/blockpad/blockpad/internal/remote"
	"github.com/blockpad/blockpad/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "blockpad",
	Short: "Local-first sync engine for block documents",
	Long: `blockpad keeps a local SQLite cache of block documents in sync with a
remote store. Edits land locally first and drain to the remote through a
durable transaction queue; remote edits stream back over a realtime feed.

Common usage:
  blockpad sync                  # Drain the queue once
  blockpad status                # Show queue depth and sync state
  blockpad daemon                # Run the background sync loop
  blockpad export PAGE -o f.jsonl
  blockpad import f.jsonl`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("db", "", "Local store path (overrides config)")
}

// loadConfig resolves configuration for a command invocation.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

// openStore opens the local store and ensures the schema exists.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

// newRemote builds the remote action client, or nil when no remote is
// configured.
func newRemote(cfg *config.Config) remote.Store {
	if cfg.Remote.BaseURL == "" {
		return nil
	}
	return remote.NewClient(remote.ClientConfig{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.Timeout,
	})
}

// newFeed builds the realtime feed client, or nil when no feed is
// configured.
func newFeed(cfg *config.Config) remote.Feed {
	if cfg.Remote.FeedURL == "" {
		return nil
	}
	return realtime.NewWSFeed(cfg.Remote.FeedURL, cfg.Remote.Token)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
