package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/blockpad/blockpad/internal/engine"
	"github.com/blockpad/blockpad/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync loop",
	Long: `Run the sync engine in the foreground: the transaction queue drains on
its interval, and when a feed URL is configured the realtime bridge
keeps watched pages live.

Logs go to stderr, or to a rotating file when log.file is configured.

Example usage:
  blockpad daemon
  blockpad daemon --watch page-1 --watch page-2`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		if cfg.Remote.BaseURL == "" {
			fatalf("no remote configured: set remote.base_url or BLOCKPAD_REMOTE_BASE_URL")
		}

		var logOut io.Writer = os.Stderr
		if cfg.Log.File != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   true,
			}
		}
		logger := log.New(logOut, "[blockpad] ", log.LstdFlags)

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		queueCfg := cfg.QueueConfig()
		queueCfg.Logger = log.New(logOut, "[queue] ", log.LstdFlags)
		bridgeCfg := cfg.RealtimeConfig()
		bridgeCfg.Logger = log.New(logOut, "[realtime] ", log.LstdFlags)

		e := engine.New(st, newRemote(cfg), newFeed(cfg), nil, engine.Config{
			UserID:    cfg.UserID,
			Queue:     queueCfg,
			Bridge:    bridgeCfg,
			Hierarchy: cfg.HierarchyConfig(),
			Logger:    logger,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := e.Start(ctx); err != nil {
			fatalf("failed to start engine: %v", err)
		}

		pages, _ := cmd.Flags().GetStringSlice("watch")
		for _, pageID := range pages {
			if _, err := e.OpenPage(ctx, pageID); err != nil {
				logger.Printf("failed to open page %s: %v", pageID, err)
			} else {
				logger.Printf("watching page %s", pageID)
			}
		}

		fmt.Printf("%s store=%s remote=%s\n", ui.Accent("daemon running:"), cfg.DBPath, cfg.Remote.BaseURL)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		e.Stop()
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().StringSlice("watch", nil, "Page IDs to keep live over the realtime feed")
	rootCmd.AddCommand(daemonCmd)
}
