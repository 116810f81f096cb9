package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ledgersync/ledgersync/internal/config"
	"github.com/ledgersync/ledgersync/internal/dashboard"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/schema"
	"github.com/ledgersync/ledgersync/internal/store"
	"github.com/ledgersync/ledgersync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run continuous background syncing (foreground process)",
	Long: `Run the sync engine continuously.

The daemon:
  1. Runs a full cycle immediately, then on a periodic ticker
  2. Subscribes to the remote change feed and pulls on every pulse
  3. Optionally serves a local WebSocket dashboard of sync activity
  4. Reloads tuning knobs when the config file changes

Stop with Ctrl+C; in-flight work is cancelled cleanly and unconfirmed
pushes are revalidated on the next start.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		e, closeEngine, err := openEngine(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeEngine()
		if err := e.requireRemote(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Rotate the daemon log instead of growing it forever.
		if e.cfg.Log.File != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   e.cfg.Log.File,
				MaxSize:    e.cfg.Log.MaxSizeMB,
				MaxBackups: e.cfg.Log.MaxBackups,
			})
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if e.cfg.Dashboard.Enabled {
			board := dashboard.NewServer(&dashboard.Config{
				Port:   e.cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := board.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer board.Stop()

			unsubscribe := e.orch.Subscribe(board.BroadcastStatus)
			defer unsubscribe()
			unobserve := e.store.Subscribe(func(table, id string, op schema.Operation, origin store.Origin) {
				originName := "local"
				if origin == store.OriginRemote {
					originName = "remote"
				}
				board.BroadcastChange(dashboard.ChangeData{
					Table: table, ID: id, Operation: string(op), Origin: originName,
				})
			})
			defer unobserve()
			fmt.Printf("%s Dashboard on ws://%s/ws\n", ui.RenderAccent("📊"), board.Addr())
		}

		if e.cfg.Remote.FeedURL != "" {
			feed, err := remote.NewFeed(remote.FeedConfig{
				URL:    e.cfg.Remote.FeedURL,
				Token:  e.cfg.Remote.Token,
				Logger: logger,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating change feed: %v\n", err)
				os.Exit(1)
			}
			go func() {
				if err := feed.Run(ctx, e.orch.HandlePulse); err != nil && ctx.Err() == nil {
					logger.Printf("Change feed stopped: %v", err)
				}
			}()
		}

		e.cfg.Watch(func(fresh *config.Config) {
			logger.Printf("Config reloaded (interval %s, batch %d)", fresh.Sync.Interval, fresh.Sync.BatchSize)
		})

		go func() {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			logger.Printf("Shutting down")
			cancel()
		}()

		fmt.Printf("%s Sync daemon running (interval %s)\n", ui.RenderAccent("🚀"), e.cfg.Sync.Interval)
		fmt.Printf("   Database: %s\n", e.store.Path())
		fmt.Printf("   Remote: %s\n", e.cfg.Remote.BaseURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := e.orch.Run(ctx); err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
