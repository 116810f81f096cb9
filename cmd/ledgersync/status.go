package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/schema"
	"github.com/ledgersync/ledgersync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and sync queue state",
	Long: `Display the state of the local store and the mutation queue.

Shows:
  - Database location, device id, bootstrap state
  - Last pull checkpoint
  - Pending and permanently failed queue entries
  - Row counts per table`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[status] ", log.LstdFlags)
		e, closeEngine, err := openEngine(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeEngine()

		ctx := context.Background()
		meta, err := e.store.Meta(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync meta: %v\n", err)
			os.Exit(1)
		}
		pending, err := e.queue.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting queue: %v\n", err)
			os.Exit(1)
		}
		failed, err := e.queue.PermanentlyFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed entries: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Ledgersync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Database: %s\n", e.store.Path())
		fmt.Printf("Device: %s\n", e.store.DeviceID())
		if meta.IsInitialized {
			fmt.Printf("Bootstrap: %s\n", ui.RenderPass("complete"))
		} else {
			fmt.Printf("Bootstrap: %s\n", ui.RenderWarn("not run"))
		}
		if meta.Checkpoint > 0 {
			fmt.Printf("Checkpoint: %s\n", time.UnixMilli(meta.Checkpoint).Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("Checkpoint: %s\n", ui.RenderDim("none"))
		}
		fmt.Printf("Pending: %d\n", pending)

		if len(failed) > 0 {
			fmt.Printf("\n%s %d entries need attention:\n", ui.RenderFail("✗"), len(failed))
			for _, entry := range failed {
				fmt.Printf("   %s %s %s: %s\n", entry.Operation, entry.Entity, entry.EntityID,
					ui.RenderDim(entry.LastError))
			}
		}

		fmt.Println()
		for _, table := range schema.Tables {
			n, err := e.store.Count(ctx, table)
			if err != nil {
				continue
			}
			if n > 0 {
				fmt.Printf("%-28s %d\n", table, n)
			}
		}
		fmt.Println()
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge-tombstones",
	Short: "Physically remove old soft-deleted rows",
	Long: `Garbage-collect tombstones older than the retention window.

Soft-deleted rows are normally kept forever so the deletion can reach
every device. Once every device has synced past the deletion this
command reclaims the space. Never runs automatically.`,
	Run: func(cmd *cobra.Command, args []string) {
		days, _ := cmd.Flags().GetInt("older-than")
		logger := log.New(os.Stderr, "[purge] ", log.LstdFlags)
		e, closeEngine, err := openEngine(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeEngine()

		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
		n, err := e.store.PurgeTombstones(context.Background(), cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error purging tombstones: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Purged %d tombstones older than %d days\n", ui.RenderPass("✓"), n, days)
	},
}

func init() {
	purgeCmd.Flags().Int("older-than", 90, "minimum tombstone age in days")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(purgeCmd)
}
