package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full push/pull cycle against the remote",
	Long: `Run a single synchronization cycle.

The cycle:
  1. Bootstraps the local database on first run (full pull, all tables)
  2. Pushes queued local mutations in creation order
  3. Pulls remote changes since the last checkpoint and merges them
  4. Prunes old synced queue entries`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
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

		ctx := context.Background()
		before := e.orch.Status(ctx)
		fmt.Printf("%s Syncing (%d pending)...\n", ui.RenderAccent("🔄"), before.PendingCount)
		start := time.Now()

		if err := e.orch.SetOnline(ctx, true); err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		after := e.orch.Status(ctx)
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pending: %d\n", after.PendingCount)
		if !after.IsInitialized {
			fmt.Printf("   %s store still uninitialized\n", ui.RenderWarn("⚠"))
		}
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Discard the checkpoint and re-bootstrap from the remote",
	Long: `Force a full resynchronization.

Resets the pull checkpoint and the initialized marker, then re-runs the
bootstrap. Pending local mutations are kept and pushed as part of the
cycle; nothing queued is lost.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
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

		ctx := context.Background()
		fmt.Printf("%s Forcing full resync...\n", ui.RenderAccent("🔄"))
		if err := e.orch.ForceResync(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s Resync failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s Resync complete\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resyncCmd)
}
