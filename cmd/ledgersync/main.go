package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/config"
	"github.com/ledgersync/ledgersync/internal/device"
	"github.com/ledgersync/ledgersync/internal/outbox"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/seed"
	"github.com/ledgersync/ledgersync/internal/store"
	"github.com/ledgersync/ledgersync/internal/syncer"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Offline-first sync engine for personal finance data",
	Long: `ledgersync keeps a local finance database in sync with a remote store.

Local writes land immediately in an embedded SQLite database and queue
for upload; remote changes are pulled and merged with last-write-wins
conflict resolution. The device stays fully usable offline.

Typical workflow:
  1. ledgersync sync       # one full push/pull cycle (bootstraps first run)
  2. ledgersync status     # local database and queue state
  3. ledgersync daemon     # continuous background syncing`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ledgersync.yaml)")
}

// engine bundles the wired-up components a command works with.
type engine struct {
	cfg   *config.Config
	dev   *device.Context
	store *store.Store
	queue *outbox.Queue
	orch  *syncer.Orchestrator
}

// openEngine loads configuration and wires the store, queue, remote
// client and orchestrator. The caller must call close.
func openEngine(logger *log.Logger) (*engine, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	dev := device.NewContext()
	st, err := store.Open(cfg.Database.Path, &store.Config{Device: dev, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	if err := seed.Apply(ctx, st, logger); err != nil {
		st.Close()
		return nil, nil, err
	}

	qconfig := outbox.DefaultConfig()
	qconfig.MaxRetries = cfg.Sync.MaxRetries
	qconfig.PruneAfter = cfg.Sync.PruneAfter
	qconfig.Logger = logger
	queue := outbox.New(st.RawDB(), qconfig)

	if cfg.Remote.UserID != "" {
		dev.Login(cfg.Remote.UserID)
		meta, err := st.Meta(ctx)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		// A different user on the same install means the mirrored data
		// and the queue belong to someone else: wipe the sync state and
		// re-bootstrap under the new identity.
		if meta.LastUserID != "" && meta.LastUserID != cfg.Remote.UserID {
			logger.Printf("User changed (%s -> %s), resetting sync state", meta.LastUserID, cfg.Remote.UserID)
			if err := queue.Clear(ctx); err != nil {
				st.Close()
				return nil, nil, err
			}
			if err := st.SetInitialized(ctx, false); err != nil {
				st.Close()
				return nil, nil, err
			}
			if err := st.SetCheckpoint(ctx, 0); err != nil {
				st.Close()
				return nil, nil, err
			}
		}
		if err := st.SetLastUser(ctx, cfg.Remote.UserID); err != nil {
			st.Close()
			return nil, nil, err
		}
	}

	var endpoint remote.Endpoint
	if cfg.Remote.BaseURL != "" {
		client, err := remote.NewClient(&remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
			Logger:  logger,
		})
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		endpoint = client
	}

	var orch *syncer.Orchestrator
	if endpoint != nil {
		orch = syncer.New(st, queue, endpoint, &syncer.Config{
			BatchSize:     cfg.Sync.BatchSize,
			PullPageSize:  cfg.Sync.PullPageSize,
			Interval:      cfg.Sync.Interval,
			PulseDebounce: cfg.Sync.PulseDebounce,
			Lookback:      cfg.Sync.Lookback,
			Logger:        logger,
		})
	}

	e := &engine{cfg: cfg, dev: dev, store: st, queue: queue, orch: orch}
	return e, func() { st.Close() }, nil
}

// requireRemote fails fast for commands that cannot run without a
// configured endpoint.
func (e *engine) requireRemote() error {
	if e.orch == nil {
		return fmt.Errorf("no remote endpoint configured (set remote.base_url or LEDGERSYNC_REMOTE_BASE_URL)")
	}
	return nil
}
