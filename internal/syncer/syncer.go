// Package syncer drives the bidirectional reconciliation loop: drain
// the outbox to the remote endpoint, pull remote deltas since the last
// checkpoint, and merge them into the local store under the
// version/timestamp conflict rule.
//
// One cycle at a time: a second sync request while a cycle is in flight
// sets a pending flag and the cycle reruns when the current one
// finishes, instead of overlapping two round-trips against the same
// checkpoint.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ledgersync/ledgersync/internal/outbox"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/schema"
	"github.com/ledgersync/ledgersync/internal/store"
)

// Config holds orchestrator construction options.
type Config struct {
	// BatchSize bounds one push batch. Defaults to 50.
	BatchSize int

	// PullPageSize bounds one pull page. Defaults to 500.
	PullPageSize int

	// Interval is the periodic cycle cadence in Run. Defaults to 5m.
	Interval time.Duration

	// PulseDebounce collapses bursts of realtime pulses into one
	// catch-up pull. Defaults to 1s.
	PulseDebounce time.Duration

	// Lookback is the window a pulse-triggered catch-up pull covers.
	// Defaults to 2m.
	Lookback time.Duration

	// NowMillis supplies the clock; defaults to time.Now.
	NowMillis func() int64

	// Logger for cycle activity. Defaults to stderr.
	Logger *log.Logger
}

// Orchestrator is the sync state machine.
type Orchestrator struct {
	store  *store.Store
	queue  *outbox.Queue
	remote remote.Endpoint
	config *Config
	logger *log.Logger
	now    func() int64
	hub    *statusHub

	mu           sync.Mutex
	state        State
	enabled      bool // SetOnline: the device believes it has connectivity
	reachable    bool // last network outcome: the remote actually answered
	lastSyncAt   int64
	lastErr      string
	progress     string
	progressPct  int
	cycleActive  bool
	pendingCycle bool
	cycleCancel  context.CancelFunc
	pulseTimer   *time.Timer
}

// New builds an orchestrator over the store, queue and endpoint. It
// starts offline; call SetOnline(true) (or Run) to begin syncing.
func New(st *store.Store, q *outbox.Queue, endpoint remote.Endpoint, config *Config) *Orchestrator {
	if config == nil {
		config = &Config{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.PullPageSize <= 0 {
		config.PullPageSize = 500
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.PulseDebounce <= 0 {
		config.PulseDebounce = time.Second
	}
	if config.Lookback <= 0 {
		config.Lookback = 2 * time.Minute
	}
	if config.NowMillis == nil {
		config.NowMillis = func() int64 { return time.Now().UnixMilli() }
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:     st,
		queue:     q,
		remote:    endpoint,
		config:    config,
		logger:    config.Logger,
		now:       config.NowMillis,
		hub:       newStatusHub(),
		state:     StateOffline,
		reachable: true,
	}
}

// Subscribe registers a status observer and replays the latest snapshot
// immediately. Returns a cancel function.
func (o *Orchestrator) Subscribe(fn func(Status)) (cancel func()) {
	return o.hub.subscribe(fn)
}

// Status returns a fresh snapshot of the sync state.
func (o *Orchestrator) Status(ctx context.Context) Status {
	return o.snapshot(ctx)
}

// SetOnline tells the orchestrator whether the device has connectivity.
// Coming online runs a full cycle immediately; going offline cancels
// any in-flight cycle and lets the outbox accumulate.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) error {
	o.mu.Lock()
	was := o.enabled
	o.enabled = online
	if !online {
		o.state = StateOffline
		if o.cycleCancel != nil {
			o.cycleCancel()
		}
	}
	o.mu.Unlock()

	if online == was {
		return nil
	}
	if !online {
		o.publish(ctx)
		return nil
	}
	return o.Sync(ctx)
}

// Sync runs one full cycle: bootstrap if needed, push, pull. If a cycle
// is already in flight the request is coalesced into a pending rerun
// and Sync returns immediately.
func (o *Orchestrator) Sync(ctx context.Context) error {
	o.mu.Lock()
	if !o.enabled {
		o.mu.Unlock()
		o.logger.Printf("Sync requested while offline; queueing locally only")
		return nil
	}
	if o.cycleActive {
		o.pendingCycle = true
		o.mu.Unlock()
		return nil
	}
	o.cycleActive = true
	cctx, cancel := context.WithCancel(ctx)
	o.cycleCancel = cancel
	o.mu.Unlock()
	defer cancel()

	var lastErr error
	for {
		lastErr = o.runCycle(cctx)
		o.finishCycle(ctx, lastErr)

		o.mu.Lock()
		again := o.pendingCycle && lastErr == nil && cctx.Err() == nil
		o.pendingCycle = false
		if !again {
			o.cycleActive = false
			o.cycleCancel = nil
			o.mu.Unlock()
			o.publish(ctx)
			return lastErr
		}
		o.mu.Unlock()
	}
}

// runCycle is one pass of the state machine body.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	// Entries left in syncing by a crashed or cancelled cycle were
	// never confirmed; revalidate them before pushing.
	if _, err := o.queue.ResetStale(ctx); err != nil {
		return err
	}

	meta, err := o.store.Meta(ctx)
	if err != nil {
		return err
	}
	if !meta.IsInitialized {
		if err := o.bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}

	o.setState(ctx, StatePushing, "")
	if err := o.push(ctx); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	o.setState(ctx, StatePulling, "")
	if err := o.pullSince(ctx, -1, true); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	if n, err := o.queue.PruneSynced(ctx); err != nil {
		o.logger.Printf("Warning: failed to prune synced entries: %v", err)
	} else if n > 0 {
		o.logger.Printf("Pruned %d synced queue entries", n)
	}
	return nil
}

// bootstrap seeds an uninitialized store with a full pull of every
// table in dependency order. The initialized marker flips only after
// every table completes, so a crash mid-bootstrap re-runs the whole
// thing rather than trusting partial state.
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	start := o.now()
	o.setProgress("bootstrap", 0)
	o.setState(ctx, StateBootstrapping, "")
	o.logger.Printf("Bootstrapping local store")

	for i, table := range schema.Tables {
		o.setProgress(table, i*100/len(schema.Tables))
		o.publish(ctx)
		if err := o.pullTable(ctx, table, 0); err != nil {
			return err
		}
	}

	if err := o.store.SetInitialized(ctx, true); err != nil {
		return err
	}
	if err := o.store.SetCheckpoint(ctx, start); err != nil {
		return err
	}
	o.setProgress("", 100)
	o.logger.Printf("Bootstrap complete in %dms", o.now()-start)
	return nil
}

// push drains the outbox in enqueue order. A transient failure aborts
// the batch (no point hammering an unreachable server); auth and
// validation rejections park just that entry and the rest continue, so
// one bad record never blocks the queue.
func (o *Orchestrator) push(ctx context.Context) error {
	for {
		entries, err := o.queue.ListPending(ctx, o.config.BatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, e := range entries {
			if err := o.pushEntry(ctx, e); err != nil {
				return err
			}
		}
		if len(entries) < o.config.BatchSize {
			return nil
		}
	}
}

func (o *Orchestrator) pushEntry(ctx context.Context, e outbox.Entry) error {
	if err := o.queue.MarkSyncing(ctx, e.ID); err != nil {
		return err
	}

	rec, err := e.Record()
	if err != nil {
		// The snapshot itself is unreadable; retrying cannot help.
		return o.queue.MarkPermanentlyFailed(ctx, e.ID, err)
	}

	acked, err := o.remote.Upsert(ctx, e.Entity, rec)
	switch {
	case err == nil:
		if err := o.queue.MarkSynced(ctx, e.ID); err != nil {
			return err
		}
		return o.stampAck(ctx, e, rec, acked)

	case remote.IsAuth(err) || remote.IsValidation(err):
		o.logger.Printf("Entry %s (%s %s) rejected: %v", e.ID, e.Operation, e.Entity, err)
		return o.queue.MarkPermanentlyFailed(ctx, e.ID, err)

	default:
		if markErr := o.queue.MarkFailed(ctx, e.ID, err); markErr != nil {
			return markErr
		}
		return err
	}
}

// stampAck copies the server's authoritative metadata from the upsert
// response onto the local row.
func (o *Orchestrator) stampAck(ctx context.Context, e outbox.Entry, sent, acked schema.Record) error {
	serverAt := schema.AsInt64(acked["server_updated_at"])
	version := schema.AsInt64(acked["version"])
	if version == 0 {
		version = schema.EnvelopeOf(sent).Version
	}
	err := o.store.SetServerMeta(ctx, e.Entity, e.EntityID, serverAt, version)
	if errors.Is(err, store.ErrNotFound) {
		// Row purged locally after enqueue; the push still counted.
		o.logger.Printf("Acked %s id %s no longer present locally", e.Entity, e.EntityID)
		return nil
	}
	return err
}

// pullSince fetches and merges remote rows changed after since. A
// negative since means "from the persisted checkpoint". The checkpoint
// advances to the cycle start time, and only when every table applied
// cleanly — a partial pull must be retried from the old checkpoint or
// rows would be skipped silently.
func (o *Orchestrator) pullSince(ctx context.Context, since int64, advanceCheckpoint bool) error {
	start := o.now()
	if since < 0 {
		meta, err := o.store.Meta(ctx)
		if err != nil {
			return err
		}
		since = meta.Checkpoint
	}

	for _, table := range schema.Tables {
		if err := o.pullTable(ctx, table, since); err != nil {
			return err
		}
	}

	if advanceCheckpoint {
		if err := o.store.SetCheckpoint(ctx, start); err != nil {
			return err
		}
	}
	return nil
}

// pullTable pages through one table's remote changes and merges each
// row.
func (o *Orchestrator) pullTable(ctx context.Context, table string, since int64) error {
	offset := 0
	for {
		rows, err := o.remote.Changes(ctx, table, since, o.config.PullPageSize, offset)
		if err != nil {
			return fmt.Errorf("fetch %s changes: %w", table, err)
		}
		for _, rec := range rows {
			if err := o.mergeRemote(ctx, table, rec); err != nil {
				return err
			}
		}
		if len(rows) < o.config.PullPageSize {
			return nil
		}
		offset += len(rows)
	}
}

// CatchUp runs a lightweight pull over the recent lookback window
// without touching the checkpoint. Cheap enough to run on every
// realtime pulse; anything it misses is covered by the next full cycle.
func (o *Orchestrator) CatchUp(ctx context.Context) error {
	since := o.now() - o.config.Lookback.Milliseconds()
	if since < 0 {
		since = 0
	}
	return o.pullSince(ctx, since, false)
}

// HandlePulse reacts to a realtime change notification. Pulses are
// debounced: a burst of writes from another device triggers a single
// catch-up pull once the burst quiets down.
func (o *Orchestrator) HandlePulse(remote.Pulse) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled || o.pulseTimer != nil {
		return
	}
	o.pulseTimer = time.AfterFunc(o.config.PulseDebounce, o.firePulse)
}

func (o *Orchestrator) firePulse() {
	o.mu.Lock()
	o.pulseTimer = nil
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := o.CatchUp(ctx); err != nil {
		o.logger.Printf("Catch-up pull failed: %v", err)
	}
	o.publish(ctx)
}

// ForceResync interrupts any in-flight cycle, resets the checkpoint and
// the initialized marker, and re-bootstraps from the remote. Pending
// queue entries are kept — unsynced local edits still need to reach the
// remote — and in-flight ones are revalidated by the next cycle.
func (o *Orchestrator) ForceResync(ctx context.Context) error {
	o.mu.Lock()
	if o.cycleCancel != nil {
		o.cycleCancel()
	}
	o.mu.Unlock()

	// Wait for the cancelled cycle to unwind before resetting markers.
	for {
		o.mu.Lock()
		active := o.cycleActive
		o.mu.Unlock()
		if !active {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := o.queue.ResetStale(ctx); err != nil {
		return err
	}
	if err := o.store.SetInitialized(ctx, false); err != nil {
		return err
	}
	if err := o.store.SetCheckpoint(ctx, 0); err != nil {
		return err
	}
	o.logger.Printf("Forcing full resync")
	// A user-initiated resync implies the device believes it is online.
	o.mu.Lock()
	o.enabled = true
	o.mu.Unlock()
	return o.Sync(ctx)
}

// Run drives periodic cycles until ctx is cancelled. Transient failures
// flip the status to offline and the next tick probes again; the
// outbox's own backoff keeps individual entries from hot-looping.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.SetOnline(ctx, true); err != nil {
		o.logger.Printf("Initial sync failed: %v", err)
	}

	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Sync(ctx); err != nil {
				o.logger.Printf("Sync cycle failed: %v", err)
			}
		}
	}
}

// finishCycle records the cycle outcome and classifies the failure:
// unreachable network means offline (keep trying quietly), anything
// else is an error state the user should see.
func (o *Orchestrator) finishCycle(ctx context.Context, err error) {
	o.mu.Lock()
	switch {
	case err == nil:
		o.reachable = true
		o.lastErr = ""
		o.lastSyncAt = o.now()
		o.state = StateIdle
	case remote.IsTransient(err):
		o.reachable = false
		o.lastErr = err.Error()
		o.state = StateOffline
	default:
		o.reachable = true
		o.lastErr = err.Error()
		o.state = StateError
	}
	o.mu.Unlock()
	o.publish(ctx)
}

func (o *Orchestrator) setState(ctx context.Context, s State, errMsg string) {
	o.mu.Lock()
	o.state = s
	o.lastErr = errMsg
	o.mu.Unlock()
	o.publish(ctx)
}

func (o *Orchestrator) setProgress(label string, pct int) {
	o.mu.Lock()
	o.progress = label
	o.progressPct = pct
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot(ctx context.Context) Status {
	pending, err := o.queue.PendingCount(ctx)
	if err != nil {
		o.logger.Printf("Warning: failed to count pending entries: %v", err)
	}
	meta, err := o.store.Meta(ctx)
	if err != nil {
		o.logger.Printf("Warning: failed to read sync meta: %v", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:           o.state,
		IsOnline:        o.enabled && o.reachable,
		IsSyncing:       o.cycleActive,
		IsInitialized:   meta.IsInitialized,
		PendingCount:    pending,
		Progress:        o.progress,
		ProgressPercent: o.progressPct,
		LastSyncAt:      o.lastSyncAt,
		Err:             o.lastErr,
	}
}

func (o *Orchestrator) publish(ctx context.Context) {
	o.hub.publish(o.snapshot(ctx))
}
