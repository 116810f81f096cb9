// Package outbox manages the durable mutation queue that local writes
// leave behind for the sync engine.
//
// The store appends queue entries transactionally with the row write;
// this package owns the rest of the entry lifecycle: claiming batches
// for push, marking outcomes, retry backoff, and pruning. It operates
// on the same database file as the store, so a queue entry and its row
// can never drift apart across a crash.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ledgersync/ledgersync/internal/schema"
)

// Entry statuses. An entry is born pending, moves to syncing while a
// push cycle holds it, and ends synced or failed. Failed entries with
// retries left become eligible again once their backoff expires; failed
// entries that exhausted their retries stay in the table for inspection
// and are never retried automatically.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Entry is one queued mutation awaiting upload.
type Entry struct {
	ID            string
	Entity        string
	EntityID      string
	Operation     schema.Operation
	Payload       string
	EnqueuedAt    int64
	RetryCount    int
	Status        string
	NextAttemptAt int64
	LastError     string
}

// Record parses the entry's payload snapshot.
func (e Entry) Record() (schema.Record, error) {
	return schema.UnmarshalPayload(e.Payload)
}

// Config holds queue tuning knobs.
type Config struct {
	// BaseBackoff is the delay after the first failure; each further
	// failure doubles it up to MaxBackoff.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration

	// MaxRetries is the number of attempts before an entry is parked as
	// permanently failed.
	MaxRetries int

	// PruneAfter is how long synced entries are kept before PruneSynced
	// removes them.
	PruneAfter time.Duration

	// NowMillis supplies the clock; defaults to time.Now.
	NowMillis func() int64

	// Logger for queue activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the standard queue tuning.
func DefaultConfig() *Config {
	return &Config{
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
		MaxRetries:  10,
		PruneAfter:  48 * time.Hour,
	}
}

// Queue is the lifecycle manager for sync_queue entries.
type Queue struct {
	db     *sql.DB
	config *Config
}

// New wraps the shared database handle. The sync_queue table is created
// by the store's schema initialization.
func New(db *sql.DB, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 2 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}
	if config.PruneAfter <= 0 {
		config.PruneAfter = 48 * time.Hour
	}
	if config.NowMillis == nil {
		config.NowMillis = func() int64 { return time.Now().UnixMilli() }
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Queue{db: db, config: config}
}

const entryColumns = "id, entity, entity_id, operation, payload, enqueued_at, retry_count, status, next_attempt_at, last_error"

// ListPending returns up to limit entries eligible for push, oldest
// first: pending entries plus failed ones whose backoff has expired and
// that still have retries left. Order is strictly by enqueue time so
// dependent mutations replay in the order the user made them.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	now := q.config.NowMillis()
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_queue
		WHERE status = ? OR (status = ? AND retry_count < ? AND next_attempt_at <= ?)
		ORDER BY enqueued_at, rowid
		LIMIT ?`, entryColumns),
		StatusPending, StatusFailed, q.config.MaxRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PendingCount reports how many entries still need a successful push:
// pending, in-flight, and failed-with-retries-left.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE status IN (?, ?) OR (status = ? AND retry_count < ?)`,
		StatusPending, StatusSyncing, StatusFailed, q.config.MaxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// PermanentlyFailed returns entries that exhausted their retries. They
// need manual attention (typically a ForceResync or a fix upstream).
func (q *Queue) PermanentlyFailed(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_queue
		WHERE status = ? AND retry_count >= ?
		ORDER BY enqueued_at, rowid`, entryColumns),
		StatusFailed, q.config.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkSyncing claims an entry for an in-flight push.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusSyncing)
}

// MarkSynced records a successful push. The entry is kept (status
// synced) until PruneSynced removes it, which makes recent sync
// activity inspectable.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ?, last_error = '' WHERE id = ?",
		StatusSynced, id); err != nil {
		return fmt.Errorf("failed to mark entry %s synced: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed push attempt: bumps the retry count and
// schedules the next attempt with exponential backoff. Once the retry
// budget is spent the entry stays failed permanently.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var retries int
	if err := q.db.QueryRowContext(ctx,
		"SELECT retry_count FROM sync_queue WHERE id = ?", id).Scan(&retries); err != nil {
		return fmt.Errorf("failed to read entry %s: %w", id, err)
	}
	retries++

	next := q.config.NowMillis() + q.Backoff(retries).Milliseconds()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		StatusFailed, retries, next, msg, id); err != nil {
		return fmt.Errorf("failed to mark entry %s failed: %w", id, err)
	}

	if retries >= q.config.MaxRetries {
		q.config.Logger.Printf("Entry %s permanently failed after %d attempts: %s", id, retries, msg)
	}
	return nil
}

// MarkPermanentlyFailed parks an entry with no retries left. Used when
// the server rejected the payload or the credential: replaying the same
// entry cannot succeed, so burning retries one by one would only delay
// surfacing it to the user.
func (q *Queue) MarkPermanentlyFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, retry_count = ?, last_error = ?
		WHERE id = ?`,
		StatusFailed, q.config.MaxRetries, msg, id); err != nil {
		return fmt.Errorf("failed to park entry %s: %w", id, err)
	}
	q.config.Logger.Printf("Entry %s permanently failed: %s", id, msg)
	return nil
}

// Backoff returns the retry delay after the given number of failures.
func (q *Queue) Backoff(retries int) time.Duration {
	d := q.config.BaseBackoff
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= q.config.MaxBackoff {
			return q.config.MaxBackoff
		}
	}
	if d > q.config.MaxBackoff {
		d = q.config.MaxBackoff
	}
	return d
}

// ResetStale returns in-flight entries to pending. Run at startup: an
// entry stuck in syncing means the previous process died mid-push, and
// the push protocol is idempotent so replaying it is safe.
func (q *Queue) ResetStale(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ? WHERE status = ?",
		StatusPending, StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.config.Logger.Printf("Reset %d stale in-flight entries to pending", n)
	}
	return n, nil
}

// PruneSynced deletes synced entries older than the retention window.
func (q *Queue) PruneSynced(ctx context.Context) (int64, error) {
	cutoff := q.config.NowMillis() - q.config.PruneAfter.Milliseconds()
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE status = ? AND enqueued_at < ?",
		StatusSynced, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear removes every entry regardless of status. Used when the local
// database is being reset for a different user; a forced resync keeps
// the queue, since pending local edits still need to reach the remote.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue"); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

func (q *Queue) setStatus(ctx context.Context, id, status string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to set entry %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s not found", id)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &op, &e.Payload,
			&e.EnqueuedAt, &e.RetryCount, &e.Status, &e.NextAttemptAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Operation = schema.Operation(op)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}
	return out, nil
}
