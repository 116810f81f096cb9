// Package store provides the durable on-device database of the sync
// engine: entity tables mirroring the remote store, the persisted
// mutation queue, and the single-row sync metadata record.
//
// The database runs on embedded SQLite with WAL mode for concurrent
// reads during writes. All mutation paths go through this package; the
// store is the single shared mutable resource, and writes are
// serialized through an internal mutex (single logical writer).
//
// Every local-origin insert/update/delete additionally appends an entry
// to the sync_queue table so the sync orchestrator can replay it
// against the remote endpoint. Remote-origin applies skip the queue,
// which is what prevents the remote→local→queue→remote loop.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgersync/ledgersync/internal/device"
	"github.com/ledgersync/ledgersync/internal/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Sentinel errors for the CRUD contract.
var (
	// ErrConstraintViolation is returned by Insert when a row with the
	// same primary key already exists in the table.
	ErrConstraintViolation = errors.New("constraint violation: id already exists")

	// ErrNotFound is returned when an update or lookup targets a row
	// that does not exist.
	ErrNotFound = errors.New("record not found")
)

// Origin distinguishes user-caused writes from network-caused applies.
type Origin int

const (
	// OriginLocal marks a write caused by the user; it is queued for
	// upload to the remote endpoint.
	OriginLocal Origin = iota

	// OriginRemote marks a write caused by a pull or a realtime change
	// notification; it is never re-queued.
	OriginRemote
)

// Config holds construction options for the store.
type Config struct {
	// Device is the identity context stamped onto every local write.
	Device *device.Context

	// NowMillis supplies the local clock in milliseconds. Defaults to
	// time.Now; injected for deterministic tests.
	NowMillis func() int64

	// Logger for store activity. Defaults to stderr.
	Logger *log.Logger
}

// Store wraps the embedded SQLite connection.
type Store struct {
	conn   *sql.DB
	path   string
	dev    *device.Context
	now    func() int64
	logger *log.Logger

	// writeMu serializes all mutations: one of {UI action, remote
	// apply} touches a row at a time.
	writeMu sync.Mutex

	colMu   sync.Mutex
	columns map[string][]string

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int
}

// Open creates (or opens) the database at path and configures the
// connection for concurrent local use. The caller must call Close.
//
// Open is safe to call before any user is authenticated: it bootstraps
// an empty database and a device identity, and the entity tables simply
// stay empty until bootstrap or local writes fill them.
//
// Example:
//
//	st, err := store.Open(".ledgersync/local.db", &store.Config{Device: dev})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Device == nil {
		config.Device = device.NewContext()
	}
	if config.NowMillis == nil {
		config.NowMillis = func() int64 { return time.Now().UnixMilli() }
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:      conn,
		path:      path,
		dev:       config.Device,
		now:       config.NowMillis,
		logger:    config.Logger,
		columns:   make(map[string][]string),
		observers: make(map[int]Observer),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection for components that
// share the database file (the outbox lives in the same database).
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// envelopeColumns is appended to every entity table definition.
const envelopeColumns = `
	updated_at INTEGER NOT NULL DEFAULT 0,
	server_updated_at INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	device_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	is_deleted INTEGER NOT NULL DEFAULT 0`

// tableDDL maps each syncable table to its domain columns. Monetary
// columns are TEXT holding canonical decimal strings.
var tableDDL = map[string]string{
	"profiles": `id TEXT PRIMARY KEY, email TEXT, name TEXT, currency TEXT,
		theme TEXT, language TEXT, default_wallet_id TEXT, auto_sync INTEGER DEFAULT 1`,
	"currencies":    `code TEXT PRIMARY KEY, name TEXT NOT NULL, symbol TEXT NOT NULL`,
	"channel_types": `id TEXT PRIMARY KEY, name TEXT NOT NULL, icon_name TEXT, color TEXT, is_default INTEGER DEFAULT 0`,
	"categories": `id TEXT PRIMARY KEY, name TEXT NOT NULL, icon TEXT, color TEXT,
		type TEXT, parent_id TEXT, sort_order INTEGER DEFAULT 0`,
	"wallets": `id TEXT PRIMARY KEY, name TEXT NOT NULL, currency TEXT NOT NULL,
		initial_balance TEXT, color TEXT, icon TEXT, is_visible INTEGER DEFAULT 1,
		is_primary INTEGER DEFAULT 0, parent_wallet_id TEXT`,
	"channels": `id TEXT PRIMARY KEY, wallet_id TEXT NOT NULL, type TEXT NOT NULL, balance TEXT`,
	"transactions": `id TEXT PRIMARY KEY, amount TEXT NOT NULL, date TEXT NOT NULL,
		wallet_id TEXT, channel_type TEXT, category_id TEXT, note TEXT, type TEXT,
		is_split INTEGER DEFAULT 0, to_wallet_id TEXT, linked_transaction_id TEXT`,
	"transaction_splits": `id TEXT PRIMARY KEY, transaction_id TEXT NOT NULL,
		amount TEXT NOT NULL, category_id TEXT, note TEXT`,
	"commitments": `id TEXT PRIMARY KEY, name TEXT NOT NULL, amount TEXT NOT NULL,
		frequency TEXT NOT NULL, type TEXT NOT NULL, wallet_id TEXT, category_id TEXT,
		next_date TEXT, status TEXT DEFAULT 'ACTIVE', is_recurring INTEGER DEFAULT 0`,
	"transfers": `id TEXT PRIMARY KEY, from_wallet_id TEXT NOT NULL, to_wallet_id TEXT NOT NULL,
		from_channel TEXT, to_channel TEXT, amount TEXT NOT NULL, date TEXT NOT NULL, note TEXT`,
	"budgets": `id TEXT PRIMARY KEY, name TEXT NOT NULL, amount TEXT NOT NULL,
		category_id TEXT, period TEXT`,
	"financial_plans": `id TEXT PRIMARY KEY, wallet_id TEXT, plan_type TEXT, title TEXT,
		status TEXT, planned_date TEXT, finalized_at TEXT, total_amount TEXT, note TEXT`,
	"financial_plan_components": `id TEXT PRIMARY KEY, plan_id TEXT NOT NULL, name TEXT,
		component_type TEXT, quantity TEXT, unit TEXT, expected_cost TEXT, final_cost TEXT,
		category_id TEXT`,
	"financial_plan_settlements": `id TEXT PRIMARY KEY, plan_id TEXT NOT NULL,
		channel_id TEXT, amount TEXT`,
}

// InitSchema creates the entity tables, the sync queue and the sync
// metadata record. Idempotent; safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, table := range schema.Tables {
		ddl, ok := tableDDL[table]
		if !ok {
			return fmt.Errorf("no DDL registered for table %s", table)
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s,%s)", table, ddl, envelopeColumns)
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}

	system := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta_sync (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		is_initialized INTEGER NOT NULL DEFAULT 0,
		last_checkpoint INTEGER NOT NULL DEFAULT 0,
		device_id TEXT NOT NULL DEFAULT '',
		last_user_id TEXT NOT NULL DEFAULT ''
	);

	INSERT OR IGNORE INTO meta_sync (id) VALUES (1);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date);
	CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(category_id);
	CREATE INDEX IF NOT EXISTS idx_channels_wallet ON channels(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_plan_components ON financial_plan_components(plan_id);
	CREATE INDEX IF NOT EXISTS idx_plan_settlements ON financial_plan_settlements(plan_id);
	`
	if _, err := s.conn.ExecContext(ctx, system); err != nil {
		return fmt.Errorf("failed to initialize system tables: %w", err)
	}

	if err := s.ensureDeviceID(ctx); err != nil {
		return err
	}
	return nil
}

// GenerateID produces a universally-unique identifier in the canonical
// hyphenated hex form. Random 128-bit ids never collide across devices
// creating records offline.
func (s *Store) GenerateID() string {
	return uuid.NewString()
}

// DeviceID returns the stable per-install device identifier.
func (s *Store) DeviceID() string {
	return s.dev.DeviceID()
}

// ensureDeviceID loads the persisted device id or mints one on the very
// first run, then publishes it on the device context.
func (s *Store) ensureDeviceID(ctx context.Context) error {
	var id string
	err := s.conn.QueryRowContext(ctx, "SELECT device_id FROM meta_sync WHERE id = 1").Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
		if _, err := s.conn.ExecContext(ctx, "UPDATE meta_sync SET device_id = ? WHERE id = 1", id); err != nil {
			return fmt.Errorf("failed to persist device id: %w", err)
		}
		s.logger.Printf("Assigned device id %s", id)
	}
	s.dev.SetDeviceID(id)
	return nil
}

// Meta is the single-row sync metadata record.
type Meta struct {
	IsInitialized bool
	Checkpoint    int64
	DeviceID      string
	LastUserID    string
}

// Meta reads the sync metadata record.
func (s *Store) Meta(ctx context.Context) (Meta, error) {
	var m Meta
	var initialized int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT is_initialized, last_checkpoint, device_id, last_user_id FROM meta_sync WHERE id = 1").
		Scan(&initialized, &m.Checkpoint, &m.DeviceID, &m.LastUserID)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to read sync meta: %w", err)
	}
	m.IsInitialized = initialized != 0
	return m, nil
}

// SetInitialized flips the bootstrap-complete marker. It is set only
// after a full bootstrap finishes, so a crash mid-bootstrap leaves it
// false and the next start re-runs the bootstrap from scratch.
func (s *Store) SetInitialized(ctx context.Context, v bool) error {
	flag := 0
	if v {
		flag = 1
	}
	if _, err := s.conn.ExecContext(ctx, "UPDATE meta_sync SET is_initialized = ? WHERE id = 1", flag); err != nil {
		return fmt.Errorf("failed to set initialized flag: %w", err)
	}
	return nil
}

// SetCheckpoint records the pull checkpoint. Only advanced after a
// whole pull cycle applies successfully.
func (s *Store) SetCheckpoint(ctx context.Context, millis int64) error {
	if _, err := s.conn.ExecContext(ctx, "UPDATE meta_sync SET last_checkpoint = ? WHERE id = 1", millis); err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return nil
}

// SetLastUser records the most recently authenticated user so a device
// switch can be detected on the next login.
func (s *Store) SetLastUser(ctx context.Context, userID string) error {
	if _, err := s.conn.ExecContext(ctx, "UPDATE meta_sync SET last_user_id = ? WHERE id = 1", userID); err != nil {
		return fmt.Errorf("failed to set last user: %w", err)
	}
	return nil
}

// tableColumns introspects and caches the column list for a table.
func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	s.colMu.Lock()
	defer s.colMu.Unlock()
	if cols, ok := s.columns[table]; ok {
		return cols, nil
	}

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table info: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	s.columns[table] = cols
	return cols, nil
}

// filterToSchema drops record fields that have no column in the table.
// Remote rows can carry columns from newer schema versions; dropping
// unknowns keeps old clients from failing on them.
func (s *Store) filterToSchema(ctx context.Context, table string, rec schema.Record) (schema.Record, error) {
	cols, err := s.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c] = true
	}
	out := make(schema.Record, len(rec))
	for k, v := range rec {
		if known[k] {
			out[k] = v
		}
	}
	return out, nil
}
