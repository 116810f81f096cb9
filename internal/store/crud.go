package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgersync/ledgersync/internal/schema"
)

// Insert writes a full record into table. The primary key must be
// unique; inserting an existing id fails with ErrConstraintViolation.
//
// For OriginLocal the store stamps the envelope (version 1, current
// clock, device/user provenance) and appends a matching INSERT entry to
// the sync queue. For OriginRemote the record's own envelope is
// preserved and nothing is queued.
//
// The stamped record is returned; when no id was supplied (and the
// table is id-keyed) a fresh one is generated.
func (s *Store) Insert(ctx context.Context, table string, rec schema.Record, origin Origin) (schema.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.filterToSchema(ctx, table, rec)
	if err != nil {
		return nil, err
	}

	pk := schema.PrimaryKey(table)
	id := schema.AsString(rec[pk])
	if id == "" {
		if pk != "id" {
			return nil, fmt.Errorf("insert into %s: %s is required", table, pk)
		}
		id = s.GenerateID()
		rec["id"] = id
	}

	existing, err := s.getRow(ctx, table, id)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("insert into %s id %s: %w", table, id, ErrConstraintViolation)
	}

	if origin == OriginLocal {
		s.stampLocal(rec, 1)
	}

	if err := s.writeRow(ctx, table, rec, origin, schema.OpInsert, id); err != nil {
		return nil, err
	}
	s.notify(table, id, schema.OpInsert, origin)
	return rec, nil
}

// Update merges partial fields into the existing row and, for local
// writes, bumps updated_at and version and queues an UPDATE entry.
// Returns ErrNotFound if no row with that id exists.
func (s *Store) Update(ctx context.Context, table, id string, partial schema.Record, origin Origin) (schema.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	partial, err := s.filterToSchema(ctx, table, partial)
	if err != nil {
		return nil, err
	}

	existing, err := s.getRow(ctx, table, id)
	if err != nil {
		return nil, fmt.Errorf("update %s id %s: %w", table, id, err)
	}

	merged := existing.Clone()
	for k, v := range partial {
		merged[k] = v
	}
	merged[schema.PrimaryKey(table)] = id

	if origin == OriginLocal {
		s.stampLocal(merged, schema.EnvelopeOf(existing).Version+1)
	}

	if err := s.writeRow(ctx, table, merged, origin, schema.OpUpdate, id); err != nil {
		return nil, err
	}
	s.notify(table, id, schema.OpUpdate, origin)
	return merged, nil
}

// Delete soft-deletes the row: the tombstone stays in place so the
// deletion can propagate to other devices. Deleting a missing row is
// treated as already deleted, logged and swallowed.
func (s *Store) Delete(ctx context.Context, table, id string, origin Origin) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.getRow(ctx, table, id)
	if err == ErrNotFound {
		s.logger.Printf("delete %s id %s: already absent, skipping", table, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s id %s: %w", table, id, err)
	}

	merged := existing.Clone()
	merged["is_deleted"] = int64(1)
	if origin == OriginLocal {
		s.stampLocal(merged, schema.EnvelopeOf(existing).Version+1)
	}

	if err := s.writeRow(ctx, table, merged, origin, schema.OpDelete, id); err != nil {
		return err
	}
	s.notify(table, id, schema.OpDelete, origin)
	return nil
}

// ApplyRemote persists a row received from the remote endpoint,
// replacing the local copy wholesale. The caller (the sync
// orchestrator) has already decided the remote row wins; the store only
// persists. Local-only columns absent from the remote row are kept.
// Nothing is queued — re-queueing inbound changes would bounce them
// back to the remote forever.
func (s *Store) ApplyRemote(ctx context.Context, table string, rec schema.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.filterToSchema(ctx, table, rec)
	if err != nil {
		return err
	}
	pk := schema.PrimaryKey(table)
	id := schema.AsString(rec[pk])
	if id == "" {
		return fmt.Errorf("apply remote %s: missing %s", table, pk)
	}

	op := schema.OpInsert
	existing, err := s.getRow(ctx, table, id)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil {
		op = schema.OpUpdate
		merged := existing.Clone()
		for k, v := range rec {
			merged[k] = v
		}
		rec = merged
	}
	if schema.EnvelopeOf(rec).Deleted() {
		op = schema.OpDelete
	}

	if err := s.writeRow(ctx, table, rec, OriginRemote, op, id); err != nil {
		return err
	}
	s.notify(table, id, op, OriginRemote)
	return nil
}

// SetServerMeta records the server's acknowledgement of a pushed row:
// the authoritative server_updated_at and the version the server
// accepted. Bypasses the queue and the version bump.
func (s *Store) SetServerMeta(ctx context.Context, table, id string, serverUpdatedAt, version int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pk := schema.PrimaryKey(table)
	res, err := s.conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET server_updated_at = ?, version = ? WHERE %s = ?", table, pk),
		serverUpdatedAt, version, id)
	if err != nil {
		return fmt.Errorf("failed to record server meta for %s id %s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record server meta %s id %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// Get returns the row with the given primary key, including soft-deleted
// rows. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, table, id string) (schema.Record, error) {
	return s.getRow(ctx, table, id)
}

// Query returns all rows matching the filter expression, soft-deleted
// rows included — callers that want live rows filter on is_deleted.
// An empty filter returns the whole table.
//
// Example:
//
//	rows, err := st.Query(ctx, "transactions", "wallet_id = ? AND is_deleted = 0", walletID)
func (s *Store) Query(ctx context.Context, table, where string, args ...any) ([]schema.Record, error) {
	if !schema.KnownTable(table) {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	q := "SELECT * FROM " + table
	if strings.TrimSpace(where) != "" {
		q += " WHERE " + where
	}
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of rows in a table, tombstones included.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if !schema.KnownTable(table) {
		return 0, fmt.Errorf("unknown table %s", table)
	}
	var n int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// PurgeTombstones physically removes soft-deleted rows older than the
// cutoff. This is the explicit garbage-collection path for tombstones;
// it is never run automatically, only from the administrative CLI.
func (s *Store) PurgeTombstones(ctx context.Context, olderThanMillis int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var total int64
	for _, table := range schema.Tables {
		res, err := s.conn.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE is_deleted = 1 AND updated_at < ?", table),
			olderThanMillis)
		if err != nil {
			return total, fmt.Errorf("failed to purge tombstones from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// stampLocal fills in the envelope for a user-caused write.
func (s *Store) stampLocal(rec schema.Record, version int64) {
	rec["updated_at"] = s.now()
	rec["version"] = version
	rec["device_id"] = s.dev.DeviceID()
	rec["user_id"] = s.dev.UserID()
	if _, ok := rec["is_deleted"]; !ok {
		rec["is_deleted"] = int64(0)
	}
	if _, ok := rec["server_updated_at"]; !ok {
		rec["server_updated_at"] = int64(0)
	}
}

// writeRow persists the record and, for local origins, appends the
// matching sync queue entry in the same transaction so a crash cannot
// leave a row without its queue entry or vice versa.
func (s *Store) writeRow(ctx context.Context, table string, rec schema.Record, origin Origin, op schema.Operation, id string) error {
	keys := make([]string, 0, len(rec))
	vals := make([]any, 0, len(rec))
	for k, v := range rec {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(keys, ","), placeholders)
	if _, err := tx.ExecContext(ctx, stmt, vals...); err != nil {
		return fmt.Errorf("failed to write %s id %s: %w", table, id, err)
	}

	if origin == OriginLocal {
		payload, err := rec.MarshalPayload()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_queue (id, entity, entity_id, operation, payload, enqueued_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
			uuid.NewString(), table, id, string(op), payload, s.now()); err != nil {
			return fmt.Errorf("failed to enqueue %s for %s id %s: %w", op, table, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write to %s: %w", table, err)
	}
	return nil
}

// getRow fetches a single row by primary key without taking the write
// lock; callers on the mutation path already hold it.
func (s *Store) getRow(ctx context.Context, table, id string) (schema.Record, error) {
	if !schema.KnownTable(table) {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	pk := schema.PrimaryKey(table)
	rows, err := s.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", table, pk), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s id %s: %w", table, id, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// scanRecords converts generic result rows into records. []byte column
// values become strings so records stay JSON-serializable.
func scanRecords(rows *sql.Rows) ([]schema.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []schema.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(schema.Record, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				rec[c] = string(v)
			default:
				rec[c] = v
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
