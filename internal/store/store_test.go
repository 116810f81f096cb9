package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ledgersync/ledgersync/internal/device"
	"github.com/ledgersync/ledgersync/internal/schema"
)

// testClock is a manually advanced millisecond clock so envelope
// timestamps are deterministic.
type testClock struct {
	millis int64
}

func (c *testClock) now() int64 { return c.millis }

func newTestStore(t *testing.T) (*Store, *device.Context, *testClock) {
	t.Helper()
	dev := device.NewContext()
	dev.Login("user-1")
	clock := &testClock{millis: 1000}

	st, err := Open(filepath.Join(t.TempDir(), "local.db"), &Config{
		Device:    dev,
		NowMillis: clock.now,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return st, dev, clock
}

func queueRows(t *testing.T, st *Store) []map[string]string {
	t.Helper()
	rows, err := st.RawDB().Query("SELECT entity, entity_id, operation, status FROM sync_queue ORDER BY enqueued_at, rowid")
	if err != nil {
		t.Fatalf("failed to query sync_queue: %v", err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		var entity, entityID, op, status string
		if err := rows.Scan(&entity, &entityID, &op, &status); err != nil {
			t.Fatalf("failed to scan queue row: %v", err)
		}
		out = append(out, map[string]string{
			"entity": entity, "entity_id": entityID, "operation": op, "status": status,
		})
	}
	return out
}

func TestInsertStampsEnvelopeAndQueues(t *testing.T) {
	st, dev, clock := newTestStore(t)
	ctx := context.Background()
	clock.millis = 5000

	w := schema.Wallet{Name: "Cash", Currency: "USD", InitialBalance: decimal.RequireFromString("25.5")}
	rec, err := st.Insert(ctx, "wallets", w.Record(), OriginLocal)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	env := schema.EnvelopeOf(rec)
	if env.ID == "" {
		t.Error("expected generated id")
	}
	if env.Version != 1 {
		t.Errorf("expected version 1, got %d", env.Version)
	}
	if env.UpdatedAt != 5000 {
		t.Errorf("expected updated_at 5000, got %d", env.UpdatedAt)
	}
	if env.DeviceID != dev.DeviceID() {
		t.Errorf("expected device id %s, got %s", dev.DeviceID(), env.DeviceID)
	}
	if env.UserID != "user-1" {
		t.Errorf("expected user id user-1, got %s", env.UserID)
	}

	got, err := st.Get(ctx, "wallets", env.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if schema.AsString(got["initial_balance"]) != "25.5" {
		t.Errorf("unexpected balance: %v", got["initial_balance"])
	}

	q := queueRows(t, st)
	if len(q) != 1 {
		t.Fatalf("expected 1 queue entry, got %d", len(q))
	}
	if q[0]["entity"] != "wallets" || q[0]["operation"] != "INSERT" || q[0]["status"] != "pending" {
		t.Errorf("unexpected queue entry: %v", q[0])
	}
}

func TestInsertDuplicateID(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	rec := schema.Record{"id": "w-1", "name": "Cash", "currency": "USD"}
	if _, err := st.Insert(ctx, "wallets", rec.Clone(), OriginLocal); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := st.Insert(ctx, "wallets", rec.Clone(), OriginLocal)
	if !errors.Is(err, ErrConstraintViolation) {
		t.Errorf("expected ErrConstraintViolation, got %v", err)
	}
}

func TestUpdateMergesAndBumpsVersion(t *testing.T) {
	st, _, clock := newTestStore(t)
	ctx := context.Background()

	rec, err := st.Insert(ctx, "wallets", schema.Record{"name": "Cash", "currency": "USD", "color": "green"}, OriginLocal)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	id := schema.EnvelopeOf(rec).ID

	clock.millis = 9000
	updated, err := st.Update(ctx, "wallets", id, schema.Record{"name": "Wallet"}, OriginLocal)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	env := schema.EnvelopeOf(updated)
	if env.Version != 2 {
		t.Errorf("expected version 2, got %d", env.Version)
	}
	if env.UpdatedAt != 9000 {
		t.Errorf("expected updated_at 9000, got %d", env.UpdatedAt)
	}
	if schema.AsString(updated["color"]) != "green" {
		t.Errorf("partial update dropped untouched field: %v", updated["color"])
	}
	if schema.AsString(updated["name"]) != "Wallet" {
		t.Errorf("name not updated: %v", updated["name"])
	}

	q := queueRows(t, st)
	if len(q) != 2 || q[1]["operation"] != "UPDATE" {
		t.Fatalf("expected INSERT then UPDATE queue entries, got %v", q)
	}
}

func TestUpdateMissingRow(t *testing.T) {
	st, _, _ := newTestStore(t)
	_, err := st.Update(context.Background(), "wallets", "nope", schema.Record{"name": "x"}, OriginLocal)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsSoft(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := st.Insert(ctx, "categories", schema.Record{"name": "Food"}, OriginLocal)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	id := schema.EnvelopeOf(rec).ID

	if err := st.Delete(ctx, "categories", id, OriginLocal); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := st.Get(ctx, "categories", id)
	if err != nil {
		t.Fatalf("tombstone should still be readable: %v", err)
	}
	env := schema.EnvelopeOf(got)
	if !env.Deleted() {
		t.Error("expected is_deleted = 1")
	}
	if env.Version != 2 {
		t.Errorf("expected version bump on delete, got %d", env.Version)
	}

	q := queueRows(t, st)
	if len(q) != 2 || q[1]["operation"] != "DELETE" {
		t.Fatalf("expected DELETE queue entry, got %v", q)
	}
}

func TestDeleteMissingRowIsNoop(t *testing.T) {
	st, _, _ := newTestStore(t)
	if err := st.Delete(context.Background(), "categories", "nope", OriginLocal); err != nil {
		t.Errorf("deleting a missing row should not error, got %v", err)
	}
	if q := queueRows(t, st); len(q) != 0 {
		t.Errorf("no queue entry expected, got %v", q)
	}
}

func TestApplyRemoteSkipsQueue(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	remote := schema.Record{
		"id": "r-1", "name": "Groceries", "updated_at": int64(7000),
		"server_updated_at": int64(7100), "version": int64(3),
		"device_id": "other-device", "user_id": "user-1", "is_deleted": int64(0),
	}
	if err := st.ApplyRemote(ctx, "categories", remote); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	got, err := st.Get(ctx, "categories", "r-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	env := schema.EnvelopeOf(got)
	if env.Version != 3 || env.ServerUpdatedAt != 7100 || env.DeviceID != "other-device" {
		t.Errorf("remote envelope not preserved: %+v", env)
	}
	if q := queueRows(t, st); len(q) != 0 {
		t.Errorf("remote apply must not enqueue, got %v", q)
	}
}

func TestApplyRemotePreservesLocalOnlyFields(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	local := schema.Record{"id": "c-1", "name": "Rent", "color": "blue"}
	if _, err := st.Insert(ctx, "categories", local, OriginLocal); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	remote := schema.Record{"id": "c-1", "name": "Housing", "version": int64(5), "updated_at": int64(9999)}
	if err := st.ApplyRemote(ctx, "categories", remote); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	got, err := st.Get(ctx, "categories", "c-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if schema.AsString(got["name"]) != "Housing" {
		t.Errorf("remote field should win: %v", got["name"])
	}
	if schema.AsString(got["color"]) != "blue" {
		t.Errorf("field absent from remote row should survive: %v", got["color"])
	}
}

func TestFilterDropsUnknownColumns(t *testing.T) {
	st, _, _ := newTestStore(t)
	rec := schema.Record{"id": "c-2", "name": "Travel", "future_column": "whatever"}
	if _, err := st.Insert(context.Background(), "categories", rec, OriginLocal); err != nil {
		t.Fatalf("insert with unknown column should succeed: %v", err)
	}
}

func TestQuery(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Food", "Rent", "Fun"} {
		if _, err := st.Insert(ctx, "categories", schema.Record{"name": name}, OriginLocal); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	recs, err := st.Query(ctx, "categories", "name = ?", "Rent")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recs) != 1 || schema.AsString(recs[0]["name"]) != "Rent" {
		t.Errorf("unexpected query result: %v", recs)
	}

	all, err := st.Query(ctx, "categories", "")
	if err != nil {
		t.Fatalf("Query all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 rows, got %d", len(all))
	}
}

func TestObserver(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	type event struct {
		table  string
		op     schema.Operation
		origin Origin
	}
	var events []event
	cancel := st.Subscribe(func(table, id string, op schema.Operation, origin Origin) {
		events = append(events, event{table, op, origin})
	})

	rec, err := st.Insert(ctx, "wallets", schema.Record{"name": "Cash", "currency": "USD"}, OriginLocal)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := st.ApplyRemote(ctx, "categories", schema.Record{"id": "x", "name": "Misc"}); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].origin != OriginLocal || events[1].origin != OriginRemote {
		t.Errorf("unexpected origins: %v", events)
	}

	cancel()
	if _, err := st.Update(ctx, "wallets", schema.EnvelopeOf(rec).ID, schema.Record{"name": "x"}, OriginLocal); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("cancelled observer still received events: %d", len(events))
	}
}

func TestGenerateIDFormat(t *testing.T) {
	st, _, _ := newTestStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := st.GenerateID()
		if len(id) != 36 || strings.Count(id, "-") != 4 {
			t.Fatalf("unexpected id format: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestDeviceIDPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.db")
	ctx := context.Background()

	st1, err := Open(path, &Config{Device: device.NewContext()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st1.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	first := st1.DeviceID()
	if first == "" {
		t.Fatal("expected a device id")
	}
	st1.Close()

	st2, err := Open(path, &Config{Device: device.NewContext()})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()
	if err := st2.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if st2.DeviceID() != first {
		t.Errorf("device id changed across restarts: %s vs %s", first, st2.DeviceID())
	}
}

func TestMetaRoundTrip(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	m, err := st.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if m.IsInitialized || m.Checkpoint != 0 {
		t.Errorf("fresh meta should be zeroed: %+v", m)
	}

	if err := st.SetInitialized(ctx, true); err != nil {
		t.Fatalf("SetInitialized failed: %v", err)
	}
	if err := st.SetCheckpoint(ctx, 123456); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}
	if err := st.SetLastUser(ctx, "user-1"); err != nil {
		t.Fatalf("SetLastUser failed: %v", err)
	}

	m, err = st.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if !m.IsInitialized || m.Checkpoint != 123456 || m.LastUserID != "user-1" {
		t.Errorf("meta round trip mismatch: %+v", m)
	}
}

func TestSetServerMeta(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := st.Insert(ctx, "wallets", schema.Record{"name": "Cash", "currency": "USD"}, OriginLocal)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	id := schema.EnvelopeOf(rec).ID

	if err := st.SetServerMeta(ctx, "wallets", id, 8888, 4); err != nil {
		t.Fatalf("SetServerMeta failed: %v", err)
	}
	got, err := st.Get(ctx, "wallets", id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	env := schema.EnvelopeOf(got)
	if env.ServerUpdatedAt != 8888 || env.Version != 4 {
		t.Errorf("server meta not recorded: %+v", env)
	}
	if q := queueRows(t, st); len(q) != 1 {
		t.Errorf("SetServerMeta must not enqueue, got %d entries", len(q))
	}

	if err := st.SetServerMeta(ctx, "wallets", "nope", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeTombstones(t *testing.T) {
	st, _, clock := newTestStore(t)
	ctx := context.Background()

	clock.millis = 1000
	old, err := st.Insert(ctx, "categories", schema.Record{"name": "Old"}, OriginLocal)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	clock.millis = 2000
	if err := st.Delete(ctx, "categories", schema.EnvelopeOf(old).ID, OriginLocal); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	clock.millis = 900000
	fresh, err := st.Insert(ctx, "categories", schema.Record{"name": "Fresh"}, OriginLocal)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := st.Delete(ctx, "categories", schema.EnvelopeOf(fresh).ID, OriginLocal); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	n, err := st.PurgeTombstones(ctx, 500000)
	if err != nil {
		t.Fatalf("PurgeTombstones failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
	if _, err := st.Get(ctx, "categories", schema.EnvelopeOf(old).ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old tombstone should be gone, got %v", err)
	}
	if _, err := st.Get(ctx, "categories", schema.EnvelopeOf(fresh).ID); err != nil {
		t.Errorf("fresh tombstone should survive: %v", err)
	}
}
