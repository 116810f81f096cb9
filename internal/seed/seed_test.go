package seed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ledgersync/ledgersync/internal/device"
	"github.com/ledgersync/ledgersync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"), &store.Config{
		Device: device.NewContext(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return st
}

func TestApplySeedsEmptyStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Apply(ctx, st, nil); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	currencies, err := st.Count(ctx, "currencies")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if currencies == 0 {
		t.Error("expected seeded currencies")
	}
	channelTypes, _ := st.Count(ctx, "channel_types")
	if channelTypes == 0 {
		t.Error("expected seeded channel types")
	}

	usd, err := st.Get(ctx, "currencies", "USD")
	if err != nil {
		t.Fatalf("USD missing: %v", err)
	}
	if usd["symbol"] != "$" {
		t.Errorf("unexpected USD row: %v", usd)
	}

	// Seeds are reference data, not user mutations: nothing queued.
	var queued int
	if err := st.RawDB().QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&queued); err != nil {
		t.Fatalf("failed to count queue: %v", err)
	}
	if queued != 0 {
		t.Errorf("seeding must not enqueue, got %d entries", queued)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Apply(ctx, st, nil); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	first, _ := st.Count(ctx, "currencies")

	if err := Apply(ctx, st, nil); err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	second, _ := st.Count(ctx, "currencies")
	if first != second {
		t.Errorf("second apply duplicated rows: %d → %d", first, second)
	}
}
