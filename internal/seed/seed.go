// Package seed installs the bundled static reference data — currency
// and channel type catalogs — into an empty local store, so a fresh
// install is usable before the first successful sync.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ledgersync/ledgersync/internal/schema"
	"github.com/ledgersync/ledgersync/internal/store"
)

//go:embed seeds.toml
var seedData []byte

type bundle struct {
	Currencies []struct {
		Code   string `toml:"code"`
		Name   string `toml:"name"`
		Symbol string `toml:"symbol"`
	} `toml:"currency"`
	ChannelTypes []struct {
		ID       string `toml:"id"`
		Name     string `toml:"name"`
		IconName string `toml:"icon_name"`
		Color    string `toml:"color"`
	} `toml:"channel_type"`
}

// Apply installs the bundled catalogs into any reference table that is
// still empty. Idempotent: a table that already has rows (seeded
// earlier, or pulled from the remote) is left alone. Seed rows are
// written as remote-origin so they never enter the outbox — the remote
// already has its own copy of the catalogs.
func Apply(ctx context.Context, st *store.Store, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(os.Stderr, "[seed] ", log.LstdFlags)
	}

	var b bundle
	if err := toml.Unmarshal(seedData, &b); err != nil {
		return fmt.Errorf("failed to parse bundled seeds: %w", err)
	}

	n, err := st.Count(ctx, "currencies")
	if err != nil {
		return err
	}
	if n == 0 {
		for _, c := range b.Currencies {
			rec := schema.Record{"code": c.Code, "name": c.Name, "symbol": c.Symbol}
			if _, err := st.Insert(ctx, "currencies", rec, store.OriginRemote); err != nil {
				return fmt.Errorf("failed to seed currency %s: %w", c.Code, err)
			}
		}
		logger.Printf("Seeded %d currencies", len(b.Currencies))
	}

	n, err = st.Count(ctx, "channel_types")
	if err != nil {
		return err
	}
	if n == 0 {
		for _, ct := range b.ChannelTypes {
			rec := schema.Record{"id": ct.ID, "name": ct.Name, "icon_name": ct.IconName, "color": ct.Color}
			if _, err := st.Insert(ctx, "channel_types", rec, store.OriginRemote); err != nil {
				return fmt.Errorf("failed to seed channel type %s: %w", ct.ID, err)
			}
		}
		logger.Printf("Seeded %d channel types", len(b.ChannelTypes))
	}
	return nil
}
