package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgersync/ledgersync/internal/schema"
	"github.com/ledgersync/ledgersync/internal/store"
)

// remoteWins decides the conflict between a remote row and the local
// copy of the same id. Higher version wins outright; on a version tie
// the server clock breaks it, then the local clock. Rows identical on
// all three signals are a no-op, which is what makes applying the same
// remote row twice (or out of order) harmless.
//
// This comparison is the only conflict heuristic in the engine. Every
// inbound path — bootstrap, pull, realtime — funnels through it.
func remoteWins(remote, local schema.Envelope) bool {
	if remote.Version != local.Version {
		return remote.Version > local.Version
	}
	if remote.ServerUpdatedAt != local.ServerUpdatedAt {
		return remote.ServerUpdatedAt > local.ServerUpdatedAt
	}
	return remote.UpdatedAt > local.UpdatedAt
}

// mergeRemote applies one remote row through the conflict rule.
//
// A losing remote row leaves the local copy untouched: the local edit
// is newer and its pending queue entry will eventually overwrite the
// remote. A winning remote row replaces the local copy without queueing
// anything outbound.
func (o *Orchestrator) mergeRemote(ctx context.Context, table string, rec schema.Record) error {
	id := schema.AsString(rec[schema.PrimaryKey(table)])
	env := schema.EnvelopeOf(rec)
	env.ID = id // currencies key on code, not id
	if err := env.Validate(); err != nil {
		return fmt.Errorf("rejecting remote %s row: %w", table, err)
	}

	local, err := o.store.Get(ctx, table, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.store.ApplyRemote(ctx, table, rec)
		}
		return err
	}

	if !remoteWins(env, schema.EnvelopeOf(local)) {
		return nil
	}
	return o.store.ApplyRemote(ctx, table, rec)
}
