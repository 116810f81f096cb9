// Package schema defines the shared data shapes of the sync engine.
//
// Every syncable entity carries the same envelope of sync metadata
// (id, version, timestamps, device/user provenance, soft-delete flag).
// The engine itself is generic over entity tables: rows travel through
// the store, the outbox and the sync protocol as flat field maps
// (Record), and the envelope fields are the only ones the engine
// interprets. Typed constructors for the core finance entities are
// provided for callers that create rows programmatically.
package schema
