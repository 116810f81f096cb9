package schema

import (
	"encoding/json"
	"fmt"
)

// Record is a flat field map for one entity row. This is the shape rows
// take on the wire (JSON object), in the outbox payload, and in the
// store's generic CRUD surface. Values are restricted to what SQLite
// and JSON share: strings, numbers, booleans and nil.
type Record map[string]any

// Envelope is the sync metadata every syncable record carries.
//
// Version strictly increases per id and is the primary conflict signal.
// UpdatedAt is the local wall clock in milliseconds; ServerUpdatedAt is
// stamped by the remote endpoint on acceptance and is the authoritative
// cross-device ordering signal. IsDeleted is an integer flag (0/1) so
// it round-trips through SQLite without affinity surprises.
type Envelope struct {
	ID              string `json:"id"`
	UpdatedAt       int64  `json:"updated_at"`
	ServerUpdatedAt int64  `json:"server_updated_at"`
	Version         int64  `json:"version"`
	DeviceID        string `json:"device_id"`
	UserID          string `json:"user_id"`
	IsDeleted       int64  `json:"is_deleted"`
}

// EnvelopeOf extracts the sync metadata from a record. Missing fields
// yield zero values; numeric fields tolerate the float64 that
// encoding/json produces for untyped numbers.
func EnvelopeOf(rec Record) Envelope {
	return Envelope{
		ID:              AsString(rec["id"]),
		UpdatedAt:       AsInt64(rec["updated_at"]),
		ServerUpdatedAt: AsInt64(rec["server_updated_at"]),
		Version:         AsInt64(rec["version"]),
		DeviceID:        AsString(rec["device_id"]),
		UserID:          AsString(rec["user_id"]),
		IsDeleted:       AsInt64(rec["is_deleted"]),
	}
}

// Apply writes the envelope fields back into a record.
func (e Envelope) Apply(rec Record) {
	rec["id"] = e.ID
	rec["updated_at"] = e.UpdatedAt
	rec["server_updated_at"] = e.ServerUpdatedAt
	rec["version"] = e.Version
	rec["device_id"] = e.DeviceID
	rec["user_id"] = e.UserID
	rec["is_deleted"] = e.IsDeleted
}

// Validate checks that a record is well-formed enough to sync.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Version < 1 {
		return fmt.Errorf("version must be >= 1 (got %d)", e.Version)
	}
	if e.UpdatedAt < 0 {
		return fmt.Errorf("updated_at must not be negative (got %d)", e.UpdatedAt)
	}
	return nil
}

// Deleted reports whether the record carries a tombstone.
func (e Envelope) Deleted() bool {
	return e.IsDeleted != 0
}

// Clone returns a shallow copy of the record.
func (rec Record) Clone() Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// MarshalPayload serializes the record for outbox storage.
func (rec Record) MarshalPayload() (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record payload: %w", err)
	}
	return string(data), nil
}

// UnmarshalPayload parses an outbox payload back into a record.
func UnmarshalPayload(payload string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record payload: %w", err)
	}
	return rec, nil
}

// AsInt64 coerces a record value to int64. JSON decoding yields float64
// for numbers and database/sql yields int64, so both are accepted.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// AsString coerces a record value to string, returning "" for nil or
// non-string values.
func AsString(v any) string {
	s, _ := v.(string)
	return s
}
