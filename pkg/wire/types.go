package wire

import (
	"encoding/json"
	"time"
)

// ChangeRecord is a single whole-entity mutation in the change log.
// Version is a per-entity strictly increasing integer assigned at insert
// time; records are immutable once persisted.
type ChangeRecord struct {
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Action    string          `json:"action"` // "create", "update" or "delete"
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version"`
	ClientID  string          `json:"client_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// FieldChangeRecord is a single-field mutation. Version is a global
// monotonic sequence shared across all entities and fields, so relative
// arrival order is always recoverable.
type FieldChangeRecord struct {
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value,omitempty"`
	Action    string          `json:"action"` // "update" or "delete"
	Version   int64           `json:"version"`
	ClientID  string          `json:"client_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// FieldMetadata is the materialized per-field projection used for conflict
// decisions: the highest applied version for a field and when it was written.
type FieldMetadata struct {
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Field     string    `json:"field"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Action constants
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ValidAction reports whether a is a known entity-level action.
func ValidAction(a string) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ValidFieldAction reports whether a is a known field-level action.
func ValidFieldAction(a string) bool {
	return a == ActionUpdate || a == ActionDelete
}

// FieldWrite is one incoming field value inside a push_fields batch.
// Timestamp is the client-recorded write time; merge strategies compare
// these timestamps, never arrival order.
type FieldWrite struct {
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value,omitempty"`
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
}

// Conflict describes a field write that was not applied automatically
// against an already recorded server value.
type Conflict struct {
	Entity          string          `json:"entity"`
	EntityID        string          `json:"entity_id"`
	Field           string          `json:"field"`
	ServerValue     json.RawMessage `json:"server_value,omitempty"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
	ClientValue     json.RawMessage `json:"client_value,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

// SyncMeta keys
const (
	SyncMetaSchemaVersion    = "schema_version"
	SyncMetaLastRetentionAt  = "last_retention_at"
	SyncMetaPrunedPrefix     = "pruned:"      // per-entity change log floor
	SyncMetaFieldPrunedFloor = "field_pruned" // global field log floor
)
