package client

import (
	"encoding/json"
	"sync"
)

// OptimisticOverlay holds local writes that have not been confirmed by
// the server. Reads consult the overlay before the cache, so the UI sees
// its own writes immediately. Entries are keyed by record, or by record
// plus field for field-granularity writes. An authoritative change for
// the same key supersedes the overlay entry.
type OptimisticOverlay struct {
	mu      sync.RWMutex
	pending map[string]map[string]json.RawMessage            // entity -> entity_id -> data
	fields  map[string]map[string]map[string]json.RawMessage // entity -> entity_id -> field -> value
}

// NewOptimisticOverlay creates an empty overlay.
func NewOptimisticOverlay() *OptimisticOverlay {
	return &OptimisticOverlay{
		pending: make(map[string]map[string]json.RawMessage),
		fields:  make(map[string]map[string]map[string]json.RawMessage),
	}
}

// Apply records an unconfirmed local write. A nil data marks an
// optimistic delete.
func (o *OptimisticOverlay) Apply(entity, entityID string, data json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.pending[entity]
	if !ok {
		m = make(map[string]json.RawMessage)
		o.pending[entity] = m
	}
	m[entityID] = data
}

// Get returns the overlay value for a record, if any. The second return
// distinguishes "no overlay" from an optimistic delete (nil data).
func (o *OptimisticOverlay) Get(entity, entityID string) (json.RawMessage, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.pending[entity]
	if !ok {
		return nil, false
	}
	data, ok := m[entityID]
	return data, ok
}

// Clear removes the record-level overlay entry. Called when the
// authoritative version of the record arrives. Field entries for the
// record are cleared separately; a whole-entity ack does not confirm
// independent field writes.
func (o *OptimisticOverlay) Clear(entity, entityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.pending[entity]; ok {
		delete(m, entityID)
		if len(m) == 0 {
			delete(o.pending, entity)
		}
	}
}

// ApplyField records an unconfirmed single-field write. A nil value
// marks an optimistic field delete.
func (o *OptimisticOverlay) ApplyField(entity, entityID, field string, value json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	byID, ok := o.fields[entity]
	if !ok {
		byID = make(map[string]map[string]json.RawMessage)
		o.fields[entity] = byID
	}
	byField, ok := byID[entityID]
	if !ok {
		byField = make(map[string]json.RawMessage)
		byID[entityID] = byField
	}
	byField[field] = value
}

// FieldOverlay returns a copy of the unconfirmed field writes for a
// record. Empty when none are pending.
func (o *OptimisticOverlay) FieldOverlay(entity, entityID string) map[string]json.RawMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	byField := o.fields[entity][entityID]
	if len(byField) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(byField))
	for f, v := range byField {
		out[f] = v
	}
	return out
}

// ClearField removes one field-level entry. Called when the
// authoritative value for that field arrives.
func (o *OptimisticOverlay) ClearField(entity, entityID, field string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	byID, ok := o.fields[entity]
	if !ok {
		return
	}
	byField, ok := byID[entityID]
	if !ok {
		return
	}
	delete(byField, field)
	if len(byField) == 0 {
		delete(byID, entityID)
	}
	if len(byID) == 0 {
		delete(o.fields, entity)
	}
}

// ClearFields removes every field-level entry for a record. Called when
// a field-batch ack confirms the record's pending field writes.
func (o *OptimisticOverlay) ClearFields(entity, entityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if byID, ok := o.fields[entity]; ok {
		delete(byID, entityID)
		if len(byID) == 0 {
			delete(o.fields, entity)
		}
	}
}

// Len reports the number of unconfirmed writes across all entities,
// record-level and field-level.
func (o *OptimisticOverlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, m := range o.pending {
		n += len(m)
	}
	for _, byID := range o.fields {
		for _, byField := range byID {
			n += len(byField)
		}
	}
	return n
}
