package client

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Mutation kinds stored in the offline queue.
const (
	MutationEntity = "entity"
	MutationField  = "field"
)

// Mutation is one locally captured write awaiting server acknowledgement.
type Mutation struct {
	ID       int64
	Kind     string
	Entity   string
	EntityID string
	Action   string
	Field    string
	Data     json.RawMessage
	Ts       time.Time
	QueuedAt time.Time
}

// OfflineQueue is a durable FIFO of local mutations. Writes survive a
// process restart; replay preserves capture order. Each mutation is
// removed individually when the server acknowledges it, so a failure
// mid-replay leaves the unacknowledged tail intact.
type OfflineQueue struct {
	db *sql.DB
}

// NewOfflineQueue wraps the pending_mutations table of a LocalCache
// database.
func NewOfflineQueue(db *sql.DB) *OfflineQueue {
	return &OfflineQueue{db: db}
}

// Enqueue appends an entity mutation.
func (q *OfflineQueue) Enqueue(entity, entityID, action string, data json.RawMessage) error {
	return q.insert(Mutation{
		Kind:     MutationEntity,
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Data:     data,
	})
}

// EnqueueField appends a field mutation. The capture timestamp rides
// along so merge resolution on the server sees when the write happened,
// not when it was replayed.
func (q *OfflineQueue) EnqueueField(entity, entityID, field, action string, value json.RawMessage, ts time.Time) error {
	return q.insert(Mutation{
		Kind:     MutationField,
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Field:    field,
		Data:     value,
		Ts:       ts,
	})
}

func (q *OfflineQueue) insert(m Mutation) error {
	var payload any
	if m.Data != nil {
		payload = string(m.Data)
	}
	var ts any
	if !m.Ts.IsZero() {
		ts = m.Ts.UTC().Format(time.RFC3339Nano)
	}
	_, err := q.db.Exec(`
		INSERT INTO pending_mutations (kind, entity, entity_id, action, field, data, ts, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Kind, m.Entity, m.EntityID, m.Action, m.Field, payload, ts,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Pending returns all queued mutations in capture order.
func (q *OfflineQueue) Pending() ([]Mutation, error) {
	rows, err := q.db.Query(`
		SELECT id, kind, entity, entity_id, action, field, data, ts, queued_at
		FROM pending_mutations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var m Mutation
		var field, data, ts sql.NullString
		var queuedAt string
		if err := rows.Scan(&m.ID, &m.Kind, &m.Entity, &m.EntityID, &m.Action, &field, &data, &ts, &queuedAt); err != nil {
			return nil, err
		}
		m.Field = field.String
		if data.Valid {
			m.Data = json.RawMessage(data.String)
		}
		if ts.Valid {
			m.Ts, _ = time.Parse(time.RFC3339Nano, ts.String)
		}
		m.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Ack removes one acknowledged mutation.
func (q *OfflineQueue) Ack(id int64) error {
	_, err := q.db.Exec(`DELETE FROM pending_mutations WHERE id = ?`, id)
	return err
}

// Len reports the number of queued mutations.
func (q *OfflineQueue) Len() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_mutations`).Scan(&n)
	return n, err
}
