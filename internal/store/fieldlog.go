package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hyperengineering/courier/pkg/wire"
)

// RecordFieldChange appends a single-field mutation to the field change
// log and updates the field_metadata projection in the same transaction.
// The assigned version is the global monotonic sequence shared across all
// entities and fields. timestamp is the client-recorded write time kept in
// the projection for conflict decisions.
func (s *Store) RecordFieldChange(ctx context.Context, entity, entityID, field string, value []byte, action string, timestamp time.Time, clientID string) (*wire.FieldChangeRecord, error) {
	return s.recordFieldChange(ctx, entity, entityID, field, value, action, timestamp, clientID, true)
}

// RecordDisputedFieldChange retains a field write in the log without
// advancing the field_metadata projection. Used by the keep-both strategy:
// both values stay recoverable from the log while no current value is
// chosen automatically.
func (s *Store) RecordDisputedFieldChange(ctx context.Context, entity, entityID, field string, value []byte, action string, timestamp time.Time, clientID string) (*wire.FieldChangeRecord, error) {
	return s.recordFieldChange(ctx, entity, entityID, field, value, action, timestamp, clientID, false)
}

func (s *Store) recordFieldChange(ctx context.Context, entity, entityID, field string, value []byte, action string, timestamp time.Time, clientID string, advanceProjection bool) (*wire.FieldChangeRecord, error) {
	if !wire.ValidFieldAction(action) {
		return nil, fmt.Errorf("record field change: invalid action %q", action)
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO field_change_log (entity, entity_id, field, value, action, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entity, entityID, field, nullablePayload(value), action, clientID,
		createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("append field change log: %w", err)
	}

	version, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get assigned sequence: %w", err)
	}

	if advanceProjection {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO field_metadata (entity, entity_id, field, version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(entity, entity_id, field) DO UPDATE SET
				version = excluded.version,
				updated_at = excluded.updated_at
		`, entity, entityID, field, version, timestamp.Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("update field metadata: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &wire.FieldChangeRecord{
		Entity:    entity,
		EntityID:  entityID,
		Field:     field,
		Value:     value,
		Action:    action,
		Version:   version,
		ClientID:  clientID,
		CreatedAt: createdAt,
	}, nil
}

// GetFieldChangesSince returns field change records for an entity with
// version > since in ascending order, up to limit. Requests below the
// global pruned floor return ErrVersionGap.
func (s *Store) GetFieldChangesSince(ctx context.Context, entity string, since int64, limit int) ([]wire.FieldChangeRecord, error) {
	floor, err := s.fieldPrunedFloor(ctx)
	if err != nil {
		return nil, err
	}
	if since < floor {
		return nil, fmt.Errorf("field changes since %d (floor %d): %w", since, floor, ErrVersionGap)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, entity, entity_id, field, value, action, client_id, created_at
		FROM field_change_log
		WHERE entity = ? AND version > ?
		ORDER BY version ASC
		LIMIT ?
	`, entity, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query field change log: %w", err)
	}
	defer rows.Close()

	records := make([]wire.FieldChangeRecord, 0)
	for rows.Next() {
		var rec wire.FieldChangeRecord
		var value sql.NullString
		var createdAt string

		if err := rows.Scan(&rec.Version, &rec.Entity, &rec.EntityID, &rec.Field,
			&value, &rec.Action, &rec.ClientID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan field change record: %w", err)
		}

		if value.Valid {
			rec.Value = []byte(value.String)
		}
		rec.CreatedAt = parseStoredTime(createdAt)

		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetFieldMetadata returns the projection row for one field, or
// ErrNotFound when the field has never been written.
func (s *Store) GetFieldMetadata(ctx context.Context, entity, entityID, field string) (*wire.FieldMetadata, error) {
	var meta wire.FieldMetadata
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity, entity_id, field, version, updated_at
		FROM field_metadata
		WHERE entity = ? AND entity_id = ? AND field = ?
	`, entity, entityID, field).Scan(&meta.Entity, &meta.EntityID, &meta.Field, &meta.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get field metadata: %w", err)
	}
	meta.UpdatedAt = parseStoredTime(updatedAt)
	return &meta, nil
}

// GetLatestFieldValues reconstructs the last-writer-per-field view of one
// entity instance from the field change log, joined through the
// field_metadata projection so the log is never rescanned in full.
func (s *Store) GetLatestFieldValues(ctx context.Context, entity, entityID string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.field, l.value, l.action
		FROM field_metadata m
		JOIN field_change_log l ON l.version = m.version
		WHERE m.entity = ? AND m.entity_id = ?
	`, entity, entityID)
	if err != nil {
		return nil, fmt.Errorf("query latest field values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var field, action string
		var value sql.NullString
		if err := rows.Scan(&field, &value, &action); err != nil {
			return nil, fmt.Errorf("scan latest field value: %w", err)
		}
		if action == wire.ActionDelete {
			// A delete is the latest write: the field has no current value.
			continue
		}
		if value.Valid {
			values[field] = json.RawMessage(value.String)
		} else {
			values[field] = nil
		}
	}
	return values, rows.Err()
}

// LatestFieldSequence returns the highest assigned global field sequence.
// Returns 0 when the field log is empty.
func (s *Store) LatestFieldSequence(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM field_change_log`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get latest field sequence: %w", err)
	}
	return v.Int64, nil
}

// fieldPrunedFloor returns the highest field sequence removed by retention.
func (s *Store) fieldPrunedFloor(ctx context.Context) (int64, error) {
	value, err := s.GetSyncMeta(ctx, wire.SyncMetaFieldPrunedFloor)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	floor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse field pruned floor %q: %w", value, err)
	}
	return floor, nil
}
