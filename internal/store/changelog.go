package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/courier/pkg/wire"
)

// versionRetries bounds the retry loop for per-entity version allocation.
// The unique index on (entity, version) makes a lost race fail closed; a
// retry re-reads MAX(version) under a fresh transaction.
const versionRetries = 5

// RecordChange atomically allocates the next per-entity version, persists
// the change record and upserts the current entity row in one transaction.
// Concurrent allocations for the same entity serialize on the unique
// (entity, version) index and retry rather than duplicating a version.
func (s *Store) RecordChange(ctx context.Context, entity, entityID, action string, data []byte, clientID string) (*wire.ChangeRecord, error) {
	if !wire.ValidAction(action) {
		return nil, fmt.Errorf("record change: invalid action %q", action)
	}

	var lastErr error
	for attempt := 1; attempt <= versionRetries; attempt++ {
		rec, err := s.tryRecordChange(ctx, entity, entityID, action, data, clientID)
		if err == nil {
			return rec, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
		slog.Debug("version allocation race, retrying",
			"component", "store",
			"entity", entity,
			"attempt", attempt,
		)
	}
	return nil, fmt.Errorf("record change for %s: %w (%v)", entity, ErrVersionConflict, lastErr)
}

func (s *Store) tryRecordChange(ctx context.Context, entity, entityID, action string, data []byte, clientID string) (*wire.ChangeRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM change_log WHERE entity = ?`, entity,
	).Scan(&current); err != nil {
		return nil, fmt.Errorf("read latest version: %w", err)
	}

	rec := &wire.ChangeRecord{
		Entity:    entity,
		EntityID:  entityID,
		Action:    action,
		Data:      data,
		Version:   current.Int64 + 1,
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (entity, entity_id, action, data, version, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Entity, rec.EntityID, rec.Action, nullablePayload(rec.Data),
		rec.Version, rec.ClientID, rec.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("append change log: %w", err)
	}

	deleted := 0
	if action == wire.ActionDelete {
		deleted = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (entity, entity_id, data, version, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, entity_id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, rec.Entity, rec.EntityID, nullablePayload(rec.Data), rec.Version,
		deleted, rec.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("upsert entity row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

// GetChangesSince returns change records for an entity with
// version > since in ascending version order, up to limit. Requests that
// predate the retained log window return ErrVersionGap; the caller must
// perform a full resync instead of an incremental catch-up.
func (s *Store) GetChangesSince(ctx context.Context, entity string, since int64, limit int) ([]wire.ChangeRecord, error) {
	floor, err := s.prunedFloor(ctx, entity)
	if err != nil {
		return nil, err
	}
	if since < floor {
		return nil, fmt.Errorf("changes since %d for %s (floor %d): %w", since, entity, floor, ErrVersionGap)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, entity_id, action, data, version, client_id, created_at
		FROM change_log
		WHERE entity = ? AND version > ?
		ORDER BY version ASC
		LIMIT ?
	`, entity, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	records := make([]wire.ChangeRecord, 0)
	for rows.Next() {
		var rec wire.ChangeRecord
		var data sql.NullString
		var createdAt string

		if err := rows.Scan(&rec.Entity, &rec.EntityID, &rec.Action,
			&data, &rec.Version, &rec.ClientID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}

		if data.Valid {
			rec.Data = []byte(data.String)
		}
		rec.CreatedAt = parseStoredTime(createdAt)

		records = append(records, rec)
	}
	return records, rows.Err()
}

// LatestVersion returns the highest version assigned for an entity.
// Returns 0 when the entity has no recorded changes.
func (s *Store) LatestVersion(ctx context.Context, entity string) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM change_log WHERE entity = ?`, entity,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get latest version: %w", err)
	}
	return v.Int64, nil
}

// prunedFloor returns the highest version removed by retention for an
// entity; catch-up requests below this floor cannot be served.
func (s *Store) prunedFloor(ctx context.Context, entity string) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`,
		wire.SyncMetaPrunedPrefix+entity,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pruned floor: %w", err)
	}
	floor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse pruned floor %q: %w", value, err)
	}
	return floor, nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure, the signal for a lost version allocation race.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
