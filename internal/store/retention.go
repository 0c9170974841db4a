package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/hyperengineering/courier/pkg/wire"
)

// CleanupOlderThan prunes both change logs of records older than the
// retention window. The most recent record per entity row and per field is
// always kept, since it is still the latest known value. Pruned floors are
// recorded in sync_meta so later catch-up requests below the floor fail
// with ErrVersionGap instead of returning a silently incomplete delta.
func (s *Store) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	deletedChanges, err := pruneChangeLog(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}

	deletedFields, err := pruneFieldLog(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, wire.SyncMetaLastRetentionAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return 0, fmt.Errorf("record retention timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return deletedChanges + deletedFields, nil
}

// prunableChangePredicate matches change_log rows older than the cutoff
// that are not the newest record for their entity row.
const prunableChangePredicate = `
	created_at < ? AND id NOT IN (
		SELECT MAX(id) FROM change_log GROUP BY entity, entity_id
	)`

func pruneChangeLog(ctx context.Context, tx *sql.Tx, cutoff string) (int64, error) {
	// Record per-entity floors before deleting.
	rows, err := tx.QueryContext(ctx, `
		SELECT entity, MAX(version) FROM change_log
		WHERE`+prunableChangePredicate+`
		GROUP BY entity
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query prunable changes: %w", err)
	}
	floors := make(map[string]int64)
	for rows.Next() {
		var entity string
		var maxVersion int64
		if err := rows.Scan(&entity, &maxVersion); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan prunable change: %w", err)
		}
		floors[entity] = maxVersion
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for entity, floor := range floors {
		if err := raiseFloor(ctx, tx, wire.SyncMetaPrunedPrefix+entity, floor); err != nil {
			return 0, err
		}
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM change_log WHERE`+prunableChangePredicate, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune change log: %w", err)
	}
	return result.RowsAffected()
}

// prunableFieldPredicate matches field_change_log rows older than the
// cutoff that are not the newest record for their field and are not the
// applied value the field_metadata projection points at. A disputed
// record can hold the per-field MAX(version) without ever being applied,
// so the newest-record rule alone would delete the current value.
const prunableFieldPredicate = `
	created_at < ? AND version NOT IN (
		SELECT MAX(version) FROM field_change_log GROUP BY entity, entity_id, field
	) AND version NOT IN (
		SELECT version FROM field_metadata
	)`

func pruneFieldLog(ctx context.Context, tx *sql.Tx, cutoff string) (int64, error) {
	var maxPruned sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM field_change_log
		WHERE`+prunableFieldPredicate, cutoff).Scan(&maxPruned); err != nil {
		return 0, fmt.Errorf("query prunable field changes: %w", err)
	}

	if maxPruned.Valid {
		if err := raiseFloor(ctx, tx, wire.SyncMetaFieldPrunedFloor, maxPruned.Int64); err != nil {
			return 0, err
		}
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM field_change_log WHERE`+prunableFieldPredicate, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune field change log: %w", err)
	}
	return result.RowsAffected()
}

// raiseFloor updates a sync_meta floor, never lowering an existing value.
func raiseFloor(ctx context.Context, tx *sql.Tx, key string, floor int64) error {
	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read floor %s: %w", key, err)
	}
	if err == nil {
		if existing, perr := strconv.ParseInt(current, 10, 64); perr == nil && existing >= floor {
			return nil
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, strconv.FormatInt(floor, 10)); err != nil {
		return fmt.Errorf("raise floor %s: %w", key, err)
	}
	return nil
}
