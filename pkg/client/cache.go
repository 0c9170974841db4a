package client

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotCached indicates the record is absent from the local cache.
var ErrNotCached = errors.New("client: record not cached")

// LocalCache is the client-side mirror of server state. It persists
// entity records by version plus the per-entity catch-up cursor, so a
// restarted client resumes from where it left off instead of refetching
// everything.
type LocalCache struct {
	db *sql.DB
}

// NewLocalCache opens (or creates) the cache database at path.
func NewLocalCache(path string) (*LocalCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	c := &LocalCache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the underlying database.
func (c *LocalCache) Close() error {
	return c.db.Close()
}

// DB exposes the cache's connection so sibling components (the offline
// queue) can share one file.
func (c *LocalCache) DB() *sql.DB {
	return c.db
}

func (c *LocalCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		data TEXT,
		version INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entity, entity_id)
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		entity TEXT PRIMARY KEY,
		last_version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pending_mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL DEFAULT 'entity',
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		field TEXT,
		data TEXT,
		ts TEXT,
		queued_at TEXT NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// ApplyChange records an authoritative change. Idempotent: a change at
// or below the stored version for the record is a no-op, so duplicate
// delivery (live push plus catch-up overlap) converges to one state.
// Returns whether the change was applied.
func (c *LocalCache) ApplyChange(entity, entityID string, data json.RawMessage, version int64, deleted bool) (bool, error) {
	var current sql.NullInt64
	err := c.db.QueryRow(
		`SELECT version FROM entities WHERE entity = ? AND entity_id = ?`,
		entity, entityID,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if current.Valid && version <= current.Int64 {
		return false, nil
	}

	deletedInt := 0
	if deleted {
		deletedInt = 1
	}
	var payload any
	if data != nil {
		payload = string(data)
	}

	_, err = c.db.Exec(`
		INSERT INTO entities (entity, entity_id, data, version, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity, entity_id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			deleted = excluded.deleted
	`, entity, entityID, payload, version, deletedInt)
	if err != nil {
		return false, err
	}

	return true, c.advanceCursor(entity, version)
}

// Get returns the cached record. Deleted or missing records return
// ErrNotCached.
func (c *LocalCache) Get(entity, entityID string) (json.RawMessage, int64, error) {
	var data sql.NullString
	var version int64
	var deleted int
	err := c.db.QueryRow(
		`SELECT data, version, deleted FROM entities WHERE entity = ? AND entity_id = ?`,
		entity, entityID,
	).Scan(&data, &version, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotCached
	}
	if err != nil {
		return nil, 0, err
	}
	if deleted == 1 {
		return nil, version, ErrNotCached
	}
	if !data.Valid {
		return nil, version, nil
	}
	return json.RawMessage(data.String), version, nil
}

// LastVersion returns the catch-up cursor for an entity (0 when the
// entity has never been synced).
func (c *LocalCache) LastVersion(entity string) (int64, error) {
	var v int64
	err := c.db.QueryRow(
		`SELECT last_version FROM sync_state WHERE entity = ?`, entity,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// advanceCursor raises the catch-up cursor, never lowering it.
func (c *LocalCache) advanceCursor(entity string, version int64) error {
	_, err := c.db.Exec(`
		INSERT INTO sync_state (entity, last_version) VALUES (?, ?)
		ON CONFLICT (entity) DO UPDATE SET
			last_version = MAX(last_version, excluded.last_version)
	`, entity, version)
	return err
}

// Reset discards all cached records and cursors for an entity. Used for
// a full resync after the server reports a version gap.
func (c *LocalCache) Reset(entity string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entities WHERE entity = ?`, entity); err != nil {
		return fmt.Errorf("resetting cache: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_state WHERE entity = ?`, entity); err != nil {
		return fmt.Errorf("resetting cursor: %w", err)
	}

	return tx.Commit()
}
