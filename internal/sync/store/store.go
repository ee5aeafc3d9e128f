// Package store provides SQLite persistence for the sync subsystem.
//
// It owns four tables: the append-only change log, the per-entity version
// cursors, per-device sync state, and recorded conflicts. The database runs
// in embedded mode with WAL so concurrent pulls never block pushes.
//
// Version cursors are only ever advanced through compare-and-swap
// (AppendChange); there is no direct overwrite path. The change log is only
// ever appended to, except for the explicit retention pruning in
// PruneChangeLog.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with sync-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
//
// The special path ":memory:" opens an in-memory database restricted to a
// single connection, which is what the tests use.
func Open(path string) (*Store, error) {
	connStr := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise get its own private DB.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		version INTEGER NOT NULL,
		origin_device_id TEXT NOT NULL,
		client_op_id TEXT NOT NULL,
		payload TEXT,
		server_ts TEXT NOT NULL
	);

	-- Retried pushes must map onto the record they already produced.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_change_log_client_op
	    ON change_log(origin_device_id, client_op_id);

	-- Versions per entity key are unique; a violation here means the CAS
	-- path was bypassed and the log is inconsistent.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_change_log_entity_version
	    ON change_log(user_id, entity_type, entity_id, version);

	CREATE INDEX IF NOT EXISTS idx_change_log_user_seq
	    ON change_log(user_id, seq);

	CREATE TABLE IF NOT EXISTS entity_versions (
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS device_sync_state (
		device_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		last_seq INTEGER NOT NULL DEFAULT 0,
		last_sync_at TEXT,
		needs_full_resync INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_device_sync_state_user
	    ON device_sync_state(user_id);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		server_version INTEGER NOT NULL,
		server_payload TEXT,
		server_deleted INTEGER NOT NULL DEFAULT 0,
		client_version INTEGER NOT NULL,
		client_payload TEXT,
		client_op TEXT NOT NULL,
		origin_device_id TEXT NOT NULL,
		client_op_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		winning TEXT,
		resolved_payload TEXT,
		detected_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_user_status
	    ON conflicts(user_id, status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// IsBusy reports whether err is a transient SQLite contention error.
func IsBusy(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

// IsConstraint reports whether err is a uniqueness violation. On the change
// log's entity-version index this indicates cursor inconsistency.
func IsConstraint(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT)
}

// CurrentVersion returns the version cursor for the given entity key.
// Returns (0, false, nil) when the entity has never been seen.
func (s *Store) CurrentVersion(ctx context.Context, key change.Key) (int64, bool, error) {
	var version int64
	var deleted bool
	err := s.conn.QueryRowContext(ctx, `
		SELECT version, deleted FROM entity_versions
		WHERE user_id = ? AND entity_type = ? AND entity_id = ?
	`, key.UserID, key.EntityType, key.EntityID).Scan(&version, &deleted)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read version cursor for %s: %w", key, err)
	}
	return version, deleted, nil
}

// AppendChange atomically advances the entity's version cursor from
// expectedVersion to rec.Version and appends rec to the change log.
//
// The cursor update is a compare-and-swap: if the stored version no longer
// equals expectedVersion the transaction is rolled back and (false, nil) is
// returned so the caller can re-read and decide between retry and conflict.
// On success rec.Seq is populated with the assigned sequence number.
func (s *Store) AppendChange(ctx context.Context, rec *change.Record, expectedVersion int64) (bool, error) {
	if rec.Version != expectedVersion+1 {
		return false, fmt.Errorf("record version %d does not follow expected version %d", rec.Version, expectedVersion)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	if rec.IsTombstone() {
		deleted = 1
	}
	now := rec.ServerTimestamp.Format(time.RFC3339Nano)

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO entity_versions (user_id, entity_type, entity_id, version, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, entity_type, entity_id) DO NOTHING
		`, rec.UserID, rec.EntityType, rec.EntityID, rec.Version, deleted, now)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE entity_versions
			SET version = ?, deleted = ?, updated_at = ?
			WHERE user_id = ? AND entity_type = ? AND entity_id = ? AND version = ?
		`, rec.Version, deleted, now, rec.UserID, rec.EntityType, rec.EntityID, expectedVersion)
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance version cursor for %s: %w", rec.Key(), err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check cursor update: %w", err)
	}
	if affected == 0 {
		// CAS miss: somebody else advanced the cursor first.
		return false, nil
	}

	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	ins, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (id, user_id, entity_type, entity_id, operation,
			version, origin_device_id, client_op_id, payload, server_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.EntityType, rec.EntityID, rec.Operation,
		rec.Version, rec.OriginDeviceID, rec.ClientOperationID, payload, now)
	if err != nil {
		return false, fmt.Errorf("failed to append change record: %w", err)
	}

	seq, err := ins.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to read change sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit change: %w", err)
	}

	rec.Seq = seq
	return true, nil
}

// FindByClientOp returns the change record previously created for the given
// idempotency key, or nil if no such record exists.
func (s *Store) FindByClientOp(ctx context.Context, deviceID, clientOpID string) (*change.Record, error) {
	row := s.conn.QueryRowContext(ctx, selectRecord+`
		WHERE origin_device_id = ? AND client_op_id = ?
	`, deviceID, clientOpID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client op %s/%s: %w", deviceID, clientOpID, err)
	}
	return rec, nil
}

// LatestRecord returns the newest change record for the entity key, or nil
// if the entity has no recorded changes.
func (s *Store) LatestRecord(ctx context.Context, key change.Key) (*change.Record, error) {
	row := s.conn.QueryRowContext(ctx, selectRecord+`
		WHERE user_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY version DESC LIMIT 1
	`, key.UserID, key.EntityType, key.EntityID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest record for %s: %w", key, err)
	}
	return rec, nil
}

// ListChangesOptions configures the ListChanges query.
type ListChangesOptions struct {
	// SinceSeq excludes records at or below this sequence number.
	SinceSeq int64
	// EntityTypes filters to the given types (nil = all types).
	EntityTypes []change.EntityType
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListChanges returns the user's change records with seq > SinceSeq, ordered
// by seq ascending. Per-entity version order is implied: versions only ever
// increase with seq.
func (s *Store) ListChanges(ctx context.Context, userID string, opts ListChangesOptions) ([]*change.Record, error) {
	conditions := []string{"user_id = ?", "seq > ?"}
	args := []any{userID, opts.SinceSeq}

	if len(opts.EntityTypes) > 0 {
		placeholders := make([]string, len(opts.EntityTypes))
		for i, et := range opts.EntityTypes {
			placeholders[i] = "?"
			args = append(args, et)
		}
		conditions = append(conditions, "entity_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := selectRecord + " WHERE " + strings.Join(conditions, " AND ") + " ORDER BY seq ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var records []*change.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return records, nil
}

// MaxSeq returns the highest sequence number among the user's change records
// (0 if the user has none). Scoping to the user keeps the cursor a device
// hands back on its next pull from skipping a sibling device's concurrent
// record, and keeps other users' write activity out of responses.
func (s *Store) MaxSeq(ctx context.Context, userID string) (int64, error) {
	var seq int64
	err := s.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE user_id = ?", userID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return seq, nil
}

// PruneChangeLog deletes change records accepted before the given horizon,
// keeping each entity's newest record (tombstones included) so that no
// entity ever loses its last known state.
//
// Devices whose cursor predates a pruned record can no longer replay the
// gap; they are flagged for forced full resync. Returns the number of
// records pruned.
func (s *Store) PruneChangeLog(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	horizon := before.UTC().Format(time.RFC3339Nano)

	var maxPruned sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM change_log c
		WHERE c.server_ts < ?
		  AND c.version < (
			SELECT v.version FROM entity_versions v
			WHERE v.user_id = c.user_id AND v.entity_type = c.entity_type AND v.entity_id = c.entity_id
		  )
	`, horizon).Scan(&maxPruned)
	if err != nil {
		return 0, fmt.Errorf("failed to compute prune horizon: %w", err)
	}
	if !maxPruned.Valid {
		return 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM change_log
		WHERE server_ts < ?
		  AND version < (
			SELECT v.version FROM entity_versions v
			WHERE v.user_id = change_log.user_id
			  AND v.entity_type = change_log.entity_type
			  AND v.entity_id = change_log.entity_id
		  )
	`, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned records: %w", err)
	}

	// Devices that had not yet replayed a pruned record cannot catch up
	// incrementally anymore.
	_, err = tx.ExecContext(ctx, `
		UPDATE device_sync_state
		SET needs_full_resync = 1, updated_at = ?
		WHERE last_seq < ?
	`, time.Now().UTC().Format(time.RFC3339Nano), maxPruned.Int64)
	if err != nil {
		return 0, fmt.Errorf("failed to flag stale devices: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return pruned, nil
}

const selectRecord = `
	SELECT seq, id, user_id, entity_type, entity_id, operation,
	       version, origin_device_id, client_op_id, payload, server_ts
	FROM change_log`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*change.Record, error) {
	var rec change.Record
	var payload sql.NullString
	var ts string

	err := row.Scan(
		&rec.Seq,
		&rec.ID,
		&rec.UserID,
		&rec.EntityType,
		&rec.EntityID,
		&rec.Operation,
		&rec.Version,
		&rec.OriginDeviceID,
		&rec.ClientOperationID,
		&payload,
		&ts,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		rec.Payload = []byte(payload.String)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server timestamp %q: %w", ts, err)
	}
	rec.ServerTimestamp = parsed

	return &rec, nil
}
