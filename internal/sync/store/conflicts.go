package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/conflict"
)

// SaveConflict inserts or updates a conflict row. Resolving a pending
// conflict goes through the same path with the updated status fields.
func (s *Store) SaveConflict(ctx context.Context, c *conflict.Conflict) error {
	var serverPayload, clientPayload, resolvedPayload any
	if len(c.ServerPayload) > 0 {
		serverPayload = string(c.ServerPayload)
	}
	if len(c.ClientPayload) > 0 {
		clientPayload = string(c.ClientPayload)
	}
	if len(c.ResolvedPayload) > 0 {
		resolvedPayload = string(c.ResolvedPayload)
	}
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = c.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (id, user_id, entity_type, entity_id,
			server_version, server_payload, server_deleted,
			client_version, client_payload, client_op,
			origin_device_id, client_op_id,
			status, winning, resolved_payload, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			winning = excluded.winning,
			resolved_payload = excluded.resolved_payload,
			resolved_at = excluded.resolved_at
	`, c.ID, c.UserID, c.EntityType, c.EntityID,
		c.ServerVersion, serverPayload, c.ServerDeleted,
		c.ClientVersion, clientPayload, c.ClientOp,
		c.OriginDeviceID, c.ClientOperationID,
		c.Status, string(c.Winning), resolvedPayload,
		c.DetectedAt.UTC().Format(time.RFC3339Nano), resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.ID, err)
	}
	return nil
}

// ResolveConflictsForEntity marks an entity's pending conflicts resolved.
// A later accepted change on the entity supersedes whatever the conflicts
// were about, so they must not linger as pending. Returns the number of
// conflicts settled.
func (s *Store) ResolveConflictsForEntity(ctx context.Context, key change.Key, winner conflict.Winner) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE conflicts SET status = ?, winning = ?, resolved_at = ?
		WHERE user_id = ? AND entity_type = ? AND entity_id = ? AND status = ?
	`, conflict.StatusResolved, string(winner), time.Now().UTC().Format(time.RFC3339Nano),
		key.UserID, key.EntityType, key.EntityID, conflict.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve conflicts for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count resolved conflicts: %w", err)
	}
	return n, nil
}

// GetConflict returns a conflict by ID, or nil if unknown.
func (s *Store) GetConflict(ctx context.Context, id string) (*conflict.Conflict, error) {
	row := s.conn.QueryRowContext(ctx, selectConflict+" WHERE id = ?", id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conflict %s: %w", id, err)
	}
	return c, nil
}

// ListPendingConflicts returns a user's unresolved conflicts, oldest first.
func (s *Store) ListPendingConflicts(ctx context.Context, userID string) ([]*conflict.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, selectConflict+`
		WHERE user_id = ? AND status = ? ORDER BY detected_at ASC
	`, userID, conflict.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*conflict.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// PendingConflictCount returns the number of unresolved conflicts for a user.
func (s *Store) PendingConflictCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts WHERE user_id = ? AND status = ?
	`, userID, conflict.StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending conflicts: %w", err)
	}
	return count, nil
}

const selectConflict = `
	SELECT id, user_id, entity_type, entity_id,
	       server_version, server_payload, server_deleted,
	       client_version, client_payload, client_op,
	       origin_device_id, client_op_id,
	       status, winning, resolved_payload, detected_at, resolved_at
	FROM conflicts`

func scanConflict(row rowScanner) (*conflict.Conflict, error) {
	var c conflict.Conflict
	var serverPayload, clientPayload, resolvedPayload sql.NullString
	var winning sql.NullString
	var detectedAt string
	var resolvedAt sql.NullString

	err := row.Scan(
		&c.ID, &c.UserID, &c.EntityType, &c.EntityID,
		&c.ServerVersion, &serverPayload, &c.ServerDeleted,
		&c.ClientVersion, &clientPayload, &c.ClientOp,
		&c.OriginDeviceID, &c.ClientOperationID,
		&c.Status, &winning, &resolvedPayload, &detectedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if serverPayload.Valid && serverPayload.String != "" {
		c.ServerPayload = []byte(serverPayload.String)
	}
	if clientPayload.Valid && clientPayload.String != "" {
		c.ClientPayload = []byte(clientPayload.String)
	}
	if resolvedPayload.Valid && resolvedPayload.String != "" {
		c.ResolvedPayload = []byte(resolvedPayload.String)
	}
	if winning.Valid {
		c.Winning = conflict.Winner(winning.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
		c.DetectedAt = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			c.ResolvedAt = &t
		}
	}
	return &c, nil
}
