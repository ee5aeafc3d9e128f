package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DeviceState is the persisted sync state for one device.
//
// LastSeq is the high-water mark of change records already delivered to the
// device. It advances monotonically and is only ever rewound by an explicit
// full resync.
type DeviceState struct {
	DeviceID        string
	UserID          string
	LastSeq         int64
	LastSyncAt      *time.Time
	NeedsFullResync bool
	UpdatedAt       time.Time
}

// UpsertDevice records that a device exists for a user. Called on device
// registration and on reconnect; the cursor is preserved if the row already
// exists.
func (s *Store) UpsertDevice(ctx context.Context, deviceID, userID string) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO device_sync_state (device_id, user_id, last_seq, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(device_id) DO UPDATE SET updated_at = excluded.updated_at
	`, deviceID, userID, now)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", deviceID, err)
	}
	return nil
}

// GetDeviceState returns the persisted state for a device, or nil if the
// device is unknown.
func (s *Store) GetDeviceState(ctx context.Context, deviceID string) (*DeviceState, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT device_id, user_id, last_seq, last_sync_at, needs_full_resync, updated_at
		FROM device_sync_state WHERE device_id = ?
	`, deviceID)

	var st DeviceState
	var lastSyncAt sql.NullString
	var updatedAt string
	err := row.Scan(&st.DeviceID, &st.UserID, &st.LastSeq, &lastSyncAt, &st.NeedsFullResync, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device state %s: %w", deviceID, err)
	}

	if lastSyncAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSyncAt.String); err == nil {
			st.LastSyncAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		st.UpdatedAt = t
	}
	return &st, nil
}

// AdvanceDeviceCursor moves the device's delivered-changes cursor forward.
// The update is monotonic: a stale or duplicate sync can never rewind it.
func (s *Store) AdvanceDeviceCursor(ctx context.Context, deviceID string, seq int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, `
		UPDATE device_sync_state
		SET last_seq = MAX(last_seq, ?), last_sync_at = ?, updated_at = ?
		WHERE device_id = ?
	`, seq, now, now, deviceID)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for device %s: %w", deviceID, err)
	}
	return nil
}

// TouchDeviceSync stamps the device's last successful sync time without
// moving the cursor. Used after pushes, which deliver nothing to the device.
func (s *Store) TouchDeviceSync(ctx context.Context, deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, `
		UPDATE device_sync_state SET last_sync_at = ?, updated_at = ? WHERE device_id = ?
	`, now, now, deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device %s: %w", deviceID, err)
	}
	return nil
}

// FlagFullResync marks the device so its next pull restarts from zero.
func (s *Store) FlagFullResync(ctx context.Context, deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, `
		UPDATE device_sync_state SET needs_full_resync = 1, updated_at = ? WHERE device_id = ?
	`, now, deviceID)
	if err != nil {
		return fmt.Errorf("failed to flag full resync for device %s: %w", deviceID, err)
	}
	return nil
}

// ResetDeviceCursor performs the explicit full-resync rewind: the cursor
// returns to zero and the resync flag is cleared.
func (s *Store) ResetDeviceCursor(ctx context.Context, deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, `
		UPDATE device_sync_state
		SET last_seq = 0, needs_full_resync = 0, updated_at = ?
		WHERE device_id = ?
	`, now, deviceID)
	if err != nil {
		return fmt.Errorf("failed to reset cursor for device %s: %w", deviceID, err)
	}
	return nil
}

// ListDevicesForUser returns all persisted device states for a user.
func (s *Store) ListDevicesForUser(ctx context.Context, userID string) ([]*DeviceState, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT device_id, user_id, last_seq, last_sync_at, needs_full_resync, updated_at
		FROM device_sync_state WHERE user_id = ? ORDER BY device_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices for user %s: %w", userID, err)
	}
	defer rows.Close()

	var states []*DeviceState
	for rows.Next() {
		var st DeviceState
		var lastSyncAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&st.DeviceID, &st.UserID, &st.LastSeq, &lastSyncAt, &st.NeedsFullResync, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device state: %w", err)
		}
		if lastSyncAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastSyncAt.String); err == nil {
				st.LastSyncAt = &t
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			st.UpdatedAt = t
		}
		states = append(states, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device states: %w", err)
	}
	return states, nil
}
