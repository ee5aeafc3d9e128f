// Package recorder implements the change log recorder: the single entry
// point through which accepted mutations become immutable change records.
//
// The recorder owns the optimistic-concurrency rules of the sync protocol:
// version cursors advance through per-key compare-and-swap (never a lock
// held across the operation), retried pushes are answered from the existing
// record via the (device, clientOperationID) idempotency key, and version
// mismatches come back as conflicts rather than errors.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/conflict"
	"github.com/clipstack/clipstack/internal/sync/store"
	"github.com/clipstack/clipstack/internal/sync/syncerr"
	"github.com/google/uuid"
)

// casRetries bounds the compare-and-swap retry loop. Contention on a single
// entity key is rare (it requires two devices of the same user racing on the
// same entity), so a small bound suffices.
const casRetries = 5

// Recorder appends accepted mutations to the change log.
type Recorder struct {
	store  *store.Store
	logger *log.Logger
}

// New creates a Recorder. If logger is nil, a default logger writing to
// stderr is used.
func New(st *store.Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stderr, "[recorder] ", log.LstdFlags)
	}
	return &Recorder{store: st, logger: logger}
}

// Record processes one submitted change for the given user and device.
//
// Exactly one of the three results is meaningful:
//   - (record, nil, nil): the change was accepted (or had already been
//     accepted under the same idempotency key) and record is its log entry.
//   - (nil, conflict, nil): the declared base version missed the current
//     cursor; no record was written.
//   - (nil, nil, err): the change could not be processed; err carries a
//     syncerr code (validation, not-found, transient, fatal).
func (r *Recorder) Record(ctx context.Context, userID, deviceID string, sub *change.Submission) (*change.Record, *conflict.Conflict, error) {
	if err := sub.Validate(); err != nil {
		return nil, nil, syncerr.Wrap(syncerr.CodeValidation, err, "invalid change for %s/%s", sub.EntityType, sub.EntityID)
	}

	// Idempotency: a retried push returns the record the first attempt made.
	if existing, err := r.store.FindByClientOp(ctx, deviceID, sub.ClientOperationID); err != nil {
		return nil, nil, storeErr(err, "idempotency lookup failed")
	} else if existing != nil {
		r.logger.Printf("Replayed push %s/%s answered from existing record v%d",
			deviceID, sub.ClientOperationID, existing.Version)
		return existing, nil, nil
	}

	key := sub.Key(userID)
	current, deleted, err := r.store.CurrentVersion(ctx, key)
	if err != nil {
		return nil, nil, storeErr(err, "version cursor read failed")
	}

	if deleted {
		switch sub.Operation {
		case change.OpDelete:
			// Concurrent deletes are idempotent no-ops: the second delete
			// observes the entity already gone and is dropped silently.
			tombstone, err := r.store.LatestRecord(ctx, key)
			if err != nil {
				return nil, nil, storeErr(err, "tombstone lookup failed")
			}
			if tombstone == nil {
				return nil, nil, syncerr.New(syncerr.CodeFatal, "cursor marks %s deleted but the log has no record", key)
			}
			return tombstone, nil, nil
		case change.OpUpdate, change.OpCreate:
			if sub.BaseVersion == current {
				// The client saw the tombstone and still mutated the entity.
				return nil, nil, syncerr.New(syncerr.CodeNotFound, "entity %s no longer exists", key)
			}
		}
	}

	if conflict.Detected(sub.BaseVersion, current) {
		c, err := r.buildConflict(ctx, userID, deviceID, sub, current, deleted)
		return nil, c, err
	}

	rec, err := r.append(ctx, userID, deviceID, sub.Operation, sub.Payload, sub.ClientOperationID, key, current)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		// CAS miss: the cursor moved while we were appending, so the base
		// version the client declared is stale after all.
		c, err := r.buildConflict(ctx, userID, deviceID, sub, -1, false)
		return nil, c, err
	}
	return rec, nil, nil
}

// ForceApply writes a resolution outcome (client-wins or merged payload) on
// top of whatever version is current, retrying the CAS until it lands.
// The caller supplies a fresh idempotency token scoped to the resolution.
func (r *Recorder) ForceApply(ctx context.Context, userID, deviceID string, key change.Key, op change.Operation, payload json.RawMessage, clientOpID string) (*change.Record, error) {
	if existing, err := r.store.FindByClientOp(ctx, deviceID, clientOpID); err != nil {
		return nil, storeErr(err, "idempotency lookup failed")
	} else if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		current, _, err := r.store.CurrentVersion(ctx, key)
		if err != nil {
			return nil, storeErr(err, "version cursor read failed")
		}
		rec, err := r.append(ctx, userID, deviceID, op, payload, clientOpID, key, current)
		if err != nil {
			// A concurrent retry of the same resolution may have landed its
			// record first; the (device, clientOpID) unique index then rejects
			// ours. Answer from the winner's record instead of failing.
			if existing, lookupErr := r.store.FindByClientOp(ctx, deviceID, clientOpID); lookupErr == nil && existing != nil {
				return existing, nil
			}
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		// CAS miss. The winner of the race may have been this very resolution
		// retried on another goroutine; re-check before trying a new version.
		if existing, err := r.store.FindByClientOp(ctx, deviceID, clientOpID); err != nil {
			return nil, storeErr(err, "idempotency lookup failed")
		} else if existing != nil {
			return existing, nil
		}
	}
	return nil, syncerr.New(syncerr.CodeTransient, "forced apply on %s lost the version race %d times", key, casRetries)
}

// append builds a record at expected+1 and attempts the CAS append.
// Returns (nil, nil) on a CAS miss.
func (r *Recorder) append(ctx context.Context, userID, deviceID string, op change.Operation, payload json.RawMessage, clientOpID string, key change.Key, expected int64) (*change.Record, error) {
	rec := &change.Record{
		ID:                uuid.NewString(),
		UserID:            userID,
		EntityType:        key.EntityType,
		EntityID:          key.EntityID,
		Operation:         op,
		Version:           expected + 1,
		OriginDeviceID:    deviceID,
		ClientOperationID: clientOpID,
		Payload:           payload,
		ServerTimestamp:   time.Now().UTC(),
	}
	if op == change.OpDelete {
		rec.Payload = nil
	}

	applied, err := r.store.AppendChange(ctx, rec, expected)
	if err != nil {
		return nil, storeErr(err, "append failed for %s", key)
	}
	if !applied {
		return nil, nil
	}
	return rec, nil
}

// buildConflict assembles the conflict result for a stale push. A negative
// knownVersion forces a fresh cursor read.
//
// The cursor and the log are read without a transaction, so a concurrent
// accepted push can land between the two reads and leave the log one version
// ahead of the cursor snapshot. On mismatch both are re-read together until
// they agree.
func (r *Recorder) buildConflict(ctx context.Context, userID, deviceID string, sub *change.Submission, knownVersion int64, knownDeleted bool) (*conflict.Conflict, error) {
	key := sub.Key(userID)
	current, deleted := knownVersion, knownDeleted

	for attempt := 0; attempt < casRetries; attempt++ {
		if current < 0 || attempt > 0 {
			var err error
			current, deleted, err = r.store.CurrentVersion(ctx, key)
			if err != nil {
				return nil, storeErr(err, "version cursor read failed")
			}
		}

		latest, err := r.store.LatestRecord(ctx, key)
		if err != nil {
			return nil, storeErr(err, "latest record lookup failed")
		}
		if latest != nil && latest.Version != current {
			continue
		}

		var serverPayload json.RawMessage
		if latest != nil {
			serverPayload = latest.Payload
		}
		r.logger.Printf("Conflict on %s: client base v%d, server v%d", key, sub.BaseVersion, current)
		return conflict.New(userID, sub, deviceID, current, serverPayload, deleted), nil
	}
	return nil, syncerr.New(syncerr.CodeTransient,
		"cursor and log for %s kept diverging after %d reads", key, casRetries)
}

// storeErr classifies a store failure into the sync error taxonomy.
func storeErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case store.IsBusy(err):
		return syncerr.Wrap(syncerr.CodeTransient, err, "%s", msg)
	case store.IsConstraint(err):
		return syncerr.Wrap(syncerr.CodeFatal, err, "%s", msg)
	default:
		return syncerr.Wrap(syncerr.CodeTransient, err, "%s", msg)
	}
}
