// Package coordinator orchestrates the pull and push halves of the sync
// protocol.
//
// Pull streams change records past a device's cursor; push runs each
// submitted change through the recorder, routes version mismatches to the
// conflict resolver, and fans accepted records out to the user's other
// devices. Each change in a push batch is processed independently: there is
// no all-or-nothing transaction, and the response carries a per-change
// outcome so clients retry or resolve individually.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/conflict"
	"github.com/clipstack/clipstack/internal/sync/recorder"
	"github.com/clipstack/clipstack/internal/sync/session"
	"github.com/clipstack/clipstack/internal/sync/store"
	"github.com/clipstack/clipstack/internal/sync/syncerr"
)

// Broadcaster receives accepted change records for real-time fan-out.
// Implementations must not block.
type Broadcaster interface {
	Publish(userID string, records []*change.Record, excludeDeviceID string)
}

// Config holds coordinator configuration.
type Config struct {
	// DefaultPolicy applies to conflicting changes that name no policy of
	// their own.
	DefaultPolicy conflict.Policy

	// PullLimit caps the page size of a pull (also the default when the
	// request asks for no particular limit).
	PullLimit int

	// MergeWorkers sizes the worker pool for merge computations.
	MergeWorkers int

	// RetryAttempts and RetryBackoff govern transient-error retries against
	// the store. Backoff doubles per attempt.
	RetryAttempts int
	RetryBackoff  time.Duration

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultPolicy: conflict.PolicyManual,
		PullLimit:     500,
		MergeWorkers:  4,
		RetryAttempts: 3,
		RetryBackoff:  50 * time.Millisecond,
		Logger:        log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// Coordinator wires the recorder, resolver, session registry and
// broadcaster into the sync protocol.
type Coordinator struct {
	store    *store.Store
	recorder *recorder.Recorder
	resolver *conflict.Resolver
	registry *session.Registry
	cast     Broadcaster
	config   *Config

	merges *mergePool
}

// New creates a Coordinator. cast may be nil when no real-time fan-out is
// wanted (tests, offline tooling).
func New(st *store.Store, rec *recorder.Recorder, res *conflict.Resolver, reg *session.Registry, cast Broadcaster, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	if !config.DefaultPolicy.Valid() {
		config.DefaultPolicy = conflict.PolicyManual
	}
	return &Coordinator{
		store:    st,
		recorder: rec,
		resolver: res,
		registry: reg,
		cast:     cast,
		config:   config,
		merges:   newMergePool(config.MergeWorkers),
	}
}

// Start launches the merge worker pool.
func (c *Coordinator) Start() {
	c.merges.start()
}

// Stop drains and stops the merge worker pool.
func (c *Coordinator) Stop() {
	c.merges.stop()
}

// SetDefaultPolicy swaps the default conflict policy at runtime (config
// hot-reload).
func (c *Coordinator) SetDefaultPolicy(p conflict.Policy) {
	if p.Valid() {
		c.config.DefaultPolicy = p
	}
}

// PullRequest asks for change records past a cursor.
type PullRequest struct {
	DeviceID    string              `json:"device_id"`
	SinceCursor int64               `json:"since_cursor"`
	EntityTypes []change.EntityType `json:"entity_types,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// PullResponse carries one page of change records. Callers repeat the pull
// with SyncCursor until an empty page comes back.
type PullResponse struct {
	Changes    []*change.Record `json:"changes"`
	SyncCursor int64            `json:"sync_cursor"`

	// FullResync reports that the server rewound the device's cursor to
	// zero (fatal inconsistency or pruned history); the page starts over
	// from the beginning of the log.
	FullResync bool `json:"full_resync,omitempty"`
}

// Pull returns the user's change records past the given cursor, ordered by
// server sequence (which preserves per-entity version order). Pulls are
// read-only and idempotent; a disconnect mid-pull leaves no partial state.
func (c *Coordinator) Pull(ctx context.Context, userID string, req PullRequest) (*PullResponse, error) {
	if req.DeviceID == "" {
		return nil, syncerr.New(syncerr.CodeValidation, "device id is required")
	}
	for _, et := range req.EntityTypes {
		if !et.Valid() {
			return nil, syncerr.New(syncerr.CodeValidation, "unknown entity type %q", et)
		}
	}
	if ok, err := c.registry.Owns(ctx, userID, req.DeviceID); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransient, err, "device ownership check failed")
	} else if !ok {
		return nil, syncerr.New(syncerr.CodePermission, "device %s does not belong to user %s", req.DeviceID, userID)
	}

	c.registry.BeginSync(req.DeviceID)
	defer c.registry.EndSync(req.DeviceID)

	if err := c.store.UpsertDevice(ctx, req.DeviceID, userID); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransient, err, "device registration failed")
	}

	since := req.SinceCursor
	fullResync := false
	if st, err := c.store.GetDeviceState(ctx, req.DeviceID); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransient, err, "device state read failed")
	} else if st != nil && st.NeedsFullResync {
		c.config.Logger.Printf("Device %s flagged for full resync, rewinding cursor", req.DeviceID)
		if err := c.store.ResetDeviceCursor(ctx, req.DeviceID); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeTransient, err, "cursor reset failed")
		}
		since = 0
		fullResync = true
	}

	limit := req.Limit
	if limit <= 0 || limit > c.config.PullLimit {
		limit = c.config.PullLimit
	}

	var records []*change.Record
	err := c.withRetry(ctx, "pull", func() error {
		var err error
		records, err = c.store.ListChanges(ctx, userID, store.ListChangesOptions{
			SinceSeq:    since,
			EntityTypes: req.EntityTypes,
			Limit:       limit,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	cursor := since
	if n := len(records); n > 0 {
		cursor = records[n-1].Seq
	}
	if err := c.store.AdvanceDeviceCursor(ctx, req.DeviceID, cursor); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransient, err, "cursor advance failed")
	}

	if records == nil {
		records = []*change.Record{}
	}
	return &PullResponse{Changes: records, SyncCursor: cursor, FullResync: fullResync}, nil
}

// OutcomeStatus classifies what happened to one pushed change.
type OutcomeStatus string

const (
	OutcomeAccepted OutcomeStatus = "accepted"
	OutcomeConflict OutcomeStatus = "conflict"
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome is the per-change result inside a push response.
type Outcome struct {
	ClientOperationID string             `json:"client_operation_id"`
	Status            OutcomeStatus      `json:"status"`
	Record            *change.Record     `json:"record,omitempty"`
	Conflict          *conflict.Conflict `json:"conflict,omitempty"`
	ErrorCode         string             `json:"error_code,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
}

// PushRequest submits a batch of client changes.
type PushRequest struct {
	DeviceID string              `json:"device_id"`
	Changes  []change.Submission `json:"changes"`
}

// PushResponse enumerates every change's outcome. Accepted and Conflicts
// repeat the outcome data in the aggregate shape clients consume directly.
type PushResponse struct {
	Accepted   []*change.Record     `json:"accepted"`
	Conflicts  []*conflict.Conflict `json:"conflicts"`
	Outcomes   []Outcome            `json:"outcomes"`
	SyncCursor int64                `json:"sync_cursor"`
}

// Push processes each submitted change independently and returns the
// per-change outcomes. Accepted records are handed to the broadcaster after
// the batch completes, never blocking the acknowledgment.
func (c *Coordinator) Push(ctx context.Context, userID string, req PushRequest) (*PushResponse, error) {
	if req.DeviceID == "" {
		return nil, syncerr.New(syncerr.CodeValidation, "device id is required")
	}
	if ok, err := c.registry.Owns(ctx, userID, req.DeviceID); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransient, err, "device ownership check failed")
	} else if !ok {
		return nil, syncerr.New(syncerr.CodePermission, "device %s does not belong to user %s", req.DeviceID, userID)
	}
	if err := c.store.UpsertDevice(ctx, req.DeviceID, userID); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransient, err, "device registration failed")
	}

	c.registry.BeginSync(req.DeviceID)
	defer c.registry.EndSync(req.DeviceID)

	resp := &PushResponse{
		Accepted:  []*change.Record{},
		Conflicts: []*conflict.Conflict{},
		Outcomes:  make([]Outcome, 0, len(req.Changes)),
	}

	for i := range req.Changes {
		sub := &req.Changes[i]
		outcome := c.processOne(ctx, userID, req.DeviceID, sub)
		resp.Outcomes = append(resp.Outcomes, outcome)

		if outcome.Record != nil {
			resp.Accepted = append(resp.Accepted, outcome.Record)
		}
		if outcome.Conflict != nil {
			resp.Conflicts = append(resp.Conflicts, outcome.Conflict)
		}
		if outcome.ErrorCode == string(syncerr.CodeFatal) {
			c.config.Logger.Printf("Fatal sync error on device %s, flagging full resync", req.DeviceID)
			if err := c.store.FlagFullResync(ctx, req.DeviceID); err != nil {
				c.config.Logger.Printf("Warning: failed to flag full resync: %v", err)
			}
		}
	}

	maxSeq, err := c.store.MaxSeq(ctx, userID)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransient, err, "cursor read failed")
	}
	resp.SyncCursor = maxSeq

	if err := c.store.TouchDeviceSync(ctx, req.DeviceID); err != nil {
		c.config.Logger.Printf("Warning: failed to stamp sync time for device %s: %v", req.DeviceID, err)
	}

	if c.cast != nil && len(resp.Accepted) > 0 {
		c.cast.Publish(userID, resp.Accepted, req.DeviceID)
	}
	return resp, nil
}

// processOne runs a single submission through the recorder and, on version
// mismatch, the resolver.
func (c *Coordinator) processOne(ctx context.Context, userID, deviceID string, sub *change.Submission) Outcome {
	outcome := Outcome{ClientOperationID: sub.ClientOperationID}

	var rec *change.Record
	var conf *conflict.Conflict
	err := c.withRetry(ctx, "record", func() error {
		var err error
		rec, conf, err = c.recorder.Record(ctx, userID, deviceID, sub)
		return err
	})
	if err != nil {
		outcome.Status = OutcomeRejected
		outcome.ErrorCode = string(syncerr.CodeOf(err))
		outcome.ErrorMessage = err.Error()
		return outcome
	}
	if rec != nil {
		outcome.Status = OutcomeAccepted
		outcome.Record = rec
		c.settleConflicts(ctx, userID, rec)
		return outcome
	}

	return c.resolveOne(ctx, userID, deviceID, sub, conf)
}

// resolveOne applies the effective policy to a fresh conflict. Merge
// computations run on the worker pool; the outcome for this change waits on
// its merge while other changes in the batch proceed independently.
func (c *Coordinator) resolveOne(ctx context.Context, userID, deviceID string, sub *change.Submission, conf *conflict.Conflict) Outcome {
	outcome := Outcome{ClientOperationID: sub.ClientOperationID}

	policy := c.config.DefaultPolicy
	if sub.Policy != "" {
		p := conflict.Policy(sub.Policy)
		if !p.Valid() {
			outcome.Status = OutcomeRejected
			outcome.ErrorCode = string(syncerr.CodeValidation)
			outcome.ErrorMessage = fmt.Sprintf("unknown resolution policy %q", sub.Policy)
			return outcome
		}
		policy = p
	}

	var res *conflict.Resolution
	var err error
	if policy == conflict.PolicyMerge {
		res, err = c.merges.resolve(ctx, c.resolver, conf, policy)
	} else {
		res, err = c.resolver.Resolve(conf, policy)
	}
	if err != nil {
		outcome.Status = OutcomeRejected
		outcome.ErrorCode = string(syncerr.CodeValidation)
		outcome.ErrorMessage = err.Error()
		return outcome
	}

	if res.Apply {
		// The resolution terminates in a new change record on top of the
		// current version. The idempotency token is derived from the
		// client's so a retried resolution maps onto the same record.
		opID := sub.ClientOperationID + "/resolved"
		var rec *change.Record
		err := c.withRetry(ctx, "force-apply", func() error {
			var err error
			rec, err = c.recorder.ForceApply(ctx, userID, deviceID, conf.Key(), res.Operation, res.Payload, opID)
			return err
		})
		if err != nil {
			outcome.Status = OutcomeRejected
			outcome.ErrorCode = string(syncerr.CodeOf(err))
			outcome.ErrorMessage = err.Error()
			return outcome
		}
		outcome.Record = rec
	}

	if err := c.store.SaveConflict(ctx, res.Conflict); err != nil {
		c.config.Logger.Printf("Warning: failed to persist conflict %s: %v", res.Conflict.ID, err)
	}

	outcome.Status = OutcomeConflict
	outcome.Conflict = res.Conflict
	if outcome.Record != nil {
		outcome.Status = OutcomeAccepted
		c.settleConflicts(ctx, userID, outcome.Record)
	}
	return outcome
}

// settleConflicts marks older pending conflicts on the record's entity
// resolved: the accepted change is the user's (or a resolution's) final word
// on that entity, so prior manual conflicts no longer await a decision.
func (c *Coordinator) settleConflicts(ctx context.Context, userID string, rec *change.Record) {
	key := change.Key{UserID: userID, EntityType: rec.EntityType, EntityID: rec.EntityID}
	n, err := c.store.ResolveConflictsForEntity(ctx, key, conflict.WinnerClient)
	if err != nil {
		c.config.Logger.Printf("Warning: failed to settle pending conflicts for %s: %v", key, err)
		return
	}
	if n > 0 {
		c.config.Logger.Printf("Settled %d pending conflicts on %s via accepted v%d", n, key, rec.Version)
	}
}

// withRetry retries fn on transient errors with doubling backoff. Validation,
// permission, not-found and fatal errors pass through on the first attempt.
func (c *Coordinator) withRetry(ctx context.Context, what string, fn func() error) error {
	backoff := c.config.RetryBackoff
	var err error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		code := syncerr.CodeOf(err)
		if code != syncerr.CodeTransient && code != "" {
			return err
		}
		if attempt == c.config.RetryAttempts {
			break
		}
		c.config.Logger.Printf("Transient %s failure (attempt %d/%d): %v", what, attempt+1, c.config.RetryAttempts, err)
		select {
		case <-ctx.Done():
			return syncerr.Wrap(syncerr.CodeTransient, ctx.Err(), "%s cancelled", what)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if syncerr.CodeOf(err) == "" {
		err = syncerr.Wrap(syncerr.CodeTransient, err, "%s failed after %d attempts", what, c.config.RetryAttempts+1)
	}
	return err
}

// ForceFullResync rewinds a device cursor to zero. Used by the admin
// command and by clients recovering from fatal errors.
func (c *Coordinator) ForceFullResync(ctx context.Context, deviceID string) error {
	st, err := c.store.GetDeviceState(ctx, deviceID)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeTransient, err, "device state read failed")
	}
	if st == nil {
		return syncerr.New(syncerr.CodeNotFound, "unknown device %s", deviceID)
	}
	if err := c.store.ResetDeviceCursor(ctx, deviceID); err != nil {
		return syncerr.Wrap(syncerr.CodeTransient, err, "cursor reset failed")
	}
	c.config.Logger.Printf("Device %s cursor reset for full resync", deviceID)
	return nil
}

// StartRetentionLoop prunes the change log on the given interval until ctx
// is cancelled. Records younger than horizon are never pruned; a zero
// horizon disables pruning entirely.
func (c *Coordinator) StartRetentionLoop(ctx context.Context, interval, horizon time.Duration) {
	if horizon <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := c.store.PruneChangeLog(ctx, time.Now().Add(-horizon))
				if err != nil {
					c.config.Logger.Printf("Warning: change log pruning failed: %v", err)
					continue
				}
				if pruned > 0 {
					c.config.Logger.Printf("Pruned %d change records older than %s", pruned, horizon)
				}
			}
		}
	}()
}
