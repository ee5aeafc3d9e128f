// Package conflict implements conflict detection and resolution for
// multi-device sync.
//
// A conflict exists exactly when a pushed change's declared base version
// differs from the entity's current version cursor. Resolution follows a
// policy: server-wins discards the incoming change, client-wins force-applies
// it on top of the current version, merge combines both payloads with an
// entity-type-specific strategy, and manual leaves the conflict pending for
// the user to settle in a follow-up push.
package conflict

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/google/uuid"
)

// Policy names a conflict resolution strategy.
type Policy string

const (
	PolicyServerWins Policy = "server-wins"
	PolicyClientWins Policy = "client-wins"
	PolicyMerge      Policy = "merge"
	PolicyManual     Policy = "manual"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyServerWins, PolicyClientWins, PolicyMerge, PolicyManual:
		return true
	}
	return false
}

// Winner records which side's payload prevailed.
type Winner string

const (
	WinnerServer Winner = "server"
	WinnerClient Winner = "client"
	WinnerMerged Winner = "merged"
)

// Status is the lifecycle state of a conflict.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Conflict captures a version mismatch between a pushed change and the
// server's current state. Conflicts are data, not errors: they travel in
// the push response for the client to resolve.
type Conflict struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	EntityType change.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`

	// Server side: the version cursor and newest payload the server holds.
	ServerVersion int64           `json:"server_version"`
	ServerPayload json.RawMessage `json:"server_payload,omitempty"`
	ServerDeleted bool            `json:"server_deleted,omitempty"`

	// Client side: what the push declared and carried.
	ClientVersion int64            `json:"client_version"`
	ClientPayload json.RawMessage  `json:"client_payload,omitempty"`
	ClientOp      change.Operation `json:"client_op"`

	OriginDeviceID    string `json:"origin_device_id"`
	ClientOperationID string `json:"client_operation_id"`

	Status          Status          `json:"status"`
	Winning         Winner          `json:"winning,omitempty"`
	ResolvedPayload json.RawMessage `json:"resolved_payload,omitempty"`

	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Key returns the entity key the conflict concerns.
func (c *Conflict) Key() change.Key {
	return change.Key{UserID: c.UserID, EntityType: c.EntityType, EntityID: c.EntityID}
}

// Detected reports whether a version mismatch constitutes a conflict.
// Conflict iff the declared base version differs from the current cursor.
func Detected(expectedBaseVersion, currentVersion int64) bool {
	return expectedBaseVersion != currentVersion
}

// New builds a pending conflict for a push whose base version missed.
func New(userID string, sub *change.Submission, deviceID string, serverVersion int64, serverPayload json.RawMessage, serverDeleted bool) *Conflict {
	return &Conflict{
		ID:                uuid.NewString(),
		UserID:            userID,
		EntityType:        sub.EntityType,
		EntityID:          sub.EntityID,
		ServerVersion:     serverVersion,
		ServerPayload:     serverPayload,
		ServerDeleted:     serverDeleted,
		ClientVersion:     sub.BaseVersion,
		ClientPayload:     sub.Payload,
		ClientOp:          sub.Operation,
		OriginDeviceID:    deviceID,
		ClientOperationID: sub.ClientOperationID,
		Status:            StatusPending,
		DetectedAt:        time.Now().UTC(),
	}
}

// Resolution is the outcome of resolving a conflict.
//
// When Apply is true the winning payload must be force-applied on top of the
// current version, yielding a new change record. When Pending is true the
// conflict remains unresolved and is returned to the client.
type Resolution struct {
	Conflict *Conflict
	Winner   Winner

	// Payload to force-apply (client or merged). Nil unless Apply is set.
	Payload json.RawMessage

	// Operation for the forced record. Usually update; delete when the
	// client's tombstone wins.
	Operation change.Operation

	Apply   bool
	Pending bool
}

// Resolver applies resolution policies using an entity-type-keyed merge
// strategy table.
type Resolver struct {
	merges map[change.EntityType]MergeFunc
	logger *log.Logger
}

// NewResolver creates a Resolver with the default merge strategy table.
// If logger is nil, a default logger writing to stderr is used.
func NewResolver(logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{
		merges: defaultMergeFuncs(),
		logger: logger,
	}
}

// RegisterMerge replaces the merge strategy for an entity type.
func (r *Resolver) RegisterMerge(et change.EntityType, fn MergeFunc) {
	r.merges[et] = fn
}

// Resolve applies the given policy to a pending conflict.
//
// The tombstone rule runs first and is symmetric: a delete on either side
// against an update on the other wins regardless of policy, unless the
// policy explicitly names the updating side (client-wins against a server
// delete, server-wins against a client delete).
func (r *Resolver) Resolve(c *Conflict, policy Policy) (*Resolution, error) {
	if c.Status == StatusResolved {
		return nil, fmt.Errorf("conflict %s is already resolved", c.ID)
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown resolution policy %q", policy)
	}

	if c.ServerDeleted && c.ClientOp == change.OpUpdate && policy != PolicyClientWins {
		r.logger.Printf("Tombstone wins for %s: update at base %d against deleted v%d",
			c.Key(), c.ClientVersion, c.ServerVersion)
		return r.serverWins(c), nil
	}

	if !c.ServerDeleted && c.ClientOp == change.OpDelete && policy != PolicyServerWins {
		c.markResolved(WinnerClient, nil)
		r.logger.Printf("Tombstone wins for %s: delete at base %d against server v%d",
			c.Key(), c.ClientVersion, c.ServerVersion)
		return &Resolution{
			Conflict:  c,
			Winner:    WinnerClient,
			Operation: change.OpDelete,
			Apply:     true,
		}, nil
	}

	switch policy {
	case PolicyServerWins:
		return r.serverWins(c), nil

	case PolicyClientWins:
		c.markResolved(WinnerClient, c.ClientPayload)
		r.logger.Printf("Client wins for %s: forcing %s on top of v%d",
			c.Key(), c.ClientOp, c.ServerVersion)
		return &Resolution{
			Conflict:  c,
			Winner:    WinnerClient,
			Payload:   c.ClientPayload,
			Operation: c.ClientOp,
			Apply:     true,
		}, nil

	case PolicyMerge:
		fn, ok := r.merges[c.EntityType]
		if !ok {
			return nil, fmt.Errorf("no merge strategy registered for entity type %q", c.EntityType)
		}
		merged, err := fn(c.ServerPayload, c.ClientPayload)
		if err != nil {
			return nil, fmt.Errorf("merge failed for %s: %w", c.Key(), err)
		}
		c.markResolved(WinnerMerged, merged)
		r.logger.Printf("Merged %s: server v%d + client base %d", c.Key(), c.ServerVersion, c.ClientVersion)
		return &Resolution{
			Conflict:  c,
			Winner:    WinnerMerged,
			Payload:   merged,
			Operation: change.OpUpdate,
			Apply:     true,
		}, nil

	case PolicyManual:
		return &Resolution{Conflict: c, Pending: true}, nil
	}

	return nil, fmt.Errorf("unhandled policy %q", policy)
}

func (r *Resolver) serverWins(c *Conflict) *Resolution {
	c.markResolved(WinnerServer, nil)
	return &Resolution{Conflict: c, Winner: WinnerServer}
}

func (c *Conflict) markResolved(w Winner, payload json.RawMessage) {
	now := time.Now().UTC()
	c.Status = StatusResolved
	c.Winning = w
	c.ResolvedPayload = payload
	c.ResolvedAt = &now
}
