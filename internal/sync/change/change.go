// Package change defines the data model for the multi-device sync protocol.
//
// A Record is the immutable unit of the append-only change log: one accepted
// mutation to one entity, stamped with a per-entity version and a global
// server sequence number. Clients submit Submission values; the server turns
// accepted submissions into Records.
package change

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies which kind of entity a change applies to.
type EntityType string

const (
	EntityClip     EntityType = "clip"
	EntityFolder   EntityType = "folder"
	EntityTag      EntityType = "tag"
	EntitySet      EntityType = "set"
	EntityTemplate EntityType = "template"
)

// EntityTypes lists every valid entity type, in wire order.
var EntityTypes = []EntityType{EntityClip, EntityFolder, EntityTag, EntitySet, EntityTemplate}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityClip, EntityFolder, EntityTag, EntitySet, EntityTemplate:
		return true
	}
	return false
}

// Operation is the kind of mutation a change carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record represents one accepted mutation in the change log.
//
// Records are append-only: once persisted they are never mutated or
// reordered. Version is strictly increasing per (UserID, EntityType,
// EntityID) with no gaps. Seq is the global server sequence number used as
// the pull cursor; it orders records across entities by acceptance time.
type Record struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	UserID     string     `json:"user_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Operation  Operation  `json:"operation"`
	Version    int64      `json:"version"`

	// OriginDeviceID is the device that submitted the change.
	OriginDeviceID string `json:"origin_device_id"`

	// ClientOperationID is the client-generated idempotency token. The pair
	// (OriginDeviceID, ClientOperationID) is unique across the change log,
	// making retried pushes safe.
	ClientOperationID string `json:"client_operation_id"`

	// Payload is the entity snapshot after the mutation. Empty for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	ServerTimestamp time.Time `json:"server_timestamp"`
}

// IsTombstone reports whether the record marks the entity as removed.
func (r *Record) IsTombstone() bool {
	return r.Operation == OpDelete
}

// Key returns the entity key this record belongs to.
func (r *Record) Key() Key {
	return Key{UserID: r.UserID, EntityType: r.EntityType, EntityID: r.EntityID}
}

// Key identifies one synced entity. Version cursors and CAS increments are
// scoped to a single Key, so unrelated entities never contend.
type Key struct {
	UserID     string
	EntityType EntityType
	EntityID   string
}

// String renders the key for log output.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.UserID, k.EntityType, k.EntityID)
}

// Submission is one client-submitted change inside a push request.
//
// BaseVersion is the entity version the client last observed; a mismatch
// with the server's current version is what defines a conflict. Creates
// carry BaseVersion 0.
type Submission struct {
	EntityType        EntityType      `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	Operation         Operation       `json:"operation"`
	BaseVersion       int64           `json:"base_version"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ClientOperationID string          `json:"client_operation_id"`

	// Policy optionally overrides the server's default conflict resolution
	// policy for this change. Empty means use the default.
	Policy string `json:"policy,omitempty"`
}

// Validate checks the submission for structural problems that make it
// unrecordable. It does not consult server state; version mismatches are
// conflicts, not validation errors.
func (s *Submission) Validate() error {
	if !s.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", s.EntityType)
	}
	if s.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !s.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", s.Operation)
	}
	if s.ClientOperationID == "" {
		return fmt.Errorf("client operation id is required")
	}
	if s.BaseVersion < 0 {
		return fmt.Errorf("base version must not be negative (got %d)", s.BaseVersion)
	}
	if s.Operation == OpCreate && s.BaseVersion != 0 {
		return fmt.Errorf("create must carry base version 0 (got %d)", s.BaseVersion)
	}
	if s.Operation != OpDelete && len(s.Payload) == 0 {
		return fmt.Errorf("%s requires a payload", s.Operation)
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Key returns the entity key the submission targets for the given user.
func (s *Submission) Key(userID string) Key {
	return Key{UserID: userID, EntityType: s.EntityType, EntityID: s.EntityID}
}
