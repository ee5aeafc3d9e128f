package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/session"
	"github.com/clipstack/clipstack/internal/sync/store"
)

func newTestHub(t *testing.T) (*Hub, *session.Registry) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	reg := session.NewRegistry(s, &session.Config{
		HeartbeatTimeout: time.Minute,
		SweepInterval:    time.Hour,
		QueueSize:        8,
	})

	hub := NewHub(reg, nil)
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub, reg
}

func connect(t *testing.T, reg *session.Registry, deviceID, userID string) *session.Session {
	t.Helper()
	sess, err := reg.Register(context.Background(), deviceID, userID)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Authenticate(deviceID); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	return sess
}

// receive waits for one record on the session's queue.
func receive(t *testing.T, sess *session.Session) *change.Record {
	t.Helper()
	select {
	case rec := <-sess.Events():
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("device %s received nothing", sess.DeviceID)
		return nil
	}
}

// expectSilence asserts nothing arrives on the session's queue.
func expectSilence(t *testing.T, sess *session.Session) {
	t.Helper()
	select {
	case rec := <-sess.Events():
		t.Fatalf("device %s unexpectedly received %+v", sess.DeviceID, rec)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishFansOutToOtherDevices(t *testing.T) {
	hub, reg := newTestHub(t)

	origin := connect(t, reg, "dev-a", "u1")
	other := connect(t, reg, "dev-b", "u1")
	stranger := connect(t, reg, "dev-c", "u2")

	rec := &change.Record{
		ID:         "r1",
		UserID:     "u1",
		EntityType: change.EntityClip,
		EntityID:   "c1",
		Operation:  change.OpCreate,
		Version:    1,
	}
	hub.Publish("u1", []*change.Record{rec}, "dev-a")

	got := receive(t, other)
	if got.ID != "r1" {
		t.Errorf("received record %s, want r1", got.ID)
	}

	// The originating device and other users never hear about it.
	expectSilence(t, origin)
	expectSilence(t, stranger)
}

func TestPublishEmptyBatchIsIgnored(t *testing.T) {
	hub, reg := newTestHub(t)
	other := connect(t, reg, "dev-b", "u1")

	hub.Publish("u1", nil, "dev-a")
	expectSilence(t, other)
}

func TestPublishWithNoSessions(t *testing.T) {
	hub, _ := newTestHub(t)
	// Nothing connected: publish must not block or panic.
	hub.Publish("u1", []*change.Record{{ID: "r1", UserID: "u1"}}, "dev-a")
}

func TestEventFromRecord(t *testing.T) {
	now := time.Now().UTC()
	rec := &change.Record{
		EntityType:      change.EntityFolder,
		EntityID:        "f1",
		Operation:       change.OpUpdate,
		Version:         4,
		Payload:         json.RawMessage(`{"name":"inbox"}`),
		ServerTimestamp: now,
	}

	ev := EventFromRecord(rec)
	if ev.Type != EventEntityChanged {
		t.Errorf("Type = %s, want %s", ev.Type, EventEntityChanged)
	}
	if ev.EntityType != change.EntityFolder || ev.EntityID != "f1" || ev.Version != 4 {
		t.Errorf("event = %+v", ev)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	payload, ok := wire["payload"].(map[string]any)
	if !ok || payload["name"] != "inbox" {
		t.Errorf("wire payload = %v, want embedded object", wire["payload"])
	}
}

func TestEventFromTombstoneHasNoPayload(t *testing.T) {
	ev := EventFromRecord(&change.Record{Operation: change.OpDelete})
	if ev.Payload != nil {
		t.Errorf("tombstone event payload = %v, want nil", ev.Payload)
	}
}
