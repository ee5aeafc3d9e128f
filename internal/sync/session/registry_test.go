package session

import (
	"context"
	"testing"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	reg := NewRegistry(s, &Config{
		HeartbeatTimeout: time.Minute,
		SweepInterval:    time.Hour, // sweeps run manually in tests
		QueueSize:        4,
	})
	return reg, s
}

func register(t *testing.T, reg *Registry, deviceID, userID string) *Session {
	t.Helper()
	sess, err := reg.Register(context.Background(), deviceID, userID)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess := register(t, reg, "dev-a", "u1")
	if sess.Status() != StatusConnecting {
		t.Errorf("status after register = %s, want connecting", sess.Status())
	}

	if err := reg.Authenticate("dev-a"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if sess.Status() != StatusIdle {
		t.Errorf("status after authenticate = %s, want idle", sess.Status())
	}

	reg.BeginSync("dev-a")
	if sess.Status() != StatusSyncing {
		t.Errorf("status during sync = %s, want syncing", sess.Status())
	}

	reg.EndSync("dev-a")
	if sess.Status() != StatusIdle {
		t.Errorf("status after sync = %s, want idle", sess.Status())
	}

	reg.Disconnect("dev-a")
	if sess.Status() != StatusDisconnected {
		t.Errorf("status after disconnect = %s, want disconnected", sess.Status())
	}
	if reg.Get("dev-a") != nil {
		t.Error("disconnected session should be removed from the registry")
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		legal    bool
	}{
		{StatusDisconnected, StatusConnecting, true},
		{StatusConnecting, StatusAuthenticated, true},
		{StatusAuthenticated, StatusIdle, true},
		{StatusIdle, StatusSyncing, true},
		{StatusSyncing, StatusIdle, true},
		{StatusIdle, StatusDisconnected, true},
		{StatusDisconnected, StatusIdle, false},
		{StatusConnecting, StatusSyncing, false},
		{StatusSyncing, StatusAuthenticated, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.legal {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.legal)
		}
	}
}

func TestRegisterReplacesExistingSession(t *testing.T) {
	reg, _ := newTestRegistry(t)

	old := register(t, reg, "dev-a", "u1")
	fresh := register(t, reg, "dev-a", "u1")

	if old.Status() != StatusDisconnected {
		t.Error("replaced session should be disconnected")
	}
	if reg.Get("dev-a") != fresh {
		t.Error("registry should hold the fresh session")
	}
	// The old queue is closed so any blocked reader unblocks.
	if _, ok := <-old.Events(); ok {
		t.Error("old session's events channel should be closed")
	}
}

func TestEndSyncStaysSyncingWithPendingEvents(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess := register(t, reg, "dev-a", "u1")
	if err := reg.Authenticate("dev-a"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	reg.BeginSync("dev-a")

	if !sess.Enqueue(&change.Record{ID: "r1"}) {
		t.Fatal("Enqueue failed on empty queue")
	}

	reg.EndSync("dev-a")
	if sess.Status() != StatusSyncing {
		t.Errorf("status = %s with pending events, want syncing", sess.Status())
	}

	<-sess.Events()
	reg.EndSync("dev-a")
	if sess.Status() != StatusIdle {
		t.Errorf("status = %s after draining, want idle", sess.Status())
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sess := register(t, reg, "dev-a", "u1")

	for i := 0; i < 4; i++ {
		if !sess.Enqueue(&change.Record{}) {
			t.Fatalf("Enqueue %d failed below capacity", i)
		}
	}
	if sess.Enqueue(&change.Record{}) {
		t.Error("Enqueue should drop once the queue is full")
	}

	reg.Disconnect("dev-a")
	if sess.Enqueue(&change.Record{}) {
		t.Error("Enqueue on a closed session should report false")
	}
}

func TestActiveSessionsFor(t *testing.T) {
	reg, _ := newTestRegistry(t)

	register(t, reg, "dev-a", "u1")
	register(t, reg, "dev-b", "u1")
	register(t, reg, "dev-c", "u2")

	for _, dev := range []string{"dev-a", "dev-b", "dev-c"} {
		if err := reg.Authenticate(dev); err != nil {
			t.Fatalf("Authenticate %s failed: %v", dev, err)
		}
	}

	// dev-d is connected but not yet authenticated: not active.
	register(t, reg, "dev-d", "u1")

	active := reg.ActiveSessionsFor("u1", "dev-a")
	if len(active) != 1 || active[0].DeviceID != "dev-b" {
		ids := make([]string, len(active))
		for i, s := range active {
			ids[i] = s.DeviceID
		}
		t.Errorf("active sessions = %v, want [dev-b]", ids)
	}
}

func TestOwns(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	register(t, reg, "dev-a", "u1")

	tests := []struct {
		name     string
		userID   string
		deviceID string
		want     bool
	}{
		{name: "live session, right user", userID: "u1", deviceID: "dev-a", want: true},
		{name: "live session, wrong user", userID: "u2", deviceID: "dev-a", want: false},
		{name: "unknown device is implicitly owned", userID: "u1", deviceID: "dev-new", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Owns(ctx, tt.userID, tt.deviceID)
			if err != nil {
				t.Fatalf("Owns failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Owns = %v, want %v", got, tt.want)
			}
		})
	}

	// After a disconnect the persisted record still answers ownership.
	reg.Disconnect("dev-a")
	got, err := reg.Owns(ctx, "u2", "dev-a")
	if err != nil {
		t.Fatalf("Owns failed: %v", err)
	}
	if got {
		t.Error("persisted device record should deny the wrong user")
	}
}

func TestSweepStale(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess := register(t, reg, "dev-a", "u1")
	sess.mu.Lock()
	sess.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	sess.mu.Unlock()

	fresh := register(t, reg, "dev-b", "u1")

	reg.sweepStale()

	if reg.Get("dev-a") != nil {
		t.Error("stale session should be swept")
	}
	if reg.Get("dev-b") != fresh {
		t.Error("fresh session should survive the sweep")
	}
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess := register(t, reg, "dev-a", "u1")
	sess.mu.Lock()
	sess.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	sess.mu.Unlock()

	reg.Heartbeat("dev-a")
	reg.sweepStale()

	if reg.Get("dev-a") == nil {
		t.Error("heartbeat should keep the session alive")
	}
}
