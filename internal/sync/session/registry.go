// Package session tracks which devices are currently connected and what
// each device has already seen.
//
// The registry keeps the in-memory session set (one entry per connected
// device) and persists each device's sync cursor through the store, so a
// device that drops off resumes from where it left. Sessions move through a
// small state machine:
//
//	Disconnected → Connecting → Authenticated → Idle ⇄ Syncing → Disconnected
//
// Any pull or push puts the session into Syncing; it returns to Idle once no
// pending changes remain. Socket loss disconnects the session but preserves
// the cursor for resumable sync.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/store"
)

// Status is the connection state of a device session.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusAuthenticated Status = "authenticated"
	StatusIdle          Status = "idle"
	StatusSyncing       Status = "syncing"
)

// transitions lists the legal state machine edges.
var transitions = map[Status][]Status{
	StatusDisconnected:  {StatusConnecting},
	StatusConnecting:    {StatusAuthenticated, StatusDisconnected},
	StatusAuthenticated: {StatusIdle, StatusDisconnected},
	StatusIdle:          {StatusSyncing, StatusDisconnected},
	StatusSyncing:       {StatusIdle, StatusDisconnected},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one connected device.
type Session struct {
	DeviceID string
	UserID   string

	mu            sync.Mutex
	status        Status
	lastHeartbeat time.Time

	// events carries change records fanned out by the broadcaster toward
	// this device. Closed exactly once, on disconnect.
	events chan *change.Record
	closed bool
}

// Status returns the session's current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pending returns the number of fanned-out change records this device has
// not consumed yet.
func (s *Session) Pending() int {
	return len(s.events)
}

// Events is the receive side of the session's fan-out queue. It is closed
// when the session disconnects.
func (s *Session) Events() <-chan *change.Record {
	return s.events
}

// Enqueue offers a change record to the session without blocking. Returns
// false if the session is gone or its queue is full; the caller treats that
// as a dropped delivery (clients recover via pull, delivery is
// at-least-once, not guaranteed).
func (s *Session) Enqueue(rec *change.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- rec:
		return true
	default:
		return false
	}
}

func (s *Session) transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == to {
		return nil
	}
	if !canTransition(s.status, to) {
		return fmt.Errorf("illegal session transition %s → %s for device %s", s.status, to, s.DeviceID)
	}
	s.status = to
	return nil
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.status = StatusDisconnected
}

// Config holds registry configuration.
type Config struct {
	// HeartbeatTimeout disconnects sessions that miss heartbeats this long.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often stale sessions are checked for.
	SweepInterval time.Duration

	// QueueSize is the per-session fan-out buffer.
	QueueSize int

	// Logger for registry activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    15 * time.Second,
		QueueSize:        256,
		Logger:           log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// Registry tracks connected device sessions and their persisted sync state.
type Registry struct {
	store  *store.Store
	config *Config

	mu       sync.RWMutex
	sessions map[string]*Session            // by device ID
	byUser   map[string]map[string]*Session // user ID → device ID → session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry backed by the given store.
func NewRegistry(st *store.Store, config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    st,
		config:   config,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the heartbeat sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop disconnects every session and stops the sweeper.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	devices := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		devices = append(devices, id)
	}
	r.mu.Unlock()

	for _, id := range devices {
		r.Disconnect(id)
	}
}

// Register creates a session for a connecting device and persists its
// device record. An existing session for the same device is replaced (the
// old socket is considered dead).
func (r *Registry) Register(ctx context.Context, deviceID, userID string) (*Session, error) {
	if deviceID == "" || userID == "" {
		return nil, fmt.Errorf("device id and user id are required")
	}
	if err := r.store.UpsertDevice(ctx, deviceID, userID); err != nil {
		return nil, fmt.Errorf("failed to persist device registration: %w", err)
	}

	sess := &Session{
		DeviceID:      deviceID,
		UserID:        userID,
		status:        StatusConnecting,
		lastHeartbeat: time.Now(),
		events:        make(chan *change.Record, r.config.QueueSize),
	}

	r.mu.Lock()
	if old, ok := r.sessions[deviceID]; ok {
		old.close()
		r.removeLocked(old)
	}
	r.sessions[deviceID] = sess
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Session)
	}
	r.byUser[userID][deviceID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.config.Logger.Printf("Device %s connected for user %s (total sessions: %d)", deviceID, userID, count)
	return sess, nil
}

// Authenticate moves a connecting session to Idle, ready to sync.
func (r *Registry) Authenticate(deviceID string) error {
	sess := r.get(deviceID)
	if sess == nil {
		return fmt.Errorf("no session for device %s", deviceID)
	}
	if err := sess.transition(StatusAuthenticated); err != nil {
		return err
	}
	return sess.transition(StatusIdle)
}

// BeginSync marks the session as actively syncing. Pulls and pushes call
// this on entry; an unknown device is fine (HTTP-only clients sync without
// holding a websocket session).
func (r *Registry) BeginSync(deviceID string) {
	if sess := r.get(deviceID); sess != nil {
		if err := sess.transition(StatusSyncing); err != nil {
			r.config.Logger.Printf("Warning: %v", err)
		}
	}
}

// EndSync returns the session to Idle once its sync call finishes and no
// pending broadcast deliveries remain; with deliveries still queued it
// stays Syncing.
func (r *Registry) EndSync(deviceID string) {
	sess := r.get(deviceID)
	if sess == nil {
		return
	}
	if sess.Pending() > 0 {
		return
	}
	if err := sess.transition(StatusIdle); err != nil {
		r.config.Logger.Printf("Warning: %v", err)
	}
}

// Heartbeat records liveness for a device session.
func (r *Registry) Heartbeat(deviceID string) {
	if sess := r.get(deviceID); sess != nil {
		sess.mu.Lock()
		sess.lastHeartbeat = time.Now()
		sess.mu.Unlock()
	}
}

// Disconnect removes a device session, closing its fan-out queue. The
// persisted cursor is untouched so the device resumes where it left off.
func (r *Registry) Disconnect(deviceID string) {
	r.mu.Lock()
	sess, ok := r.sessions[deviceID]
	if ok {
		r.removeLocked(sess)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		sess.close()
		r.config.Logger.Printf("Device %s disconnected (total sessions: %d)", deviceID, count)
	}
}

// removeLocked drops the session from both indexes. Caller holds r.mu.
func (r *Registry) removeLocked(sess *Session) {
	delete(r.sessions, sess.DeviceID)
	if userSessions, ok := r.byUser[sess.UserID]; ok {
		delete(userSessions, sess.DeviceID)
		if len(userSessions) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
}

// ActiveSessionsFor returns the user's connected sessions, excluding the
// named device. Used by the broadcaster to fan out accepted changes.
func (r *Registry) ActiveSessionsFor(userID, excludingDeviceID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	out := make([]*Session, 0, len(userSessions))
	for deviceID, sess := range userSessions {
		if deviceID == excludingDeviceID {
			continue
		}
		switch sess.Status() {
		case StatusIdle, StatusSyncing:
			out = append(out, sess)
		}
	}
	return out
}

// Get returns the session for a device, or nil if not connected.
func (r *Registry) Get(deviceID string) *Session {
	return r.get(deviceID)
}

// Owns reports whether the device is known to belong to the user, checking
// the live session first and falling back to the persisted device record.
func (r *Registry) Owns(ctx context.Context, userID, deviceID string) (bool, error) {
	if sess := r.get(deviceID); sess != nil {
		return sess.UserID == userID, nil
	}
	st, err := r.store.GetDeviceState(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if st == nil {
		// Unknown devices are implicitly registered on first sync; device
		// registration proper is the identity layer's business.
		return true, nil
	}
	return st.UserID == userID, nil
}

func (r *Registry) get(deviceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[deviceID]
}

// sweepLoop periodically disconnects sessions that missed heartbeats.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) sweepStale() {
	cutoff := time.Now().Add(-r.config.HeartbeatTimeout)

	r.mu.RLock()
	var stale []string
	for deviceID, sess := range r.sessions {
		sess.mu.Lock()
		last := sess.lastHeartbeat
		sess.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, deviceID)
		}
	}
	r.mu.RUnlock()

	for _, deviceID := range stale {
		r.config.Logger.Printf("Device %s missed heartbeats, disconnecting", deviceID)
		r.Disconnect(deviceID)
	}
}
