// Package broadcast fans accepted change records out to a user's other
// connected devices in real time.
//
// Publishing is fire-and-forget: the push path hands records to an internal
// channel and returns immediately, so broadcasting never blocks the
// acknowledgment of the originating push. Delivery is at-least-once;
// receiving clients apply a record only if its version is newer than what
// they hold, so duplicates are harmless.
package broadcast

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/session"
)

// Event is the wire shape of an unsolicited server→client notification.
type Event struct {
	Type       string            `json:"type"`
	EntityType change.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Operation  change.Operation  `json:"operation"`
	Version    int64             `json:"version"`
	Payload    any               `json:"payload,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// EventEntityChanged is the only event type currently emitted.
const EventEntityChanged = "entity_changed"

// EventFromRecord builds the entity_changed event for a change record.
func EventFromRecord(rec *change.Record) Event {
	ev := Event{
		Type:       EventEntityChanged,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Operation:  rec.Operation,
		Version:    rec.Version,
		Timestamp:  rec.ServerTimestamp,
	}
	if len(rec.Payload) > 0 {
		ev.Payload = rec.Payload
	}
	return ev
}

type publishRequest struct {
	userID          string
	excludeDeviceID string
	records         []*change.Record
}

// Hub routes accepted change records to the active sessions of their user.
type Hub struct {
	registry *session.Registry
	logger   *log.Logger

	publish chan publishRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a Hub over the given session registry. If logger is nil, a
// default logger writing to stderr is used.
func NewHub(registry *session.Registry, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry: registry,
		logger:   logger,
		publish:  make(chan publishRequest, 128),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the fan-out loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.fanOutLoop()
}

// Stop shuts the fan-out loop down.
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Publish hands accepted records to the fan-out loop without blocking the
// caller. If the internal channel is saturated the batch is dropped with a
// warning; affected devices converge on their next pull.
func (h *Hub) Publish(userID string, records []*change.Record, excludeDeviceID string) {
	if len(records) == 0 {
		return
	}
	req := publishRequest{userID: userID, excludeDeviceID: excludeDeviceID, records: records}
	select {
	case h.publish <- req:
	case <-h.ctx.Done():
	default:
		h.logger.Printf("Warning: broadcast channel full, dropping %d records for user %s", len(records), userID)
	}
}

func (h *Hub) fanOutLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case req := <-h.publish:
			sessions := h.registry.ActiveSessionsFor(req.userID, req.excludeDeviceID)
			if len(sessions) == 0 {
				continue
			}
			for _, sess := range sessions {
				delivered := 0
				for _, rec := range req.records {
					if sess.Enqueue(rec) {
						delivered++
					}
				}
				if delivered < len(req.records) {
					h.logger.Printf("Warning: dropped %d of %d records for device %s (queue full)",
						len(req.records)-delivered, len(req.records), sess.DeviceID)
				}
			}
		}
	}
}
