package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/clipstack/clipstack/internal/sync/session"
	"github.com/coder/websocket"
)

// writeTimeout bounds a single websocket write; a client that cannot drain
// one event within this window is dropped.
const writeTimeout = 5 * time.Second

// WSHandler upgrades HTTP connections to WebSocket and streams
// entity_changed events to the connected device.
//
// The identity layer in front of the sync service authenticates the request
// and supplies the user and device identity in the X-User-ID and
// X-Device-ID headers; any client messages received on the socket count as
// heartbeats.
type WSHandler struct {
	registry *session.Registry
	logger   *log.Logger
}

// NewWSHandler creates the websocket handler. If logger is nil, a default
// logger writing to stderr is used.
func NewWSHandler(registry *session.Registry, logger *log.Logger) *WSHandler {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	return &WSHandler{registry: registry, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	deviceID := r.Header.Get("X-Device-ID")
	if userID == "" || deviceID == "" {
		http.Error(w, "missing identity headers", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed for device %s: %v", deviceID, err)
		return
	}

	sess, err := h.registry.Register(r.Context(), deviceID, userID)
	if err != nil {
		h.logger.Printf("Session registration failed for device %s: %v", deviceID, err)
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	if err := h.registry.Authenticate(deviceID); err != nil {
		h.logger.Printf("Session authentication failed for device %s: %v", deviceID, err)
		h.registry.Disconnect(deviceID)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readLoop(ctx, cancel, conn, deviceID)
	h.writeLoop(ctx, conn, sess)

	h.registry.Disconnect(deviceID)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// writeLoop streams fanned-out change records to the device until the
// session or the connection goes away.
func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sess.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(EventFromRecord(rec))
			if err != nil {
				h.logger.Printf("Failed to marshal event for device %s: %v", sess.DeviceID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Printf("Write to device %s failed: %v", sess.DeviceID, err)
				return
			}
			h.registry.EndSync(sess.DeviceID)
		}
	}
}

// readLoop consumes client messages as heartbeats and cancels the session
// on socket loss.
func (h *WSHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, deviceID string) {
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return
		}
		h.registry.Heartbeat(deviceID)
	}
}
