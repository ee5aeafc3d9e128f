// Package api exposes the sync protocol over HTTP.
//
// Identity arrives in the X-User-ID and X-Device-ID headers; authentication
// itself happens upstream (reverse proxy or gateway), this layer only
// enforces that identity is present and that devices act on their own
// user's data.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/clipstack/clipstack/internal/sync/coordinator"
	"github.com/clipstack/clipstack/internal/sync/session"
	"github.com/clipstack/clipstack/internal/sync/store"
	"github.com/clipstack/clipstack/internal/sync/syncerr"
)

// Server routes sync HTTP traffic to the coordinator.
type Server struct {
	coord    *coordinator.Coordinator
	store    *store.Store
	registry *session.Registry
	ws       http.Handler
	logger   *log.Logger
	mux      *http.ServeMux
}

// NewServer builds the HTTP server. ws may be nil when the realtime
// endpoint is disabled.
func NewServer(coord *coordinator.Coordinator, st *store.Store, reg *session.Registry, ws http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	s := &Server{
		coord:    coord,
		store:    st,
		registry: reg,
		ws:       ws,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /sync/push", s.handlePush)
	s.mux.HandleFunc("GET /sync/pull", s.handlePull)
	s.mux.HandleFunc("GET /sync/status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.ws != nil {
		s.mux.Handle("/sync/ws", s.ws)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// identity pulls the caller's user and device IDs from headers.
func identity(r *http.Request) (userID, deviceID string, ok bool) {
	userID = r.Header.Get("X-User-ID")
	deviceID = r.Header.Get("X-Device-ID")
	return userID, deviceID, userID != "" && deviceID != ""
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "VALIDATION", "X-User-ID and X-Device-ID headers are required")
		return
	}

	var req coordinator.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid request body: "+err.Error())
		return
	}
	req.DeviceID = deviceID

	resp, err := s.coord.Push(r.Context(), userID, req)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "VALIDATION", "X-User-ID and X-Device-ID headers are required")
		return
	}

	req := coordinator.PullRequest{DeviceID: deviceID}
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "since must be a non-negative integer")
			return
		}
		req.SinceCursor = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a non-negative integer")
			return
		}
		req.Limit = limit
	}
	if v := q.Get("entity_types"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			req.EntityTypes = append(req.EntityTypes, change.EntityType(strings.TrimSpace(raw)))
		}
	}

	resp, err := s.coord.Pull(r.Context(), userID, req)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusResponse reports a device's sync standing.
type statusResponse struct {
	DeviceID         string     `json:"device_id"`
	SessionStatus    string     `json:"session_status"`
	SyncCursor       int64      `json:"sync_cursor"`
	ServerCursor     int64      `json:"server_cursor"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	NeedsFullResync  bool       `json:"needs_full_resync"`
	PendingConflicts int        `json:"pending_conflicts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "VALIDATION", "X-User-ID and X-Device-ID headers are required")
		return
	}

	resp := statusResponse{DeviceID: deviceID, SessionStatus: string(session.StatusDisconnected)}
	if sess := s.registry.Get(deviceID); sess != nil {
		resp.SessionStatus = string(sess.Status())
	}

	st, err := s.store.GetDeviceState(r.Context(), deviceID)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	if st != nil {
		if st.UserID != userID {
			writeError(w, http.StatusForbidden, "PERMISSION", "device belongs to another user")
			return
		}
		resp.SyncCursor = st.LastSeq
		resp.LastSyncAt = st.LastSyncAt
		resp.NeedsFullResync = st.NeedsFullResync
	}

	serverCursor, err := s.store.MaxSeq(r.Context(), userID)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	resp.ServerCursor = serverCursor

	pending, err := s.store.PendingConflictCount(r.Context(), userID)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	resp.PendingConflicts = pending

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeSyncError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	code := syncerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case syncerr.CodeValidation:
		status = http.StatusBadRequest
	case syncerr.CodeNotFound:
		status = http.StatusNotFound
	case syncerr.CodePermission:
		status = http.StatusForbidden
	case syncerr.CodeTransient:
		status = http.StatusServiceUnavailable
	case syncerr.CodeFatal:
		status = http.StatusInternalServerError
	}
	var se *syncerr.Error
	msg := err.Error()
	if errors.As(err, &se) {
		msg = se.Message
	}
	if status >= 500 {
		s.logger.Printf("Request failed: %v", err)
	}
	writeError(w, status, string(code), msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already out on encode failure; nothing useful left to do.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
