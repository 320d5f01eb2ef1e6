// Package admin serves the layoutd administration API: health, the task
// list, abort and removal of tasks, and a WebSocket endpoint that speaks the
// same session protocol as the TCP listener.
package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/net/websocket"

	"github.com/dreamware/layoutd/internal/coordinator"
	"github.com/dreamware/layoutd/internal/storage"
)

// Tasks is the part of the coordinator the API controls.
type Tasks interface {
	Tasks() []coordinator.TaskStatus
	Pending() (waiting, activeReadOnly int)
	Abort(id uuid.UUID) bool
	Remove(id uuid.UUID) bool
}

// Sessions serves the session protocol over an established connection.
type Sessions interface {
	ServeConn(ctx context.Context, conn io.ReadWriteCloser, remote string) error
	Sessions() []string
}

// Health is the body of GET /health.
type Health struct {
	Status         string              `json:"status"`
	Sessions       int                 `json:"sessions"`
	Waiting        int                 `json:"waiting"`
	ActiveReadOnly int                 `json:"active_read_only"`
	Storage        *storage.StoreStats `json:"storage,omitempty"`
}

// TaskList is the body of GET /tasks.
type TaskList struct {
	Tasks []coordinator.TaskStatus `json:"tasks"`
}

// Server holds the dependencies of the admin handlers.
type Server struct {
	tasks    Tasks
	sessions Sessions
	store    storage.Store
	logger   *slog.Logger
}

// NewServer creates the admin API. sessions and store may be nil.
func NewServer(tasks Tasks, sessions Sessions, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{tasks: tasks, sessions: sessions, store: store, logger: logger}
}

// Router returns the HTTP handler with every route installed.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, req)
			s.logger.Debug("handled", "method", req.Method, "url", req.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	// Path before Methods, so a wrong method on a known path answers 405.
	r.Path("/health").Methods(http.MethodGet).HandlerFunc(s.handleHealth)
	r.Path("/tasks").Methods(http.MethodGet).HandlerFunc(s.handleTasks)
	r.Path("/tasks/{id}/abort").Methods(http.MethodPost).HandlerFunc(s.handleAbort)
	r.Path("/tasks/{id}").Methods(http.MethodDelete).HandlerFunc(s.handleRemove)
	if s.sessions != nil {
		r.Path("/session").Methods(http.MethodGet).Handler(websocket.Handler(s.serveSession))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	waiting, active := s.tasks.Pending()
	h := Health{Status: "ok", Waiting: waiting, ActiveReadOnly: active}
	if s.sessions != nil {
		h.Sessions = len(s.sessions.Sessions())
	}
	if s.store != nil {
		stats, err := s.store.Stats()
		if err != nil {
			s.logger.Warn("storage stats", "err", err)
			h.Status = "degraded"
		} else {
			h.Storage = &stats
		}
	}
	writeJSON(w, h)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, TaskList{Tasks: s.tasks.Tasks()})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if !s.tasks.Abort(id) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if !s.tasks.Remove(id) {
		http.Error(w, "no finished task with that id", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveSession runs a session over the WebSocket as a binary byte stream.
func (s *Server) serveSession(conn *websocket.Conn) {
	conn.PayloadType = websocket.BinaryFrame
	remote := conn.Request().RemoteAddr
	if err := s.sessions.ServeConn(conn.Request().Context(), conn, "ws:"+remote); err != nil {
		s.logger.Warn("websocket session ended", "remote", remote, "err", err)
	}
}

func taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "bad task id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
