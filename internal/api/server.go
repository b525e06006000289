// Package api serves nakari's HTTP surface: health and version probes,
// a read-only view of the mailbox, an endpoint for external producers
// to queue events, Prometheus metrics and the /ws WebSocket hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/nakari/internal/buildinfo"
	"github.com/nugget/nakari/internal/connwatch"
	"github.com/nugget/nakari/internal/mailbox"
)

// maxEventBody bounds POST /v1/events request bodies.
const maxEventBody = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config holds what the Server needs. Health, Hub and Metrics may be
// nil; the matching routes then report unavailable or are omitted.
type Config struct {
	Address string
	Port    int

	Mailbox             *mailbox.Mailbox
	State               *mailbox.LoopState
	Health              *connwatch.Manager
	Hub                 *Hub
	Metrics             http.Handler
	DefaultMaxToolCalls int

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultMaxToolCalls <= 0 {
		cfg.DefaultMaxToolCalls = mailbox.DefaultMaxToolCalls
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/mailbox", s.handleMailbox)
	mux.HandleFunc("POST /v1/events", s.handleCreateEvent)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	if s.cfg.Hub != nil {
		// The hub hijacks the connection, so it bypasses request logging.
		mux.Handle("GET /ws", s.cfg.Hub)
	}

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("starting API server", "address", ln.Addr().String())

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for /ws.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "nakari",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string                             `json:"status"`
	Services     map[string]connwatch.ServiceStatus `json:"services"`
	Down         []string                           `json:"down,omitempty"`
	Pending      int                                `json:"pending"`
	Queued       int                                `json:"queued"`
	CurrentEvent string                             `json:"current_event,omitempty"`
	Clients      int                                `json:"clients"`
	Uptime       string                             `json:"uptime"`
}

// handleHealth answers 200 when every watched service is ready and 503
// with the unreachable ones listed otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Services: map[string]connwatch.ServiceStatus{},
		Uptime:   buildinfo.Uptime().String(),
	}
	if s.cfg.Health != nil {
		resp.Services = s.cfg.Health.Status()
		if ok, down := s.cfg.Health.Healthy(); !ok {
			resp.Status = "degraded"
			resp.Down = down
		}
	}
	if s.cfg.Mailbox != nil {
		resp.Pending = s.cfg.Mailbox.PendingCount()
		resp.Queued = s.cfg.Mailbox.Len()
	}
	if s.cfg.State != nil {
		resp.CurrentEvent = s.cfg.State.CurrentID()
	}
	if s.cfg.Hub != nil {
		resp.Clients = s.cfg.Hub.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

// MailboxResponse is the body of GET /v1/mailbox.
type MailboxResponse struct {
	CurrentEvent string          `json:"current_event,omitempty"`
	ToolCalls    int             `json:"tool_calls"`
	Events       []mailbox.Event `json:"events"`
	Archived     int             `json:"archived"`
}

// handleMailbox lists queued events, optionally filtered by ?status=.
func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mailbox == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "mailbox not configured")
		return
	}

	var status mailbox.Status
	if q := r.URL.Query().Get("status"); q != "" {
		st, err := mailbox.ParseStatus(q)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}

	resp := MailboxResponse{
		Events:   s.cfg.Mailbox.List(status),
		Archived: len(s.cfg.Mailbox.Archived()),
	}
	if s.cfg.State != nil {
		resp.CurrentEvent = s.cfg.State.CurrentID()
		resp.ToolCalls = s.cfg.State.Count()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// CreateEventRequest is the body of POST /v1/events.
type CreateEventRequest struct {
	Type         string               `json:"type"`
	Content      string               `json:"content"`
	Priority     int                  `json:"priority"`
	MaxToolCalls int                  `json:"max_tool_calls"`
	Attachments  []mailbox.Attachment `json:"attachments"`
	Metadata     map[string]any       `json:"metadata"`
}

// handleCreateEvent queues an event from an external producer.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mailbox == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "mailbox not configured")
		return
	}

	var req CreateEventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	typ := mailbox.TypeUserText
	if req.Type != "" {
		t, err := mailbox.ParseType(req.Type)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		typ = t
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "content or attachments is required")
		return
	}
	if req.MaxToolCalls < 0 {
		s.errorResponse(w, http.StatusBadRequest, "max_tool_calls must be positive")
		return
	}
	maxCalls := req.MaxToolCalls
	if maxCalls == 0 {
		maxCalls = s.cfg.DefaultMaxToolCalls
	}

	ev := mailbox.NewEvent(typ, req.Content, maxCalls)
	ev.Priority = req.Priority
	for _, a := range req.Attachments {
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		ev.Attachments = append(ev.Attachments, a)
	}
	for k, v := range req.Metadata {
		ev.Metadata[k] = v
	}
	if _, ok := ev.Metadata["source"]; !ok {
		ev.Metadata["source"] = "http"
	}
	s.cfg.Mailbox.Put(ev)
	s.logger.Info("event queued over http", "event_id", ev.ID, "type", ev.Type, "priority", ev.Priority)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{
		"id":         ev.ID,
		"status":     ev.Status,
		"created_at": ev.CreatedAt,
	}, s.logger)
}
