// Package server implements the Foreman HTTP server: REST API, auth, and
// the SSE event feed. The feed is a read-only pull over the event log;
// consumers never write through it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/server/api"
)

// ssePoll is how often the SSE feed checks for new events.
const ssePoll = 2 * time.Second

// Server is the Foreman HTTP server.
type Server struct {
	cfg      config.Config
	mux      *http.ServeMux
	httpSrv  *http.Server
	logger   *slog.Logger
	handlers *api.Handlers
	events   *event.Log

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config, handlers, and logger.
func New(cfg config.Config, ver string, handlers *api.Handlers, events *event.Log, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		handlers:  handlers,
		events:    events,
		startTime: time.Now(),
		version:   ver,
	}
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9070"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	// SSE auth is handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /api/events/stream", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	s.handlers.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleSSE streams new audit events to the client. The feed polls the
// event log; events are deduplicated by ID across polls.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// Verify auth via query token param for SSE (EventSource can't set headers)
	token := r.URL.Query().Get("token")
	if token != "" {
		if _, err := s.verifyToken(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	seen := make(map[string]struct{})
	// Prime the cursor so only events after connect are streamed.
	if recent, err := s.events.Recent(100); err == nil {
		for _, e := range recent {
			seen[e.ID] = struct{}{}
		}
	}

	ticker := time.NewTicker(ssePoll)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			recent, err := s.events.Recent(100)
			if err != nil {
				s.logger.Error("sse poll", slog.Any("err", err))
				continue
			}
			// Recent is newest first; emit unseen in chronological order.
			for i := len(recent) - 1; i >= 0; i-- {
				e := recent[i]
				if _, ok := seen[e.ID]; ok {
					continue
				}
				seen[e.ID] = struct{}{}
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			}
			flusher.Flush()
		}
	}
}
