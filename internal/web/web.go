package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"lessonsync/internal/config"
	appLog "lessonsync/internal/log"
	"lessonsync/internal/syncer"
)

// Trigger runs one sync pass on demand.
type Trigger func(ctx context.Context) (syncer.Result, error)

// Server exposes liveness and the outcome of the last sync run.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	log     *appLog.Logger
	trigger Trigger

	mu   sync.RWMutex
	last *runStatus
}

// runStatus is the JSON shape for /api/status.
type runStatus struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	OK         bool           `json:"ok"`
	Error      string         `json:"error,omitempty"`
	Result     *syncer.Result `json:"result,omitempty"`
}

// NewServer constructs a new Server. trigger may be nil, which disables
// /api/refresh.
func NewServer(cfg *config.Config, trigger Trigger, logger *appLog.Logger) *Server {
	if logger == nil {
		logger = appLog.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		log:     logger,
		trigger: trigger,
	}
	s.registerRoutes()
	return s
}

// Record stores the outcome of a run for /api/status.
func (s *Server) Record(started time.Time, res syncer.Result, err error) {
	st := &runStatus{StartedAt: started, FinishedAt: time.Now(), OK: err == nil}
	if err != nil {
		st.Error = err.Error()
	} else {
		st.Result = &res
	}
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		s.log.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="lessonsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP server shutdown failed", err)
		}
	}()

	s.log.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if last == nil {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// handleRefresh runs a sync pass synchronously and returns its status.
//
// POST /api/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}

	started := time.Now()
	res, err := s.trigger(r.Context())
	s.Record(started, res, err)
	if err != nil {
		s.log.Error("api refresh: sync failed", err)
	}

	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, last)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
