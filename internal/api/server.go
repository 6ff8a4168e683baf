// Package api serves the admin surface: status, live sessions, health,
// Prometheus metrics and a small dashboard.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/bnetd/bnetd/internal/config"
	"github.com/bnetd/bnetd/internal/db"
	"github.com/bnetd/bnetd/internal/health"
	"github.com/bnetd/bnetd/internal/metrics"
	"github.com/bnetd/bnetd/internal/server"
)

// SessionAdmin is the lobby-server surface the API needs.
type SessionAdmin interface {
	Sessions() []server.SessionInfo
	SessionCount() int
	Kick(id string) bool
}

// StatsSource provides DB pool accounting.
type StatsSource interface {
	Stats() db.Stats
}

// HealthSource provides the latest DB probe verdict.
type HealthSource interface {
	Healthy() bool
	Status() health.Status
}

// Server is the admin HTTP server.
type Server struct {
	lobby      SessionAdmin
	pool       StatsSource
	checker    HealthSource
	collector  *metrics.Collector
	cfg        config.Config
	log        *slog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the admin server. pool and checker may be nil.
func NewServer(lobby SessionAdmin, pool StatsSource, checker HealthSource, collector *metrics.Collector, cfg config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		lobby:     lobby,
		pool:      pool,
		checker:   checker,
		collector: collector,
		cfg:       cfg,
		log:       log,
		startTime: time.Now(),
	}
}

// Handler builds the routed handler; exported so tests can drive it with
// httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Probes and metrics stay unauthenticated for scrapers.
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	if s.collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{}))
	}

	admin := r.PathPrefix("/").Subrouter()
	admin.Use(s.authMiddleware)
	admin.HandleFunc("/status", s.statusHandler).Methods("GET")
	admin.HandleFunc("/config", s.configHandler).Methods("GET")
	admin.HandleFunc("/sessions", s.listSessions).Methods("GET")
	admin.HandleFunc("/sessions/{id}", s.kickSession).Methods("DELETE")
	admin.HandleFunc("/", s.dashboardHandler).Methods("GET")
	admin.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	return r
}

// Start begins serving on the configured API address.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen.APIAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("admin api listening", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin api server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware checks X-API-Key against the configured key. A bcrypt
// hash takes precedence over the plaintext key; with neither set the
// admin surface is open (bind it to loopback).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.cfg.Listen.APIKeyHash
		key := s.cfg.Listen.APIKey
		if hash == "" && key == "" {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get("X-API-Key")
		var ok bool
		if hash != "" {
			ok = bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
		} else {
			ok = subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.lobby.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) kickSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.lobby.Kick(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.log.Info("session kicked via api", "session", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked", "session": id})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	st := s.checker.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.checker != nil && !s.checker.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload := map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"sessions":       s.lobby.SessionCount(),
		"listen": map[string]int{
			"lobby_port": s.cfg.Listen.Port,
			"api_port":   s.cfg.Listen.APIPort,
		},
	}
	if s.pool != nil {
		payload["db_pool"] = s.pool.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
