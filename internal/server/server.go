// Package server implements the lobby's TCP front: the accept loop, the
// live-session registry, and the per-opcode handshake handlers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnetd/bnetd/internal/db"
	"github.com/bnetd/bnetd/internal/metrics"
)

// AccountStore is the account lookup surface the handlers depend on.
// *db.AccountStore implements it; tests inject fakes.
type AccountStore interface {
	FindAccount(ctx context.Context, lowerName string) (*db.AccountRow, error)
	InsertAccount(ctx context.Context, lowerName, saltHex, verifierHex string) (int64, error)
}

// Config carries the server's listen and protocol settings.
type Config struct {
	Addr        string
	Version     uint32
	Banner      string
	PingTimeout time.Duration
}

// SessionInfo is the admin-API view of one live session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	User        string    `json:"user,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Server owns the listener and the mutex-guarded set of live sessions.
// A session is in the set iff it has not closed.
type Server struct {
	cfg     Config
	store   AccountStore
	pool    *db.Pool
	metrics *metrics.Collector
	log     *slog.Logger

	banner atomic.Value // string, hot-reloadable

	ln       net.Listener
	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// New builds a server. pool may be nil when the caller owns DB teardown;
// metrics may be nil in tests.
func New(cfg Config, store AccountStore, pool *db.Pool, m *metrics.Collector, log *slog.Logger) *Server {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		pool:     pool,
		metrics:  m,
		log:      log,
		sessions: make(map[*Session]struct{}),
	}
	s.banner.Store(cfg.Banner)
	return s
}

// Banner returns the current login banner.
func (s *Server) Banner() string {
	return s.banner.Load().(string)
}

// SetBanner swaps the login banner; existing sessions are unaffected.
func (s *Server) SetBanner(banner string) {
	s.banner.Store(banner)
}

// Listen binds the configured address and starts accepting.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("lobby listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.log.Error("accept failed", "err", err)
			continue
		}

		sess := newSession(conn, s)
		s.mu.Lock()
		if s.stopped.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.SessionOpened()
		}
		sess.Start()
	}
}

// removeSession drops a session from the registry. Called exactly once
// per session, from Session.Close.
func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	_, present := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()

	if present && s.metrics != nil {
		s.metrics.SessionClosed()
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions snapshots the registry for the admin API.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(snapshot))
	for _, sess := range snapshot {
		infos = append(infos, SessionInfo{
			ID:          sess.ID().String(),
			Remote:      sess.conn.RemoteAddr().String(),
			State:       sess.State().String(),
			User:        sess.UserName(),
			ConnectedAt: sess.connectedAt,
		})
	}
	return infos
}

// Kick closes the session with the given id. It reports whether a
// session was found.
func (s *Server) Kick(id string) bool {
	s.mu.Lock()
	var target *Session
	for sess := range s.sessions {
		if sess.ID().String() == id {
			target = sess
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return false
	}
	target.Close()
	return true
}

// Stop closes the acceptor, every live session, and the DB pool, in that
// order. Safe to call more than once.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.Unlock()

	for _, sess := range snapshot {
		sess.Close()
	}
	s.wg.Wait()

	if s.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.pool.Shutdown(ctx)
	}
	s.log.Info("lobby stopped")
}
