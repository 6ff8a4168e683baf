package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bnetd/bnetd/internal/protocol"
	"github.com/bnetd/bnetd/internal/srp"
)

// State is the per-session protocol state. Only the session's own
// goroutine advances it; the admin API may read it concurrently.
type State int32

const (
	StateConnected State = iota
	StateBncsPing
	StateAuthCheckSent
	StateAuthCheckReceived
	StateAuthInfoReceived
	StateLoggedIn
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateBncsPing:
		return "BNCS_PING"
	case StateAuthCheckSent:
		return "AUTH_CHECK_SENT"
	case StateAuthCheckReceived:
		return "AUTH_CHECK_RECEIVED"
	case StateAuthInfoReceived:
		return "AUTH_INFO_RECEIVED"
	case StateLoggedIn:
		return "LOGGED_IN"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Session is the protocol layer over one accepted TCP connection: the
// read loop, the FIFO write queue, the ping timer and the handshake
// state. It is registered with the server while alive and deregisters
// exactly once on close.
type Session struct {
	id     uuid.UUID
	conn   net.Conn
	server *Server
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Handshake state, touched only between suspension points of the
	// session goroutine.
	state       atomic.Int32
	serverToken uint32
	clientToken uint32
	isInDB      bool
	isAuth      bool
	srp         *srp.Server

	nameMu      sync.Mutex
	userName    string // original casing, for display
	connectedAt time.Time

	inbuf []byte

	writeMu    sync.Mutex
	writeQueue [][]byte
	writing    bool

	timerMu   sync.Mutex
	pingTimer *time.Timer

	closed atomic.Bool
	done   chan struct{}
}

func newSession(conn net.Conn, srv *Server) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          uuid.New(),
		conn:        conn,
		server:      srv,
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	s.log = srv.log.With("session", s.id.String(), "remote", conn.RemoteAddr().String())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current protocol state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// UserName returns the display-cased username, empty before auth info.
func (s *Session) UserName() string {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	return s.userName
}

func (s *Session) setUserName(name string) {
	s.nameMu.Lock()
	s.userName = name
	s.nameMu.Unlock()
}

// Start sends the opening SID_AUTH_INFO, arms the ping timer and begins
// the read loop.
func (s *Session) Start() {
	s.log.Info("session started")
	s.serverToken = rand.Uint32()
	s.clientToken = rand.Uint32() // replaced by the client's token at SID_AUTH_CHECK

	p := protocol.NewPacket(protocol.SidAuthInfo)
	p.Buffer.WriteUint32(protocol.PlatformIX86)
	p.Buffer.WriteUint32(protocol.ProductW3XP)
	p.Buffer.WriteUint32(s.server.cfg.Version)
	p.Buffer.WriteUint32(0) // EXE hash
	p.Buffer.WriteUint32(s.serverToken)
	p.Buffer.WriteUint32(0) // client token, unknown yet
	p.Buffer.WriteString(s.server.Banner())
	s.SendPacket(p)

	s.resetPingTimer()
	go s.readLoop()
}

func (s *Session) readLoop() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			switch {
			case s.closed.Load() || errors.Is(err, net.ErrClosed):
				// Shutdown path; nothing to report.
			case errors.Is(err, io.EOF):
				s.log.Info("peer closed connection")
			default:
				s.log.Error("read failed", "err", err)
			}
			s.Close()
			return
		}
		if s.server.metrics != nil {
			s.server.metrics.AddBytesIn(n)
		}

		s.inbuf = append(s.inbuf, buf[:n]...)
		if !s.drainFrames() {
			return
		}
	}
}

// drainFrames carves and dispatches every complete frame buffered so
// far. It reports false once the session has been closed.
func (s *Session) drainFrames() bool {
	off := 0
	for {
		body, consumed, err := protocol.SplitFrame(s.inbuf[off:])
		if err != nil {
			s.log.Warn("bad frame", "err", err)
			s.Close()
			return false
		}
		if body == nil {
			break
		}
		pkt, err := protocol.Deserialize(body)
		off += consumed
		if err != nil {
			s.log.Warn("bad packet", "err", err)
			s.Close()
			return false
		}

		s.resetPingTimer()
		if s.server.metrics != nil {
			s.server.metrics.PacketReceived(pkt.Opcode.String())
		}
		dispatch(s, pkt)
		if s.closed.Load() {
			return false
		}
	}
	// Keep only the incomplete tail for the next read.
	s.inbuf = append(s.inbuf[:0], s.inbuf[off:]...)
	return true
}

// SendPacket serialises p and queues it. Writes are strictly FIFO with
// at most one in flight per socket; a failed write closes the session.
func (s *Session) SendPacket(p *protocol.Packet) {
	frame := p.Serialize()

	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return
	}
	s.writeQueue = append(s.writeQueue, frame)
	start := !s.writing
	if start {
		s.writing = true
	}
	s.writeMu.Unlock()

	if s.server.metrics != nil {
		s.server.metrics.PacketSent(p.Opcode.String())
	}
	if start {
		go s.drainWrites()
	}
}

func (s *Session) drainWrites() {
	for {
		s.writeMu.Lock()
		if len(s.writeQueue) == 0 {
			s.writing = false
			s.writeMu.Unlock()
			return
		}
		frame := s.writeQueue[0]
		s.writeQueue = s.writeQueue[1:]
		s.writeMu.Unlock()

		n, err := s.conn.Write(frame)
		if s.server.metrics != nil && n > 0 {
			s.server.metrics.AddBytesOut(n)
		}
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, net.ErrClosed) {
				s.log.Error("write failed", "err", err)
			}
			s.Close()
			return
		}
	}
}

func (s *Session) resetPingTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed.Load() {
		return
	}
	if s.pingTimer == nil {
		s.pingTimer = time.AfterFunc(s.server.cfg.PingTimeout, s.onPingTimeout)
		return
	}
	s.pingTimer.Reset(s.server.cfg.PingTimeout)
}

func (s *Session) onPingTimeout() {
	s.log.Warn("ping timeout")
	if s.server.metrics != nil {
		s.server.metrics.Timeout()
	}
	s.Close()
}

// Close tears the session down exactly once: cancels the ping timer,
// shuts the socket both ways, drops the write queue and SRP state, and
// deregisters from the server. Re-entry is a no-op.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.setState(StateClosed)
	s.cancel()

	s.timerMu.Lock()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.timerMu.Unlock()

	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
		_ = tc.CloseWrite()
	}
	_ = s.conn.Close()

	s.writeMu.Lock()
	s.writeQueue = nil
	s.writeMu.Unlock()
	s.srp = nil

	s.server.removeSession(s)
	s.log.Info("session closed")
}
