package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatd/protocol"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAwaitingFirstFrame
	StateAuthenticating
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingFirstFrame:
		return "awaiting-first-frame"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one client connection. The reader runs on the connection's
// goroutine; a second goroutine owns all writes so that Send never blocks
// the caller on socket I/O.
type Session struct {
	id      string
	conn    net.Conn
	cfg     *Config
	log     *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter

	state        atomic.Int32
	userID       atomic.Int64
	lastActivity atomic.Int64 // unix nanoseconds

	mu       sync.Mutex
	username string

	send       chan protocol.Message
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	failed     []protocol.Message // set by the writer before writerDone is closed

	// While holding, messages from other users are parked in held so that
	// they reach the client after the login backlog.
	relayMu sync.Mutex
	holding bool
	held    []protocol.Message
}

func newSession(conn net.Conn, cfg *Config, log *slog.Logger, metrics *Metrics) *Session {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	id := uuid.NewString()
	s := &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		log:        log.With("session", id, "remote", conn.RemoteAddr().String()),
		metrics:    metrics,
		limiter:    rate.NewLimiter(limit, cfg.RateBurst),
		send:       make(chan protocol.Message, cfg.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() int64 { return s.userID.Load() }

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) Authenticated() bool { return s.UserID() != 0 }

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// LastActivity is the time of the last frame read or written.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setUser(id int64, username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	s.userID.Store(id)
	s.setState(StateAuthenticated)
}

// setState moves the session forward unless it is already shutting down.
func (s *Session) setState(st SessionState) {
	for {
		cur := s.state.Load()
		if SessionState(cur) >= StateClosing {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Send queues m without blocking.
func (s *Session) Send(m protocol.Message) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	select {
	case s.send <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// SendWait queues m, waiting for room in the queue. Used for replies to the
// session's own requests, where backpressure on the reader is wanted.
func (s *Session) SendWait(ctx context.Context, m protocol.Message) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	select {
	case s.send <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver queues a message from another user without blocking.
func (s *Session) Deliver(m protocol.Message) error {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	if !s.holding {
		return s.Send(m)
	}
	if s.Closed() {
		return ErrSessionClosed
	}
	if len(s.held) >= cap(s.send) {
		return ErrSendQueueFull
	}
	s.held = append(s.held, m)
	return nil
}

func (s *Session) holdRelays() {
	s.relayMu.Lock()
	s.holding = true
	s.relayMu.Unlock()
}

// releaseRelays queues the held messages behind everything already queued
// and resumes direct delivery. On failure it returns the messages that were
// not queued.
func (s *Session) releaseRelays(ctx context.Context) ([]protocol.Message, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	held := s.held
	s.held, s.holding = nil, false
	for i, m := range held {
		if err := s.SendWait(ctx, m); err != nil {
			return held[i:], err
		}
	}
	return nil, nil
}

// Unsent returns the frames that were queued but never written. Only valid
// after wait.
func (s *Session) Unsent() []protocol.Message {
	out := s.failed
	for {
		select {
		case m := <-s.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

// Evict tells the client why it is being disconnected and closes the session.
func (s *Session) Evict(reason string) {
	s.log.Info("Evicting session", "user", s.UserID(), "reason", reason)
	s.Send(protocol.Failure(s.UserID(), protocol.TypeError, reason))
	s.Close()
}

// Close stops the session. Queued frames are flushed by the writer before
// the socket is closed. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)
	})
}

func (s *Session) start() {
	s.setState(StateAwaitingFirstFrame)
	go s.writeLoop()
	go s.heartbeat()
}

// wait blocks until the writer has flushed and closed the socket.
func (s *Session) wait() {
	<-s.writerDone
	s.state.Store(int32(StateClosed))
}

func (s *Session) readLoop(handle func(protocol.Message)) error {
	r := protocol.NewReader(s.conn, s.cfg.MaxFrameSize)
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return err
		}
		s.touch()
		s.metrics.FramesIn.Inc()

		handle(m)

		if s.Authenticated() {
			s.setState(StateAuthenticated)
		} else {
			s.setState(StateAuthenticating)
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.conn.Close()

	w := protocol.NewWriter(s.conn)
	for {
		select {
		case m := <-s.send:
			if err := s.write(w, m); err != nil {
				s.log.Debug("Write failed", "err", err)
				s.failed = []protocol.Message{m}
				s.Close()
				return
			}
		case <-s.done:
			s.flush(w)
			return
		}
	}
}

// flush writes whatever is still queued, giving up on the first error.
func (s *Session) flush(w *protocol.Writer) {
	for {
		select {
		case m := <-s.send:
			if err := s.write(w, m); err != nil {
				s.failed = []protocol.Message{m}
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(w *protocol.Writer, m protocol.Message) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := w.WriteMessage(m); err != nil {
		return err
	}
	s.touch()
	s.metrics.FramesOut.Inc()
	return nil
}

func (s *Session) heartbeat() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if idle := time.Since(s.LastActivity()); idle > s.cfg.ReconnectTimeout {
				s.log.Info("Session timed out", "idle", idle.Round(time.Millisecond))
				s.Close()
				return
			}
		}
	}
}
