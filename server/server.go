package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatd/protocol"
)

type Config struct {
	Port              int
	HeartbeatInterval time.Duration
	ReconnectTimeout  time.Duration
	WriteTimeout      time.Duration
	StoreTimeout      time.Duration
	MaxFrameSize      int
	SendQueueSize     int
	RateLimit         float64
	RateBurst         int
	HistoryLimit      int
}

type Server struct {
	cfg      *Config
	registry *Registry
	router   *Router
	log      *slog.Logger
	metrics  *Metrics

	// ctx is the parent of store calls. It is never cancelled so that a
	// closing session does not abort a write already in progress.
	ctx context.Context

	mu           sync.Mutex
	conns        map[*Session]struct{}
	closing      bool
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func New(cfg *Config, deps Deps, log *slog.Logger, metrics *Metrics) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	registry := NewRegistry()
	return &Server{
		cfg:      cfg,
		registry: registry,
		router:   NewRouter(deps, registry, cfg, log, metrics),
		log:      log,
		metrics:  metrics,
		ctx:      context.Background(),
		conns:    make(map[*Session]struct{}),
	}
}

func (s *Server) Registry() *Registry { return s.registry }

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done, then notifies
// and closes every session and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.log.Info("Chat server started", "addr", listener.Addr().String())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		listener.Close()
	}()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			s.log.Error("Error accepting connection", "err", err, "retry", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}

	s.Shutdown("server shutting down")
	s.wg.Wait()
	s.log.Info("Chat server stopped")
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	sess := newSession(conn, s.cfg, s.log, s.metrics)
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	sess.log.Info("Client connected")
	sess.start()

	err := sess.readLoop(func(m protocol.Message) {
		s.handleFrame(sess, m)
	})
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
	case errors.Is(err, protocol.ErrProtocol):
		s.metrics.ProtocolErrors.Inc()
		sess.log.Warn("Protocol error", "err", err)
		sess.Send(protocol.Failure(sess.UserID(), protocol.TypeError, err.Error()))
	default:
		sess.log.Debug("Read error", "err", err)
	}

	sess.Close()
	sess.wait()
	s.router.requeue(s.ctx, sess.UserID(), sess.Unsent())
	s.router.disconnect(s.ctx, sess)
	sess.log.Info("Client disconnected", "user", sess.UserID())
}

func (s *Server) handleFrame(sess *Session, m protocol.Message) {
	if m.Type != protocol.TypeHeartbeat && !sess.limiter.Allow() {
		s.metrics.RateLimited.Inc()
		sess.Send(protocol.Failure(sess.UserID(), protocol.TypeError, "rate limit exceeded"))
		return
	}

	s.router.sendAll(s.ctx, sess, s.router.Route(s.ctx, sess, m))
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[sess] = struct{}{}
	s.metrics.Connections.Inc()
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.conns, sess)
	s.mu.Unlock()
	s.metrics.Connections.Dec()
}

// Broadcast sends a SYSTEM message to every logged-in user.
func (s *Server) Broadcast(text string) int {
	n := s.registry.Broadcast(protocol.NewMessage(0, 0, protocol.TypeSystem, text))
	s.log.Info("Broadcast sent", "recipients", n)
	return n
}

// Shutdown tells every connected client why it is being disconnected and
// closes all sessions. New connections are refused afterwards.
func (s *Server) Shutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		sessions := make([]*Session, 0, len(s.conns))
		for sess := range s.conns {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		s.log.Info("Shutting down", "reason", reason, "sessions", len(sessions))
		for _, sess := range sessions {
			sess.Send(protocol.NewMessage(0, sess.UserID(), protocol.TypeSystem, reason))
			sess.Close()
		}
	})
}

type Stats struct {
	Connections int      `json:"connections"`
	Online      int      `json:"online"`
	Users       []string `json:"users"`
}

func (st Stats) String() string {
	return "connections=" + strconv.Itoa(st.Connections) + ",users=" + strings.Join(st.Users, ";")
}

// GetStats returns a snapshot of connection and presence counts.
func (s *Server) GetStats() Stats {
	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()

	users := s.registry.Users()
	return Stats{Connections: conns, Online: len(users), Users: users}
}
