package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatd/logging"
	"chatd/protocol"
)

func newTestSession(t *testing.T, userID int64, name string) *Session {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	cfg := &Config{SendQueueSize: 4, HeartbeatInterval: time.Second, ReconnectTimeout: time.Minute}
	s := newSession(serverConn, cfg, logging.Discard(), NewMetrics(prometheus.NewRegistry()))
	if userID != 0 {
		s.setUser(userID, name)
	}
	return s
}

func TestRegistryReplaceAndUnregister(t *testing.T) {
	r := NewRegistry()
	first := newTestSession(t, 1, "alice")
	second := newTestSession(t, 1, "alice")

	assert.Nil(t, r.Register(1, first))
	assert.Nil(t, r.Register(1, first), "re-registering the same session returns nothing")
	assert.Same(t, first, r.Register(1, second))

	// a late unregister from the replaced session is ignored
	assert.False(t, r.Unregister(1, first))
	got, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, r.Unregister(1, second))
	assert.False(t, r.IsOnline(1))
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry()
	sessions := make([]*Session, 16)
	for i := range sessions {
		sessions[i] = newTestSession(t, 7, "bob")
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.Register(7, s)
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	got, ok := r.Lookup(7)
	require.True(t, ok)
	assert.Contains(t, sessions, got)
}

func TestRegistryLookupSkipsClosed(t *testing.T) {
	r := NewRegistry()
	s := newTestSession(t, 3, "carol")
	r.Register(3, s)

	s.Close()
	_, ok := r.Lookup(3)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count(), "closed sessions stay until unregistered")
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	a := newTestSession(t, 1, "alice")
	b := newTestSession(t, 2, "bob")
	r.Register(1, a)
	r.Register(2, b)
	b.Close()

	n := r.Broadcast(protocol.NewMessage(0, 0, protocol.TypeSystem, "hi"))
	assert.Equal(t, 1, n)

	m := <-a.send
	assert.Equal(t, int64(1), m.ReceiverID)
	assert.Equal(t, []string{"alice", "bob"}, r.Users())
}

func TestSessionSendQueueFull(t *testing.T) {
	s := newTestSession(t, 1, "alice")
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Send(protocol.NewMessage(0, 1, protocol.TypeSystem, "x")))
	}
	assert.ErrorIs(t, s.Send(protocol.NewMessage(0, 1, protocol.TypeSystem, "x")), ErrSendQueueFull)

	s.Close()
	assert.ErrorIs(t, s.Send(protocol.NewMessage(0, 1, protocol.TypeSystem, "x")), ErrSessionClosed)
	assert.Equal(t, StateClosing, s.State())
}
