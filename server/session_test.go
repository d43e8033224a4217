package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatd/logging"
	"chatd/protocol"
)

func TestSessionHoldsRelaysUntilReleased(t *testing.T) {
	s := newTestSession(t, 1, "alice")
	s.holdRelays()

	live := protocol.NewMessage(2, 1, protocol.TypeChat, "live")
	require.NoError(t, s.Deliver(live))
	require.NoError(t, s.Send(protocol.NewMessage(0, 1, protocol.TypeLoginResponse, "{}")))

	rest, err := s.releaseRelays(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rest)

	later := protocol.NewMessage(2, 1, protocol.TypeChat, "later")
	require.NoError(t, s.Deliver(later))

	assert.Equal(t, protocol.TypeLoginResponse, (<-s.send).Type)
	assert.Equal(t, "live", (<-s.send).Content)
	assert.Equal(t, "later", (<-s.send).Content)
}

func TestSessionHeldRelaysAfterClose(t *testing.T) {
	s := newTestSession(t, 1, "alice")
	s.holdRelays()
	require.NoError(t, s.Deliver(protocol.NewMessage(2, 1, protocol.TypeChat, "held")))

	s.Close()
	assert.ErrorIs(t, s.Deliver(protocol.NewMessage(2, 1, protocol.TypeChat, "late")), ErrSessionClosed)

	rest, err := s.releaseRelays(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	require.Len(t, rest, 1)
	assert.Equal(t, "held", rest[0].Content)
}

func TestSessionUnsentAfterWriteFailure(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	clientConn.Close()

	cfg := &Config{SendQueueSize: 4, HeartbeatInterval: time.Second, ReconnectTimeout: time.Minute}
	s := newSession(serverConn, cfg, logging.Discard(), NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, s.Send(protocol.NewMessage(2, 1, protocol.TypeChat, "one")))
	require.NoError(t, s.Send(protocol.NewMessage(2, 1, protocol.TypeChat, "two")))

	s.start()
	s.wait()

	unsent := s.Unsent()
	require.Len(t, unsent, 2)
	assert.Equal(t, "one", unsent[0].Content)
	assert.Equal(t, "two", unsent[1].Content)
}

// deadlineConn fails every SetWriteDeadline call.
type deadlineConn struct {
	net.Conn
}

func (deadlineConn) SetWriteDeadline(time.Time) error {
	return errors.New("deadline not supported")
}

func TestSessionWriteDeadlineFailureClosesSession(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	cfg := &Config{SendQueueSize: 4, HeartbeatInterval: time.Second, ReconnectTimeout: time.Minute, WriteTimeout: time.Second}
	s := newSession(deadlineConn{serverConn}, cfg, logging.Discard(), NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, s.Send(protocol.NewMessage(2, 1, protocol.TypeChat, "hello")))

	s.start()
	s.wait()

	assert.True(t, s.Closed())
	require.Len(t, s.Unsent(), 1)
	_, err := readResponse(clientConn, time.Second)
	assert.Error(t, err, "nothing is written without a deadline")
}
