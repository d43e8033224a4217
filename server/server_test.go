package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"chatd/db"
	"chatd/directory"
	"chatd/friends"
	"chatd/logging"
	"chatd/offline"
	"chatd/protocol"
)

// setupTestServer creates a server backed by a temporary database.
func setupTestServer(t *testing.T, opts ...func(*Config)) (*Server, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), db.Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	log := logging.Discard()
	fr, err := friends.New(database, 16, log)
	if err != nil {
		t.Fatalf("Failed to create friend manager: %v", err)
	}

	config := &Config{
		HeartbeatInterval: time.Second,
		ReconnectTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		StoreTimeout:      5 * time.Second,
		MaxFrameSize:      64 * 1024,
		SendQueueSize:     16,
		HistoryLimit:      50,
	}
	for _, opt := range opts {
		opt(config)
	}

	srv := New(config, Deps{
		Directory: directory.New(database, log, directory.WithHashCost(bcrypt.MinCost)),
		Friends:   fr,
		Offline:   offline.NewPersistent(database),
		Messages:  database,
	}, log, NewMetrics(prometheus.NewRegistry()))

	return srv, database
}

// createTestConnection attaches a simulated client to srv.
func createTestConnection(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return clientConn
}

func sendRequest(conn net.Conn, m protocol.Message) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return protocol.NewWriter(conn).WriteMessage(m)
}

func readResponse(conn net.Conn, timeout time.Duration) (protocol.Message, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	return protocol.NewReader(conn, 0).ReadMessage()
}

func send(t *testing.T, conn net.Conn, typ protocol.MessageType, body any) {
	t.Helper()
	m := protocol.Reply(0, typ, body)
	if body == nil {
		m.Content = ""
	}
	if err := sendRequest(conn, m); err != nil {
		t.Fatalf("Failed to send %s: %v", typ, err)
	}
}

// expect reads the next frame and checks its type.
func expect(t *testing.T, conn net.Conn, typ protocol.MessageType) protocol.Message {
	t.Helper()
	m, err := readResponse(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", typ, err)
	}
	if m.Type != typ {
		t.Fatalf("Expected %s, got %s (%s)", typ, m.Type, m.Content)
	}
	return m
}

func decode[T any](t *testing.T, m protocol.Message) T {
	t.Helper()
	var v T
	if err := protocol.DecodeContent(m, &v); err != nil {
		t.Fatalf("Failed to decode %s: %v", m.Type, err)
	}
	return v
}

// expectClosed waits for the server to close the connection.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	m, err := readResponse(conn, 5*time.Second)
	if err == nil {
		t.Fatalf("Expected connection to be closed, got %s (%s)", m.Type, m.Content)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("Connection was not closed: %v", err)
	}
}

func register(t *testing.T, conn net.Conn, username, password string) int64 {
	t.Helper()
	send(t, conn, protocol.TypeRegister, protocol.RegisterRequest{Username: username, Password: password})
	resp := decode[protocol.RegisterResponse](t, expect(t, conn, protocol.TypeRegisterResponse))
	if !resp.Success {
		t.Fatalf("Register %s failed: %s", username, resp.Error)
	}
	return resp.UserID
}

func login(t *testing.T, conn net.Conn, username, password string) protocol.LoginResponse {
	t.Helper()
	send(t, conn, protocol.TypeLogin, protocol.LoginRequest{Username: username, Password: password})
	resp := decode[protocol.LoginResponse](t, expect(t, conn, protocol.TypeLoginResponse))
	if !resp.Success {
		t.Fatalf("Login %s failed: %s", username, resp.Error)
	}
	return resp
}

func chat(t *testing.T, conn net.Conn, to int64, text string) {
	t.Helper()
	if err := sendRequest(conn, protocol.NewMessage(0, to, protocol.TypeChat, text)); err != nil {
		t.Fatalf("Failed to send chat: %v", err)
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestRegister(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := createTestConnection(t, srv)

	if id := register(t, conn, "alice", "password1"); id == 0 {
		t.Fatalf("Expected a user id")
	}

	// the same username again must fail
	send(t, conn, protocol.TypeRegister, protocol.RegisterRequest{Username: "alice", Password: "password2"})
	resp := decode[protocol.RegisterResponse](t, expect(t, conn, protocol.TypeRegisterResponse))
	if resp.Success {
		t.Fatalf("Expected duplicate registration to fail")
	}
	if resp.Error != directory.ErrDuplicateUsername.Error() {
		t.Errorf("Expected %q, got %q", directory.ErrDuplicateUsername.Error(), resp.Error)
	}

	send(t, conn, protocol.TypeRegister, protocol.RegisterRequest{Username: "x", Password: "password2"})
	resp = decode[protocol.RegisterResponse](t, expect(t, conn, protocol.TypeRegisterResponse))
	if resp.Success {
		t.Fatalf("Expected invalid registration to fail")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := createTestConnection(t, srv)
	register(t, conn, "alice", "password1")

	send(t, conn, protocol.TypeLogin, protocol.LoginRequest{Username: "alice", Password: "nope-nope"})
	resp := decode[protocol.LoginResponse](t, expect(t, conn, protocol.TypeLoginResponse))
	if resp.Success {
		t.Fatalf("Expected login to fail")
	}

	// the session stays open and can retry
	login(t, conn, "alice", "password1")
}

func TestAuthGate(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := createTestConnection(t, srv)

	chat(t, conn, 2, "hello")
	resp := decode[protocol.Response](t, expect(t, conn, protocol.TypeError))
	if resp.Success || resp.Error != "not logged in" {
		t.Fatalf("Unexpected response %+v", resp)
	}

	// heartbeats are accepted and not answered
	send(t, conn, protocol.TypeHeartbeat, nil)
	send(t, conn, protocol.TypeGetFriendList, nil)
	expect(t, conn, protocol.TypeError)
}

func TestOfflineDeliveryAndFriends(t *testing.T) {
	srv, _ := setupTestServer(t)

	alice := createTestConnection(t, srv)
	aliceID := register(t, alice, "alice", "password1")
	bobID := register(t, alice, "bob", "password2")
	login(t, alice, "alice", "password1")

	chat(t, alice, bobID, "first")
	chat(t, alice, bobID, "second")

	// history is answered after both chats were handled
	send(t, alice, protocol.TypeGetChatHistory, protocol.HistoryRequest{OtherUserID: bobID})
	hist := decode[protocol.HistoryResponse](t, expect(t, alice, protocol.TypeChatHistoryResponse))
	if len(hist.Messages) != 2 || hist.Messages[0].Content != "first" || hist.Messages[1].Content != "second" {
		t.Fatalf("Unexpected history %+v", hist.Messages)
	}

	bob := createTestConnection(t, srv)
	resp := login(t, bob, "bob", "password2")
	if resp.UserID != bobID {
		t.Fatalf("Expected user id %d, got %d", bobID, resp.UserID)
	}
	for _, want := range []string{"first", "second"} {
		m := expect(t, bob, protocol.TypeChat)
		if m.Content != want || m.SenderID != aliceID || m.ID == 0 {
			t.Fatalf("Unexpected offline message %+v", m)
		}
	}

	send(t, alice, protocol.TypeFriendRequest, protocol.FriendRequest{ToUsername: "bob"})
	ack := decode[protocol.Response](t, expect(t, alice, protocol.TypeFriendRequestResponse))
	if !ack.Success {
		t.Fatalf("Friend request failed: %s", ack.Error)
	}
	note := decode[protocol.FriendRequestNotification](t, expect(t, bob, protocol.TypeFriendRequestNotification))
	if note.FromUserID != aliceID || note.FromUsername != "alice" {
		t.Fatalf("Unexpected notification %+v", note)
	}

	send(t, bob, protocol.TypeFriendResponse, protocol.FriendResponse{FromUserID: aliceID, Accept: true})
	answer := decode[protocol.FriendResponseNotice](t, expect(t, bob, protocol.TypeFriendResponse))
	if !answer.Success {
		t.Fatalf("Friend response failed: %s", answer.Error)
	}
	notice := decode[protocol.FriendResponseNotice](t, expect(t, alice, protocol.TypeFriendResponse))
	if notice.FromUserID != bobID || !notice.Accept {
		t.Fatalf("Unexpected notice %+v", notice)
	}

	send(t, alice, protocol.TypeGetFriendList, nil)
	list := decode[protocol.FriendListResponse](t, expect(t, alice, protocol.TypeFriendListResponse))
	if len(list.Friends) != 1 {
		t.Fatalf("Expected one friend, got %+v", list.Friends)
	}
	if f := list.Friends[0]; f.UserID != bobID || f.Username != "bob" || !f.Online {
		t.Fatalf("Unexpected friend %+v", f)
	}
}

func TestChatRelayOnline(t *testing.T) {
	srv, database := setupTestServer(t)

	alice := createTestConnection(t, srv)
	aliceID := register(t, alice, "alice", "password1")
	bobID := register(t, alice, "bob", "password2")
	login(t, alice, "alice", "password1")

	bob := createTestConnection(t, srv)
	login(t, bob, "bob", "password2")

	// the sender id is taken from the session, not from the frame
	m := protocol.NewMessage(999, bobID, protocol.TypeChat, "hi bob")
	if err := sendRequest(alice, m); err != nil {
		t.Fatalf("Failed to send chat: %v", err)
	}
	got := expect(t, bob, protocol.TypeChat)
	if got.SenderID != aliceID || got.Content != "hi bob" {
		t.Fatalf("Unexpected relayed message %+v", got)
	}

	if n, err := database.CountOffline(srv.ctx, bobID); err != nil || n != 0 {
		t.Fatalf("Expected empty offline queue, got %d (%v)", n, err)
	}
}

func TestFriendRequestUnknownUser(t *testing.T) {
	srv, database := setupTestServer(t)
	conn := createTestConnection(t, srv)
	aliceID := register(t, conn, "alice", "password1")
	login(t, conn, "alice", "password1")

	send(t, conn, protocol.TypeFriendRequest, protocol.FriendRequest{ToUsername: "ghost"})
	resp := decode[protocol.Response](t, expect(t, conn, protocol.TypeFriendRequestResponse))
	if resp.Success {
		t.Fatalf("Expected friend request to ghost to fail")
	}

	friends, err := database.ListAcceptedFriends(srv.ctx, aliceID)
	if err != nil || len(friends) != 0 {
		t.Fatalf("Expected no friends, got %v (%v)", friends, err)
	}
	if _, err := database.EdgeStatus(srv.ctx, aliceID, aliceID+1); !errors.Is(err, db.ErrNoRows) {
		t.Fatalf("Expected no friendship edge, got %v", err)
	}
}

func TestSecondLoginEvictsFirst(t *testing.T) {
	srv, _ := setupTestServer(t)

	first := createTestConnection(t, srv)
	register(t, first, "alice", "password1")
	login(t, first, "alice", "password1")

	second := createTestConnection(t, srv)
	login(t, second, "alice", "password1")

	resp := decode[protocol.Response](t, expect(t, first, protocol.TypeError))
	if resp.Error != "logged in from another connection" {
		t.Fatalf("Unexpected eviction reason %q", resp.Error)
	}
	expectClosed(t, first)

	waitFor(t, "one registered session", func() bool { return srv.GetStats().Connections == 1 })
	if n := srv.Registry().Count(); n != 1 {
		t.Fatalf("Expected 1 registered session, got %d", n)
	}

	// the surviving session still works
	send(t, second, protocol.TypeGetFriendList, nil)
	expect(t, second, protocol.TypeFriendListResponse)
}

func TestLogout(t *testing.T) {
	srv, database := setupTestServer(t)
	conn := createTestConnection(t, srv)
	id := register(t, conn, "alice", "password1")
	login(t, conn, "alice", "password1")

	send(t, conn, protocol.TypeLogout, nil)
	expectClosed(t, conn)

	waitFor(t, "user offline", func() bool {
		u, err := database.UserByID(srv.ctx, id)
		return err == nil && !u.Online && srv.Registry().Count() == 0
	})
}

func TestHeartbeatTimeout(t *testing.T) {
	srv, _ := setupTestServer(t, func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.ReconnectTimeout = 60 * time.Millisecond
	})
	conn := createTestConnection(t, srv)

	expectClosed(t, conn)
}

func TestHeartbeatTimeoutReleasesUser(t *testing.T) {
	srv, database := setupTestServer(t, func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.ReconnectTimeout = 150 * time.Millisecond
	})
	conn := createTestConnection(t, srv)
	id := register(t, conn, "alice", "password1")
	login(t, conn, "alice", "password1")
	if u, err := database.UserByID(srv.ctx, id); err != nil || !u.Online {
		t.Fatalf("Expected alice online after login, got %+v (%v)", u, err)
	}

	expectClosed(t, conn)
	waitFor(t, "timed out session released", func() bool {
		u, err := database.UserByID(srv.ctx, id)
		return err == nil && !u.Online && srv.Registry().Count() == 0
	})
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	srv, _ := setupTestServer(t, func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.ReconnectTimeout = 100 * time.Millisecond
	})
	conn := createTestConnection(t, srv)

	for i := 0; i < 10; i++ {
		send(t, conn, protocol.TypeHeartbeat, nil)
		time.Sleep(30 * time.Millisecond)
	}
	register(t, conn, "alice", "password1")
}

func TestOversizedFrame(t *testing.T) {
	srv, _ := setupTestServer(t, func(c *Config) { c.MaxFrameSize = 1024 })
	conn := createTestConnection(t, srv)

	var header [protocol.HeaderSize]byte
	binary.NativeEndian.PutUint32(header[:], 1<<30)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}

	resp := decode[protocol.Response](t, expect(t, conn, protocol.TypeError))
	if resp.Success {
		t.Fatalf("Expected failure response")
	}
	expectClosed(t, conn)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := createTestConnection(t, srv)

	payload := []byte(`{"type":13,"content":`)
	frame := make([]byte, protocol.HeaderSize+len(payload))
	binary.NativeEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[protocol.HeaderSize:], payload)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	expect(t, conn, protocol.TypeError)
	expectClosed(t, conn)
}

func TestRateLimit(t *testing.T) {
	srv, _ := setupTestServer(t, func(c *Config) {
		c.RateLimit = 0.5
		c.RateBurst = 1
	})
	conn := createTestConnection(t, srv)

	register(t, conn, "alice", "password1")

	// heartbeats do not consume tokens
	send(t, conn, protocol.TypeHeartbeat, nil)

	send(t, conn, protocol.TypeRegister, protocol.RegisterRequest{Username: "bob", Password: "password2"})
	resp := decode[protocol.Response](t, expect(t, conn, protocol.TypeError))
	if resp.Error != "rate limit exceeded" {
		t.Fatalf("Unexpected response %+v", resp)
	}
}

func TestShutdownNotifiesClients(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := createTestConnection(t, srv)
	register(t, conn, "alice", "password1")
	login(t, conn, "alice", "password1")

	srv.Shutdown("maintenance")

	m := expect(t, conn, protocol.TypeSystem)
	if m.Content != "maintenance" {
		t.Fatalf("Expected shutdown reason, got %q", m.Content)
	}
	expectClosed(t, conn)

	// new connections are refused
	late := createTestConnection(t, srv)
	if _, err := readResponse(late, time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected refused connection, got %v", err)
	}
}

func TestBroadcast(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := createTestConnection(t, srv)
	id := register(t, conn, "alice", "password1")
	login(t, conn, "alice", "password1")

	if n := srv.Broadcast("hello all"); n != 1 {
		t.Fatalf("Expected 1 recipient, got %d", n)
	}
	m := expect(t, conn, protocol.TypeSystem)
	if m.Content != "hello all" || m.ReceiverID != id {
		t.Fatalf("Unexpected broadcast %+v", m)
	}

	stats := srv.GetStats()
	if stats.String() != "connections=1,users=alice" {
		t.Errorf("Unexpected stats %q", stats.String())
	}
}

func TestServeOverTCP(t *testing.T) {
	srv, _ := setupTestServer(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	register(t, conn, "alice", "password1")

	cancel()
	expect(t, conn, protocol.TypeSystem)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
}

func TestChatToUnknownReceiver(t *testing.T) {
	srv, database := setupTestServer(t)
	conn := createTestConnection(t, srv)
	aliceID := register(t, conn, "alice", "password1")
	login(t, conn, "alice", "password1")

	ghost := aliceID + 100
	chat(t, conn, ghost, "anyone there?")
	resp := decode[protocol.Response](t, expect(t, conn, protocol.TypeError))
	if resp.Error != "unknown receiver" {
		t.Fatalf("Unexpected response %+v", resp)
	}

	if n, err := database.CountOffline(srv.ctx, ghost); err != nil || n != 0 {
		t.Fatalf("Expected nothing queued for %d, got %d (%v)", ghost, n, err)
	}
	hist, err := database.History(srv.ctx, aliceID, ghost, 10)
	if err != nil || len(hist) != 0 {
		t.Fatalf("Expected no stored messages, got %v (%v)", hist, err)
	}
}

// gatedOffline parks the first IsEmpty call for user until release is
// closed, leaving the login in progress.
type gatedOffline struct {
	offline.Store
	user    int64
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedOffline) IsEmpty(ctx context.Context, userID int64) (bool, error) {
	if userID == g.user {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Store.IsEmpty(ctx, userID)
}

func TestLoginBacklogPrecedesLiveMessages(t *testing.T) {
	srv, _ := setupTestServer(t)

	alice := createTestConnection(t, srv)
	register(t, alice, "alice", "password1")
	bobID := register(t, alice, "bob", "password2")
	login(t, alice, "alice", "password1")

	chat(t, alice, bobID, "old-offline")
	send(t, alice, protocol.TypeGetFriendList, nil)
	expect(t, alice, protocol.TypeFriendListResponse)

	gate := &gatedOffline{
		Store:   srv.router.deps.Offline,
		user:    bobID,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	srv.router.deps.Offline = gate

	bob := createTestConnection(t, srv)
	send(t, bob, protocol.TypeLogin, protocol.LoginRequest{Username: "bob", Password: "password2"})

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("Login never reached the offline store")
	}

	// bob is registered but his backlog is not queued yet
	chat(t, alice, bobID, "new-live")
	send(t, alice, protocol.TypeGetFriendList, nil)
	expect(t, alice, protocol.TypeFriendListResponse)
	close(gate.release)

	resp := decode[protocol.LoginResponse](t, expect(t, bob, protocol.TypeLoginResponse))
	if !resp.Success {
		t.Fatalf("Login failed: %s", resp.Error)
	}
	for _, want := range []string{"old-offline", "new-live"} {
		if m := expect(t, bob, protocol.TypeChat); m.Content != want {
			t.Fatalf("Expected %q, got %q", want, m.Content)
		}
	}
}
