package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatd/directory"
	"chatd/friends"
	"chatd/models"
	"chatd/offline"
	"chatd/protocol"
)

const maxHistoryLimit = 200

// Directory is the account service used by the router.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	RegisterUser(ctx context.Context, username, password, nickname string) (int64, error)
	LookupByUsername(ctx context.Context, username string) (*models.User, error)
	Exists(ctx context.Context, id int64) (bool, error)
	MarkOnline(ctx context.Context, id int64) error
	MarkOffline(ctx context.Context, id int64) error
}

// Friends is the friend graph used by the router.
type Friends interface {
	Request(ctx context.Context, from, to int64) error
	Respond(ctx context.Context, from, to int64, accept bool) (models.FriendStatus, error)
	List(ctx context.Context, userID int64) ([]models.User, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m protocol.Message) (int64, error)
	History(ctx context.Context, a, b int64, limit int) ([]protocol.Message, error)
}

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Directory Directory
	Friends   Friends
	Offline   offline.Store
	Messages  MessageStore
}

type Router struct {
	deps         Deps
	registry     *Registry
	log          *slog.Logger
	metrics      *Metrics
	storeTimeout time.Duration
	historyLimit int
}

func NewRouter(deps Deps, registry *Registry, cfg *Config, log *slog.Logger, metrics *Metrics) *Router {
	limit := cfg.HistoryLimit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = 50
	}
	return &Router{
		deps:         deps,
		registry:     registry,
		log:          log,
		metrics:      metrics,
		storeTimeout: cfg.StoreTimeout,
		historyLimit: limit,
	}
}

// storeCtx bounds a single store call.
func (r *Router) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.storeTimeout)
}

// Route handles one inbound message from peer and returns the replies for
// peer, in order. Messages for other users are delivered as a side effect.
// A successful login queues its own replies.
func (r *Router) Route(ctx context.Context, peer *Session, m protocol.Message) []protocol.Message {
	if !peer.Authenticated() {
		switch m.Type {
		case protocol.TypeLogin, protocol.TypeRegister, protocol.TypeHeartbeat:
		default:
			r.log.Warn("Request before login", "session", peer.ID(), "type", m.Type)
			return []protocol.Message{protocol.Failure(0, protocol.TypeError, "not logged in")}
		}
	}

	req, err := protocol.ParseRequest(m)
	if errors.Is(err, protocol.ErrUnroutable) {
		r.log.Warn("Dropping message", "session", peer.ID(), "type", m.Type)
		return nil
	}
	if err != nil {
		r.log.Warn("Bad request", "session", peer.ID(), "type", m.Type, "err", err)
		return []protocol.Message{protocol.Failure(peer.UserID(), replyType(m.Type), "malformed request")}
	}
	r.metrics.Requests.WithLabelValues(m.Type.String()).Inc()

	switch req := req.(type) {
	case protocol.Login:
		return r.login(ctx, peer, req)
	case protocol.Register:
		return r.register(ctx, peer, req)
	case protocol.Logout:
		r.log.Info("User logged out", "user", peer.UserID(), "session", peer.ID())
		peer.Close()
		return nil
	case protocol.Heartbeat:
		return nil
	case protocol.Chat:
		return r.chat(ctx, peer, req.Message)
	case protocol.GetHistory:
		return r.history(ctx, peer, req)
	case protocol.GetFriendList:
		return r.friendList(ctx, peer)
	case protocol.SendFriendRequest:
		return r.friendRequest(ctx, peer, req)
	case protocol.RespondFriendRequest:
		return r.friendResponse(ctx, peer, req)
	}
	return nil
}

// replyType is the message type used to answer a request of type t.
func replyType(t protocol.MessageType) protocol.MessageType {
	switch t {
	case protocol.TypeLogin:
		return protocol.TypeLoginResponse
	case protocol.TypeRegister:
		return protocol.TypeRegisterResponse
	case protocol.TypeGetChatHistory:
		return protocol.TypeChatHistoryResponse
	case protocol.TypeGetFriendList:
		return protocol.TypeFriendListResponse
	case protocol.TypeFriendRequest:
		return protocol.TypeFriendRequestResponse
	case protocol.TypeFriendResponse:
		return protocol.TypeFriendResponse
	}
	return protocol.TypeError
}

func (r *Router) login(ctx context.Context, peer *Session, req protocol.Login) []protocol.Message {
	if peer.Authenticated() {
		return []protocol.Message{protocol.Failure(peer.UserID(), protocol.TypeLoginResponse, "already logged in")}
	}

	sctx, cancel := r.storeCtx(ctx)
	user, err := r.deps.Directory.Authenticate(sctx, req.Username, req.Password)
	cancel()
	if err != nil {
		if errors.Is(err, directory.ErrInvalidCredentials) {
			r.log.Info("Login failed", "session", peer.ID(), "username", req.Username)
			return []protocol.Message{protocol.Failure(0, protocol.TypeLoginResponse, err.Error())}
		}
		r.log.Error("Login error", "session", peer.ID(), "err", err)
		return []protocol.Message{protocol.Failure(0, protocol.TypeLoginResponse, "internal error")}
	}

	peer.setUser(user.ID, user.Username)
	peer.holdRelays()
	if prev := r.registry.Register(user.ID, peer); prev != nil {
		r.metrics.Evictions.Inc()
		prev.Evict("logged in from another connection")
	} else {
		r.metrics.UsersOnline.Inc()
	}

	sctx, cancel = r.storeCtx(ctx)
	if err := r.deps.Directory.MarkOnline(sctx, user.ID); err != nil {
		r.log.Error("Failed to mark user online", "user", user.ID, "err", err)
	}
	cancel()

	backlog := r.drainOffline(ctx, user.ID)

	r.log.Info("User logged in", "user", user.ID, "username", user.Username, "session", peer.ID(), "offline", len(backlog))

	replies := make([]protocol.Message, 0, 1+len(backlog))
	replies = append(replies, protocol.Reply(user.ID, protocol.TypeLoginResponse, protocol.LoginResponse{
		Response: protocol.Response{Success: true},
		UserID:   user.ID,
		Username: user.Username,
		Nickname: user.DisplayName(),
	}))
	if r.sendAll(ctx, peer, append(replies, backlog...)) {
		// a sender that missed the registry may have queued after the drain
		r.sendAll(ctx, peer, r.drainOffline(ctx, user.ID))
	}

	if rest, err := peer.releaseRelays(ctx); err != nil {
		r.requeue(ctx, user.ID, rest)
	}
	return nil
}

// sendAll queues msgs for peer in order. What cannot be queued goes back to
// the offline store.
func (r *Router) sendAll(ctx context.Context, peer *Session, msgs []protocol.Message) bool {
	for i, m := range msgs {
		if err := peer.SendWait(ctx, m); err != nil {
			r.requeue(ctx, peer.UserID(), msgs[i:])
			return false
		}
	}
	return true
}

func (r *Router) drainOffline(ctx context.Context, userID int64) []protocol.Message {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	empty, err := r.deps.Offline.IsEmpty(sctx, userID)
	if err == nil && empty {
		return nil
	}
	backlog, err := r.deps.Offline.Drain(sctx, userID)
	if err != nil {
		r.log.Error("Failed to drain offline messages", "user", userID, "err", err)
	}
	return backlog
}

func (r *Router) register(ctx context.Context, peer *Session, req protocol.Register) []protocol.Message {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	id, err := r.deps.Directory.RegisterUser(sctx, req.Username, req.Password, req.Nickname)
	if err != nil {
		reason := err.Error()
		if !errors.Is(err, directory.ErrDuplicateUsername) && !errors.Is(err, directory.ErrInvalidInput) {
			r.log.Error("Register error", "session", peer.ID(), "err", err)
			reason = "internal error"
		}
		return []protocol.Message{protocol.Failure(peer.UserID(), protocol.TypeRegisterResponse, reason)}
	}
	return []protocol.Message{protocol.Reply(peer.UserID(), protocol.TypeRegisterResponse, protocol.RegisterResponse{
		Response: protocol.Response{Success: true},
		UserID:   id,
	})}
}

func (r *Router) chat(ctx context.Context, peer *Session, m protocol.Message) []protocol.Message {
	m.ID = 0
	m.SenderID = peer.UserID()
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().Unix()
	}
	if m.ReceiverID <= 0 || m.ReceiverID == m.SenderID {
		return []protocol.Message{protocol.Failure(m.SenderID, protocol.TypeError, "invalid receiver")}
	}

	sctx, cancel := r.storeCtx(ctx)
	exists, err := r.deps.Directory.Exists(sctx, m.ReceiverID)
	cancel()
	if err != nil {
		r.log.Error("Receiver lookup failed", "to", m.ReceiverID, "err", err)
		return []protocol.Message{protocol.Failure(m.SenderID, protocol.TypeError, "message not delivered")}
	}
	if !exists {
		return []protocol.Message{protocol.Failure(m.SenderID, protocol.TypeError, "unknown receiver")}
	}

	sctx, cancel = r.storeCtx(ctx)
	id, err := r.deps.Messages.SaveMessage(sctx, m)
	cancel()
	if err != nil {
		r.log.Error("Failed to store message", "from", m.SenderID, "to", m.ReceiverID, "err", err)
		return []protocol.Message{protocol.Failure(m.SenderID, protocol.TypeError, "message not delivered")}
	}
	m.ID = id

	if err := r.deliver(ctx, m); err != nil {
		return []protocol.Message{protocol.Failure(m.SenderID, protocol.TypeError, "message not delivered")}
	}
	return nil
}

// deliver hands m to the recipient's live session or, failing that, to the
// offline store.
func (r *Router) deliver(ctx context.Context, m protocol.Message) error {
	if target, ok := r.registry.Lookup(m.ReceiverID); ok {
		err := target.Deliver(m)
		if err == nil {
			r.metrics.Relayed.Inc()
			return nil
		}
		r.log.Warn("Relay failed, queueing offline", "to", m.ReceiverID, "err", err)
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.deps.Offline.Enqueue(sctx, m.ReceiverID, m); err != nil {
		r.log.Error("Failed to queue offline message", "to", m.ReceiverID, "type", m.Type, "err", err)
		return err
	}
	r.metrics.OfflineQueued.Inc()
	return nil
}

// requeue puts undelivered peer-originated messages back at the tail of the
// offline queue of userID. Server replies are not kept.
func (r *Router) requeue(ctx context.Context, userID int64, msgs []protocol.Message) {
	if userID == 0 {
		return
	}
	for _, m := range msgs {
		if m.SenderID == 0 {
			continue
		}
		sctx, cancel := r.storeCtx(ctx)
		if err := r.deps.Offline.Enqueue(sctx, userID, m); err != nil {
			r.log.Error("Failed to requeue message", "user", userID, "err", err)
		}
		cancel()
	}
}

func (r *Router) history(ctx context.Context, peer *Session, req protocol.GetHistory) []protocol.Message {
	user := peer.UserID()
	if req.OtherUserID <= 0 {
		return []protocol.Message{protocol.Failure(user, protocol.TypeChatHistoryResponse, "invalid user")}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = r.historyLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	sctx, cancel := r.storeCtx(ctx)
	msgs, err := r.deps.Messages.History(sctx, user, req.OtherUserID, limit)
	cancel()
	if err != nil {
		r.log.Error("History error", "user", user, "other", req.OtherUserID, "err", err)
		return []protocol.Message{protocol.Failure(user, protocol.TypeChatHistoryResponse, "internal error")}
	}

	// newest first from the store, oldest first on the wire
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	return []protocol.Message{protocol.Reply(user, protocol.TypeChatHistoryResponse, protocol.HistoryResponse{
		Response:    protocol.Response{Success: true},
		OtherUserID: req.OtherUserID,
		Messages:    msgs,
	})}
}

func (r *Router) friendList(ctx context.Context, peer *Session) []protocol.Message {
	user := peer.UserID()

	sctx, cancel := r.storeCtx(ctx)
	users, err := r.deps.Friends.List(sctx, user)
	cancel()
	if err != nil {
		r.log.Error("Friend list error", "user", user, "err", err)
		return []protocol.Message{protocol.Failure(user, protocol.TypeFriendListResponse, "internal error")}
	}

	list := make([]protocol.Friend, 0, len(users))
	for _, u := range users {
		list = append(list, protocol.Friend{
			UserID:    u.ID,
			Username:  u.Username,
			Nickname:  u.DisplayName(),
			AvatarURL: u.AvatarURL,
			Online:    r.registry.IsOnline(u.ID),
		})
	}
	return []protocol.Message{protocol.Reply(user, protocol.TypeFriendListResponse, protocol.FriendListResponse{
		Response: protocol.Response{Success: true},
		Friends:  list,
	})}
}

func (r *Router) friendRequest(ctx context.Context, peer *Session, req protocol.SendFriendRequest) []protocol.Message {
	from := peer.UserID()
	fail := func(reason string) []protocol.Message {
		return []protocol.Message{protocol.Failure(from, protocol.TypeFriendRequestResponse, reason)}
	}

	sctx, cancel := r.storeCtx(ctx)
	target, err := r.deps.Directory.LookupByUsername(sctx, req.ToUsername)
	cancel()
	if err != nil {
		r.log.Error("Friend request lookup error", "user", from, "err", err)
		return fail("internal error")
	}
	if target == nil {
		return fail("user not found")
	}

	sctx, cancel = r.storeCtx(ctx)
	err = r.deps.Friends.Request(sctx, from, target.ID)
	cancel()
	switch {
	case errors.Is(err, friends.ErrSelfRequest), errors.Is(err, friends.ErrAlreadyFriends):
		return fail(err.Error())
	case err != nil:
		r.log.Error("Friend request error", "from", from, "to", target.ID, "err", err)
		return fail("internal error")
	}

	note := protocol.Reply(target.ID, protocol.TypeFriendRequestNotification, protocol.FriendRequestNotification{
		Type:         "friend_request",
		FromUserID:   from,
		FromUsername: peer.Username(),
	})
	note.SenderID = from
	if err := r.deliver(ctx, note); err != nil {
		return fail("request not delivered")
	}

	return []protocol.Message{protocol.Reply(from, protocol.TypeFriendRequestResponse, protocol.Response{Success: true})}
}

func (r *Router) friendResponse(ctx context.Context, peer *Session, req protocol.RespondFriendRequest) []protocol.Message {
	responder := peer.UserID()

	sctx, cancel := r.storeCtx(ctx)
	_, err := r.deps.Friends.Respond(sctx, req.FromUserID, responder, req.Accept)
	cancel()
	if err != nil {
		reason := err.Error()
		if !errors.Is(err, friends.ErrNoPendingRequest) {
			r.log.Error("Friend response error", "from", req.FromUserID, "to", responder, "err", err)
			reason = "internal error"
		}
		return []protocol.Message{protocol.Failure(responder, protocol.TypeFriendResponse, reason)}
	}

	notice := protocol.Reply(req.FromUserID, protocol.TypeFriendResponse, protocol.FriendResponseNotice{
		Response:   protocol.Response{Success: true},
		FromUserID: responder,
		Accept:     req.Accept,
	})
	notice.SenderID = responder
	if err := r.deliver(ctx, notice); err != nil {
		r.log.Warn("Friend response notice not delivered", "to", req.FromUserID, "err", err)
	}

	return []protocol.Message{protocol.Reply(responder, protocol.TypeFriendResponse, protocol.FriendResponseNotice{
		Response:   protocol.Response{Success: true},
		FromUserID: req.FromUserID,
		Accept:     req.Accept,
	})}
}

// disconnect releases the user bound to peer once its connection is gone.
func (r *Router) disconnect(ctx context.Context, peer *Session) {
	user := peer.UserID()
	if user == 0 || !r.registry.Unregister(user, peer) {
		return
	}
	r.metrics.UsersOnline.Dec()

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.deps.Directory.MarkOffline(sctx, user); err != nil {
		r.log.Error("Failed to mark user offline", "user", user, "err", err)
	}
}
