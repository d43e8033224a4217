// Package friends maintains the friend graph on top of the database and
// keeps a bounded cache of accepted friend lists.
package friends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"chatd/db"
	"chatd/models"
)

var (
	ErrSelfRequest      = errors.New("cannot befriend yourself")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrNoPendingRequest = errors.New("no pending friend request")
)

const defaultCacheSize = 1024

// Store is the friendship part of the database.
type Store interface {
	UpsertEdge(ctx context.Context, e models.Friendship) error
	EdgeStatus(ctx context.Context, user, friend int64) (models.FriendStatus, error)
	CountAcceptedEdge(ctx context.Context, a, b int64) (int, error)
	ListAcceptedFriends(ctx context.Context, userID int64) ([]models.User, error)
	ResolveFriendRequest(ctx context.Context, from, to int64, accept bool) (models.FriendStatus, error)
}

type Manager struct {
	store Store
	cache *lru.Cache // user id -> []models.User
	log   *slog.Logger

	// gen counts invalidations per user. A list loaded from the store is
	// cached only if no invalidation happened while it was being read.
	mu  sync.Mutex
	gen map[int64]uint64
}

func New(store Store, cacheSize int, log *slog.Logger) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, cache: cache, log: log, gen: make(map[int64]uint64)}, nil
}

// AreFriends reports whether a has an accepted edge to b.
func (m *Manager) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	n, err := m.store.CountAcceptedEdge(ctx, a, b)
	if err != nil {
		return false, fmt.Errorf("check friendship %d->%d: %w", a, b, err)
	}
	return n > 0, nil
}

// Request records a pending edge from -> to. Repeating a request that is
// still pending, or one that was rejected, is allowed.
func (m *Manager) Request(ctx context.Context, from, to int64) error {
	if from == to {
		return ErrSelfRequest
	}
	ok, err := m.AreFriends(ctx, from, to)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyFriends
	}

	if err := m.store.UpsertEdge(ctx, models.Friendship{UserID: from, FriendID: to, Status: models.FriendPending}); err != nil {
		return fmt.Errorf("record friend request %d->%d: %w", from, to, err)
	}
	m.log.Debug("Friend request recorded", "from", from, "to", to)
	return nil
}

// Respond answers the request from -> to on behalf of to. Repeating the
// same answer succeeds without creating another edge; changing an answer
// already given fails with ErrNoPendingRequest.
func (m *Manager) Respond(ctx context.Context, from, to int64, accept bool) (models.FriendStatus, error) {
	status, err := m.store.ResolveFriendRequest(ctx, from, to, accept)
	if errors.Is(err, db.ErrNoRows) {
		return 0, ErrNoPendingRequest
	}
	if err != nil {
		return 0, fmt.Errorf("resolve friend request %d->%d: %w", from, to, err)
	}

	want := models.FriendRejected
	if accept {
		want = models.FriendAccepted
	}
	if status != want {
		return status, ErrNoPendingRequest
	}

	m.Invalidate(from)
	m.Invalidate(to)
	m.log.Info("Friend request answered", "from", from, "to", to, "status", status)
	return status, nil
}

// List returns the accepted friends of userID. The Online field reflects
// the database flag; callers with live presence should override it.
func (m *Manager) List(ctx context.Context, userID int64) ([]models.User, error) {
	if v, ok := m.cache.Get(userID); ok {
		return copyUsers(v.([]models.User)), nil
	}

	m.mu.Lock()
	gen := m.gen[userID]
	m.mu.Unlock()

	friends, err := m.store.ListAcceptedFriends(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends of %d: %w", userID, err)
	}

	m.mu.Lock()
	if m.gen[userID] == gen {
		m.cache.Add(userID, friends)
	}
	m.mu.Unlock()
	return copyUsers(friends), nil
}

// Invalidate drops the cached list of userID and discards any load of it
// that is still in flight.
func (m *Manager) Invalidate(userID int64) {
	m.mu.Lock()
	m.gen[userID]++
	m.cache.Remove(userID)
	m.mu.Unlock()
}

func copyUsers(in []models.User) []models.User {
	out := make([]models.User, len(in))
	copy(out, in)
	return out
}
