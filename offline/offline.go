// Package offline queues messages for users that are not connected and hands
// them over, in enqueue order, when the user logs in.
package offline

import (
	"context"
	"sync"

	"chatd/protocol"
)

// Store is a per-user FIFO of undelivered messages. Drain reads and clears a
// queue in one step; a message is never returned twice.
type Store interface {
	Enqueue(ctx context.Context, userID int64, m protocol.Message) error
	Drain(ctx context.Context, userID int64) ([]protocol.Message, error)
	IsEmpty(ctx context.Context, userID int64) (bool, error)
}

// Memory keeps queues in process memory. Contents are lost on restart.
type Memory struct {
	mu     sync.Mutex
	queues map[int64][]protocol.Message
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[int64][]protocol.Message)}
}

func (s *Memory) Enqueue(_ context.Context, userID int64, m protocol.Message) error {
	s.mu.Lock()
	s.queues[userID] = append(s.queues[userID], m)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Drain(_ context.Context, userID int64) ([]protocol.Message, error) {
	s.mu.Lock()
	q := s.queues[userID]
	delete(s.queues, userID)
	s.mu.Unlock()
	return q, nil
}

func (s *Memory) IsEmpty(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[userID]) == 0, nil
}

// Backend is the subset of the database used by Persistent.
type Backend interface {
	EnqueueOffline(ctx context.Context, userID int64, m protocol.Message) error
	DrainOffline(ctx context.Context, userID int64) ([]protocol.Message, error)
	CountOffline(ctx context.Context, userID int64) (int, error)
}

// Persistent stores queues in the database so they survive restarts.
// Drains are serialized so that two logins racing for the same queue
// cannot both observe a message.
type Persistent struct {
	mu      sync.Mutex
	backend Backend
}

func NewPersistent(backend Backend) *Persistent {
	return &Persistent{backend: backend}
}

func (s *Persistent) Enqueue(ctx context.Context, userID int64, m protocol.Message) error {
	return s.backend.EnqueueOffline(ctx, userID, m)
}

func (s *Persistent) Drain(ctx context.Context, userID int64) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.DrainOffline(ctx, userID)
}

func (s *Persistent) IsEmpty(ctx context.Context, userID int64) (bool, error) {
	n, err := s.backend.CountOffline(ctx, userID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
