// Package snapshot persists full document states keyed by room code.
package snapshot

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when a room has never been persisted.
var ErrNotFound = errors.New("snapshot not found")

type Store interface {
	Load(ctx context.Context, roomCode string) ([]byte, error)
	Save(ctx context.Context, roomCode string, data []byte) error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{items: make(map[string][]byte)} }

func (s *MemoryStore) Load(ctx context.Context, roomCode string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.items[roomCode]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(ctx context.Context, roomCode string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[roomCode] = append([]byte(nil), data...)
	return nil
}
