package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryLedger struct {
	height uint64
	state  []byte
	blocks map[uint64][]byte
}

// MemoryStore is an in-process Store. It is safe for concurrent use and
// loses everything on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*memoryLedger
	meta    map[string][]byte
	closed  bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string]*memoryLedger),
		meta:    make(map[string][]byte),
	}
}

// Commit stores block at height and replaces the handle's state.
func (s *MemoryStore) Commit(_ context.Context, handle []byte, height uint64, block []byte, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	l, ok := s.ledgers[string(handle)]
	if !ok {
		l = &memoryLedger{blocks: make(map[uint64][]byte)}
		s.ledgers[string(handle)] = l
	} else if height != l.height+1 {
		return nonContiguous(l.height, height)
	}

	l.height = height
	l.state = clone(state)
	l.blocks[height] = clone(block)
	return nil
}

// Block returns the block stored at height.
func (s *MemoryStore) Block(_ context.Context, handle []byte, height uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	l, ok := s.ledgers[string(handle)]
	if !ok {
		return nil, ErrNotFound
	}
	b, ok := l.blocks[height]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

// State returns the latest state committed for handle.
func (s *MemoryStore) State(_ context.Context, handle []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	l, ok := s.ledgers[string(handle)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(l.state), nil
}

// Handles lists every handle with committed state, sorted bytewise.
func (s *MemoryStore) Handles(_ context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.ledgers))
	for k := range s.ledgers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

// PutMeta stores value under key, replacing any previous value.
func (s *MemoryStore) PutMeta(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.meta[key] = clone(value)
	return nil
}

// Meta returns the value stored under key.
func (s *MemoryStore) Meta(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.meta[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
