// Package storage provides durable key/value backends for witness and
// orchestrator state.
//
// A Store keeps, per ledger handle, the block appended at every height and
// an opaque "latest state" record, plus a small metadata namespace. Every
// write that returns nil must survive a process restart; the memory backend
// is the only exception and exists for tests and ephemeral nodes.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a handle, block or metadata key is absent.
	ErrNotFound = errors.New("storage: not found")

	// ErrNonContiguous is returned when a commit would leave a gap in a
	// handle's height sequence or rewrite an existing height.
	ErrNonContiguous = errors.New("storage: non-contiguous commit")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
)

// Store is the durable key/value interface consumed by witnesses and the
// orchestrator. Keys are (handle, height) -> block and handle -> state.
//
// Commit is atomic: either the block and the new state are both durable or
// neither is. The first commit for a handle may start at any height (joining
// witnesses adopt certified state without the earlier blocks); every later
// commit must be exactly one above the last committed height.
type Store interface {
	Commit(ctx context.Context, handle []byte, height uint64, block []byte, state []byte) error
	Block(ctx context.Context, handle []byte, height uint64) ([]byte, error)
	State(ctx context.Context, handle []byte) ([]byte, error)
	Handles(ctx context.Context) ([][]byte, error)
	PutMeta(ctx context.Context, key string, value []byte) error
	Meta(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendLevelDB = "leveldb"
)

var registry = map[string]func(path string) (Store, error){
	BackendMemory: func(string) (Store, error) {
		return NewMemoryStore(), nil
	},
	BackendSQLite: func(path string) (Store, error) {
		s, err := OpenSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	BackendLevelDB: func(path string) (Store, error) {
		s, err := OpenLevelDBStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
}

// Open creates a store of the named backend rooted at path.
func Open(backend, path string) (Store, error) {
	open, ok := registry[backend]
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
	if backend != BackendMemory && path == "" {
		return nil, fmt.Errorf("storage: backend %q requires a path", backend)
	}
	return open(path)
}

func nonContiguous(last, got uint64) error {
	return fmt.Errorf("%w: have %d, got %d", ErrNonContiguous, last, got)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
