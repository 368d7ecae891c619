package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	b | len(handle):4 | handle | height:8  -> block
//	s | handle                             -> height:8 | state
//	m | key                                -> value
const (
	prefixBlock = 'b'
	prefixState = 's'
	prefixMeta  = 'm'
)

// LevelDBStore is a Store backed by a goleveldb database directory.
// Every write is a synced batch.
type LevelDBStore struct {
	db *leveldb.DB
	// mu serializes commits so the height check and the batch write
	// happen as one step.
	mu sync.Mutex
}

// OpenLevelDBStore opens or creates the database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

var syncWrite = &opt.WriteOptions{Sync: true}

func blockKey(handle []byte, height uint64) []byte {
	k := make([]byte, 1+4+len(handle)+8)
	k[0] = prefixBlock
	binary.BigEndian.PutUint32(k[1:5], uint32(len(handle)))
	copy(k[5:], handle)
	binary.BigEndian.PutUint64(k[5+len(handle):], height)
	return k
}

func stateKey(handle []byte) []byte {
	return append([]byte{prefixState}, handle...)
}

func metaKey(key string) []byte {
	return append([]byte{prefixMeta}, key...)
}

func (s *LevelDBStore) get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return nil, ErrClosed
	}
	return v, err
}

// Commit writes the block and the new state in one synced batch.
func (s *LevelDBStore) Commit(ctx context.Context, handle []byte, height uint64, block []byte, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.get(stateKey(handle))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case len(prev) < 8:
		return errors.New("storage: corrupt state record")
	default:
		last := binary.BigEndian.Uint64(prev[:8])
		if last+1 != height {
			return nonContiguous(last, height)
		}
	}

	rec := make([]byte, 8+len(state))
	binary.BigEndian.PutUint64(rec[:8], height)
	copy(rec[8:], state)

	batch := new(leveldb.Batch)
	batch.Put(blockKey(handle, height), block)
	batch.Put(stateKey(handle), rec)
	return s.db.Write(batch, syncWrite)
}

// Block returns the block stored at height.
func (s *LevelDBStore) Block(_ context.Context, handle []byte, height uint64) ([]byte, error) {
	return s.get(blockKey(handle, height))
}

// State returns the latest state committed for handle.
func (s *LevelDBStore) State(_ context.Context, handle []byte) ([]byte, error) {
	rec, err := s.get(stateKey(handle))
	if err != nil {
		return nil, err
	}
	if len(rec) < 8 {
		return nil, errors.New("storage: corrupt state record")
	}
	return rec[8:], nil
}

// Handles lists every handle with committed state in key order.
func (s *LevelDBStore) Handles(_ context.Context) ([][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixState}), nil)
	defer iter.Release()

	var out [][]byte
	for iter.Next() {
		out = append(out, clone(iter.Key()[1:]))
	}
	return out, iter.Error()
}

// PutMeta stores value under key with a synced write.
func (s *LevelDBStore) PutMeta(_ context.Context, key string, value []byte) error {
	return s.db.Put(metaKey(key), value, syncWrite)
}

// Meta returns the value stored under key.
func (s *LevelDBStore) Meta(_ context.Context, key string) ([]byte, error) {
	return s.get(metaKey(key))
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
