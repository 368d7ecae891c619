package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at dsn and ensures the schema.
// The journal runs in WAL mode with synchronous=FULL so committed
// transactions survive power loss.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// One writer at a time keeps the serializable height check honest.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS blocks (
  handle BLOB    NOT NULL,
  height INTEGER NOT NULL,
  block  BLOB    NOT NULL,
  PRIMARY KEY (handle, height)
);
CREATE TABLE IF NOT EXISTS states (
  handle BLOB    PRIMARY KEY,
  height INTEGER NOT NULL,
  state  BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
  key   TEXT PRIMARY KEY,
  value BLOB NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Commit writes the block and the new state in one serializable transaction.
func (s *SQLiteStore) Commit(ctx context.Context, handle []byte, height uint64, block []byte, state []byte) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT height FROM states WHERE handle=?`, handle).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case uint64(last)+1 != height:
		return nonContiguous(uint64(last), height)
	}

	if block == nil {
		block = []byte{}
	}
	if state == nil {
		state = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blocks(handle, height, block) VALUES(?, ?, ?)`,
		handle, int64(height), block); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO states(handle, height, state) VALUES(?, ?, ?)
		 ON CONFLICT(handle) DO UPDATE SET height=excluded.height, state=excluded.state`,
		handle, int64(height), state); err != nil {
		return err
	}
	return tx.Commit()
}

// Block returns the block stored at height.
func (s *SQLiteStore) Block(ctx context.Context, handle []byte, height uint64) ([]byte, error) {
	var block []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT block FROM blocks WHERE handle=? AND height=?`, handle, int64(height)).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return block, nil
}

// State returns the latest state committed for handle.
func (s *SQLiteStore) State(ctx context.Context, handle []byte) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM states WHERE handle=?`, handle).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Handles lists every handle with committed state in ascending order.
func (s *SQLiteStore) Handles(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT handle FROM states ORDER BY handle ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PutMeta stores value under key.
func (s *SQLiteStore) PutMeta(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// Meta returns the value stored under key.
func (s *SQLiteStore) Meta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
