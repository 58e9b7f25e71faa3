package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"applaunch/internal/stream"
	logx "applaunch/pkg/logx"
)

// Store is the SQLite-backed persistence surface. It holds no business
// rules; the schedule repository owns those.
type Store struct {
	Queries

	db  *sql.DB
	log logx.Logger

	version atomic.Uint64
	changes *stream.Subject[uint64]
	closed  atomic.Bool
}

// Open opens (creating if needed) the database at cfg.Path and applies
// pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// One connection: every write transaction is serialized, which is what
	// makes conflict-check-then-write atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := migrate(ctx, db, len(migrations), log); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, log: log, changes: stream.NewSubject[uint64]()}
	s.Queries = Queries{q: db, onWrite: s.notify}
	s.changes.Publish(0)
	return s, nil
}

func dsn(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_txlock", "immediate")
	if path == ":memory:" {
		return "file::memory:?" + q.Encode()
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// notify bumps the change version; watchers re-query on every bump.
func (s *Store) notify() {
	s.changes.Publish(s.version.Add(1))
}

// Version is the number of committed schedule writes since Open.
func (s *Store) Version() uint64 { return s.version.Load() }

// Ping checks that the database still answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.changes.Close()
	return s.db.Close()
}

// Tx is a write transaction. Its schedule operations see each other's
// effects; watchers are notified once, after commit.
type Tx struct {
	Queries

	tx    *sql.Tx
	dirty bool
}

// Atomic runs fn inside one write transaction. fn's error rolls back.
func (s *Store) Atomic(ctx context.Context, fn func(tx *Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	t := &Tx{tx: sqlTx}
	t.Queries = Queries{q: sqlTx, onWrite: func() { t.dirty = true }}

	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	if t.dirty {
		s.notify()
	}
	return nil
}
