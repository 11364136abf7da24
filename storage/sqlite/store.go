// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is the durable storage engine: a normalized relational
// schema on top of modernc.org/sqlite.
//
// Threads and comments keep their metadata in their own tables. Body text and
// image URLs live in the contents and images tables, keyed by an entity ID
// that may name either a thread or a comment. There are no foreign keys;
// CleanupOldThreads is what keeps those rows consistent with their owners.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/poiesic/forumstore/storage"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	subreddit TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	permalink TEXT NOT NULL DEFAULT '',
	score INTEGER NOT NULL DEFAULT 0,
	upvote_ratio REAL NOT NULL DEFAULT 0 CHECK (upvote_ratio >= 0 AND upvote_ratio <= 1),
	num_comments INTEGER NOT NULL DEFAULT 0,
	created_utc INTEGER NOT NULL,
	fetched_at INTEGER NOT NULL,
	last_activity_utc INTEGER NOT NULL
);

-- No thread column: membership is the transitive closure over parent_id.
CREATE TABLE IF NOT EXISTS comments (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	score INTEGER NOT NULL DEFAULT 0,
	created_utc INTEGER NOT NULL,
	fetched_at INTEGER NOT NULL
);

-- entity_id references either threads.id or comments.id.
CREATE TABLE IF NOT EXISTS contents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id TEXT NOT NULL UNIQUE,
	body TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id TEXT NOT NULL,
	image_url TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_parent_id ON comments(parent_id);
CREATE INDEX IF NOT EXISTS idx_images_entity_id ON images(entity_id);
CREATE INDEX IF NOT EXISTS idx_threads_last_activity ON threads(last_activity_utc);
`

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for fetched_at stamps and retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the database at path and applies the schema.
// A schema failure is returned wrapped in storage.ErrSchemaInit; the store
// is unusable without it.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return newStore(db, opts...)
}

// OpenMemory opens a private in-memory database, mostly for tests.
func OpenMemory(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return newStore(db, opts...)
}

func newStore(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", storage.ErrSchemaInit, err)
	}
	return s, nil
}

// migrate creates the database schema. Safe to run on every start.
func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// querier is the subset of *sql.DB and *sql.Tx the helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction. The transaction is rolled back if fn or
// the commit fails.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", storage.ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTransactionFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", storage.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return nil
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", storage.ErrInvalidQuery, limit)
	}
	return nil
}
