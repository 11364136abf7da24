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

// Package badger is a key-value implementation of storage.Store on BadgerDB,
// used offline and in tests. It can run purely in memory.
//
// Threads and comments are stored as serialized records. Two secondary
// indexes back the queries: thread activity (for recency and retention) and
// parent to child links (for reply tree traversal).
package badger

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/forumstore/core"
	"github.com/poiesic/forumstore/storage"
)

// Store implements storage.Store for BadgerDB.
type Store struct {
	backend *Backend
	logger  *slog.Logger
	now     func() time.Time
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

// NewStore creates a Store on an open backend. The store owns the backend
// and closes it on Close.
func NewStore(backend *Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (creating if needed) a store in the directory at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := NewStore(nil, opts...)
	backend, err := OpenBackend(path, false, s.logger)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.backend.Close()
}

// readThread reads a thread from the transaction. found is false if the
// thread doesn't exist.
func readThread(tx *badger.Txn, id string) (core.Thread, bool, error) {
	item, err := tx.Get(makeThreadKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.Thread{}, false, nil
		}
		return core.Thread{}, false, err
	}

	var thread core.Thread
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		thread, unmarshalErr = storage.UnmarshalThread(val)
		return unmarshalErr
	})
	return thread, err == nil, err
}

// readComment reads a comment from the transaction. found is false if the
// comment doesn't exist.
func readComment(tx *badger.Txn, id string) (core.Comment, bool, error) {
	item, err := tx.Get(makeCommentKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.Comment{}, false, nil
		}
		return core.Comment{}, false, err
	}

	var comment core.Comment
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		comment, unmarshalErr = storage.UnmarshalComment(val)
		return unmarshalErr
	})
	return comment, err == nil, err
}

// writeThread stores a thread record and moves its activity index entry
// from prevActivity when that changed. prevActivity < 0 means a new thread.
func writeThread(tx *badger.Txn, thread core.Thread, prevActivity int64) error {
	if prevActivity >= 0 && prevActivity != thread.LastActivityUTC {
		if err := tx.Delete(makeActivityKey(prevActivity, thread.ID)); err != nil {
			return err
		}
	}
	if err := tx.Set(makeThreadKey(thread.ID), storage.MarshalThread(thread)); err != nil {
		return err
	}
	return tx.Set(makeActivityKey(thread.LastActivityUTC, thread.ID), []byte(thread.ID))
}
