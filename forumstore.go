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

// Package forumstore wires the storage engine, the repository cache and the
// retention scheduler together from a config.Config.
package forumstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/forumstore/cache"
	"github.com/poiesic/forumstore/config"
	"github.com/poiesic/forumstore/ingestion"
	"github.com/poiesic/forumstore/retention"
	"github.com/poiesic/forumstore/storage"
	"github.com/poiesic/forumstore/storage/badger"
	"github.com/poiesic/forumstore/storage/sqlite"
)

// Database owns one store with its cache and retention schedule.
type Database struct {
	cfg       *config.Config
	store     storage.Store
	cache     *cache.Cache
	retention *retention.Scheduler
	logger    *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger handed to every component.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock the store uses for fetch stamps and retention.
func WithClock(now func() time.Time) DatabaseOption {
	return func(o *databaseOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewDatabase opens the configured store and builds the cache and the
// retention scheduler on top of it. The scheduler is registered but not
// started; see StartRetention.
func NewDatabase(cfg *config.Config, opts ...DatabaseOption) (*Database, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Apply options
	options := &databaseOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}

	store, err := openStore(cfg, options)
	if err != nil {
		return nil, err
	}

	c := cache.New(store,
		cache.WithLogger(options.logger),
		cache.WithCommentFetchFloor(cfg.Cache.CommentFetchFloor),
		cache.WithShutdownTimeout(cfg.Cache.ShutdownTimeout),
		cache.WithWriteRetry(cfg.Cache.WriteRetryAttempts, cfg.Cache.WriteRetryDelay),
	)

	sched := retention.New(c, cfg.Retention.MaxAge,
		retention.WithLogger(options.logger),
		retention.WithRunTimeout(cfg.Retention.RunTimeout),
	)
	if err := sched.Schedule(cfg.Retention.Schedule); err != nil {
		c.Close(context.Background())
		store.Close()
		return nil, err
	}

	return &Database{
		cfg:       cfg,
		store:     store,
		cache:     c,
		retention: sched,
		logger:    options.logger,
	}, nil
}

func openStore(cfg *config.Config, options *databaseOptions) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlite.Open(cfg.Storage.Path, sqlite.WithLogger(options.logger), sqlite.WithClock(options.now))
	case config.BackendBadger:
		return badger.Open(cfg.Storage.Path, badger.WithLogger(options.logger), badger.WithClock(options.now))
	case config.BackendMemory:
		return sqlite.OpenMemory(sqlite.WithLogger(options.logger), sqlite.WithClock(options.now))
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.Storage.Backend)
	}
}

// Close stops the retention schedule, drains the cache's write queue within
// the configured shutdown timeout, and closes the store.
func (db *Database) Close(ctx context.Context) error {
	var errs []error

	select {
	case <-db.retention.Stop().Done():
	case <-ctx.Done():
		db.logger.Warn("retention run still in progress at shutdown")
	}

	if err := db.cache.Close(ctx); err != nil {
		db.logger.Error("error closing cache", "err", err)
		errs = append(errs, err)
	}
	if err := db.store.Close(); err != nil {
		db.logger.Error("error closing backend storage", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Store returns the storage engine. Writes should go through Cache so the
// writer stays the only one.
func (db *Database) Store() storage.Store {
	return db.store
}

func (db *Database) Cache() *cache.Cache {
	return db.cache
}

func (db *Database) Retention() *retention.Scheduler {
	return db.retention
}

// StartRetention starts the cleanup schedule.
func (db *Database) StartRetention() {
	db.retention.Start()
}

// NewIngestionPipeline creates an import pipeline that writes through the
// cache. Callers release it when done.
func (db *Database) NewIngestionPipeline(opts ...ingestion.Option) (*ingestion.Pipeline, error) {
	opts = append([]ingestion.Option{
		ingestion.WithPoolSize(db.cfg.Import.PoolSize),
		ingestion.WithLogger(db.logger),
	}, opts...)
	return ingestion.NewPipeline(db.cache, opts...)
}
