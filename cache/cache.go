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

// Package cache is the repository cache in front of a storage.Store.
//
// Reads are served from memory and fall through to the store on a miss.
// Writes update memory synchronously and are persisted by a single
// background writer in submission order, so the cache may run ahead of the
// store for a while. Every durable write returns a *Pending handle that
// callers can wait on or drop.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poiesic/forumstore/core"
	"github.com/poiesic/forumstore/storage"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCommentFetchFloor is the minimum number of comments fetched on
	// a comment list miss.
	DefaultCommentFetchFloor = 200

	// DefaultShutdownTimeout bounds how long Close waits for queued writes.
	DefaultShutdownTimeout = 30 * time.Second

	defaultRetryAttempts = 3
	defaultRetryDelay    = 50 * time.Millisecond

	// writerStopGrace bounds how long a timed-out Close waits for the
	// write in progress to notice cancellation.
	writerStopGrace = 5 * time.Second
)

// commentList is a cached reply tree, newest first. Lists are replaced,
// never modified in place.
type commentList struct {
	items []core.Comment
	// complete is false when the fetch that loaded the list hit its limit,
	// so older comments may exist in the store.
	complete bool
}

// Cache fronts a storage.Store with in-memory threads and comment lists.
type Cache struct {
	store  storage.Store
	logger *slog.Logger

	fetchFloor      int
	shutdownTimeout time.Duration
	retryAttempts   int
	retryDelay      time.Duration

	mu       sync.RWMutex
	threads  map[string]core.Thread
	comments map[string]commentList
	// owners maps comment IDs to the thread whose tree they are in.
	owners map[string]string
	// gen is bumped by every cleanup. Loads started under an older
	// generation must not populate the cache.
	gen uint64

	loads singleflight.Group

	queue        *writeQueue
	writerCtx    context.Context
	cancelWriter context.CancelFunc
	writerDone   chan struct{}
	closing      atomic.Bool
}

var _ storage.Reader = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCommentFetchFloor sets the minimum comment fetch size on a miss.
// Default is DefaultCommentFetchFloor.
func WithCommentFetchFloor(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.fetchFloor = n
		}
	}
}

// WithShutdownTimeout sets how long Close waits for queued writes.
// Default is DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithWriteRetry sets how often a failed durable write is attempted and
// the base backoff delay between attempts.
func WithWriteRetry(attempts int, delay time.Duration) Option {
	return func(c *Cache) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// New creates a cache over store and starts its writer goroutine.
// The cache starts cold; call WarmUp to preload threads.
func New(store storage.Store, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		store:           store,
		logger:          slog.Default(),
		fetchFloor:      DefaultCommentFetchFloor,
		shutdownTimeout: DefaultShutdownTimeout,
		retryAttempts:   defaultRetryAttempts,
		retryDelay:      defaultRetryDelay,
		threads:         make(map[string]core.Thread),
		comments:        make(map[string]commentList),
		owners:          make(map[string]string),
		queue:           newWriteQueue(),
		writerCtx:       ctx,
		cancelWriter:    cancel,
		writerDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.runWriter()
	return c
}

// SaveThread caches thread and queues its durable write.
func (c *Cache) SaveThread(thread core.Thread) *Pending {
	if err := core.ValidateThread(&thread); err != nil {
		c.logger.Warn("rejected thread", "id", thread.ID, "err", err)
		return resolvedPending(err)
	}
	if c.closing.Load() {
		return c.rejectClosed("save thread")
	}

	merged := c.cacheThreads([]core.Thread{thread})
	return c.enqueue("save thread", true, func(ctx context.Context) error {
		return c.store.SaveThread(ctx, merged[0])
	})
}

// SaveThreads caches a batch of threads and queues them as one durable
// transaction. An invalid thread rejects the whole batch.
func (c *Cache) SaveThreads(threads []core.Thread) *Pending {
	for _, thread := range threads {
		if err := core.ValidateThread(&thread); err != nil {
			c.logger.Warn("rejected thread batch", "id", thread.ID, "count", len(threads), "err", err)
			return resolvedPending(err)
		}
	}
	if len(threads) == 0 {
		return resolvedPending(nil)
	}
	if c.closing.Load() {
		return c.rejectClosed("save threads")
	}

	merged := c.cacheThreads(threads)
	return c.enqueue("save threads", true, func(ctx context.Context) error {
		return c.store.SaveThreads(ctx, merged)
	})
}

// cacheThreads merges threads into the cache and returns the merged values.
func (c *Cache) cacheThreads(threads []core.Thread) []core.Thread {
	merged := make([]core.Thread, len(threads))

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, thread := range threads {
		thread = thread.WithLastActivity(thread.CreatedUTC)
		if prev, ok := c.threads[thread.ID]; ok {
			thread = thread.Merge(prev)
		}
		c.threads[thread.ID] = thread
		merged[i] = thread
	}
	return merged
}

// SaveComment updates the cached comment list and thread of the comment's
// tree, if those are cached, and queues the durable write.
func (c *Cache) SaveComment(comment core.Comment) *Pending {
	if err := core.ValidateComment(&comment); err != nil {
		c.logger.Warn("rejected comment", "id", comment.ID, "err", err)
		return resolvedPending(err)
	}
	if c.closing.Load() {
		return c.rejectClosed("save comment")
	}

	comment = comment.Clone()

	c.mu.Lock()
	if comment.ThreadID == "" {
		comment.ThreadID = c.owningThreadLocked(comment.ParentID)
	}
	if comment.ThreadID != "" {
		c.owners[comment.ID] = comment.ThreadID
		if list, ok := c.comments[comment.ThreadID]; ok {
			c.comments[comment.ThreadID] = list.with(comment)
		}
		if thread, ok := c.threads[comment.ThreadID]; ok {
			c.threads[comment.ThreadID] = thread.WithLastActivity(comment.CreatedUTC)
		}
	}
	c.mu.Unlock()

	return c.enqueue("save comment", true, func(ctx context.Context) error {
		return c.store.SaveComment(ctx, comment)
	})
}

// owningThreadLocked finds the thread a reply to parentID belongs to, using
// cached state only. Returns "" if it can't tell. c.mu must be held.
func (c *Cache) owningThreadLocked(parentID string) string {
	if _, ok := c.threads[parentID]; ok {
		return parentID
	}
	if _, ok := c.comments[parentID]; ok {
		return parentID
	}
	return c.owners[parentID]
}

// indexOwnersLocked records the thread of every comment in items.
// c.mu must be held.
func (c *Cache) indexOwnersLocked(threadID string, items []core.Comment) {
	for _, comment := range items {
		c.owners[comment.ID] = threadID
	}
}

// with returns a new list with comment inserted, replacing any entry with
// the same ID and keeping the newest-first order.
func (l commentList) with(comment core.Comment) commentList {
	items := make([]core.Comment, 0, len(l.items)+1)
	for _, existing := range l.items {
		if existing.ID == comment.ID {
			comment = comment.Merge(existing)
			continue
		}
		items = append(items, existing)
	}

	// A truncated list only holds the newest comments; one older than its
	// tail belongs to the part that was never loaded.
	if !l.complete && len(l.items) > 0 && commentOlder(comment, l.items[len(l.items)-1]) {
		return l
	}

	items = append(items, comment)
	core.SortCommentsNewestFirst(items)
	return commentList{items: items, complete: l.complete}
}

// commentOlder reports whether a sorts after b in newest-first order.
func commentOlder(a, b core.Comment) bool {
	if a.CreatedUTC != b.CreatedUTC {
		return a.CreatedUTC < b.CreatedUTC
	}
	return a.ID > b.ID
}

// CleanupOldThreads queues a retention run on the writer. When it runs it
// deletes expired threads from the store, then clears and rewarms the
// cache.
func (c *Cache) CleanupOldThreads(maxAge time.Duration) *CleanupPending {
	cp := &CleanupPending{}
	if c.closing.Load() {
		cp.Pending = c.rejectClosed("cleanup")
		return cp
	}

	cp.Pending = c.enqueue("cleanup", false, func(ctx context.Context) error {
		deleted, err := c.store.CleanupOldThreads(ctx, maxAge)
		cp.deleted = deleted

		c.mu.Lock()
		clear(c.threads)
		clear(c.comments)
		c.gen++
		c.mu.Unlock()

		warmErr := c.WarmUp(ctx)

		c.mu.Lock()
		for commentID, threadID := range c.owners {
			if _, ok := c.threads[threadID]; !ok {
				delete(c.owners, commentID)
			}
		}
		c.mu.Unlock()

		if warmErr != nil {
			if err != nil {
				return fmt.Errorf("%w; rewarm: %w", err, warmErr)
			}
			return fmt.Errorf("rewarm: %w", warmErr)
		}
		return err
	})
	return cp
}

// GetThread returns a thread from the cache, loading it from the store on
// a miss. Returns storage.ErrNotFound if the thread doesn't exist.
func (c *Cache) GetThread(ctx context.Context, id string) (core.Thread, error) {
	c.mu.RLock()
	thread, ok := c.threads[id]
	c.mu.RUnlock()
	if ok {
		return thread, nil
	}

	gen := c.generation()
	v, err := c.load(ctx, fmt.Sprintf("thread:%d:%s", gen, id), func(ctx context.Context) (any, error) {
		loaded, err := c.store.GetThread(ctx, id)
		if err != nil {
			return core.Thread{}, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return loaded, nil
		}
		// A save that raced the load is newer than what the store returned.
		if cached, ok := c.threads[id]; ok {
			return cached, nil
		}
		c.threads[id] = loaded
		return loaded, nil
	})
	if err != nil {
		return core.Thread{}, err
	}
	return v.(core.Thread), nil
}

// GetAllThreads returns every cached thread, most recently active first.
// An empty cache is warmed up from the store first.
func (c *Cache) GetAllThreads(ctx context.Context) ([]core.Thread, error) {
	c.mu.RLock()
	empty := len(c.threads) == 0
	c.mu.RUnlock()

	if empty {
		if err := c.WarmUp(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	threads := make([]core.Thread, 0, len(c.threads))
	for _, thread := range c.threads {
		threads = append(threads, thread)
	}
	c.mu.RUnlock()

	slices.SortFunc(threads, func(a, b core.Thread) int {
		if a.LastActivityUTC != b.LastActivityUTC {
			if a.LastActivityUTC > b.LastActivityUTC {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return threads, nil
}

// WarmUp loads every stored thread into the cache. Threads already cached
// are kept, since they are at least as new as the stored ones.
func (c *Cache) WarmUp(ctx context.Context) error {
	gen := c.generation()
	_, err := c.load(ctx, fmt.Sprintf("warmup:%d", gen), func(ctx context.Context) (any, error) {
		threads, err := c.store.GetAllThreads(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			c.logger.Debug("dropping warm-up from before cleanup", "loaded", len(threads))
			return nil, nil
		}
		for _, thread := range threads {
			if _, ok := c.threads[thread.ID]; !ok {
				c.threads[thread.ID] = thread
			}
		}
		size := len(c.threads)
		c.mu.Unlock()

		c.logger.Debug("cache warmed up", "loaded", len(threads), "cached", size)
		return nil, nil
	})
	return err
}

// GetCommentsForThread returns up to limit comments of a thread's reply
// tree, newest first. A miss over-fetches so later calls with a larger
// limit are served from memory.
func (c *Cache) GetCommentsForThread(ctx context.Context, threadID string, limit int) ([]core.Comment, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", storage.ErrInvalidQuery, limit)
	}

	c.mu.RLock()
	list, ok := c.comments[threadID]
	c.mu.RUnlock()
	if ok && (list.complete || len(list.items) >= limit) {
		return boundedView(list.items, limit), nil
	}

	fetchLimit := max(limit, c.fetchFloor)
	gen := c.generation()
	v, err := c.load(ctx, fmt.Sprintf("comments:%d:%s:%d", gen, threadID, fetchLimit), func(ctx context.Context) (any, error) {
		fetched, err := c.store.GetCommentsForThread(ctx, threadID, fetchLimit)
		if err != nil {
			return nil, err
		}
		loaded := commentList{items: fetched, complete: len(fetched) < fetchLimit}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return loaded, nil
		}
		c.indexOwnersLocked(threadID, fetched)
		// Keep comments cached since the previous load that the store
		// has not caught up with yet.
		if prev, ok := c.comments[threadID]; ok {
			for _, comment := range prev.items {
				if !slices.ContainsFunc(loaded.items, func(x core.Comment) bool { return x.ID == comment.ID }) {
					loaded = loaded.with(comment)
				}
			}
		}
		c.comments[threadID] = loaded
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return boundedView(v.(commentList).items, limit), nil
}

// load runs fn once for all concurrent callers of key. fn gets a context
// that no single caller can cancel; each caller stops waiting when its own
// ctx ends.
func (c *Cache) load(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(key, func() (any, error) {
		return fn(shared)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// boundedView copies at most limit comments off the front of items.
func boundedView(items []core.Comment, limit int) []core.Comment {
	n := min(limit, len(items))
	view := make([]core.Comment, n)
	for i := range view {
		view[i] = items[i].Clone()
	}
	return view
}

// GetRecentThreads reads through to the store.
func (c *Cache) GetRecentThreads(ctx context.Context, limit int) ([]core.Thread, error) {
	return c.store.GetRecentThreads(ctx, limit)
}

// GetAllComments reads through to the store.
func (c *Cache) GetAllComments(ctx context.Context) ([]core.Comment, error) {
	return c.store.GetAllComments(ctx)
}

// Pending returns the number of queued durable writes.
func (c *Cache) Pending() int {
	return c.queue.size()
}

// Close stops accepting writes and waits for the queued ones, up to the
// shutdown timeout or until ctx ends. Writes still queued then are dropped
// and their handles fail with ErrDiscarded, and the write in progress is
// cancelled and waited for. Close does not close the store.
func (c *Cache) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.queue.close()

	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-c.writerDone:
		c.cancelWriter()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	dropped := c.queue.drain()
	for _, j := range dropped {
		j.pending.resolve(ErrDiscarded)
	}
	c.cancelWriter()

	// The store may be closed right after Close returns.
	grace := time.NewTimer(writerStopGrace)
	defer grace.Stop()
	select {
	case <-c.writerDone:
	case <-grace.C:
		c.logger.Error("writer still busy after cancellation", "grace", writerStopGrace)
	}

	c.logger.Warn("shutdown timed out, discarded queued writes",
		"discarded", len(dropped), "timeout", c.shutdownTimeout)
	return fmt.Errorf("%w: %d writes", ErrDiscarded, len(dropped))
}

func (c *Cache) enqueue(op string, retry bool, run func(ctx context.Context) error) *Pending {
	j := &job{op: op, run: run, retry: retry, pending: newPending()}
	if !c.queue.push(j) {
		return c.rejectClosed(op)
	}
	return j.pending
}

func (c *Cache) rejectClosed(op string) *Pending {
	c.logger.Warn("write after close", "op", op)
	return resolvedPending(ErrClosed)
}

// runWriter is the only goroutine that writes to the store. It exits once
// the queue is closed and empty.
func (c *Cache) runWriter() {
	defer close(c.writerDone)
	for {
		j, closed := c.queue.next()
		if j == nil {
			if closed {
				return
			}
			<-c.queue.signal
			continue
		}
		c.execute(j)
	}
}

func (c *Cache) execute(j *job) {
	run := func() error { return j.run(c.writerCtx) }

	var err error
	if j.retry {
		err = retryWithBackoff(c.writerCtx, c.logger, run, c.retryAttempts, c.retryDelay)
	} else {
		err = run()
	}
	if err != nil {
		c.logger.Error("durable write failed", "op", j.op, "err", err)
	}
	j.pending.resolve(err)
}
