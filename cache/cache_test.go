package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/forumstore/core"
	"github.com/poiesic/forumstore/storage"
	"github.com/poiesic/forumstore/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(2_000_000, 0)

// spyStore wraps a real store, counts calls, and can intercept writes.
type spyStore struct {
	storage.Store

	mu          sync.Mutex
	calls       map[string]int
	limits      []int
	writes      []string
	beforeWrite func(ctx context.Context, op string) error
	// beforeRead and afterRead run around GetThread and GetAllThreads.
	beforeRead func(op string)
	afterRead  func(op string)
}

func newSpyStore(t *testing.T) *spyStore {
	t.Helper()
	store, err := sqlite.OpenMemory(sqlite.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &spyStore{Store: store, calls: make(map[string]int)}
}

func (s *spyStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

func (s *spyStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *spyStore) write(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.beforeWrite
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.writes = append(s.writes, op)
	s.mu.Unlock()
	return nil
}

func (s *spyStore) writeLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *spyStore) SaveThread(ctx context.Context, thread core.Thread) error {
	if err := s.write(ctx, "thread:"+thread.ID); err != nil {
		return err
	}
	return s.Store.SaveThread(ctx, thread)
}

func (s *spyStore) SaveThreads(ctx context.Context, threads []core.Thread) error {
	if err := s.write(ctx, fmt.Sprintf("threads:%d", len(threads))); err != nil {
		return err
	}
	return s.Store.SaveThreads(ctx, threads)
}

func (s *spyStore) SaveComment(ctx context.Context, comment core.Comment) error {
	if err := s.write(ctx, "comment:"+comment.ID); err != nil {
		return err
	}
	return s.Store.SaveComment(ctx, comment)
}

func (s *spyStore) readHooks() (before, after func(op string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	noop := func(string) {}
	before, after = s.beforeRead, s.afterRead
	if before == nil {
		before = noop
	}
	if after == nil {
		after = noop
	}
	return before, after
}

func (s *spyStore) GetThread(ctx context.Context, id string) (core.Thread, error) {
	s.record("GetThread")
	before, after := s.readHooks()
	before("GetThread")
	thread, err := s.Store.GetThread(ctx, id)
	after("GetThread")
	return thread, err
}

func (s *spyStore) GetAllThreads(ctx context.Context) ([]core.Thread, error) {
	s.record("GetAllThreads")
	before, after := s.readHooks()
	before("GetAllThreads")
	threads, err := s.Store.GetAllThreads(ctx)
	after("GetAllThreads")
	return threads, err
}

func (s *spyStore) GetCommentsForThread(ctx context.Context, threadID string, limit int) ([]core.Comment, error) {
	s.mu.Lock()
	s.calls["GetCommentsForThread"]++
	s.limits = append(s.limits, limit)
	s.mu.Unlock()
	return s.Store.GetCommentsForThread(ctx, threadID, limit)
}

func newTestCache(t *testing.T, store storage.Store, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithWriteRetry(3, time.Millisecond)}, opts...)
	c := New(store, opts...)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func sampleThread(id string, activity int64) core.Thread {
	return core.Thread{
		ID:              id,
		Subreddit:       "golang",
		Title:           "Title " + id,
		CreatedUTC:      1000,
		UpvoteRatio:     0.9,
		LastActivityUTC: activity,
	}
}

func wait(t *testing.T, p *Pending) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func seedComments(t *testing.T, store storage.Store, threadID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, store.SaveComment(ctx, core.Comment{
			ID:         fmt.Sprintf("%s-c%d", threadID, i),
			ParentID:   threadID,
			CreatedUTC: int64(1000 + i),
		}))
	}
}

func TestSaveThread_WriteThrough(t *testing.T) {
	store := newSpyStore(t)
	c := newTestCache(t, store)
	ctx := context.Background()

	p := c.SaveThread(sampleThread("t1", 1000))

	// Visible in the cache right away, without a store read.
	got, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Title t1", got.Title)
	assert.Zero(t, store.count("GetThread"))

	wait(t, p)
	stored, err := store.Store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Title t1", stored.Title)
}

func TestSaveThread_KeepsCreatedAndActivity(t *testing.T) {
	store := newSpyStore(t)
	c := newTestCache(t, store)
	ctx := context.Background()

	c.SaveThread(sampleThread("t1", 1500))
	again := sampleThread("t1", 1200)
	again.CreatedUTC = 1100
	wait(t, c.SaveThread(again))

	got, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.CreatedUTC)
	assert.Equal(t, int64(1500), got.LastActivityUTC)

	stored, err := store.Store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.CreatedUTC)
	assert.Equal(t, int64(1500), stored.LastActivityUTC)
}

func TestSaveThreads_InvalidBatchRejected(t *testing.T) {
	store := newSpyStore(t)
	c := newTestCache(t, store)

	bad := sampleThread("t2", 1000)
	bad.UpvoteRatio = 3

	p := c.SaveThreads([]core.Thread{sampleThread("t1", 1000), bad})
	<-p.Done()
	assert.ErrorIs(t, p.Err(), core.ErrInvalidThread)

	_, err := c.GetThread(context.Background(), "t1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, store.writeLog())
}

func TestGetThread_MissBackfills(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	c := newTestCache(t, store)

	for i := 0; i < 3; i++ {
		got, err := c.GetThread(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.ID)
	}
	assert.Equal(t, 1, store.count("GetThread"))

	_, err := c.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetThread_ConcurrentMisses(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	c := newTestCache(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetThread(ctx, "t1")
			assert.NoError(t, err)
			assert.Equal(t, "t1", got.ID)
		}()
	}
	wg.Wait()

	// Misses racing each other share a load; later calls are hits.
	assert.LessOrEqual(t, store.count("GetThread"), 20)
	before := store.count("GetThread")
	_, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before, store.count("GetThread"))
}

func TestGetAllThreads_WarmsUpOnce(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThreads(ctx, []core.Thread{
		sampleThread("a", 1000), sampleThread("b", 3000), sampleThread("c", 2000),
	}))
	c := newTestCache(t, store)

	threads, err := c.GetAllThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 3)
	assert.Equal(t, "b", threads[0].ID)
	assert.Equal(t, "c", threads[1].ID)
	assert.Equal(t, "a", threads[2].ID)

	_, err = c.GetAllThreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.count("GetAllThreads"))

	// Warmed threads are hits.
	_, err = c.GetThread(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, store.count("GetThread"))
}

func TestGetAllThreads_EmptyStore(t *testing.T) {
	store := newSpyStore(t)
	c := newTestCache(t, store)

	threads, err := c.GetAllThreads(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, threads)
	assert.Empty(t, threads)
}

func TestGetCommentsForThread_OverFetch(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	seedComments(t, store.Store, "t1", 5)
	c := newTestCache(t, store)

	first, err := c.GetCommentsForThread(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "t1-c4", first[0].ID)

	second, err := c.GetCommentsForThread(ctx, "t1", 5)
	require.NoError(t, err)
	assert.Len(t, second, 5)

	// Asking for more than exists is still a hit: the list is complete.
	third, err := c.GetCommentsForThread(ctx, "t1", 50)
	require.NoError(t, err)
	assert.Len(t, third, 5)

	assert.Equal(t, 1, store.count("GetCommentsForThread"))
	assert.Equal(t, []int{DefaultCommentFetchFloor}, store.limits)

	_, err = c.GetCommentsForThread(ctx, "t1", 0)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestGetCommentsForThread_TruncatedListRefetch(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	seedComments(t, store.Store, "t1", 5)
	c := newTestCache(t, store, WithCommentFetchFloor(3))

	got, err := c.GetCommentsForThread(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = c.GetCommentsForThread(ctx, "t1", 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, store.count("GetCommentsForThread"))

	got, err = c.GetCommentsForThread(ctx, "t1", 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, []int{3, 5}, store.limits)
}

func TestGetCommentsForThread_ReturnsCopies(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	seedComments(t, store.Store, "t1", 2)
	c := newTestCache(t, store)

	got, err := c.GetCommentsForThread(ctx, "t1", 2)
	require.NoError(t, err)
	got[0].Body = "mutated"

	again, err := c.GetCommentsForThread(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Empty(t, again[0].Body)
}

func TestSaveComment_UpdatesCachedListAndThread(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	seedComments(t, store.Store, "t1", 2)
	c := newTestCache(t, store)

	_, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	_, err = c.GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)

	p := c.SaveComment(core.Comment{ID: "new", ParentID: "t1", Body: "hi", CreatedUTC: 1500})

	comments, err := c.GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, "new", comments[0].ID)
	assert.Equal(t, "t1", comments[0].ThreadID)

	thread, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), thread.LastActivityUTC)

	// Re-observing a comment replaces it and keeps the original timestamp.
	c.SaveComment(core.Comment{ID: "new", ParentID: "t1", Body: "edited", CreatedUTC: 9999})
	comments, err = c.GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, "edited", comments[0].Body)
	assert.Equal(t, int64(1500), comments[0].CreatedUTC)

	wait(t, p)
	stored, err := store.Store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stored.LastActivityUTC, int64(1500))
}

func TestSaveComment_ResolvesThreadFromCachedReplies(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	seedComments(t, store.Store, "t1", 1)
	c := newTestCache(t, store)

	_, err := c.GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)

	wait(t, c.SaveComment(core.Comment{ID: "reply", ParentID: "t1-c0", CreatedUTC: 1200}))

	comments, err := c.GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "reply", comments[0].ID)

	stored, err := store.Store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), stored.LastActivityUTC)
}

func TestSaveComment_DoesNotLoadUncachedList(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store.SaveThread(ctx, sampleThread("t1", 1000)))
	c := newTestCache(t, store)

	wait(t, c.SaveComment(core.Comment{ID: "c1", ParentID: "t1", ThreadID: "t1", CreatedUTC: 1100}))
	assert.Zero(t, store.count("GetCommentsForThread"))

	comments, err := c.GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "c1", comments[0].ID)
}

func TestSaveComment_OlderThanTruncatedTailIsSkipped(t *testing.T) {
	list := commentList{
		items: []core.Comment{
			{ID: "b", CreatedUTC: 300},
			{ID: "a", CreatedUTC: 200},
		},
		complete: false,
	}

	older := list.with(core.Comment{ID: "old", CreatedUTC: 100})
	assert.Len(t, older.items, 2)

	newer := list.with(core.Comment{ID: "new", CreatedUTC: 400})
	require.Len(t, newer.items, 3)
	assert.Equal(t, "new", newer.items[0].ID)
	assert.Len(t, list.items, 2, "original list must not change")

	list.complete = true
	assert.Len(t, list.with(core.Comment{ID: "old", CreatedUTC: 100}).items, 3)
}

func TestWriter_FIFO(t *testing.T) {
	store := newSpyStore(t)
	c := newTestCache(t, store)

	var last *Pending
	var expected []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("t%02d", i)
		last = c.SaveThread(sampleThread(id, 1000))
		expected = append(expected, "thread:"+id)
		if i%5 == 0 {
			cid := fmt.Sprintf("c%02d", i)
			last = c.SaveComment(core.Comment{ID: cid, ParentID: id, CreatedUTC: 1100})
			expected = append(expected, "comment:"+cid)
		}
	}
	wait(t, last)

	assert.Equal(t, expected, store.writeLog())
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	store := newSpyStore(t)
	failures := 2
	store.beforeWrite = func(ctx context.Context, op string) error {
		if failures > 0 {
			failures--
			return errors.New("database is locked")
		}
		return nil
	}
	c := newTestCache(t, store)

	wait(t, c.SaveThread(sampleThread("t1", 1000)))
	assert.Equal(t, 3, store.count("thread:t1"))
}

func TestWriter_PermanentFailureSurfaces(t *testing.T) {
	store := newSpyStore(t)
	store.beforeWrite = func(ctx context.Context, op string) error {
		return storage.ErrStorageClosed
	}
	c := newTestCache(t, store)

	p := c.SaveThread(sampleThread("t1", 1000))
	err := p.Wait(context.Background())
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	assert.Equal(t, 1, store.count("thread:t1"))
}

func TestClose_DrainsQueue(t *testing.T) {
	store := newSpyStore(t)
	c := New(store)

	var pending []*Pending
	for i := 0; i < 10; i++ {
		pending = append(pending, c.SaveThread(sampleThread(fmt.Sprintf("t%d", i), 1000)))
	}
	require.NoError(t, c.Close(context.Background()))

	for _, p := range pending {
		select {
		case <-p.Done():
			assert.NoError(t, p.Err())
		default:
			t.Fatal("write still pending after Close")
		}
	}
	assert.Len(t, store.writeLog(), 10)

	late := c.SaveThread(sampleThread("late", 1000))
	assert.ErrorIs(t, late.Err(), ErrClosed)
	assert.ErrorIs(t, c.CleanupOldThreads(time.Hour).Err(), ErrClosed)
	assert.NoError(t, c.Close(context.Background()))
}

func TestClose_TimeoutDiscardsQueuedWrites(t *testing.T) {
	store := newSpyStore(t)
	release := make(chan struct{})
	defer close(release)
	store.beforeWrite = func(ctx context.Context, op string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := New(store, WithShutdownTimeout(50*time.Millisecond))

	blocked := c.SaveThread(sampleThread("t1", 1000))
	queued := c.SaveThread(sampleThread("t2", 1000))

	err := c.Close(context.Background())
	assert.ErrorIs(t, err, ErrDiscarded)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, queued.Wait(ctx), ErrDiscarded)
	// The in-flight write is cancelled, not discarded, and has returned
	// by the time Close does.
	select {
	case <-blocked.Done():
	default:
		t.Fatal("write in progress still running after Close")
	}
	assert.ErrorIs(t, blocked.Err(), context.Canceled)
	select {
	case <-c.writerDone:
	default:
		t.Fatal("writer goroutine still running after Close")
	}
}

func TestCleanupOldThreads_RewarmsCache(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	c := newTestCache(t, store)

	c.SaveThread(sampleThread("old", 1000))
	c.SaveComment(core.Comment{ID: "oc", ParentID: "old", CreatedUTC: 1050})
	wait(t, c.SaveThread(sampleThread("fresh", testNow.Unix())))

	_, err := c.GetCommentsForThread(ctx, "old", 10)
	require.NoError(t, err)

	cp := c.CleanupOldThreads(time.Hour)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	deleted, err := cp.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, cp.Deleted())

	threads, err := c.GetAllThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "fresh", threads[0].ID)

	_, err = c.GetThread(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	comments, err := c.GetCommentsForThread(ctx, "old", 10)
	require.NoError(t, err)
	assert.Empty(t, comments)
}

func TestPassThroughReads(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	c := newTestCache(t, store)

	c.SaveThread(sampleThread("a", 1000))
	wait(t, c.SaveThread(sampleThread("b", 2000)))

	recent, err := c.GetRecentThreads(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "b", recent[0].ID)

	wait(t, c.SaveComment(core.Comment{ID: "c1", ParentID: "a", CreatedUTC: 1100}))
	all, err := c.GetAllComments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ThreadID)
}

func TestCleanupOldThreads_InFlightLoadsDoNotRestoreDeletedThreads(t *testing.T) {
	tests := []struct {
		name string
		op   string
		read func(ctx context.Context, c *Cache) error
	}{
		{
			name: "warm-up",
			op:   "GetAllThreads",
			read: func(ctx context.Context, c *Cache) error { return c.WarmUp(ctx) },
		},
		{
			name: "thread miss",
			op:   "GetThread",
			read: func(ctx context.Context, c *Cache) error {
				_, err := c.GetThread(ctx, "old")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newSpyStore(t)
			ctx := context.Background()
			require.NoError(t, store.SaveThread(ctx, sampleThread("old", 1000)))
			require.NoError(t, store.SaveThread(ctx, sampleThread("fresh", testNow.Unix())))

			// The first matching read pauses after it has loaded "old".
			paused := make(chan struct{})
			release := make(chan struct{})
			var first atomic.Bool
			store.afterRead = func(op string) {
				if op == tt.op && first.CompareAndSwap(false, true) {
					close(paused)
					<-release
				}
			}
			c := newTestCache(t, store)

			readDone := make(chan error, 1)
			go func() { readDone <- tt.read(ctx, c) }()
			<-paused

			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			deleted, err := c.CleanupOldThreads(time.Hour).Wait(waitCtx)
			require.NoError(t, err)
			assert.Equal(t, 1, deleted)

			close(release)
			require.NoError(t, <-readDone)

			_, err = c.GetThread(ctx, "old")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			threads, err := c.GetAllThreads(ctx)
			require.NoError(t, err)
			require.Len(t, threads, 1)
			assert.Equal(t, "fresh", threads[0].ID)
		})
	}
}

func TestSaveComment_NestedReplyAdvancesCachedThread(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	c := newTestCache(t, store)

	c.SaveThread(sampleThread("t1", 1000))
	c.SaveComment(core.Comment{ID: "c1", ParentID: "t1", CreatedUTC: 1050})
	c.SaveComment(core.Comment{ID: "c2", ParentID: "c1", CreatedUTC: 1100})
	wait(t, c.SaveComment(core.Comment{ID: "c3", ParentID: "c2", CreatedUTC: 1200}))

	stored, err := store.Store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), stored.LastActivityUTC)

	cached, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), cached.LastActivityUTC)
	assert.Zero(t, store.count("GetThread"), "served from memory")
}

func TestSaveComment_ReplyToLoadedCommentAdvancesThread(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveThread(ctx, sampleThread("t1", 1000)))
	require.NoError(t, store.SaveComment(ctx, core.Comment{ID: "c1", ParentID: "t1", CreatedUTC: 1050}))
	require.NoError(t, store.SaveComment(ctx, core.Comment{ID: "c2", ParentID: "c1", CreatedUTC: 1100}))
	c := newTestCache(t, store)

	_, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	_, err = c.GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)

	wait(t, c.SaveComment(core.Comment{ID: "c3", ParentID: "c2", CreatedUTC: 1300}))

	cached, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1300), cached.LastActivityUTC)
}

func TestGetThread_CanceledCallerDoesNotFailSharedLoad(t *testing.T) {
	store := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveThread(ctx, sampleThread("t1", 1000)))

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	store.beforeRead = func(op string) {
		if op == "GetThread" {
			entered <- struct{}{}
			<-release
		}
	}
	c := newTestCache(t, store)

	firstCtx, cancelFirst := context.WithCancel(ctx)
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.GetThread(firstCtx, "t1")
		firstDone <- err
	}()
	<-entered

	type result struct {
		thread core.Thread
		err    error
	}
	secondDone := make(chan result, 1)
	go func() {
		thread, err := c.GetThread(ctx, "t1")
		secondDone <- result{thread, err}
	}()
	// Let the second caller join the flight.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	res := <-secondDone
	require.NoError(t, res.err)
	assert.Equal(t, "t1", res.thread.ID)

	// The shared load still populated the cache.
	_, err := c.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.LessOrEqual(t, store.count("GetThread"), 2)
}
