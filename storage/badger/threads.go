package badger

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/forumstore/core"
	"github.com/poiesic/forumstore/storage"
)

// SaveThread inserts or updates a thread.
func (s *Store) SaveThread(ctx context.Context, thread core.Thread) error {
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		return s.putThread(tx, thread)
	}, true)
	if err != nil {
		s.logger.Error("failed to save thread", "id", thread.ID, "err", err)
		return fmt.Errorf("save thread %s: %w", thread.ID, err)
	}
	return nil
}

// SaveThreads inserts or updates a batch of threads in one transaction.
func (s *Store) SaveThreads(ctx context.Context, threads []core.Thread) error {
	if len(threads) == 0 {
		return nil
	}
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		for _, thread := range threads {
			if err := s.putThread(tx, thread); err != nil {
				return fmt.Errorf("thread %s: %w", thread.ID, err)
			}
		}
		return nil
	}, true)
	if err != nil {
		s.logger.Error("failed to save thread batch", "count", len(threads), "err", err)
		return fmt.Errorf("save %d threads: %w", len(threads), err)
	}
	return nil
}

// putThread upserts one thread. The stored creation time wins over the
// incoming one and activity only grows. Field ranges are checked here since
// there is no schema to reject them.
func (s *Store) putThread(tx *badger.Txn, thread core.Thread) error {
	if err := core.ValidateThread(&thread); err != nil {
		return err
	}
	thread.LastActivityUTC = max(thread.LastActivityUTC, thread.CreatedUTC)
	thread.FetchedAt = s.now().Unix()

	prev, found, err := readThread(tx, thread.ID)
	if err != nil {
		return err
	}
	prevActivity := int64(-1)
	if found {
		thread.CreatedUTC = prev.CreatedUTC
		thread = thread.WithLastActivity(prev.LastActivityUTC)
		prevActivity = prev.LastActivityUTC
	}
	return writeThread(tx, thread, prevActivity)
}

// GetThread retrieves a single thread by ID.
func (s *Store) GetThread(ctx context.Context, id string) (core.Thread, error) {
	var result core.Thread
	var found bool
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		result, found, err = readThread(tx, id)
		return err
	}, false)
	if err != nil {
		s.logger.Error("failed to get thread", "id", id, "err", err)
		return core.Thread{}, fmt.Errorf("get thread %s: %w", id, err)
	}
	if !found {
		return core.Thread{}, storage.ErrNotFound
	}
	return result, nil
}

// GetAllThreads retrieves every thread, most recently active first.
func (s *Store) GetAllThreads(ctx context.Context) ([]core.Thread, error) {
	threads, err := s.threadsByActivity(0)
	if err != nil {
		s.logger.Error("failed to get all threads", "err", err)
		return nil, fmt.Errorf("get all threads: %w", err)
	}
	return threads, nil
}

// GetRecentThreads retrieves the limit most recently active threads.
func (s *Store) GetRecentThreads(ctx context.Context, limit int) ([]core.Thread, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", storage.ErrInvalidQuery, limit)
	}
	threads, err := s.threadsByActivity(limit)
	if err != nil {
		s.logger.Error("failed to get recent threads", "limit", limit, "err", err)
		return nil, fmt.Errorf("get recent threads: %w", err)
	}
	return threads, nil
}

type activityEntry struct {
	ts int64
	id string
}

// threadsByActivity walks the activity index newest first. limit <= 0
// means no limit. Threads with equal activity are ordered by ID.
func (s *Store) threadsByActivity(limit int) ([]core.Thread, error) {
	threads := []core.Thread{}
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = []byte(activityPrefix)

		iter := tx.NewIterator(opts)
		defer iter.Close()

		// The whole group of the last timestamp is collected so the ID
		// tie-break holds at the limit boundary too.
		var entries []activityEntry
		for iter.Seek(lastActivityKey()); iter.Valid(); iter.Next() {
			ts, id, ok := parseActivityKey(iter.Item().Key())
			if !ok {
				continue
			}
			if limit > 0 && len(entries) >= limit && ts != entries[len(entries)-1].ts {
				break
			}
			entries = append(entries, activityEntry{ts: ts, id: id})
		}

		slices.SortStableFunc(entries, func(a, b activityEntry) int {
			if a.ts != b.ts {
				if a.ts > b.ts {
					return -1
				}
				return 1
			}
			return strings.Compare(a.id, b.id)
		})
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}

		for _, e := range entries {
			thread, found, err := readThread(tx, e.id)
			if err != nil {
				return err
			}
			if found {
				threads = append(threads, thread)
			}
		}
		return nil
	}, false)
	return threads, err
}
