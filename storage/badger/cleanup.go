package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// CleanupOldThreads deletes threads inactive for longer than maxAge, with
// their whole reply trees. Each thread is removed in its own transaction.
func (s *Store) CleanupOldThreads(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).Unix()

	expired, err := s.expiredThreads(cutoff)
	if err != nil {
		s.logger.Error("failed to find expired threads", "cutoff", cutoff, "err", err)
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	deleted := 0
	var errs []error
	for _, e := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		comments, err := s.deleteThreadTree(e)
		if err != nil {
			s.logger.Error("failed to delete thread tree", "thread_id", e.id, "err", err)
			errs = append(errs, fmt.Errorf("cleanup thread %s: %w", e.id, err))
			continue
		}
		s.logger.Debug("deleted thread tree", "thread_id", e.id, "comments", comments)
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("cleaned up old threads", "deleted", deleted, "max_age", maxAge)
	}
	return deleted, errors.Join(errs...)
}

// expiredThreads scans the activity index from the oldest entry up to cutoff.
func (s *Store) expiredThreads(cutoff int64) ([]activityEntry, error) {
	var expired []activityEntry
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(activityPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			ts, id, ok := parseActivityKey(iter.Item().Key())
			if !ok {
				continue
			}
			if ts >= cutoff {
				break
			}
			expired = append(expired, activityEntry{ts: ts, id: id})
		}
		return nil
	}, false)
	return expired, err
}

// deleteThreadTree removes a thread, its index entries, and every descendant
// comment with its child index entry. Returns the comment count.
func (s *Store) deleteThreadTree(e activityEntry) (int, error) {
	var commentCount int
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		commentIDs := descendantIDs(tx, e.id)
		commentCount = len(commentIDs)

		for _, id := range commentIDs {
			comment, ok, err := readComment(tx, id)
			if err != nil {
				return fmt.Errorf("read comment %s: %w", id, err)
			}
			if ok {
				if err := tx.Delete(makeChildKey(comment.ParentID, id)); err != nil {
					return err
				}
			}
			if err := tx.Delete(makeCommentKey(id)); err != nil {
				return err
			}
		}

		if err := tx.Delete(makeActivityKey(e.ts, e.id)); err != nil {
			return err
		}
		return tx.Delete(makeThreadKey(e.id))
	}, true)
	return commentCount, err
}
