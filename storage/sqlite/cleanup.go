package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CleanupOldThreads deletes threads inactive for longer than maxAge, with
// their whole reply trees. Each thread is removed in its own transaction, so
// one failing cascade rolls back alone and the others still go through.
func (s *Store) CleanupOldThreads(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge).Unix()

	expired, err := s.expiredThreadIDs(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to find expired threads", "cutoff", cutoff, "err", err)
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	deleted := 0
	var errs []error
	for _, threadID := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		comments, err := s.deleteThreadTree(ctx, threadID)
		if err != nil {
			s.logger.Error("failed to delete thread tree", "thread_id", threadID, "err", err)
			errs = append(errs, fmt.Errorf("cleanup thread %s: %w", threadID, err))
			continue
		}
		s.logger.Debug("deleted thread tree", "thread_id", threadID, "comments", comments)
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("cleaned up old threads", "deleted", deleted, "max_age", maxAge)
	}
	return deleted, errors.Join(errs...)
}

func (s *Store) expiredThreadIDs(ctx context.Context, cutoff int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM threads WHERE last_activity_utc < ? ORDER BY last_activity_utc`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteThreadTree removes a thread, all of its descendant comments, and the
// content and image rows of every one of them. Returns the comment count.
func (s *Store) deleteThreadTree(ctx context.Context, threadID string) (int, error) {
	var commentCount int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		commentIDs, err := descendantIDs(ctx, tx, threadID)
		if err != nil {
			return fmt.Errorf("collect descendants: %w", err)
		}
		commentCount = len(commentIDs)

		// The thread ID is tracked on its own; it is never picked out of the set.
		entityIDs := make([]string, 0, len(commentIDs)+1)
		entityIDs = append(entityIDs, threadID)
		entityIDs = append(entityIDs, commentIDs...)

		if _, err := deleteWhereIn(ctx, tx, "contents", "entity_id", entityIDs); err != nil {
			return fmt.Errorf("delete contents: %w", err)
		}
		if _, err := deleteWhereIn(ctx, tx, "images", "entity_id", entityIDs); err != nil {
			return fmt.Errorf("delete images: %w", err)
		}
		if _, err := deleteWhereIn(ctx, tx, "comments", "id", commentIDs); err != nil {
			return fmt.Errorf("delete comments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		return nil
	})
	return commentCount, err
}
