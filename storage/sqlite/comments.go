package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/poiesic/forumstore/core"
)

// descendantsCTE expands the reply tree below the bound anchor ID. UNION
// (not UNION ALL) stops the recursion if bad data ever forms a cycle.
const descendantsCTE = `
	WITH RECURSIVE tree(id) AS (
		SELECT id FROM comments WHERE parent_id = ?
		UNION
		SELECT c.id FROM comments c JOIN tree ON c.parent_id = tree.id
	)`

// SaveComment stores a comment and bumps its thread's activity in one transaction.
func (s *Store) SaveComment(ctx context.Context, comment core.Comment) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, parent_id, author, score, created_utc, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				parent_id = excluded.parent_id,
				author = excluded.author,
				score = excluded.score,
				fetched_at = excluded.fetched_at
		`, comment.ID, comment.ParentID, comment.Author, comment.Score, comment.CreatedUTC, s.now().Unix())
		if err != nil {
			return err
		}

		if comment.Body != "" {
			if err := upsertContent(ctx, tx, comment.ID, comment.Body); err != nil {
				return err
			}
		}
		if len(comment.ImageURLs) > 0 {
			if err := replaceImages(ctx, tx, comment.ID, comment.ImageURLs); err != nil {
				return err
			}
		}

		threadID := comment.ThreadID
		if threadID == "" {
			threadID, err = resolveThreadID(ctx, tx, comment.ParentID)
			if err != nil {
				return err
			}
		}
		if threadID == "" {
			s.logger.Debug("comment has no reachable thread, activity not updated",
				"id", comment.ID, "parent_id", comment.ParentID)
			return nil
		}

		// Guarded so out-of-order writes can never move activity backwards.
		_, err = tx.ExecContext(ctx, `
			UPDATE threads SET last_activity_utc = ?
			WHERE id = ? AND last_activity_utc < ?
		`, comment.CreatedUTC, threadID, comment.CreatedUTC)
		return err
	})
	if err != nil {
		s.logger.Error("failed to save comment", "id", comment.ID, "err", err)
		return fmt.Errorf("save comment %s: %w", comment.ID, err)
	}
	return nil
}

// resolveThreadID follows parent links upward from parentID until it reaches
// a thread. Returns "" if the chain dangles or loops.
func resolveThreadID(ctx context.Context, q querier, parentID string) (string, error) {
	seen := make(map[string]bool)
	for id := parentID; id != "" && !seen[id]; {
		seen[id] = true

		ok, err := threadExists(ctx, q, id)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}

		var next string
		err = q.QueryRowContext(ctx, `SELECT parent_id FROM comments WHERE id = ?`, id).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		id = next
	}
	return "", nil
}

// GetCommentsForThread retrieves the whole reply tree of a thread, newest first.
func (s *Store) GetCommentsForThread(ctx context.Context, threadID string, limit int) ([]core.Comment, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	comments, err := s.queryComments(ctx, descendantsCTE+`
		SELECT c.id, c.parent_id, c.author, c.score, c.created_utc, c.fetched_at,
			COALESCE(ct.body, ''), ?
		FROM comments c
		JOIN tree ON tree.id = c.id
		LEFT JOIN contents ct ON ct.entity_id = c.id
		ORDER BY c.created_utc DESC, c.id
		LIMIT ?
	`, threadID, threadID, limit)
	if err != nil {
		s.logger.Error("failed to get comments for thread", "thread_id", threadID, "err", err)
		return nil, fmt.Errorf("get comments for thread %s: %w", threadID, err)
	}
	return comments, nil
}

// GetAllComments retrieves every comment, resolving the owning thread of
// each with a root-finding recursive query.
func (s *Store) GetAllComments(ctx context.Context) ([]core.Comment, error) {
	comments, err := s.queryComments(ctx, `
		WITH RECURSIVE owner(id, thread_id) AS (
			SELECT c.id, c.parent_id FROM comments c JOIN threads t ON t.id = c.parent_id
			UNION
			SELECT c.id, owner.thread_id FROM comments c JOIN owner ON c.parent_id = owner.id
		)
		SELECT c.id, c.parent_id, c.author, c.score, c.created_utc, c.fetched_at,
			COALESCE(ct.body, ''), COALESCE(owner.thread_id, '')
		FROM comments c
		LEFT JOIN owner ON owner.id = c.id
		LEFT JOIN contents ct ON ct.entity_id = c.id
		ORDER BY c.created_utc DESC, c.id
	`)
	if err != nil {
		s.logger.Error("failed to get all comments", "err", err)
		return nil, fmt.Errorf("get all comments: %w", err)
	}
	return comments, nil
}

// queryComments runs a comment select whose columns match scanComments and
// attaches images.
func (s *Store) queryComments(ctx context.Context, query string, args ...any) ([]core.Comment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	comments, err := scanComments(rows)
	if err != nil {
		return nil, err
	}
	if len(comments) == 0 {
		return []core.Comment{}, nil
	}

	ids := make([]string, len(comments))
	for i := range comments {
		ids[i] = comments[i].ID
	}
	images, err := loadImages(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range comments {
		comments[i].ImageURLs = images[comments[i].ID]
	}
	return comments, nil
}

// scanComments drains and closes rows.
func scanComments(rows *sql.Rows) ([]core.Comment, error) {
	defer rows.Close()

	var comments []core.Comment
	for rows.Next() {
		var c core.Comment
		err := rows.Scan(
			&c.ID, &c.ParentID, &c.Author, &c.Score, &c.CreatedUTC, &c.FetchedAt,
			&c.Body, &c.ThreadID,
		)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// descendantIDs returns the IDs of every comment below anchorID.
func descendantIDs(ctx context.Context, q querier, anchorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, descendantsCTE+` SELECT id FROM tree`, anchorID)
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
