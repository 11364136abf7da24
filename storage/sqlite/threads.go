package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/poiesic/forumstore/core"
	"github.com/poiesic/forumstore/storage"
)

const threadColumns = `
	t.id, t.subreddit, t.title, t.author, t.permalink, t.score, t.upvote_ratio,
	t.num_comments, t.created_utc, t.fetched_at, t.last_activity_utc, COALESCE(c.body, '')`

// SaveThread inserts or updates a thread.
func (s *Store) SaveThread(ctx context.Context, thread core.Thread) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertThread(ctx, tx, thread)
	})
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, thread := range threads {
			if err := s.upsertThread(ctx, tx, thread); err != nil {
				return fmt.Errorf("thread %s: %w", thread.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to save thread batch", "count", len(threads), "err", err)
		return fmt.Errorf("save %d threads: %w", len(threads), err)
	}
	return nil
}

// upsertThread writes metadata, content and images for one thread.
// created_utc is only written on insert and last_activity_utc only grows.
func (s *Store) upsertThread(ctx context.Context, q querier, t core.Thread) error {
	activity := max(t.LastActivityUTC, t.CreatedUTC)
	_, err := q.ExecContext(ctx, `
		INSERT INTO threads (id, subreddit, title, author, permalink, score, upvote_ratio,
			num_comments, created_utc, fetched_at, last_activity_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subreddit = excluded.subreddit,
			title = excluded.title,
			author = excluded.author,
			permalink = excluded.permalink,
			score = excluded.score,
			upvote_ratio = excluded.upvote_ratio,
			num_comments = excluded.num_comments,
			fetched_at = excluded.fetched_at,
			last_activity_utc = max(threads.last_activity_utc, excluded.last_activity_utc)
	`, t.ID, t.Subreddit, t.Title, t.Author, t.Permalink, t.Score, t.UpvoteRatio,
		t.NumComments, t.CreatedUTC, s.now().Unix(), activity)
	if err != nil {
		return err
	}

	if err := upsertContent(ctx, q, t.ID, t.Body); err != nil {
		return err
	}

	var urls []string
	if t.ImageURL != "" {
		urls = []string{t.ImageURL}
	}
	return replaceImages(ctx, q, t.ID, urls)
}

// GetThread retrieves a single thread by ID.
func (s *Store) GetThread(ctx context.Context, id string) (core.Thread, error) {
	threads, err := s.queryThreads(ctx, `WHERE t.id = ?`, id)
	if err != nil {
		s.logger.Error("failed to get thread", "id", id, "err", err)
		return core.Thread{}, fmt.Errorf("get thread %s: %w", id, err)
	}
	if len(threads) == 0 {
		return core.Thread{}, storage.ErrNotFound
	}
	return threads[0], nil
}

// GetAllThreads retrieves every thread, most recently active first.
func (s *Store) GetAllThreads(ctx context.Context) ([]core.Thread, error) {
	threads, err := s.queryThreads(ctx, `ORDER BY t.last_activity_utc DESC, t.id`)
	if err != nil {
		s.logger.Error("failed to get all threads", "err", err)
		return nil, fmt.Errorf("get all threads: %w", err)
	}
	return threads, nil
}

// GetRecentThreads retrieves the limit most recently active threads.
func (s *Store) GetRecentThreads(ctx context.Context, limit int) ([]core.Thread, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	threads, err := s.queryThreads(ctx, `ORDER BY t.last_activity_utc DESC, t.id LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("failed to get recent threads", "limit", limit, "err", err)
		return nil, fmt.Errorf("get recent threads: %w", err)
	}
	return threads, nil
}

// queryThreads runs the thread select with the given tail clause and
// attaches images.
func (s *Store) queryThreads(ctx context.Context, tail string, args ...any) ([]core.Thread, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+threadColumns+`
		FROM threads t
		LEFT JOIN contents c ON c.entity_id = t.id
		`+tail, args...)
	if err != nil {
		return nil, err
	}
	threads, err := scanThreads(rows)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return []core.Thread{}, nil
	}

	ids := make([]string, len(threads))
	for i := range threads {
		ids[i] = threads[i].ID
	}
	images, err := loadImages(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range threads {
		if urls := images[threads[i].ID]; len(urls) > 0 {
			threads[i].ImageURL = urls[0]
		}
	}
	return threads, nil
}

// scanThreads drains and closes rows.
func scanThreads(rows *sql.Rows) ([]core.Thread, error) {
	defer rows.Close()

	var threads []core.Thread
	for rows.Next() {
		var t core.Thread
		err := rows.Scan(
			&t.ID, &t.Subreddit, &t.Title, &t.Author, &t.Permalink, &t.Score, &t.UpvoteRatio,
			&t.NumComments, &t.CreatedUTC, &t.FetchedAt, &t.LastActivityUTC, &t.Body,
		)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// threadExists reports whether a thread row with id exists.
func threadExists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
