package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/forumstore/core"
	"github.com/poiesic/forumstore/storage"
)

// SaveComment stores a comment and bumps its thread's activity in one transaction.
func (s *Store) SaveComment(ctx context.Context, comment core.Comment) error {
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		prev, found, err := readComment(tx, comment.ID)
		if err != nil {
			return err
		}

		stored := comment.Clone()
		stored.ThreadID = ""
		stored.FetchedAt = s.now().Unix()
		if found {
			stored.CreatedUTC = prev.CreatedUTC
			if stored.Body == "" {
				stored.Body = prev.Body
			}
			if len(stored.ImageURLs) == 0 {
				stored.ImageURLs = prev.ImageURLs
			}
			if prev.ParentID != stored.ParentID {
				if err := tx.Delete(makeChildKey(prev.ParentID, stored.ID)); err != nil {
					return err
				}
			}
		}

		if err := tx.Set(makeCommentKey(stored.ID), storage.MarshalComment(stored)); err != nil {
			return err
		}
		if err := tx.Set(makeChildKey(stored.ParentID, stored.ID), nil); err != nil {
			return err
		}

		threadID := comment.ThreadID
		if threadID == "" {
			threadID, err = resolveThreadID(tx, comment.ParentID)
			if err != nil {
				return err
			}
		}
		if threadID == "" {
			s.logger.Debug("comment has no reachable thread, activity not updated",
				"id", comment.ID, "parent_id", comment.ParentID)
			return nil
		}

		thread, ok, err := readThread(tx, threadID)
		if err != nil || !ok || thread.LastActivityUTC >= comment.CreatedUTC {
			return err
		}
		prevActivity := thread.LastActivityUTC
		return writeThread(tx, thread.WithLastActivity(comment.CreatedUTC), prevActivity)
	}, true)
	if err != nil {
		s.logger.Error("failed to save comment", "id", comment.ID, "err", err)
		return fmt.Errorf("save comment %s: %w", comment.ID, err)
	}
	return nil
}

// resolveThreadID follows parent links upward from parentID until it reaches
// a thread. Returns "" if the chain dangles or loops.
func resolveThreadID(tx *badger.Txn, parentID string) (string, error) {
	seen := make(map[string]bool)
	for id := parentID; id != "" && !seen[id]; {
		seen[id] = true

		_, ok, err := readThread(tx, id)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}

		parent, ok, err := readComment(tx, id)
		if err != nil || !ok {
			return "", err
		}
		id = parent.ParentID
	}
	return "", nil
}

// GetCommentsForThread retrieves the whole reply tree of a thread, newest first.
func (s *Store) GetCommentsForThread(ctx context.Context, threadID string, limit int) ([]core.Comment, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", storage.ErrInvalidQuery, limit)
	}

	comments := []core.Comment{}
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range descendantIDs(tx, threadID) {
			comment, ok, err := readComment(tx, id)
			if err != nil {
				return err
			}
			if ok {
				comment.ThreadID = threadID
				comments = append(comments, comment)
			}
		}
		return nil
	}, false)
	if err != nil {
		s.logger.Error("failed to get comments for thread", "thread_id", threadID, "err", err)
		return nil, fmt.Errorf("get comments for thread %s: %w", threadID, err)
	}

	core.SortCommentsNewestFirst(comments)
	if len(comments) > limit {
		comments = comments[:limit]
	}
	return comments, nil
}

// GetAllComments retrieves every comment, resolving the owning thread of each.
func (s *Store) GetAllComments(ctx context.Context) ([]core.Comment, error) {
	comments := []core.Comment{}
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(commentPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var comment core.Comment
			err := iter.Item().Value(func(val []byte) error {
				var err error
				comment, err = storage.UnmarshalComment(val)
				return err
			})
			if err != nil {
				return err
			}
			comments = append(comments, comment)
		}

		// Owners are memoized by parent ID; siblings share one walk.
		owners := make(map[string]string)
		for i := range comments {
			parentID := comments[i].ParentID
			owner, ok := owners[parentID]
			if !ok {
				var err error
				owner, err = resolveThreadID(tx, parentID)
				if err != nil {
					return err
				}
				owners[parentID] = owner
			}
			comments[i].ThreadID = owner
		}
		return nil
	}, false)
	if err != nil {
		s.logger.Error("failed to get all comments", "err", err)
		return nil, fmt.Errorf("get all comments: %w", err)
	}

	core.SortCommentsNewestFirst(comments)
	return comments, nil
}

// descendantIDs expands the reply tree below rootID breadth first, one level
// per pass over the child index, until no new IDs turn up.
func descendantIDs(tx *badger.Txn, rootID string) []string {
	seen := map[string]bool{rootID: true}
	frontier := []string{rootID}
	var ids []string

	for len(frontier) > 0 {
		var next []string
		for _, parentID := range frontier {
			for _, id := range childIDs(tx, parentID) {
				if seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
				next = append(next, id)
			}
		}
		frontier = next
	}
	return ids
}

// childIDs lists the direct replies of parentID from the child index.
func childIDs(tx *badger.Txn, parentID string) []string {
	prefix := makePartialChildKey(parentID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var ids []string
	for iter.Rewind(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Item().Key()[len(prefix):]))
	}
	return ids
}
