package storage

import (
	"context"
	"time"

	"github.com/poiesic/forumstore/core"
)

// ThreadRepository provides operations for managing threads.
type ThreadRepository interface {
	// SaveThread upserts a thread with its body and image.
	// The stored CreatedUTC is never rewritten and LastActivityUTC never
	// moves backwards. FetchedAt is set to the time of the write.
	SaveThread(ctx context.Context, thread core.Thread) error

	// SaveThreads upserts a batch of threads in a single transaction.
	// Either every thread in the batch is stored or none is.
	SaveThreads(ctx context.Context, threads []core.Thread) error

	// GetThread retrieves a single thread by ID.
	// Returns ErrNotFound if the thread doesn't exist.
	GetThread(ctx context.Context, id string) (core.Thread, error)

	// GetAllThreads retrieves every stored thread.
	GetAllThreads(ctx context.Context) ([]core.Thread, error)

	// GetRecentThreads retrieves up to limit threads ordered by
	// LastActivityUTC descending.
	GetRecentThreads(ctx context.Context, limit int) ([]core.Thread, error)
}

// CommentRepository provides operations for managing comments.
type CommentRepository interface {
	// SaveComment stores a comment with its body and images and advances
	// the owning thread's activity to the comment's CreatedUTC if that is
	// newer, all in one transaction.
	SaveComment(ctx context.Context, comment core.Comment) error

	// GetCommentsForThread retrieves every comment in the reply tree under
	// threadID, at any depth, newest first, up to limit results.
	// Returned comments have ThreadID set to threadID.
	GetCommentsForThread(ctx context.Context, threadID string, limit int) ([]core.Comment, error)

	// GetAllComments retrieves every stored comment. ThreadID is filled in
	// for comments whose parent chain reaches a stored thread.
	GetAllComments(ctx context.Context) ([]core.Comment, error)
}

// Store is the persistence contract the rest of the application programs
// against. Implementations must be thread-safe.
type Store interface {
	ThreadRepository
	CommentRepository

	// CleanupOldThreads deletes every thread whose LastActivityUTC is older
	// than now - maxAge, together with its whole comment tree and all
	// content and image rows of those entities. Each thread's cascade is
	// atomic. Returns the number of threads deleted.
	CleanupOldThreads(ctx context.Context, maxAge time.Duration) (int, error)

	// Close closes the storage backend and releases resources.
	Close() error
}

// Reader is the read half of the persistence contract. Both Store
// implementations and the repository cache satisfy it.
type Reader interface {
	GetThread(ctx context.Context, id string) (core.Thread, error)
	GetAllThreads(ctx context.Context) ([]core.Thread, error)
	GetRecentThreads(ctx context.Context, limit int) ([]core.Thread, error)
	GetCommentsForThread(ctx context.Context, threadID string, limit int) ([]core.Comment, error)
	GetAllComments(ctx context.Context) ([]core.Comment, error)
}
