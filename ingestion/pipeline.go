package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/forumstore/cache"
	"github.com/poiesic/forumstore/core"
)

// Writer is the write path imports go through.
type Writer interface {
	SaveThreads(threads []core.Thread) *cache.Pending
	SaveComment(comment core.Comment) *cache.Pending
}

var _ Writer = (*cache.Cache)(nil)

// Pipeline orchestrates the import of dump files.
// Decoding runs concurrently; writes keep file order.
type Pipeline struct {
	writer Writer
	pool   *ants.Pool
	logger *slog.Logger

	progressOut   io.Writer
	progressEvery int
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for concurrent decoding.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}

		// Release old pool
		if p.pool != nil {
			p.pool.Release()
		}

		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithProgress prints a progress line to w each time another every
// entities have settled.
func WithProgress(w io.Writer, every int) Option {
	return func(p *Pipeline) error {
		p.progressOut = w
		p.progressEvery = every
		return nil
	}
}

// NewPipeline creates a new import pipeline writing through writer.
func NewPipeline(writer Writer, opts ...Option) (*Pipeline, error) {
	if writer == nil {
		return nil, ErrWriterRequired
	}

	// Default pool size
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		writer: writer,
		pool:   pool,
		logger: slog.Default(),
	}

	// Apply options (may override defaults)
	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}
	return p, nil
}

// Stats counts what an import did.
type Stats struct {
	Files    int // files decoded
	Threads  int // threads written
	Comments int // comments written
	Invalid  int // lines rejected by decoding or validation
	Failed   int // entities whose durable write failed
}

// ImportFiles imports dump files and waits until their writes are durable
// or ctx ends. Unreadable files and failed writes are reported in the
// returned error; the remaining files are still imported.
func (p *Pipeline) ImportFiles(ctx context.Context, paths ...string) (Stats, error) {
	batches := make([]fileBatch, len(paths))

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			batches[i] = decodeFile(path, func(line int, err error) {
				p.logger.Warn("skipping invalid record", "file", path, "line", line, "err", err)
			})
		})
		if err != nil {
			wg.Done()
			batches[i] = fileBatch{path: path, err: fmt.Errorf("submit %s: %w", path, err)}
		}
	}
	wg.Wait()

	var stats Stats
	var errs []error
	var writes []pendingWrite
	for _, batch := range batches {
		stats.Invalid += batch.invalid
		if batch.err != nil {
			p.logger.Error("failed to read dump file", "file", batch.path, "err", batch.err)
			errs = append(errs, batch.err)
			continue
		}
		stats.Files++

		if len(batch.threads) > 0 {
			writes = append(writes, pendingWrite{
				pending:  p.writer.SaveThreads(batch.threads),
				threads:  len(batch.threads),
				describe: fmt.Sprintf("%d threads from %s", len(batch.threads), batch.path),
			})
		}
		for _, comment := range batch.comments {
			writes = append(writes, pendingWrite{
				pending:  p.writer.SaveComment(comment),
				comments: 1,
				describe: "comment " + comment.ID,
			})
		}
	}

	var tracker *progress
	if p.progressOut != nil {
		total := 0
		for _, w := range writes {
			total += w.threads + w.comments
		}
		tracker = newProgress(p.progressOut, total, p.progressEvery, time.Now)
	}
	defer tracker.finish()

	for _, w := range writes {
		err := w.pending.Wait(ctx)
		if err == nil || ctx.Err() == nil {
			tracker.add(w.threads + w.comments)
		}
		if err != nil {
			if ctx.Err() != nil {
				errs = append(errs, err)
				break
			}
			stats.Failed += w.threads + w.comments
			errs = append(errs, fmt.Errorf("write %s: %w", w.describe, err))
			continue
		}
		stats.Threads += w.threads
		stats.Comments += w.comments
	}

	p.logger.Info("import finished",
		"files", stats.Files,
		"threads", stats.Threads,
		"comments", stats.Comments,
		"invalid", stats.Invalid,
		"failed", stats.Failed)
	return stats, errors.Join(errs...)
}

type pendingWrite struct {
	pending  *cache.Pending
	threads  int
	comments int
	describe string
}

// Release releases the worker pool.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}
