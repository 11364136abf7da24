package cache

import "context"

// Pending tracks one queued durable write. Callers may wait on it or
// ignore it; the write completes either way.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// resolvedPending returns a handle that is already complete.
func resolvedPending(err error) *Pending {
	p := newPending()
	p.resolve(err)
	return p
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the write has completed or been dropped.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome of the write, or nil while it is still queued.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the write completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanupPending tracks a queued retention run.
type CleanupPending struct {
	*Pending
	deleted int
}

// Deleted returns the number of threads removed. Zero until Done is closed.
func (p *CleanupPending) Deleted() int {
	select {
	case <-p.done:
		return p.deleted
	default:
		return 0
	}
}

// Wait blocks until the cleanup and the cache rewarm finish or ctx ends.
func (p *CleanupPending) Wait(ctx context.Context) (int, error) {
	if err := p.Pending.Wait(ctx); err != nil {
		return p.Deleted(), err
	}
	return p.deleted, nil
}
