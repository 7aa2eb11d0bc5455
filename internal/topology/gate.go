package topology

import (
	"context"
	"sync"
)

type scanRun struct {
	done    chan struct{}
	waiters int
	ch      *Changes
	err     error
}

// Gate lets one scan run at a time. A caller that arrives while a scan
// is running queues one follow-up scan; later callers share it. The
// caller that started the running scan executes the follow-up too.
type Gate struct {
	mu      sync.Mutex
	running bool
	pending *scanRun
}

// Do runs fn, or waits for the follow-up run when one is in progress
func (g *Gate) Do(ctx context.Context, fn func(context.Context) (*Changes, error)) (*Changes, error) {
	g.mu.Lock()
	if g.running {
		if g.pending == nil {
			g.pending = &scanRun{done: make(chan struct{})}
		}
		p := g.pending
		p.waiters++
		g.mu.Unlock()
		select {
		case <-p.done:
			return p.ch, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.running = true
	g.mu.Unlock()

	ch, err := fn(ctx)

	// Waiters may have different deadlines than ours
	detached := context.WithoutCancel(ctx)
	g.mu.Lock()
	for g.pending != nil {
		p := g.pending
		g.pending = nil
		g.mu.Unlock()
		p.ch, p.err = fn(detached)
		close(p.done)
		g.mu.Lock()
	}
	g.running = false
	g.mu.Unlock()
	return ch, err
}

// Waiting returns how many callers wait for the queued scan
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return 0
	}
	return g.pending.waiters
}

// Busy reports whether a scan is running
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}
