package cmdpool

import (
	"context"
	"fmt"
	"sync"
)

// AdminSlot is a slow-path command slot. Its tag is its block's bus
// address, so completions for it are found by search.
type AdminSlot struct {
	Command
}

// AdminPool bounds concurrent administrative commands. Block memory is
// allocated the first time a slot is needed and recycled afterwards.
type AdminPool struct {
	mem       Allocator
	blockSize int
	chainSize int

	sem chan struct{}

	mu     sync.Mutex
	spare  []*AdminSlot
	closed bool
}

// NewAdminPool creates a pool allowing n concurrent admin commands
func NewAdminPool(mem Allocator, n, blockSize, chainSize int) (*AdminPool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cmdpool: admin pool size %d", n)
	}
	return &AdminPool{
		mem:       mem,
		blockSize: blockSize,
		chainSize: chainSize,
		sem:       make(chan struct{}, n),
	}, nil
}

// Cap returns the number of concurrent admin commands allowed
func (p *AdminPool) Cap() int { return cap(p.sem) }

// InUse returns the number of slots handed out
func (p *AdminPool) InUse() int { return len(p.sem) }

// Get waits for a free slot. It fails when ctx is done or the pool is closed.
func (p *AdminPool) Get(ctx context.Context) (*AdminSlot, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, ErrClosed
	}
	var s *AdminSlot
	if n := len(p.spare); n > 0 {
		s = p.spare[n-1]
		p.spare = p.spare[:n-1]
	}
	p.mu.Unlock()

	if s == nil {
		c, err := newCommand(p.mem, -1, p.blockSize, p.chainSize)
		if err != nil {
			<-p.sem
			return nil, fmt.Errorf("cmdpool: admin slot: %w", err)
		}
		s = &AdminSlot{Command: *c}
	}
	s.reset()
	s.Kind = KindInternal
	return s, nil
}

// Put returns a slot to the pool
func (p *AdminPool) Put(s *AdminSlot) {
	p.mu.Lock()
	p.spare = append(p.spare, s)
	p.mu.Unlock()
	<-p.sem
}

// Close makes further Gets fail
func (p *AdminPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
