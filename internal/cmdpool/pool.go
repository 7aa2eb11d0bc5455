package cmdpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-hpsa/internal/ring"
)

// FastSlot is a request-path command slot
type FastSlot struct {
	Command

	refs   atomic.Int32
	onFree bool // guarded by Pool.mu
	gen    atomic.Uint64
}

// Generation changes every time the slot is handed out
func (s *FastSlot) Generation() uint64 { return s.gen.Load() }

// Pool is the fixed arena of fast command slots. Get never blocks.
type Pool struct {
	mu    sync.Mutex
	slots []*FastSlot
	free  []*FastSlot
}

// NewPool allocates n slots. blockSize is the command block size,
// chainSize the overflow SG block size (0 for none).
func NewPool(mem Allocator, n, blockSize, chainSize int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cmdpool: pool size %d", n)
	}
	p := &Pool{
		slots: make([]*FastSlot, n),
		free:  make([]*FastSlot, 0, n),
	}
	for i := 0; i < n; i++ {
		c, err := newCommand(mem, i, blockSize, chainSize)
		if err != nil {
			return nil, fmt.Errorf("cmdpool: slot %d: %w", i, err)
		}
		c.Tag = ring.DirectTag{Index: i}.Encode()
		s := &FastSlot{Command: *c, onFree: true}
		p.slots[i] = s
	}
	// lowest index on top
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, p.slots[i])
	}
	return p, nil
}

// Cap returns the number of slots
func (p *Pool) Cap() int { return len(p.slots) }

// InUse returns the number of slots not on the free list
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Slot returns the slot at index i, or nil when out of range
func (p *Pool) Slot(i int) *FastSlot {
	if i < 0 || i >= len(p.slots) {
		return nil
	}
	return p.slots[i]
}

// Get hands out an exclusively owned, zeroed slot
func (p *Pool) Get() (*FastSlot, error) {
	for {
		p.mu.Lock()
		n := len(p.free)
		if n == 0 {
			p.mu.Unlock()
			return nil, ErrExhausted
		}
		s := p.free[n-1]
		p.free = p.free[:n-1]
		s.onFree = false
		p.mu.Unlock()

		if s.refs.Add(1) == 1 {
			s.reset()
			s.gen.Add(1)
			return s, nil
		}
		// pinned by an abort in progress; it goes back once unpinned
		p.Put(s)
	}
}

// Put drops a reference. The slot returns to the free list when the last
// reference goes.
func (p *Pool) Put(s *FastSlot) {
	if s.refs.Add(-1) != 0 {
		return
	}
	p.mu.Lock()
	if !s.onFree {
		s.onFree = true
		p.free = append(p.free, s)
	}
	p.mu.Unlock()
}

// Pin takes an extra reference so the slot cannot be reused while an
// abort inspects it. It reports true when the slot was idle, meaning the
// command already completed. Every Pin needs a Put.
func (p *Pool) Pin(s *FastSlot) (idle bool) {
	return s.refs.Add(1) == 1
}
