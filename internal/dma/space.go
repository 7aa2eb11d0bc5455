// Package dma models the host DMA address space shared with the controller.
//
// Every buffer the driver hands to hardware (command blocks, error info,
// chain blocks, data fragments, reply rings) is mapped to a bus address
// here. The controller side resolves bus addresses back to the same bytes,
// so both sides share memory the way a real device shares host RAM.
package dma

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ehrlich-b/go-hpsa/internal/constants"
)

var (
	// ErrUnmapped is returned when a bus address does not fall in a mapping
	ErrUnmapped = errors.New("dma: address not mapped")

	// ErrExhausted is returned when the 32-bit bus window is used up
	ErrExhausted = errors.New("dma: address space exhausted")
)

// DefaultBase is the first bus address handed out. Zero is never valid.
const DefaultBase = 0x1000_0000

// maxBusAddr keeps every address inside the 32-bit request port
const maxBusAddr = 1 << 32

type region struct {
	addr uint64
	span uint64 // reserved length, guard gap included
	buf  []byte
}

// extent is a released address range waiting for reuse
type extent struct {
	start, end uint64
}

func (r region) end() uint64 { return r.addr + uint64(len(r.buf)) }

// Space is a bus address allocator. Released ranges are reused first-fit.
// A caller must not Unmap an address the hardware may still write to.
type Space struct {
	mu      sync.RWMutex
	next    uint64
	regions []region // sorted by addr
	free    []extent // sorted by start, never adjacent

	// MapHook, when set, is consulted before every Map. Returning an
	// error makes the mapping fail; tests use it to simulate exhaustion.
	MapHook func(n int) error
}

// New creates an address space starting at base
func New(base uint64) *Space {
	if base == 0 {
		base = DefaultBase
	}
	return &Space{next: alignUp(base)}
}

func alignUp(a uint64) uint64 {
	return (a + constants.CommandBlockAlign - 1) &^ (constants.CommandBlockAlign - 1)
}

// Map maps buf and returns its bus address. The mapping aliases buf.
func (s *Space) Map(buf []byte) (uint64, error) {
	if s.MapHook != nil {
		if err := s.MapHook(len(buf)); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := uint64(len(buf))
	if size == 0 {
		size = 1
	}
	// leave a guard gap so adjacent mappings never touch
	span := alignUp(size + constants.CommandBlockAlign)
	addr, ok := s.reuse(span)
	if !ok {
		addr = s.next
		if addr+size > maxBusAddr {
			return 0, ErrExhausted
		}
		s.next = addr + span
	}

	r := region{addr: addr, span: span, buf: buf}
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].addr > addr })
	s.regions = append(s.regions, region{})
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return addr, nil
}

// reuse carves span bytes off the first released range large enough
func (s *Space) reuse(span uint64) (uint64, bool) {
	for i := range s.free {
		e := &s.free[i]
		if e.end-e.start < span {
			continue
		}
		addr := e.start
		e.start += span
		if e.start == e.end {
			s.free = append(s.free[:i], s.free[i+1:]...)
		}
		return addr, true
	}
	return 0, false
}

// release returns [start, end) to the free list, merging with neighbours.
// A range that reaches the top of the space pulls next back instead.
func (s *Space) release(start, end uint64) {
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].start > start })
	if i > 0 && s.free[i-1].end == start {
		i--
		start = s.free[i].start
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
	if i < len(s.free) && s.free[i].start == end {
		end = s.free[i].end
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
	if end == s.next {
		s.next = start
		return
	}
	s.free = append(s.free, extent{})
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = extent{start: start, end: end}
}

// Alloc allocates n zeroed bytes and maps them
func (s *Space) Alloc(n int) (uint64, []byte, error) {
	buf := make([]byte, n)
	addr, err := s.Map(buf)
	if err != nil {
		return 0, nil, err
	}
	return addr, buf, nil
}

func (s *Space) find(addr uint64) int {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].addr > addr
	}) - 1
	if i < 0 {
		return -1
	}
	if addr >= s.regions[i].end() && !(len(s.regions[i].buf) == 0 && addr == s.regions[i].addr) {
		return -1
	}
	return i
}

// Unmap removes the mapping that starts at addr
func (s *Space) Unmap(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(addr)
	if i < 0 || s.regions[i].addr != addr {
		return fmt.Errorf("unmap 0x%x: %w", addr, ErrUnmapped)
	}
	r := s.regions[i]
	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	s.release(r.addr, r.addr+r.span)
	return nil
}

// Resolve returns the n bytes mapped at addr. The range must lie inside a
// single mapping.
func (s *Space) Resolve(addr uint64, n int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.find(addr)
	if i < 0 {
		return nil, fmt.Errorf("resolve 0x%x: %w", addr, ErrUnmapped)
	}
	r := s.regions[i]
	off := addr - r.addr
	if n < 0 || off+uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("resolve 0x%x+%d: crosses end of mapping at 0x%x: %w",
			addr, n, r.end(), ErrUnmapped)
	}
	return r.buf[off : off+uint64(n)], nil
}

// Reusable returns the number of bytes released and not yet handed out again
func (s *Space) Reusable() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for _, e := range s.free {
		n += e.end - e.start
	}
	return n
}

// Mappings returns the number of live mappings
func (s *Space) Mappings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}
