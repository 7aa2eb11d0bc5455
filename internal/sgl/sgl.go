// Package sgl turns request buffers into scatter-gather descriptors,
// spilling into a per-command chain block when a request has more
// fragments than fit inline.
package sgl

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
)

var (
	// ErrMapping is returned when a fragment cannot be DMA mapped
	ErrMapping = errors.New("sgl: dma mapping failed")

	// ErrTooManyFragments is returned when a request needs more
	// descriptors than a chain block holds
	ErrTooManyFragments = errors.New("sgl: too many fragments")
)

// AddressSpace maps host buffers to bus addresses
type AddressSpace interface {
	Map(buf []byte) (uint64, error)
	Unmap(addr uint64) error
}

// ChainBlock is the overflow descriptor block owned by one command slot
type ChainBlock struct {
	Addr uint64
	Buf  []byte
}

// List is the mapped form of a request
type List struct {
	// Inline goes into the command block. When the request is chained the
	// last entry points at the chain block.
	Inline []ciss.SGDescriptor

	// Chain holds the descriptors written to the chain block
	Chain []ciss.SGDescriptor

	// Total is the SGTotal header value
	Total int

	// Bytes is the data length described
	Bytes int

	mapped []uint64
}

// Chained reports whether the list spills into a chain block
func (l *List) Chained() bool { return len(l.Chain) > 0 }

// Mapper builds scatter-gather lists for one controller
type Mapper struct {
	space     AddressSpace
	maxInline int
	maxTotal  int
	highWater atomic.Int64
}

// New creates a mapper. maxInline is the inline descriptor count of a
// command; maxTotal bounds data fragments including the chained ones.
func New(space AddressSpace, maxInline, maxTotal int) *Mapper {
	if maxInline < 2 {
		maxInline = 2
	}
	if maxTotal < maxInline {
		maxTotal = maxInline
	}
	return &Mapper{space: space, maxInline: maxInline, maxTotal: maxTotal}
}

// MaxInline returns the inline descriptor count
func (m *Mapper) MaxInline() int { return m.maxInline }

// MaxTotal returns the fragment limit
func (m *Mapper) MaxTotal() int { return m.maxTotal }

// ChainBlockSize is the size a chain block must have for this mapper
func (m *Mapper) ChainBlockSize() int {
	return (m.maxTotal - m.maxInline + 1) * ciss.SGDescriptorSize
}

// HighWater returns the largest descriptor count used by a request,
// the chain pointer included.
func (m *Mapper) HighWater() int { return int(m.highWater.Load()) }

func (m *Mapper) noteHighWater(n int) {
	for {
		cur := m.highWater.Load()
		if int64(n) <= cur || m.highWater.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

// Map maps every non-empty buffer and lays the descriptors out. When the
// fragment count exceeds the inline capacity the overflow is packed into
// chain, which must be at least ChainBlockSize bytes. On failure nothing
// stays mapped.
func (m *Mapper) Map(bufs [][]byte, chain ChainBlock) (*List, error) {
	frags := 0
	for _, b := range bufs {
		if len(b) > 0 {
			frags++
		}
	}
	if frags > m.maxTotal {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFragments, frags, m.maxTotal)
	}

	l := &List{mapped: make([]uint64, 0, frags)}
	descs := make([]ciss.SGDescriptor, 0, frags)
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		addr, err := m.space.Map(b)
		if err != nil {
			m.Unmap(l)
			return nil, fmt.Errorf("%w: %v", ErrMapping, err)
		}
		l.mapped = append(l.mapped, addr)
		descs = append(descs, ciss.SGDescriptor{Addr: addr, Len: uint32(len(b))})
		l.Bytes += len(b)
	}
	if frags == 0 {
		return l, nil
	}
	descs[frags-1].Ext = ciss.SGLast

	if frags <= m.maxInline {
		l.Inline = descs
		l.Total = frags
		m.noteHighWater(frags)
		return l, nil
	}

	// inline entries 0..N-2 carry data, entry N-1 points at the chain
	n := m.maxInline
	l.Chain = descs[n-1:]
	chainBytes := len(l.Chain) * ciss.SGDescriptorSize
	if len(chain.Buf) < chainBytes {
		m.Unmap(l)
		return nil, fmt.Errorf("%w: chain block holds %d bytes, need %d", ErrTooManyFragments, len(chain.Buf), chainBytes)
	}
	var w bytes.Buffer
	if err := ciss.PackDescriptors(&w, l.Chain); err != nil {
		m.Unmap(l)
		return nil, err
	}
	copy(chain.Buf, w.Bytes())

	l.Inline = append(descs[:n-1:n-1], ciss.SGDescriptor{
		Addr: chain.Addr,
		Len:  uint32(chainBytes),
		Ext:  ciss.SGChain,
	})
	l.Total = frags + 1
	m.noteHighWater(frags + 1)
	return l, nil
}

// Unmap releases the data mappings of l. It is safe to call twice.
func (m *Mapper) Unmap(l *List) {
	if l == nil {
		return
	}
	for _, addr := range l.mapped {
		m.space.Unmap(addr)
	}
	l.mapped = nil
}
