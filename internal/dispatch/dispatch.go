// Package dispatch tracks outstanding commands and resolves raw completion
// tags back to them.
package dispatch

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-hpsa/internal/cmdpool"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/ring"
)

var (
	// ErrBadIndex is returned for a direct tag outside the pool
	ErrBadIndex = errors.New("dispatch: tag index out of range")

	// ErrNotOutstanding is returned for a direct tag whose slot has no
	// command in flight
	ErrNotOutstanding = errors.New("dispatch: slot not outstanding")

	// ErrNoMatch is returned when no outstanding command has the address
	ErrNoMatch = errors.New("dispatch: no outstanding command for tag")
)

// Dispatcher holds the outstanding-completion list. Its lock is short
// held and never blocks.
type Dispatcher struct {
	pool   *cmdpool.Pool
	logger *logging.Logger

	mu    sync.Mutex
	list  *list.List
	elems map[*cmdpool.Command]*list.Element
}

// New creates a dispatcher over the fast pool
func New(pool *cmdpool.Pool, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		pool:   pool,
		logger: logging.Or(logger),
		list:   list.New(),
		elems:  make(map[*cmdpool.Command]*list.Element),
	}
}

// Enqueue records c as outstanding. It must happen before submission.
func (d *Dispatcher) Enqueue(c *cmdpool.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.elems[c]; ok {
		return
	}
	d.elems[c] = d.list.PushBack(c)
}

func (d *Dispatcher) removeLocked(c *cmdpool.Command) bool {
	e, ok := d.elems[c]
	if !ok {
		return false
	}
	d.list.Remove(e)
	delete(d.elems, c)
	return true
}

// Outstanding reports whether c is still waiting for completion
func (d *Dispatcher) Outstanding(c *cmdpool.Command) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.elems[c]
	return ok
}

// Len returns the number of outstanding commands
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.list.Len()
}

// Resolve finds the command a raw completion belongs to and removes it
// from the outstanding list. Malformed tags are logged and reported as
// errors; the caller drops them.
func (d *Dispatcher) Resolve(raw uint64, errorBits uint64) (*cmdpool.Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch tag := ring.Decode(raw, errorBits).(type) {
	case ring.DirectTag:
		s := d.pool.Slot(tag.Index)
		if s == nil {
			d.logger.Warnf("completion 0x%x has bad tag index %d, ignored", raw, tag.Index)
			return nil, fmt.Errorf("%w: %d", ErrBadIndex, tag.Index)
		}
		if !d.removeLocked(&s.Command) {
			d.logger.Warnf("completion 0x%x for idle slot %d, ignored", raw, tag.Index)
			return nil, fmt.Errorf("%w: %d", ErrNotOutstanding, tag.Index)
		}
		return &s.Command, nil

	case ring.SearchTag:
		for e := d.list.Front(); e != nil; e = e.Next() {
			c := e.Value.(*cmdpool.Command)
			if c.BusAddr == tag.Addr {
				d.list.Remove(e)
				delete(d.elems, c)
				return c, nil
			}
		}
		d.logger.Warnf("completion 0x%x matches no outstanding command, ignored", raw)
		return nil, fmt.Errorf("%w: 0x%x", ErrNoMatch, raw)
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrNoMatch, raw)
}

// Drain removes and returns every outstanding command, oldest first
func (d *Dispatcher) Drain() []*cmdpool.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*cmdpool.Command, 0, d.list.Len())
	for e := d.list.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*cmdpool.Command))
	}
	d.list.Init()
	clear(d.elems)
	return out
}
