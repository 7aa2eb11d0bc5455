package topology

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
)

// Monitor tracks offline volumes until they come online
type Monitor struct {
	mu    sync.Mutex
	addrs []Addr
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Track adds addr to the list. It reports false if it was already there.
func (m *Monitor) Track(addr Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.addrs {
		if a == addr {
			return false
		}
	}
	m.addrs = append(m.addrs, addr)
	return true
}

// Pending returns the tracked addresses
func (m *Monitor) Pending() []Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Addr(nil), m.addrs...)
}

// Clear drops every tracked address
func (m *Monitor) Clear() {
	m.mu.Lock()
	m.addrs = nil
	m.mu.Unlock()
}

func (m *Monitor) untrack(addr Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.addrs {
		if a == addr {
			m.addrs = append(m.addrs[:i], m.addrs[i+1:]...)
			return
		}
	}
}

// Poll checks each tracked volume and returns the first one that is now
// online, removing it from the list. A rescan picks it up.
func (m *Monitor) Poll(ctx context.Context, q Querier) (Addr, bool) {
	for _, addr := range m.Pending() {
		if ctx.Err() != nil {
			break
		}
		if VolumeOffline(ctx, q, addr) == ciss.LVOK {
			m.untrack(addr)
			return addr, true
		}
	}
	return Addr{}, false
}
