package hpsa

import (
	"fmt"
	"sync"
)

// HostEvent is one notification a MockHost received
type HostEvent struct {
	Add              bool
	Bus, Target, LUN int
}

func (e HostEvent) String() string {
	op := "remove"
	if e.Add {
		op = "add"
	}
	return fmt.Sprintf("%s %d:%d:%d", op, e.Bus, e.Target, e.LUN)
}

// MockHost provides a mock implementation of Host for testing.
// It records every add and remove and can be told to refuse adds.
type MockHost struct {
	mu       sync.Mutex
	events   []HostEvent
	attached map[[3]int]bool
	failAdd  map[[3]int]error
}

// NewMockHost creates a host with nothing attached
func NewMockHost() *MockHost {
	return &MockHost{
		attached: make(map[[3]int]bool),
		failAdd:  make(map[[3]int]error),
	}
}

// AddDevice implements the Host interface
func (m *MockHost) AddDevice(bus, target, lun int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [3]int{bus, target, lun}
	m.events = append(m.events, HostEvent{Add: true, Bus: bus, Target: target, LUN: lun})
	if err := m.failAdd[key]; err != nil {
		return err
	}
	m.attached[key] = true
	return nil
}

// RemoveDevice implements the Host interface
func (m *MockHost) RemoveDevice(bus, target, lun int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, HostEvent{Bus: bus, Target: target, LUN: lun})
	delete(m.attached, [3]int{bus, target, lun})
}

// Testing utility methods

// FailAdd makes adds of bus/target/lun return err. A nil err clears it.
func (m *MockHost) FailAdd(bus, target, lun int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAdd, [3]int{bus, target, lun})
		return
	}
	m.failAdd[[3]int{bus, target, lun}] = err
}

// Events returns the notifications received so far, oldest first
func (m *MockHost) Events() []HostEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HostEvent(nil), m.events...)
}

// Attached reports whether bus/target/lun is currently attached
func (m *MockHost) Attached(bus, target, lun int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached[[3]int{bus, target, lun}]
}

// AttachedCount returns the number of attached devices
func (m *MockHost) AttachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attached)
}

// Reset forgets the recorded events
func (m *MockHost) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// MockStore provides a mock implementation of Store for testing.
// It keeps data in memory and tracks method calls for verification.
type MockStore struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool

	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockStore creates a new mock store with the specified size
func NewMockStore(size int64) *MockStore {
	return &MockStore{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Store interface
func (m *MockStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.closed {
		return 0, ErrClosed
	}
	if off >= m.size {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements the Store interface
func (m *MockStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return 0, ErrClosed
	}
	if off >= m.size {
		return 0, ErrInvalidParameters
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	return copy(m.data[off:], p), nil
}

// Size implements the Store interface
func (m *MockStore) Size() int64 {
	return m.size
}

// Flush implements the Store interface
func (m *MockStore) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

// Close implements the Store interface
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// IsClosed returns true if the store has been closed
func (m *MockStore) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called
func (m *MockStore) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Compile-time interface checks
var (
	_ Host  = (*MockHost)(nil)
	_ Store = (*MockStore)(nil)
)
