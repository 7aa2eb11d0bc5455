package backend

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-hpsa/internal/interfaces"
)

// Memory is a RAM-backed store for a simulated logical volume
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	flushes int
}

// NewMemory creates a new memory store of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Store interface
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements the Store interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of volume")
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements the Store interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Store interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Flush implements the Store interface
func (m *Memory) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

// Flushes returns how often the store was flushed
func (m *Memory) Flushes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushes
}

// Discard zeroes a range. WRITE SAME(16) with the unmap bit lands here.
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[offset:end])
	return nil
}

// Discarder is implemented by stores that can drop a range cheaply
type Discarder interface {
	Discard(offset, length int64) error
}

var (
	_ interfaces.Store = (*Memory)(nil)
	_ Discarder        = (*Memory)(nil)
)
