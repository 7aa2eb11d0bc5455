package cmdpool

import "sync"

// Passthru data is staged in bounce buffers so the caller's memory is
// never mapped. Buffers come from size-bucketed pools; anything above the
// largest class is allocated and dropped.
//
// Uses *[]byte so sync.Pool does not allocate on Put.

// Bounce buffer size classes
const (
	size4k   = 4 * 1024
	size32k  = 32 * 1024
	size128k = 128 * 1024
)

var bouncePool = struct {
	pool4k   sync.Pool
	pool32k  sync.Pool
	pool128k sync.Pool
}{
	pool4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool32k:  sync.Pool{New: func() any { b := make([]byte, size32k); return &b }},
	pool128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
}

// GetBounce returns a zeroed buffer of the requested size.
// Callers return it with PutBounce.
func GetBounce(size int) []byte {
	var b []byte
	switch {
	case size <= size4k:
		b = (*bouncePool.pool4k.Get().(*[]byte))[:size]
	case size <= size32k:
		b = (*bouncePool.pool32k.Get().(*[]byte))[:size]
	case size <= size128k:
		b = (*bouncePool.pool128k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
	clear(b)
	return b
}

// PutBounce returns a buffer to its class. Odd capacities are dropped.
func PutBounce(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		bouncePool.pool4k.Put(&buf)
	case size32k:
		bouncePool.pool32k.Put(&buf)
	case size128k:
		bouncePool.pool128k.Put(&buf)
	}
}
