package ring

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics.
var barrierDummy int64

// Sfence orders command block stores before the doorbell write that
// publishes the block to the controller.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
