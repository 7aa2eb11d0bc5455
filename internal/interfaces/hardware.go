// Package interfaces defines the boundaries of the controller core: the
// hardware below it and the OS storage stack above it.
package interfaces

// Registers is the controller's memory-mapped register window.
type Registers interface {
	// ReadRegister reads a 32-bit register at the given offset
	ReadRegister(off uint32) uint32

	// WriteRegister writes a 32-bit register at the given offset
	WriteRegister(off uint32, val uint32)

	// Interrupts delivers one signal per raised interrupt. Signals may be
	// coalesced; the handler drains all pending completions per signal.
	Interrupts() <-chan struct{}
}

// Capabilities are the config-table fields read once at initialization.
type Capabilities struct {
	BoardID          uint32
	MaxCommands      int
	MaxSGEntries     int
	TransportSupport uint32
	MaxReplyQueues   int
	TMFSupportFlags  uint32

	// NeedsAbortTagSwizzle is set for boards whose firmware expects the
	// abort tag with each 32-bit half byte-reversed
	NeedsAbortTagSwizzle bool
}

// TransportConfig is written to the config table to change transport mode.
type TransportConfig struct {
	// Method is one of the transport method bits
	Method uint32

	// ReplyQueues are host-resident reply rings, one per queue. The hardware
	// stores completions into them; the driver reads them atomically.
	ReplyQueues [][]uint64

	// BlockFetch holds the sizes, in 16-byte blocks, of each fetch bucket
	BlockFetch []int
}

// HostMemory is the host DMA address space as seen by the controller.
type HostMemory interface {
	// Resolve returns the n bytes of host memory mapped at addr
	Resolve(addr uint64, n int) ([]byte, error)
}

// ConfigTable is the controller's configuration table.
type ConfigTable interface {
	// Capabilities reports the controller limits and supported features
	Capabilities() Capabilities

	// SetHostMemory gives the controller access to host DMA memory
	SetHostMemory(mem HostMemory)

	// SetTransport switches the transport mode
	SetTransport(cfg TransportConfig) error
}

// Hardware is everything the driver core needs from a controller.
type Hardware interface {
	Registers
	ConfigTable
}
