// Package backend provides a simulated Smart Array controller. It
// implements the driver's hardware boundary: a register window with a
// request FIFO, simple and performant completion paths, and a config
// table. Commands execute against memory-backed volumes as soon as they
// are written to the request port.
package backend

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/interfaces"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/ring"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// Config describes the simulated board
type Config struct {
	BoardID      uint32
	MaxCommands  int
	MaxSGEntries int

	// Transport methods the board supports
	Simple     bool
	Performant bool

	MaxReplyQueues  int
	TMFSupportFlags uint32

	// NeedsAbortTagSwizzle makes the board expect byte-swapped abort tags
	NeedsAbortTagSwizzle bool

	// SCSIRevision is reported in the controller's inquiry data. Revision
	// 5 numbers logical volumes from LUN 1 on target 0.
	SCSIRevision uint8

	// BasicPhysicalReport makes the board ignore the extended flag of
	// REPORT PHYSICAL LUNS
	BasicPhysicalReport bool

	Logger *logging.Logger
}

// DefaultConfig returns a board with both transports and task aborts
func DefaultConfig() Config {
	return Config{
		BoardID:         0x3354103c,
		MaxCommands:     256,
		MaxSGEntries:    64,
		Simple:          true,
		Performant:      true,
		MaxReplyQueues:  4,
		TMFSupportFlags: ciss.TMFBitsSupported | ciss.TMFPhysTaskAbort | ciss.TMFLogTaskAbort,
		SCSIRevision:    5,
	}
}

// Stats counts what the simulator executed
type Stats struct {
	Commands  uint64
	Reads     uint64
	Writes    uint64
	Flushes   uint64
	Aborts    uint64
	Resets    uint64
	Errors    uint64
	Malformed uint64
}

// Simulator is a simulated controller. All state is guarded by one mutex;
// commands run to completion inside WriteRegister unless held.
type Simulator struct {
	cfg    Config
	logger *logging.Logger

	mu  sync.Mutex
	mem interfaces.HostMemory

	// transport
	method    uint32
	bft       []int
	producers []*ring.Producer
	fifo      []uint32
	doorbell  bool
	masked    bool
	irq       chan struct{}

	// devices, in report order
	volumes   []*volume
	physicals []*physical
	ctlrWWID  [8]byte

	held   []*pending
	faults map[topology.Addr]*faultState
	locked bool

	// badTags are posted ahead of the next completion
	badTags []uint64

	stats Stats
}

// New creates a simulator with no devices
func New(cfg Config) *Simulator {
	if cfg.MaxCommands <= 0 {
		cfg.MaxCommands = DefaultConfig().MaxCommands
	}
	if !cfg.Simple && !cfg.Performant {
		cfg.Simple = true
	}
	s := &Simulator{
		cfg:    cfg,
		logger: logging.Or(cfg.Logger),
		masked: true,
		irq:    make(chan struct{}, 1),
		faults: make(map[topology.Addr]*faultState),
		method: ciss.TransportSimple,
	}
	s.ctlrWWID = wwid(identifier(cfg.BoardID, "controller"))
	return s
}

// Capabilities implements interfaces.ConfigTable
func (s *Simulator) Capabilities() interfaces.Capabilities {
	var transports uint32
	if s.cfg.Simple {
		transports |= ciss.TransportSimple
	}
	if s.cfg.Performant {
		transports |= ciss.TransportPerformant
	}
	return interfaces.Capabilities{
		BoardID:              s.cfg.BoardID,
		MaxCommands:          s.cfg.MaxCommands,
		MaxSGEntries:         s.cfg.MaxSGEntries,
		TransportSupport:     transports,
		MaxReplyQueues:       s.cfg.MaxReplyQueues,
		TMFSupportFlags:      s.cfg.TMFSupportFlags,
		NeedsAbortTagSwizzle: s.cfg.NeedsAbortTagSwizzle,
	}
}

// SetHostMemory implements interfaces.ConfigTable
func (s *Simulator) SetHostMemory(mem interfaces.HostMemory) {
	s.mu.Lock()
	s.mem = mem
	s.mu.Unlock()
}

// SetTransport implements interfaces.ConfigTable
func (s *Simulator) SetTransport(tc interfaces.TransportConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch tc.Method {
	case ciss.TransportSimple:
		if !s.cfg.Simple {
			return fmt.Errorf("sim: simple transport not supported")
		}
		s.method = tc.Method
		s.producers = nil
		s.bft = nil
		return nil

	case ciss.TransportPerformant:
		if !s.cfg.Performant {
			return fmt.Errorf("sim: performant transport not supported")
		}
		if len(tc.ReplyQueues) == 0 {
			return fmt.Errorf("sim: performant transport needs a reply queue")
		}
		if s.cfg.MaxReplyQueues > 0 && len(tc.ReplyQueues) > s.cfg.MaxReplyQueues {
			return fmt.Errorf("sim: %d reply queues, board allows %d", len(tc.ReplyQueues), s.cfg.MaxReplyQueues)
		}
		if len(tc.BlockFetch) != ring.NumBuckets {
			return fmt.Errorf("sim: block fetch table has %d buckets", len(tc.BlockFetch))
		}
		s.producers = make([]*ring.Producer, len(tc.ReplyQueues))
		for i, q := range tc.ReplyQueues {
			if len(q) == 0 {
				return fmt.Errorf("sim: reply queue %d is empty", i)
			}
			s.producers[i] = ring.NewProducer(q)
		}
		s.bft = append([]int(nil), tc.BlockFetch...)
		s.method = tc.Method
		return nil
	}
	return fmt.Errorf("sim: unknown transport method 0x%x", tc.Method)
}

// Interrupts implements interfaces.Registers
func (s *Simulator) Interrupts() <-chan struct{} { return s.irq }

// ReadRegister implements interfaces.Registers
func (s *Simulator) ReadRegister(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case ciss.RegReplyPort:
		if len(s.fifo) == 0 {
			return ciss.FIFOEmpty
		}
		v := s.fifo[0]
		s.fifo = s.fifo[1:]
		return v
	case ciss.RegIntrStatus:
		if s.masked {
			return 0
		}
		if s.method == ciss.TransportPerformant {
			if s.doorbell {
				return ciss.IntrPendingPerf
			}
			return 0
		}
		if len(s.fifo) > 0 {
			return ciss.IntrPendingSimple
		}
		return 0
	case ciss.RegOutbDbStatus:
		if s.doorbell {
			return ciss.OutbDbPerfBit
		}
		return 0
	case ciss.RegIntrMask:
		if s.masked {
			if s.method == ciss.TransportPerformant {
				return ciss.IntrMaskOffPerf
			}
			return ciss.IntrMaskOffSimple
		}
		return 0
	}
	return 0
}

// WriteRegister implements interfaces.Registers. A write to the request
// port executes the command it points at.
func (s *Simulator) WriteRegister(off, val uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case ciss.RegRequestPort:
		s.submit(val)
	case ciss.RegIntrMask:
		s.masked = val != 0
		if !s.masked && s.pendingLocked() {
			s.raise()
		}
	case ciss.RegOutbDbClear:
		if val&ciss.OutbDbClearValue != 0 {
			s.doorbell = false
		}
	}
}

func (s *Simulator) pendingLocked() bool {
	if s.method == ciss.TransportPerformant {
		return s.doorbell
	}
	return len(s.fifo) > 0
}

// raise signals an interrupt without blocking; signals coalesce
func (s *Simulator) raise() {
	if s.masked {
		return
	}
	select {
	case s.irq <- struct{}{}:
	default:
	}
}

// post delivers one raw completion on reply queue q
func (s *Simulator) post(q int, raw uint64) {
	for _, bad := range s.badTags {
		s.postRaw(q, bad)
	}
	s.badTags = nil
	s.postRaw(q, raw)
	s.raise()
}

func (s *Simulator) postRaw(q int, raw uint64) {
	if s.method == ciss.TransportPerformant {
		if q < 0 || q >= len(s.producers) {
			q = 0
		}
		s.producers[q].Post(raw)
		s.doorbell = true
		return
	}
	s.fifo = append(s.fifo, uint32(raw))
}

// decodeSubmission splits a request port value into the block address and
// the number of bytes the controller may fetch
func (s *Simulator) decodeSubmission(val uint32) (addr uint64, fetch int, err error) {
	if s.method != ciss.TransportPerformant {
		return uint64(val) &^ constants.SimpleErrorBits, 0, nil
	}
	if val&1 == 0 {
		return 0, 0, fmt.Errorf("performant submission 0x%08x without the performant bit", val)
	}
	bucket := int(val>>1) & (ring.NumBuckets - 1)
	return uint64(val) &^ constants.PerfErrorBits, s.bft[bucket] * 16, nil
}

// Stats returns what the simulator has executed so far
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Mode returns the transport method the driver programmed
func (s *Simulator) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.method == ciss.TransportPerformant {
		return "performant"
	}
	return "simple"
}

var _ interfaces.Hardware = (*Simulator)(nil)
