// Package ring implements the submission and completion protocol of the
// controller: the simple register FIFO and the performant reply rings.
package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/interfaces"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
)

// Mode is the transport mode chosen at initialization
type Mode int

const (
	ModeSimple Mode = iota
	ModePerformant
)

func (m Mode) String() string {
	switch m {
	case ModeSimple:
		return "simple"
	case ModePerformant:
		return "performant"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses "simple" or "performant"
func ParseMode(s string) (Mode, error) {
	switch s {
	case "simple":
		return ModeSimple, nil
	case "performant":
		return ModePerformant, nil
	}
	return 0, fmt.Errorf("unknown transport mode %q", s)
}

// Access is the hardware access method of one transport mode
type Access interface {
	// Submit hands a command block to the controller. sgList is the
	// inline descriptor count, used for block-fetch sizing.
	Submit(busAddr uint64, sgList int)

	// Completed returns the next raw completion from queue q
	Completed(q int) (uint64, bool)

	// IntrPending reports whether the controller raised an interrupt
	IntrPending() bool

	// SetIntrMask enables or disables controller interrupts
	SetIntrMask(on bool)

	Mode() Mode

	// ErrorBits are the low completion bits that are not tag
	ErrorBits() uint64

	// Queues is the number of completion queues
	Queues() int

	// Outstanding is the number of submitted commands not yet completed
	Outstanding() int
}

// Simple uses the request and reply port registers
type Simple struct {
	regs        interfaces.Registers
	outstanding atomic.Int64
}

// NewSimple creates simple mode access
func NewSimple(regs interfaces.Registers) *Simple {
	return &Simple{regs: regs}
}

func (s *Simple) Submit(busAddr uint64, _ int) {
	s.outstanding.Add(1)
	Sfence()
	s.regs.WriteRegister(ciss.RegRequestPort, uint32(busAddr))
}

func (s *Simple) Completed(int) (uint64, bool) {
	v := s.regs.ReadRegister(ciss.RegReplyPort)
	if v == ciss.FIFOEmpty {
		return 0, false
	}
	s.outstanding.Add(-1)
	return uint64(v), true
}

func (s *Simple) IntrPending() bool {
	return s.regs.ReadRegister(ciss.RegIntrStatus)&ciss.IntrPendingSimple != 0
}

func (s *Simple) SetIntrMask(on bool) {
	if on {
		s.regs.WriteRegister(ciss.RegIntrMask, 0)
		return
	}
	s.regs.WriteRegister(ciss.RegIntrMask, ciss.IntrMaskOffSimple)
}

func (s *Simple) Mode() Mode        { return ModeSimple }
func (s *Simple) ErrorBits() uint64 { return constants.SimpleErrorBits }
func (s *Simple) Queues() int       { return 1 }
func (s *Simple) Outstanding() int  { return int(s.outstanding.Load()) }

// Performant submits with a block-fetch bucket and reads completions from
// host reply rings.
type Performant struct {
	regs        interfaces.Registers
	queues      []*ReplyQueue
	bucketMap   []int
	outstanding atomic.Int64
	logger      *logging.Logger
}

// NewPerformant creates performant mode access over queues. bucketMap
// comes from CalcBucketMap.
func NewPerformant(regs interfaces.Registers, queues []*ReplyQueue, bucketMap []int, logger *logging.Logger) *Performant {
	return &Performant{
		regs:      regs,
		queues:    queues,
		bucketMap: bucketMap,
		logger:    logging.Or(logger),
	}
}

func (p *Performant) bucket(sgList int) uint64 {
	if sgList < 0 || sgList >= len(p.bucketMap) {
		p.logger.Warnf("sg count %d outside bucket map, using largest bucket", sgList)
		return uint64(p.bucketMap[len(p.bucketMap)-1])
	}
	return uint64(p.bucketMap[sgList])
}

func (p *Performant) Submit(busAddr uint64, sgList int) {
	p.outstanding.Add(1)
	Sfence()
	p.regs.WriteRegister(ciss.RegRequestPort, uint32(busAddr|1|p.bucket(sgList)<<1))
}

func (p *Performant) Completed(q int) (uint64, bool) {
	p.regs.WriteRegister(ciss.RegOutbDbClear, ciss.OutbDbClearValue)
	p.regs.ReadRegister(ciss.RegOutbDbStatus)
	if q < 0 || q >= len(p.queues) {
		return 0, false
	}
	v, ok := p.queues[q].Next()
	if ok {
		p.outstanding.Add(-1)
	}
	return v, ok
}

func (p *Performant) IntrPending() bool {
	if p.regs.ReadRegister(ciss.RegIntrStatus) == 0 {
		return false
	}
	return p.regs.ReadRegister(ciss.RegOutbDbStatus)&ciss.OutbDbPerfBit != 0
}

func (p *Performant) SetIntrMask(on bool) {
	if on {
		p.regs.WriteRegister(ciss.RegIntrMask, 0)
		return
	}
	p.regs.WriteRegister(ciss.RegIntrMask, ciss.IntrMaskOffPerf)
}

func (p *Performant) Mode() Mode        { return ModePerformant }
func (p *Performant) ErrorBits() uint64 { return constants.PerfErrorBits }
func (p *Performant) Queues() int       { return len(p.queues) }
func (p *Performant) Outstanding() int  { return int(p.outstanding.Load()) }

// Queue returns reply queue q
func (p *Performant) Queue(q int) *ReplyQueue { return p.queues[q] }
