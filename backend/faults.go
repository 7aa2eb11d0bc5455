package backend

import (
	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/ring"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// faultState is what has been injected for one address
type faultState struct {
	unitAttentions [][2]uint8
	busy           int
	notReady       int
	statuses       []uint16
	hold           bool
}

func (f *faultState) addUnitAttention(asc, ascq uint8) {
	f.unitAttentions = append(f.unitAttentions, [2]uint8{asc, ascq})
}

func (s *Simulator) faultLocked(addr topology.Addr) *faultState {
	f := s.faults[addr]
	if f == nil {
		f = &faultState{}
		s.faults[addr] = f
	}
	return f
}

// injected returns the error an injected fault produces for the next
// command to addr, or nil. INQUIRY is exempt from unit attentions and
// not-ready so that discovery sees through them.
func (s *Simulator) injected(addr topology.Addr, op byte) *ciss.ErrorInfo {
	f := s.faults[addr]
	if f == nil {
		return nil
	}
	if len(f.statuses) > 0 {
		st := f.statuses[0]
		f.statuses = f.statuses[1:]
		return &ciss.ErrorInfo{CommandStatus: st}
	}
	if f.busy > 0 {
		f.busy--
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdTargetStatus, ScsiStatus: ciss.StatusBusy}
	}
	if op == ciss.OpInquiry {
		return nil
	}
	if len(f.unitAttentions) > 0 {
		ua := f.unitAttentions[0]
		f.unitAttentions = f.unitAttentions[1:]
		return checkCondition(scsi.KeyUnitAttention, ua[0], ua[1])
	}
	if f.notReady > 0 {
		f.notReady--
		return checkCondition(scsi.KeyNotReady, scsi.ASCLogicalUnitNotReady, 0x01)
	}
	return nil
}

// InjectUnitAttention queues a unit attention for the next command to addr
func (s *Simulator) InjectUnitAttention(addr topology.Addr, asc, ascq uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(addr).addUnitAttention(asc, ascq)
}

// InjectBusy makes the next n commands to addr return BUSY
func (s *Simulator) InjectBusy(addr topology.Addr, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(addr).busy += n
}

// SetNotReady makes the next n commands to addr report the unit becoming
// ready
func (s *Simulator) SetNotReady(addr topology.Addr, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(addr).notReady = n
}

// InjectStatus makes the next n commands to addr complete with a
// controller command status
func (s *Simulator) InjectStatus(addr topology.Addr, status uint16, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.faultLocked(addr)
	for i := 0; i < n; i++ {
		f.statuses = append(f.statuses, status)
	}
}

// InjectMalformedTag posts a completion for a tag the driver never issued
// ahead of the next real completion
func (s *Simulator) InjectMalformedTag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badTags = append(s.badTags, ring.DirectTag{Index: 1 << 20}.Encode())
}

// Hold keeps reads and writes to addr outstanding until they are
// released, aborted or reset
func (s *Simulator) Hold(addr topology.Addr, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(addr).hold = on
}

// Release executes the held commands for addr and stops holding new ones
func (s *Simulator) Release(addr topology.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(addr).hold = false
	kept := s.held[:0]
	var run []*pending
	for _, h := range s.held {
		if h.addr == addr {
			run = append(run, h)
			continue
		}
		kept = append(kept, h)
	}
	s.held = kept
	for _, h := range run {
		s.complete(h, s.execute(h))
	}
}

// HeldCount returns the number of commands being held
func (s *Simulator) HeldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Lockup makes the controller fail everything it holds and every command
// it is given from now on
func (s *Simulator) Lockup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	held := s.held
	s.held = nil
	for _, h := range held {
		s.complete(h, &ciss.ErrorInfo{CommandStatus: ciss.CmdCtlrLockup})
	}
}
