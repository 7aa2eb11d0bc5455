package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
)

var (
	// ErrNoAbortSlot is returned when no abort command became available in time
	ErrNoAbortSlot = errors.New("recovery: timed out waiting for an abort command")

	// ErrAbortRejected is returned when the controller refused a task abort
	ErrAbortRejected = errors.New("recovery: abort rejected")
)

// Arbiter limits how many task-abort commands may be in flight. Aborts
// beyond the limit wait a bounded time for one to finish.
type Arbiter struct {
	sem  chan struct{}
	wait time.Duration
}

// NewArbiter allows n concurrent aborts, each waiting at most wait for a slot
func NewArbiter(n int, wait time.Duration) *Arbiter {
	if n < 1 {
		n = 1
	}
	return &Arbiter{sem: make(chan struct{}, n), wait: wait}
}

// Acquire takes an abort slot. It gives up with ErrNoAbortSlot after the
// arbiter's wait, or with the context's error.
func (a *Arbiter) Acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	default:
	}
	if a.wait <= 0 {
		return ErrNoAbortSlot
	}
	t := time.NewTimer(a.wait)
	defer t.Stop()
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-t.C:
		return ErrNoAbortSlot
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire
func (a *Arbiter) Release() {
	select {
	case <-a.sem:
	default:
	}
}

// Available returns the number of free abort slots
func (a *Arbiter) Available() int {
	return cap(a.sem) - len(a.sem)
}

// Method is how an abort is carried out
type Method int

const (
	// MethodNone means the controller cannot abort at all
	MethodNone Method = iota
	// MethodTaskAbort sends a real task abort for the command's tag
	MethodTaskAbort
	// MethodEmulated waits, then resets the logical unit
	MethodEmulated
)

func (m Method) String() string {
	switch m {
	case MethodTaskAbort:
		return "task-abort"
	case MethodEmulated:
		return "emulated"
	}
	return "none"
}

// ChooseMethod picks the abort method from the controller's task
// management flags. Real aborts go only to devices behind external
// targets on controllers advertising physical task abort.
func ChooseMethod(tmfFlags uint32, externalTarget bool) Method {
	if tmfFlags&(ciss.TMFPhysTaskAbort|ciss.TMFLogTaskAbort) == 0 {
		return MethodNone
	}
	if tmfFlags&ciss.TMFBitsSupported != 0 && tmfFlags&ciss.TMFPhysTaskAbort != 0 && externalTarget {
		return MethodTaskAbort
	}
	return MethodEmulated
}

// ProbeSupportsAborts interprets the reply to an abort of a bogus tag
// sent to a logical volume: a controller that understands the request
// answers that the tag could not be aborted.
func ProbeSupportsAborts(ei *ciss.ErrorInfo) bool {
	if ei == nil {
		return false
	}
	switch ei.CommandStatus {
	case ciss.CmdUnabortable, ciss.CmdAbortFailed:
		return true
	case ciss.CmdTMFStatus:
		return scsi.EvaluateTMF(ei.ScsiStatus) == nil
	}
	return false
}

// AbortResult interprets the completion of a task abort
func AbortResult(ei *ciss.ErrorInfo) error {
	if ei == nil {
		return nil
	}
	switch ei.CommandStatus {
	case ciss.CmdSuccess:
		return nil
	case ciss.CmdTMFStatus:
		return scsi.EvaluateTMF(ei.ScsiStatus)
	}
	return fmt.Errorf("%w: %s", ErrAbortRejected, ciss.CommandStatusName(ei.CommandStatus))
}
