package hpsa

import (
	"time"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/cmdpool"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
	"golang.org/x/sys/unix"
)

// Direction is the data transfer direction of a request
type Direction uint8

const (
	DirNone  Direction = ciss.XferNone
	DirWrite Direction = ciss.XferWrite
	DirRead  Direction = ciss.XferRead
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirWrite:
		return "write"
	case DirRead:
		return "read"
	}
	return "unknown"
}

// Completion is what a request finishes with
type Completion struct {
	Result   Result
	Residual int
	Outcome  Outcome

	// Sense holds the sense bytes of a CHECK CONDITION
	Sense []byte
}

// Request is one storage command from the host. Done is called exactly
// once, normally from the controller's completion goroutine.
type Request struct {
	Bus, Target, LUN int

	CDB       []byte
	Direction Direction

	// Buffers are the data fragments, mapped in order
	Buffers [][]byte

	Done func(*Request, Completion)

	// Private is left for the caller
	Private any

	slot  *cmdpool.FastSlot
	gen   uint64
	start time.Time
}

// Length returns the total data length of the request
func (r *Request) Length() int {
	n := 0
	for _, b := range r.Buffers {
		n += len(b)
	}
	return n
}

// QueueCommand starts a request. An unknown device or a locked-up
// controller completes the request through Done with DID_NO_CONNECT.
// A returned error means Done will not be called: ErrBusy when no command
// slot is free, ErrNoResources when the buffers could not be mapped.
func (c *Controller) QueueCommand(req *Request) error {
	if req == nil || req.Done == nil {
		return NewError("QUEUE", ErrCodeInvalidParameters, "request needs a completion callback")
	}
	if len(req.CDB) == 0 || len(req.CDB) > len(ciss.Request{}.CDB) {
		return NewErrorWithErrno("QUEUE", ErrCodeInvalidParameters, unix.EINVAL)
	}

	c.submitMu.RLock()
	defer c.submitMu.RUnlock()

	if c.closed.Load() {
		return &Error{Op: "QUEUE", Ctlr: c.id, Code: ErrCodeClosed, Errno: unix.ENODEV, Msg: "controller closed", Inner: errClosed}
	}
	if c.lockedUp.Load() {
		c.noConnect(req)
		return nil
	}

	dev, ok := c.reconciler.Table().Lookup(req.Bus, req.Target, req.LUN)
	if !ok || !dev.Expose {
		c.metrics.NoDevice.Add(1)
		c.noConnect(req)
		return nil
	}

	if c.inflight.Add(1) > int64(c.queueDepth) {
		c.inflight.Add(-1)
		c.metrics.PoolExhausted.Add(1)
		return NewErrorWithErrno("QUEUE", ErrCodeBusy, unix.EBUSY)
	}
	slot, err := c.pool.Get()
	if err != nil {
		c.inflight.Add(-1)
		c.metrics.PoolExhausted.Add(1)
		return WrapError("QUEUE", err)
	}

	cmd := &slot.Command
	sg, err := c.mapper.Map(req.Buffers, cmd.Chain)
	if err != nil {
		c.release(slot)
		c.metrics.MapFailures.Add(1)
		return WrapError("QUEUE", err)
	}
	cmd.SG = sg
	cmd.Kind = cmdpool.KindSCSI
	cmd.Owner = req
	cmd.SetLUN(dev.Addr)
	cmd.Wire.Request = ciss.Request{
		CDBLen:      uint8(len(req.CDB)),
		TypeAttrDir: ciss.TypeAttrDir(ciss.TypeCmd, ciss.AttrSimple, uint8(req.Direction)),
	}
	copy(cmd.Wire.Request.CDB[:], req.CDB)

	if err := cmd.Encode(c.replyQueue(slot.Index)); err != nil {
		c.mapper.Unmap(sg)
		c.release(slot)
		return WrapError("QUEUE", err)
	}

	req.slot = slot
	req.gen = slot.Generation()
	req.start = time.Now()

	c.observer.ObserveSubmit(sg.Total)
	c.dispatcher.Enqueue(cmd)
	c.access.Submit(cmd.BusAddr, cmd.SGList())
	return nil
}

// replyQueue spreads commands over the reply queues by slot index
func (c *Controller) replyQueue(index int) int {
	if index < 0 {
		return 0
	}
	return index % c.access.Queues()
}

func (c *Controller) release(slot *cmdpool.FastSlot) {
	c.pool.Put(slot)
	c.inflight.Add(-1)
}

func (c *Controller) noConnect(req *Request) {
	req.Done(req, Completion{
		Result:   scsi.MakeResult(scsi.DIDNoConnect, 0),
		Residual: req.Length(),
		Outcome:  scsi.OutcomeHard,
	})
}

// completeRequest interprets a finished request, frees its slot and
// calls the request's Done
func (c *Controller) completeRequest(cmd *cmdpool.Command) {
	req, ok := cmd.Owner.(*Request)
	if !ok {
		c.logger.Warnf("completion for slot %d has no request", cmd.Index)
		c.mapper.Unmap(cmd.SG)
		cmd.Owner = nil
		if slot := c.pool.Slot(cmd.Index); slot != nil {
			c.release(slot)
		}
		return
	}

	var ei *ciss.ErrorInfo
	if info, err := cmd.ErrorInfo(); err == nil && info.CommandStatus != ciss.CmdSuccess {
		ei = &info
	}
	lockup := ei != nil && ei.CommandStatus == ciss.CmdCtlrLockup && !c.closed.Load()

	length := req.Length()
	v := scsi.Interpret(ei, req.CDB, length)
	if v.Message != "" {
		c.logger.WithDevice(req.Bus, req.Target, req.LUN).WithTag(cmd.Tag).Warn(v.Message,
			"cdb", req.CDB[0], "result", v.Result.String(), "sense", v.Sense.String())
	}
	if v.Rescan && c.cfg.RescanOnUnitAttention {
		c.requestRescan()
	}

	c.mapper.Unmap(cmd.SG)
	cmd.Owner = nil
	slot := c.pool.Slot(cmd.Index)
	c.release(slot)

	c.observer.ObserveCompletion(v.Outcome, uint64(time.Since(req.start)))
	req.Done(req, Completion{
		Result:   v.Result,
		Residual: v.Residual,
		Outcome:  v.Outcome,
		Sense:    v.SenseData,
	})

	if lockup {
		c.latchLockup()
	}
}
