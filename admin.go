package hpsa

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/cmdpool"
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/recovery"
	"github.com/ehrlich-b/go-hpsa/internal/ring"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
	"github.com/ehrlich-b/go-hpsa/internal/sgl"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// hold collects what an internal command owns: its slot and the buffers the
// hardware reads or writes. release runs them in reverse order.
type hold struct {
	fns       []func()
	abandoned bool
}

func (h *hold) add(f func()) { h.fns = append(h.fns, f) }

func (h *hold) release() {
	for i := len(h.fns) - 1; i >= 0; i-- {
		h.fns[i]()
	}
	h.fns = nil
}

// issue submits cmd and waits for it to complete. The returned error info
// is nil for a clean completion. When ctx ends first the command is
// abandoned: everything in h stays owned until the hardware finishes.
func (c *Controller) issue(ctx context.Context, h *hold, cmd *cmdpool.Command, addr [8]byte, req ciss.Request, bufs [][]byte, queue int) (*ciss.ErrorInfo, error) {
	if h.abandoned {
		return nil, ctx.Err()
	}
	sg, err := c.mapper.Map(bufs, cmd.Chain)
	if err != nil {
		c.metrics.MapFailures.Add(1)
		return nil, err
	}

	cmd.Kind = cmdpool.KindInternal
	cmd.SG = sg
	cmd.Wire.Request = req
	cmd.SetLUN(addr)
	if err := cmd.Encode(queue); err != nil {
		c.mapper.Unmap(sg)
		return nil, err
	}
	// a stale signal from an earlier use of the slot
	select {
	case <-cmd.Done():
	default:
	}

	c.submitMu.RLock()
	if c.closed.Load() {
		c.submitMu.RUnlock()
		c.mapper.Unmap(sg)
		return nil, errClosed
	}
	c.dispatcher.Enqueue(cmd)
	c.access.Submit(cmd.BusAddr, cmd.SGList())
	c.submitMu.RUnlock()

	select {
	case <-cmd.Done():
	case <-ctx.Done():
		c.abandon(cmd, sg, h)
		return nil, ctx.Err()
	}
	c.mapper.Unmap(sg)

	ei, err := cmd.ErrorInfo()
	if err != nil {
		return nil, err
	}
	switch ei.CommandStatus {
	case ciss.CmdSuccess:
		return nil, nil
	case ciss.CmdCtlrLockup:
		if !c.closed.Load() {
			c.latchLockup()
		}
	}
	return &ei, nil
}

// abandon hands cmd's mappings and h to a goroutine that frees them once
// the hardware completes cmd. Lockup and Close both complete every
// outstanding command, so the wait ends.
func (c *Controller) abandon(cmd *cmdpool.Command, sg *sgl.List, h *hold) {
	fns := h.fns
	h.fns = nil
	h.abandoned = true
	c.metrics.Abandoned.Add(1)
	c.logger.WithTag(cmd.Tag).Debug("internal command abandoned, waiting for hardware")
	go func() {
		<-cmd.Done()
		c.mapper.Unmap(sg)
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}()
}

// execInternal sends a driver command on an admin slot. With retry set,
// unit attentions and busy targets are retried under the internal policy.
// keep runs once the hardware is done with bufs.
func (c *Controller) execInternal(ctx context.Context, addr [8]byte, req ciss.Request, bufs [][]byte, retry bool, keep ...func()) (*ciss.ErrorInfo, error) {
	h := &hold{}
	defer h.release()
	for _, f := range keep {
		h.add(f)
	}
	slot, err := c.admin.Get(ctx)
	if err != nil {
		return nil, err
	}
	h.add(func() { c.admin.Put(slot) })

	c.metrics.InternalCommands.Add(1)
	send := func() (*ciss.ErrorInfo, error) {
		return c.issue(ctx, h, &slot.Command, addr, req, bufs, 0)
	}
	if !retry {
		return send()
	}
	return recovery.RetryInternal(ctx, c.internalPolicy, c.logger.WithAddr(addr), send)
}

// statusError turns the error info of a failed internal command into an
// *Error carrying the command status
func (c *Controller) statusError(op string, addr [8]byte, ei *ciss.ErrorInfo) *Error {
	code := ErrCodeIOError
	msg := ciss.CommandStatusName(ei.CommandStatus)
	if ei.CommandStatus == ciss.CmdTargetStatus {
		code = ErrCodeTargetStatus
		msg = fmt.Sprintf("scsi status 0x%02x", ei.ScsiStatus)
		if s := scsi.DecodeSense(ei.Sense()); s.Valid {
			msg += ", " + s.String()
		}
	}
	a := topology.Addr(addr)
	return &Error{
		Op:     op,
		Ctlr:   c.id,
		Addr:   &a,
		Code:   code,
		Errno:  unix.EIO,
		Status: ei.CommandStatus,
		Msg:    msg,
	}
}

// readData runs a data-in discovery command and returns the bytes the
// target actually transferred
func (c *Controller) readData(ctx context.Context, op string, addr [8]byte, req ciss.Request, size int) ([]byte, error) {
	buf := make([]byte, size)
	ei, err := c.execInternal(ctx, addr, req, [][]byte{buf}, true)
	if err != nil {
		return nil, WrapError(op, err)
	}
	if ei == nil {
		return buf, nil
	}
	if ei.CommandStatus == ciss.CmdDataUnderrun {
		n := size - int(ei.ResidualCnt)
		if n < 0 {
			n = 0
		}
		return buf[:n], nil
	}
	return nil, c.statusError(op, addr, ei)
}

// arrayQuerier runs topology discovery through internal commands
type arrayQuerier struct{ c *Controller }

func (q arrayQuerier) ReportLUNs(ctx context.Context, physical, extended bool, size int) ([]byte, error) {
	return q.c.readData(ctx, "REPORT_LUNS", topology.ControllerAddr, ciss.ReportLUNs(physical, extended, size), size)
}

func (q arrayQuerier) Inquiry(ctx context.Context, addr topology.Addr, vpd bool, page uint8, size int) ([]byte, error) {
	return q.c.readData(ctx, "INQUIRY", addr, ciss.Inquiry(vpd, page, size), size)
}

func (q arrayQuerier) TestUnitReady(ctx context.Context, addr topology.Addr) (*ciss.ErrorInfo, error) {
	return q.c.execInternal(ctx, addr, ciss.TestUnitReady(), nil, false)
}

// ProbeAborts sends an abort for a tag no command can carry. A controller
// that handles aborts for the volume answers that it could not find it.
func (q arrayQuerier) ProbeAborts(ctx context.Context, addr topology.Addr) bool {
	bogus := ring.DirectTag{Index: q.c.pool.Cap()}.Encode()
	ei, err := q.c.execInternal(ctx, addr, ciss.Abort(bogus, q.c.caps.NeedsAbortTagSwizzle), nil, false)
	if err != nil {
		q.c.logger.WithAddr(addr).WithError(err).Debug("abort probe failed")
		return false
	}
	return recovery.ProbeSupportsAborts(ei)
}

// queueProber sends readiness probes on a chosen reply queue. It prefers
// the fast slots held back from the request path.
type queueProber struct{ c *Controller }

func (p queueProber) TestUnitReady(ctx context.Context, addr [8]byte, queue int) (*ciss.ErrorInfo, error) {
	c := p.c
	c.metrics.ReadinessPolls.Add(1)
	h := &hold{}
	defer h.release()
	slot, err := c.pool.Get()
	if err != nil {
		admin, err := c.admin.Get(ctx)
		if err != nil {
			return nil, err
		}
		h.add(func() { c.admin.Put(admin) })
		return c.issue(ctx, h, &admin.Command, addr, ciss.TestUnitReady(), nil, queue)
	}
	h.add(func() { c.pool.Put(slot) })
	return c.issue(ctx, h, &slot.Command, addr, ciss.TestUnitReady(), nil, queue)
}

// PassthruRequest is a raw command from the administrative surface
type PassthruRequest struct {
	Addr      LUNAddr
	CDB       []byte
	Direction Direction
	Timeout   uint16

	// Data is sent for writes. For reads its length is the transfer size.
	Data []byte
}

// BigPassthruRequest is a passthru whose data is staged in several
// buffers of at most ChunkSize bytes each
type BigPassthruRequest struct {
	PassthruRequest
	ChunkSize int
}

// PassthruResult is the outcome of a passthru
type PassthruResult struct {
	// ErrorInfo is the raw error info block, all zero on success
	ErrorInfo []byte

	CommandStatus uint16
	ScsiStatus    uint8

	// Data is the buffer as the controller left it
	Data []byte
}

// Passthru sends a caller-built command to a device. Hardware statuses
// come back in the result; the error is only set when the command could
// not be sent.
func (c *Controller) Passthru(ctx context.Context, req PassthruRequest) (PassthruResult, error) {
	if err := c.validatePassthru(req); err != nil {
		return PassthruResult{}, WrapError("PASSTHRU", err)
	}
	var bufs [][]byte
	if len(req.Data) > 0 {
		bufs = [][]byte{cmdpool.GetBounce(len(req.Data))}
	}
	return c.passthru(ctx, "PASSTHRU", req, bufs)
}

// BigPassthru is Passthru for transfers staged in several buffers
func (c *Controller) BigPassthru(ctx context.Context, req BigPassthruRequest) (PassthruResult, error) {
	if err := c.validatePassthru(req.PassthruRequest); err != nil {
		return PassthruResult{}, WrapError("BIG_PASSTHRU", err)
	}
	if req.ChunkSize <= 0 {
		return PassthruResult{}, NewErrorWithErrno("BIG_PASSTHRU", ErrCodeInvalidParameters, unix.EINVAL)
	}
	n := (len(req.Data) + req.ChunkSize - 1) / req.ChunkSize
	if n > c.mapper.MaxInline() {
		return PassthruResult{}, NewErrorWithErrno("BIG_PASSTHRU", ErrCodeInvalidParameters, unix.EINVAL)
	}
	bufs := make([][]byte, 0, n)
	for off := 0; off < len(req.Data); off += req.ChunkSize {
		size := min(req.ChunkSize, len(req.Data)-off)
		bufs = append(bufs, cmdpool.GetBounce(size))
	}
	return c.passthru(ctx, "BIG_PASSTHRU", req.PassthruRequest, bufs)
}

func (c *Controller) validatePassthru(req PassthruRequest) error {
	if len(req.CDB) == 0 || len(req.CDB) > len(ciss.Request{}.CDB) {
		return unix.EINVAL
	}
	if req.Direction == DirNone && len(req.Data) > 0 {
		return unix.EINVAL
	}
	if req.Direction != DirNone && len(req.Data) == 0 {
		return unix.EINVAL
	}
	return nil
}

// passthru runs a staged passthru. bufs are bounce buffers covering
// req.Data in order; they go back to the pool once the hardware is done.
func (c *Controller) passthru(ctx context.Context, op string, req PassthruRequest, bufs [][]byte) (PassthruResult, error) {
	h := &hold{}
	defer h.release()
	h.add(func() {
		for _, b := range bufs {
			cmdpool.PutBounce(b)
		}
	})
	if err := c.checkUsable(op); err != nil {
		return PassthruResult{}, err
	}

	select {
	case c.passthrus <- struct{}{}:
	default:
		c.metrics.PassthruBusy.Add(1)
		return PassthruResult{}, NewErrorWithErrno(op, ErrCodeBusy, unix.EBUSY)
	}
	defer func() { <-c.passthrus }()
	c.metrics.Passthrus.Add(1)

	if req.Direction == DirWrite {
		scatter(bufs, req.Data)
	}

	r := ciss.Request{
		CDBLen:      uint8(len(req.CDB)),
		TypeAttrDir: ciss.TypeAttrDir(ciss.TypeCmd, ciss.AttrSimple, uint8(req.Direction)),
		Timeout:     req.Timeout,
	}
	copy(r.CDB[:], req.CDB)

	slot, err := c.admin.Get(ctx)
	if err != nil {
		return PassthruResult{}, WrapError(op, err)
	}
	h.add(func() { c.admin.Put(slot) })

	ei, err := c.issue(ctx, h, &slot.Command, req.Addr, r, bufs, 0)
	if err != nil {
		return PassthruResult{}, WrapError(op, err)
	}

	res := PassthruResult{ErrorInfo: make([]byte, ciss.ErrorInfoSize)}
	if ei != nil {
		if err := ciss.MarshalErrorInfo(ei, res.ErrorInfo); err != nil {
			return PassthruResult{}, WrapError(op, err)
		}
		res.CommandStatus = ei.CommandStatus
		res.ScsiStatus = ei.ScsiStatus
		if scsi.Interpret(ei, req.CDB, len(req.Data)).Rescan {
			c.logger.WithAddr(req.Addr).Info("passthru saw reported LUNs change, rescanning")
			c.requestRescan()
		}
	}
	if req.Direction == DirRead {
		res.Data = make([]byte, len(req.Data))
		gather(res.Data, bufs)
	}
	return res, nil
}

func scatter(bufs [][]byte, src []byte) {
	for _, b := range bufs {
		n := copy(b, src)
		src = src[n:]
	}
}

func gather(dst []byte, bufs [][]byte) {
	for _, b := range bufs {
		n := copy(dst, b)
		dst = dst[n:]
	}
}

// FlushCache tells the controller to write back its cache
func (c *Controller) FlushCache(ctx context.Context) error {
	if err := c.checkUsable("FLUSH_CACHE"); err != nil {
		return err
	}
	buf := cmdpool.GetBounce(constants.CacheFlushBufferSize)
	ei, err := c.execInternal(ctx, topology.ControllerAddr, ciss.CacheFlush(len(buf)), [][]byte{buf}, true,
		func() { cmdpool.PutBounce(buf) })
	if err != nil {
		return WrapError("FLUSH_CACHE", err)
	}
	if ei != nil {
		return c.statusError("FLUSH_CACHE", topology.ControllerAddr, ei)
	}
	return nil
}
