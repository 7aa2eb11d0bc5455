package hpsa

import (
	"context"
	"errors"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/cmdpool"
	"github.com/ehrlich-b/go-hpsa/internal/recovery"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

var errStillOutstanding = errors.New("aborted command has not completed")

// AbortCommand aborts a queued request. It returns nil when the request
// already completed. The request's Done still fires, with whatever
// status the controller finished it with.
func (c *Controller) AbortCommand(ctx context.Context, req *Request) error {
	const op = "ABORT"
	if req == nil || req.slot == nil {
		return NewError(op, ErrCodeInvalidParameters, "request was never queued")
	}
	if err := c.checkUsable(op); err != nil {
		return err
	}
	dev, ok := c.Device(req.Bus, req.Target, req.LUN)
	if !ok {
		return NewError(op, ErrCodeDeviceNotFound, "no such device")
	}
	logger := c.logger.WithDevice(dev.Bus, dev.Target, dev.LUN)

	slot := req.slot
	idle := c.pool.Pin(slot)
	defer c.pool.Put(slot)
	cmd := &slot.Command
	if idle || slot.Generation() != req.gen || !c.dispatcher.Outstanding(cmd) {
		logger.Debug("abort requested for a command that already completed")
		return nil
	}

	method := recovery.ChooseMethod(c.caps.TMFSupportFlags, dev.External)
	if method == recovery.MethodTaskAbort && !dev.SupportsAborts {
		method = recovery.MethodNone
	}
	logger = logger.WithTag(cmd.Tag)
	logger.Warn("aborting command", "method", method.String())

	var err error
	switch method {
	case recovery.MethodNone:
		return NewDeviceError(op, c.id, dev.Addr, ErrCodeNotSupported, "device does not take aborts")
	case recovery.MethodTaskAbort:
		err = c.taskAbort(ctx, dev, cmd)
	case recovery.MethodEmulated:
		err = c.emulatedAbort(ctx, dev, slot, req.gen)
	}

	c.observer.ObserveAbort(err == nil)
	if err != nil {
		logger.WithError(err).Warn("abort failed")
		return c.recoveryError(op, dev.Addr, err)
	}
	logger.Info("abort complete")
	return nil
}

func (c *Controller) taskAbort(ctx context.Context, dev Device, cmd *cmdpool.Command) error {
	if err := c.arbiter.Acquire(ctx); err != nil {
		return err
	}
	ei, err := c.execInternal(ctx, dev.Addr, ciss.Abort(cmd.Tag, c.caps.NeedsAbortTagSwizzle), nil, false)
	c.arbiter.Release()
	if err != nil {
		return err
	}
	if err := recovery.AbortResult(ei); err != nil {
		return err
	}
	// the controller completes the aborted command separately
	return c.internalPolicy.Do(ctx, func() error {
		if c.dispatcher.Outstanding(cmd) {
			return errStillOutstanding
		}
		return nil
	}, func(err error) bool { return errors.Is(err, errStillOutstanding) }, nil)
}

// emulatedAbort gives the command time to finish, then resets the unit
// if it is still stuck
func (c *Controller) emulatedAbort(ctx context.Context, dev Device, slot *cmdpool.FastSlot, gen uint64) error {
	if err := recovery.Sleep(ctx, c.cfg.Recovery.EmulatedAbortDelay); err != nil {
		return err
	}
	if slot.Generation() != gen || !c.dispatcher.Outstanding(&slot.Command) {
		return nil
	}
	return c.resetAndWait(ctx, dev.Addr, ciss.ResetLUN)
}

// ResetDevice resets a device: a LUN reset for logical volumes, a target
// reset for physical devices. It returns once the device answers test
// unit ready again.
func (c *Controller) ResetDevice(ctx context.Context, bus, target, lun int) error {
	return c.reset(ctx, "RESET_DEVICE", bus, target, lun, false)
}

// ResetBus resets every unit on the bus of the given device
func (c *Controller) ResetBus(ctx context.Context, bus, target, lun int) error {
	return c.reset(ctx, "RESET_BUS", bus, target, lun, true)
}

func (c *Controller) reset(ctx context.Context, op string, bus, target, lun int, wholeBus bool) error {
	if err := c.checkUsable(op); err != nil {
		return err
	}
	dev, ok := c.Device(bus, target, lun)
	if !ok {
		return NewError(op, ErrCodeDeviceNotFound, "no such device")
	}
	if dev.Addr.IsController() {
		return nil
	}

	kind := ciss.ResetTarget
	switch {
	case wholeBus:
		kind = ciss.ResetBus
	case dev.Addr.IsLogical():
		kind = ciss.ResetLUN
	}
	logger := c.logger.WithDevice(bus, target, lun)
	logger.Warn("resetting device", "kind", kind.String())

	err := c.resetAndWait(ctx, dev.Addr, kind)
	c.observer.ObserveReset(err == nil)
	if err != nil {
		logger.WithError(err).Error("reset failed")
		return c.recoveryError(op, dev.Addr, err)
	}
	logger.Info("reset complete")
	return nil
}

// resetAndWait sends a reset message and polls the device until it is
// ready on every reply queue
func (c *Controller) resetAndWait(ctx context.Context, addr topology.Addr, kind ciss.ResetKind) error {
	ei, err := c.execInternal(ctx, addr, ciss.Reset(kind), nil, false)
	if err != nil {
		return err
	}
	if ei != nil {
		if ei.CommandStatus != ciss.CmdTMFStatus {
			return c.statusError("RESET", addr, ei)
		}
		if err := scsi.EvaluateTMF(ei.ScsiStatus); err != nil {
			return err
		}
	}
	return recovery.WaitReady(ctx, queueProber{c}, addr, c.access.Queues(), c.readinessPolicy, c.logger.WithAddr(addr))
}

// recoveryError reports a failed abort or reset. Anything that is not a
// resource or lifecycle problem means recovery failed.
func (c *Controller) recoveryError(op string, addr topology.Addr, err error) *Error {
	e := WrapError(op, err)
	e.Ctlr = c.id
	e.Addr = &addr
	switch e.Code {
	case ErrCodeIOError, ErrCodeTargetStatus, ErrCodeTimeout:
		e.Code = ErrCodeRecoveryFailed
	}
	return e
}
