package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
)

// ErrNotReady is returned when a device does not answer test unit ready
// within the readiness policy
var ErrNotReady = errors.New("recovery: device did not become ready")

// Prober sends a test unit ready to a device, asking for the completion
// on the given reply queue
type Prober interface {
	TestUnitReady(ctx context.Context, addr [8]byte, queue int) (*ciss.ErrorInfo, error)
}

// IsReady reports whether a test unit ready completion means the device
// is usable. The first command after a reset is expected to see a unit
// attention, so that counts as ready too.
func IsReady(ei *ciss.ErrorInfo) bool {
	if ei == nil || ei.CommandStatus == ciss.CmdSuccess {
		return true
	}
	if ei.CommandStatus != ciss.CmdTargetStatus || ei.ScsiStatus != ciss.StatusCheckCondition {
		return false
	}
	s := scsi.DecodeSense(ei.Sense())
	return s.Valid && (s.Key == scsi.KeyNoSense || s.Key == scsi.KeyUnitAttention)
}

// WaitReady polls addr until it is ready on every reply queue in turn,
// or the policy gives up on one of them.
func WaitReady(ctx context.Context, prober Prober, addr [8]byte, queues int, p Policy, logger *logging.Logger) error {
	logger = logging.Or(logger)
	if queues < 1 {
		queues = 1
	}
	for q := 0; q < queues; q++ {
		err := p.Do(ctx, func() error {
			ei, err := prober.TestUnitReady(ctx, addr, q)
			if err != nil {
				return err
			}
			if !IsReady(ei) {
				return ErrNotReady
			}
			return nil
		}, func(err error) bool {
			return errors.Is(err, ErrNotReady)
		}, func(n uint, _ error) {
			logger.Warnf("waiting %s for device to become ready", p.Delay(n))
		})
		if err != nil {
			logger.Warn("giving up on device", "queue", q)
			return fmt.Errorf("reply queue %d: %w", q, err)
		}
	}
	logger.Info("device is ready")
	return nil
}
