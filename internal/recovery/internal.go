package recovery

import (
	"context"
	"errors"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
)

var (
	errUnitAttention = errors.New("recovery: unit attention")
	errBusy          = errors.New("recovery: target busy")
)

func retryable(err error) bool {
	return errors.Is(err, errUnitAttention) || errors.Is(err, errBusy)
}

// RetryInternal issues a driver-internal command until it completes
// without a unit attention or busy status, or the policy runs out. send
// must resubmit the command and return its error info. When retries are
// exhausted the last error info is returned with a nil error, so the
// caller interprets it like any other failure.
func RetryInternal(ctx context.Context, p Policy, logger *logging.Logger, send func() (*ciss.ErrorInfo, error)) (*ciss.ErrorInfo, error) {
	logger = logging.Or(logger)
	var (
		ei      *ciss.ErrorInfo
		sendErr error
	)
	err := p.Do(ctx, func() error {
		ei, sendErr = send()
		if sendErr != nil {
			return sendErr
		}
		if desc, ok := scsi.IsUnitAttention(ei); ok {
			logger.Debugf("internal command got unit attention: %s", desc)
			return errUnitAttention
		}
		if scsi.IsBusy(ei) {
			return errBusy
		}
		return nil
	}, retryable, nil)

	switch {
	case sendErr != nil:
		return nil, sendErr
	case err == nil:
		return ei, nil
	case retryable(err):
		logger.Warnf("internal command still failing after %d attempts, giving up", p.Attempts)
		return ei, nil
	}
	return ei, err
}
