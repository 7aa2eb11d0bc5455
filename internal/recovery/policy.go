// Package recovery holds the bounded retry policies used by the
// controller: internal command retries, readiness polling after a reset,
// and arbitration of task-abort commands.
package recovery

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ehrlich-b/go-hpsa/internal/constants"
)

// Policy is a bounded retry schedule. The first Immediate retries run
// without delay; after that the delay starts at Initial and doubles up
// to Max. Settle is waited once before the first attempt.
type Policy struct {
	Attempts  uint
	Immediate uint
	Settle    time.Duration
	Initial   time.Duration
	Max       time.Duration
}

// InternalPolicy is the retry schedule for driver-issued commands that
// hit a unit attention or a busy target
func InternalPolicy() Policy {
	return Policy{
		Attempts:  constants.MaxDriverCmdRetries + 1,
		Immediate: constants.DriverCmdRetriesBeforeBackoff,
		Initial:   constants.DriverCmdInitialBackoff,
		Max:       constants.DriverCmdMaxBackoff,
	}
}

// ReadinessPolicy is the schedule for test-unit-ready polling after a
// reset: wait initialWait, probe, then back off doubling up to maxInterval
func ReadinessPolicy(limit uint, initialWait, maxInterval time.Duration) Policy {
	return Policy{
		Attempts: limit,
		Settle:   initialWait,
		Initial:  2 * initialWait,
		Max:      maxInterval,
	}
}

// DefaultReadinessPolicy uses the stock readiness timings
func DefaultReadinessPolicy() Policy {
	return ReadinessPolicy(constants.TURRetryLimit, constants.TURInitialWait, constants.MaxWaitInterval)
}

// Delay returns the wait before retry n, counting from zero
func (p Policy) Delay(n uint) time.Duration {
	if n < p.Immediate || p.Initial <= 0 {
		return 0
	}
	d := p.Initial
	for i := p.Immediate; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Do runs fn under the policy. Errors rejected by retryIf end the loop
// at once; onRetry may be nil. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error, retryIf func(error) bool, onRetry func(n uint, err error)) error {
	if err := Sleep(ctx, p.Settle); err != nil {
		return err
	}
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return p.Delay(n)
		}),
	}
	if retryIf != nil {
		opts = append(opts, retry.RetryIf(retryIf))
	}
	if onRetry != nil {
		opts = append(opts, retry.OnRetry(onRetry))
	}
	return retry.Do(fn, opts...)
}

// Sleep waits d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
