package hpsa

import (
	"context"
	"time"
)

// Rescan reconciles the device table with the controller's LUN reports
// and tells the host about what changed. Concurrent callers share a scan.
func (c *Controller) Rescan(ctx context.Context) error {
	if err := c.checkUsable("RESCAN"); err != nil {
		return err
	}
	start := time.Now()
	ch, err := c.reconciler.Scan(ctx)
	c.observer.ObserveScan(ch, err)
	if err != nil {
		c.logger.WithError(err).Warn("rescan failed")
		return WrapError("RESCAN", err)
	}
	if ch.Empty() && len(ch.Updated) == 0 {
		c.logger.Debug("rescan found no changes", "took", time.Since(start).String())
		return nil
	}
	c.logger.Info("rescan complete",
		"added", len(ch.Added),
		"removed", len(ch.Removed),
		"updated", len(ch.Updated),
		"offline", len(ch.Offline),
		"rolled_back", len(ch.RolledBack),
		"skipped", ch.Skipped,
		"took", time.Since(start).String())
	return nil
}

// requestRescan schedules a rescan on the background worker. Requests
// made while one is pending are merged.
func (c *Controller) requestRescan() {
	select {
	case c.rescanCh <- struct{}{}:
	default:
	}
}

// rescanWorker runs requested rescans and re-polls offline volumes. A
// failed rescan is retried on its own timer, backing off while it keeps
// failing.
func (c *Controller) rescanWorker() {
	defer c.bgWG.Done()

	var tick <-chan time.Time
	if c.cfg.OfflineMonitorInterval > 0 {
		t := time.NewTicker(c.cfg.OfflineMonitorInterval)
		defer t.Stop()
		tick = t.C
	}

	var (
		retry   *time.Timer
		retryC  <-chan time.Time
		backoff time.Duration
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()
	settle := func(ok bool) {
		if ok {
			backoff = 0
			if retry != nil {
				retry.Stop()
			}
			retryC = nil
			return
		}
		if retryC != nil {
			return
		}
		backoff = nextRescanBackoff(backoff, c.cfg.RescanRetry)
		c.logger.Debug("background rescan failed, retrying", "in", backoff.String())
		retry = time.NewTimer(backoff)
		retryC = retry.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.rescanCh:
			settle(c.backgroundRescan())
		case <-retryC:
			retryC = nil
			if c.reconciler.TakeRescanRequest() {
				settle(c.backgroundRescan())
			} else {
				backoff = 0
			}
		case <-tick:
			if c.reconciler.TakeRescanRequest() {
				settle(c.backgroundRescan())
				continue
			}
			if addr, ok := c.reconciler.Monitor().Poll(c.ctx, arrayQuerier{c}); ok {
				c.logger.WithAddr(addr).Info("offline volume is ready, rescanning")
				settle(c.backgroundRescan())
			}
		}
	}
}

func nextRescanBackoff(cur time.Duration, rc RetryConfig) time.Duration {
	if cur <= 0 {
		return rc.Backoff
	}
	return min(2*cur, rc.MaxBackoff)
}

// backgroundRescan reports false when the scan failed and should run again
func (c *Controller) backgroundRescan() bool {
	if c.lockedUp.Load() || c.ctx.Err() != nil {
		return true
	}
	if err := c.Rescan(c.ctx); err != nil {
		c.reconciler.RequestRescan()
		return false
	}
	return true
}
