// Package pacing spreads outbound transport calls over time so the delivery
// API's throughput ceilings are respected, and backs off after
// transport-reported violations.
package pacing

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// maxBackoffRetries caps the exponent of the rate-limit backoff.
const maxBackoffRetries = 5

// statsWindow is how long the success/failure counters accumulate before
// they reset.
const statsWindow = time.Hour

// Controller paces one sequential stream of transport operations.
//
// Controllers are cheap; each batch or alignment job owns its own instance,
// so no state is shared between concurrent jobs. The methods themselves are
// still safe for concurrent use.
type Controller struct {
	prof Profile
	log  logx.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	sent        int
	failed      int
	windowStart time.Time
}

func New(prof Profile, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		prof:        prof,
		log:         log,
		sleep:       sleepCtx,
		windowStart: time.Now(),
	}
}

// WaitBeforeOperation sleeps the pacing interval before operation index of
// total. The first operation never waits. Every BatchThreshold operations
// the hard batch pause applies instead of the computed interval.
func (c *Controller) WaitBeforeOperation(ctx context.Context, index, total int) error {
	if index <= 0 {
		return nil
	}
	if c.prof.BatchThreshold > 0 && index%c.prof.BatchThreshold == 0 {
		c.log.Info("batch pause",
			logx.Int("after", index),
			logx.Int("total", total),
			logx.Duration("pause", c.prof.BatchInterval))
		return c.sleep(ctx, c.prof.BatchInterval)
	}
	return c.sleep(ctx, c.Interval(c.RecentErrorRate()))
}

// Interval computes the dynamic inter-operation interval for the given
// recent error rate.
func (c *Controller) Interval(errorRate float64) time.Duration {
	iv := c.prof.BaseInterval
	if c.prof.DynamicAdjustment {
		over := errorRate - c.prof.ErrorRateThreshold
		if over > 0 {
			iv = time.Duration(float64(iv) * (1 + over*3))
		}
	}
	if iv < c.prof.MinInterval {
		iv = c.prof.MinInterval
	}
	if c.prof.MaxInterval > 0 && iv > c.prof.MaxInterval {
		iv = c.prof.MaxInterval
	}
	return iv
}

// WaitAfterError sleeps the recovery interval for a failed operation.
// retry counts previous attempts for the same operation, starting at 0.
func (c *Controller) WaitAfterError(ctx context.Context, kind transport.Kind, retry int) error {
	d := c.ErrorWait(kind, retry)
	if d <= 0 {
		return nil
	}
	c.log.Warn("transport error backoff",
		logx.String("kind", kind.String()),
		logx.Int("retry", retry),
		logx.Duration("wait", d))
	return c.sleep(ctx, d)
}

// ErrorWait computes the backoff duration for an error kind and retry count.
func (c *Controller) ErrorWait(kind transport.Kind, retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	switch kind {
	case transport.KindFloodControl:
		return c.prof.FloodControlInterval + time.Duration(retry)*c.prof.FloodPenaltyStep
	case transport.KindRateLimited:
		if retry > maxBackoffRetries {
			retry = maxBackoffRetries
		}
		return c.prof.ErrorRecoveryInterval * (1 << retry)
	default:
		return c.prof.ErrorRecoveryInterval
	}
}

// RecordOutcome feeds one operation result into the rolling counters.
func (c *Controller) RecordOutcome(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStaleLocked()
	c.sent++
	if !success {
		c.failed++
	}
}

// RecentErrorRate returns failures/total for the current window, 0 when no
// operations have been recorded yet.
func (c *Controller) RecentErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStaleLocked()
	if c.sent == 0 {
		return 0
	}
	return float64(c.failed) / float64(c.sent)
}

func (c *Controller) resetIfStaleLocked() {
	if time.Since(c.windowStart) >= statsWindow {
		c.sent = 0
		c.failed = 0
		c.windowStart = time.Now()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
