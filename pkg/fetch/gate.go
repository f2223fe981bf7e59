package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Gate admits outgoing requests: a global concurrency cap, a per-host cap
// and per-host pacing, in that order.
type Gate struct {
	global         *semaphore.Weighted
	hosts          *HostSemaphorePool
	limiter        *RateLimiter
	acquireTimeout time.Duration
}

// NewGate builds a Gate from the application limits.
func NewGate(cfg *config.AppConfig, log *logrus.Entry) *Gate {
	gateLog := log.WithField("component", "gate")
	return &Gate{
		global:         semaphore.NewWeighted(int64(cfg.MaxRequests)),
		hosts:          NewHostSemaphorePool(cfg.MaxRequestsPerHost, gateLog),
		limiter:        NewRateLimiter(cfg.RequestsPerSecond, cfg.MaxRequestsPerHost, gateLog),
		acquireTimeout: cfg.SemaphoreAcquireTimeout,
	}
}

// Hosts exposes the per-host pool, e.g. to run its eviction loop.
func (g *Gate) Hosts() *HostSemaphorePool {
	return g.hosts
}

// Enter blocks until a request to host may proceed. Semaphore waits are
// bounded by the acquire timeout and fail with utils.ErrSemaphoreTimeout.
func (g *Gate) Enter(ctx context.Context, host string) (release func(), err error) {
	acquireCtx := ctx
	if g.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.acquireTimeout)
		defer cancel()
	}

	if err := g.global.Acquire(acquireCtx, 1); err != nil {
		return nil, semaphoreError(ctx, "global", err)
	}
	releaseHost, err := g.hosts.Acquire(acquireCtx, host)
	if err != nil {
		g.global.Release(1)
		return nil, semaphoreError(ctx, "host "+host, err)
	}
	release = func() {
		releaseHost()
		g.global.Release(1)
	}

	if err := g.limiter.Wait(ctx, host); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// semaphoreError keeps the caller's own cancellation distinct from an
// acquire timeout.
func semaphoreError(parent context.Context, which string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s semaphore", utils.ErrSemaphoreTimeout, which)
	}
	return err
}
