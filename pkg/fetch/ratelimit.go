package fetch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests per host with a token bucket per hostname.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	log      *logrus.Entry
}

// NewRateLimiter allows rps requests per second to each host with the given
// burst. rps <= 0 disables pacing.
func NewRateLimiter(rps float64, burst int, log *logrus.Entry) *RateLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) limiter(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[host]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[host] = l
	}
	return l
}

// Wait blocks until a request to host is allowed or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	if rl.limit == rate.Inf {
		return ctx.Err()
	}
	l := rl.limiter(host)
	if l.Tokens() < 1 {
		rl.log.WithField("host", host).Debug("Rate limit applying wait")
	}
	return l.Wait(ctx)
}

// Hosts returns the number of hosts with a bucket.
func (rl *RateLimiter) Hosts() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
