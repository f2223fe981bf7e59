package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type hostSlot struct {
	sem      *semaphore.Weighted
	users    int64     // held + waiting permits
	lastUsed time.Time // zero until the first release
}

// HostSemaphorePool caps concurrent requests per host. One pool is shared by
// page downloads and robots.txt fetches.
type HostSemaphorePool struct {
	mu    sync.Mutex
	slots map[string]*hostSlot
	limit int64
	log   *logrus.Entry
}

// NewHostSemaphorePool creates a pool allowing maxPerHost concurrent permits per host.
func NewHostSemaphorePool(maxPerHost int, log *logrus.Entry) *HostSemaphorePool {
	if maxPerHost <= 0 {
		maxPerHost = 2
	}
	return &HostSemaphorePool{
		slots: make(map[string]*hostSlot),
		limit: int64(maxPerHost),
		log:   log,
	}
}

// Acquire takes one permit for host, blocking until one is free or ctx ends.
// The returned release func must be called exactly once on success.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string) (release func(), err error) {
	p.mu.Lock()
	slot, ok := p.slots[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(p.limit)}
		p.slots[host] = slot
		p.log.WithFields(logrus.Fields{"host": host, "limit": p.limit}).Debug("Created host semaphore")
	}
	slot.users++
	p.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		slot.users--
		p.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			slot.users--
			slot.lastUsed = time.Now()
			p.mu.Unlock()
			slot.sem.Release(1)
		})
	}, nil
}

// RunEviction drops hosts idle for at least interval until ctx ends.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(interval)
		case <-ctx.Done():
			p.log.Debugf("Stopping host semaphore eviction: %v", ctx.Err())
			return
		}
	}
}

func (p *HostSemaphorePool) evictIdle(maxIdle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for host, slot := range p.slots {
		if slot.users == 0 && !slot.lastUsed.IsZero() && now.Sub(slot.lastUsed) >= maxIdle {
			delete(p.slots, host)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Evicted %d idle host semaphores, %d remain", evicted, len(p.slots))
	}
}

// Len returns the number of tracked hosts.
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
