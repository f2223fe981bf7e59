// Package lifecycle tracks the pause and cancel state of crawl tasks together
// with the work parked while a task is paused.
package lifecycle

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/crawlkit/taskcrawl/pkg/models"
)

const shardCount = 64

// record is the per-task state. All fields are guarded by mu.
type record struct {
	mu        sync.Mutex
	state     models.TaskState
	seeds     []*models.Seed
	interrupt chan struct{}
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Registry holds lifecycle records keyed by task ID. Records are spread over
// fixed shards so operations on unrelated tasks do not share a lock.
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*record)}
	}
	return r
}

func (r *Registry) shardFor(taskID string) *shard {
	return r.shards[xxhash.Sum64String(taskID)%shardCount]
}

func (r *Registry) lookup(taskID string) *record {
	sh := r.shardFor(taskID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.records[taskID]
}

func (r *Registry) getOrCreate(taskID string) *record {
	if rec := r.lookup(taskID); rec != nil {
		return rec
	}
	sh := r.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[taskID]
	if !ok {
		rec = &record{interrupt: make(chan struct{})}
		sh.records[taskID] = rec
	}
	return rec
}

// State returns the task's current state. Unknown tasks are running.
func (r *Registry) State(taskID string) models.TaskState {
	rec := r.lookup(taskID)
	if rec == nil {
		return models.StateRunning
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Pause moves a running task to paused. It returns true if the task is paused
// after the call, false if it is in some other non-running state.
func (r *Registry) Pause(taskID string) bool {
	rec := r.getOrCreate(taskID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == models.StateRunning {
		rec.state = models.StatePaused
		return true
	}
	return rec.state == models.StatePaused
}

// Cancel moves a running task to soft or hard cancel. An existing state is
// never changed; the return value reports whether it equals the requested mode.
// A hard cancel closes the task's interrupt channel.
func (r *Registry) Cancel(taskID string, hard bool) bool {
	desired := models.StateSoftCancel
	if hard {
		desired = models.StateHardCancel
	}
	rec := r.getOrCreate(taskID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != models.StateRunning {
		return rec.state == desired
	}
	rec.state = desired
	if hard {
		close(rec.interrupt)
	}
	return true
}

// Escalate moves a running or soft cancelled task to hard cancel and closes
// its interrupt channel. It returns true only if the state changed; paused
// and already hard cancelled tasks are left alone.
func (r *Registry) Escalate(taskID string) bool {
	rec := r.getOrCreate(taskID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != models.StateRunning && rec.state != models.StateSoftCancel {
		return false
	}
	rec.state = models.StateHardCancel
	close(rec.interrupt)
	return true
}

// Park appends seed to the task's buffer if the task is paused. The check and
// the append are one step, so a concurrent Recover either sees the seed or the
// caller sees the task running. The returned state is the one observed.
func (r *Registry) Park(seed *models.Seed) (models.TaskState, bool) {
	rec := r.lookup(seed.Task.ID)
	if rec == nil {
		return models.StateRunning, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != models.StatePaused {
		return rec.state, false
	}
	rec.seeds = append(rec.seeds, seed)
	return models.StatePaused, true
}

// Recover clears any state recorded for the task and takes its parked seeds.
// hold, if non-nil, runs under the task's lock right after the swap, before
// any concurrent Settle can observe the task as running.
// ok is false if the task was already running, in which case nothing changes.
func (r *Registry) Recover(taskID string, hold func()) (seeds []*models.Seed, prev models.TaskState, ok bool) {
	rec := r.lookup(taskID)
	if rec == nil {
		return nil, models.StateRunning, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == models.StateRunning {
		return nil, models.StateRunning, false
	}
	prev = rec.state
	seeds, rec.seeds = rec.seeds, nil
	rec.state = models.StateRunning
	if prev == models.StateHardCancel {
		rec.interrupt = make(chan struct{})
	}
	if hold != nil {
		hold()
	}
	return seeds, prev, true
}

// Settle calls fn with the task's current state while holding the task's
// lock, so no Park, Pause, Cancel or Recover interleaves with fn. fn must not
// call back into the Registry.
func (r *Registry) Settle(taskID string, fn func(state models.TaskState)) {
	rec := r.getOrCreate(taskID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(rec.state)
}

// Interrupt returns a channel that is closed when the task is hard cancelled.
func (r *Registry) Interrupt(taskID string) <-chan struct{} {
	rec := r.getOrCreate(taskID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.interrupt
}

// Parked returns the number of seeds waiting for the task to recover.
func (r *Registry) Parked(taskID string) int {
	rec := r.lookup(taskID)
	if rec == nil {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.seeds)
}

// Forget drops everything known about the task, including parked seeds.
func (r *Registry) Forget(taskID string) {
	sh := r.shardFor(taskID)
	sh.mu.Lock()
	delete(sh.records, taskID)
	sh.mu.Unlock()
}
