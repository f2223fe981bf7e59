// Package dedup decides whether a request was already seen by its task.
package dedup

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/parse"
)

type taskFilter struct {
	mu sync.Mutex
	f  *bloom.BloomFilter
}

// BloomProcessor keeps one Bloom filter per task. False positives drop a
// small fraction of new URLs; there are no false negatives.
type BloomProcessor struct {
	expected uint
	fpRate   float64

	mu      sync.RWMutex
	filters map[string]*taskFilter
}

// NewBloomProcessor sizes each task's filter for expected URLs at fpRate.
func NewBloomProcessor(expected uint, fpRate float64) *BloomProcessor {
	return &BloomProcessor{
		expected: expected,
		fpRate:   fpRate,
		filters:  make(map[string]*taskFilter),
	}
}

func (p *BloomProcessor) filter(taskID string) *taskFilter {
	p.mu.RLock()
	tf, ok := p.filters[taskID]
	p.mu.RUnlock()
	if ok {
		return tf
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tf, ok = p.filters[taskID]; !ok {
		tf = &taskFilter{f: bloom.NewWithEstimates(p.expected, p.fpRate)}
		p.filters[taskID] = tf
	}
	return tf
}

// IsDuplicate records the request's URL and reports whether it was present.
func (p *BloomProcessor) IsDuplicate(task *models.Task, req models.Request) bool {
	key := parse.DedupKey(req.URL)
	tf := p.filter(task.ID)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.f.TestAndAddString(key)
}

// Seen returns the approximate number of distinct URLs recorded for the task.
func (p *BloomProcessor) Seen(taskID string) uint {
	p.mu.RLock()
	tf, ok := p.filters[taskID]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return uint(tf.f.ApproximatedSize())
}

// Forget discards the task's filter.
func (p *BloomProcessor) Forget(taskID string) {
	p.mu.Lock()
	delete(p.filters, taskID)
	p.mu.Unlock()
}
