package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Item is one queued request together with the task it belongs to.
type Item struct {
	Task    *models.Task
	Request models.Request
}

type pqItem struct {
	item  Item
	seq   uint64 // Insertion order, breaks ties FIFO
	index int    // The index of the item in the heap (required by heap interface)
}

// priorityHeap implements heap.Interface. Higher Request.Priority pops first,
// then shallower depth, then earlier insertion.
type priorityHeap []*pqItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i].item.Request, h[j].item.Request
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*pqItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	*h = old[:n-1]
	return it
}

// ThreadSafePriorityQueue is an in-process backing queue shared by all tasks.
type ThreadSafePriorityQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond // Signalled when an item arrives or the queue closes
	h       priorityHeap
	seq     uint64
	pending map[string]int // Queued items per task ID
	closed  bool
	log     *logrus.Entry
}

// NewThreadSafePriorityQueue creates a new thread-safe priority queue
func NewThreadSafePriorityQueue(logger *logrus.Entry) *ThreadSafePriorityQueue {
	q := &ThreadSafePriorityQueue{
		pending: make(map[string]int),
		log:     logger.WithField("component", "queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.h)
	return q
}

// Push enqueues req for task. It fails only once the queue is closed.
func (q *ThreadSafePriorityQueue) Push(_ context.Context, task *models.Task, req models.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Warnf("Attempted to add item to closed queue: %s", req.URL)
		return fmt.Errorf("%w: %s", utils.ErrQueueClosed, req.URL)
	}

	q.seq++
	heap.Push(&q.h, &pqItem{item: Item{Task: task, Request: req}, seq: q.seq})
	q.pending[task.ID]++
	q.cond.Signal()
	return nil
}

// Pop retrieves and removes the highest priority item.
// It blocks while the queue is empty and open. Returns false once the queue
// is closed and drained.
func (q *ThreadSafePriorityQueue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.h) == 0 {
		if q.closed {
			return Item{}, false
		}
		q.cond.Wait()
	}

	it := heap.Pop(&q.h).(*pqItem)
	id := it.item.Task.ID
	if q.pending[id]--; q.pending[id] <= 0 {
		delete(q.pending, id)
	}
	return it.item, true
}

// Close signals that no more items will be added to the queue. Items already
// queued can still be popped.
func (q *ThreadSafePriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast() // Wake up ALL waiting workers so they can check the closed status
	}
}

// CloseOnDone closes the queue when ctx is cancelled.
func (q *ThreadSafePriorityQueue) CloseOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, q.Close)
}

// Len returns the current number of items in the queue (thread-safe)
func (q *ThreadSafePriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Pending returns how many queued items belong to taskID.
func (q *ThreadSafePriorityQueue) Pending(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[taskID]
}
