package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type queued struct {
	task *models.Task
	req  models.Request
}

// fifoQueue records pushes and hands them back in order.
type fifoQueue struct {
	mu     sync.Mutex
	items  []queued
	pushed []models.Request
	err    error
	panics string // Push panics for this URL
}

var _ Queue = (*fifoQueue)(nil)

func (q *fifoQueue) Push(_ context.Context, task *models.Task, req models.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.panics != "" && req.URL == q.panics {
		panic("queue bug")
	}
	q.items = append(q.items, queued{task, req})
	q.pushed = append(q.pushed, req)
	return nil
}

func (q *fifoQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queued{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *fifoQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifoQueue) pushedURLs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.pushed))
	for _, r := range q.pushed {
		out = append(out, r.URL)
	}
	return out
}

// chanQueue feeds concurrent workers.
type chanQueue struct {
	ch chan queued
}

func (q *chanQueue) Push(_ context.Context, task *models.Task, req models.Request) error {
	q.ch <- queued{task, req}
	return nil
}

type fakeDownloader struct {
	mu         sync.Mutex
	DownloadFn func(req models.Request) *models.Page
	requests   []models.Request
}

var _ Downloader = (*fakeDownloader)(nil)

func (d *fakeDownloader) Download(_ context.Context, _ *models.Task, req models.Request) *models.Page {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	fn := d.DownloadFn
	d.mu.Unlock()
	if fn == nil {
		return okPage(req)
	}
	return fn(req)
}

func (d *fakeDownloader) calls() []models.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Request(nil), d.requests...)
}

type fakeProcessor struct {
	mu        sync.Mutex
	ProcessFn func(page *models.Page) []string
	processed []string
}

var _ PageProcessor = (*fakeProcessor)(nil)

func (p *fakeProcessor) Process(_ context.Context, _ *models.Task, page *models.Page) []string {
	p.mu.Lock()
	p.processed = append(p.processed, page.Request.URL)
	fn := p.ProcessFn
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(page)
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

// setDedup is an exact, concurrency-safe visited set.
type setDedup struct {
	mu     sync.Mutex
	seen   map[string]bool
	panics string // IsDuplicate panics for this URL
}

var _ DuplicationProcessor = (*setDedup)(nil)

func (d *setDedup) IsDuplicate(task *models.Task, req models.Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panics != "" && req.URL == d.panics {
		panic("dedup bug")
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	key := task.ID + "|" + req.URL
	if d.seen[key] {
		return true
	}
	d.seen[key] = true
	return false
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
	notify chan events.Event // Receives terminal events only
}

func (l *eventLog) handle(ev events.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if l.notify != nil && ev.Kind.Terminal() {
		select {
		case l.notify <- ev:
		default:
		}
	}
	return nil
}

func (l *eventLog) count(kind events.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) terminal() int {
	return l.count(events.Success) + l.count(events.Cancel) + l.count(events.Pause)
}

func okPage(req models.Request) *models.Page {
	return &models.Page{Request: req, FinalURL: req.URL, StatusCode: 200, Success: true}
}

func failedPage(req models.Request) *models.Page {
	return &models.Page{Request: req, FinalURL: req.URL, Err: errors.New("connection refused")}
}
