// Package crawler runs crawl tasks on a shared worker pool: it wires the
// scheduler to the queue, the HTTP downloader, the page pipeline and the
// visited store, and tracks each task until it drains.
package crawler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/counter"
	"github.com/crawlkit/taskcrawl/pkg/dedup"
	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/fetch"
	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/parse"
	"github.com/crawlkit/taskcrawl/pkg/process"
	"github.com/crawlkit/taskcrawl/pkg/queue"
	"github.com/crawlkit/taskcrawl/pkg/scheduler"
	"github.com/crawlkit/taskcrawl/pkg/sitemap"
	"github.com/crawlkit/taskcrawl/pkg/storage"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Option customises an Engine.
type Option func(*Engine)

// WithDownloader replaces the HTTP downloader, e.g. with a fake in tests.
func WithDownloader(d scheduler.Downloader) Option {
	return func(e *Engine) { e.downloader = d }
}

// WithSink attaches a result sink that receives every bus event.
func WithSink(s *ResultSink) Option {
	return func(e *Engine) { e.sink = s }
}

// Job describes one task to start.
type Job struct {
	Name     string
	Site     *models.Site
	Rules    process.Rules
	URLs     []string
	Priority int
	TaskID   string // Optional; reusing an ID resumes the task's visited state

	Sitemaps       []string // In-scope URLs listed here are seeded after URLs
	MaxSitemapURLs int      // 0 = unlimited
}

// JobFromConfig builds a Job for a validated site configuration.
func JobFromConfig(name string, site config.SiteConfig, app *config.AppConfig) (Job, error) {
	s, err := config.BuildSite(site, *app)
	if err != nil {
		return Job{}, err
	}
	rules, err := process.RulesFromConfig(site)
	if err != nil {
		return Job{}, err
	}
	return Job{
		Name:           name,
		Site:           s,
		Rules:          rules,
		URLs:           site.StartURLs,
		Priority:       site.Priority,
		Sitemaps:       site.SitemapURLs,
		MaxSitemapURLs: site.MaxSitemapURLs,
	}, nil
}

// run tracks one task between Execute and Forget.
type run struct {
	task *models.Task

	processed atomic.Int64 // Download attempts
	failed    atomic.Int64 // Attempts that did not produce an accepted page
	extracted atomic.Int64 // Extracted events

	mu      sync.Mutex
	done    chan struct{} // Closed when the task drains running or cancelled
	outcome events.Kind   // Zero while the task is live
}

func newRun(task *models.Task) *run {
	return &run{task: task, done: make(chan struct{})}
}

func (r *run) finish(kind events.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != 0 {
		return
	}
	r.outcome = kind
	close(r.done)
}

func (r *run) reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == 0 {
		return
	}
	r.outcome = 0
	r.done = make(chan struct{})
}

func (r *run) wait() (<-chan struct{}, events.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, r.outcome
}

// Status is a point-in-time view of a task.
type Status struct {
	TaskID    string
	Name      string
	Domain    string
	State     models.TaskState
	Outcome   events.Kind // Zero while the task is live
	InFlight  int64
	Parked    int
	Queued    int
	Processed int64
	Failed    int64
	Extracted int64
	CreatedAt time.Time
}

// Done reports whether the task reached a terminal outcome.
func (s Status) Done() bool {
	return s.Outcome != 0
}

// Engine owns the shared crawl machinery. Tasks are started with Execute
// and processed by the workers started in Run.
type Engine struct {
	cfg        *config.AppConfig
	store      storage.Store
	queue      *queue.ThreadSafePriorityQueue
	sched      *scheduler.Scheduler
	pipeline   *process.Pipeline
	counts     *counter.MemoryCounter
	bloom      *dedup.BloomProcessor // nil with the badger dedup backend
	gate       *fetch.Gate
	downloader scheduler.Downloader
	sitemaps   *sitemap.Discoverer
	sink       *ResultSink
	bus        *events.Bus
	log        *logrus.Entry

	processed atomic.Int64

	mu   sync.RWMutex
	runs map[string]*run
}

// New builds an Engine from a validated configuration. store backs download
// results and, with the badger dedup backend, duplicate detection.
func New(cfg *config.AppConfig, store storage.Store, log *logrus.Entry, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		store:  store,
		counts: counter.NewMemoryCounter(),
		bus:    events.NewBus(log),
		log:    log.WithField("component", "engine"),
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.queue = queue.NewThreadSafePriorityQueue(log)
	e.gate = fetch.NewGate(cfg, log)
	client := fetch.NewClient(cfg.HTTPClientSettings, log)
	fetcher := fetch.NewFetcher(client, cfg, log)
	e.sitemaps = sitemap.NewDiscoverer(fetcher, e.gate, cfg.DefaultUserAgent, cfg.MaxPageSizeBytes, log)
	if e.downloader == nil {
		var robots *fetch.RobotsHandler
		if cfg.RobotsEnabled() {
			robots = fetch.NewRobotsHandler(fetcher, e.gate, cfg.DefaultUserAgent, log)
		}
		e.downloader = fetch.NewHTTPDownloader(fetcher, e.gate, robots, cfg.MaxPageSizeBytes, log)
	}
	e.pipeline = process.NewPipeline(e.bus, log)

	var dup scheduler.DuplicationProcessor
	if cfg.DedupBackend == config.DedupBadger {
		dup = dedup.NewStoreProcessor(store, log)
	} else {
		e.bloom = dedup.NewBloomProcessor(cfg.BloomExpectedURLs, cfg.BloomFalsePositiveRate)
		dup = e.bloom
	}

	e.sched = scheduler.New(scheduler.Components{
		Queue:      e.queue,
		Downloader: e.downloader,
		Processor:  e.pipeline,
		Dedup:      dup,
		Counts:     e.counts,
	}, e.bus, log)

	// The sink sees a terminal event before Wait callers are released.
	if e.sink != nil {
		e.bus.Subscribe(e.sink.Handle)
	}
	e.bus.Subscribe(e.onEvent)
	return e
}

// Subscribe registers h for every task event.
func (e *Engine) Subscribe(h events.Handler) (unsubscribe func()) {
	return e.bus.Subscribe(h)
}

// Run starts the worker pool and background maintenance and blocks until
// the queue is closed and drained. Cancelling ctx closes the queue.
func (e *Engine) Run(ctx context.Context) error {
	stop := e.queue.CloseOnDone(ctx)
	defer stop()

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go e.store.RunGC(bgCtx, e.cfg.GCInterval)
	go e.gate.Hosts().RunEviction(bgCtx, e.cfg.GCInterval)
	go e.reportProgress(bgCtx)

	e.log.Infof("Starting %d workers...", e.cfg.NumWorkers)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= e.cfg.NumWorkers; i++ {
		workerLog := e.log.WithField("worker_id", i)
		g.Go(func() error {
			e.worker(gctx, workerLog)
			return nil
		})
	}
	err := g.Wait()

	e.log.WithFields(logrus.Fields{
		"processed": e.processed.Load(),
		"duration":  time.Since(start).String(),
	}).Info("All workers stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown closes the queue. Items already queued are still dispatched;
// Run returns once they are done.
func (e *Engine) Shutdown() {
	e.queue.Close()
}

func (e *Engine) worker(ctx context.Context, workerLog *logrus.Entry) {
	workerLog.Debug("Worker started")
	for {
		item, ok := e.queue.Pop()
		if !ok {
			workerLog.Debug("Queue closed, worker exiting")
			return
		}
		e.dispatch(ctx, item, workerLog)
	}
}

func (e *Engine) dispatch(ctx context.Context, item queue.Item, workerLog *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			workerLog.WithFields(logrus.Fields{
				"task_id": item.Task.ID,
				"url":     item.Request.URL,
			}).Errorf("PANIC in dispatch: %v\n%s", r, string(debug.Stack()))
		}
	}()
	e.sched.Dispatch(ctx, item.Task, item.Request)
}

func (e *Engine) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			live := 0
			for _, r := range e.runs {
				if _, outcome := r.wait(); outcome == 0 {
					live++
				}
			}
			e.mu.RUnlock()
			e.log.WithFields(logrus.Fields{
				"visited_db":     e.store.VisitedCount(),
				"page_queue_len": e.queue.Len(),
				"processed":      e.processed.Load(),
				"live_tasks":     live,
			}).Info("Crawl progress")
		}
	}
}

// Execute creates a task for job and submits its start URLs. The task is
// tracked before seeding, so Wait observes even an immediate drain.
func (e *Engine) Execute(ctx context.Context, job Job) (*models.Task, error) {
	if len(job.URLs) == 0 {
		return nil, fmt.Errorf("%w: no start URLs for %q", utils.ErrConfigValidation, job.Name)
	}
	site := job.Site
	if site == nil {
		site = models.NewSite("")
	}
	urls, err := e.seedURLs(ctx, job, site)
	if err != nil {
		return nil, err
	}
	task := models.NewTask(job.Name, site)
	if job.TaskID != "" {
		task.ID = job.TaskID
	}

	e.mu.Lock()
	if _, exists := e.runs[task.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s is already tracked", utils.ErrConfigValidation, task.ID)
	}
	e.runs[task.ID] = newRun(task)
	e.mu.Unlock()
	e.pipeline.Bind(task.ID, job.Rules)

	reqs := make([]models.Request, 0, len(urls))
	for _, u := range urls {
		req := models.NewRequest(u)
		req.Priority = job.Priority
		reqs = append(reqs, req)
	}
	e.log.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"name":       task.Name,
		"start_urls": len(reqs),
	}).Info("Starting task")
	e.sched.Seed(ctx, task, reqs...)
	return task, nil
}

// seedURLs returns the start URLs followed by any in-scope sitemap URLs
// not already among them.
func (e *Engine) seedURLs(ctx context.Context, job Job, site *models.Site) ([]string, error) {
	if len(job.Sitemaps) == 0 {
		return job.URLs, nil
	}
	domain := site.Domain()
	if domain == "" {
		domain = parse.Domain(job.URLs[0])
	}
	keep := func(u string) bool { return job.Rules.InScope(u, domain) }
	found, err := e.sitemaps.Discover(ctx, job.Sitemaps, keep, job.MaxSitemapURLs)
	if err != nil {
		return nil, fmt.Errorf("sitemap discovery for %q: %w", job.Name, err)
	}

	seen := make(map[string]struct{}, len(job.URLs)+len(found))
	for _, u := range job.URLs {
		seen[parse.DedupKey(u)] = struct{}{}
	}
	urls := append([]string(nil), job.URLs...)
	for _, u := range found {
		key := parse.DedupKey(u)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		urls = append(urls, u)
	}
	e.log.WithField("name", job.Name).Infof("Seeding %d sitemap URLs", len(urls)-len(job.URLs))
	return urls, nil
}

func (e *Engine) lookup(taskID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrTaskUnknown, taskID)
	}
	return r, nil
}

// Task returns the tracked task with taskID.
func (e *Engine) Task(taskID string) (*models.Task, error) {
	r, err := e.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return r.task, nil
}

// Wait blocks until the task drains while running or cancelled and returns
// events.Success or events.Cancel. A task that drains while paused keeps
// Wait blocked until it is recovered and drains again.
func (e *Engine) Wait(ctx context.Context, taskID string) (events.Kind, error) {
	r, err := e.lookup(taskID)
	if err != nil {
		return 0, err
	}
	for {
		done, _ := r.wait()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-done:
		}
		// A Recover between the close and this read reopens the run.
		if _, outcome := r.wait(); outcome != 0 {
			return outcome, nil
		}
	}
}

// Status reports the task's current counters.
func (e *Engine) Status(taskID string) (Status, error) {
	r, err := e.lookup(taskID)
	if err != nil {
		return Status{}, err
	}
	_, outcome := r.wait()
	return Status{
		TaskID:    taskID,
		Name:      r.task.Name,
		Domain:    r.task.Site.Domain(),
		State:     e.sched.State(taskID),
		Outcome:   outcome,
		InFlight:  e.counts.Get(taskID),
		Parked:    e.sched.Parked(taskID),
		Queued:    e.queue.Pending(taskID),
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
		Extracted: r.extracted.Load(),
		CreatedAt: r.task.CreatedAt,
	}, nil
}

// Tasks lists the status of every tracked task, oldest first.
func (e *Engine) Tasks() []Status {
	e.mu.RLock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, err := e.Status(id); err == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pause pauses a running task. Returns false if the task is cancelled.
func (e *Engine) Pause(taskID string) (bool, error) {
	r, err := e.lookup(taskID)
	if err != nil {
		return false, err
	}
	return e.sched.Pause(r.task), nil
}

// Cancel soft or hard cancels a task.
func (e *Engine) Cancel(taskID string, hard bool) (bool, error) {
	r, err := e.lookup(taskID)
	if err != nil {
		return false, err
	}
	return e.sched.Cancel(r.task, hard), nil
}

// Escalate hard cancels a running or soft cancelled task. It reports whether
// the task's state changed.
func (e *Engine) Escalate(taskID string) (bool, error) {
	r, err := e.lookup(taskID)
	if err != nil {
		return false, err
	}
	return e.sched.Escalate(r.task), nil
}

// CancelAll cancels every tracked task that is not already in the
// requested mode, and returns how many changed. A hard CancelAll also
// escalates soft-cancelled tasks.
func (e *Engine) CancelAll(hard bool) int {
	e.mu.RLock()
	tasks := make([]*models.Task, 0, len(e.runs))
	for _, r := range e.runs {
		tasks = append(tasks, r.task)
	}
	e.mu.RUnlock()

	n := 0
	for _, t := range tasks {
		if hard {
			if e.sched.Escalate(t) {
				n++
			}
			continue
		}
		if e.sched.State(t.ID) == models.StateSoftCancel {
			continue
		}
		if e.sched.Cancel(t, false) {
			n++
		}
	}
	return n
}

// Recover resumes a paused or cancelled task and replays its parked work.
func (e *Engine) Recover(ctx context.Context, taskID string) (bool, error) {
	r, err := e.lookup(taskID)
	if err != nil {
		return false, err
	}
	return e.sched.Recover(ctx, r.task), nil
}

// Forget drops every trace of a finished task: lifecycle record, counters,
// bloom filter, extraction rules and sink state. Stored download results
// and written output files are kept.
func (e *Engine) Forget(taskID string) error {
	r, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	if _, outcome := r.wait(); outcome == 0 {
		return fmt.Errorf("task %s is still live", taskID)
	}
	e.mu.Lock()
	delete(e.runs, taskID)
	e.mu.Unlock()

	e.sched.Forget(taskID)
	e.counts.Remove(taskID)
	e.pipeline.Unbind(taskID)
	if e.bloom != nil {
		e.bloom.Forget(taskID)
	}
	if e.sink != nil {
		e.sink.Forget(taskID)
	}
	return nil
}

// StoredResults tallies the task's persisted URL records by status.
func (e *Engine) StoredResults(taskID string) (map[models.PageStatus]int, error) {
	if _, err := e.lookup(taskID); err != nil {
		return nil, err
	}
	return e.store.TaskCounts(taskID)
}

// Purge forgets a finished task and deletes its stored results, so the
// same ID starts from an empty visited set next time.
func (e *Engine) Purge(taskID string) error {
	if err := e.Forget(taskID); err != nil {
		return err
	}
	return e.store.ForgetTask(taskID)
}

func (e *Engine) onEvent(ev events.Event) error {
	if ev.Task == nil {
		return nil
	}
	r, err := e.lookup(ev.Task.ID)
	if err != nil {
		return nil
	}

	switch {
	case ev.Kind == events.DownloadSuccess || ev.Kind == events.DownloadError:
		e.processed.Add(1)
		r.processed.Add(1)
		return e.recordDownload(r, ev)
	case ev.Kind == events.Extracted:
		r.extracted.Add(1)
	case ev.Kind == events.Recover:
		r.reopen()
	case ev.Kind.Terminal():
		r.finish(ev.Kind)
		e.log.WithFields(logrus.Fields{
			"task_id":   ev.Task.ID,
			"outcome":   ev.Kind.String(),
			"processed": r.processed.Load(),
			"failed":    r.failed.Load(),
		}).Info("Task finished")
	}
	return nil
}

func (e *Engine) recordDownload(r *run, ev events.Event) error {
	page := ev.Page
	entry := &models.PageDBEntry{
		Depth:      ev.Request.Depth,
		RetryCount: ev.Request.RetryCount,
	}
	if page != nil {
		entry.StatusCode = page.StatusCode
		entry.LastAttempt = page.FetchedAt
		if page.Err != nil {
			entry.ErrorType = utils.CategorizeError(page.Err)
		}
	}

	switch {
	case page != nil && page.Success && ev.Task.Site.Accepts(page.StatusCode):
		entry.Status = models.PageStatusSuccess
		entry.ContentHash = fmt.Sprintf("%016x", page.Fingerprint)
	case page != nil && page.StatusCode == 404:
		entry.Status = models.PageStatusNotFound
		r.failed.Add(1)
	default:
		entry.Status = models.PageStatusFailure
		r.failed.Add(1)
	}

	if err := e.store.RecordResult(ev.Task.ID, parse.DedupKey(ev.Request.URL), entry); err != nil {
		return fmt.Errorf("recording result for %s: %w", ev.Request.URL, err)
	}
	return nil
}
