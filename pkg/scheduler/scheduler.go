// Package scheduler admits, routes and accounts crawl requests. It decides
// whether each discovered URL is queued, parked for a paused task, retried or
// dropped, and reports exactly one terminal event each time a task drains.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/lifecycle"
	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/parse"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Components are the collaborators a Scheduler drives.
type Components struct {
	Queue      Queue
	Downloader Downloader
	Processor  PageProcessor
	Dedup      DuplicationProcessor
	Counts     CountManager
}

// Scheduler is safe for concurrent use by any number of workers and
// control callers.
type Scheduler struct {
	queue      Queue
	downloader Downloader
	processor  PageProcessor
	dedup      DuplicationProcessor
	counts     CountManager
	states     *lifecycle.Registry
	bus        *events.Bus
	log        *logrus.Entry
}

// New creates a Scheduler. Terminal and download events are published on bus.
func New(c Components, bus *events.Bus, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		queue:      c.Queue,
		downloader: c.Downloader,
		processor:  c.Processor,
		dedup:      c.Dedup,
		counts:     c.Counts,
		states:     lifecycle.NewRegistry(),
		bus:        bus,
		log:        logger.WithField("component", "scheduler"),
	}
}

func (s *Scheduler) taskLog(task *models.Task, req models.Request) *logrus.Entry {
	return s.log.WithFields(logrus.Fields{"task_id": task.ID, "url": req.URL})
}

// State returns the task's lifecycle state.
func (s *Scheduler) State(taskID string) models.TaskState {
	return s.states.State(taskID)
}

// Parked returns how many units of work wait for the task to recover.
func (s *Scheduler) Parked(taskID string) int {
	return s.states.Parked(taskID)
}

// Submit offers a discovered request to the task. Cancelled tasks accept
// nothing. Requests carrying retry bookkeeping and POST requests skip the
// duplicate check; everything else must be new to the task.
func (s *Scheduler) Submit(ctx context.Context, task *models.Task, req models.Request) {
	logger := s.taskLog(task, req)
	if state := s.states.State(task.ID); state.Cancelled() {
		logger.Debugf("Rejecting request, task is %s", state)
		return
	}
	logger.Debug("Candidate URL")

	reserved := req.RetryCount > 0
	if !reserved && !req.IsPost() && s.isDuplicate(task, req) {
		logger.Debug("Duplicate, dropping")
		return
	}
	s.admit(ctx, task, req)
}

// admit routes a request that already passed the duplicate check.
func (s *Scheduler) admit(ctx context.Context, task *models.Task, req models.Request) {
	s.counts.Incr(task, 1)

	state, parked := s.states.Park(&models.Seed{Task: task, Request: req})
	if parked {
		s.taskLog(task, req).Debug("Task paused, parking request")
		s.countEvent(task)
		return
	}
	if state.Cancelled() {
		s.countEvent(task)
		return
	}

	task.Site.SetDomainIfEmpty(parse.Domain(req.URL))
	if err := s.push(ctx, task, req); err != nil {
		s.taskLog(task, req).WithField("error_type", utils.CategorizeError(err)).
			Errorf("Failed to enqueue request: %v", err)
		s.countEvent(task)
	}
}

// isDuplicate asks the dedup processor about req. A panicking processor
// drops the request, which leaves the task's accounting untouched.
func (s *Scheduler) isDuplicate(task *models.Task, req models.Request) (dup bool) {
	defer func() {
		if r := recover(); r != nil {
			s.taskLog(task, req).Errorf("PANIC in duplicate check: %v\n%s", r, string(debug.Stack()))
			dup = true
		}
	}()
	return s.dedup.IsDuplicate(task, req)
}

// push enqueues req, turning a queue panic into an error so the caller
// releases the unit it holds.
func (s *Scheduler) push(ctx context.Context, task *models.Task, req models.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.taskLog(task, req).Errorf("PANIC in queue push: %v\n%s", r, string(debug.Stack()))
			err = fmt.Errorf("queue push panicked: %v", r)
		}
	}()
	return s.queue.Push(ctx, task, req)
}

// Seed submits a task's start requests. One extra unit is held while they are
// submitted, so the task drains exactly once even if every seed is a duplicate.
func (s *Scheduler) Seed(ctx context.Context, task *models.Task, reqs ...models.Request) {
	s.counts.Incr(task, 1)
	for _, req := range reqs {
		s.Submit(ctx, task, req)
	}
	s.countEvent(task)
}

// Dispatch is the worker step for a request popped from the queue: it
// downloads the request unless the task is paused or hard cancelled, then
// hands the page to OnProcessed.
func (s *Scheduler) Dispatch(ctx context.Context, task *models.Task, req models.Request) {
	state := s.states.State(task.ID)
	if state == models.StatePaused {
		var parked bool
		if state, parked = s.states.Park(&models.Seed{Task: task, Request: req}); parked {
			s.taskLog(task, req).Debug("Task paused before download, parking request")
			s.countEvent(task)
			return
		}
	}
	if state == models.StateHardCancel {
		s.taskLog(task, req).Debug("Task hard cancelled, skipping download")
		s.countEvent(task)
		return
	}

	page := s.Download(ctx, task, req)
	s.OnProcessed(ctx, task, req, page)
}

// Download fetches req and publishes a download event for the attempt.
func (s *Scheduler) Download(ctx context.Context, task *models.Task, req models.Request) (page *models.Page) {
	defer func() {
		if r := recover(); r != nil {
			s.taskLog(task, req).Errorf("PANIC in downloader: %v\n%s", r, string(debug.Stack()))
			page = &models.Page{Request: req, FinalURL: req.URL, FetchedAt: time.Now()}
		}
		s.publishDownload(task, req, page)
	}()

	page = s.downloader.Download(ctx, task, req)
	if page == nil {
		page = &models.Page{Request: req, FinalURL: req.URL, FetchedAt: time.Now()}
	}
	return page
}

func (s *Scheduler) publishDownload(task *models.Task, req models.Request, page *models.Page) {
	kind := events.DownloadError
	if page.Success {
		kind = events.DownloadSuccess
	}
	s.bus.Publish(events.Event{Kind: kind, Task: task, Request: req, Page: page})
}

// OnProcessed handles one completed download attempt.
func (s *Scheduler) OnProcessed(ctx context.Context, task *models.Task, req models.Request, page *models.Page) {
	s.onProcessed(ctx, task, req, page, true)
}

// onProcessed runs the post-download path. Without pace no politeness sleeps
// are taken, which is how parked pages are replayed.
func (s *Scheduler) onProcessed(ctx context.Context, task *models.Task, req models.Request, page *models.Page, pace bool) {
	if page == nil {
		page = &models.Page{Request: req, FinalURL: req.URL}
	}
	logger := s.taskLog(task, req)
	state := s.states.State(task.ID)
	if state == models.StatePaused {
		var parked bool
		if state, parked = s.states.Park(&models.Seed{Task: task, Request: req, Page: page}); parked {
			logger.Debug("Task paused, parking downloaded page")
			s.countEvent(task)
			return
		}
	}

	site := task.Site
	if state != models.StateHardCancel && page.Success && site.Accepts(page.StatusCode) {
		links := s.extract(ctx, task, page)
		if state == models.StateRunning {
			for _, link := range links {
				s.Submit(ctx, task, req.Child(link))
			}
		} else {
			logger.Debugf("Task %s, discarding %d extracted links", state, len(links))
		}
		s.countEvent(task)
		if pace {
			s.sleep(ctx, task, site.SleepTime)
		}
		return
	}

	if state != models.StateRunning {
		s.countEvent(task)
		return
	}
	if site.CycleRetryTimes == 0 {
		s.countEvent(task)
		if pace {
			s.sleep(ctx, task, site.SleepTime)
		}
		return
	}

	// The retry is submitted while this unit is still counted, so the task
	// cannot drain between the failure and its resubmission.
	s.cycleRetry(ctx, task, req, page)
	s.countEvent(task)
	if pace {
		s.sleep(ctx, task, site.RetrySleepTime)
	}
}

func (s *Scheduler) extract(ctx context.Context, task *models.Task, page *models.Page) (links []string) {
	defer func() {
		if r := recover(); r != nil {
			s.taskLog(task, page.Request).Errorf("PANIC in page processor: %v\n%s", r, string(debug.Stack()))
			links = nil
		}
	}()
	return s.processor.Process(ctx, task, page)
}

func (s *Scheduler) cycleRetry(ctx context.Context, task *models.Task, req models.Request, page *models.Page) {
	logger := s.taskLog(task, req).WithFields(logrus.Fields{
		"status_code": page.StatusCode,
		"retry_count": req.RetryCount,
	})
	if page.Err != nil {
		logger = logger.WithField("error_type", utils.CategorizeError(page.Err))
	}

	limit := task.Site.CycleRetryTimes
	switch {
	case req.RetryCount == 0:
		logger.Debug("Cycle retry 1")
		s.Submit(ctx, task, req.WithRetry(1))
	case req.RetryCount < limit:
		logger.Debugf("Cycle retry %d", req.RetryCount+1)
		s.Submit(ctx, task, req.WithRetry(req.RetryCount+1))
	default:
		logger.Warnf("Giving up after %d cycle retries", req.RetryCount)
	}
}

// countEvent releases one unit of the task's work. The task's state is read
// once, under the same lock as parking and recovery, together with the
// decrement; if the release drains the task, that state picks the terminal
// event.
func (s *Scheduler) countEvent(task *models.Task) {
	var (
		drained bool
		state   models.TaskState
	)
	s.states.Settle(task.ID, func(st models.TaskState) {
		state = st
		s.counts.IncrNotify(task, -1, func() { drained = true })
	})
	if !drained {
		return
	}

	var kind events.Kind
	switch {
	case state == models.StateRunning:
		kind = events.Success
	case state == models.StatePaused:
		kind = events.Pause
	case state.Cancelled():
		kind = events.Cancel
	default:
		return
	}
	s.log.WithFields(logrus.Fields{"task_id": task.ID, "event": kind.String()}).Info("Task drained")
	s.bus.Publish(events.Event{Kind: kind, Task: task})
}

// sleep blocks the calling worker for d. It returns early if ctx ends or the
// task is hard cancelled.
func (s *Scheduler) sleep(ctx context.Context, task *models.Task, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		s.log.WithField("task_id", task.ID).Debugf("Sleep interrupted: %v", ctx.Err())
	case <-s.states.Interrupt(task.ID):
		s.log.WithField("task_id", task.ID).Debug("Sleep interrupted by hard cancel")
	}
}

// Pause stops a running task from starting new work; new and finished work
// is parked until Recover. Returns false if the task is cancelled.
func (s *Scheduler) Pause(task *models.Task) bool {
	ok := s.states.Pause(task.ID)
	s.log.WithFields(logrus.Fields{"task_id": task.ID, "accepted": ok}).Info("Pause requested")
	return ok
}

// Cancel stops a running task. A soft cancel lets downloaded pages finish
// processing but submits no new links; a hard cancel skips processing and
// wakes sleeping workers. Returns whether the task is now in the requested
// mode.
func (s *Scheduler) Cancel(task *models.Task, hard bool) bool {
	ok := s.states.Cancel(task.ID, hard)
	s.log.WithFields(logrus.Fields{"task_id": task.ID, "hard": hard, "accepted": ok}).Info("Cancel requested")
	return ok
}

// Escalate turns a running or soft cancelled task into a hard cancel: queued
// requests are skipped and sleeping workers wake. Returns whether the state
// changed.
func (s *Scheduler) Escalate(task *models.Task) bool {
	ok := s.states.Escalate(task.ID)
	s.log.WithFields(logrus.Fields{"task_id": task.ID, "accepted": ok}).Info("Hard cancel escalation requested")
	return ok
}

// Recover returns a paused or cancelled task to running and replays its
// parked work. Returns false if the task was already running.
func (s *Scheduler) Recover(ctx context.Context, task *models.Task) bool {
	// The replay guard is taken inside the swap so the task cannot drain
	// between becoming running and its parked work being resubmitted.
	seeds, prev, ok := s.states.Recover(task.ID, func() { s.counts.Incr(task, 1) })
	if !ok {
		return false
	}
	s.log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"previous": prev.String(),
		"seeds":    len(seeds),
	}).Info("Recovering task")
	s.bus.Publish(events.Event{Kind: events.Recover, Task: task})

	for _, seed := range seeds {
		if seed.Page != nil {
			s.counts.Incr(seed.Task, 1)
			s.onProcessed(ctx, seed.Task, seed.Request, seed.Page, false)
		} else {
			s.admit(ctx, seed.Task, seed.Request)
		}
	}
	s.countEvent(task)
	return true
}

// Forget drops the task's lifecycle record and any parked work.
func (s *Scheduler) Forget(taskID string) {
	s.states.Forget(taskID)
}
