package mcp

import (
	"sort"
	"sync"
	"time"

	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
)

// JobStatus represents the current state of a crawl job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Active reports whether the job may still do work.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusPaused
}

// Job is the control API's view of one crawl task. Its ID is the task ID.
type Job struct {
	ID             string    `json:"id"`
	SiteKey        string    `json:"site_key"`
	Status         JobStatus `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	PagesProcessed int64     `json:"pages_processed"`
	PagesFailed    int64     `json:"pages_failed"`
	PagesExtracted int64     `json:"pages_extracted"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// JobManager tracks jobs from task events.
type JobManager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	bysite map[string]string // siteKey -> jobID for active jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		bysite: make(map[string]string),
	}
}

// track returns the job for task, creating it if needed. Callers hold mu.
func (m *JobManager) track(task *models.Task) *Job {
	job, ok := m.jobs[task.ID]
	if !ok {
		job = &Job{
			ID:        task.ID,
			SiteKey:   task.Name,
			Status:    JobStatusPending,
			StartedAt: task.CreatedAt,
		}
		m.jobs[task.ID] = job
		m.bysite[task.Name] = task.ID
	}
	return job
}

// Register records a newly started task. Events for it may already have
// arrived; their effects are kept.
func (m *JobManager) Register(task *models.Task) Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.track(task)
	if job.Status == JobStatusPending {
		job.Status = JobStatusRunning
	}
	return *job
}

// Handle implements events.Handler.
func (m *JobManager) Handle(ev events.Event) error {
	if ev.Task == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.track(ev.Task)
	switch ev.Kind {
	case events.DownloadSuccess, events.DownloadError:
		job.PagesProcessed++
		if ev.Page == nil || !ev.Page.Success || !ev.Task.Site.Accepts(ev.Page.StatusCode) {
			job.PagesFailed++
		}
	case events.Extracted:
		job.PagesExtracted++
	case events.Pause:
		job.Status = JobStatusPaused
	case events.Recover:
		job.Status = JobStatusRunning
		job.CompletedAt = time.Time{}
		m.bysite[job.SiteKey] = job.ID
	case events.Success:
		m.complete(job, JobStatusCompleted, ev.At)
	case events.Cancel:
		m.complete(job, JobStatusCancelled, ev.At)
	}
	return nil
}

func (m *JobManager) complete(job *Job, status JobStatus, at time.Time) {
	job.Status = status
	job.CompletedAt = at
	if m.bysite[job.SiteKey] == job.ID {
		delete(m.bysite, job.SiteKey)
	}
}

// Fail marks a job that could not be started.
func (m *JobManager) Fail(task *models.Task, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.track(task)
	job.ErrorMessage = errorMsg
	m.complete(job, JobStatusFailed, time.Now())
}

// GetJob retrieves a copy of the job by ID
func (m *JobManager) GetJob(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// GetJobBySite retrieves the active job for a site
func (m *JobManager) GetJobBySite(siteKey string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.bysite[siteKey]; exists {
		if job := m.jobs[jobID]; job != nil {
			return *job, true
		}
	}
	return Job{}, false
}

// IsRunning checks if an active job exists for a site
func (m *JobManager) IsRunning(siteKey string) bool {
	job, ok := m.GetJobBySite(siteKey)
	return ok && job.Status.Active()
}

// ActiveIDs returns the IDs of all active jobs.
func (m *JobManager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id, job := range m.jobs {
		if job.Status.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ListJobs returns all jobs, oldest first
func (m *JobManager) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartedAt.Before(jobs[j].StartedAt)
	})
	return jobs
}
