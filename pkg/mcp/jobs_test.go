package mcp

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
)

func testTask(siteKey string) *models.Task {
	return models.NewTask(siteKey, models.NewSite("example.com"))
}

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()
	require.NotNil(t, jm)
	assert.Empty(t, jm.ListJobs())
	assert.Empty(t, jm.ActiveIDs())
}

func TestRegister(t *testing.T) {
	t.Run("new job fields correct", func(t *testing.T) {
		jm := NewJobManager()
		task := testTask("docs")
		job := jm.Register(task)

		assert.Equal(t, task.ID, job.ID)
		assert.Equal(t, "docs", job.SiteKey)
		assert.Equal(t, JobStatusRunning, job.Status)
		assert.False(t, job.StartedAt.IsZero())
		assert.True(t, job.CompletedAt.IsZero())
		assert.True(t, jm.IsRunning("docs"))
	})

	t.Run("events before register are kept", func(t *testing.T) {
		jm := NewJobManager()
		task := testTask("docs")
		require.NoError(t, jm.Handle(events.Event{Kind: events.Success, Task: task, At: time.Now()}))

		job := jm.Register(task)
		assert.Equal(t, JobStatusCompleted, job.Status)
		assert.False(t, jm.IsRunning("docs"))
	})

	t.Run("new job allowed after completion", func(t *testing.T) {
		jm := NewJobManager()
		first := testTask("docs")
		jm.Register(first)
		require.NoError(t, jm.Handle(events.Event{Kind: events.Cancel, Task: first, At: time.Now()}))
		assert.False(t, jm.IsRunning("docs"))

		second := testTask("docs")
		jm.Register(second)
		job, ok := jm.GetJobBySite("docs")
		require.True(t, ok)
		assert.Equal(t, second.ID, job.ID)
	})
}

func TestHandle_LifecycleTransitions(t *testing.T) {
	jm := NewJobManager()
	task := testTask("docs")
	jm.Register(task)

	steps := []struct {
		kind events.Kind
		want JobStatus
	}{
		{events.Pause, JobStatusPaused},
		{events.Recover, JobStatusRunning},
		{events.Cancel, JobStatusCancelled},
		{events.Recover, JobStatusRunning},
		{events.Success, JobStatusCompleted},
	}
	for _, step := range steps {
		require.NoError(t, jm.Handle(events.Event{Kind: step.kind, Task: task, At: time.Now()}))
		job, ok := jm.GetJob(task.ID)
		require.True(t, ok)
		assert.Equal(t, step.want, job.Status, step.kind.String())
		assert.Equal(t, step.want.Active(), jm.IsRunning("docs"), step.kind.String())
	}

	job, _ := jm.GetJob(task.ID)
	assert.False(t, job.CompletedAt.IsZero())
}

func TestHandle_Counters(t *testing.T) {
	jm := NewJobManager()
	task := testTask("docs")
	jm.Register(task)

	pages := []*models.Page{
		{StatusCode: http.StatusOK, Success: true},
		{StatusCode: http.StatusNotFound, Success: true},
		{Success: false},
		nil,
	}
	for _, p := range pages {
		kind := events.DownloadError
		if p != nil && p.Success {
			kind = events.DownloadSuccess
		}
		require.NoError(t, jm.Handle(events.Event{Kind: kind, Task: task, Page: p}))
	}
	require.NoError(t, jm.Handle(events.Event{Kind: events.Extracted, Task: task}))

	job, ok := jm.GetJob(task.ID)
	require.True(t, ok)
	assert.Equal(t, int64(4), job.PagesProcessed)
	assert.Equal(t, int64(3), job.PagesFailed)
	assert.Equal(t, int64(1), job.PagesExtracted)
}

func TestHandle_IgnoresTasklessEvents(t *testing.T) {
	jm := NewJobManager()
	require.NoError(t, jm.Handle(events.Event{Kind: events.Success}))
	assert.Empty(t, jm.ListJobs())
}

func TestFail(t *testing.T) {
	jm := NewJobManager()
	task := testTask("docs")
	jm.Fail(task, "boom")

	job, ok := jm.GetJob(task.ID)
	require.True(t, ok)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.ErrorMessage)
	assert.False(t, jm.IsRunning("docs"))
}

func TestListJobsAndActiveIDs(t *testing.T) {
	jm := NewJobManager()
	a := testTask("a")
	a.CreatedAt = time.Now().Add(-time.Minute)
	b := testTask("b")
	jm.Register(b)
	jm.Register(a)
	require.NoError(t, jm.Handle(events.Event{Kind: events.Success, Task: b, At: time.Now()}))

	jobs := jm.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ID, "oldest first")
	assert.Equal(t, []string{a.ID}, jm.ActiveIDs())
}

func TestGetJob_Unknown(t *testing.T) {
	jm := NewJobManager()
	_, ok := jm.GetJob("missing")
	assert.False(t, ok)
	_, ok = jm.GetJobBySite("missing")
	assert.False(t, ok)
}
