package orchestrate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/crawler"
	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testAppConfig(siteKeys ...string) *config.AppConfig {
	sites := make(map[string]config.SiteConfig, len(siteKeys))
	for _, key := range siteKeys {
		sites[key] = config.SiteConfig{
			StartURLs: []string{"https://" + key + ".example.com/"},
			MaxDepth:  2,
		}
	}
	return &config.AppConfig{
		Sites: sites,
	}
}

// fakeEngine finishes each task with the outcome configured for its name.
type fakeEngine struct {
	mu        sync.Mutex
	jobs      []crawler.Job
	outcomes  map[string]events.Kind
	failing   map[string]error
	names     map[string]string // task ID -> name
	cancels   []string
	escalated []string
	block     chan struct{} // Wait blocks until closed, if set
}

var _ Engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		outcomes: make(map[string]events.Kind),
		failing:  make(map[string]error),
		names:    make(map[string]string),
	}
}

func (f *fakeEngine) Execute(_ context.Context, job crawler.Job) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing[job.Name]; err != nil {
		return nil, err
	}
	f.jobs = append(f.jobs, job)
	task := models.NewTask(job.Name, job.Site)
	if job.TaskID != "" {
		task.ID = job.TaskID
	}
	f.names[task.ID] = job.Name
	return task, nil
}

func (f *fakeEngine) Wait(ctx context.Context, taskID string) (events.Kind, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind, ok := f.outcomes[f.names[taskID]]; ok {
		return kind, nil
	}
	return events.Success, nil
}

func (f *fakeEngine) Status(taskID string) (crawler.Status, error) {
	return crawler.Status{TaskID: taskID, Processed: 5, Failed: 1, Extracted: 4}, nil
}

func (f *fakeEngine) Cancel(taskID string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, taskID)
	return true, nil
}

func (f *fakeEngine) Escalate(taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, taskID)
	return true, nil
}

func TestOrchestrator_Run(t *testing.T) {
	cfg := testAppConfig("alpha", "beta", "gamma")
	eng := newFakeEngine()
	eng.outcomes["beta"] = events.Cancel
	eng.failing["gamma"] = errors.New("boom")

	o := NewOrchestrator(cfg, eng, []string{"gamma", "alpha", "beta", "missing"}, false, testLogger())
	results := o.Run(context.Background())
	require.Len(t, results, 4)

	byKey := make(map[string]SiteResult)
	for _, r := range results {
		byKey[r.SiteKey] = r
	}
	assert.Equal(t, "alpha", results[0].SiteKey, "results are sorted")

	assert.True(t, byKey["alpha"].Success)
	assert.Equal(t, events.Success, byKey["alpha"].Outcome)
	assert.Equal(t, int64(5), byKey["alpha"].PagesProcessed)
	assert.Equal(t, int64(4), byKey["alpha"].PagesExtracted)

	assert.False(t, byKey["beta"].Success)
	assert.Equal(t, events.Cancel, byKey["beta"].Outcome)
	assert.Error(t, byKey["beta"].Error)

	assert.False(t, byKey["gamma"].Success)
	assert.ErrorContains(t, byKey["gamma"].Error, "boom")
	assert.Empty(t, byKey["gamma"].TaskID)

	assert.ErrorContains(t, byKey["missing"].Error, "not found")

	assert.Len(t, o.TaskIDs(), 2)
}

func TestOrchestrator_ResumeUsesSiteKeyAsTaskID(t *testing.T) {
	eng := newFakeEngine()
	o := NewOrchestrator(testAppConfig("docs"), eng, []string{"docs"}, true, testLogger())
	results := o.Run(context.Background())

	require.Len(t, results, 1)
	assert.Equal(t, "docs", results[0].TaskID)
	require.Len(t, eng.jobs, 1)
	assert.Equal(t, []string{"https://docs.example.com/"}, eng.jobs[0].URLs)
}

func TestOrchestrator_CancelAndContext(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	o := NewOrchestrator(testAppConfig("a", "b"), eng, []string{"a", "b"}, false, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []SiteResult, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return len(o.TaskIDs()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, o.Cancel(false))
	assert.Equal(t, 2, o.Cancel(true), "a second, hard cancel escalates")
	eng.mu.Lock()
	assert.Len(t, eng.cancels, 2)
	assert.ElementsMatch(t, eng.cancels, eng.escalated)
	eng.mu.Unlock()
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 2)
		for _, r := range results {
			assert.ErrorIs(t, r.Error, context.Canceled)
			assert.False(t, r.Success)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestValidateSiteKeys(t *testing.T) {
	t.Run("all valid", func(t *testing.T) {
		cfg := testAppConfig("docs", "blog")
		err := ValidateSiteKeys(cfg, []string{"docs", "blog"})
		assert.NoError(t, err)
	})

	t.Run("one invalid", func(t *testing.T) {
		cfg := testAppConfig("docs", "blog")
		err := ValidateSiteKeys(cfg, []string{"docs", "missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("empty keys no error", func(t *testing.T) {
		cfg := testAppConfig("docs")
		err := ValidateSiteKeys(cfg, []string{})
		assert.NoError(t, err)
	})

	t.Run("empty config", func(t *testing.T) {
		cfg := testAppConfig()
		err := ValidateSiteKeys(cfg, []string{"anything"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "anything")
	})
}

func TestGetAllSiteKeys(t *testing.T) {
	t.Run("multiple sites sorted", func(t *testing.T) {
		cfg := testAppConfig("gamma", "alpha", "beta")
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, GetAllSiteKeys(cfg))
	})

	t.Run("no sites", func(t *testing.T) {
		assert.Empty(t, GetAllSiteKeys(testAppConfig()))
	})
}
