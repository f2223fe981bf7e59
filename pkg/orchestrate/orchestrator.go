package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/crawler"
	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
)

// Engine is the part of crawler.Engine the orchestrator drives.
type Engine interface {
	Execute(ctx context.Context, job crawler.Job) (*models.Task, error)
	Wait(ctx context.Context, taskID string) (events.Kind, error)
	Status(taskID string) (crawler.Status, error)
	Cancel(taskID string, hard bool) (bool, error)
	Escalate(taskID string) (bool, error)
}

// SiteResult contains the result of crawling a single site
type SiteResult struct {
	SiteKey        string
	TaskID         string
	Outcome        events.Kind
	Success        bool
	Error          error
	PagesProcessed int64
	PagesFailed    int64
	PagesExtracted int64
	Duration       time.Duration
}

// Orchestrator runs several configured sites as concurrent tasks on one
// shared engine.
type Orchestrator struct {
	appCfg   *config.AppConfig
	engine   Engine
	log      *logrus.Entry
	siteKeys []string
	resume   bool

	mu      sync.Mutex
	taskIDs map[string]string // site key -> task ID
	results []SiteResult
}

// NewOrchestrator creates an orchestrator for siteKeys. With resume, each
// site's task ID is its key, so a persistent visited store carries over.
func NewOrchestrator(appCfg *config.AppConfig, engine Engine, siteKeys []string, resume bool, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		appCfg:   appCfg,
		engine:   engine,
		log:      log.WithField("component", "orchestrator"),
		siteKeys: siteKeys,
		resume:   resume,
		taskIDs:  make(map[string]string, len(siteKeys)),
		results:  make([]SiteResult, 0, len(siteKeys)),
	}
}

// Run starts every site and blocks until each task finishes or ctx ends.
// Results are ordered by site key.
func (o *Orchestrator) Run(ctx context.Context) []SiteResult {
	startTime := time.Now()
	o.log.Infof("Starting crawl of %d sites: %v", len(o.siteKeys), o.siteKeys)

	var wg sync.WaitGroup
	for _, siteKey := range o.siteKeys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			result := o.crawlSite(ctx, key)
			o.mu.Lock()
			o.results = append(o.results, result)
			o.mu.Unlock()
		}(siteKey)
	}
	wg.Wait()

	o.mu.Lock()
	sort.Slice(o.results, func(i, j int) bool { return o.results[i].SiteKey < o.results[j].SiteKey })
	results := append([]SiteResult(nil), o.results...)
	o.mu.Unlock()

	o.logSummary(results, time.Since(startTime))
	return results
}

func (o *Orchestrator) crawlSite(ctx context.Context, siteKey string) SiteResult {
	startTime := time.Now()
	result := SiteResult{SiteKey: siteKey}
	siteLog := o.log.WithField("site_key", siteKey)

	siteCfg, exists := o.appCfg.Sites[siteKey]
	if !exists {
		result.Error = fmt.Errorf("site '%s' not found in configuration", siteKey)
		siteLog.Error("Site not found in configuration")
		return result
	}

	job, err := crawler.JobFromConfig(siteKey, siteCfg, o.appCfg)
	if err != nil {
		result.Error = fmt.Errorf("failed to build job for '%s': %w", siteKey, err)
		siteLog.Errorf("Failed to build job: %v", err)
		return result
	}
	if o.resume {
		job.TaskID = siteKey
	}

	task, err := o.engine.Execute(ctx, job)
	if err != nil {
		result.Error = fmt.Errorf("failed to start '%s': %w", siteKey, err)
		siteLog.Errorf("Failed to start task: %v", err)
		return result
	}
	result.TaskID = task.ID
	o.mu.Lock()
	o.taskIDs[siteKey] = task.ID
	o.mu.Unlock()
	siteLog.WithField("task_id", task.ID).Info("Started crawl")

	outcome, err := o.engine.Wait(ctx, task.ID)
	result.Outcome = outcome
	result.Duration = time.Since(startTime)
	if st, statusErr := o.engine.Status(task.ID); statusErr == nil {
		result.PagesProcessed = st.Processed
		result.PagesFailed = st.Failed
		result.PagesExtracted = st.Extracted
	}

	switch {
	case err != nil:
		result.Error = err
		siteLog.Errorf("Crawl interrupted: %v", err)
	case outcome == events.Success:
		result.Success = true
		siteLog.Info("Crawl completed")
	default:
		result.Error = fmt.Errorf("crawl for '%s' ended with %s", siteKey, outcome)
		siteLog.Warnf("Crawl ended with %s", outcome)
	}
	return result
}

// Cancel cancels every task this orchestrator started and returns how many
// changed state. A hard cancel also escalates tasks already soft cancelled.
func (o *Orchestrator) Cancel(hard bool) int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.taskIDs))
	for _, id := range o.taskIDs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	o.log.WithField("hard", hard).Infof("Cancelling %d crawls...", len(ids))
	n := 0
	for _, id := range ids {
		cancel := func() (bool, error) { return o.engine.Cancel(id, false) }
		if hard {
			cancel = func() (bool, error) { return o.engine.Escalate(id) }
		}
		if ok, err := cancel(); err == nil && ok {
			n++
		}
	}
	return n
}

// TaskIDs returns the task started for each site so far.
func (o *Orchestrator) TaskIDs() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.taskIDs))
	for k, v := range o.taskIDs {
		out[k] = v
	}
	return out
}

// logSummary logs a summary of all crawl results
func (o *Orchestrator) logSummary(results []SiteResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Crawl completed in %v", totalDuration)
	o.log.Info("Site Results:")

	var totalPages int64
	successCount := 0
	failCount := 0

	for _, r := range results {
		status := "SUCCESS"
		if !r.Success {
			status = "FAILED"
			failCount++
		} else {
			successCount++
		}
		totalPages += r.PagesProcessed

		o.log.Infof("  %s: %s - %d pages (%d failed, %d extracted) in %v",
			r.SiteKey, status, r.PagesProcessed, r.PagesFailed, r.PagesExtracted, r.Duration)
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d sites (%d success, %d failed), %d pages processed",
		len(results), successCount, failCount, totalPages)
	o.log.Info("============================================")
}

// ValidateSiteKeys checks that all provided site keys exist in the config
func ValidateSiteKeys(appCfg *config.AppConfig, siteKeys []string) error {
	for _, key := range siteKeys {
		if _, exists := appCfg.Sites[key]; !exists {
			return fmt.Errorf("site '%s' not found. Available sites: %v", key, GetAllSiteKeys(appCfg))
		}
	}
	return nil
}

// GetAllSiteKeys returns all site keys from the config, sorted
func GetAllSiteKeys(appCfg *config.AppConfig) []string {
	keys := make([]string, 0, len(appCfg.Sites))
	for k := range appCfg.Sites {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
