package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"github.com/crawlkit/taskcrawl/pkg/crawler"
	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/orchestrate"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// handleListSites handles the list_sites tool
func (s *Server) handleListSites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := orchestrate.GetAllSiteKeys(s.cfg.AppConfig)
	sites := make([]map[string]interface{}, 0, len(keys))

	for _, key := range keys {
		siteCfg := s.cfg.AppConfig.Sites[key]
		siteInfo := map[string]interface{}{
			"key":              key,
			"domain":           siteCfg.AllowedDomain,
			"path_prefix":      siteCfg.AllowedPathPrefix,
			"start_urls_count": len(siteCfg.StartURLs),
			"max_depth":        siteCfg.MaxDepth,
		}

		if lastCrawled := s.getLastCrawledTime(key); !lastCrawled.IsZero() {
			siteInfo["last_crawled"] = lastCrawled.Format(time.RFC3339)
		}
		if job, ok := s.jobManager.GetJobBySite(key); ok && job.Status.Active() {
			siteInfo["status"] = string(job.Status)
			siteInfo["task_id"] = job.ID
		}

		sites = append(sites, siteInfo)
	}

	result := map[string]interface{}{
		"sites":       sites,
		"config_path": s.cfg.ConfigPath,
		"total_sites": len(sites),
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleStartCrawl handles the start_crawl tool
func (s *Server) handleStartCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	siteKey := request.GetString("site_key", "")
	if siteKey == "" {
		return mcp.NewToolResultError("site_key parameter is required"), nil
	}
	if err := orchestrate.ValidateSiteKeys(s.cfg.AppConfig, []string{siteKey}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if existing, ok := s.jobManager.GetJobBySite(siteKey); ok && existing.Status.Active() {
		result := map[string]interface{}{
			"status":   "already_running",
			"message":  "A crawl task is already active for this site",
			"task_id":  existing.ID,
			"site_key": siteKey,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	job, err := crawler.JobFromConfig(siteKey, s.cfg.AppConfig.Sites[siteKey], s.cfg.AppConfig)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid site configuration: %v", err)), nil
	}
	// Tasks outlive the tool call that starts them.
	task, err := s.engine.Execute(context.WithoutCancel(ctx), job)
	if err != nil {
		// Keep a failed job so list_tasks shows the attempt.
		failed := models.NewTask(siteKey, job.Site)
		s.jobManager.Fail(failed, err.Error())
		return mcp.NewToolResultError(fmt.Sprintf("failed to start crawl (task %s): %v", failed.ID, err)), nil
	}
	registered := s.jobManager.Register(task)
	s.log.WithField("task_id", task.ID).Infof("Started crawl for site '%s'", siteKey)

	result := map[string]interface{}{
		"status":   string(registered.Status),
		"message":  "Crawl started successfully",
		"task_id":  task.ID,
		"site_key": siteKey,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

func taskError(taskID string, err error) *mcp.CallToolResult {
	if errors.Is(err, utils.ErrTaskUnknown) {
		return mcp.NewToolResultError(fmt.Sprintf("task '%s' not found", taskID))
	}
	return mcp.NewToolResultError(err.Error())
}

// control runs a lifecycle call and reports whether it was accepted.
func (s *Server) control(request mcp.CallToolRequest, action string, call func(taskID string) (bool, error)) (*mcp.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id parameter is required"), nil
	}
	accepted, err := call(taskID)
	if err != nil {
		return taskError(taskID, err), nil
	}
	st, err := s.engine.Status(taskID)
	if err != nil {
		return taskError(taskID, err), nil
	}
	result := map[string]interface{}{
		"task_id":  taskID,
		"action":   action,
		"accepted": accepted,
		"state":    st.State.String(),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handlePauseTask handles the pause_task tool
func (s *Server) handlePauseTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(request, "pause", s.engine.Pause)
}

// handleRecoverTask handles the recover_task tool
func (s *Server) handleRecoverTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bg := context.WithoutCancel(ctx)
	return s.control(request, "recover", func(taskID string) (bool, error) {
		return s.engine.Recover(bg, taskID)
	})
}

// handleCancelTask handles the cancel_task tool
func (s *Server) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hard := request.GetBool("hard", false)
	action := "soft_cancel"
	if hard {
		action = "hard_cancel"
	}
	return s.control(request, action, func(taskID string) (bool, error) {
		return s.engine.Cancel(taskID, hard)
	})
}

func taskStatusMap(job Job, st *crawler.Status) map[string]interface{} {
	result := map[string]interface{}{
		"task_id":         job.ID,
		"site_key":        job.SiteKey,
		"status":          job.Status,
		"started_at":      job.StartedAt.Format(time.RFC3339),
		"pages_processed": job.PagesProcessed,
		"pages_failed":    job.PagesFailed,
		"pages_extracted": job.PagesExtracted,
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}
	if st != nil {
		result["state"] = st.State.String()
		result["domain"] = st.Domain
		result["in_flight"] = st.InFlight
		result["parked"] = st.Parked
		result["queued"] = st.Queued
	}
	return result
}

// handleGetTaskStatus handles the get_task_status tool
func (s *Server) handleGetTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id parameter is required"), nil
	}

	job, ok := s.jobManager.GetJob(taskID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task '%s' not found", taskID)), nil
	}
	var st *crawler.Status
	if status, err := s.engine.Status(taskID); err == nil {
		st = &status
	}
	result := taskStatusMap(job, st)
	if counts, err := s.engine.StoredResults(taskID); err == nil {
		stored := make(map[string]int, len(counts))
		for status, n := range counts {
			stored[status.String()] = n
		}
		result["stored_results"] = stored
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListTasks handles the list_tasks tool
func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobManager.ListJobs()
	tasks := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		tasks = append(tasks, taskStatusMap(job, nil))
	}
	result := map[string]interface{}{
		"tasks":       tasks,
		"total_tasks": len(tasks),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleSearchCrawled handles the search_crawled tool
func (s *Server) handleSearchCrawled(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	if s.cfg.AppConfig.OutputBaseDir == "" {
		return mcp.NewToolResultError("page output is disabled (output_base_dir is not set)"), nil
	}

	siteKey := request.GetString("site_key", "")
	maxResults := request.GetInt("max_results", 10)
	if maxResults <= 0 {
		maxResults = 10
	}
	if maxResults > 100 {
		maxResults = 100
	}

	var sitesToSearch []string
	if siteKey != "" {
		if _, exists := s.cfg.AppConfig.Sites[siteKey]; !exists {
			return mcp.NewToolResultError(fmt.Sprintf("site '%s' not found", siteKey)), nil
		}
		sitesToSearch = []string{siteKey}
	} else {
		sitesToSearch = orchestrate.GetAllSiteKeys(s.cfg.AppConfig)
	}

	results := s.searchJSONL(query, sitesToSearch, maxResults)

	response := map[string]interface{}{
		"query":         query,
		"results":       results,
		"total_matches": len(results),
	}
	if siteKey != "" {
		response["site_key"] = siteKey
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// searchJSONL searches each site's pages.jsonl for matching content
func (s *Server) searchJSONL(query string, siteKeys []string, maxResults int) []map[string]interface{} {
	results := make([]map[string]interface{}, 0)
	queryLower := strings.ToLower(query)

	for _, siteKey := range siteKeys {
		jsonlPath := filepath.Join(crawler.SiteOutputDir(s.cfg.AppConfig.OutputBaseDir, siteKey), crawler.PagesFilename)

		file, err := os.Open(jsonlPath)
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // up to 10MB per line

		for scanner.Scan() {
			if len(results) >= maxResults {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var page crawler.PageRecord
			if err := json.Unmarshal([]byte(line), &page); err != nil {
				continue
			}

			matchLocation := ""
			if strings.Contains(strings.ToLower(page.Title), queryLower) {
				matchLocation = "title"
			} else if strings.Contains(strings.ToLower(page.Content), queryLower) {
				matchLocation = "content"
			}
			if matchLocation == "" {
				continue
			}
			results = append(results, map[string]interface{}{
				"url":            page.URL,
				"title":          page.Title,
				"snippet":        extractSnippet(page.Content, query, 150),
				"site_key":       siteKey,
				"match_location": matchLocation,
			})
		}
		file.Close()

		if len(results) >= maxResults {
			break
		}
	}
	return results
}

// getLastCrawledTime reads the end time of the site's last finished task
func (s *Server) getLastCrawledTime(siteKey string) time.Time {
	if s.cfg.AppConfig.OutputBaseDir == "" {
		return time.Time{}
	}
	data, err := os.ReadFile(filepath.Join(crawler.SiteOutputDir(s.cfg.AppConfig.OutputBaseDir, siteKey), crawler.MetadataFilename))
	if err != nil {
		return time.Time{}
	}
	var metadata crawler.CrawlMetadata
	if err := yaml.Unmarshal(data, &metadata); err != nil {
		return time.Time{}
	}
	return metadata.CrawlEndTime
}

// extractSnippet extracts a snippet around the query match, slicing on rune
// boundaries so multi-byte UTF-8 characters are never split.
func extractSnippet(content, query string, maxLen int) string {
	runes := []rune(content)
	queryRunes := []rune(strings.ToLower(query))
	contentLowerRunes := []rune(strings.ToLower(content))

	idx := -1
	if len(contentLowerRunes) == len(runes) {
		for i := 0; i <= len(contentLowerRunes)-len(queryRunes); i++ {
			if string(contentLowerRunes[i:i+len(queryRunes)]) == string(queryRunes) {
				idx = i
				break
			}
		}
	}

	if idx == -1 {
		if len(runes) > maxLen {
			return string(runes[:maxLen]) + "..."
		}
		return content
	}

	start := max(idx-maxLen/2, 0)
	end := min(idx+len(queryRunes)+maxLen/2, len(runes))

	snippet := string(runes[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet = snippet + "..."
	}
	return snippet
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
