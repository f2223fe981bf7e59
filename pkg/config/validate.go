package config

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/crawlkit/taskcrawl/pkg/codematch"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 10")
		c.MaxRequests = 10
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}

	if c.RequestsPerSecond < 0 {
		warnings = append(warnings, "requests_per_second cannot be negative, disabling rate limit")
		c.RequestsPerSecond = 0
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawler_state'")
		c.StateDir = "./crawler_state"
	}

	// Dedup backend
	switch c.DedupBackend {
	case "":
		c.DedupBackend = DedupBloom
	case DedupBloom, DedupBadger:
	default:
		return warnings, fmt.Errorf("%w: dedup_backend must be %q or %q, got %q",
			utils.ErrConfigValidation, DedupBloom, DedupBadger, c.DedupBackend)
	}
	if c.BloomExpectedURLs == 0 {
		c.BloomExpectedURLs = 100000
	}
	if c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1 {
		if c.BloomFalsePositiveRate != 0 {
			warnings = append(warnings, fmt.Sprintf(
				"bloom_fp_rate %v outside (0,1), defaulting to 0.001", c.BloomFalsePositiveRate))
		}
		c.BloomFalsePositiveRate = 0.001
	}

	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = "taskcrawl/1.0"
	}

	// Pacing
	if c.DefaultSleepTime < 0 {
		warnings = append(warnings, "default_sleep_time cannot be negative, setting to 0")
		c.DefaultSleepTime = 0
	}
	if c.DefaultRetrySleepTime < 0 {
		warnings = append(warnings, "default_retry_sleep_time cannot be negative, setting to 0")
		c.DefaultRetrySleepTime = 0
	}
	if c.DefaultCycleRetryTimes < 0 {
		warnings = append(warnings, "default_cycle_retry_times cannot be negative, disabling cycle retry")
		c.DefaultCycleRetryTimes = 0
	}

	if c.DefaultAcceptCodes != "" {
		if _, err := codematch.Compile(c.DefaultAcceptCodes); err != nil {
			return warnings, fmt.Errorf("%w: default_accept_codes: %w", utils.ErrConfigValidation, err)
		}
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}

	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	if c.MaxPageSizeBytes < 0 {
		warnings = append(warnings, "max_page_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxPageSizeBytes = 0
	} else if c.MaxPageSizeBytes == 0 {
		c.MaxPageSizeBytes = 10 << 20
	}

	// Output enrichment
	if c.TokenizerEncoding == "" {
		c.TokenizerEncoding = "cl100k_base"
	}
	if c.ChunkMaxSize <= 0 {
		c.ChunkMaxSize = 512
	}
	if c.ChunkOverlap < 0 {
		warnings = append(warnings, "chunk_overlap cannot be negative, setting to 0")
		c.ChunkOverlap = 0
	} else if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 50
	}
	if c.ChunkOverlap >= c.ChunkMaxSize {
		warnings = append(warnings, fmt.Sprintf(
			"chunk_overlap (%d) >= chunk_max_size (%d), setting to %d",
			c.ChunkOverlap, c.ChunkMaxSize, c.ChunkMaxSize/10))
		c.ChunkOverlap = c.ChunkMaxSize / 10
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 10 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Minute
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.MaxRequestsPerHost
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// ValidateSites validates every configured site in name order, replacing
// each entry with its normalized form. Warnings are prefixed with the site
// name. The first fatal error stops validation.
func (c *AppConfig) ValidateSites() (warnings []string, err error) {
	if len(c.Sites) == 0 {
		return nil, fmt.Errorf("%w: no sites configured", utils.ErrConfigValidation)
	}
	names := make([]string, 0, len(c.Sites))
	for name := range c.Sites {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		site := c.Sites[name]
		siteWarnings, siteErr := site.Validate()
		for _, w := range siteWarnings {
			warnings = append(warnings, fmt.Sprintf("site '%s': %s", name, w))
		}
		if siteErr != nil {
			return warnings, fmt.Errorf("site '%s': %w", name, siteErr)
		}
		c.Sites[name] = site
	}
	return warnings, nil
}

// Validate checks SiteConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place (e.g., path prefix normalization).
func (c *SiteConfig) Validate() (warnings []string, err error) {
	// Required: StartURLs
	if len(c.StartURLs) == 0 {
		return nil, fmt.Errorf("%w: site has no start_urls", utils.ErrConfigValidation)
	}
	for _, raw := range c.StartURLs {
		u, parseErr := url.Parse(raw)
		if parseErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid start url %q", utils.ErrConfigValidation, raw)
		}
	}

	for _, raw := range c.SitemapURLs {
		u, parseErr := url.Parse(raw)
		if parseErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid sitemap url %q", utils.ErrConfigValidation, raw)
		}
	}
	if c.MaxSitemapURLs < 0 {
		warnings = append(warnings, "Site max_sitemap_urls cannot be negative, setting to 0 (unlimited)")
		c.MaxSitemapURLs = 0
	}

	// AllowedPathPrefix normalization
	if c.AllowedPathPrefix == "" {
		c.AllowedPathPrefix = "/"
	} else if c.AllowedPathPrefix[0] != '/' {
		c.AllowedPathPrefix = "/" + c.AllowedPathPrefix
	}

	if _, err := utils.CompileRegexPatterns(c.DisallowedPathPatterns); err != nil {
		return nil, err
	}

	if c.AcceptCodes != "" {
		if _, err := codematch.Compile(c.AcceptCodes); err != nil {
			return nil, fmt.Errorf("%w: accept_codes: %w", utils.ErrConfigValidation, err)
		}
	}

	if c.MaxDepth < 0 {
		warnings = append(warnings, "Site MaxDepth cannot be negative, setting to 0 (unlimited)")
		c.MaxDepth = 0
	}

	if c.CycleRetryTimes != nil && *c.CycleRetryTimes < 0 {
		warnings = append(warnings, "Site cycle_retry_times cannot be negative, setting to 0 (disabled)")
		zero := 0
		c.CycleRetryTimes = &zero
	}
	if c.SleepTime != nil && *c.SleepTime < 0 {
		warnings = append(warnings, "Site sleep_time cannot be negative, setting to 0")
		zero := time.Duration(0)
		c.SleepTime = &zero
	}
	if c.RetrySleepTime != nil && *c.RetrySleepTime < 0 {
		warnings = append(warnings, "Site retry_sleep_time cannot be negative, setting to 0")
		zero := time.Duration(0)
		c.RetrySleepTime = &zero
	}

	if len(c.LinkExtractionSelectors) == 0 {
		c.LinkExtractionSelectors = []string{"body"}
	}
	if c.ContentSelector == "" && GetEffectiveExtractContent(*c) {
		warnings = append(warnings, "Site content_selector is empty, using 'body'")
		c.ContentSelector = "body"
	}

	return warnings, nil
}
