package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crawlkit/taskcrawl/pkg/codematch"
	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Dedup backends accepted by AppConfig.DedupBackend.
const (
	DedupBloom  = "bloom"
	DedupBadger = "badger"
)

// SiteConfig holds configuration specific to a single website crawl
type SiteConfig struct {
	StartURLs               []string          `yaml:"start_urls"`
	AllowedDomain           string            `yaml:"allowed_domain,omitempty"` // Empty: learned from the first admitted URL
	AllowedPathPrefix       string            `yaml:"allowed_path_prefix,omitempty"`
	DisallowedPathPatterns  []string          `yaml:"disallowed_path_patterns,omitempty"` // Regex patterns for paths to exclude
	LinkExtractionSelectors []string          `yaml:"link_extraction_selectors,omitempty"`
	RespectNofollow         bool              `yaml:"respect_nofollow,omitempty"`
	MaxDepth                int               `yaml:"max_depth"`
	ContentSelector         string            `yaml:"content_selector,omitempty"`
	ExtractContent          *bool             `yaml:"extract_content,omitempty"`
	UserAgent               string            `yaml:"user_agent,omitempty"`
	Headers                 map[string]string `yaml:"headers,omitempty"`
	Priority                int               `yaml:"priority,omitempty"`
	AcceptCodes             string            `yaml:"accept_codes,omitempty"` // e.g. "200-299,304"
	SleepTime               *time.Duration    `yaml:"sleep_time,omitempty"`
	RetrySleepTime          *time.Duration    `yaml:"retry_sleep_time,omitempty"`
	CycleRetryTimes         *int              `yaml:"cycle_retry_times,omitempty"`
	SitemapURLs             []string          `yaml:"sitemap_urls,omitempty"`     // Extra seeds are read from these sitemaps
	MaxSitemapURLs          int               `yaml:"max_sitemap_urls,omitempty"` // 0 = unlimited
}

// AppConfig holds the global application configuration
type AppConfig struct {
	NumWorkers              int                   `yaml:"num_workers"`
	MaxRequests             int                   `yaml:"max_requests"`
	MaxRequestsPerHost      int                   `yaml:"max_requests_per_host"`
	RequestsPerSecond       float64               `yaml:"requests_per_second,omitempty"` // Per host; 0 = unlimited
	StateDir                string                `yaml:"state_dir"`
	OutputBaseDir           string                `yaml:"output_base_dir,omitempty"` // "" disables page output
	EnableTokenCounting     bool                  `yaml:"enable_token_counting,omitempty"`
	TokenizerEncoding       string                `yaml:"tokenizer_encoding,omitempty"` // e.g. "cl100k_base", "o200k_base"
	EnableChunking          bool                  `yaml:"enable_chunking,omitempty"`    // Also write chunks.jsonl
	ChunkMaxSize            int                   `yaml:"chunk_max_size,omitempty"`
	ChunkOverlap            int                   `yaml:"chunk_overlap,omitempty"`
	DedupBackend            string                `yaml:"dedup_backend,omitempty"`
	BloomExpectedURLs       uint                  `yaml:"bloom_expected_urls,omitempty"`
	BloomFalsePositiveRate  float64               `yaml:"bloom_fp_rate,omitempty"`
	DefaultUserAgent        string                `yaml:"default_user_agent"`
	DefaultSleepTime        time.Duration         `yaml:"default_sleep_time,omitempty"`
	DefaultRetrySleepTime   time.Duration         `yaml:"default_retry_sleep_time,omitempty"`
	DefaultCycleRetryTimes  int                   `yaml:"default_cycle_retry_times,omitempty"`
	DefaultAcceptCodes      string                `yaml:"default_accept_codes,omitempty"`
	MaxRetries              int                   `yaml:"max_retries,omitempty"`
	InitialRetryDelay       time.Duration         `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration         `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration         `yaml:"semaphore_acquire_timeout,omitempty"`
	GlobalCrawlTimeout      time.Duration         `yaml:"global_crawl_timeout,omitempty"`
	MaxPageSizeBytes        int64                 `yaml:"max_page_size_bytes,omitempty"`
	RespectRobots           *bool                 `yaml:"respect_robots,omitempty"`
	ProgressInterval        time.Duration         `yaml:"progress_interval,omitempty"`
	GCInterval              time.Duration         `yaml:"gc_interval,omitempty"`
	HTTPClientSettings      HTTPClientConfig      `yaml:"http_client_settings,omitempty"`
	Sites                   map[string]SiteConfig `yaml:"sites"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// Load reads and decodes a YAML configuration file. Defaults are not
// applied; call Validate on the result.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", utils.ErrConfigValidation, path, err)
	}
	return &cfg, nil
}

// RobotsEnabled reports whether robots.txt rules are enforced. Defaults to true.
func (c AppConfig) RobotsEnabled() bool {
	if c.RespectRobots != nil {
		return *c.RespectRobots
	}
	return true
}

// GetEffectiveUserAgent determines the user agent for a site
func GetEffectiveUserAgent(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.UserAgent != "" {
		return siteCfg.UserAgent
	}
	return appCfg.DefaultUserAgent
}

// GetEffectiveSleepTime determines the pause taken after a processed page
func GetEffectiveSleepTime(siteCfg SiteConfig, appCfg AppConfig) time.Duration {
	if siteCfg.SleepTime != nil {
		return *siteCfg.SleepTime
	}
	return appCfg.DefaultSleepTime
}

// GetEffectiveRetrySleepTime determines the pause taken after a failed page
func GetEffectiveRetrySleepTime(siteCfg SiteConfig, appCfg AppConfig) time.Duration {
	if siteCfg.RetrySleepTime != nil {
		return *siteCfg.RetrySleepTime
	}
	return appCfg.DefaultRetrySleepTime
}

// GetEffectiveCycleRetryTimes determines how often a failed page is resubmitted
func GetEffectiveCycleRetryTimes(siteCfg SiteConfig, appCfg AppConfig) int {
	if siteCfg.CycleRetryTimes != nil {
		return *siteCfg.CycleRetryTimes
	}
	return appCfg.DefaultCycleRetryTimes
}

// GetEffectiveAcceptCodes determines the status acceptance expression.
// Falls back to codematch.DefaultExpression when neither level sets one.
func GetEffectiveAcceptCodes(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.AcceptCodes != "" {
		return siteCfg.AcceptCodes
	}
	if appCfg.DefaultAcceptCodes != "" {
		return appCfg.DefaultAcceptCodes
	}
	return codematch.DefaultExpression
}

// GetEffectiveExtractContent determines whether page content is converted
// and published. Defaults to true.
func GetEffectiveExtractContent(siteCfg SiteConfig) bool {
	if siteCfg.ExtractContent != nil {
		return *siteCfg.ExtractContent
	}
	return true
}

// BuildSite resolves a site's effective crawl policy.
func BuildSite(siteCfg SiteConfig, appCfg AppConfig) (*models.Site, error) {
	matcher, err := codematch.Compile(GetEffectiveAcceptCodes(siteCfg, appCfg))
	if err != nil {
		return nil, err
	}
	site := models.NewSite(siteCfg.AllowedDomain)
	site.AcceptCodes = matcher
	site.SleepTime = GetEffectiveSleepTime(siteCfg, appCfg)
	site.RetrySleepTime = GetEffectiveRetrySleepTime(siteCfg, appCfg)
	site.CycleRetryTimes = GetEffectiveCycleRetryTimes(siteCfg, appCfg)
	site.UserAgent = GetEffectiveUserAgent(siteCfg, appCfg)
	if len(siteCfg.Headers) > 0 {
		site.Headers = make(map[string]string, len(siteCfg.Headers))
		for k, v := range siteCfg.Headers {
			site.Headers[k] = v
		}
	}
	return site, nil
}
