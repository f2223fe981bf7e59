package models

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlkit/taskcrawl/pkg/codematch"
)

// Site holds the per-site crawl policy shared by every request of a task.
type Site struct {
	AcceptCodes     *codematch.Matcher // Compiled acceptance expression; nil accepts 2xx only
	SleepTime       time.Duration      // Pause after a normally processed page
	RetrySleepTime  time.Duration      // Pause after a failed page is resubmitted or dropped
	CycleRetryTimes int                // 0 disables cycle retry
	UserAgent       string
	Headers         map[string]string

	mu     sync.RWMutex
	domain string
}

// NewSite returns a Site bound to domain, which may be empty and filled later.
func NewSite(domain string) *Site {
	return &Site{domain: domain}
}

// Domain returns the site's domain, or "" if not yet known.
func (s *Site) Domain() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domain
}

// SetDomainIfEmpty records host as the site's domain if none is set yet.
// Returns true if this call set it.
func (s *Site) SetDomainIfEmpty(host string) bool {
	if host == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domain != "" {
		return false
	}
	s.domain = host
	return true
}

// Accepts reports whether code counts as a successful response for this site.
func (s *Site) Accepts(code int) bool {
	if s.AcceptCodes == nil {
		return code >= 200 && code < 300
	}
	return s.AcceptCodes.Match(code)
}

// Task is one crawl job. Its ID is stable for the task's lifetime.
type Task struct {
	ID        string
	Name      string // Config key of the site being crawled
	Site      *Site
	CreatedAt time.Time
}

// NewTask creates a task with a fresh random ID.
func NewTask(name string, site *Site) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Name:      name,
		Site:      site,
		CreatedAt: time.Now(),
	}
}

// Request is an immutable description of one fetch.
// RetryCount of 0 means no retry bookkeeping is present.
type Request struct {
	URL        string
	Method     string
	Priority   int
	Depth      int
	RetryCount int
}

// NewRequest returns a GET request for rawURL at depth 0.
func NewRequest(rawURL string) Request {
	return Request{URL: rawURL, Method: http.MethodGet}
}

// WithRetry returns a copy of r carrying retry counter n.
func (r Request) WithRetry(n int) Request {
	r.RetryCount = n
	return r
}

// Child returns a GET request for a link discovered on r's page.
func (r Request) Child(rawURL string) Request {
	return Request{
		URL:      rawURL,
		Method:   http.MethodGet,
		Priority: r.Priority,
		Depth:    r.Depth + 1,
	}
}

// IsPost reports whether the request uses the POST method.
func (r Request) IsPost() bool {
	return strings.EqualFold(r.Method, http.MethodPost)
}

// Page is the outcome of downloading a Request. Never mutated after creation.
type Page struct {
	Request     Request
	FinalURL    string
	StatusCode  int
	Success     bool // Transport-level success; status acceptance is decided separately
	Body        []byte
	ContentType string
	Fingerprint uint64
	Err         error
	FetchedAt   time.Time
}

// Seed is a unit of work parked while its task is paused.
// Page is nil for work that was never downloaded.
type Seed struct {
	Task    *Task
	Request Request
	Page    *Page
}

// PageDBEntry stores the result of processing a page URL in the database
type PageDBEntry struct {
	Status      PageStatus `json:"status"`
	StatusCode  int        `json:"status_code,omitempty"`
	ErrorType   string     `json:"error_type,omitempty"` // Error category (on failure)
	Depth       int        `json:"depth"`
	RetryCount  int        `json:"retry_count,omitempty"`
	ContentHash string     `json:"content_hash,omitempty"`
	LastAttempt time.Time  `json:"last_attempt"`
}
