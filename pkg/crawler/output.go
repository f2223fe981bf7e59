package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/process"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

const (
	PagesFilename    = "pages.jsonl"
	ChunksFilename   = "chunks.jsonl"
	MetadataFilename = "metadata.yaml"
)

// PageRecord is one JSONL line per extracted page.
type PageRecord struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Selector    string   `json:"selector,omitempty"`
	Framework   string   `json:"framework,omitempty"`
	Headings    []string `json:"headings,omitempty"`
	Depth       int      `json:"depth"`
	ContentHash string   `json:"content_hash"`
	TokenCount  int      `json:"token_count,omitempty"`
	CrawledAt   string   `json:"crawled_at"`
}

// ChunkRecord is one JSONL line per chunk of a page's markdown.
type ChunkRecord struct {
	URL              string   `json:"url"`
	ChunkIndex       int      `json:"chunk_index"`
	Content          string   `json:"content"`
	HeadingHierarchy []string `json:"heading_hierarchy,omitempty"`
	TokenCount       int      `json:"token_count,omitempty"`
	PageTitle        string   `json:"page_title"`
	CrawledAt        string   `json:"crawled_at"`
}

// PageMetadata summarises one page in metadata.yaml.
type PageMetadata struct {
	URL         string    `yaml:"url"`
	Title       string    `yaml:"title"`
	Depth       int       `yaml:"depth"`
	ContentHash string    `yaml:"content_hash"`
	TokenCount  int       `yaml:"token_count,omitempty"`
	ChunkCount  int       `yaml:"chunk_count,omitempty"`
	ProcessedAt time.Time `yaml:"processed_at"`
}

// CrawlMetadata is written to metadata.yaml each time a task finishes.
type CrawlMetadata struct {
	TaskID          string         `yaml:"task_id"`
	SiteKey         string         `yaml:"site_key"`
	Domain          string         `yaml:"domain"`
	Outcome         string         `yaml:"outcome"`
	CrawlStartTime  time.Time      `yaml:"crawl_start_time"`
	CrawlEndTime    time.Time      `yaml:"crawl_end_time"`
	TotalPagesSaved int            `yaml:"total_pages_saved"`
	Pages           []PageMetadata `yaml:"pages"`
}

// taskOutput owns one task's output directory.
type taskOutput struct {
	siteKey   string
	domain    string
	dir       string
	started   time.Time
	jsonl     *os.File
	jsonlPath string
	chunks    *os.File
	pages     []PageMetadata
	opened    bool // Output files were opened once; later opens append
}

// SinkOption configures a ResultSink.
type SinkOption func(*ResultSink)

// WithTokenCounts adds a token count to each page. The tokenizer must be
// initialized with process.InitTokenizer, or counts are omitted.
func WithTokenCounts() SinkOption {
	return func(s *ResultSink) { s.countTokens = true }
}

// WithChunks also writes each page split into chunks to chunks.jsonl.
func WithChunks(cfg process.ChunkerConfig) SinkOption {
	return func(s *ResultSink) {
		s.chunking = true
		s.chunkCfg = cfg
	}
}

// ResultSink writes Extracted events to <base>/<site>/pages.jsonl and a
// metadata.yaml summary whenever a task finishes.
type ResultSink struct {
	baseDir     string
	resume      bool
	log         *logrus.Entry
	countTokens bool
	chunking    bool
	chunkCfg    process.ChunkerConfig

	mu    sync.Mutex
	tasks map[string]*taskOutput
}

// NewResultSink creates a sink rooted at baseDir. With resume, existing
// pages.jsonl files are appended to instead of truncated.
func NewResultSink(baseDir string, resume bool, log *logrus.Entry, opts ...SinkOption) *ResultSink {
	s := &ResultSink{
		baseDir: baseDir,
		resume:  resume,
		log:     log.WithField("component", "output"),
		tasks:   make(map[string]*taskOutput),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func siteDirName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "site"
	}
	return name
}

// SiteOutputDir returns where a site's pages and metadata are written.
func SiteOutputDir(baseDir, siteKey string) string {
	return filepath.Join(baseDir, siteDirName(siteKey))
}

// Handle implements events.Handler.
func (s *ResultSink) Handle(ev events.Event) error {
	if ev.Task == nil {
		return nil
	}
	switch {
	case ev.Kind == events.Extracted:
		return s.record(ev)
	case ev.Kind.Terminal():
		return s.finish(ev.Task.ID, ev.Kind.String())
	}
	return nil
}

func (s *ResultSink) output(ev events.Event) *taskOutput {
	out, ok := s.tasks[ev.Task.ID]
	if !ok {
		out = &taskOutput{
			siteKey: ev.Task.Name,
			dir:     SiteOutputDir(s.baseDir, ev.Task.Name),
			started: ev.Task.CreatedAt,
		}
		s.tasks[ev.Task.ID] = out
	}
	out.domain = ev.Task.Site.Domain()
	return out
}

func (s *ResultSink) record(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.output(ev)
	if err := s.open(out); err != nil {
		return err
	}

	markdown := ev.Data["markdown"]
	now := time.Now()
	rec := PageRecord{
		URL:         ev.Data["url"],
		Title:       ev.Data["title"],
		Content:     markdown,
		Selector:    ev.Data["selector"],
		Framework:   ev.Data["framework"],
		Headings:    process.ExtractHeadings([]byte(markdown)),
		Depth:       ev.Request.Depth,
		ContentHash: utils.FingerprintString(markdown),
		CrawledAt:   now.Format(time.RFC3339),
	}
	if s.countTokens {
		if n := process.CountTokens(markdown); n >= 0 {
			rec.TokenCount = n
		}
	}
	if err := writeJSONLine(out.jsonl, rec); err != nil {
		return fmt.Errorf("writing to '%s': %w", out.jsonlPath, err)
	}

	meta := PageMetadata{
		URL:         rec.URL,
		Title:       rec.Title,
		Depth:       rec.Depth,
		ContentHash: rec.ContentHash,
		TokenCount:  rec.TokenCount,
		ProcessedAt: now,
	}
	if s.chunking {
		meta.ChunkCount = s.writeChunks(out, rec)
	}
	out.pages = append(out.pages, meta)
	return nil
}

// open opens the task's output files on its first page.
func (s *ResultSink) open(out *taskOutput) error {
	if out.jsonl != nil {
		return nil
	}
	if err := os.MkdirAll(out.dir, 0755); err != nil {
		return fmt.Errorf("creating output dir '%s': %w", out.dir, err)
	}
	appendMode := s.resume || out.opened
	path := filepath.Join(out.dir, PagesFilename)
	file := openOutputFile(s.log, path, appendMode)
	if file == nil {
		return fmt.Errorf("output file '%s' unavailable", path)
	}
	out.jsonl, out.jsonlPath, out.opened = file, path, true

	if s.chunking {
		// Pages are still written without a chunks file.
		out.chunks = openOutputFile(s.log, filepath.Join(out.dir, ChunksFilename), appendMode)
	}
	return nil
}

// writeChunks appends rec's chunks to chunks.jsonl and returns how many were
// written. Failures are logged; the page record stands on its own.
func (s *ResultSink) writeChunks(out *taskOutput, rec PageRecord) int {
	if out.chunks == nil {
		return 0
	}
	logger := s.log.WithField("url", rec.URL)
	chunks, err := process.ChunkMarkdown(rec.Content, s.chunkCfg)
	if err != nil {
		logger.Warnf("Failed to chunk markdown content: %v", err)
		return 0
	}
	for i, chunk := range chunks {
		line := ChunkRecord{
			URL:              rec.URL,
			ChunkIndex:       i,
			Content:          chunk.Content,
			HeadingHierarchy: chunk.HeadingHierarchy,
			PageTitle:        rec.Title,
			CrawledAt:        rec.CrawledAt,
		}
		if chunk.TokenCount >= 0 {
			line.TokenCount = chunk.TokenCount
		}
		if err := writeJSONLine(out.chunks, line); err != nil {
			logger.Errorf("Failed to write chunk %d: %v", i, err)
			return i
		}
	}
	logger.Debugf("Wrote %d chunks for page", len(chunks))
	return len(chunks)
}

func writeJSONLine(w *os.File, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}
	_, err = w.Write(append(line, '\n'))
	return err
}

// openOutputFile opens path for writing, appending or truncating.
// Returns nil on error.
func openOutputFile(log *logrus.Entry, path string, appendMode bool) *os.File {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		log.Infof("Truncating output file: %s", path)
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		log.Errorf("Failed to open/create output file '%s': %v", path, err)
		return nil
	}
	return file
}

func (s *ResultSink) finish(taskID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	s.closeJSONL(out)
	return s.writeMetadata(taskID, out, outcome)
}

func (s *ResultSink) closeJSONL(out *taskOutput) {
	s.closeFile(out.jsonl)
	s.closeFile(out.chunks)
	out.jsonl, out.chunks = nil, nil
}

func (s *ResultSink) closeFile(f *os.File) {
	if f == nil {
		return
	}
	if err := f.Sync(); err != nil {
		s.log.Errorf("Error syncing output file '%s': %v", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		s.log.Errorf("Error closing output file '%s': %v", f.Name(), err)
	}
}

func (s *ResultSink) writeMetadata(taskID string, out *taskOutput, outcome string) error {
	if err := os.MkdirAll(out.dir, 0755); err != nil {
		return fmt.Errorf("creating output dir '%s': %w", out.dir, err)
	}
	pages := make([]PageMetadata, len(out.pages))
	copy(pages, out.pages)

	meta := CrawlMetadata{
		TaskID:          taskID,
		SiteKey:         out.siteKey,
		Domain:          out.domain,
		Outcome:         outcome,
		CrawlStartTime:  out.started,
		CrawlEndTime:    time.Now(),
		TotalPagesSaved: len(pages),
		Pages:           pages,
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("failed to marshal crawl metadata for site '%s': %w", out.siteKey, err)
	}
	path := filepath.Join(out.dir, MetadataFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata file '%s': %w", path, err)
	}
	s.log.Infof("Wrote crawl metadata (%d pages) to %s", meta.TotalPagesSaved, path)
	return nil
}

// PagesSaved returns how many pages were recorded for taskID.
func (s *ResultSink) PagesSaved(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out, ok := s.tasks[taskID]; ok {
		return len(out.pages)
	}
	return 0
}

// Forget closes and drops whatever the sink holds for taskID. Files
// already written are kept.
func (s *ResultSink) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out, ok := s.tasks[taskID]; ok {
		s.closeJSONL(out)
		delete(s.tasks, taskID)
	}
}

// Close closes every open output file.
func (s *ResultSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range s.tasks {
		s.closeJSONL(out)
	}
	return nil
}
