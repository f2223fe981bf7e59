package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/taskcrawl/pkg/crawler"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func TestDoValidate_AllSites(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  site_a:
    start_urls: ["http://a.com"]
    allowed_domain: "a.com"
    content_selector: "main"
  site_b:
    start_urls: ["http://b.com"]
    content_selector: "article"
    accept_codes: "200-299,304"
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "", &stdout, &stderr)

	assert.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: [site_a]")
	assert.Contains(t, stdout.String(), "OK: [site_b]")
	assert.Contains(t, stdout.String(), "Configuration valid")
}

func TestDoValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		site    string
		want    string
	}{
		{
			name: "site not found",
			content: `
sites:
  existing:
    start_urls: ["http://example.com"]
`,
			site: "nonexistent",
			want: "not found",
		},
		{
			name: "no start urls",
			content: `
sites:
  bad_site:
    start_urls: []
`,
			site: "bad_site",
			want: "ERROR: [bad_site]",
		},
		{
			name: "bad accept codes",
			content: `
sites:
  bad_codes:
    start_urls: ["http://example.com"]
    accept_codes: "2xx"
`,
			want: "ERROR: [bad_codes]",
		},
		{
			name: "bad dedup backend",
			content: `
dedup_backend: "redis"
sites:
  ok:
    start_urls: ["http://example.com"]
`,
			want: "dedup_backend",
		},
		{
			name:    "invalid yaml",
			content: "{{invalid yaml",
			want:    "Error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			exitCode := doValidate(writeConfig(t, tt.content), tt.site, &stdout, &stderr)
			assert.Equal(t, 1, exitCode)
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestDoValidate_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate("/nonexistent.yaml", "", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error")
}

func TestDoListSites(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  alpha:
    start_urls: ["http://alpha.com", "http://alpha.com/docs"]
    allowed_domain: "alpha.com"
    allowed_path_prefix: "/docs"
    priority: 5
  beta:
    start_urls: ["http://beta.com"]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doListSites(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	out := stdout.String()
	assert.Contains(t, out, "Domain: alpha.com")
	assert.Contains(t, out, "Start URLs: 2")
	assert.Contains(t, out, "Path Prefix: /docs")
	assert.Contains(t, out, "Priority: 5")
	assert.Contains(t, out, "Domain: (from first start URL)")
	assert.Less(t, bytes.Index(stdout.Bytes(), []byte("alpha")), bytes.Index(stdout.Bytes(), []byte("beta")))
}

func TestDoListSites_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doListSites("/nonexistent.yaml", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error")
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)

	out := buf.String()
	for _, cmd := range []string{"crawl", "resume", "validate", "list-sites", "watch", "mcp-server", "version"} {
		assert.Contains(t, out, cmd)
	}
}

func TestSplitSiteKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitSiteKeys(" a, ,b,"))
	assert.Nil(t, splitSiteKeys(""))
}

func docsServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/":      `<a href="/guide">Guide</a><a href="/api">API</a>`,
		"/guide": `<a href="/">Home</a>`,
		"/api":   `<a href="/guide">Guide</a>`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><head><title>%s</title></head><body><main>%s</main></body></html>", r.URL.Path, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDoCrawl_WritesOutput(t *testing.T) {
	srv := docsServer(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf(`
num_workers: 2
state_dir: %q
respect_robots: false
initial_retry_delay: 1ms
sites:
  local:
    start_urls: [%q]
    content_selector: "main"
`, filepath.Join(dir, "state"), srv.URL+"/"))

	var stderr bytes.Buffer
	exitCode := doCrawl(crawlOptions{
		configPath: cfgPath,
		siteKeys:   []string{"local"},
		logLevel:   "warn",
		logFormat:  "text",
		outputDir:  filepath.Join(dir, "out"),
	}, nil, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	siteDir := crawler.SiteOutputDir(filepath.Join(dir, "out"), "local")
	assert.FileExists(t, filepath.Join(siteDir, crawler.PagesFilename))
	assert.FileExists(t, filepath.Join(siteDir, crawler.MetadataFilename))
	assert.DirExists(t, filepath.Join(dir, "state"))
}

func TestDoCrawl_TokenCountsAndChunks(t *testing.T) {
	srv := docsServer(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf(`
num_workers: 2
state_dir: %q
respect_robots: false
initial_retry_delay: 1ms
enable_token_counting: true
enable_chunking: true
chunk_max_size: 64
sites:
  local:
    start_urls: [%q]
    content_selector: "main"
`, filepath.Join(dir, "state"), srv.URL+"/"))

	var stderr bytes.Buffer
	exitCode := doCrawl(crawlOptions{
		configPath: cfgPath,
		siteKeys:   []string{"local"},
		logLevel:   "warn",
		logFormat:  "text",
		outputDir:  filepath.Join(dir, "out"),
	}, nil, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())

	siteDir := crawler.SiteOutputDir(filepath.Join(dir, "out"), "local")
	f, err := os.Open(filepath.Join(siteDir, crawler.PagesFilename))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	pages := 0
	for sc.Scan() {
		var rec crawler.PageRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		assert.Positive(t, rec.TokenCount, rec.URL)
		pages++
	}
	assert.Equal(t, 3, pages)

	chunks, err := os.ReadFile(filepath.Join(siteDir, crawler.ChunksFilename))
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestDoCrawl_Errors(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  ok:
    start_urls: ["http://example.com"]
`)
	tests := []struct {
		name string
		opts crawlOptions
		want string
	}{
		{"bad log level", crawlOptions{configPath: cfgPath, siteKeys: []string{"ok"}, logLevel: "loud"}, "invalid log level"},
		{"missing config", crawlOptions{configPath: "/nonexistent.yaml", siteKeys: []string{"ok"}, logLevel: "info"}, "Config error"},
		{"unknown site", crawlOptions{configPath: cfgPath, siteKeys: []string{"nope"}, logLevel: "info"}, "Invalid site keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, 1, doCrawl(tt.opts, nil, &stderr))
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestDoMcpServer_Errors(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 1, doMcpServer("config.yaml", "grpc", 0, "info", &stderr))
	assert.Contains(t, stderr.String(), "Unknown transport")

	stderr.Reset()
	assert.Equal(t, 1, doMcpServer("/nonexistent.yaml", "stdio", 0, "info", &stderr))
	assert.Contains(t, stderr.String(), "Error loading config")

	stderr.Reset()
	assert.Equal(t, 1, doMcpServer(writeConfig(t, "sites: {}\n"), "stdio", 0, "info", &stderr))
	assert.Contains(t, stderr.String(), "no sites configured")
}

func TestDoWatch_OnceSkipsRecentSites(t *testing.T) {
	srv := docsServer(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf(`
num_workers: 2
state_dir: %q
respect_robots: false
initial_retry_delay: 1ms
sites:
  local:
    start_urls: [%q]
    content_selector: "main"
`, filepath.Join(dir, "state"), srv.URL+"/"))
	opts := watchOptions{
		configPath: cfgPath,
		siteKeys:   []string{"local"},
		interval:   "1h",
		once:       true,
		logLevel:   "warn",
		logFormat:  "text",
		outputDir:  filepath.Join(dir, "out"),
	}

	var stderr bytes.Buffer
	require.Equal(t, 0, doWatch(context.Background(), opts, &stderr), stderr.String())
	assert.FileExists(t, filepath.Join(dir, "state", "watch_state.json"))
	pagesPath := filepath.Join(crawler.SiteOutputDir(filepath.Join(dir, "out"), "local"), crawler.PagesFilename)
	before, err := os.Stat(pagesPath)
	require.NoError(t, err)

	// Within the interval nothing is due, so the output is untouched.
	require.Equal(t, 0, doWatch(context.Background(), opts, &stderr), stderr.String())
	after, err := os.Stat(pagesPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestDoWatch_Errors(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  ok:
    start_urls: ["http://example.com"]
`)
	tests := []struct {
		name string
		opts watchOptions
		want string
	}{
		{"bad interval", watchOptions{configPath: cfgPath, siteKeys: []string{"ok"}, interval: "soon", logLevel: "info"}, "Invalid interval"},
		{"unknown site", watchOptions{configPath: cfgPath, siteKeys: []string{"nope"}, interval: "1h", logLevel: "info"}, "Invalid site keys"},
		{"missing config", watchOptions{configPath: "/nonexistent.yaml", siteKeys: []string{"ok"}, interval: "1h", logLevel: "info"}, "Config error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, 1, doWatch(context.Background(), tt.opts, &stderr))
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}
