package process

import (
	"context"
	"io"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

const linksPage = `<html><head><title>Docs Home</title></head><body>
<nav><a href="/docs/nav">Nav</a></nav>
<main>
  <a href="/docs/intro">Intro</a>
  <a href="guide#install">Guide</a>
  <a href="/docs/intro#again">Intro again</a>
  <a href="https://other.example.com/docs/x">Offsite</a>
  <a href="/blog/post">Blog</a>
  <a href="/docs/private/keys">Private</a>
  <a href="/docs/sponsored" rel="sponsored nofollow">Sponsor</a>
  <a href="mailto:team@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="#top">Top</a>
</main></body></html>`

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestLinkProcessor_Extract(t *testing.T) {
	lp := NewLinkProcessor(testLogger())
	base, _ := url.Parse("https://docs.example.com/docs/")

	rules := Rules{
		LinkSelectors:   []string{"main"},
		PathPrefix:      "/docs",
		Disallowed:      []*regexp.Regexp{regexp.MustCompile(`/private/`)},
		RespectNofollow: true,
	}
	links := lp.Extract(mustDoc(t, linksPage), base, "docs.example.com", 0, rules)

	assert.Equal(t, []string{
		"https://docs.example.com/docs/intro",
		"https://docs.example.com/docs/guide",
	}, links)
}

func TestLinkProcessor_ScopeVariants(t *testing.T) {
	lp := NewLinkProcessor(testLogger())
	base, _ := url.Parse("https://docs.example.com/docs/")
	doc := mustDoc(t, linksPage)

	t.Run("body selector includes nav and nofollow when not respected", func(t *testing.T) {
		rules := Rules{LinkSelectors: []string{"body"}, PathPrefix: "/"}
		links := lp.Extract(doc, base, "docs.example.com", 0, rules)
		assert.Contains(t, links, "https://docs.example.com/docs/nav")
		assert.Contains(t, links, "https://docs.example.com/docs/sponsored")
		assert.Contains(t, links, "https://docs.example.com/blog/post")
		assert.NotContains(t, links, "https://other.example.com/docs/x")
	})

	t.Run("empty domain uses page host", func(t *testing.T) {
		links := lp.Extract(doc, base, "", 0, DefaultRules())
		assert.NotEmpty(t, links)
		for _, l := range links {
			assert.True(t, strings.HasPrefix(l, "https://docs.example.com/"), l)
		}
	})

	t.Run("max depth stops extraction", func(t *testing.T) {
		rules := DefaultRules()
		rules.MaxDepth = 2
		assert.NotEmpty(t, lp.Extract(doc, base, "", 1, rules))
		assert.Empty(t, lp.Extract(doc, base, "", 2, rules))
	})
}

func TestRules_InScope(t *testing.T) {
	rules := Rules{PathPrefix: "/docs", Disallowed: []*regexp.Regexp{regexp.MustCompile(`\.pdf$`)}}
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/docs/intro", true},
		{"https://EXAMPLE.com/docs", true},
		{"https://example.com/blog", false},
		{"https://other.com/docs/intro", false},
		{"https://example.com/docs/manual.pdf", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, rules.InScope(tt.url, "example.com"))
		})
	}
	assert.True(t, DefaultRules().InScope("http://example.com", "example.com"), "empty path is the root")
}

func TestRulesFromConfig(t *testing.T) {
	off := false
	r, err := RulesFromConfig(config.SiteConfig{
		DisallowedPathPatterns: []string{`\.pdf$`},
		ContentSelector:        "article",
		MaxDepth:               3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"body"}, r.LinkSelectors)
	assert.Equal(t, "/", r.PathPrefix)
	assert.Len(t, r.Disallowed, 1)
	assert.Equal(t, "article", r.ContentSelector)
	assert.Equal(t, 3, r.MaxDepth)

	r, err = RulesFromConfig(config.SiteConfig{ContentSelector: "article", ExtractContent: &off})
	require.NoError(t, err)
	assert.Empty(t, r.ContentSelector)

	_, err = RulesFromConfig(config.SiteConfig{DisallowedPathPatterns: []string{"("}})
	assert.Error(t, err)
}

func TestContentProcessor_Extract(t *testing.T) {
	cp := NewContentProcessor(testLogger())
	pageURL, _ := url.Parse("https://docs.example.com/docs/intro")
	html := `<html><head><title>Intro</title></head><body>
<div class="sidebar">menu</div>
<article><h1>Introduction<a class="headerlink" href="#introduction">¶</a></h1>
<p>Hello <strong>world</strong>.</p></article></body></html>`

	ex, err := cp.Extract(mustDoc(t, html), pageURL, "article")
	require.NoError(t, err)
	assert.Equal(t, "Intro", ex.Title)
	assert.Contains(t, ex.Markdown, "# Introduction")
	assert.Contains(t, ex.Markdown, "**world**")
	assert.NotContains(t, ex.Markdown, "¶")
	assert.NotContains(t, ex.Markdown, "menu")

	_, err = cp.Extract(mustDoc(t, html), pageURL, "section.missing")
	assert.Error(t, err)
}

func TestContentProcessor_AutoDetect(t *testing.T) {
	cp := NewContentProcessor(testLogger())
	pageURL, _ := url.Parse("https://mk.example.com/")
	html := `<html><body><div class="md-content"><article class="md-content__inner"><h2>Usage</h2><p>Run it.</p></article></div>
<footer>footer text</footer></body></html>`

	ex, err := cp.Extract(mustDoc(t, html), pageURL, "auto")
	require.NoError(t, err)
	assert.Equal(t, "mkdocs", string(ex.Framework))
	assert.Contains(t, ex.Markdown, "Usage")
	assert.NotContains(t, ex.Markdown, "footer text")
	assert.Equal(t, "Untitled Page", ex.Title)
}

func TestPipeline_Process(t *testing.T) {
	bus := events.NewBus(testLogger())
	var (
		mu        sync.Mutex
		extracted []events.Event
	)
	bus.Subscribe(func(ev events.Event) error {
		if ev.Kind == events.Extracted {
			mu.Lock()
			extracted = append(extracted, ev)
			mu.Unlock()
		}
		return nil
	})

	p := NewPipeline(bus, testLogger())
	task := models.NewTask("docs", models.NewSite("docs.example.com"))
	req := models.NewRequest("https://docs.example.com/docs/")
	page := &models.Page{
		Request:     req,
		FinalURL:    req.URL,
		StatusCode:  200,
		Success:     true,
		Body:        []byte(linksPage),
		ContentType: "text/html; charset=utf-8",
	}

	// Default rules: links only, no content.
	links := p.Process(context.Background(), task, page)
	assert.Contains(t, links, "https://docs.example.com/docs/intro")
	assert.Empty(t, extracted)

	p.Bind(task.ID, Rules{LinkSelectors: []string{"main"}, PathPrefix: "/docs", ContentSelector: "main"})
	links = p.Process(context.Background(), task, page)
	assert.NotContains(t, links, "https://docs.example.com/docs/nav")
	require.Len(t, extracted, 1)
	assert.Equal(t, "Docs Home", extracted[0].Data["title"])
	assert.Contains(t, extracted[0].Data["markdown"], "Intro")
	assert.Equal(t, task, extracted[0].Task)

	p.Unbind(task.ID)
	links = p.Process(context.Background(), task, page)
	assert.Contains(t, links, "https://docs.example.com/docs/nav")
}

func TestPipeline_NonHTMLAndEmpty(t *testing.T) {
	p := NewPipeline(events.NewBus(testLogger()), testLogger())
	task := models.NewTask("docs", models.NewSite(""))
	req := models.NewRequest("https://docs.example.com/file.pdf")

	assert.Empty(t, p.Process(context.Background(), task, &models.Page{Request: req, Body: []byte("%PDF"), ContentType: "application/pdf"}))
	assert.Empty(t, p.Process(context.Background(), task, &models.Page{Request: req}))
	assert.Empty(t, p.Process(context.Background(), task, &models.Page{Request: req, Body: []byte("not <html at all")}))
}
