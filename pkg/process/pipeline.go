// Package process turns downloaded pages into follow-up links and extracted
// content.
package process

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/scheduler"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

var _ scheduler.PageProcessor = (*Pipeline)(nil)

// Pipeline parses a page once, publishes its extracted content and returns
// its in-scope links. Tasks without bound rules use DefaultRules.
type Pipeline struct {
	links   *LinkProcessor
	content *ContentProcessor
	bus     *events.Bus
	log     *logrus.Entry

	mu    sync.RWMutex
	rules map[string]Rules
}

// NewPipeline creates a Pipeline publishing Extracted events on bus.
func NewPipeline(bus *events.Bus, log *logrus.Entry) *Pipeline {
	return &Pipeline{
		links:   NewLinkProcessor(log),
		content: NewContentProcessor(log),
		bus:     bus,
		log:     log.WithField("component", "pipeline"),
		rules:   make(map[string]Rules),
	}
}

// Bind sets the rules used for taskID's pages.
func (p *Pipeline) Bind(taskID string, r Rules) {
	p.mu.Lock()
	p.rules[taskID] = r
	p.mu.Unlock()
}

// Unbind drops taskID's rules.
func (p *Pipeline) Unbind(taskID string) {
	p.mu.Lock()
	delete(p.rules, taskID)
	p.mu.Unlock()
}

func (p *Pipeline) rulesFor(taskID string) Rules {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.rules[taskID]; ok {
		return r
	}
	return DefaultRules()
}

func isHTML(contentType string) bool {
	return contentType == "" || strings.Contains(strings.ToLower(contentType), "html")
}

// Process implements scheduler.PageProcessor. Non-HTML and malformed pages
// yield no links.
func (p *Pipeline) Process(_ context.Context, task *models.Task, page *models.Page) []string {
	logger := p.log.WithFields(logrus.Fields{"task_id": task.ID, "url": page.Request.URL})
	if len(page.Body) == 0 || !isHTML(page.ContentType) {
		logger.Debugf("Skipping non-HTML page (%q)", page.ContentType)
		return nil
	}

	rawBase := page.FinalURL
	if rawBase == "" {
		rawBase = page.Request.URL
	}
	base, err := url.Parse(rawBase)
	if err != nil {
		logger.Warnf("Bad page URL: %v", err)
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		logger.Warnf("Cannot parse HTML: %v", err)
		return nil
	}

	rules := p.rulesFor(task.ID)
	if rules.ContentSelector != "" {
		p.extractContent(task, page, doc, base, rules.ContentSelector, logger)
	}
	return p.links.Extract(doc, base, task.Site.Domain(), page.Request.Depth, rules)
}

func (p *Pipeline) extractContent(task *models.Task, page *models.Page, doc *goquery.Document, base *url.URL, selector string, logger *logrus.Entry) {
	// Content extraction reads a clone; link extraction sees the original.
	ex, err := p.content.Extract(doc, base, selector)
	if err != nil {
		logger.WithField("error_type", utils.CategorizeError(err)).Warnf("Content extraction failed: %v", err)
		return
	}
	p.bus.Publish(events.Event{
		Kind:    events.Extracted,
		Task:    task,
		Request: page.Request,
		Page:    page,
		Data: map[string]string{
			"url":       base.String(),
			"title":     ex.Title,
			"markdown":  ex.Markdown,
			"selector":  ex.Selector,
			"framework": string(ex.Framework),
		},
	})
}
