// Package detect picks the main-content selector for documentation pages
// built with well-known site generators, falling back to readability
// extraction for everything else.
package detect

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// Framework names a recognised documentation generator.
type Framework string

const (
	FrameworkUnknown     Framework = "unknown"
	FrameworkDocusaurus  Framework = "docusaurus"
	FrameworkMkDocs      Framework = "mkdocs"
	FrameworkSphinx      Framework = "sphinx"
	FrameworkGitBook     Framework = "gitbook"
	FrameworkReadTheDocs Framework = "readthedocs"
)

// Result is the outcome of detection for one host.
type Result struct {
	Framework Framework
	Selector  string // Empty when Fallback is set
	Fallback  bool   // Use readability extraction
}

// Detector caches one Result per host; sites rarely mix generators.
type Detector struct {
	mu    sync.RWMutex
	hosts map[string]Result
	log   *logrus.Entry
}

// NewDetector creates an empty Detector.
func NewDetector(log *logrus.Entry) *Detector {
	return &Detector{
		hosts: make(map[string]Result),
		log:   log.WithField("component", "detect"),
	}
}

// IsAutoSelector reports whether a configured selector asks for detection.
func IsAutoSelector(selector string) bool {
	return strings.EqualFold(selector, "auto")
}

// Detect returns the content selector for doc, served from cache for hosts
// already seen.
func (d *Detector) Detect(doc *goquery.Document, host string) Result {
	d.mu.RLock()
	cached, ok := d.hosts[host]
	d.mu.RUnlock()
	if ok {
		return cached
	}

	res := Result{Framework: FrameworkUnknown, Fallback: true}
	raw, _ := doc.Html()
	raw = strings.ToLower(raw)
	for i := range signatures {
		if signatures[i].matches(doc, raw) {
			res = Result{Framework: signatures[i].framework, Selector: signatures[i].selector}
			break
		}
	}

	d.mu.Lock()
	if prev, raced := d.hosts[host]; raced {
		res = prev
	} else {
		d.hosts[host] = res
	}
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"host": host, "framework": res.Framework, "fallback": res.Fallback}).
		Info("Detected content layout")
	return res
}

// Known returns the number of hosts with a cached result.
func (d *Detector) Known() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hosts)
}
