package process

import (
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/detect"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Extraction is the data produced for one page.
type Extraction struct {
	Title     string
	Markdown  string
	Selector  string // Selector actually used; empty for readability
	Framework detect.Framework
}

// ContentProcessor selects a page's main content and converts it to Markdown.
type ContentProcessor struct {
	converter *md.Converter
	detector  *detect.Detector
	log       *logrus.Entry
}

// NewContentProcessor creates a ContentProcessor
func NewContentProcessor(log *logrus.Entry) *ContentProcessor {
	return &ContentProcessor{
		converter: md.NewConverter("", true, nil),
		detector:  detect.NewDetector(log),
		log:       log.WithField("component", "content"),
	}
}

// Extract converts the content matched by selector. The "auto" selector
// detects the site generator and falls back to readability extraction.
func (cp *ContentProcessor) Extract(doc *goquery.Document, pageURL *url.URL, selector string) (*Extraction, error) {
	out := &Extraction{
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		Selector:  selector,
		Framework: detect.FrameworkUnknown,
	}

	var content *goquery.Selection
	if detect.IsAutoSelector(selector) {
		res := cp.detector.Detect(doc, pageURL.Hostname())
		out.Framework = res.Framework
		out.Selector = res.Selector
		if !res.Fallback {
			if found := doc.Find(res.Selector); found.Length() > 0 {
				content = found.First().Clone()
			}
		}
		if content == nil {
			sel, title, err := detect.Readable(doc, pageURL)
			if err != nil {
				return nil, err
			}
			content, out.Selector = sel, ""
			if title != "" {
				out.Title = title
			}
		}
	} else {
		found := doc.Find(selector)
		if found.Length() == 0 {
			return nil, fmt.Errorf("%w: selector '%s' not found on page '%s'", utils.ErrParsing, selector, pageURL)
		}
		content = found.First().Clone()
	}

	cleanupHTML(content)
	html, err := goquery.OuterHtml(content)
	if err != nil {
		return nil, fmt.Errorf("%w: rendering content HTML: %v", utils.ErrParsing, err)
	}
	markdown, err := cp.converter.ConvertString(html)
	if err != nil {
		return nil, fmt.Errorf("%w: markdown conversion: %v", utils.ErrParsing, err)
	}
	out.Markdown = strings.TrimSpace(markdown)
	if out.Title == "" {
		out.Title = "Untitled Page"
	}
	return out, nil
}

// cleanupHTML strips permalink anchors and similar generator noise.
func cleanupHTML(content *goquery.Selection) {
	content.Find("a.headerlink, a.edit-on-github, a.permalink").Remove()
	content.Find("a[title='Permalink to this heading'], a[title='Link to this heading']").Remove()
	content.Find("a").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		href, _ := s.Attr("href")
		if text == "¶" || text == "#" || (text == "" && strings.HasPrefix(href, "#")) {
			s.Remove()
		}
	})
}
