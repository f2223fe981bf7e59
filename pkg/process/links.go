package process

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/parse"
)

// LinkProcessor finds crawlable links on a page and filters them to the
// task's scope.
type LinkProcessor struct {
	log *logrus.Entry
}

// NewLinkProcessor creates a LinkProcessor
func NewLinkProcessor(log *logrus.Entry) *LinkProcessor {
	return &LinkProcessor{log: log.WithField("component", "links")}
}

// Extract returns the absolute in-scope links of doc, in document order and
// without duplicates. domain restricts links to one host; empty allows the
// base URL's host. depth is the depth of the page being processed.
func (lp *LinkProcessor) Extract(doc *goquery.Document, base *url.URL, domain string, depth int, rules Rules) []string {
	taskLog := lp.log.WithFields(logrus.Fields{"url": base.String(), "next_depth": depth + 1})

	if rules.MaxDepth > 0 && depth+1 > rules.MaxDepth {
		taskLog.Debugf("Max depth (%d) reached, skipping link extraction", rules.MaxDepth)
		return nil
	}
	if domain == "" {
		domain = strings.ToLower(base.Hostname())
	}

	seen := make(map[string]struct{})
	var links []string
	for _, selector := range rules.LinkSelectors {
		doc.Find(selector).Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if rules.RespectNofollow {
				if rel, _ := a.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
					return
				}
			}
			href, _ := a.Attr("href")
			abs, ok := parse.ResolveLink(base, href)
			if !ok {
				return
			}
			if !rules.InScope(abs, domain) {
				taskLog.Tracef("Link '%s' out of scope", abs)
				return
			}
			key := parse.DedupKey(abs)
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			links = append(links, abs)
		})
	}

	taskLog.Debugf("Found %d in-scope links", len(links))
	return links
}
