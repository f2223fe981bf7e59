// Package sitemap reads XML sitemaps to find extra seed URLs for a task.
package sitemap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crawlkit/taskcrawl/pkg/fetch"
	"github.com/crawlkit/taskcrawl/pkg/parse"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

const (
	maxIndexDepth    = 3 // Levels of nested sitemap indexes followed below the roots
	fetchParallelism = 4 // Sitemaps loaded concurrently per level
)

// document is one loaded sitemap: either page URLs or nested sitemaps.
type document struct {
	pages  []string
	nested []string
}

// Discoverer loads sitemaps through the same gate and retry policy as page
// downloads.
type Discoverer struct {
	fetcher   *fetch.Fetcher
	gate      *fetch.Gate
	userAgent string
	maxBytes  int64 // 0 = unlimited
	log       *logrus.Entry
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(fetcher *fetch.Fetcher, gate *fetch.Gate, userAgent string, maxBytes int64, log *logrus.Entry) *Discoverer {
	return &Discoverer{
		fetcher:   fetcher,
		gate:      gate,
		userAgent: userAgent,
		maxBytes:  maxBytes,
		log:       log.WithField("component", "sitemap"),
	}
}

// Discover loads roots, following sitemap indexes, and returns the listed
// page URLs that keep accepts, without duplicates and in sitemap order. A
// nil keep accepts everything; limit 0 means no limit. Sitemaps that fail
// to load are logged and skipped. The only error is ctx's.
func (d *Discoverer) Discover(ctx context.Context, roots []string, keep func(string) bool, limit int) ([]string, error) {
	seenMaps := make(map[string]struct{})
	seenPages := make(map[string]struct{})
	var pages []string

	var level []string
	for _, root := range roots {
		if _, dup := seenMaps[root]; !dup {
			seenMaps[root] = struct{}{}
			level = append(level, root)
		}
	}

	for depth := 0; len(level) > 0; depth++ {
		docs, err := d.loadAll(ctx, level)
		if err != nil {
			return nil, err
		}

		var next []string
		for i, doc := range docs {
			for _, loc := range doc.pages {
				key := parse.DedupKey(loc)
				if _, dup := seenPages[key]; dup {
					continue
				}
				if keep != nil && !keep(loc) {
					continue
				}
				seenPages[key] = struct{}{}
				pages = append(pages, loc)
				if limit > 0 && len(pages) >= limit {
					d.log.Infof("Sitemap limit of %d URLs reached", limit)
					return pages, nil
				}
			}
			if len(doc.nested) > 0 && depth >= maxIndexDepth {
				d.log.WithField("sitemap_url", level[i]).Warnf("Sitemap index nesting deeper than %d, ignoring %d sitemaps", maxIndexDepth, len(doc.nested))
				continue
			}
			for _, nested := range doc.nested {
				if _, dup := seenMaps[nested]; !dup {
					seenMaps[nested] = struct{}{}
					next = append(next, nested)
				}
			}
		}
		level = next
	}

	d.log.Infof("Discovered %d URLs from %d sitemaps", len(pages), len(seenMaps))
	return pages, nil
}

// loadAll loads one level of sitemaps concurrently. Results keep the order
// of urls; a failed sitemap yields an empty document.
func (d *Discoverer) loadAll(ctx context.Context, urls []string) ([]document, error) {
	docs := make([]document, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for i, smURL := range urls {
		g.Go(func() error {
			doc, err := d.load(gctx, smURL)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				d.log.WithField("sitemap_url", smURL).Warnf("Skipping sitemap: %v", err)
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (d *Discoverer) load(ctx context.Context, smURL string) (document, error) {
	target, err := url.Parse(smURL)
	if err != nil || target.Host == "" {
		return document{}, fmt.Errorf("%w: invalid sitemap URL %q", utils.ErrParsing, smURL)
	}

	release, err := d.gate.Enter(ctx, target.Hostname())
	if err != nil {
		return document{}, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, smURL, nil)
	if err != nil {
		return document{}, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return document{}, err
	}
	defer resp.Body.Close()

	body := d.limit(resp.Body)
	if isGzip(target, resp) {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return document{}, fmt.Errorf("%w: gzip sitemap: %v", utils.ErrParsing, err)
		}
		defer zr.Close()
		body = d.limit(zr)
	}

	doc, err := parseDocument(body)
	if err != nil {
		return document{}, err
	}
	d.log.WithFields(logrus.Fields{
		"sitemap_url": smURL,
		"pages":       len(doc.pages),
		"nested":      len(doc.nested),
	}).Debug("Loaded sitemap")
	return doc, nil
}

func (d *Discoverer) limit(r io.Reader) io.Reader {
	if d.maxBytes <= 0 {
		return r
	}
	return io.LimitReader(r, d.maxBytes)
}

func isGzip(target *url.URL, resp *http.Response) bool {
	if strings.HasSuffix(strings.ToLower(target.Path), ".gz") {
		return true
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.Contains(ct, "application/gzip") || strings.Contains(ct, "application/x-gzip")
}

// parseDocument decodes a sitemap index or URL set. Entries that are not
// absolute http(s) URLs are dropped.
func parseDocument(r io.Reader) (document, error) {
	xmlDoc := etree.NewDocument()
	if _, err := xmlDoc.ReadFrom(r); err != nil {
		return document{}, fmt.Errorf("%w: sitemap XML: %v", utils.ErrParsing, err)
	}
	root := xmlDoc.Root()
	if root == nil {
		return document{}, fmt.Errorf("%w: empty sitemap XML", utils.ErrParsing)
	}

	var doc document
	switch root.Tag {
	case "sitemapindex":
		doc.nested = locs(root, "sitemap")
	case "urlset":
		doc.pages = locs(root, "url")
	default:
		return document{}, fmt.Errorf("%w: unexpected sitemap root <%s>", utils.ErrParsing, root.Tag)
	}
	return doc, nil
}

// locs returns the usable <loc> of every child element named entry.
func locs(root *etree.Element, entry string) []string {
	var out []string
	for _, el := range root.SelectElements(entry) {
		loc := el.SelectElement("loc")
		if loc == nil {
			continue
		}
		if u, ok := absoluteHTTP(loc.Text()); ok {
			out = append(out, u)
		}
	}
	return out
}

func absoluteHTTP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return raw, true
}
