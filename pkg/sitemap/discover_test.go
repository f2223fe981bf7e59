package sitemap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/fetch"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newDiscoverer(t *testing.T) *Discoverer {
	t.Helper()
	cfg := &config.AppConfig{InitialRetryDelay: time.Millisecond}
	_, err := cfg.Validate()
	require.NoError(t, err)
	log := testLogger()
	fetcher := fetch.NewFetcher(fetch.NewClient(cfg.HTTPClientSettings, log), cfg, log)
	return NewDiscoverer(fetcher, fetch.NewGate(cfg, log), "test-agent", cfg.MaxPageSizeBytes, log)
}

func urlSetXML(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<url><loc>\n  %s\n</loc><lastmod>2024-01-01</lastmod></url>", l)
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

func indexXML(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", l)
	}
	b.WriteString(`</sitemapindex>`)
	return b.String()
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// sitemapServer serves an index with a plain, a gzipped, a missing and a
// self-referencing sitemap.
func sitemapServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		base := srv.URL
		switch r.URL.Path {
		case "/sitemap_index.xml":
			io.WriteString(w, indexXML(base+"/docs.xml", base+"/blog.xml.gz", base+"/missing.xml", base+"/loop.xml", "not a url"))
		case "/docs.xml":
			io.WriteString(w, urlSetXML(base+"/docs/a", base+"/docs/b", base+"/docs/a#frag", "/relative"))
		case "/blog.xml.gz":
			w.Header().Set("Content-Type", "application/gzip")
			w.Write(gzipped(t, urlSetXML(base+"/blog/1", base+"/docs/c")))
		case "/loop.xml":
			io.WriteString(w, indexXML(base+"/loop.xml", base+"/docs.xml"))
		case "/garbage.xml":
			io.WriteString(w, "<html>not a sitemap</html>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDiscover_FollowsIndexes(t *testing.T) {
	srv, hits := sitemapServer(t)
	d := newDiscoverer(t)

	pages, err := d.Discover(context.Background(), []string{srv.URL + "/sitemap_index.xml"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/docs/a",
		srv.URL + "/docs/b",
		srv.URL + "/blog/1",
		srv.URL + "/docs/c",
	}, pages)
	// index, docs, blog, missing, loop: each loaded once.
	assert.Equal(t, int32(5), hits.Load())
}

func TestDiscover_KeepAndLimit(t *testing.T) {
	srv, _ := sitemapServer(t)
	d := newDiscoverer(t)
	keepDocs := func(u string) bool { return strings.Contains(u, "/docs/") }

	pages, err := d.Discover(context.Background(), []string{srv.URL + "/sitemap_index.xml"}, keepDocs, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/docs/a", srv.URL + "/docs/b", srv.URL + "/docs/c"}, pages)

	pages, err = d.Discover(context.Background(), []string{srv.URL + "/docs.xml"}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/docs/a"}, pages)
}

func TestDiscover_SkipsBrokenSitemaps(t *testing.T) {
	srv, _ := sitemapServer(t)
	d := newDiscoverer(t)

	pages, err := d.Discover(context.Background(), []string{
		srv.URL + "/garbage.xml",
		srv.URL + "/missing.xml",
		"://bad",
		srv.URL + "/docs.xml",
		srv.URL + "/docs.xml",
	}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestDiscover_ContextCancelled(t *testing.T) {
	srv, _ := sitemapServer(t)
	d := newDiscoverer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Discover(ctx, []string{srv.URL + "/sitemap_index.xml"}, nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument(strings.NewReader(indexXML("https://example.com/a.xml", "ftp://example.com/b.xml")))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a.xml"}, doc.nested)
	assert.Empty(t, doc.pages)

	doc, err = parseDocument(strings.NewReader(urlSetXML("https://example.com/x")))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/x"}, doc.pages)

	_, err = parseDocument(strings.NewReader("<html><body>not a sitemap</body></html>"))
	assert.ErrorIs(t, err, utils.ErrParsing)

	_, err = parseDocument(strings.NewReader(""))
	assert.Error(t, err)
}
