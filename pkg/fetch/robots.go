package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const maxRobotsBytes = 512 << 10

// RobotsHandler fetches, parses and caches robots.txt per scheme and host.
// Hosts whose robots.txt cannot be obtained allow everything.
type RobotsHandler struct {
	fetcher   *Fetcher
	gate      *Gate
	userAgent string
	log       *logrus.Entry

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData // nil value: fetch failed, allow all
	group singleflight.Group
}

// NewRobotsHandler creates a RobotsHandler that fetches through gate using
// userAgent.
func NewRobotsHandler(fetcher *Fetcher, gate *Gate, userAgent string, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher:   fetcher,
		gate:      gate,
		userAgent: userAgent,
		log:       log.WithField("component", "robots"),
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

func robotsKey(u *url.URL) string {
	scheme := u.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// Data returns the parsed robots.txt for target's host, fetching it once.
// Concurrent callers for the same host share one fetch.
func (rh *RobotsHandler) Data(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	key := robotsKey(target)

	rh.mu.Lock()
	data, found := rh.cache[key]
	rh.mu.Unlock()
	if found {
		return data
	}

	v, _, _ := rh.group.Do(key, func() (any, error) {
		data, err := rh.fetch(ctx, target.Hostname(), key+"/robots.txt")
		if err != nil {
			rh.log.WithFields(logrus.Fields{"robots_url": key + "/robots.txt"}).
				Warnf("robots.txt unavailable, allowing all: %v", err)
			if ctx.Err() != nil {
				// Not cached: a later caller with a live context retries.
				return (*robotstxt.RobotsData)(nil), nil
			}
		}
		rh.mu.Lock()
		rh.cache[key] = data
		rh.mu.Unlock()
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (rh *RobotsHandler) fetch(ctx context.Context, host, robotsURL string) (*robotstxt.RobotsData, error) {
	release, err := rh.gate.Enter(ctx, host)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", rh.userAgent)

	resp, err := rh.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		drain(resp)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("reading robots.txt: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parsing robots.txt: %w", err)
	}
	rh.log.WithField("robots_url", robotsURL).Info("Fetched robots.txt")
	return data, nil
}

// Allowed reports whether userAgent may fetch target.
func (rh *RobotsHandler) Allowed(ctx context.Context, target *url.URL, userAgent string) bool {
	data := rh.Data(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), userAgent)
}
