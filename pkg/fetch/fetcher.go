package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Fetcher performs HTTP requests with exponential backoff for transient
// failures: network errors, 5xx and 429.
type Fetcher struct {
	client       *http.Client
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	log          *logrus.Entry
}

// NewFetcher creates a Fetcher using the retry settings from cfg.
func NewFetcher(client *http.Client, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:       client,
		maxRetries:   cfg.MaxRetries,
		initialDelay: cfg.InitialRetryDelay,
		maxDelay:     cfg.MaxRetryDelay,
		log:          log.WithField("component", "fetcher"),
	}
}

// backoff returns the jittered delay before retry attempt n (n >= 1):
// initial * 2^(n-1), capped at the max delay, +/- 10%.
func (f *Fetcher) backoff(n int) time.Duration {
	delay := time.Duration(float64(f.initialDelay) * math.Pow(2, float64(n-1)))
	if delay <= 0 || (f.maxDelay > 0 && delay > f.maxDelay) {
		delay = f.maxDelay
	}
	if delay <= 0 {
		return 0
	}
	if spread := int64(delay) / 5; spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/10
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func drain(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// FetchWithRetry executes req under ctx.
//
// A 2xx response is returned with a nil error. Non-retryable statuses (4xx
// other than 429, unexpected 1xx/3xx) are returned together with a
// categorized error; the caller must close the body in both cases. When all
// attempts fail the response is nil and the error wraps utils.ErrRetryFailed,
// except for context errors which are returned as is.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	reqLog := f.log.WithField("url", req.URL.String())

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) after error: %w", err, lastErr)
			}
			return nil, err
		}

		if attempt > 0 {
			delay := f.backoff(attempt)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": f.maxRetries, "delay": delay}).
				Warn("Retrying request...")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			drain(resp)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reqLog.Debugf("Request aborted by context: %v", err)
				return nil, err
			}
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "error_type": utils.CategorizeError(err)}).
				Warnf("Network error: %v", err)
			lastErr = err
			continue
		}

		code := resp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": code, "attempt": attempt})
		switch {
		case code >= 200 && code < 300:
			resLog.Debug("Fetched")
			return resp, nil
		case code >= 500:
			resLog.Warn("Server error, will retry")
			lastErr = fmt.Errorf("%w: status %d for %s", utils.ErrServerHTTPError, code, req.URL)
			drain(resp)
		case code == http.StatusTooManyRequests:
			resLog.Warn("Rate limited by server, will retry")
			lastErr = fmt.Errorf("%w: status %d for %s", utils.ErrClientHTTPError, code, req.URL)
			drain(resp)
		case code >= 400:
			resLog.Debug("Client error, not retrying")
			return resp, fmt.Errorf("%w: status %d for %s", utils.ErrClientHTTPError, code, req.URL)
		default:
			resLog.Debug("Unexpected status, not retrying")
			return resp, fmt.Errorf("%w: status %d for %s", utils.ErrOtherHTTPError, code, req.URL)
		}
	}

	reqLog.Errorf("All %d attempts failed. Last error: %v", f.maxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}
