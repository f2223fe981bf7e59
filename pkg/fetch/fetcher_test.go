package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// testConfig returns an AppConfig with fast retry delays for testing
func testConfig(maxRetries int) *config.AppConfig {
	return &config.AppConfig{
		MaxRetries:              maxRetries,
		InitialRetryDelay:       5 * time.Millisecond,
		MaxRetryDelay:           20 * time.Millisecond,
		MaxRequests:             4,
		MaxRequestsPerHost:      2,
		SemaphoreAcquireTimeout: time.Second,
	}
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// mockServer returns status codes in sequence, repeating the last one.
func mockServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attempts := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attempts.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1
		}
		w.WriteHeader(statusCodes[idx])
	}))
	t.Cleanup(server.Close)
	return server, attempts
}

func fetch(ctx context.Context, t *testing.T, f *Fetcher, rawURL string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := f.FetchWithRetry(ctx, req)
	if resp != nil {
		t.Cleanup(func() { resp.Body.Close() })
	}
	return resp, err
}

func TestFetchWithRetry_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		maxRetries   int
		wantStatus   int // 0: no response expected
		wantErr      error
		wantAttempts int32
	}{
		{"200 first try", []int{200}, 3, 200, nil, 1},
		{"204 first try", []int{204}, 3, 204, nil, 1},
		{"503 then 200", []int{503, 503, 200}, 3, 200, nil, 3},
		{"429 then 200", []int{429, 200}, 3, 200, nil, 2},
		{"5xx exhausts retries", []int{500}, 2, 0, utils.ErrRetryFailed, 3},
		{"429 exhausts retries", []int{429}, 1, 0, utils.ErrRetryFailed, 2},
		{"404 not retried", []int{404}, 3, 404, utils.ErrClientHTTPError, 1},
		{"403 not retried", []int{403}, 3, 403, utils.ErrClientHTTPError, 1},
		{"zero retries", []int{502, 200}, 0, 0, utils.ErrRetryFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, attempts := mockServer(t, tt.statuses)
			f := NewFetcher(testClient(), testConfig(tt.maxRetries), testLogger())

			resp, err := fetch(context.Background(), t, f, server.URL)

			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error wrapping %v, got %v", tt.wantErr, err)
			}
			if tt.wantStatus == 0 && resp != nil {
				t.Errorf("expected nil response, got status %d", resp.StatusCode)
			}
			if tt.wantStatus != 0 && (resp == nil || resp.StatusCode != tt.wantStatus) {
				t.Errorf("expected status %d, got %v", tt.wantStatus, resp)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, got)
			}
		})
	}
}

func TestFetchWithRetry_ExhaustedServerErrorCategorized(t *testing.T) {
	server, _ := mockServer(t, []int{503})
	f := NewFetcher(testClient(), testConfig(1), testLogger())

	_, err := fetch(context.Background(), t, f, server.URL)
	if got := utils.CategorizeError(err); got != "RetryFailed_HTTPServer" {
		t.Errorf("CategorizeError = %q, want RetryFailed_HTTPServer", got)
	}
}

func TestFetchWithRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	server, attempts := mockServer(t, []int{200})
	f := NewFetcher(testClient(), testConfig(3), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetch(ctx, t, f, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts.Load() != 0 {
		t.Errorf("expected no attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ContextTimeoutDuringBackoff(t *testing.T) {
	server, attempts := mockServer(t, []int{503})
	cfg := testConfig(5)
	cfg.InitialRetryDelay = 2 * time.Second
	cfg.MaxRetryDelay = 2 * time.Second
	f := NewFetcher(testClient(), cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := fetch(ctx, t, f, server.URL)
	if time.Since(start) > time.Second {
		t.Errorf("backoff did not honour context deadline")
	}
	if !errors.Is(err, utils.ErrServerHTTPError) {
		t.Errorf("expected last server error to be wrapped, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_NetworkErrorRetried(t *testing.T) {
	server, _ := mockServer(t, []int{200})
	url := server.URL
	server.Close() // connection refused from now on

	f := NewFetcher(testClient(), testConfig(1), testLogger())
	_, err := fetch(context.Background(), t, f, url)
	if !errors.Is(err, utils.ErrRetryFailed) {
		t.Errorf("expected ErrRetryFailed, got %v", err)
	}
}

func TestBackoff_Capped(t *testing.T) {
	f := NewFetcher(testClient(), &config.AppConfig{
		MaxRetries:        10,
		InitialRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:     40 * time.Millisecond,
	}, testLogger())

	for n := 1; n <= 8; n++ {
		d := f.backoff(n)
		if d < 0 || d > 44*time.Millisecond {
			t.Errorf("backoff(%d) = %v outside [0, 44ms]", n, d)
		}
	}
}
