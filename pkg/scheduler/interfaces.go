package scheduler

import (
	"context"

	"github.com/crawlkit/taskcrawl/pkg/models"
)

// Queue accepts de-duplicated requests for eventual download.
type Queue interface {
	Push(ctx context.Context, task *models.Task, req models.Request) error
}

// Downloader fetches a request. Failures are reported through Page.Success
// and Page.Err; it never returns an error.
type Downloader interface {
	Download(ctx context.Context, task *models.Task, req models.Request) *models.Page
}

// PageProcessor extracts candidate URLs from a downloaded page. Malformed
// content yields an empty result.
type PageProcessor interface {
	Process(ctx context.Context, task *models.Task, page *models.Page) []string
}

// DuplicationProcessor reports whether the task already saw the request,
// recording it as seen. Must be safe for concurrent use.
type DuplicationProcessor interface {
	IsDuplicate(task *models.Task, req models.Request) bool
}

// CountManager maintains a per-task in-flight counter. IncrNotify calls
// onZero synchronously on the goroutine whose decrement reached zero.
type CountManager interface {
	Incr(task *models.Task, delta int64) int64
	IncrNotify(task *models.Task, delta int64, onZero func()) int64
}
