package storage

import (
	"context"
	"time"

	"github.com/crawlkit/taskcrawl/pkg/models"
)

// VisitedStore records which URLs a task has already admitted and what
// became of them. Keys are scoped by task ID.
type VisitedStore interface {
	// MarkVisited records normalizedURL as seen for the task.
	// Returns true if the URL was newly added, false if it already existed.
	MarkVisited(taskID, normalizedURL string) (bool, error)

	// RecordResult stores the processing outcome for a URL.
	RecordResult(taskID, normalizedURL string, entry *models.PageDBEntry) error

	// Result retrieves the status and details of a URL.
	// Returns PageStatusNotFound if the URL was never marked.
	Result(taskID, normalizedURL string) (models.PageStatus, *models.PageDBEntry, error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// VisitedCount returns the number of URL keys across all tasks.
	VisitedCount() int

	// TaskCounts scans one task's keys and tallies them by status.
	TaskCounts(taskID string) (map[models.PageStatus]int, error)

	// ForgetTask removes every key belonging to the task.
	ForgetTask(taskID string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Store combines all store interfaces for components that need full access
type Store interface {
	VisitedStore
	StoreAdmin
}
