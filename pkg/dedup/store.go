package dedup

import (
	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/parse"
	"github.com/crawlkit/taskcrawl/pkg/storage"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// StoreProcessor deduplicates against a persistent VisitedStore, so a resumed
// crawl skips URLs admitted by an earlier run of the same task ID.
type StoreProcessor struct {
	store storage.VisitedStore
	log   *logrus.Entry
}

// NewStoreProcessor wraps store.
func NewStoreProcessor(store storage.VisitedStore, logger *logrus.Entry) *StoreProcessor {
	return &StoreProcessor{store: store, log: logger.WithField("component", "dedup")}
}

// IsDuplicate marks the URL visited and reports whether it already was.
// Store failures are treated as "not seen" so work is repeated rather than lost.
func (p *StoreProcessor) IsDuplicate(task *models.Task, req models.Request) bool {
	key := parse.DedupKey(req.URL)
	added, err := p.store.MarkVisited(task.ID, key)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"task_id":    task.ID,
			"url":        req.URL,
			"error_type": utils.CategorizeError(err),
		}).Warnf("Visited store unavailable, admitting URL: %v", err)
		return false
	}
	return !added
}
