package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/log"
	"github.com/crawlkit/taskcrawl/pkg/models"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

const (
	taskKeyPrefix = "task:"      // task:<id>:url:<normalized url>
	urlKeyInfix   = ":url:"      // Separates task ID from URL within a key
	visitedDBDir  = "visited_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count for O(1) VisitedCount
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) the visited database under stateDir.
// Without resume, any existing database is removed first.
func NewBadgerStore(stateDir string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, visitedDBDir)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing visited URL database at: %s (Resume: %v)", dbPath, resume)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrDatabase, dbPath, err)
	}

	store, err := openBadger(badger.DefaultOptions(dbPath), logger)
	if err != nil {
		return nil, err
	}

	if resume {
		count, err := store.countKeys(nil)
		if err != nil {
			logger.Warnf("Failed to count existing keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing key count on resume: %d", count)
		}
	}
	return store, nil
}

// NewInMemoryBadgerStore opens a store that lives only in memory.
func NewInMemoryBadgerStore(logger *logrus.Entry) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true), logger)
}

func openBadger(opts badger.Options, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}
	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts = opts.WithLogger(badgerLogger).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", utils.ErrDatabase, err)
	}
	store.db = db
	logger.Info("Visited URL database initialized successfully.")
	return store, nil
}

func taskPrefix(taskID string) []byte {
	return []byte(taskKeyPrefix + taskID + urlKeyInfix)
}

func urlKey(taskID, normalizedURL string) []byte {
	return append(taskPrefix(taskID), normalizedURL...)
}

// countKeys scans keys under prefix; nil counts every key.
func (s *BadgerStore) countKeys(prefix []byte) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// MarkVisited implements VisitedStore
func (s *BadgerStore) MarkVisited(taskID, normalizedURL string) (bool, error) {
	added := false
	key := urlKey(taskID, normalizedURL)

	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			if errSet := txn.SetEntry(badger.NewEntry(key, []byte{})); errSet != nil {
				return errSet
			}
			added = true
			return nil
		}
		return errGet // nil if the key exists
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkVisited: %v", err)
		return false, fmt.Errorf("%w: marking key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return added, nil
}

// RecordResult implements VisitedStore
func (s *BadgerStore) RecordResult(taskID, normalizedURL string, entry *models.PageDBEntry) error {
	if entry.LastAttempt.IsZero() {
		entry.LastAttempt = time.Now()
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encoding page entry: %w", utils.ErrDatabase, err)
	}
	key := urlKey(taskID, normalizedURL)

	created := false
	err = s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		created = errors.Is(errGet, badger.ErrKeyNotFound)
		if errGet != nil && !created {
			return errGet
		}
		return txn.Set(key, val)
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in RecordResult: %v", err)
		return fmt.Errorf("%w: updating key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if created {
		s.keyCount.Add(1)
	}
	return nil
}

// Result implements VisitedStore
func (s *BadgerStore) Result(taskID, normalizedURL string) (models.PageStatus, *models.PageDBEntry, error) {
	status := models.PageStatusNotFound
	var entry *models.PageDBEntry
	key := urlKey(taskID, normalizedURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			status = models.PageStatusPending // Marked, no outcome yet
			if len(val) == 0 {
				return nil
			}
			var decoded models.PageDBEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				s.log.Warnf("Failed to unmarshal PageDBEntry for key '%s': %v. Treating as 'pending'.", string(key), errJSON)
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in Result for key '%s': %v", string(key), errView)
		return models.PageStatusDBError, nil, errView
	}
	return status, entry, nil
}

// VisitedCount implements StoreAdmin
func (s *BadgerStore) VisitedCount() int {
	return int(s.keyCount.Load())
}

// TaskCounts implements StoreAdmin
func (s *BadgerStore) TaskCounts(taskID string) (map[models.PageStatus]int, error) {
	counts := make(map[models.PageStatus]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = taskPrefix(taskID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			status := models.PageStatusPending
			errVal := it.Item().Value(func(val []byte) error {
				if len(val) == 0 {
					return nil
				}
				var decoded models.PageDBEntry
				if json.Unmarshal(val, &decoded) == nil && decoded.Status.IsValid() {
					status = decoded.Status
				}
				return nil
			})
			if errVal != nil {
				return errVal
			}
			counts[status]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scanning task %s: %w", utils.ErrDatabase, taskID, err)
	}
	return counts, nil
}

// ForgetTask implements StoreAdmin
func (s *BadgerStore) ForgetTask(taskID string) error {
	prefix := taskPrefix(taskID)
	n, err := s.countKeys(prefix)
	if err != nil {
		return fmt.Errorf("%w: counting task %s keys: %w", utils.ErrDatabase, taskID, err)
	}
	if err := s.db.DropPrefix(prefix); err != nil {
		return fmt.Errorf("%w: dropping task %s keys: %w", utils.ErrDatabase, taskID, err)
	}
	s.keyCount.Add(-int64(n))
	s.log.WithField("task_id", taskID).Infof("Removed %d visited keys", n)
	return nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db.IsClosed() {
				s.log.Info("DB GC: Database is closed, skipping GC cycle.")
				continue
			}
			var err error
			for err == nil {
				// Rewrite while at least half of a value log file is reclaimable
				err = s.db.RunValueLogGC(0.5)
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		s.log.Info("Visited DB already closed or was not initialized.")
		return nil
	}
	s.log.Info("Closing visited DB...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing visited DB: %v", err)
		return err
	}
	s.log.Info("Visited DB closed.")
	return nil
}
