// Package events delivers task lifecycle notifications to subscribers.
package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/models"
)

// Kind identifies what happened.
type Kind int

const (
	DownloadSuccess Kind = iota + 1
	DownloadError
	Success   // Task drained while running
	Pause     // Task drained while paused
	Recover   // Paused or cancelled task resumed
	Cancel    // Task drained while cancelled
	Extracted // Content processor produced data for a page
)

var kindNames = map[Kind]string{
	DownloadSuccess: "download_success",
	DownloadError:   "download_error",
	Success:         "success",
	Pause:           "pause",
	Recover:         "recover",
	Cancel:          "cancel",
	Extracted:       "extracted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether the event ends a task's run.
func (k Kind) Terminal() bool {
	return k == Success || k == Cancel
}

// Event is a single notification. Request and Page are set only for
// download and extraction events; Data only for Extracted.
type Event struct {
	Kind    Kind
	Task    *models.Task
	Request models.Request
	Page    *models.Page
	Data    map[string]string
	At      time.Time
}

// Handler receives events. A returned error is logged and does not stop
// delivery to other handlers.
type Handler func(Event) error

type subscription struct {
	id int
	h  Handler
}

// Bus fans events out to every subscribed handler, synchronously, in
// subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	log    *logrus.Entry
}

// NewBus creates a Bus that logs handler failures to logger.
func NewBus(logger *logrus.Entry) *Bus {
	return &Bus{log: logger.WithField("component", "events")}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, h: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to all handlers. Panics and errors in a handler are
// logged and never reach the caller.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	logger := b.log.WithField("event", ev.Kind.String())
	if ev.Task != nil {
		logger = logger.WithField("task_id", ev.Task.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("PANIC in event handler: %v\n%s", r, string(debug.Stack()))
		}
	}()
	if err := h(ev); err != nil {
		logger.Warnf("Event handler failed: %v", err)
	}
}
