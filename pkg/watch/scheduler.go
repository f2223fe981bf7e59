// Package watch re-crawls configured sites on a fixed interval, one round
// at a time, remembering each site's last outcome across restarts.
package watch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/orchestrate"
)

// Runner crawls siteKeys to completion and reports one result per site.
type Runner func(ctx context.Context, siteKeys []string) []orchestrate.SiteResult

// Scheduler runs due sites through a Runner whenever their interval has
// elapsed.
type Scheduler struct {
	siteKeys []string
	interval time.Duration
	run      Runner
	state    *StateManager
	log      *logrus.Entry
	now      func() time.Time
}

// NewScheduler creates a Scheduler that keeps its state in stateDir.
func NewScheduler(siteKeys []string, interval time.Duration, stateDir string, run Runner, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		siteKeys: siteKeys,
		interval: interval,
		run:      run,
		state:    NewStateManager(stateDir),
		log:      log.WithField("component", "watch"),
		now:      time.Now,
	}
}

// Run loads saved state, crawls whatever is due, then checks again on
// every tick until ctx is done. Rounds run synchronously, so a slow
// round delays the next check rather than overlapping it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.load()
	s.log.Infof("Starting watch mode for %d sites with interval %s", len(s.siteKeys), FormatInterval(s.interval))
	s.logSchedule()

	s.RunDue(ctx)

	ticker := time.NewTicker(tickInterval(s.interval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			return nil
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunOnce loads saved state and runs a single round of due sites.
func (s *Scheduler) RunOnce(ctx context.Context) []orchestrate.SiteResult {
	s.load()
	return s.RunDue(ctx)
}

func (s *Scheduler) load() {
	if err := s.state.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}
}

// RunDue crawls every due site in one round, records the outcomes and
// saves the state. Returns the round's results; nil if nothing was due.
func (s *Scheduler) RunDue(ctx context.Context) []orchestrate.SiteResult {
	due := s.dueSites()
	if len(due) == 0 {
		s.logNextRun()
		return nil
	}
	s.log.Infof("Running crawl for %d due sites: %v", len(due), due)

	results := s.run(ctx, due)
	if ctx.Err() != nil {
		// An interrupted round is not recorded, so it reruns on restart.
		s.log.Warn("Watch round interrupted")
		return results
	}

	finished := s.now()
	for _, result := range results {
		s.state.Record(result, finished)
	}
	if err := s.state.Save(); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}
	s.logNextRun()
	return results
}

// Status returns the watch status of every site.
func (s *Scheduler) Status() map[string]SiteStatus {
	now := s.now()
	status := make(map[string]SiteStatus, len(s.siteKeys))
	for _, siteKey := range s.siteKeys {
		state, exists := s.state.SiteState(siteKey)
		status[siteKey] = SiteStatus{
			SiteState:   state,
			SiteKey:     siteKey,
			NextRunTime: s.state.NextRun(siteKey, s.interval, now),
			NeverRun:    !exists,
		}
	}
	return status
}

// SiteStatus is a site's last round plus when it runs next.
type SiteStatus struct {
	SiteState
	SiteKey     string
	NextRunTime time.Time
	NeverRun    bool
}

func (s *Scheduler) dueSites() []string {
	now := s.now()
	var due []string
	for _, siteKey := range s.siteKeys {
		if s.state.Due(siteKey, s.interval, now) {
			due = append(due, siteKey)
		}
	}
	return due
}

// tickInterval checks a tenth of the interval, between one and ten minutes.
func tickInterval(interval time.Duration) time.Duration {
	check := interval / 10
	if check < time.Minute {
		check = time.Minute
	}
	if check > 10*time.Minute {
		check = 10 * time.Minute
	}
	return check
}

func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	now := s.now()
	for _, siteKey := range s.siteKeys {
		state, exists := s.state.SiteState(siteKey)
		if !exists {
			s.log.Infof("  %s: never run, will run immediately", siteKey)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %s (%s, %d pages), next run %s",
			siteKey,
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.PagesProcessed,
			s.state.NextRun(siteKey, s.interval, now).Format(time.RFC3339))
	}
}

func (s *Scheduler) logNextRun() {
	if len(s.siteKeys) == 0 {
		return
	}
	now := s.now()
	keys := append([]string(nil), s.siteKeys...)
	sort.SliceStable(keys, func(i, j int) bool {
		return s.state.NextRun(keys[i], s.interval, now).Before(s.state.NextRun(keys[j], s.interval, now))
	})
	next := s.state.NextRun(keys[0], s.interval, now)
	until := next.Sub(now)
	if until < 0 {
		until = 0
	}
	s.log.Infof("Next crawl: %s in %v (at %s)", keys[0], until.Round(time.Second), next.Format("15:04:05"))
}

// FormatInterval formats a duration using the largest units, e.g. 1d6h.
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a Go duration, also accepting a leading day count
// such as 7d or 1d12h. The result must be positive.
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		var days int
		var remaining string
		n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
		if n < 1 {
			return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
		}
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %s", s)
	}
	return d, nil
}
