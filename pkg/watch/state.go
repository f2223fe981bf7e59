package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crawlkit/taskcrawl/pkg/orchestrate"
)

const stateFileName = "watch_state.json"

// SiteState is the outcome of a site's most recent watch round.
type SiteState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	TaskID         string    `json:"task_id,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	PagesProcessed int64     `json:"pages_processed"`
	PagesFailed    int64     `json:"pages_failed"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// WatchState is the persisted form of every site's last round.
type WatchState struct {
	Sites     map[string]SiteState `json:"sites"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// StateManager keeps watch state in a JSON file under the state directory.
type StateManager struct {
	stateDir  string
	statePath string
	state     WatchState
	mu        sync.RWMutex
}

// NewStateManager creates a StateManager; call Load to read existing state.
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state:     WatchState{Sites: make(map[string]SiteState)},
	}
}

// Load reads the state file. A missing file leaves the state empty.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = WatchState{Sites: make(map[string]SiteState)}
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var loaded WatchState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if loaded.Sites == nil {
		loaded.Sites = make(map[string]SiteState)
	}
	m.state = loaded
	return nil
}

// Save writes the state file, creating the state directory if needed.
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// SiteState returns the last recorded round for siteKey.
func (m *StateManager) SiteState(siteKey string) (SiteState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Sites[siteKey]
	return state, ok
}

// Record stores the result of a round that finished at at.
func (m *StateManager) Record(result orchestrate.SiteResult, at time.Time) {
	state := SiteState{
		LastRunTime:    at,
		LastRunSuccess: result.Success,
		TaskID:         result.TaskID,
		PagesProcessed: result.PagesProcessed,
		PagesFailed:    result.PagesFailed,
	}
	if result.Outcome != 0 {
		state.Outcome = result.Outcome.String()
	}
	if result.Error != nil {
		state.ErrorMessage = result.Error.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Sites[result.SiteKey] = state
}

// Due reports whether siteKey has never run or last ran at least interval
// before now.
func (m *StateManager) Due(siteKey string, interval time.Duration, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Sites[siteKey]
	if !ok {
		return true
	}
	return now.Sub(state.LastRunTime) >= interval
}

// NextRun returns when siteKey is next due; now if it never ran.
func (m *StateManager) NextRun(siteKey string, interval time.Duration, now time.Time) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Sites[siteKey]
	if !ok {
		return now
	}
	return state.LastRunTime.Add(interval)
}

// Sites returns a copy of every recorded site state.
func (m *StateManager) Sites() map[string]SiteState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]SiteState, len(m.state.Sites))
	for k, v := range m.state.Sites {
		result[k] = v
	}
	return result
}
