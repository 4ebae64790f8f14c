// Package fileschedule provides file-based persistence for the merge
// schedule configuration and its bounded run history.
package fileschedule

import (
	"log/slog"
	"os"
	"sync"

	"github.com/clashctl/clashctl/internal/cmn/fileutil"
	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/core"
)

const defaultMaxHistory = 200

// Store persists the ScheduleConfig as a single JSON object and the run
// history as a bounded JSON list. Thread-safe through internal locking.
// Malformed or missing files degrade to defaults; they are never fatal.
type Store struct {
	configPath  string
	historyPath string
	maxHistory  int
	mu          sync.Mutex
}

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithMaxHistory overrides the history bound.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// New creates a schedule store persisting to the given files.
func New(configPath, historyPath string, opts ...Option) *Store {
	s := &Store{
		configPath:  configPath,
		historyPath: historyPath,
		maxHistory:  defaultMaxHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the persisted schedule configuration, sanitized. A missing or
// unreadable file yields the default (disabled) schedule.
func (s *Store) Load() core.ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() core.ScheduleConfig {
	var cfg core.ScheduleConfig
	if err := fileutil.ReadJSON(s.configPath, &cfg); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("fileschedule: failed to read schedule config, using defaults",
				tag.Path(s.configPath), tag.Error(err))
		}
		return core.DefaultScheduleConfig()
	}
	return cfg.Sanitize()
}

// Save sanitizes and persists the schedule configuration.
func (s *Store) Save(cfg core.ScheduleConfig) (core.ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cfg.Sanitize()
	if err := fileutil.WriteJSON(s.configPath, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Update applies fn to the current configuration under the store lock and
// persists the result. Used by the scheduler to advance next_run without
// racing operator writes.
func (s *Store) Update(fn func(core.ScheduleConfig) core.ScheduleConfig) (core.ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := fn(s.loadLocked()).Sanitize()
	if err := fileutil.WriteJSON(s.configPath, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type historyFile struct {
	Items []core.ScheduleHistoryEntry `json:"items"`
}

// History returns the persisted run history, oldest first.
func (s *Store) History() []core.ScheduleHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

func (s *Store) historyLocked() []core.ScheduleHistoryEntry {
	var file historyFile
	if err := fileutil.ReadJSON(s.historyPath, &file); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("fileschedule: failed to read schedule history",
				tag.Path(s.historyPath), tag.Error(err))
		}
		return nil
	}
	return file.Items
}

// AppendHistory appends one entry, trimming the oldest entries beyond the
// configured bound.
func (s *Store) AppendHistory(entry core.ScheduleHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := append(s.historyLocked(), entry)
	if len(items) > s.maxHistory {
		items = items[len(items)-s.maxHistory:]
	}
	return fileutil.WriteJSON(s.historyPath, historyFile{Items: items})
}
