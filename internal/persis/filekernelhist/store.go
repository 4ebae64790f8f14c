// Package filekernelhist provides append-only JSONL persistence for kernel
// update records.
package filekernelhist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/core"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// Store appends one JSON line per kernel update record. Readers get a
// bounded tail; malformed lines are skipped, never fatal.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a kernel update history store at the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Append writes one record as a JSON line.
func (s *Store) Append(record core.KernelUpdateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal kernel update record: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermissions) //nolint:gosec // path comes from configuration
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append kernel update record: %w", err)
	}
	return nil
}

// Read returns at most limit records from the end of the history, oldest
// first. A non-positive limit returns nil.
func (s *Store) Read(limit int) []core.KernelUpdateRecord {
	if limit <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path) //nolint:gosec // path comes from configuration
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("filekernelhist: failed to open history file",
				tag.Path(s.path), tag.Error(err))
		}
		return nil
	}
	defer func() { _ = f.Close() }()

	var records []core.KernelUpdateRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record core.KernelUpdateRecord
		if err := json.Unmarshal(line, &record); err != nil {
			slog.Warn("filekernelhist: skipping malformed history line",
				tag.Path(s.path), tag.Error(err))
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("filekernelhist: failed to scan history file",
			tag.Path(s.path), tag.Error(err))
	}

	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}
