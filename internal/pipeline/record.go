package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nbowen/patload/internal/domain"
)

// Record is the on-disk completion record: a JSON map of archive file
// name to terminal status. It is what lets a restarted run skip files
// that already loaded, surviving process restarts.
type Record struct {
	path string

	mu      sync.Mutex
	entries map[string]domain.FileStatus
}

// OpenRecord loads the record at path, starting empty when the file
// does not exist yet.
func OpenRecord(path string) (*Record, error) {
	r := &Record{path: path, entries: make(map[string]domain.FileStatus)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read completion record: %w", err)
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		return nil, fmt.Errorf("parse completion record %s: %w", path, err)
	}
	return r, nil
}

// Completed reports whether the file already reached Completed in a
// prior run or earlier in this one.
func (r *Record) Completed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[name] == domain.FileStatusCompleted
}

// Set persists a terminal status for the file. Only terminal states are
// recorded; intermediate states live in memory only, so a crash leaves
// the file unmarked and a re-run redoes it (at-least-once loading).
// The write is atomic (temp file + rename) so an interrupt cannot leave
// a half-written record.
func (r *Record) Set(name string, status domain.FileStatus) error {
	if !status.Terminal() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = status

	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write completion record: %w", err)
	}
	return os.Rename(tmp, r.path)
}
