// Package store provides crash-safe persistence of in-flight reconciliation
// state using a single JSON file. Writes use atomic file replacement (write
// to .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save (teacher: internal/store/store.go's pos_<marketID>.json pattern,
// generalized here from one file per market to a single snapshot file
// covering pending entries and tracked protective orders across all
// symbols). The core calls Save every 30 seconds and once more on Stop, and
// loads the file once at startup to restore state across restarts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aster-lick-hunter/node/pkg/types"
)

// State is the full snapshot persisted between restarts: the hunter's
// pending-entry map and the Position Manager's tracked protective-order map,
// both keyed by their string identity so they round-trip through JSON.
type State struct {
	Pending    map[string]types.PendingEntry     `json:"pending"`
	Protective map[string]types.ProtectiveOrders `json:"protective"`
}

// Store persists a State snapshot to a single JSON file in a designated
// directory. All operations are mutex-protected to prevent concurrent file
// corruption.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open creates a store backed by dir/state.json, creating dir if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "state.json")}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error { return nil }

// Save atomically persists state: write to a .tmp file, then rename over the
// target so the file is never left partially written.
func (s *Store) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load restores the last saved State, or a fresh empty State if no snapshot
// exists yet.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := State{Pending: make(map[string]types.PendingEntry), Protective: make(map[string]types.ProtectiveOrders)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return empty, fmt.Errorf("unmarshal state: %w", err)
	}
	if state.Pending == nil {
		state.Pending = make(map[string]types.PendingEntry)
	}
	if state.Protective == nil {
		state.Protective = make(map[string]types.ProtectiveOrders)
	}
	return state, nil
}
