package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"flotilla/internal/api"
)

const stateVersion = "2.0"

// stateFile is the on-disk envelope of installed-packages.json. The records
// serialise without their runtime fields, so the document carries declared
// state only.
type stateFile struct {
	Version  string                            `json:"version"`
	Packages map[string]api.InstallationRecord `json:"packages"`
}

// StateStore persists the declared installed-packages document. It is the
// single writer of the file; snapshot and restore operate on the raw bytes so
// a rollback reproduces the prior file exactly.
type StateStore struct {
	path string
	mu   sync.Mutex
}

// NewStateStore creates a store for the document at path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Exists reports whether the state file is present on disk.
func (s *StateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the declared records. A missing file yields an empty map.
func (s *StateStore) Load() (map[string]api.InstallationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]api.InstallationRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc stateFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed state file %s: %w", s.path, err)
	}
	if doc.Packages == nil {
		doc.Packages = make(map[string]api.InstallationRecord)
	}
	return doc.Packages, nil
}

// Save rewrites the document from the given records.
func (s *StateStore) Save(records map[string]api.InstallationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(stateFile{Version: stateVersion, Packages: records}, "", "  ")
	if err != nil {
		return err
	}
	return s.write(append(raw, '\n'))
}

// Snapshot returns the raw bytes of the current document. When no file exists
// yet it returns an empty envelope, so restoring the snapshot recreates the
// pre-operation state either way.
func (s *StateStore) Snapshot() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		empty, merr := json.MarshalIndent(stateFile{Version: stateVersion, Packages: map[string]api.InstallationRecord{}}, "", "  ")
		if merr != nil {
			return nil, merr
		}
		return append(empty, '\n'), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state file: %w", err)
	}
	return raw, nil
}

// Restore rewrites the document bit-for-bit from a snapshot.
func (s *StateStore) Restore(raw json.RawMessage) error {
	var doc stateFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("refusing to restore malformed snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(raw)
}

func (s *StateStore) write(raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
