package state

// ============================================================================
// FileStore
// Responsibilities:
// 1. Serialize the whole EngineState to one JSON document
// 2. Atomic write: temp file + fsync + rename, never a partial file
// 3. Missing file -> empty state; unreadable file -> empty state + ErrStateCorrupt
// 4. Unknown fields are ignored so newer files load in older binaries
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// fileFormat is the on-disk document
type fileFormat struct {
	SchemaVer int               `json:"schema_ver"`
	Anchor    string            `json:"anchor"`
	Slots     map[string]string `json:"slots"`
	Retired   []string          `json:"retired,omitempty"`
	SavedAt   time.Time         `json:"saved_at"`
}

// FileStore keeps state in a single JSON file
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (f *FileStore) Path() string { return f.path }

// Save writes the state atomically.
//
// Flow:
// 1. marshal the whole state
// 2. write <path>.tmp and fsync it
// 3. os.Rename over the real file
func (f *FileStore) Save(_ context.Context, st *EngineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := fileFormat{
		SchemaVer: SchemaVersion,
		Anchor:    string(st.Anchor),
		Slots:     make(map[string]string, len(st.Slots)),
		SavedAt:   time.Now().UTC(),
	}
	for _, k := range st.Keys() {
		doc.Slots[k.String()] = string(st.Slots[k])
		if st.Retired[k] {
			doc.Retired = append(doc.Retired, k.String())
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open temp state file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Load reads the state file.
func (f *FileStore) Load(_ context.Context) (*EngineState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if doc.SchemaVer > SchemaVersion {
		log.Warn("state file written by a newer version", "path", f.path, "schema_ver", doc.SchemaVer)
	}

	st := New()
	st.Anchor = types.Anchor(doc.Anchor)
	for raw, ref := range doc.Slots {
		key, err := types.ParseSlotKey(raw)
		if err != nil {
			log.Warn("skipping malformed slot key", "path", f.path, "key", raw)
			continue
		}
		st.Slots[key] = types.LocationRef(ref)
	}
	for _, raw := range doc.Retired {
		key, err := types.ParseSlotKey(raw)
		if err != nil {
			continue
		}
		if _, ok := st.Slots[key]; ok {
			st.Retired[key] = true
		}
	}
	return st, nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
