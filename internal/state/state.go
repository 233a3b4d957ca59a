// Package state holds the engine's durable state: the output anchor and the
// mapping from slot keys to message locations.
//
// EngineState is owned by the cycle runner. Stores only load and save whole
// snapshots of it; nothing else mutates it concurrently.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

// SchemaVersion of the persisted format
const SchemaVersion = 1

var (
	// ErrStateCorrupt means the durable state could not be read; the
	// returned state is empty and usable
	ErrStateCorrupt = errors.New("state is corrupt")
	// ErrUnknownBackend is returned by Open
	ErrUnknownBackend = errors.New("unknown state backend")
)

// EngineState is the process-wide durable state
type EngineState struct {
	Anchor  types.Anchor
	Slots   map[types.SlotKey]types.LocationRef
	Retired map[types.SlotKey]bool // slots currently showing the retired notice
}

// New returns an empty state.
func New() *EngineState {
	return &EngineState{
		Slots:   make(map[types.SlotKey]types.LocationRef),
		Retired: make(map[types.SlotKey]bool),
	}
}

// Lookup returns the location of a slot.
func (s *EngineState) Lookup(key types.SlotKey) (types.LocationRef, bool) {
	ref, ok := s.Slots[key]
	return ref, ok && ref != ""
}

// Record binds a slot to a location and clears its retired flag.
func (s *EngineState) Record(key types.SlotKey, ref types.LocationRef) {
	s.ensure()
	s.Slots[key] = ref
	delete(s.Retired, key)
}

// Forget drops a slot entirely.
func (s *EngineState) Forget(key types.SlotKey) {
	delete(s.Slots, key)
	delete(s.Retired, key)
}

// MarkRetired flags a slot as showing the retired notice.
func (s *EngineState) MarkRetired(key types.SlotKey) {
	s.ensure()
	s.Retired[key] = true
}

// IsRetired reports whether a slot shows the retired notice.
func (s *EngineState) IsRetired(key types.SlotKey) bool {
	return s.Retired[key]
}

// PageCount returns one past the highest page index recorded for region.
func (s *EngineState) PageCount(region string) int {
	n := 0
	for k := range s.Slots {
		if k.RegionKey == region && k.PageIndex+1 > n {
			n = k.PageIndex + 1
		}
	}
	return n
}

// Keys returns the slot keys sorted by region then page.
func (s *EngineState) Keys() []types.SlotKey {
	keys := make([]types.SlotKey, 0, len(s.Slots))
	for k := range s.Slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RegionKey != keys[j].RegionKey {
			return keys[i].RegionKey < keys[j].RegionKey
		}
		return keys[i].PageIndex < keys[j].PageIndex
	})
	return keys
}

// Clone returns a deep copy.
func (s *EngineState) Clone() *EngineState {
	c := New()
	c.Anchor = s.Anchor
	for k, v := range s.Slots {
		c.Slots[k] = v
	}
	for k, v := range s.Retired {
		if v {
			c.Retired[k] = true
		}
	}
	return c
}

func (s *EngineState) ensure() {
	if s.Slots == nil {
		s.Slots = make(map[types.SlotKey]types.LocationRef)
	}
	if s.Retired == nil {
		s.Retired = make(map[types.SlotKey]bool)
	}
}

// Store persists EngineState
type Store interface {
	// Load returns the persisted state. A missing state is empty with a nil
	// error; an unreadable one is empty with an error wrapping ErrStateCorrupt.
	Load(ctx context.Context) (*EngineState, error)
	// Save replaces the persisted state as a whole.
	Save(ctx context.Context, st *EngineState) error
	Close() error
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
