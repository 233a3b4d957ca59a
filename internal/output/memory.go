package output

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/internal/render"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

// Memory is an in-process Publisher. It backs the "log" driver (dry runs)
// and the tests of everything above it. Messages can be deleted and
// failures injected to exercise the engine's recovery paths.
type Memory struct {
	mu       sync.Mutex
	seq      int
	messages map[types.LocationRef]render.Page
	creates  int
	edits    int
	fail     []injected
	verbose  bool
}

type injected struct {
	op    string // "create" | "edit" | "" for any
	err   error
	times int
}

// NewMemory returns an empty publisher. When verbose is true every
// operation is logged.
func NewMemory(verbose bool) *Memory {
	return &Memory{messages: make(map[types.LocationRef]render.Page), verbose: verbose}
}

// CreateMessage stores page under a new "<anchor>/<n>" reference.
func (m *Memory) CreateMessage(ctx context.Context, anchor types.Anchor, page render.Page) (types.LocationRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("create"); err != nil {
		return "", err
	}
	if anchor == "" {
		return "", fmt.Errorf("create: empty anchor: %w", ErrNotFound)
	}
	m.seq++
	ref := types.LocationRef(fmt.Sprintf("%s/%d", anchor, m.seq))
	m.messages[ref] = page
	m.creates++
	if m.verbose {
		log.Info("create message", "ref", ref, "region", page.RegionKey, "page", page.Index, "title", page.Title, "fields", len(page.Fields))
	}
	return ref, nil
}

// EditMessage replaces the page stored at ref.
func (m *Memory) EditMessage(ctx context.Context, ref types.LocationRef, page render.Page) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("edit"); err != nil {
		return err
	}
	if _, ok := m.messages[ref]; !ok {
		return fmt.Errorf("edit %s: %w", ref, ErrNotFound)
	}
	m.messages[ref] = page
	m.edits++
	if m.verbose {
		log.Info("edit message", "ref", ref, "region", page.RegionKey, "page", page.Index, "retired", page.Retired, "fields", len(page.Fields))
	}
	return nil
}

// ResolveChannel accepts any non-empty id.
func (m *Memory) ResolveChannel(_ context.Context, id string) (types.Anchor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("resolve channel: %w", ErrNotFound)
	}
	return types.Anchor(id), nil
}

// Seed registers an existing message, as if created by an earlier process.
func (m *Memory) Seed(ref types.LocationRef, page render.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[ref] = page
}

// Delete removes a message behind the engine's back.
func (m *Memory) Delete(ref types.LocationRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, ref)
}

// FailNext makes the next `times` operations of kind op ("create", "edit"
// or "" for either) return err.
func (m *Memory) FailNext(op string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = append(m.fail, injected{op: op, err: err, times: times})
}

func (m *Memory) takeFailure(op string) error {
	for i := range m.fail {
		f := &m.fail[i]
		if f.times > 0 && (f.op == "" || f.op == op) {
			f.times--
			return f.err
		}
	}
	return nil
}

// Message returns the page stored at ref.
func (m *Memory) Message(ref types.LocationRef) (render.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.messages[ref]
	return p, ok
}

// Live returns the number of stored messages.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Counts returns the number of successful creates and edits.
func (m *Memory) Counts() (creates, edits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.edits
}
