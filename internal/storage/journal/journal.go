// ============================================================================
// embedbot cycle journal
// ============================================================================
//
// Package: internal/storage/journal
// File: journal.go
// Purpose: Append-only history of cycle summaries
//
// Format: one JSON object per line
//
//   {"seq":42,"at":1718000000000,"summary":{...},"checksum":305419896}
//
// Recovery:
//   - Open reads the file, keeps every valid line up to the first bad one and
//     truncates a torn tail so later appends stay readable
//   - Replay stops at the first bad line and reports a *CorruptionError
//
// Compact keeps the newest N entries, written to <path>.tmp and renamed.
//
// ============================================================================

package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

const maxLine = 1 << 20

// Entry is one journaled cycle summary
type Entry struct {
	Seq      uint64          `json:"seq"`
	At       int64           `json:"at"` // unix millis
	Summary  json.RawMessage `json:"summary"`
	Checksum uint32          `json:"checksum"`
}

// Decode unmarshals the summary payload.
func (e Entry) Decode() (types.CycleSummary, error) {
	var s types.CycleSummary
	if err := json.Unmarshal(e.Summary, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return s, nil
}

// Journal appends cycle summaries to a file
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// Open opens or creates the journal at path.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	entries, good, err := scan(path)
	var ce *CorruptionError
	switch {
	case err == nil:
	case errors.As(err, &ce):
		log.Warn("journal has a corrupt tail, truncating", "path", path, "line", ce.Line, "error", ce.Cause)
		if err := os.Truncate(path, good); err != nil {
			return nil, fmt.Errorf("truncate journal: %w", err)
		}
	default:
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{file: file, path: path, syncOnAppend: syncOnAppend}
	if n := len(entries); n > 0 {
		j.seq = entries[n-1].Seq
	}
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes one summary and returns its sequence number.
func (j *Journal) Append(s types.CycleSummary) (uint64, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("encode summary: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	seq := j.seq + 1
	e := Entry{Seq: seq, At: time.Now().UnixMilli(), Summary: payload, Checksum: Checksum(seq, payload)}
	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync journal: %w", err)
		}
	}
	j.seq = seq
	return seq, nil
}

// Replay calls fn for every valid entry in order. It stops at the first
// corrupt line and returns a *CorruptionError.
func (j *Journal) Replay(fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return replayFile(j.path, fn)
}

// Last returns the newest summary.
func (j *Journal) Last() (types.CycleSummary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return lastInFile(j.path)
}

// Compact rewrites the journal keeping only the newest keep entries.
func (j *Journal) Compact(keep int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	entries, _, err := scan(j.path)
	if err != nil && !errors.Is(err, ErrCorrupted) {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	if len(entries) <= keep && err == nil {
		return nil
	}
	if len(entries) > keep {
		entries = entries[len(entries)-keep:]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
	}

	tmp := j.path + ".tmp"
	if err := writeSynced(tmp, buf.Bytes()); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		log.Warn("close journal before compaction", "error", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("rename journal: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		j.closed = true
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = file
	log.Info("journal compacted", "path", j.path, "kept", len(entries))
	return nil
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	return j.file.Close()
}

// ReadLast returns the newest summary of the journal at path without
// opening it for writing. Used by status commands when the daemon is down.
func ReadLast(path string) (types.CycleSummary, error) {
	return lastInFile(path)
}

func lastInFile(path string) (types.CycleSummary, error) {
	entries, _, err := scan(path)
	if err != nil && !errors.Is(err, ErrCorrupted) {
		return types.CycleSummary{}, err
	}
	if len(entries) == 0 {
		return types.CycleSummary{}, ErrEmpty
	}
	return entries[len(entries)-1].Decode()
}

func replayFile(path string, fn func(Entry) error) error {
	entries, _, scanErr := scan(path)
	if scanErr != nil && !errors.Is(scanErr, ErrCorrupted) {
		return scanErr
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanErr
}

// scan reads every valid entry up to the first bad line. good is the byte
// length of the valid prefix.
func scan(path string) (entries []Entry, good int64, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if len(line) == 0 && readErr == io.EOF {
			return entries, good, nil
		}
		if readErr != nil && readErr != io.EOF {
			return entries, good, fmt.Errorf("read journal: %w", readErr)
		}

		start := offset
		offset += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			good = offset
			continue
		}
		bad := func(cause error) ([]Entry, int64, error) {
			return entries, good, &CorruptionError{Line: lineNo, Offset: start, Cause: cause}
		}
		if len(trimmed) > maxLine {
			return bad(errors.New("line too long"))
		}
		// an unterminated last line is a torn write
		if readErr == io.EOF {
			return bad(errors.New("truncated line"))
		}

		var e Entry
		if err := json.Unmarshal(trimmed, &e); err != nil {
			return bad(err)
		}
		if !Verify(e) {
			return bad(fmt.Errorf("checksum mismatch at seq %d", e.Seq))
		}
		entries = append(entries, e)
		good = offset
	}
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}
