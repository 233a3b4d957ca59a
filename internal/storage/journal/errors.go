package journal

// ============================================================================
// Journal error definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted means a line could not be decoded or failed its checksum
	ErrCorrupted = errors.New("journal: corrupted entry")

	// ErrClosed means the journal was closed
	ErrClosed = errors.New("journal: already closed")

	// ErrEmpty means the journal holds no entries
	ErrEmpty = errors.New("journal: no entries")
)

// CorruptionError locates the first bad line
type CorruptionError struct {
	Line   int   // 1-based line number
	Offset int64 // byte offset of the line
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted entry at line %d (offset %d): %v", e.Line, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorrupted, e.Cause} }
