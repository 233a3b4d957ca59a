// Package types defines the core domain model shared by the embedbot packages.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecordKind marks where a StatusRecord came from
type RecordKind string

const (
	KindObserved RecordKind = "observed" // parsed from a source
	KindNormal   RecordKind = "normal"   // synthetic "service normal" placeholder
	KindError    RecordKind = "error"    // synthetic fetch-failure placeholder
)

// StatusRecord is one line's current condition as reported by a source
type StatusRecord struct {
	LineName       string     `json:"line_name"`                  // source-qualified name, e.g. "[関東] 山手線"
	StatusText     string     `json:"status_text"`                // raw status label
	Detail         string     `json:"detail,omitempty"`           // free-text cause, may be empty
	SourceLineCode string     `json:"source_line_code,omitempty"` // stable id from the source
	Kind           RecordKind `json:"kind,omitempty"`
}

// Valid reports whether the record carries a status label.
func (r StatusRecord) Valid() bool {
	return strings.TrimSpace(r.StatusText) != ""
}

// Synthetic reports whether the record was generated rather than fetched.
func (r StatusRecord) Synthetic() bool {
	return r.Kind == KindNormal || r.Kind == KindError
}

// RegionResult is the immutable outcome of one region in one cycle.
// Build it with NewRegionResult or NewErrorResult.
type RegionResult struct {
	RegionKey   string
	DisplayName string
	FetchErr    error
	FetchedAt   time.Time
	records     []StatusRecord
}

// NewRegionResult copies records into a new result. An empty slice is
// replaced with fallback so the result is never empty.
func NewRegionResult(key, display string, records []StatusRecord, fallback StatusRecord, at time.Time) RegionResult {
	if len(records) == 0 {
		records = []StatusRecord{fallback}
	}
	cp := make([]StatusRecord, len(records))
	copy(cp, records)
	return RegionResult{RegionKey: key, DisplayName: display, FetchedAt: at, records: cp}
}

// NewErrorResult builds a result holding exactly one synthetic error record.
func NewErrorResult(key, display string, errRecord StatusRecord, err error, at time.Time) RegionResult {
	return RegionResult{
		RegionKey:   key,
		DisplayName: display,
		FetchErr:    err,
		FetchedAt:   at,
		records:     []StatusRecord{errRecord},
	}
}

// Records returns a copy of the displayable records.
func (r RegionResult) Records() []StatusRecord {
	cp := make([]StatusRecord, len(r.records))
	copy(cp, r.records)
	return cp
}

// Len returns the number of records.
func (r RegionResult) Len() int { return len(r.records) }

// Failed reports whether the source could not be fetched.
func (r RegionResult) Failed() bool { return r.FetchErr != nil }

// ============================================================================
// Slots
// ============================================================================

// ErrInvalidSlotKey is returned by ParseSlotKey for malformed input
var ErrInvalidSlotKey = errors.New("invalid slot key")

// SlotKey addresses one page of one region
type SlotKey struct {
	RegionKey string
	PageIndex int
}

// String renders the key as "<regionKey>|<pageIndex>".
func (k SlotKey) String() string {
	return k.RegionKey + "|" + strconv.Itoa(k.PageIndex)
}

// ParseSlotKey is the inverse of SlotKey.String. Region keys may contain
// '|' since only the last separator is significant.
func ParseSlotKey(s string) (SlotKey, error) {
	i := strings.LastIndex(s, "|")
	if i <= 0 || i == len(s)-1 {
		return SlotKey{}, fmt.Errorf("%w: %q", ErrInvalidSlotKey, s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 {
		return SlotKey{}, fmt.Errorf("%w: %q", ErrInvalidSlotKey, s)
	}
	return SlotKey{RegionKey: s[:i], PageIndex: idx}, nil
}

// MarshalText lets SlotKey be used as a JSON object key.
func (k SlotKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SlotKey) UnmarshalText(b []byte) error {
	parsed, err := ParseSlotKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Anchor is where new slots are created (a channel reference). Opaque to the engine.
type Anchor string

// LocationRef identifies one created message. Opaque to the engine.
type LocationRef string

// ============================================================================
// Cycle summaries
// ============================================================================

// Trigger names what started a cycle
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerManual  Trigger = "manual"
	TriggerStartup Trigger = "startup"
)

// Outcome is the definitive result of a cycle
type Outcome string

const (
	OutcomeAllSynced    Outcome = "all_synced"
	OutcomePartial      Outcome = "partial_failure"
	OutcomeTotalFailure Outcome = "total_failure"
	OutcomeAborted      Outcome = "aborted"
)

// RegionSummary is the per-region part of a CycleSummary
type RegionSummary struct {
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	RecordCount int       `json:"record_count"`
	Pages       int       `json:"pages"`
	LastUpdated time.Time `json:"last_updated"`
}

// CycleSummary describes one completed (or aborted) cycle
type CycleSummary struct {
	CycleID    string                   `json:"cycle_id"`
	Trigger    Trigger                  `json:"trigger"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Outcome    Outcome                  `json:"outcome"`
	Regions    map[string]RegionSummary `json:"regions"`
	Order      []string                 `json:"order,omitempty"`  // region keys in declaration order
	Errors     []string                 `json:"errors,omitempty"` // cycle-level problems (state, anchor)
}

// FailedRegions returns the keys of regions that did not sync, in declaration order.
func (s CycleSummary) FailedRegions() []string {
	var out []string
	for _, k := range s.Order {
		if rs, ok := s.Regions[k]; ok && !rs.OK {
			out = append(out, k)
		}
	}
	return out
}

// Decide derives the outcome from region results.
func (s *CycleSummary) Decide() {
	if s.Outcome == OutcomeAborted {
		return
	}
	failed := len(s.FailedRegions())
	switch {
	case len(s.Regions) > 0 && failed == len(s.Regions):
		s.Outcome = OutcomeTotalFailure
	case failed > 0 || len(s.Errors) > 0:
		s.Outcome = OutcomePartial
	default:
		s.Outcome = OutcomeAllSynced
	}
}
