// ============================================================================
// embedbot slot sync engine
// ============================================================================
//
// Package: internal/syncer
// File: syncer.go
// Purpose: Reconcile rendered pages with persistent message slots
//
// For each page index i of a region:
//   1. slot (region, i) known    -> edit in place
//      edit says "not found"     -> forget the slot, fall through to 2
//   2. no slot                   -> create at the anchor, record the location
//
// Trailing slots (i >= len(pages)) left over from a longer board are edited
// with the retired notice and flagged, never deleted. A retired slot that
// receives content again is reused.
//
// Output errors:
//   - not found      local recovery (recreate, or drop a retired slot)
//   - rate limited   bounded retry of the same slot, max(RetryAfter, backoff*n)
//   - permission     terminal for the region; the caller moves on
//
// Re-running Sync with the same pages against the same state only edits.
//
// ============================================================================

package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/internal/metrics"
	"github.com/tontonpaa/EmbedBot/internal/output"
	"github.com/tontonpaa/EmbedBot/internal/render"
	"github.com/tontonpaa/EmbedBot/internal/state"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

// ErrNoAnchor is returned when a slot must be created but no anchor is set
var ErrNoAnchor = errors.New("no output anchor set")

// Options tunes retries and the retired notice
type Options struct {
	RateLimitRetries int
	Backoff          time.Duration
	// RetiredPage renders the notice for a trailing slot
	RetiredPage func(regionKey string, index int) render.Page
	Metrics     *metrics.Collector
	// Sleep waits between rate-limit retries; tests replace it
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine performs create-or-edit reconciliation
type Engine struct {
	pub  output.Publisher
	opts Options
}

// Report summarizes one Sync call
type Report struct {
	RegionKey string
	Pages     int
	Created   int
	Edited    int
	Recreated int
	Retired   int
	Dropped   int
}

// New returns an engine writing through pub.
func New(pub output.Publisher, opts Options) *Engine {
	if opts.RateLimitRetries < 0 {
		opts.RateLimitRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.RetiredPage == nil {
		opts.RetiredPage = func(regionKey string, index int) render.Page {
			return render.Page{RegionKey: regionKey, Index: index, Description: render.RetiredNotice, Retired: true}
		}
	}
	return &Engine{pub: pub, opts: opts}
}

// Sync reconciles the slots of regionKey with pages, mutating st.
// Per-page failures are collected and returned joined; a permission error
// or a cancelled context stops the region immediately.
func (e *Engine) Sync(ctx context.Context, regionKey string, pages []render.Page, st *state.EngineState) (Report, error) {
	rep := Report{RegionKey: regionKey, Pages: len(pages)}
	prev := st.PageCount(regionKey)
	var errs []error

	for i, page := range pages {
		key := types.SlotKey{RegionKey: regionKey, PageIndex: i}
		if err := e.upsert(ctx, key, page, st, &rep); err != nil {
			if terminal(ctx, err) {
				return rep, err
			}
			log.Warn("slot sync failed", "slot", key.String(), "error", err)
			errs = append(errs, err)
		}
	}

	for i := len(pages); i < prev; i++ {
		key := types.SlotKey{RegionKey: regionKey, PageIndex: i}
		if err := e.retire(ctx, key, st, &rep); err != nil {
			if terminal(ctx, err) {
				return rep, err
			}
			log.Warn("slot retire failed", "slot", key.String(), "error", err)
			errs = append(errs, err)
		}
	}

	return rep, errors.Join(errs...)
}

func (e *Engine) upsert(ctx context.Context, key types.SlotKey, page render.Page, st *state.EngineState, rep *Report) error {
	recreate := false
	if ref, ok := st.Lookup(key); ok {
		err := e.withRetry(ctx, func() error { return e.pub.EditMessage(ctx, ref, page) })
		if err == nil {
			st.Record(key, ref)
			rep.Edited++
			e.opts.Metrics.RecordSlotOp("edit")
			return nil
		}
		if !errors.Is(err, output.ErrNotFound) {
			return fmt.Errorf("edit %s: %w", key, err)
		}
		log.Info("slot target gone, recreating", "slot", key.String(), "ref", ref)
		st.Forget(key)
		recreate = true
	}

	if st.Anchor == "" {
		return fmt.Errorf("create %s: %w", key, ErrNoAnchor)
	}

	var ref types.LocationRef
	err := e.withRetry(ctx, func() error {
		var err error
		ref, err = e.pub.CreateMessage(ctx, st.Anchor, page)
		return err
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	st.Record(key, ref)
	rep.Created++
	e.opts.Metrics.RecordSlotOp("create")
	if recreate {
		rep.Recreated++
		e.opts.Metrics.RecordSlotOp("recreate")
	}
	return nil
}

func (e *Engine) retire(ctx context.Context, key types.SlotKey, st *state.EngineState, rep *Report) error {
	ref, ok := st.Lookup(key)
	if !ok || st.IsRetired(key) {
		return nil
	}
	page := e.opts.RetiredPage(key.RegionKey, key.PageIndex)
	err := e.withRetry(ctx, func() error { return e.pub.EditMessage(ctx, ref, page) })
	switch {
	case err == nil:
		st.MarkRetired(key)
		rep.Retired++
		e.opts.Metrics.RecordSlotOp("retire")
		return nil
	case errors.Is(err, output.ErrNotFound):
		st.Forget(key)
		rep.Dropped++
		e.opts.Metrics.RecordSlotOp("drop")
		return nil
	default:
		return fmt.Errorf("retire %s: %w", key, err)
	}
}

// withRetry runs op, retrying rate-limited attempts with linear backoff.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err != nil {
			e.opts.Metrics.RecordOutputError(output.Kind(err))
		}
		if err == nil || !errors.Is(err, output.ErrRateLimited) || attempt > e.opts.RateLimitRetries {
			return err
		}
		delay := e.opts.Backoff * time.Duration(attempt)
		if after := output.RetryAfter(err); after > delay {
			delay = after
		}
		log.Warn("rate limited, backing off", "attempt", attempt, "delay", delay)
		if err := e.opts.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func terminal(ctx context.Context, err error) bool {
	return errors.Is(err, output.ErrPermissionDenied) || ctx.Err() != nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
