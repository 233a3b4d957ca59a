package controller

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/internal/worker"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// runCycle executes one complete cycle on the runner goroutine.
func (c *Controller) runCycle(trigger types.Trigger, anchor string) (sum types.CycleSummary) {
	ctx := c.ctx
	aborted := false
	sum = types.CycleSummary{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartedAt: c.deps.Now(),
		Regions:   make(map[string]types.RegionSummary, len(c.deps.Bindings)),
		Order:     make([]string, 0, len(c.deps.Bindings)),
	}
	for _, b := range c.deps.Bindings {
		sum.Order = append(sum.Order, b.Region.Key)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("cycle panicked", "cycle", sum.CycleID, "panic", r, "stack", string(debug.Stack()))
			sum.Errors = append(sum.Errors, fmt.Sprintf("panic: %v", r))
			for _, key := range sum.Order {
				if _, ok := sum.Regions[key]; !ok {
					sum.Regions[key] = types.RegionSummary{Error: "cycle panicked"}
				}
			}
		}
		c.setPhase(PhaseIdle)
		sum.FinishedAt = c.deps.Now()
		if aborted {
			sum.Outcome = types.OutcomeAborted
		}
		sum.Decide()
	}()

	log.Info("cycle started", "cycle", sum.CycleID, "trigger", trigger)

	if c.loadErr != nil {
		sum.Errors = append(sum.Errors, "state: "+c.loadErr.Error())
		c.loadErr = nil
	}
	if err := c.ensureAnchor(ctx, anchor); err != nil {
		sum.Errors = append(sum.Errors, "anchor: "+err.Error())
	}

	// 1. fetch
	c.setPhase(PhaseFetching)
	tasks := make([]worker.Task, len(c.deps.Bindings))
	for i, b := range c.deps.Bindings {
		b := b
		tasks[i] = worker.Task{
			ID:      b.Region.Key,
			Timeout: c.config.TaskTimeout,
			Run: func(ctx context.Context) (any, error) {
				return b.Adapter.Fetch(ctx, b.Region)
			},
		}
	}
	results, err := c.pool.Do(ctx, tasks)
	if err != nil {
		log.Warn("fetch phase interrupted", "cycle", sum.CycleID, "error", err)
	}

	// 2. normalize
	c.setPhase(PhaseNormalizing)
	regions := make([]types.RegionResult, len(c.deps.Bindings))
	for i, b := range c.deps.Bindings {
		var res worker.Result
		if i < len(results) {
			res = results[i]
		} else {
			res = worker.Result{ID: b.Region.Key, Err: err}
		}
		regions[i] = c.normalize(b.Region, res)
	}

	// 3. render + sync
	c.setPhase(PhaseSyncing)
	for i, b := range c.deps.Bindings {
		key := b.Region.Key
		res := regions[i]
		rs := types.RegionSummary{
			OK:          !res.Failed(),
			RecordCount: res.Len(),
			LastUpdated: res.FetchedAt,
		}
		if res.Failed() {
			rs.Error = res.FetchErr.Error()
		}

		if ctx.Err() != nil {
			rs.OK = false
			rs.Error = joinErr(rs.Error, "cycle aborted before sync")
			sum.Regions[key] = rs
			continue
		}

		pages := c.deps.Renderer.Render(res, b.Region.Color)
		rs.Pages = len(pages)
		rep, err := c.engine.Sync(ctx, key, pages, c.st)
		if err != nil {
			rs.OK = false
			rs.Error = joinErr(rs.Error, err.Error())
			log.Error("region sync failed", "cycle", sum.CycleID, "region", key, "error", err)
		}
		log.Debug("region synced", "region", key,
			"pages", rep.Pages, "created", rep.Created, "edited", rep.Edited,
			"recreated", rep.Recreated, "retired", rep.Retired, "dropped", rep.Dropped)
		sum.Regions[key] = rs
	}

	// 4. persist
	if ctx.Err() != nil {
		aborted = true
		log.Warn("cycle cancelled, state not persisted", "cycle", sum.CycleID)
		return sum
	}
	c.setPhase(PhasePersisting)
	if err := c.deps.Store.Save(ctx, c.st); err != nil {
		c.deps.Metrics.RecordSaveFailure()
		sum.Errors = append(sum.Errors, "state save: "+err.Error())
		log.Error("state save failed", "cycle", sum.CycleID, "error", err)
	}
	return sum
}

// normalize turns a fetch result into the region's displayable records.
func (c *Controller) normalize(region config.Region, res worker.Result) types.RegionResult {
	at := c.deps.Now()
	if res.Err != nil {
		c.deps.Metrics.RecordFetch(region.Key, false, 1)
		log.Warn("region fetch failed", "region", region.Key, "error", res.Err)
		return types.NewErrorResult(region.Key, region.Name, c.deps.Filter.ErrorRecord(region, res.Err), res.Err, at)
	}

	raw, ok := res.Value.([]types.StatusRecord)
	if !ok && res.Value != nil {
		err := fmt.Errorf("unexpected fetch result %T", res.Value)
		c.deps.Metrics.RecordFetch(region.Key, false, 1)
		return types.NewErrorResult(region.Key, region.Name, c.deps.Filter.ErrorRecord(region, err), err, at)
	}
	records := c.deps.Filter.Apply(region, raw)
	c.deps.Metrics.RecordFetch(region.Key, true, len(records))
	return types.NewRegionResult(region.Key, region.Name, records, c.deps.Filter.NormalRecord(region), at)
}

// ensureAnchor sets the anchor once. Later differing anchors are ignored.
func (c *Controller) ensureAnchor(ctx context.Context, anchor string) error {
	anchor = strings.TrimSpace(anchor)
	if c.st.Anchor != "" {
		if anchor != "" && types.Anchor(anchor) != c.st.Anchor {
			log.Info("anchor already set, ignoring requested anchor", "anchor", c.st.Anchor, "requested", anchor)
		}
		return nil
	}
	if anchor == "" {
		return nil
	}
	resolved, err := c.deps.Publisher.ResolveChannel(ctx, anchor)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", anchor, err)
	}
	c.st.Anchor = resolved
	log.Info("anchor set", "anchor", resolved)
	return nil
}

func joinErr(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
