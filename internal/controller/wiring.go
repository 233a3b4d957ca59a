package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/internal/filter"
	"github.com/tontonpaa/EmbedBot/internal/metrics"
	"github.com/tontonpaa/EmbedBot/internal/output"
	"github.com/tontonpaa/EmbedBot/internal/render"
	"github.com/tontonpaa/EmbedBot/internal/source"
	"github.com/tontonpaa/EmbedBot/internal/state"
	"github.com/tontonpaa/EmbedBot/internal/storage/journal"
	"github.com/tontonpaa/EmbedBot/internal/syncer"
)

// FromConfig builds a controller and its collaborators from cfg. The
// publisher and metrics collector come from the caller.
func FromConfig(ctx context.Context, cfg *config.Config, pub output.Publisher, m *metrics.Collector) (*Controller, error) {
	bindings, err := source.BuildAll(cfg)
	if err != nil {
		return nil, err
	}
	f, err := filter.New(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	renderer := render.New(render.Options{
		PerPage:      cfg.Render.PerPage,
		MaxPageChars: cfg.Render.MaxPageChars,
		Location:     cfg.Location(),
		ShowCodes:    cfg.Render.ShowCodes,
	})

	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.Open(cfg.Journal.Path, true)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	c, err := NewController(Config{
		Interval:    cfg.Scheduler.Interval,
		RunOnStart:  cfg.Scheduler.RunOnStart,
		Anchor:      cfg.Scheduler.Anchor,
		Workers:     cfg.Workers,
		TaskTimeout: taskTimeout(cfg),
		JournalKeep: cfg.Journal.Keep,
	}, Deps{
		Bindings:  bindings,
		Filter:    f,
		Renderer:  renderer,
		Publisher: pub,
		Store:     store,
		Journal:   j,
		Metrics:   m,
		Sync: syncer.Options{
			RateLimitRetries: cfg.Output.RateLimitRetries,
			Backoff:          cfg.Output.Backoff,
		},
	})
	if err != nil {
		if j != nil {
			_ = j.Close()
		}
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

// taskTimeout bounds one region fetch: index plus detail pages for
// two-stage sources, or every browser attempt with its backoff.
func taskTimeout(cfg *config.Config) time.Duration {
	perRequest := cfg.Fetch.Timeout
	requests := cfg.Fetch.MaxDetails + 2
	if a := cfg.Retry.Attempts; a+1 > requests {
		requests = a + 1
	}
	return perRequest*time.Duration(requests) + cfg.Retry.Delay*time.Duration(cfg.Retry.Attempts*cfg.Retry.Attempts)
}
