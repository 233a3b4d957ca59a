package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Validate checks configuration correctness.
// It performs declarative validation only and never mutates cfg.
func Validate(cfg *Config) error {
	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", cfg.Scheduler.Interval)
	}

	switch cfg.Filter.Policy {
	case PolicyOr, PolicyAnd, PolicyStatus:
	case PolicyKeywords:
		if len(cfg.Filter.Keywords) == 0 {
			return fmt.Errorf("filter.policy %q requires filter.keywords", PolicyKeywords)
		}
	default:
		return fmt.Errorf("unknown filter.policy %q", cfg.Filter.Policy)
	}
	for _, p := range cfg.Filter.NormalPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("filter.normal_patterns: %q: %w", p, err)
		}
	}

	switch cfg.State.Backend {
	case "file", "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for backend %q", cfg.State.Backend)
		}
	case "postgres":
		if cfg.State.DSN == "" {
			return fmt.Errorf("state.dsn (or EMBEDBOT_POSTGRES_DSN) is required for backend postgres")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", cfg.State.Backend)
	}

	switch cfg.Output.Driver {
	case "discord", "log":
	default:
		return fmt.Errorf("unknown output.driver %q", cfg.Output.Driver)
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", cfg.Log.Format)
	}

	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	keys := make(map[string]string)
	for _, s := range cfg.Sources {
		if err := validateSource(s); err != nil {
			return err
		}
		for _, r := range s.Regions {
			if r.Key == "" {
				return fmt.Errorf("source %q: region without key", s.Name)
			}
			if strings.Contains(r.Key, "|") {
				return fmt.Errorf("source %q: region key %q must not contain '|'", s.Name, r.Key)
			}
			if prev, exists := keys[r.Key]; exists {
				return fmt.Errorf("region key %q declared by sources %q and %q", r.Key, prev, s.Name)
			}
			keys[r.Key] = s.Name
		}
	}
	return nil
}

func validateSource(s Source) error {
	if len(s.Regions) == 0 {
		return fmt.Errorf("source %q: no regions", s.Name)
	}

	switch s.Kind {
	case KindYahoo, KindJRWest:
		if s.URL == "" {
			return fmt.Errorf("source %q: url is required", s.Name)
		}
		for _, r := range s.Regions {
			if r.Area == "" {
				return fmt.Errorf("source %q: region %q needs an area", s.Name, r.Key)
			}
		}
	case KindGTFSRT:
		if s.URL == "" {
			return fmt.Errorf("source %q: url is required", s.Name)
		}
		for _, r := range s.Regions {
			if r.RoutePattern == "" {
				continue
			}
			if _, err := regexp.Compile(r.RoutePattern); err != nil {
				return fmt.Errorf("source %q: region %q route_pattern: %w", s.Name, r.Key, err)
			}
		}
	case KindBrowser:
		if s.Selectors.Item == "" || s.Selectors.Name == "" || s.Selectors.Status == "" {
			return fmt.Errorf("source %q: selectors.item, selectors.name and selectors.status are required", s.Name)
		}
		for _, r := range s.Regions {
			if r.URL == "" && s.URL == "" {
				return fmt.Errorf("source %q: region %q has no url", s.Name, r.Key)
			}
		}
	default:
		return fmt.Errorf("source %q: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}
