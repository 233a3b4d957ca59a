// Package logging installs the process slog handler and gives packages a
// logger that follows it.
//
// Package-level loggers are created during init, before the CLI has read
// the configuration. They are built on Forward, which resolves
// slog.Default() on every record, so Setup takes effect for them too.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Forward is a slog.Handler delegating to the current default handler
type Forward struct{}

func (Forward) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (Forward) Handle(ctx context.Context, r slog.Record) error {
	return slog.Default().Handler().Handle(ctx, r)
}

func (Forward) WithAttrs(attrs []slog.Attr) slog.Handler {
	return slog.Default().Handler().WithAttrs(attrs)
}

func (Forward) WithGroup(name string) slog.Handler {
	return slog.Default().Handler().WithGroup(name)
}

// New returns a logger built on Forward.
func New() *slog.Logger {
	return slog.New(Forward{})
}

// Setup installs a text or json handler writing to w at level
// (debug, info, warn, error) as the default.
func Setup(level, format string, w io.Writer) error {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("log level %q: %w", level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
