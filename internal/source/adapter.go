// ============================================================================
// embedbot source adapters
// ============================================================================
//
// Package: internal/source
// File: adapter.go
// Purpose: Contract and typed errors shared by every upstream adapter
//
// An Adapter turns one region of one provider into raw StatusRecords. It
// either returns the complete record list or a *FetchError, never both.
//
// Error kinds:
//   ErrUnreachable   network failure, timeout, non-2xx, cancellation
//   ErrParseFailure  the payload no longer has the expected shape
//
// errors.Is matches the kind and the underlying cause.
//
// ============================================================================

package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

var (
	// ErrUnreachable means the upstream could not be reached or answered non-2xx
	ErrUnreachable = errors.New("source unreachable")
	// ErrParseFailure means the upstream answered with an unexpected shape
	ErrParseFailure = errors.New("source parse failure")
	// ErrUnknownKind means no adapter is registered for a source kind
	ErrUnknownKind = errors.New("unknown source kind")
)

// Adapter fetches the raw status of one region
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, region config.Region) ([]types.StatusRecord, error)
}

// FetchError is the only error type adapters return
type FetchError struct {
	Source string
	Region string
	Kind   error // ErrUnreachable or ErrParseFailure
	Err    error
}

func (e *FetchError) Error() string {
	// inner errors usually carry the kind already
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("%s/%s: %v", e.Source, e.Region, e.Err)
	}
	return fmt.Sprintf("%s/%s: %v: %v", e.Source, e.Region, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{e.Kind, e.Err} }

// fail wraps err as a FetchError unless it already is one.
func fail(source, region string, kind, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrParseFailure) {
		kind = ErrParseFailure
	} else if errors.Is(err, ErrUnreachable) {
		kind = ErrUnreachable
	}
	return &FetchError{Source: source, Region: region, Kind: kind, Err: err}
}

// Options carries the fetch settings shared by all adapters
type Options struct {
	Timeout    time.Duration
	UserAgent  string
	MaxDetails int
	Retry      config.RetryConfig
	// Client overrides the HTTP client; tests point it at httptest servers
	Client *http.Client
}

// OptionsFrom extracts adapter options from the configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Timeout:    cfg.Fetch.Timeout,
		UserAgent:  cfg.Fetch.UserAgent,
		MaxDetails: cfg.Fetch.MaxDetails,
		Retry:      cfg.Retry,
	}
}

// Build constructs the adapter for src.
func Build(src config.Source, opts Options) (Adapter, error) {
	switch src.Kind {
	case config.KindYahoo:
		return NewYahoo(src, opts), nil
	case config.KindJRWest:
		return NewJRWest(src, opts), nil
	case config.KindGTFSRT:
		return NewGTFSRT(src, opts), nil
	case config.KindBrowser:
		return NewBrowser(src, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, src.Kind)
	}
}

// Binding pairs a region with the adapter that serves it
type Binding struct {
	Region  config.Region
	Adapter Adapter
}

// BuildAll builds one binding per configured region in declaration order.
func BuildAll(cfg *config.Config) ([]Binding, error) {
	opts := OptionsFrom(cfg)
	var out []Binding
	for _, src := range cfg.Sources {
		a, err := Build(src, opts)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		for _, r := range src.Regions {
			out = append(out, Binding{Region: r, Adapter: a})
		}
	}
	return out, nil
}

// regionURL picks the region's URL over the source URL and expands {area}.
func regionURL(base string, region config.Region) string {
	u := base
	if region.URL != "" {
		u = region.URL
	}
	return strings.ReplaceAll(u, "{area}", region.Area)
}

func qualify(region config.Region, name string) string {
	return "[" + region.Prefix() + "] " + name
}
