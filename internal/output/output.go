// Package output defines the chat-platform collaborator used by the sync
// engine and the error taxonomy it must report.
package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tontonpaa/EmbedBot/internal/render"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var (
	// ErrNotFound means the target message or channel no longer exists
	ErrNotFound = errors.New("output: not found")
	// ErrRateLimited means the platform asked us to slow down
	ErrRateLimited = errors.New("output: rate limited")
	// ErrPermissionDenied is terminal for the anchor it happened on
	ErrPermissionDenied = errors.New("output: permission denied")
)

// Publisher creates and edits status-board messages
type Publisher interface {
	CreateMessage(ctx context.Context, anchor types.Anchor, page render.Page) (types.LocationRef, error)
	EditMessage(ctx context.Context, ref types.LocationRef, page render.Page) error
	ResolveChannel(ctx context.Context, id string) (types.Anchor, error)
}

// RateLimitError carries the delay requested by the platform.
// errors.Is(err, ErrRateLimited) holds for it.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (retry after %s): %v", ErrRateLimited, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%v (retry after %s)", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRateLimited}
	}
	return []error{ErrRateLimited, e.Err}
}

// RetryAfter extracts the requested delay from err, or 0.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
