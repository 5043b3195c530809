package serial

import (
	"context"
	"errors"
	"time"
)

// ErrSelectorTimeout marks a content marker that never appeared within the
// bounded wait. Origins serving challenge pages produce it routinely, so it
// is always treated as retryable.
var ErrSelectorTimeout = errors.New("selector wait timed out")

// ErrElementNotFound is returned when a queried element is absent.
var ErrElementNotFound = errors.New("element not found")

// ErrChallenge marks a page that served a bot challenge instead of content.
var ErrChallenge = errors.New("bot challenge served")

// ErrUnsupportedSite is returned when no adapter recognizes a URL.
var ErrUnsupportedSite = errors.New("unsupported site")

// Session is one browser tab bound to a single worker. Sessions are never
// shared between goroutines.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until selector is visible or the wait expires with
	// ErrSelectorTimeout.
	WaitVisible(ctx context.Context, selector string, wait time.Duration) error
	InnerHTML(ctx context.Context, selector string) (string, error)
	Text(ctx context.Context, selector string) (string, error)
	// Href returns the absolute link target of the first match.
	Href(ctx context.Context, selector string) (string, error)
	Count(ctx context.Context, selector string) (int, error)
	Visible(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Close() error
}

// SessionFactory opens independent browser sessions. A session's lifetime
// is bounded by the context passed to Open.
type SessionFactory interface {
	Open(ctx context.Context) (Session, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
