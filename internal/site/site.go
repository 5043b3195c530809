// Package site defines the per-origin extraction contract and the glue
// shared by every origin.
package site

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/serialfetch/internal/serial"
)

// Marker is the element that signals a page's content has rendered.
type Marker struct {
	Selector string
	Wait     time.Duration
}

// Adapter encapsulates what differs between origins.
type Adapter interface {
	Name() string
	// Detect is a cheap host match used for routing before any network call.
	Detect(rawURL string) bool
	Content() Marker
	// DismissInterstitials clears consent and age-gate prompts. It never
	// fails; problems are logged.
	DismissInterstitials(ctx context.Context, sess serial.Session)
	FetchSinglePage(ctx context.Context, sess serial.Session, rawURL string) (string, error)
	FetchAllPages(ctx context.Context, sess serial.Session, rawURL string) (string, error)
	// PageCount inspects the current page and defaults to 1.
	PageCount(ctx context.Context, sess serial.Session) int
	// Metadata inspects the current page and falls back to defaults.
	Metadata(ctx context.Context, sess serial.Session) serial.Metadata
}

// Paginator is implemented by origins with direct per-page URLs, which
// makes them eligible for parallel fetching.
type Paginator interface {
	Adapter
	PageURL(base string, n int) (string, error)
}

// SeriesWalker is implemented by origins that group works into series.
type SeriesWalker interface {
	Adapter
	IsSeriesIndex(rawURL string) bool
	// FirstWork opens a series index and returns the first work's URL.
	FirstWork(ctx context.Context, sess serial.Session, rawURL string) (string, error)
	// NextWork reads the current work's "next in series" link.
	NextWork(ctx context.Context, sess serial.Session) (string, bool)
}

// ChallengeDetector is implemented by origins that can recognize their own
// bot challenge page.
type ChallengeDetector interface {
	Challenged(ctx context.Context, sess serial.Session) bool
}

// FetchPage navigates to rawURL, clears interstitials, waits for the
// content marker and returns its markup. A marker that never appears
// surfaces as serial.ErrSelectorTimeout, or additionally as
// serial.ErrChallenge when the adapter recognizes a challenge page.
func FetchPage(ctx context.Context, sess serial.Session, a Adapter, rawURL string) (string, error) {
	if err := sess.Navigate(ctx, rawURL); err != nil {
		return "", err
	}
	a.DismissInterstitials(ctx, sess)
	html, err := Extract(ctx, sess, a.Content())
	if errors.Is(err, serial.ErrSelectorTimeout) {
		if d, ok := a.(ChallengeDetector); ok && d.Challenged(ctx, sess) {
			return "", fmt.Errorf("%w: %w", serial.ErrChallenge, err)
		}
	}
	return html, err
}

// Extract waits for m on the current page and returns its markup.
func Extract(ctx context.Context, sess serial.Session, m Marker) (string, error) {
	if err := sess.WaitVisible(ctx, m.Selector, m.Wait); err != nil {
		return "", err
	}
	html, err := sess.InnerHTML(ctx, m.Selector)
	if err != nil {
		return "", fmt.Errorf("extract content: %w", err)
	}
	return html, nil
}

// ReadMetadata reads title and author text, falling back to defaults.
func ReadMetadata(ctx context.Context, sess serial.Session, titleSel, authorSel string) serial.Metadata {
	var meta serial.Metadata
	if title, err := sess.Text(ctx, titleSel); err == nil {
		meta.Title = title
	}
	if author, err := sess.Text(ctx, authorSel); err == nil {
		meta.Author = author
	}
	return meta.WithDefaults()
}

// MatchHost reports whether rawURL is an http(s) URL on one of domains or
// a subdomain of one.
func MatchHost(rawURL string, domains ...string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Registry holds the closed set of supported origins.
type Registry struct {
	adapters []Adapter
}

// NewRegistry builds a registry; earlier adapters win on overlap.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Lookup returns the adapter that recognizes rawURL.
func (r *Registry) Lookup(rawURL string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Detect(rawURL) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", rawURL, serial.ErrUnsupportedSite)
}

// Names lists the registered origins.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		names = append(names, a.Name())
	}
	return names
}
