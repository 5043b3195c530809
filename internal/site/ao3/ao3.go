// Package ao3 adapts the single-domain archive, which serves whole works
// through an "entire work" view and groups works into series.
package ao3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/site"
)

// Name is the adapter's site label.
const Name = "ao3"

const origin = "https://archiveofourown.org"

const (
	selContent      = "#workskin"
	selEntireWork   = "li.chapter.entire a"
	selTitle        = "h2.title"
	selAuthor       = `a[rel="author"]`
	selChapterIndex = "#selected_id option"
	selTOSPrompt    = "#tos_prompt"
	selTOSAgree     = "#tos_agree"
	selDataAgree    = "#data_processing_agree"
	selAcceptTOS    = "#accept_tos"
	selAdultLink    = `a[href*="view_adult=true"]`
	selSeriesFirst  = "ul.series li.work h4.heading a"
	selSeriesNext   = "span.series a.next"
)

// Adapter implements site.SeriesWalker.
type Adapter struct {
	logger     *zap.Logger
	markerWait time.Duration
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithMarkerWait bounds how long to wait for the content marker.
func WithMarkerWait(d time.Duration) Option {
	return func(a *Adapter) { a.markerWait = d }
}

// New builds the adapter.
func New(logger *zap.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{logger: logger.With(zap.String("site", Name)), markerWait: 30 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements site.Adapter.
func (a *Adapter) Name() string { return Name }

// Detect implements site.Adapter.
func (a *Adapter) Detect(rawURL string) bool {
	return site.MatchHost(rawURL, "archiveofourown.org", "ao3.org")
}

// Content implements site.Adapter.
func (a *Adapter) Content() site.Marker {
	return site.Marker{Selector: selContent, Wait: a.markerWait}
}

// DismissInterstitials clicks through the adult-content warning first,
// since it navigates, and then accepts the terms-of-service prompt.
func (a *Adapter) DismissInterstitials(ctx context.Context, sess serial.Session) {
	a.acceptAdultContent(ctx, sess)
	a.acceptTOS(ctx, sess)
}

func (a *Adapter) acceptAdultContent(ctx context.Context, sess serial.Session) {
	href, err := sess.Href(ctx, selAdultLink)
	if err != nil || href == "" {
		return
	}
	target := absolute(href)
	if err := sess.Navigate(ctx, target); err != nil {
		a.logger.Warn("adult content confirmation failed", zap.String("url", target), zap.Error(err))
		return
	}
	a.logger.Debug("adult content confirmed", zap.String("url", target))
}

func (a *Adapter) acceptTOS(ctx context.Context, sess serial.Session) {
	visible, err := sess.Visible(ctx, selTOSPrompt)
	if err != nil || !visible {
		return
	}
	for _, sel := range []string{selTOSAgree, selDataAgree, selAcceptTOS} {
		if err := sess.Click(ctx, sel); err != nil && !errors.Is(err, serial.ErrElementNotFound) {
			a.logger.Warn("terms prompt click failed", zap.String("selector", sel), zap.Error(err))
			return
		}
	}
	a.logger.Debug("terms prompt accepted")
}

// FetchSinglePage implements site.Adapter.
func (a *Adapter) FetchSinglePage(ctx context.Context, sess serial.Session, rawURL string) (string, error) {
	return site.FetchPage(ctx, sess, a, rawURL)
}

// FetchAllPages follows the "entire work" link when one is offered and
// returns the whole work from that single view.
func (a *Adapter) FetchAllPages(ctx context.Context, sess serial.Session, rawURL string) (string, error) {
	if err := sess.Navigate(ctx, rawURL); err != nil {
		return "", err
	}
	a.DismissInterstitials(ctx, sess)

	if href, err := sess.Href(ctx, selEntireWork); err == nil && href != "" {
		target := absolute(href)
		a.logger.Debug("following entire work view", zap.String("url", target))
		if err := sess.Navigate(ctx, target); err != nil {
			return "", err
		}
		a.DismissInterstitials(ctx, sess)
	}
	return site.Extract(ctx, sess, a.Content())
}

// PageCount reads the chapter index dropdown.
func (a *Adapter) PageCount(ctx context.Context, sess serial.Session) int {
	n, err := sess.Count(ctx, selChapterIndex)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Metadata implements site.Adapter.
func (a *Adapter) Metadata(ctx context.Context, sess serial.Session) serial.Metadata {
	return site.ReadMetadata(ctx, sess, selTitle, selAuthor)
}

// IsSeriesIndex implements site.SeriesWalker.
func (a *Adapter) IsSeriesIndex(rawURL string) bool {
	return strings.Contains(rawURL, "/series/")
}

// FirstWork implements site.SeriesWalker.
func (a *Adapter) FirstWork(ctx context.Context, sess serial.Session, rawURL string) (string, error) {
	if err := sess.Navigate(ctx, rawURL); err != nil {
		return "", err
	}
	a.DismissInterstitials(ctx, sess)
	href, err := sess.Href(ctx, selSeriesFirst)
	if err != nil || href == "" {
		return "", fmt.Errorf("series has no works: %w", serial.ErrElementNotFound)
	}
	return absolute(href), nil
}

// NextWork implements site.SeriesWalker.
func (a *Adapter) NextWork(ctx context.Context, sess serial.Session) (string, bool) {
	href, err := sess.Href(ctx, selSeriesNext)
	if err != nil || href == "" {
		return "", false
	}
	return absolute(href), true
}

func absolute(href string) string {
	u, err := url.Parse(href)
	if err != nil || u.IsAbs() {
		return href
	}
	base, _ := url.Parse(origin)
	return base.ResolveReference(u).String()
}
