// Package ffn adapts the chaptered fiction site, which serves one chapter
// per URL and sits behind an aggressive bot challenge.
package ffn

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/markup"
	"github.com/JakeFAU/serialfetch/internal/retry"
	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/site"
)

// Name is the adapter's site label.
const Name = "ffn"

const (
	selContent       = "#storytext"
	selChapterSelect = "select#chap_select"
	selChapterOption = "select#chap_select option"
	selTitle         = "#profile_top b.xcontrast_txt"
	selAuthor        = "#profile_top a.xcontrast_txt"
	selPageTitle     = "title"
)

// challengeSelectors are elements only the bot challenge interstitial renders.
var challengeSelectors = []string{
	"#challenge-form",
	"#challenge-stage",
	"#cf-challenge-running",
	"iframe[src*='challenges.cloudflare.com']",
}

// challengeTitles are lowercased fragments of the interstitial's title.
var challengeTitles = []string{
	"just a moment",
	"attention required",
	"checking your browser",
}

// Options controls pacing of the sequential driver loop.
type Options struct {
	MarkerWait time.Duration
	Retry      retry.Policy
	PageDelay  time.Duration
	PageJitter time.Duration
}

// DefaultOptions returns the pacing the origin tolerates.
func DefaultOptions() Options {
	return Options{
		MarkerWait: 10 * time.Second,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   8 * time.Second,
			Growth:      1,
			MaxJitter:   4 * time.Second,
		},
		PageDelay:  5 * time.Second,
		PageJitter: 3 * time.Second,
	}
}

// Adapter implements site.Paginator.
type Adapter struct {
	logger *zap.Logger
	opts   Options
}

// New builds the adapter.
func New(logger *zap.Logger, opts Options) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger.With(zap.String("site", Name)), opts: opts}
}

// Name implements site.Adapter.
func (a *Adapter) Name() string { return Name }

// Detect implements site.Adapter.
func (a *Adapter) Detect(rawURL string) bool {
	return site.MatchHost(rawURL, "fanfiction.net")
}

// Content implements site.Adapter.
func (a *Adapter) Content() site.Marker {
	return site.Marker{Selector: selContent, Wait: a.opts.MarkerWait}
}

// DismissInterstitials is a no-op; the origin shows no prompts.
func (a *Adapter) DismissInterstitials(context.Context, serial.Session) {}

// Challenged implements site.ChallengeDetector. It runs after the content
// marker failed to appear and looks for the interstitial's markers.
func (a *Adapter) Challenged(ctx context.Context, sess serial.Session) bool {
	for _, sel := range challengeSelectors {
		if n, err := sess.Count(ctx, sel); err == nil && n > 0 {
			return true
		}
	}
	title, err := sess.Text(ctx, selPageTitle)
	if err != nil {
		return false
	}
	title = strings.ToLower(title)
	for _, marker := range challengeTitles {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}

// FetchSinglePage implements site.Adapter.
func (a *Adapter) FetchSinglePage(ctx context.Context, sess serial.Session, rawURL string) (string, error) {
	return site.FetchPage(ctx, sess, a, rawURL)
}

// FetchAllPages walks every chapter on one session, retrying each and
// pausing between chapters. A chapter that exhausts its retries fails the
// whole fetch.
func (a *Adapter) FetchAllPages(ctx context.Context, sess serial.Session, rawURL string) (string, error) {
	current := CurrentPage(rawURL)
	first, err := a.fetchWithRetry(ctx, sess, rawURL, current)
	if err != nil {
		return "", err
	}
	total := a.PageCount(ctx, sess)

	chapters := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		content := first
		if i != current {
			pageURL, err := a.PageURL(rawURL, i)
			if err != nil {
				return "", err
			}
			if content, err = a.fetchWithRetry(ctx, sess, pageURL, i); err != nil {
				return "", err
			}
		}
		chapters = append(chapters, markup.ChapterBlock(i, content))

		if i < total {
			if err := retry.Sleep(ctx, a.opts.PageDelay+retry.Jitter(a.opts.PageJitter)); err != nil {
				return "", err
			}
		}
	}
	return markup.Join(chapters), nil
}

func (a *Adapter) fetchWithRetry(ctx context.Context, sess serial.Session, pageURL string, page int) (string, error) {
	out := retry.Do(ctx, a.opts.Retry, func(ctx context.Context, attempt int) (string, error) {
		if attempt > 1 {
			a.logger.Debug("retrying chapter", zap.Int("page", page), zap.Int("attempt", attempt))
		}
		return site.FetchPage(ctx, sess, a, pageURL)
	})
	if out.Err != nil {
		return "", fmt.Errorf("chapter %d: %w", page, out.Err)
	}
	return out.Value, nil
}

// PageCount reads the chapter dropdown. The page renders the dropdown
// twice, so options are divided by the number of dropdowns.
func (a *Adapter) PageCount(ctx context.Context, sess serial.Session) int {
	selects, err := sess.Count(ctx, selChapterSelect)
	if err != nil || selects < 1 {
		return 1
	}
	options, err := sess.Count(ctx, selChapterOption)
	if err != nil || options < selects {
		return 1
	}
	return options / selects
}

// Metadata implements site.Adapter.
func (a *Adapter) Metadata(ctx context.Context, sess serial.Session) serial.Metadata {
	return site.ReadMetadata(ctx, sess, selTitle, selAuthor)
}

// PageURL rewrites a story URL of the form /s/{id}/{n}/{slug} to point at
// chapter n.
func (a *Adapter) PageURL(base string, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("chapter number must be >= 1, got %d", n)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse story url: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] != "s" {
		return "", fmt.Errorf("not a story url: %s", base)
	}
	path := []string{"s", segments[1], strconv.Itoa(n)}
	if len(segments) > 3 {
		path = append(path, segments[3:]...)
	}
	u.Path = "/" + strings.Join(path, "/")
	if len(segments) <= 3 {
		u.Path += "/"
	}
	return u.String(), nil
}

// CurrentPage returns the chapter number in a story URL, defaulting to 1.
func CurrentPage(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 1
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 3 || segments[0] != "s" {
		return 1
	}
	n, err := strconv.Atoi(segments[2])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
