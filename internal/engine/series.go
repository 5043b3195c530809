package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/metrics"
	"github.com/JakeFAU/serialfetch/internal/retry"
	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/site"
)

// DefaultSeriesTitle names a series document when the origin gives none.
const DefaultSeriesTitle = "Fanfic Series"

// Series walks a chain of works by following "next work" links, starting
// either at a series index or at any work in the chain. The walk stops at
// the end of the chain, on a revisited URL, or after MaxSeriesWorks works.
// A work that cannot be fetched ends the walk; it fails the fetch only when
// nothing was collected before it.
func (e *Engine) Series(ctx context.Context, a site.SeriesWalker, rawURL string, progress ProgressFunc) (Result, error) {
	start := time.Now()
	logger := e.logger.With(zap.String("site", a.Name()), zap.String("url", rawURL))
	maxWorks := e.opts.MaxSeriesWorks
	if maxWorks < 1 {
		maxWorks = 1
	}

	var (
		sections []serial.Section
		failed   []int
		author   string
	)
	err := e.withSession(ctx, func(sess serial.Session) error {
		next := rawURL
		if a.IsSeriesIndex(rawURL) {
			out := retry.Do(ctx, e.policyFor(a.Name(), 0, 0), func(ctx context.Context, _ int) (string, error) {
				return a.FirstWork(ctx, sess, rawURL)
			})
			if out.Err != nil {
				return fmt.Errorf("open series index: %w", out.Err)
			}
			next = out.Value
		}

		visited := make(map[string]struct{})
		for n := 1; next != ""; n++ {
			if n > maxWorks {
				logger.Warn("series walk hit work limit", zap.Int("limit", maxWorks))
				break
			}
			if _, seen := visited[next]; seen {
				logger.Warn("series chain loops back", zap.String("work", next))
				break
			}
			visited[next] = struct{}{}

			workURL := next
			out := retry.Do(ctx, e.policyFor(a.Name(), n, 0), func(ctx context.Context, _ int) (string, error) {
				return a.FetchAllPages(ctx, sess, workURL)
			})
			if out.Err != nil {
				if err := ctx.Err(); err != nil {
					return err
				}
				metrics.ObservePage(a.Name(), "failed")
				if len(sections) == 0 {
					return fmt.Errorf("work %d: %w", n, out.Err)
				}
				logger.Warn("series walk stopped at unreadable work", zap.Int("work", n), zap.Error(out.Err))
				failed = append(failed, n)
				break
			}
			metrics.ObservePage(a.Name(), "success")

			meta := a.Metadata(ctx, sess)
			title := meta.Title
			if title == serial.DefaultTitle {
				title = fmt.Sprintf("Story %d", n)
			}
			if author == "" {
				author = meta.Author
			}
			sections = append(sections, serial.Section{Title: title, HTML: out.Value})
			if progress != nil {
				progress(n, 0)
			}
			logger.Info("fetched series work", zap.Int("work", n), zap.String("title", title))

			url, ok := a.NextWork(ctx, sess)
			if !ok {
				break
			}
			next = url
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch series: %w", err)
	}
	if len(sections) == 0 {
		return Result{}, fmt.Errorf("fetch series: no works found")
	}

	stats := simpleStats(len(sections)+len(failed), failed, start)
	metrics.ObserveFetchDuration(a.Name(), time.Since(start))
	return Result{
		Sections: sections,
		Metadata: serial.Metadata{Title: DefaultSeriesTitle, Author: author}.WithDefaults(),
		Stats:    stats,
	}, nil
}
