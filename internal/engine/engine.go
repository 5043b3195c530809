// Package engine orchestrates page fetches across browser sessions: the
// parallel multi-worker path, the single-session sequential path, and the
// series walk.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/serialfetch/internal/markup"
	"github.com/JakeFAU/serialfetch/internal/metrics"
	"github.com/JakeFAU/serialfetch/internal/planner"
	"github.com/JakeFAU/serialfetch/internal/retry"
	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/site"
)

// ProgressFunc receives page completions. total is zero when unknown.
type ProgressFunc func(done, total int)

// Options tunes orchestration pacing.
type Options struct {
	PagesPerWorker int
	MaxWorkers     int
	Retry          retry.Policy
	// Stagger separates worker launches.
	Stagger time.Duration
	// PageDelay plus up to PageJitter separates pages within a worker.
	PageDelay  time.Duration
	PageJitter time.Duration
	// Cooldown precedes the final retry pass; FinalPassDelay separates
	// pages within it.
	Cooldown       time.Duration
	FinalPassDelay time.Duration
	MaxSeriesWorks int
}

// DefaultOptions returns pacing that keeps bot defenses quiet.
func DefaultOptions() Options {
	return Options{
		PagesPerWorker: 15,
		MaxWorkers:     2,
		Retry:          retry.DefaultPolicy(),
		Stagger:        3 * time.Second,
		PageDelay:      4 * time.Second,
		PageJitter:     2 * time.Second,
		Cooldown:       10 * time.Second,
		FinalPassDelay: 16 * time.Second,
		MaxSeriesWorks: 50,
	}
}

// Result is fetched content ready for rendering.
type Result struct {
	Sections []serial.Section
	Metadata serial.Metadata
	Stats    *serial.FetchStats
}

// Engine runs fetches against sessions from a factory.
type Engine struct {
	factory serial.SessionFactory
	opts    Options
	logger  *zap.Logger
}

// New builds an engine.
func New(factory serial.SessionFactory, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PagesPerWorker < 1 {
		opts.PagesPerWorker = 1
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	return &Engine{factory: factory, opts: opts, logger: logger}
}

// withSession opens a session, runs fn and always closes the session.
func (e *Engine) withSession(ctx context.Context, fn func(serial.Session) error) error {
	sess, err := e.factory.Open(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Warn("close session failed", zap.Error(err))
		}
	}()
	return fn(sess)
}

// policyFor returns the retry policy with failure accounting for one page.
func (e *Engine) policyFor(siteName string, page, worker int) retry.Policy {
	p := e.opts.Retry
	p.OnFailure = func(attempt int, class retry.Class, err error) {
		metrics.ObservePageRetry(siteName, string(class))
		e.logger.Warn("page attempt failed",
			zap.String("site", siteName),
			zap.Int("worker", worker),
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.Error(err),
		)
	}
	return p
}

// SinglePage fetches one page with retries.
func (e *Engine) SinglePage(ctx context.Context, a site.Adapter, rawURL string) (Result, error) {
	start := time.Now()
	var res Result
	err := e.withSession(ctx, func(sess serial.Session) error {
		out := retry.Do(ctx, e.policyFor(a.Name(), 1, 0), func(ctx context.Context, _ int) (string, error) {
			return a.FetchSinglePage(ctx, sess, rawURL)
		})
		if out.Err != nil {
			metrics.ObservePage(a.Name(), "failed")
			return out.Err
		}
		metrics.ObservePage(a.Name(), "success")
		res.Metadata = a.Metadata(ctx, sess)
		res.Sections = []serial.Section{{Title: res.Metadata.Title, HTML: out.Value}}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch page: %w", err)
	}
	res.Stats = simpleStats(1, nil, start)
	return res, nil
}

// Sequential fetches a whole work on one session through the adapter's own
// driver. Origins with a single whole-work view are retried as a unit;
// paginated origins retry per page inside their driver.
func (e *Engine) Sequential(ctx context.Context, a site.Adapter, rawURL string) (Result, error) {
	start := time.Now()
	policy := retry.Policy{MaxAttempts: 1}
	if _, paginated := a.(site.Paginator); !paginated {
		policy = e.policyFor(a.Name(), 1, 0)
	}

	var (
		res Result
		doc string
	)
	err := e.withSession(ctx, func(sess serial.Session) error {
		out := retry.Do(ctx, policy, func(ctx context.Context, _ int) (string, error) {
			return a.FetchAllPages(ctx, sess, rawURL)
		})
		if out.Err != nil {
			return out.Err
		}
		res.Metadata = a.Metadata(ctx, sess)
		doc = out.Value
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch work: %w", err)
	}

	// Renderers add section headings, so chapter blocks are unwrapped.
	parts := markup.Split(doc)
	for i, part := range parts {
		if title, content, ok := markup.UnwrapChapter(part); ok {
			res.Sections = append(res.Sections, serial.Section{Title: title, HTML: content})
			continue
		}
		title := res.Metadata.Title
		if len(parts) > 1 {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		res.Sections = append(res.Sections, serial.Section{Title: title, HTML: part})
	}
	metrics.ObservePage(a.Name(), "success")
	res.Stats = simpleStats(len(parts), nil, start)
	return res, nil
}

func simpleStats(total int, failed []int, start time.Time) *serial.FetchStats {
	elapsed := time.Since(start).Milliseconds()
	stats := &serial.FetchStats{
		TotalPages:      total,
		SuccessfulPages: total - len(failed),
		FailedPages:     failed,
		Workers:         1,
		DurationMs:      elapsed,
	}
	if stats.FailedPages == nil {
		stats.FailedPages = []int{}
	}
	if total > 0 {
		stats.DurationPerPageMs = elapsed / int64(total)
	}
	return stats
}

// FetchParallel fetches every page of a paginated work with one session
// per worker. Individual page failures never fail the fetch; only failing
// to resolve the page count does.
func (e *Engine) FetchParallel(ctx context.Context, a site.Paginator, rawURL string, progress ProgressFunc) (Result, error) {
	start := time.Now()
	logger := e.logger.With(zap.String("site", a.Name()), zap.String("url", rawURL))

	total, meta, err := e.resolve(ctx, a, rawURL)
	if err != nil {
		return Result{}, err
	}
	logger.Info("resolved work", zap.Int("total_pages", total), zap.String("title", meta.Title))

	plan := []serial.WorkerAssignment{{Start: 1, End: 1}}
	if total > 1 {
		if plan, err = planner.Plan(total, e.opts.PagesPerWorker, e.opts.MaxWorkers); err != nil {
			return Result{}, err
		}
	}
	logger.Info("worker plan", zap.Int("workers", len(plan)), zap.Any("plan", planner.Summarize(plan)))

	var done atomic.Int64
	tick := func() {
		n := done.Add(1)
		if progress != nil {
			progress(int(n), total)
		}
	}

	batches := make([][]serial.ChapterResult, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for i, assignment := range plan {
		if i > 0 {
			if err := retry.Sleep(gctx, e.opts.Stagger); err != nil {
				break
			}
		}
		g.Go(func() error {
			batches[i] = e.runWorker(gctx, a, rawURL, i, assignment, tick)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	merged := Merge(batches...)
	failed := failedIndices(merged)
	retried := len(failed)
	if retried > 0 {
		logger.Info("retrying failed pages", zap.Ints("pages", failed))
		merged = Merge(merged, e.finalPass(ctx, a, rawURL, failed))
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	sections, failed := Combine(merged)
	for _, r := range merged {
		status := "success"
		if !r.Success {
			status = "failed"
		}
		metrics.ObservePage(a.Name(), status)
	}

	elapsed := time.Since(start)
	metrics.ObserveFetchDuration(a.Name(), elapsed)
	stats := &serial.FetchStats{
		TotalPages:        total,
		SuccessfulPages:   len(sections),
		FailedPages:       failed,
		RetriedPages:      retried,
		Workers:           len(plan),
		DurationMs:        elapsed.Milliseconds(),
		DurationPerPageMs: elapsed.Milliseconds() / int64(total),
		Assignments:       planner.Summarize(plan),
	}
	if len(failed) > 0 {
		logger.Warn("some pages failed permanently", zap.Ints("pages", failed))
	}
	logger.Info("parallel fetch complete",
		zap.Int("successful_pages", stats.SuccessfulPages),
		zap.Int("failed_pages", len(failed)),
		zap.Duration("duration", elapsed),
	)
	return Result{Sections: sections, Metadata: meta, Stats: stats}, nil
}

// resolve opens the entry page to read the page count and metadata.
func (e *Engine) resolve(ctx context.Context, a site.Paginator, rawURL string) (int, serial.Metadata, error) {
	var (
		total int
		meta  serial.Metadata
	)
	err := e.withSession(ctx, func(sess serial.Session) error {
		out := retry.Do(ctx, e.policyFor(a.Name(), 0, 0), func(ctx context.Context, _ int) (string, error) {
			return site.FetchPage(ctx, sess, a, rawURL)
		})
		if out.Err != nil {
			return out.Err
		}
		total = a.PageCount(ctx, sess)
		meta = a.Metadata(ctx, sess)
		return nil
	})
	if err != nil {
		return 0, serial.Metadata{}, fmt.Errorf("resolve page count: %w", err)
	}
	return max(total, 1), meta, nil
}

// runWorker fetches one contiguous range on its own session. It always
// returns one result per assigned page.
func (e *Engine) runWorker(
	ctx context.Context,
	a site.Paginator,
	rawURL string,
	worker int,
	assignment serial.WorkerAssignment,
	tick func(),
) []serial.ChapterResult {
	logger := e.logger.With(zap.String("site", a.Name()), zap.Int("worker", worker))
	results := make([]serial.ChapterResult, 0, assignment.Size())
	fail := func(from int, err error) {
		for p := from; p <= assignment.End; p++ {
			results = append(results, serial.ChapterResult{Index: p, Error: err.Error()})
		}
	}

	logger.Debug("worker starting", zap.Int("start", assignment.Start), zap.Int("end", assignment.End))
	err := e.withSession(ctx, func(sess serial.Session) error {
		for p := assignment.Start; p <= assignment.End; p++ {
			if p > assignment.Start {
				if err := retry.Sleep(ctx, e.opts.PageDelay+retry.Jitter(e.opts.PageJitter)); err != nil {
					fail(p, err)
					return nil
				}
			}
			results = append(results, e.fetchOne(ctx, sess, a, rawURL, p, worker))
			tick()
		}
		return nil
	})
	if err != nil {
		logger.Error("worker session failed", zap.Error(err))
		fail(assignment.Start, err)
	}
	return results
}

func (e *Engine) fetchOne(
	ctx context.Context,
	sess serial.Session,
	a site.Paginator,
	rawURL string,
	page, worker int,
) serial.ChapterResult {
	pageURL, err := a.PageURL(rawURL, page)
	if err != nil {
		return serial.ChapterResult{Index: page, Error: err.Error()}
	}
	out := retry.Do(ctx, e.policyFor(a.Name(), page, worker), func(ctx context.Context, _ int) (string, error) {
		return site.FetchPage(ctx, sess, a, pageURL)
	})
	if out.Err != nil {
		return serial.ChapterResult{Index: page, Error: out.Err.Error()}
	}
	return serial.ChapterResult{Index: page, Content: out.Value, Success: true}
}

// finalPass re-drives failed pages sequentially on one fresh session.
func (e *Engine) finalPass(ctx context.Context, a site.Paginator, rawURL string, pages []int) []serial.ChapterResult {
	if err := retry.Sleep(ctx, e.opts.Cooldown); err != nil {
		return nil
	}
	var results []serial.ChapterResult
	err := e.withSession(ctx, func(sess serial.Session) error {
		for _, p := range pages {
			if err := retry.Sleep(ctx, e.opts.FinalPassDelay); err != nil {
				return err
			}
			results = append(results, e.fetchOne(ctx, sess, a, rawURL, p, -1))
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("final retry pass aborted", zap.String("site", a.Name()), zap.Error(err))
	}
	return results
}

// Merge combines result batches by page index. A success always replaces a
// failure for the same index, so batch order never changes the outcome.
func Merge(batches ...[]serial.ChapterResult) []serial.ChapterResult {
	byIndex := make(map[int]serial.ChapterResult)
	for _, batch := range batches {
		for _, r := range batch {
			prev, seen := byIndex[r.Index]
			if !seen || (!prev.Success && r.Success) {
				byIndex[r.Index] = r
			}
		}
	}
	merged := make([]serial.ChapterResult, 0, len(byIndex))
	for _, r := range byIndex {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })
	return merged
}

// Combine turns successful pages into sections in index order and reports
// the indices that failed.
func Combine(results []serial.ChapterResult) ([]serial.Section, []int) {
	sections := make([]serial.Section, 0, len(results))
	failed := []int{}
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r.Index)
			continue
		}
		sections = append(sections, serial.Section{
			Title: fmt.Sprintf("Chapter %d", r.Index),
			HTML:  r.Content,
		})
	}
	return sections, failed
}

func failedIndices(results []serial.ChapterResult) []int {
	var failed []int
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r.Index)
		}
	}
	return failed
}
