// Package worker executes one job end to end: it routes the job to the
// right fetch strategy, applies the partial-content policy and renders the
// artifact.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/engine"
	"github.com/JakeFAU/serialfetch/internal/progress"
	"github.com/JakeFAU/serialfetch/internal/render"
	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/site"
)

// ErrTooManyFailures is returned when a fetch lost more pages than the
// configured ratio allows.
var ErrTooManyFailures = errors.New("too many pages failed")

// Progress milestones, in percent.
const (
	progressStarted  = 5
	progressFetchLow = 10
	progressFetched  = 85
	progressRendered = 95
)

// Config controls Worker behavior.
type Config struct {
	ParallelEnabled bool
	// MaxFailedRatio is the largest tolerated share of failed pages. 1
	// accepts any partial result with at least one page.
	MaxFailedRatio float64
}

// Renderer turns fetched content into artifact bytes.
type Renderer interface {
	Render(ctx context.Context, doc render.Document, format serial.Format) ([]byte, error)
}

// Worker implements jobs.Executor.
type Worker struct {
	sites    *site.Registry
	engine   *engine.Engine
	renderer Renderer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(sites *site.Registry, eng *engine.Engine, renderer Renderer, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{sites: sites, engine: eng, renderer: renderer, cfg: cfg, logger: logger}
}

// Execute fetches and renders job. Progress is reported at fixed
// milestones and per page during multi-page fetches.
func (w *Worker) Execute(ctx context.Context, job serial.Job, reporter progress.Reporter) (serial.Output, error) {
	if reporter == nil {
		reporter = progress.Discard
	}
	start := time.Now()
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("url", job.Source.URL),
	)

	adapter, err := w.sites.Lookup(job.Source.URL)
	if err != nil {
		return serial.Output{}, err
	}
	logger = logger.With(zap.String("site", adapter.Name()))
	reporter.Report(progressStarted)

	res, err := w.fetch(ctx, job, adapter, progress.Scale(reporter, progressFetchLow, progressFetched))
	if err != nil {
		return serial.Output{}, err
	}
	if err := w.checkFailures(res.Stats); err != nil {
		return serial.Output{}, err
	}
	reporter.Report(progressFetched)

	meta := res.Metadata.WithDefaults()
	data, err := w.renderer.Render(ctx, render.Document{
		Title:     meta.Title,
		Author:    meta.Author,
		SourceURL: job.Source.URL,
		Sections:  res.Sections,
	}, job.Format)
	if err != nil {
		return serial.Output{}, err
	}
	reporter.Report(progressRendered)

	logger.Info("job executed",
		zap.String("title", meta.Title),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)),
	)
	return serial.Output{
		Data:        data,
		ContentType: job.Format.ContentType(),
		Metadata:    meta,
		Stats:       res.Stats,
	}, nil
}

func (w *Worker) fetch(ctx context.Context, job serial.Job, a site.Adapter, onPage engine.ProgressFunc) (engine.Result, error) {
	switch job.Kind {
	case serial.KindSinglePage:
		return w.engine.SinglePage(ctx, a, job.Source.URL)
	case serial.KindWholeWork:
		if p, ok := a.(site.Paginator); ok && w.cfg.ParallelEnabled {
			return w.engine.FetchParallel(ctx, p, job.Source.URL, onPage)
		}
		return w.engine.Sequential(ctx, a, job.Source.URL)
	case serial.KindSeries:
		walker, ok := a.(site.SeriesWalker)
		if !ok {
			return engine.Result{}, fmt.Errorf("series downloads are not supported for %s", a.Name())
		}
		return w.engine.Series(ctx, walker, job.Source.URL, onPage)
	default:
		return engine.Result{}, fmt.Errorf("unsupported job kind %q", job.Kind)
	}
}

// checkFailures fails a fetch that produced nothing, or that lost a larger
// share of its pages than MaxFailedRatio.
func (w *Worker) checkFailures(stats *serial.FetchStats) error {
	if stats == nil {
		return nil
	}
	if stats.SuccessfulPages == 0 {
		return fmt.Errorf("no pages could be fetched: %w", ErrTooManyFailures)
	}
	if stats.TotalPages == 0 || len(stats.FailedPages) == 0 {
		return nil
	}
	ratio := float64(len(stats.FailedPages)) / float64(stats.TotalPages)
	if ratio > w.cfg.MaxFailedRatio {
		return fmt.Errorf("%d of %d pages failed: %w", len(stats.FailedPages), stats.TotalPages, ErrTooManyFailures)
	}
	return nil
}
