// Package jobs owns the job table: admission through a FIFO queue bounded
// by a global capacity, per-job hard timeouts, artifact retention and
// crash-recovery sweeps.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/metrics"
	"github.com/JakeFAU/serialfetch/internal/progress"
	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/storage/local"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = errors.New("job result not ready")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("job store closed")
)

// Failure reasons recorded on jobs the store itself fails.
const (
	ReasonCancelled = "cancelled"
	ReasonTimedOut  = "timed out"
	ReasonShutdown  = "server shutting down"
)

// Executor produces a job's rendered output.
type Executor interface {
	Execute(ctx context.Context, job serial.Job, reporter progress.Reporter) (serial.Output, error)
}

// ArtifactStore persists rendered output.
type ArtifactStore interface {
	Put(ctx context.Context, jobID, ext, contentType string, data io.Reader) (serial.StoredArtifact, error)
	Remove(path string) error
	List() ([]string, error)
}

// Config bounds scheduling and retention.
type Config struct {
	Capacity      int
	Timeout       time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

// Stats is a snapshot of scheduler occupancy.
type Stats struct {
	Active   int `json:"active"`
	Pending  int `json:"pending"`
	Capacity int `json:"capacity"`
	Total    int `json:"total"`
}

type record struct {
	job    serial.Job
	cancel context.CancelFunc
}

type outcome struct {
	output   serial.Output
	artifact serial.StoredArtifact
	err      error
}

// Store is the single owner of all job state. Every mutation happens under
// mu; execution happens outside it.
type Store struct {
	cfg       Config
	exec      Executor
	artifacts ArtifactStore
	progress  *progress.Channel
	clock     serial.Clock
	ids       serial.IDGenerator
	logger    *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*record
	pending []string
	active  int
	closed  bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	loopDone  chan struct{}
}

// New constructs a Store. Start must be called to enable progress updates
// and sweeps; scheduling works without it.
func New(
	cfg Config,
	exec Executor,
	artifacts ArtifactStore,
	updates *progress.Channel,
	clock serial.Clock,
	ids serial.IDGenerator,
	logger *zap.Logger,
) *Store {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if updates == nil {
		updates = progress.NewChannel(0, logger)
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	return &Store{
		cfg:       cfg,
		exec:      exec,
		artifacts: artifacts,
		progress:  updates,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		jobs:      make(map[string]*record),
		runCtx:    runCtx,
		cancelRun: cancelRun,
	}
}

// Submit records a pending job and schedules it.
func (s *Store) Submit(kind serial.Kind, source serial.Source, format serial.Format) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.jobs[id] = &record{job: serial.Job{
		ID:        id,
		Kind:      kind,
		Source:    source,
		Format:    format,
		Status:    serial.StatusPending,
		CreatedAt: s.clock.Now(),
	}}
	s.pending = append(s.pending, id)
	started := s.promoteLocked()
	s.mu.Unlock()

	s.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("kind", string(kind)),
		zap.String("site", source.Site),
		zap.String("url", source.URL),
		zap.String("format", string(format)),
	)
	s.launch(started)
	return id, nil
}

// Status returns a read-only view of a job.
func (s *Store) Status(id string) (serial.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return serial.JobView{}, ErrNotFound
	}
	view := serial.JobView{Job: rec.job, HasResult: rec.job.Result != nil}
	if rec.job.Status == serial.StatusPending {
		view.QueuePosition = slices.Index(s.pending, id) + 1
	}
	return view, nil
}

// FetchResult returns a completed job's artifact.
func (s *Store) FetchResult(id string) (serial.StoredArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return serial.StoredArtifact{}, ErrNotFound
	}
	if rec.job.Status != serial.StatusCompleted || rec.job.Result == nil {
		return serial.StoredArtifact{}, ErrNotReady
	}
	return *rec.job.Result, nil
}

// Cancel fails a pending job and removes it from the queue. It reports
// false for unknown jobs and for jobs that already left the queue.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != serial.StatusPending {
		s.mu.Unlock()
		return false
	}
	s.pending = slices.DeleteFunc(s.pending, func(p string) bool { return p == id })
	s.failLocked(rec, ReasonCancelled)
	s.publishDepthLocked()
	s.mu.Unlock()

	s.logger.Info("job cancelled", zap.String("job_id", id))
	return true
}

// Delete removes a job and its artifact. A processing job has its context
// cancelled; deleting an unknown job is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	s.pending = slices.DeleteFunc(s.pending, func(p string) bool { return p == id })
	if rec.cancel != nil {
		rec.cancel()
	}
	s.publishDepthLocked()
	s.mu.Unlock()

	if rec.job.Result != nil {
		if err := s.artifacts.Remove(rec.job.Result.Path); err != nil {
			s.logger.Warn("artifact delete failed; orphan sweep will retry on restart",
				zap.String("job_id", id), zap.Error(err))
		}
	}
	s.logger.Debug("job deleted", zap.String("job_id", id))
}

// Stats returns current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Active:   s.active,
		Pending:  len(s.pending),
		Capacity: s.cfg.Capacity,
		Total:    len(s.jobs),
	}
}

// promoteLocked moves queue heads into the active set while capacity
// allows and returns the jobs to launch.
func (s *Store) promoteLocked() []*startedJob {
	var started []*startedJob
	for s.active < s.cfg.Capacity && len(s.pending) > 0 && !s.closed {
		id := s.pending[0]
		s.pending = s.pending[1:]
		rec, ok := s.jobs[id]
		if !ok || rec.job.Status != serial.StatusPending {
			continue
		}
		now := s.clock.Now()
		rec.job.Status = serial.StatusProcessing
		rec.job.StartedAt = &now
		ctx, cancel := s.jobContext()
		rec.cancel = cancel
		s.active++
		started = append(started, &startedJob{ctx: ctx, cancel: cancel, job: rec.job})
	}
	s.publishDepthLocked()
	return started
}

func (s *Store) jobContext() (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(s.runCtx)
	}
	return context.WithTimeout(s.runCtx, s.cfg.Timeout)
}

type startedJob struct {
	ctx    context.Context
	cancel context.CancelFunc
	job    serial.Job
}

func (s *Store) launch(started []*startedJob) {
	for _, l := range started {
		s.wg.Add(1)
		go s.run(l)
	}
}

// run races one job's execution against its context.
func (s *Store) run(l *startedJob) {
	defer s.wg.Done()
	defer l.cancel()
	logger := s.logger.With(zap.String("job_id", l.job.ID))
	logger.Info("job started")

	done := make(chan outcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- s.execute(l.ctx, l.job)
	}()

	select {
	case res := <-done:
		if res.err != nil && l.ctx.Err() != nil {
			res.err = errors.New(stopReason(l.ctx))
		}
		s.finish(l.job.ID, res)
	case <-l.ctx.Done():
		s.finish(l.job.ID, outcome{err: errors.New(stopReason(l.ctx))})
		// The execution goroutine unwinds on its own; drop whatever it
		// writes after the deadline.
		go func() {
			if late := <-done; late.artifact.Path != "" {
				s.removeArtifact(l.job.ID, late.artifact.Path)
			}
		}()
	}
}

func stopReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimedOut
	}
	return ReasonShutdown
}

// execute runs the executor and stores its output. Panics become errors.
func (s *Store) execute(ctx context.Context, job serial.Job) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			res = outcome{err: fmt.Errorf("internal error: %v", r)}
		}
	}()

	out, err := s.exec.Execute(ctx, job, s.progress.For(job.ID))
	if err != nil {
		return outcome{err: err}
	}
	contentType := out.ContentType
	if contentType == "" {
		contentType = job.Format.ContentType()
	}
	artifact, err := s.artifacts.Put(ctx, job.ID, job.Format.Extension(), contentType, bytes.NewReader(out.Data))
	if err != nil {
		return outcome{err: fmt.Errorf("store artifact: %w", err)}
	}
	metrics.ObserveArtifact(job.Format.Extension(), artifact.SizeBytes)
	return outcome{output: out, artifact: artifact}
}

// finish records a terminal state, frees the slot and promotes the next
// pending jobs.
func (s *Store) finish(id string, res outcome) {
	s.mu.Lock()
	s.active--
	rec, ok := s.jobs[id]
	switch {
	case !ok:
		// Deleted while running.
		if res.artifact.Path != "" {
			defer s.removeArtifact(id, res.artifact.Path)
		}
	case rec.job.Status != serial.StatusProcessing:
	case res.err != nil:
		s.failLocked(rec, res.err.Error())
		s.logger.Warn("job failed", zap.String("job_id", id), zap.String("error", res.err.Error()))
	default:
		now := s.clock.Now()
		artifact := res.artifact
		meta := res.output.Metadata.WithDefaults()
		rec.job.Status = serial.StatusCompleted
		rec.job.CompletedAt = &now
		rec.job.Progress = 100
		rec.job.Result = &artifact
		rec.job.Metadata = &meta
		rec.job.Stats = res.output.Stats
		rec.cancel = nil
		metrics.ObserveJob(string(serial.StatusCompleted))
		fields := []zap.Field{
			zap.String("job_id", id),
			zap.Int64("size_bytes", artifact.SizeBytes),
			zap.String("title", meta.Title),
		}
		if st := res.output.Stats; st != nil {
			fields = append(fields,
				zap.Int("workers", st.Workers),
				zap.Int("retried_pages", st.RetriedPages),
				zap.Ints("failed_pages", st.FailedPages),
			)
		}
		s.logger.Info("job completed", fields...)
	}
	started := s.promoteLocked()
	s.mu.Unlock()
	s.launch(started)
}

func (s *Store) failLocked(rec *record, reason string) {
	now := s.clock.Now()
	rec.job.Status = serial.StatusFailed
	rec.job.Error = reason
	rec.job.CompletedAt = &now
	rec.cancel = nil
	metrics.ObserveJob(string(serial.StatusFailed))
}

func (s *Store) publishDepthLocked() {
	metrics.SetQueueDepth(s.active, len(s.pending))
}

func (s *Store) removeArtifact(id, path string) {
	if err := s.artifacts.Remove(path); err != nil {
		s.logger.Warn("artifact delete failed", zap.String("job_id", id), zap.Error(err))
	}
}

// applyProgress records a processing job's progress. Progress never moves
// backwards and only completion sets 100.
func (s *Store) applyProgress(u progress.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[u.JobID]
	if !ok || rec.job.Status != serial.StatusProcessing {
		return
	}
	if u.Percent > rec.job.Progress && u.Percent < 100 {
		rec.job.Progress = u.Percent
	}
}

// Start sweeps orphaned artifacts left by a previous process, then runs the
// progress and retention loop until ctx is cancelled or Close is called.
func (s *Store) Start(ctx context.Context) {
	if removed, err := s.SweepOrphans(); err != nil {
		s.logger.Warn("orphan sweep failed", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("removed orphaned artifacts", zap.Int("count", removed))
	}

	s.mu.Lock()
	if s.loopDone != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Store) loop(ctx context.Context) {
	defer close(s.loopDone)
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.runCtx.Done():
			return
		case u := <-s.progress.Updates():
			s.applyProgress(u)
		case <-ticker.C:
			s.Sweep(s.clock.Now())
		}
	}
}

// Sweep removes terminal jobs whose completion is older than the retention
// window. The artifact is deleted before the record so a failed delete is
// retried on the next sweep. It returns the number of records removed.
func (s *Store) Sweep(now time.Time) int {
	if s.cfg.Retention <= 0 {
		return 0
	}
	type expired struct {
		id   string
		path string
	}
	var candidates []expired

	s.mu.Lock()
	for id, rec := range s.jobs {
		if !rec.job.Status.Terminal() || rec.job.CompletedAt == nil {
			continue
		}
		if now.Sub(*rec.job.CompletedAt) <= s.cfg.Retention {
			continue
		}
		e := expired{id: id}
		if rec.job.Result != nil {
			e.path = rec.job.Result.Path
		}
		candidates = append(candidates, e)
	}
	s.mu.Unlock()

	removed := 0
	for _, c := range candidates {
		if c.path != "" {
			if err := s.artifacts.Remove(c.path); err != nil {
				s.logger.Warn("retention sweep could not delete artifact",
					zap.String("job_id", c.id), zap.Error(err))
				continue
			}
		}
		s.mu.Lock()
		if _, ok := s.jobs[c.id]; ok {
			delete(s.jobs, c.id)
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		s.logger.Info("retention sweep removed jobs", zap.Int("count", removed))
	}
	return removed
}

// SweepOrphans deletes stored artifacts that no job record references.
func (s *Store) SweepOrphans() (int, error) {
	paths, err := s.artifacts.List()
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}

	s.mu.Lock()
	live := make(map[string]struct{}, len(s.jobs))
	for id, rec := range s.jobs {
		if rec.job.Result != nil {
			live[rec.job.Result.Path] = struct{}{}
		}
		if !rec.job.Status.Terminal() {
			// A running job may be writing its artifact right now.
			live[id] = struct{}{}
		}
	}
	s.mu.Unlock()

	removed := 0
	for _, path := range paths {
		if _, ok := live[path]; ok {
			continue
		}
		if _, ok := live[local.JobIDFromPath(path)]; ok {
			continue
		}
		if err := s.artifacts.Remove(path); err != nil {
			s.logger.Warn("orphan delete failed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Close stops admission, fails queued jobs, cancels running ones and waits
// for their goroutines to exit or ctx to expire.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, id := range s.pending {
		if rec, ok := s.jobs[id]; ok && rec.job.Status == serial.StatusPending {
			s.failLocked(rec, ReasonShutdown)
		}
	}
	s.pending = nil
	s.publishDepthLocked()
	loopDone := s.loopDone
	s.mu.Unlock()

	s.cancelRun()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if loopDone != nil {
			<-loopDone
		}
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("job store closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close job store: %w", ctx.Err())
	}
}
