package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/browser"
	"github.com/JakeFAU/serialfetch/internal/clock/fake"
	"github.com/JakeFAU/serialfetch/internal/progress"
	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/storage/local"
)

type execFunc func(ctx context.Context, job serial.Job, r progress.Reporter) (serial.Output, error)

func (f execFunc) Execute(ctx context.Context, job serial.Job, r progress.Reporter) (serial.Output, error) {
	return f(ctx, job, r)
}

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", g.n.Add(1)), nil
}

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *Store
	artifacts *local.Store
	clock     *fake.Clock
	updates   *progress.Channel
}

func newHarness(t *testing.T, cfg Config, exec Executor) *harness {
	t.Helper()
	artifacts, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	clock := fake.New(start)
	updates := progress.NewChannel(64, zap.NewNop())
	store := New(cfg, exec, artifacts, updates, clock, &seqIDs{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})
	return &harness{store: store, artifacts: artifacts, clock: clock, updates: updates}
}

func okOutput(body string) serial.Output {
	return serial.Output{
		Data:     []byte(body),
		Metadata: serial.Metadata{Title: "A Work"},
	}
}

func waitStatus(t *testing.T, s *Store, id string, want serial.Status) serial.JobView {
	t.Helper()
	var view serial.JobView
	require.Eventually(t, func() bool {
		v, err := s.Status(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return view
}

func source() serial.Source {
	return serial.Source{URL: "https://archiveofourown.org/works/1", Site: "ao3"}
}

func TestSubmitCompleteFetchDelete(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Capacity: 2, Timeout: time.Minute}, execFunc(
		func(context.Context, serial.Job, progress.Reporter) (serial.Output, error) {
			return okOutput("%PDF-1.4 body"), nil
		}))

	id, err := h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	require.NoError(t, err)

	view := waitStatus(t, h.store, id, serial.StatusCompleted)
	assert.Equal(t, 100, view.Progress)
	assert.True(t, view.HasResult)
	require.NotNil(t, view.Metadata)
	assert.Equal(t, "A Work", view.Metadata.Title)
	assert.Equal(t, serial.DefaultAuthor, view.Metadata.Author)
	require.NotNil(t, view.StartedAt)
	require.NotNil(t, view.CompletedAt)

	artifact, err := h.store.FetchResult(id)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", artifact.ContentType)
	assert.EqualValues(t, len("%PDF-1.4 body"), artifact.SizeBytes)
	assert.FileExists(t, artifact.Path)

	h.store.Delete(id)
	_, err = h.store.Status(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, artifact.Path)

	h.store.Delete(id)
	_, err = h.store.FetchResult(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchResultNotReady(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(ctx context.Context, _ serial.Job, _ progress.Reporter) (serial.Output, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return okOutput("x"), nil
		}))
	defer close(release)

	id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatEBook)
	require.NoError(t, err)
	_, err = h.store.FetchResult(id)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestQueueIsFIFOWithPositions(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(ctx context.Context, job serial.Job, _ progress.Reporter) (serial.Output, error) {
			mu.Lock()
			order = append(order, job.ID)
			mu.Unlock()
			select {
			case <-release:
			case <-ctx.Done():
				return serial.Output{}, ctx.Err()
			}
			return okOutput("x"), nil
		}))

	var ids []string
	for range 4 {
		id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := h.store.Status(ids[0])
	require.NoError(t, err)
	assert.Equal(t, serial.StatusProcessing, first.Status)
	assert.Zero(t, first.QueuePosition)
	for i, id := range ids[1:] {
		v, err := h.store.Status(id)
		require.NoError(t, err)
		assert.Equal(t, serial.StatusPending, v.Status)
		assert.Equal(t, i+1, v.QueuePosition)
	}
	assert.Equal(t, Stats{Active: 1, Pending: 3, Capacity: 1, Total: 4}, h.store.Stats())

	close(release)
	for _, id := range ids {
		waitStatus(t, h.store, id, serial.StatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestCancelPendingOnly(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(ctx context.Context, _ serial.Job, _ progress.Reporter) (serial.Output, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return serial.Output{}, errors.New("stopped")
		}))

	running, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	queued, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	behind, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)

	assert.False(t, h.store.Cancel(running))
	assert.False(t, h.store.Cancel("missing"))
	assert.True(t, h.store.Cancel(queued))
	assert.False(t, h.store.Cancel(queued))

	v, err := h.store.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, serial.StatusFailed, v.Status)
	assert.Equal(t, ReasonCancelled, v.Error)
	require.NotNil(t, v.CompletedAt)

	b, err := h.store.Status(behind)
	require.NoError(t, err)
	assert.Equal(t, 1, b.QueuePosition)
}

func TestConcurrencyNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int64
	h := newHarness(t, Config{Capacity: 3, Timeout: time.Minute}, execFunc(
		func(context.Context, serial.Job, progress.Reporter) (serial.Output, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return okOutput("x"), nil
		}))

	var ids []string
	for range 20 {
		id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
		require.NoError(t, err)
		ids = append(ids, id)
		assert.LessOrEqual(t, h.store.Stats().Active, 3)
	}
	for _, id := range ids {
		waitStatus(t, h.store, id, serial.StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, 0, h.store.Stats().Active)
}

func TestTimeoutFailsJobAndClosesSessions(t *testing.T) {
	t.Parallel()

	factory := browser.NewFakeFactory()
	factory.SetPage("https://slow.example/1", browser.FakePage{})
	factory.Delay = time.Hour

	h := newHarness(t, Config{Capacity: 1, Timeout: 50 * time.Millisecond}, execFunc(
		func(ctx context.Context, _ serial.Job, _ progress.Reporter) (serial.Output, error) {
			sess, err := factory.Open(ctx)
			if err != nil {
				return serial.Output{}, err
			}
			defer sess.Close()
			if err := sess.Navigate(ctx, "https://slow.example/1"); err != nil {
				return serial.Output{}, err
			}
			return okOutput("late"), nil
		}))

	id, err := h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	require.NoError(t, err)
	next, err := h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	require.NoError(t, err)

	v := waitStatus(t, h.store, id, serial.StatusFailed)
	assert.Equal(t, ReasonTimedOut, v.Error)
	assert.False(t, v.HasResult)

	// The slot is released so the next job starts.
	waitStatus(t, h.store, next, serial.StatusFailed)
	require.Eventually(t, func() bool { return factory.OpenSessions() == 0 },
		time.Second, 5*time.Millisecond)
	paths, err := h.artifacts.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(context.Context, serial.Job, progress.Reporter) (serial.Output, error) {
			panic("renderer exploded")
		}))

	id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	v := waitStatus(t, h.store, id, serial.StatusFailed)
	assert.Contains(t, v.Error, "renderer exploded")
	assert.Equal(t, 0, h.store.Stats().Active)
}

func TestExecutorErrorIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(context.Context, serial.Job, progress.Reporter) (serial.Output, error) {
			return serial.Output{}, errors.New("unsupported site")
		}))

	id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	v := waitStatus(t, h.store, id, serial.StatusFailed)
	assert.Equal(t, "unsupported site", v.Error)
	_, err = h.store.FetchResult(id)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRetentionSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute, Retention: time.Hour}, execFunc(
		func(context.Context, serial.Job, progress.Reporter) (serial.Output, error) {
			return okOutput("x"), nil
		}))

	id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	waitStatus(t, h.store, id, serial.StatusCompleted)
	artifact, err := h.store.FetchResult(id)
	require.NoError(t, err)

	assert.Zero(t, h.store.Sweep(h.clock.Now().Add(30*time.Minute)))
	_, err = h.store.Status(id)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.store.Sweep(h.clock.Now()))
	_, err = h.store.Status(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, artifact.Path)
}

// flakyArtifacts fails the next failRemoves Remove calls.
type flakyArtifacts struct {
	*local.Store
	failRemoves atomic.Int32
}

func (f *flakyArtifacts) Remove(path string) error {
	if f.failRemoves.Add(-1) >= 0 {
		return errors.New("disk busy")
	}
	return f.Store.Remove(path)
}

func TestRetentionSweepRetriesFailedDelete(t *testing.T) {
	t.Parallel()

	base, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	artifacts := &flakyArtifacts{Store: base}
	clock := fake.New(start)
	store := New(Config{Capacity: 1, Timeout: time.Minute, Retention: time.Hour},
		execFunc(func(context.Context, serial.Job, progress.Reporter) (serial.Output, error) {
			return okOutput("x"), nil
		}),
		artifacts, nil, clock, &seqIDs{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})

	id, err := store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	waitStatus(t, store, id, serial.StatusCompleted)
	artifact, err := store.FetchResult(id)
	require.NoError(t, err)

	artifacts.failRemoves.Store(1)
	clock.Advance(2 * time.Hour)
	assert.Zero(t, store.Sweep(clock.Now()))
	_, err = store.Status(id)
	require.NoError(t, err, "record must survive a failed artifact delete")
	assert.FileExists(t, artifact.Path)

	assert.Equal(t, 1, store.Sweep(clock.Now()))
	_, err = store.Status(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, artifact.Path)
}

func TestRetentionKeepsActiveJobs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, Config{Capacity: 1, Timeout: time.Hour, Retention: time.Minute}, execFunc(
		func(ctx context.Context, _ serial.Job, _ progress.Reporter) (serial.Output, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return okOutput("x"), nil
		}))

	id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	assert.Zero(t, h.store.Sweep(start.Add(24*time.Hour)))
	_, err = h.store.Status(id)
	assert.NoError(t, err)
}

func TestSweepOrphans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(context.Context, serial.Job, progress.Reporter) (serial.Output, error) {
			return okOutput("x"), nil
		}))

	id, err := h.store.Submit(serial.KindSinglePage, source(), serial.FormatPDF)
	require.NoError(t, err)
	waitStatus(t, h.store, id, serial.StatusCompleted)
	kept, err := h.store.FetchResult(id)
	require.NoError(t, err)

	stale := filepath.Join(h.artifacts.Dir(), "crashed.pdf")
	partial := filepath.Join(h.artifacts.Dir(), "crashed2.epub.partial")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))
	require.NoError(t, os.WriteFile(partial, []byte("old"), 0o600))

	removed, err := h.store.SweepOrphans()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, partial)
	assert.FileExists(t, kept.Path)
}

func TestProgressIsMonotonicAndBelowCompletion(t *testing.T) {
	t.Parallel()

	step := make(chan int)
	release := make(chan struct{})
	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(ctx context.Context, _ serial.Job, r progress.Reporter) (serial.Output, error) {
			for p := range step {
				r.Report(p)
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return okOutput("x"), nil
		}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.Start(ctx)

	id, err := h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	require.NoError(t, err)

	step <- 40
	require.Eventually(t, func() bool {
		v, _ := h.store.Status(id)
		return v.Progress == 40
	}, time.Second, 5*time.Millisecond)

	step <- 20
	step <- 100
	step <- 60
	close(step)
	require.Eventually(t, func() bool {
		v, _ := h.store.Status(id)
		return v.Progress == 60
	}, time.Second, 5*time.Millisecond)

	close(release)
	v := waitStatus(t, h.store, id, serial.StatusCompleted)
	assert.Equal(t, 100, v.Progress)
}

func TestDeleteWhileProcessingDiscardsArtifact(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	var once sync.Once
	h := newHarness(t, Config{Capacity: 1, Timeout: time.Minute}, execFunc(
		func(ctx context.Context, _ serial.Job, _ progress.Reporter) (serial.Output, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return serial.Output{}, ctx.Err()
		}))

	id, err := h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	require.NoError(t, err)
	<-entered

	h.store.Delete(id)
	_, err = h.store.Status(id)
	assert.ErrorIs(t, err, ErrNotFound)
	require.Eventually(t, func() bool { return h.store.Stats().Active == 0 },
		time.Second, 5*time.Millisecond)
	paths, err := h.artifacts.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestCloseFailsQueuedAndRunningJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Capacity: 1, Timeout: time.Hour}, execFunc(
		func(ctx context.Context, _ serial.Job, _ progress.Reporter) (serial.Output, error) {
			<-ctx.Done()
			return serial.Output{}, ctx.Err()
		}))

	running, err := h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	require.NoError(t, err)
	queued, err := h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.store.Close(ctx))

	for _, id := range []string{running, queued} {
		v, err := h.store.Status(id)
		require.NoError(t, err)
		assert.Equal(t, serial.StatusFailed, v.Status)
		assert.Equal(t, ReasonShutdown, v.Error)
	}

	_, err = h.store.Submit(serial.KindWholeWork, source(), serial.FormatPDF)
	assert.ErrorIs(t, err, ErrClosed)
}
