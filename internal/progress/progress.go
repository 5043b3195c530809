// Package progress carries job progress from fetch workers to the job store
// over a bounded channel. Reporting never blocks a worker.
package progress

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize = 1024
	dropLogInterval   = 5 * time.Second
)

// Update is one progress report.
type Update struct {
	JobID   string
	Percent int
}

// Reporter receives progress for one job, as a percentage.
type Reporter interface {
	Report(percent int)
}

// Channel is a bounded, lossy queue of updates with a single consumer.
type Channel struct {
	updates     chan Update
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
}

// NewChannel builds a channel buffering up to size updates.
func NewChannel(size int, logger *zap.Logger) *Channel {
	if size <= 0 {
		size = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		updates:     make(chan Update, size),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Publish enqueues u. If the buffer is full the update is dropped and a
// rate-limited warning is logged; later updates supersede it anyway.
func (c *Channel) Publish(u Update) {
	select {
	case c.updates <- u:
	default:
		c.dropped.Add(1)
		if c.dropLimiter.Allow(time.Now()) {
			count := c.dropped.Swap(0)
			c.logger.Warn("progress updates dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Updates is the consumer side.
func (c *Channel) Updates() <-chan Update {
	return c.updates
}

// For returns a Reporter publishing updates for jobID.
func (c *Channel) For(jobID string) Reporter {
	return jobReporter{ch: c, jobID: jobID}
}

type jobReporter struct {
	ch    *Channel
	jobID string
}

func (r jobReporter) Report(percent int) {
	r.ch.Publish(Update{JobID: r.jobID, Percent: clamp(percent)})
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(int) {}

// Scale maps page completions onto the percentage band [from, to]. When
// total is unknown (zero) progress approaches to without reaching it.
func Scale(r Reporter, from, to int) func(done, total int) {
	return func(done, total int) {
		if r == nil || done < 0 {
			return
		}
		span := to - from
		switch {
		case total > 0:
			done = min(done, total)
			r.Report(from + span*done/total)
		default:
			r.Report(from + span*done/(done+1))
		}
	}
}

func clamp(p int) int {
	return max(0, min(100, p))
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
