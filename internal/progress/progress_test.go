package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct{ got []int }

func (r *recorder) Report(p int) { r.got = append(r.got, p) }

func TestReporterPublishesClampedUpdates(t *testing.T) {
	t.Parallel()

	ch := NewChannel(4, nil)
	r := ch.For("job-1")
	r.Report(42)
	r.Report(150)

	require.Equal(t, Update{JobID: "job-1", Percent: 42}, <-ch.Updates())
	require.Equal(t, Update{JobID: "job-1", Percent: 100}, <-ch.Updates())
}

func TestPublishNeverBlocksAndLogsDrops(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	ch := NewChannel(1, zap.New(core))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			ch.Publish(Update{JobID: "j", Percent: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Equal(t, 1, logs.FilterMessage("progress updates dropped due to backpressure").Len())
	assert.Len(t, ch.Updates(), 1)
}

func TestScale(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	tick := Scale(r, 10, 90)
	tick(0, 4)
	tick(2, 4)
	tick(4, 4)
	tick(9, 4)
	assert.Equal(t, []int{10, 50, 90, 90}, r.got)

	r = &recorder{}
	unknown := Scale(r, 10, 90)
	unknown(1, 0)
	unknown(3, 0)
	assert.Equal(t, []int{50, 70}, r.got)

	Scale(nil, 0, 100)(1, 1)
	Discard.Report(10)
}

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()

	rl := rateLimiter{interval: time.Second}
	now := time.Now()
	assert.True(t, rl.Allow(now))
	assert.False(t, rl.Allow(now.Add(500*time.Millisecond)))
	assert.True(t, rl.Allow(now.Add(2*time.Second)))
}
