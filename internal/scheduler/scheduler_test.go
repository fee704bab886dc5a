package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbari/dbpulse/internal/metrics"
	"github.com/nbari/dbpulse/internal/probe"
)

type fakeRunner struct {
	mu     sync.Mutex
	spans  [][2]time.Time
	sleep  time.Duration
	panics bool
	calls  int
}

func (f *fakeRunner) RunOnce(ctx context.Context) probe.Result {
	start := time.Now()
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	f.mu.Lock()
	f.calls++
	f.spans = append(f.spans, [2]time.Time{start, time.Now()})
	shouldPanic := f.panics && f.calls == 2
	f.mu.Unlock()

	if shouldPanic {
		panic("injected panic")
	}
	return probe.Result{Success: true}
}

func TestScheduler_NonOverlapping(t *testing.T) {
	runner := &fakeRunner{sleep: 15 * time.Millisecond}
	reg := metrics.New()
	s := New(runner, 10*time.Millisecond, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.GreaterOrEqual(t, len(runner.spans), 2)
	for i := 1; i < len(runner.spans); i++ {
		assert.False(t, runner.spans[i][0].Before(runner.spans[i-1][1]),
			"iteration %d started before iteration %d closed", i, i-1)
	}
}

func TestScheduler_PanicRecoveredAndFullIntervalSlept(t *testing.T) {
	runner := &fakeRunner{panics: true, sleep: 20 * time.Millisecond}
	reg := metrics.New()
	s := New(runner, 30*time.Millisecond, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	assert.GreaterOrEqual(t, testutil.ToFloat64(reg.PanicsRecoveredTotal), 1.0)
	require.GreaterOrEqual(t, runner.calls, 2)

	// The second call panics. A normal iteration of 20ms would be followed
	// by a 10ms sleep; after the panic the full 30ms interval must pass.
	require.GreaterOrEqual(t, len(runner.spans), 3)
	assert.GreaterOrEqual(t, runner.spans[2][0].Sub(runner.spans[1][1]), 30*time.Millisecond)
}
