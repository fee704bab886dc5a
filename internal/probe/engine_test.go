package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbari/dbpulse/internal/certprobe"
	"github.com/nbari/dbpulse/internal/dialect"
	"github.com/nbari/dbpulse/internal/dsn"
	"github.com/nbari/dbpulse/internal/metrics"
)

// fakeDialect is a minimal in-memory stand-in for dialect.Dialect, letting
// engine tests exercise RunOnce's sequencing and metrics bookkeeping
// without a live database connection.
type fakeDialect struct {
	connectErr  error
	writeErr    error
	panicOnRead bool
	rows        map[int]string
}

func newFakeDialect() *fakeDialect { return &fakeDialect{rows: map[int]string{}} }

func (f *fakeDialect) Name() string { return "postgres" }

func (f *fakeDialect) Connect(ctx context.Context, cfg *dsn.Config) (*dialect.ConnectResult, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &dialect.ConnectResult{HandshakeDuration: time.Millisecond}, nil
}

func (f *fakeDialect) ApplySessionTimeouts(ctx context.Context) error { return nil }
func (f *fakeDialect) EnsureDatabase(ctx context.Context) error       { return nil }
func (f *fakeDialect) EnsureTable(ctx context.Context) error          { return nil }

func (f *fakeDialect) WriteProbe(ctx context.Context, id int, uuid string, t1 int64) (int64, string, error) {
	if f.writeErr != nil {
		return 0, "insert", f.writeErr
	}
	_, existed := f.rows[id]
	f.rows[id] = uuid
	if existed {
		return 1, "update", nil
	}
	return 1, "insert", nil
}

func (f *fakeDialect) ReadProbe(ctx context.Context, id int) (string, error) {
	if f.panicOnRead {
		panic("injected panic in read_probe")
	}
	u, ok := f.rows[id]
	if !ok {
		return "", dialect.ErrNoRow
	}
	return u, nil
}

func (f *fakeDialect) RollbackTest(ctx context.Context, id int, newUUID string) error { return nil }
func (f *fakeDialect) Cleanup(ctx context.Context, now time.Time) (int64, error)      { return 0, nil }
func (f *fakeDialect) DropIfSmall(ctx context.Context, now time.Time) (bool, error)   { return false, nil }
func (f *fakeDialect) Metadata(ctx context.Context) dialect.Metadata                  { return dialect.Metadata{} }
func (f *fakeDialect) Close() error                                                   { return nil }

func newTestEngine(t *testing.T, newDialect func() dialect.Dialect) (*Engine, *metrics.Registry) {
	t.Helper()
	cfg := &dsn.Config{Driver: "postgres", Host: "127.0.0.1", Port: 5432}
	reg := metrics.New()
	cache := certprobe.NewCache("postgres", time.Hour)
	eng := New(cfg, reg, cache, newDialect, 100)
	return eng, reg
}

func TestEngine_SuccessfulIteration(t *testing.T) {
	eng, reg := newTestEngine(t, func() dialect.Dialect { return newFakeDialect() })

	result := eng.RunOnce(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.Pulse.WithLabelValues("postgres")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.IterationsTotal.WithLabelValues("postgres", "success")))
}

func TestEngine_ConnectFailureSetsErrorPulse(t *testing.T) {
	eng, reg := newTestEngine(t, func() dialect.Dialect {
		d := newFakeDialect()
		d.connectErr = errors.New("dial tcp: connection refused")
		return d
	})

	result := eng.RunOnce(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, ErrorConnection, result.ErrorType)
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.Pulse.WithLabelValues("postgres")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.IterationsTotal.WithLabelValues("postgres", "error")))
}

func TestEngine_ConnectionsActiveReturnsToBaselineOnError(t *testing.T) {
	eng, reg := newTestEngine(t, func() dialect.Dialect {
		d := newFakeDialect()
		d.writeErr = errors.New("write failed")
		return d
	})

	eng.RunOnce(context.Background())
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.ConnectionsActive.WithLabelValues("postgres")))
}

func TestEngine_PanicSetsPulseZeroAndIterationsError(t *testing.T) {
	// RunOnce recovers its own panics, so this asserts the pulse/iterations
	// bookkeeping a bare recover() around the call would never exercise.
	eng, reg := newTestEngine(t, func() dialect.Dialect {
		d := newFakeDialect()
		d.panicOnRead = true
		return d
	})

	result := eng.RunOnce(context.Background())

	assert.False(t, result.Success)
	assert.True(t, result.Panicked)
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.ConnectionsActive.WithLabelValues("postgres")))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.Pulse.WithLabelValues("postgres")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.IterationsTotal.WithLabelValues("postgres", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.PanicsRecoveredTotal))
}

func TestEngine_ReadBackMismatchFails(t *testing.T) {
	// A dialect whose ReadProbe always returns a stale uuid should fail
	// the iteration.
	eng, reg := newTestEngine(t, func() dialect.Dialect {
		d := newFakeDialect()
		for id := 0; id < 100; id++ {
			d.rows[id] = "stale-uuid-never-updated"
		}
		return stubbedWriteNoop{d}
	})

	result := eng.RunOnce(context.Background())
	assert.False(t, result.Success)
	_ = reg
}

// stubbedWriteNoop wraps fakeDialect so WriteProbe never updates the
// stored row, simulating a driver that silently drops the write.
type stubbedWriteNoop struct {
	*fakeDialect
}

func (s stubbedWriteNoop) WriteProbe(ctx context.Context, id int, uuid string, t1 int64) (int64, string, error) {
	return 1, "insert", nil
}

func TestEngine_ZeroRangeClampsToOne(t *testing.T) {
	cfg := &dsn.Config{Driver: "postgres", Host: "h", Port: 1}
	reg := metrics.New()
	cache := certprobe.NewCache("postgres", time.Hour)
	eng := New(cfg, reg, cache, func() dialect.Dialect { return newFakeDialect() }, 0)

	require.NotPanics(t, func() { eng.RunOnce(context.Background()) })
}
