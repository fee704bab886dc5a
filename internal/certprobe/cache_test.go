package certprobe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_WithinTTL_NoProbe(t *testing.T) {
	c := NewCache("postgres", time.Hour)
	calls := 0
	c.probe = func(ctx context.Context, driver, host string, port int, now time.Time) (*Certificate, error) {
		calls++
		return &Certificate{Subject: "CN=test"}, nil
	}

	base := time.Unix(1_700_000_000, 0)
	cert, err := c.Get(context.Background(), "db.example.com", 5432, base)
	require.NoError(t, err)
	assert.Equal(t, "CN=test", cert.Subject)
	assert.Equal(t, 1, calls)

	// Well within the TTL: no second network probe.
	_, _ = c.Get(context.Background(), "db.example.com", 5432, base.Add(10*time.Minute))
	assert.Equal(t, 1, calls)
}

func TestCache_AfterTTL_ReProbes(t *testing.T) {
	c := NewCache("postgres", time.Minute)
	calls := 0
	c.probe = func(ctx context.Context, driver, host string, port int, now time.Time) (*Certificate, error) {
		calls++
		return &Certificate{Subject: "CN=test"}, nil
	}

	base := time.Unix(1_700_000_000, 0)
	_, _ = c.Get(context.Background(), "db.example.com", 5432, base)
	_, _ = c.Get(context.Background(), "db.example.com", 5432, base.Add(2*time.Minute))
	assert.Equal(t, 2, calls)
}

func TestCache_TTLZero_AlwaysProbes(t *testing.T) {
	c := NewCache("mysql", 0)
	calls := 0
	c.probe = func(ctx context.Context, driver, host string, port int, now time.Time) (*Certificate, error) {
		calls++
		return &Certificate{Subject: "CN=test"}, nil
	}

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		_, _ = c.Get(context.Background(), "db.example.com", 3306, base)
	}
	assert.Equal(t, 3, calls)
}

func TestCache_CachesFailureToo(t *testing.T) {
	c := NewCache("postgres", time.Hour)
	calls := 0
	wantErr := &ProbeError{Type: ErrorConnection, Err: assertErr{}}
	c.probe = func(ctx context.Context, driver, host string, port int, now time.Time) (*Certificate, error) {
		calls++
		return nil, wantErr
	}

	base := time.Unix(1_700_000_000, 0)
	_, err1 := c.Get(context.Background(), "db.example.com", 5432, base)
	_, err2 := c.Get(context.Background(), "db.example.com", 5432, base.Add(time.Second))
	assert.Equal(t, wantErr, err1)
	assert.Equal(t, wantErr, err2)
	assert.Equal(t, 1, calls)
}

func TestCache_DistinctHostPortKeys(t *testing.T) {
	c := NewCache("postgres", time.Hour)
	calls := 0
	c.probe = func(ctx context.Context, driver, host string, port int, now time.Time) (*Certificate, error) {
		calls++
		return &Certificate{Subject: host}, nil
	}

	base := time.Unix(1_700_000_000, 0)
	_, _ = c.Get(context.Background(), "a.example.com", 5432, base)
	_, _ = c.Get(context.Background(), "b.example.com", 5432, base)
	assert.Equal(t, 2, calls)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
