package cliconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DBPULSE_DSN", "DBPULSE_INTERVAL", "DBPULSE_PORT",
		"DBPULSE_LISTEN", "DBPULSE_RANGE", "DBPULSE_TLS_CERT_CACHE_TTL",
	}
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)
	opts, err := Parse([]string{"--dsn", "postgres://u:p@tcp(h:5432)/d"})
	require.NoError(t, err)
	assert.Equal(t, 30, opts.Interval)
	assert.Equal(t, 9300, opts.Port)
	assert.Equal(t, "[::]", opts.Listen)
	assert.Equal(t, 100, opts.Range)
	assert.Equal(t, 3600, opts.TLSCertCacheTTL)
}

func TestParse_MissingDSN(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]string{})
	require.Error(t, err)
}

func TestParse_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("DBPULSE_INTERVAL", "10")
	opts, err := Parse([]string{"--dsn", "postgres://u:p@tcp(h:5432)/d", "--interval", "5"})
	require.NoError(t, err)
	assert.Equal(t, 5, opts.Interval)
}

func TestParse_EnvUsedWhenNoFlag(t *testing.T) {
	clearEnv(t)
	os.Setenv("DBPULSE_DSN", "mysql://u:p@tcp(h:3306)/d")
	os.Setenv("DBPULSE_RANGE", "50")
	opts, err := Parse([]string{})
	require.NoError(t, err)
	assert.Equal(t, "mysql://u:p@tcp(h:3306)/d", opts.DSN)
	assert.Equal(t, 50, opts.Range)
}

func TestParse_ShortFlags(t *testing.T) {
	clearEnv(t)
	opts, err := Parse([]string{"-d", "postgres://u:p@tcp(h:5432)/d", "-i", "15", "-p", "9999", "-r", "7"})
	require.NoError(t, err)
	assert.Equal(t, 15, opts.Interval)
	assert.Equal(t, 9999, opts.Port)
	assert.Equal(t, 7, opts.Range)
}

func TestParse_InvalidInterval(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]string{"--dsn", "postgres://u:p@tcp(h:5432)/d", "--interval", "0"})
	require.Error(t, err)
}
