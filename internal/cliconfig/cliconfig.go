// Package cliconfig handles flag parsing, env fallback, and defaults for
// the scalar options every iteration needs. It never touches the DSN
// grammar itself — that's internal/dsn's job — it only gathers the raw
// string and the five scalars into an Options value for main to wire up.
package cliconfig

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
)

// Options is the fully resolved command-line/environment surface.
// Precedence, highest first: explicit flag, environment variable, default.
type Options struct {
	DSN             string
	Interval        int // seconds
	Port            int
	Listen          string
	Range           int
	TLSCertCacheTTL int // seconds; 0 disables the certificate cache
}

// Parse builds Options from args (normally os.Args[1:]) plus the process
// environment. Every failure here is a startup configuration error and is
// fatal to the process.
func Parse(args []string) (*Options, error) {
	fs := pflag.NewFlagSet("dbpulse", pflag.ContinueOnError)

	dsn := fs.StringP("dsn", "d", envString("DBPULSE_DSN", ""), "database connection string (required)")
	interval := fs.IntP("interval", "i", envInt("DBPULSE_INTERVAL", 30), "seconds between iteration starts")
	port := fs.IntP("port", "p", envInt("DBPULSE_PORT", 9300), "HTTP port to serve /metrics on")
	listen := fs.StringP("listen", "l", envString("DBPULSE_LISTEN", "[::]"), "address to listen on")
	rng := fs.IntP("range", "r", envInt("DBPULSE_RANGE", 100), "upper bound (exclusive) for the random probe row id")
	certTTL := fs.Int("tls-cert-cache-ttl", envInt("DBPULSE_TLS_CERT_CACHE_TTL", 3600), "seconds to cache certificate probe results (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("cliconfig: %w", err)
	}

	if *dsn == "" {
		return nil, fmt.Errorf("cliconfig: --dsn (or DBPULSE_DSN) is required")
	}
	if *interval <= 0 {
		return nil, fmt.Errorf("cliconfig: --interval must be positive, got %d", *interval)
	}
	if *rng <= 0 {
		return nil, fmt.Errorf("cliconfig: --range must be positive, got %d", *rng)
	}

	return &Options{
		DSN:             *dsn,
		Interval:        *interval,
		Port:            *port,
		Listen:          *listen,
		Range:           *rng,
		TLSCertCacheTTL: *certTTL,
	}, nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
