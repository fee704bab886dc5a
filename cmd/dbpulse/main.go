// Command dbpulse runs the probe daemon: parse configuration, build the
// metrics registry and certificate cache, start the scheduler and the
// HTTP exposition server, and wait for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nbari/dbpulse/internal/certprobe"
	"github.com/nbari/dbpulse/internal/cliconfig"
	"github.com/nbari/dbpulse/internal/dialect"
	"github.com/nbari/dbpulse/internal/dsn"
	"github.com/nbari/dbpulse/internal/httpserver"
	"github.com/nbari/dbpulse/internal/logger"
	"github.com/nbari/dbpulse/internal/metrics"
	"github.com/nbari/dbpulse/internal/probe"
	"github.com/nbari/dbpulse/internal/scheduler"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

// run contains the whole program so defers fire before os.Exit, and
// returns the process exit code: 0 clean shutdown, 1 configuration error,
// 2 metrics server failure. The scheduler goroutine only returns once ctx
// is canceled, so no exit code reports a scheduler failure.
func run() int {
	opts, err := cliconfig.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbpulse: %v\n", err)
		return 1
	}

	if err := logger.Init("info", "./logs", 50); err != nil {
		fmt.Fprintf(os.Stderr, "dbpulse: failed to init logger: %v\n", err)
		return 1
	}
	defer logger.Close()

	log := logger.Get("main")
	log.Info("==========================================================")
	log.Info("INIT START dbpulse", "version", version)

	cfg, err := dsn.Parse(opts.DSN)
	if err != nil {
		log.Error("invalid dsn", "error", err)
		return 1
	}

	log.Info("starting dbpulse",
		"dialect", cfg.Driver,
		"dsn", maskDSN(opts.DSN),
		"interval", opts.Interval,
		"range", opts.Range,
		"tls_cert_cache_ttl", opts.TLSCertCacheTTL,
		"listen", opts.Listen,
		"port", opts.Port,
	)

	reg := metrics.New()
	certCache := certprobe.NewCache(cfg.Driver, time.Duration(opts.TLSCertCacheTTL)*time.Second)

	newDialect := dialectFactory(cfg.Driver)
	if newDialect == nil {
		log.Error("unsupported driver", "driver", cfg.Driver)
		return 1
	}

	eng := probe.New(cfg, reg, certCache, newDialect, opts.Range)
	sched := scheduler.New(eng, time.Duration(opts.Interval)*time.Second, reg)

	srv := httpserver.New(opts.Listen, opts.Port, reg)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown error", "error", err)
		}
		log.Info("shutdown complete")
		return 0

	case err := <-serverErr:
		cancel()
		log.Error("metrics server failed", "error", err)
		return 2
	}
}

func dialectFactory(driver string) func() dialect.Dialect {
	switch driver {
	case "postgres":
		return func() dialect.Dialect { return dialect.NewPostgres() }
	case "mysql":
		return func() dialect.Dialect { return dialect.NewMySQL() }
	default:
		return nil
	}
}

// maskDSN redacts the password segment of a DSN before it ever reaches a
// log line.
func maskDSN(raw string) string {
	at := strings.Index(raw, "@")
	colonColon := strings.Index(raw, "://")
	if at < 0 || colonColon < 0 || at < colonColon {
		return raw
	}
	userinfo := raw[colonColon+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return raw
	}
	return raw[:colonColon+3] + userinfo[:colon] + ":***" + raw[at:]
}
