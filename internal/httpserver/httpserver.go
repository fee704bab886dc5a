// Package httpserver exposes the probe's metrics over HTTP: a promhttp
// exposition handler on /metrics, a liveness path, and an index page.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbari/dbpulse/internal/logger"
	"github.com/nbari/dbpulse/internal/metrics"
)

// Server serves /metrics, /healthz, and a discoverability index page.
type Server struct {
	listen string
	port   int
	reg    *metrics.Registry
	srv    *http.Server
}

// New constructs a Server bound to listen:port, reading from reg. It does
// not start listening until Start is called.
func New(listen string, port int, reg *metrics.Registry) *Server {
	return &Server{listen: listen, port: port, reg: reg}
}

// Start builds the mux and blocks in http.Server.ListenAndServe. It is
// called from a goroutine in main, with the error reported back for the
// caller to decide the exit code.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg.Reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleIndex)

	addr := net.JoinHostPort(s.listen, fmt.Sprintf("%d", s.port))
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Get("http").Info("metrics server listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpserver: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleHealthz always reports 200 — process liveness, independent of
// pulse.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><head><title>dbpulse</title></head><body>
<h1>dbpulse</h1>
<ul>
<li><a href="/metrics">/metrics</a></li>
<li><a href="/healthz">/healthz</a></li>
</ul>
</body></html>`)
}
