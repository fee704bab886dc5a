// Package probe implements the iteration engine: one probe cycle through
// the dialect-layer state machine, instrumented into the metrics
// registry, plus an out-of-band certificate check. RunOnce recovers its own
// panics — database/metrics are only in scope here — so a panicked
// iteration still sets pulse/iterations_total before unwinding; the
// scheduler's own recover is a backstop for panics outside RunOnce, not the
// primary mechanism.
package probe

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/nbari/dbpulse/internal/certprobe"
	"github.com/nbari/dbpulse/internal/dialect"
	"github.com/nbari/dbpulse/internal/dsn"
	"github.com/nbari/dbpulse/internal/logger"
	"github.com/nbari/dbpulse/internal/metrics"
)

// Result is what one RunOnce call reports back to the scheduler.
type Result struct {
	Success   bool
	ErrorType ErrorType
	Panicked  bool
}

// Engine drives one probe cycle per RunOnce call. newDialect constructs a
// fresh, unconnected Dialect each call — there is no connection pooling
// — exactly one connection lives from CONNECT to CLOSE.
type Engine struct {
	cfg        *dsn.Config
	metrics    *metrics.Registry
	certCache  *certprobe.Cache
	newDialect func() dialect.Dialect
	idRange    int
	rng        *rand.Rand
}

// New constructs an Engine. idRange must be >= 1; a range of 1 means every
// iteration writes id 0, which the UPDATE fallback in WriteProbe handles.
func New(cfg *dsn.Config, reg *metrics.Registry, certCache *certprobe.Cache, newDialect func() dialect.Dialect, idRange int) *Engine {
	if idRange < 1 {
		idRange = 1
	}
	return &Engine{
		cfg:        cfg,
		metrics:    reg,
		certCache:  certCache,
		newDialect: newDialect,
		idRange:    idRange,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) timed(database, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	e.metrics.OperationDuration.WithLabelValues(database, op).Observe(time.Since(start).Seconds())
	return err
}

// RunOnce executes exactly one probe iteration and
// updates every metric the outcome touches. A panic raised by any step is
// recovered here, not just caught further up the call stack, so pulse and
// iterations_total still reflect the failed iteration before the panic
// finishes unwinding.
func (e *Engine) RunOnce(ctx context.Context) (result Result) {
	log := logger.Get("probe")
	database := e.cfg.Driver
	start := time.Now()

	d := e.newDialect()
	connected := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in iteration", "panic", r)
			e.metrics.PanicsRecoveredTotal.Inc()
			e.metrics.Pulse.WithLabelValues(database).Set(0)
			e.metrics.IterationsTotal.WithLabelValues(database, "error").Inc()
			result = Result{Success: false, ErrorType: ErrorQuery, Panicked: true}
		}
		if connected {
			if err := d.Close(); err != nil {
				log.Warn("close failed", "error", err)
			}
			e.metrics.ConnectionsActive.WithLabelValues(database).Dec()
		}
		elapsed := time.Since(start)
		e.metrics.Runtime.WithLabelValues(database).Observe(elapsed.Seconds())
		e.metrics.RuntimeLastMilliseconds.WithLabelValues(database).Set(float64(elapsed.Milliseconds()))
	}()

	err := e.runSequence(ctx, d, database, &connected)
	now := time.Now()

	if err != nil {
		et := classify(err)
		log.Error("iteration failed", "error", err, "error_type", string(et))
		e.metrics.Pulse.WithLabelValues(database).Set(0)
		e.metrics.IterationsTotal.WithLabelValues(database, "error").Inc()
		e.metrics.ErrorsTotal.WithLabelValues(database, string(et)).Inc()
		if et == ErrorConnection && e.cfg.TLS.Mode != dsn.ModeDisable && e.cfg.TLS.Mode != "" {
			e.metrics.TLSConnectionErrorsTotal.WithLabelValues(database, string(et)).Inc()
		}
		result = Result{Success: false, ErrorType: et}
		return
	}

	e.metrics.Pulse.WithLabelValues(database).Set(1)
	e.metrics.IterationsTotal.WithLabelValues(database, "success").Inc()
	e.metrics.LastSuccessTimestamp.WithLabelValues(database).Set(float64(now.Unix()))

	result = Result{Success: true}
	return
}

// runSequence executes CONNECT through DROP_IF_SMALL, recording operation
// timings along the way; CLOSE is left to the caller's deferred cleanup. *connected is set as soon as Connect succeeds so the
// caller's deferred cleanup knows whether to decrement connections_active
// and call Close.
func (e *Engine) runSequence(ctx context.Context, d dialect.Dialect, database string, connected *bool) error {
	var connResult *dialect.ConnectResult
	err := e.timed(database, "connect", func() error {
		var err error
		connResult, err = d.Connect(ctx, e.cfg)
		return err
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	*connected = true
	e.metrics.ConnectionsActive.WithLabelValues(database).Inc()
	e.metrics.ConnectionDuration.WithLabelValues(database).Observe(connResult.HandshakeDuration.Seconds())
	if connResult.TLSUsed {
		e.metrics.TLSHandshakeDuration.WithLabelValues(database).Observe(connResult.HandshakeDuration.Seconds())
	}

	if err := d.ApplySessionTimeouts(ctx); err != nil {
		return fmt.Errorf("session_init: %w", err)
	}

	if err := d.EnsureDatabase(ctx); err != nil {
		logger.Get("probe").Warn("ensure_database failed", "error", err)
		e.metrics.ErrorsTotal.WithLabelValues(database, "connection").Inc()
	}

	if err := e.timed(database, "create_table", func() error { return d.EnsureTable(ctx) }); err != nil {
		return fmt.Errorf("ensure_table: %w", err)
	}

	id := e.rng.Intn(e.idRange)
	writtenUUID := uuid.NewString()
	t1 := time.Now().UnixMilli()

	err = e.timed(database, "insert", func() error {
		rows, op, err := d.WriteProbe(ctx, id, writtenUUID, t1)
		if err == nil {
			e.metrics.RowsAffectedTotal.WithLabelValues(database, op).Add(float64(rows))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("write_probe: %w", err)
	}

	var readUUID string
	err = e.timed(database, "select", func() error {
		var err error
		readUUID, err = d.ReadProbe(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("read_probe: %w", err)
	}
	if readUUID != writtenUUID {
		return fmt.Errorf("read_probe: row %d returned uuid %q, expected %q", id, readUUID, writtenUUID)
	}

	rollbackUUID := uuid.NewString()
	err = e.timed(database, "transaction_test", func() error {
		return d.RollbackTest(ctx, id, rollbackUUID)
	})
	if err != nil {
		return fmt.Errorf("rollback_test: %w", err)
	}

	md := d.Metadata(ctx)
	e.applyMetadata(database, &md)

	if cert, err := e.certCache.Get(ctx, e.cfg.Host, e.cfg.Port, time.Now()); err != nil {
		var perr *certprobe.ProbeError
		errType := "connection"
		if asProbeError(err, &perr) {
			errType = string(perr.Type)
		}
		e.metrics.TLSCertProbeErrorsTotal.WithLabelValues(database, errType).Inc()
	} else if cert != nil {
		e.metrics.TLSInfo.WithLabelValues(database, cert.TLSVersion, cert.CipherSuite).Set(1)
		e.metrics.TLSCertExpiryDays.WithLabelValues(database).Set(float64(cert.ExpiryDays))
		logger.Get("probe").Debug("server certificate",
			"subject", cert.Subject, "issuer", cert.Issuer, "expiry_days", cert.ExpiryDays)
	}

	if err := e.timed(database, "cleanup", func() error {
		_, err := d.Cleanup(ctx, time.Now())
		return err
	}); err != nil {
		logger.Get("probe").Warn("cleanup failed", "error", err)
		e.metrics.ErrorsTotal.WithLabelValues(database, "query").Inc()
	}

	if time.Now().Minute() == 0 {
		if _, err := d.DropIfSmall(ctx, time.Now()); err != nil {
			logger.Get("probe").Warn("drop_if_small failed", "error", err)
			e.metrics.ErrorsTotal.WithLabelValues(database, "query").Inc()
		}
	}

	return nil
}

func asProbeError(err error, target **certprobe.ProbeError) bool {
	if pe, ok := err.(*certprobe.ProbeError); ok {
		*target = pe
		return true
	}
	return false
}

func (e *Engine) applyMetadata(database string, md *dialect.Metadata) {
	if md.Version != "" {
		e.metrics.DatabaseVersionInfo.WithLabelValues(database, md.Version).Set(1)
	}
	if md.ReadOnly != nil {
		v := 0.0
		if *md.ReadOnly {
			v = 1
		}
		e.metrics.DatabaseReadonly.WithLabelValues(database).Set(v)
	}
	if md.UptimeSeconds != nil {
		e.metrics.DatabaseUptimeSeconds.WithLabelValues(database).Set(*md.UptimeSeconds)
	}
	if md.ReplicationLagSeconds != nil {
		e.metrics.ReplicationLagSeconds.WithLabelValues(database).Observe(*md.ReplicationLagSeconds)
	}
	if md.BlockingQueries != nil {
		e.metrics.BlockingQueries.WithLabelValues(database).Set(float64(*md.BlockingQueries))
	}
	if md.DatabaseSizeBytes != nil {
		e.metrics.DatabaseSizeBytes.WithLabelValues(database).Set(float64(*md.DatabaseSizeBytes))
	}
	if md.TableSizeBytes != nil {
		e.metrics.TableSizeBytes.WithLabelValues(database, dialect.Table).Set(float64(*md.TableSizeBytes))
	}
	if md.TableRows != nil {
		e.metrics.TableRows.WithLabelValues(database, dialect.Table).Set(float64(*md.TableRows))
	}
}
