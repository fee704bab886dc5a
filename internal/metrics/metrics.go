// Package metrics defines the process-wide Prometheus registry for
// dbpulse: every gauge, counter, and histogram the probe engine,
// certificate prober, and dialect layer update, registered once at
// process start.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dbpulse"

// Registry holds every metric dbpulse exports, plus the underlying
// prometheus.Registry they are registered against. It is created once and
// shared between the scheduler/iteration engine (writers) and the HTTP
// exposition handler (reader).
type Registry struct {
	Reg *prometheus.Registry

	Pulse                     *prometheus.GaugeVec
	Runtime                   *prometheus.HistogramVec
	RuntimeLastMilliseconds   *prometheus.GaugeVec
	IterationsTotal           *prometheus.CounterVec
	LastSuccessTimestamp      *prometheus.GaugeVec
	OperationDuration         *prometheus.HistogramVec
	ConnectionDuration        *prometheus.HistogramVec
	ConnectionsActive         *prometheus.GaugeVec
	RowsAffectedTotal         *prometheus.CounterVec
	TableSizeBytes            *prometheus.GaugeVec
	TableRows                 *prometheus.GaugeVec
	DatabaseSizeBytes         *prometheus.GaugeVec
	DatabaseReadonly          *prometheus.GaugeVec
	DatabaseVersionInfo       *prometheus.GaugeVec
	DatabaseUptimeSeconds     *prometheus.GaugeVec
	ReplicationLagSeconds     *prometheus.HistogramVec
	BlockingQueries           *prometheus.GaugeVec
	ErrorsTotal               *prometheus.CounterVec
	PanicsRecoveredTotal      prometheus.Counter
	TLSHandshakeDuration      *prometheus.HistogramVec
	TLSConnectionErrorsTotal  *prometheus.CounterVec
	TLSInfo                   *prometheus.GaugeVec
	TLSCertExpiryDays         *prometheus.GaugeVec
	TLSCertProbeErrorsTotal   *prometheus.CounterVec
}

// New constructs a fresh registry with every metric registered, plus the
// default Go/process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Reg: reg,
		Pulse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pulse",
			Help: "1 if the most recent iteration completed its mandatory sequence successfully, 0 otherwise.",
		}, []string{"database"}),
		Runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "runtime",
			Help:    "Seconds spent in one full iteration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database"}),
		RuntimeLastMilliseconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runtime_last_milliseconds",
			Help: "Wall-clock duration of the most recent iteration, in milliseconds.",
		}, []string{"database"}),
		IterationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "iterations_total",
			Help: "Count of completed iterations by outcome.",
		}, []string{"database", "status"}),
		LastSuccessTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_success_timestamp_seconds",
			Help: "Unix timestamp of the last iteration whose mandatory sequence succeeded.",
		}, []string{"database"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_seconds",
			Help:    "Seconds spent in each individual probe operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "connection_duration_seconds",
			Help:    "Seconds spent establishing the database connection.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database"}),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Number of probe connections currently open (0 or 1 per dialect, by construction).",
		}, []string{"database"}),
		RowsAffectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_affected_total",
			Help: "Rows affected by probe writes, by operation.",
		}, []string{"database", "operation"}),
		TableSizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "table_size_bytes",
			Help: "Approximate on-disk size of the monitoring table.",
		}, []string{"database", "table"}),
		TableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "table_rows",
			Help: "Approximate row count of the monitoring table.",
		}, []string{"database", "table"}),
		DatabaseSizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "database_size_bytes",
			Help: "Approximate on-disk size of the target database.",
		}, []string{"database"}),
		DatabaseReadonly: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "database_readonly",
			Help: "1 if the server reports itself read-only or in recovery, 0 otherwise.",
		}, []string{"database"}),
		DatabaseVersionInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "database_version_info",
			Help: "Constant 1, labeled with the server's reported version string.",
		}, []string{"database", "version"}),
		DatabaseUptimeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "database_uptime_seconds",
			Help: "Seconds since the database server started.",
		}, []string{"database"}),
		ReplicationLagSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "replication_lag_seconds",
			Help:    "Replication lag observed on a replica, in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database"}),
		BlockingQueries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blocking_queries",
			Help: "Count of sessions currently waiting on a lock.",
		}, []string{"database"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Count of classified probe errors.",
		}, []string{"database", "error_type"}),
		PanicsRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "panics_recovered_total",
			Help: "Count of panics recovered from inside an iteration.",
		}),
		TLSHandshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tls_handshake_duration_seconds",
			Help:    "Seconds spent in the TLS handshake during connect.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database"}),
		TLSConnectionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tls_connection_errors_total",
			Help: "Count of TLS errors encountered on the main connection path.",
		}, []string{"database", "error_type"}),
		TLSInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tls_info",
			Help: "Constant 1, labeled with the negotiated TLS version and cipher.",
		}, []string{"database", "version", "cipher"}),
		TLSCertExpiryDays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tls_cert_expiry_days",
			Help: "Days until the server certificate expires; negative if already expired.",
		}, []string{"database"}),
		TLSCertProbeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tls_cert_probe_errors_total",
			Help: "Count of errors encountered while probing the server certificate out-of-band.",
		}, []string{"database", "error_type"}),
	}

	reg.MustRegister(
		r.Pulse, r.Runtime, r.RuntimeLastMilliseconds, r.IterationsTotal,
		r.LastSuccessTimestamp, r.OperationDuration, r.ConnectionDuration,
		r.ConnectionsActive, r.RowsAffectedTotal, r.TableSizeBytes, r.TableRows,
		r.DatabaseSizeBytes, r.DatabaseReadonly, r.DatabaseVersionInfo,
		r.DatabaseUptimeSeconds, r.ReplicationLagSeconds, r.BlockingQueries,
		r.ErrorsTotal, r.PanicsRecoveredTotal, r.TLSHandshakeDuration,
		r.TLSConnectionErrorsTotal, r.TLSInfo, r.TLSCertExpiryDays,
		r.TLSCertProbeErrorsTotal,
	)
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return r
}
