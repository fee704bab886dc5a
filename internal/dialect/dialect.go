// Package dialect implements the per-database-flavor SQL contract the probe
// engine drives: connect, session timeouts, table lifecycle, probe
// write/read/rollback, cleanup, and a bundle of best-effort metadata
// queries. It has two implementations, Postgres and MySQL, behind the
// common Dialect interface so the iteration engine never branches on
// database flavor itself.
package dialect

import (
	"context"
	"errors"
	"time"

	"github.com/nbari/dbpulse/internal/dsn"
)

// Table is the name of the single table this package owns. It must never
// be touched by application code.
const Table = "dbpulse_rw"

// ErrNoRow is returned by ReadProbe when the chosen id has no row. The
// caller (the iteration engine) treats this as a query-classified failure.
var ErrNoRow = errors.New("dialect: probe row not found")

// ConnectResult carries the observations Connect makes about the TLS
// session it established, so the caller can update metrics without this
// package importing the metrics package directly.
type ConnectResult struct {
	HandshakeDuration time.Duration
	TLSUsed           bool
}

// Metadata is the result of the best-effort metadata queries. Every
// field except Version is a pointer so a failed/unsupported query can leave
// it nil (Version is left empty) without aborting the others; Dialect implementations never return an
// error from Metadata, they only log failures internally.
type Metadata struct {
	Version               string
	ReadOnly              *bool
	UptimeSeconds         *float64
	ReplicationLagSeconds *float64
	BlockingQueries       *int64
	DatabaseSizeBytes     *int64
	TableSizeBytes        *int64
	TableRows             *int64
}

// Dialect is the capability set every supported database flavor exposes to
// the iteration engine.
type Dialect interface {
	// Name returns the metrics label value for this flavor ("postgres" or
	// "mysql").
	Name() string

	// Connect opens exactly one connection for this iteration, honoring
	// cfg.TLS, and verifies it with a ping.
	Connect(ctx context.Context, cfg *dsn.Config) (*ConnectResult, error)

	// ApplySessionTimeouts sets the statement/lock timeouts that bound
	// every subsequent query in this iteration.
	ApplySessionTimeouts(ctx context.Context) error

	// EnsureDatabase best-effort creates the target database if it is
	// missing and permissions allow it. Failures are logged, never fatal.
	EnsureDatabase(ctx context.Context) error

	// EnsureTable creates the monitoring table and its indexes if absent.
	EnsureTable(ctx context.Context) error

	// WriteProbe inserts or, on primary-key conflict, updates the probe
	// row identified by id. op is "insert" or "update", for the
	// rows_affected_total label.
	WriteProbe(ctx context.Context, id int, uuid string, t1 int64) (rowsAffected int64, op string, err error)

	// ReadProbe returns the uuid currently stored for id, or ErrNoRow.
	ReadProbe(ctx context.Context, id int) (string, error)

	// RollbackTest updates the row to newUUID inside a transaction that is
	// then explicitly rolled back; the prior uuid must remain visible
	// afterward.
	RollbackTest(ctx context.Context, id int, newUUID string) error

	// Cleanup deletes rows older than 1 hour, bounded by a hard LIMIT.
	Cleanup(ctx context.Context, now time.Time) (rowsAffected int64, err error)

	// DropIfSmall drops and recreates the table when the approximate row
	// count is below 100,000. Only meaningful at minute == 0; the caller
	// decides whether to invoke it.
	DropIfSmall(ctx context.Context, now time.Time) (dropped bool, err error)

	// Metadata runs the bundle of best-effort metadata queries. It never
	// fails the iteration; individual fields are left nil on error.
	Metadata(ctx context.Context) Metadata

	// Close performs an orderly close of the underlying connection.
	Close() error
}

// MaxCleanupRows bounds every cleanup delete.
const MaxCleanupRows = 10000

// SmallTableThreshold gates the hourly drop-and-recreate policy.
const SmallTableThreshold = 100000

// RetentionWindow is how old a row may get before cleanup removes it.
const RetentionWindow = time.Hour
