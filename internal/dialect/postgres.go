package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nbari/dbpulse/internal/dsn"
	"github.com/nbari/dbpulse/internal/logger"
)

// Postgres drives a dedicated-monitoring-table workload against a
// PostgreSQL server. TLS posture is handed to lib/pq directly via
// sslmode/sslrootcert/sslcert/sslkey, which it natively understands.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs an unconnected Postgres dialect instance.
func NewPostgres() *Postgres { return &Postgres{} }

func (p *Postgres) Name() string { return "postgres" }

// maintenanceDatabase is what the bootstrap connection dials when the
// target database doesn't exist yet — every Postgres server carries it, so
// it's always a valid place to connect and run CREATE DATABASE.
const maintenanceDatabase = "postgres"

// pgInvalidCatalogName is Postgres error 3D000, "database ... does not
// exist" — the signal Connect watches for before falling back to the
// maintenance-database bootstrap.
const pgInvalidCatalogName = "3D000"

// pgDuplicateDatabase is Postgres error 42P04, returned when CREATE DATABASE
// loses a race against another instance that created it first.
const pgDuplicateDatabase = "42P04"

func buildPostgresConnStr(cfg *dsn.Config, database, sslMode string) string {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, database, sslMode)
	if cfg.TLS.CAPath != "" {
		connStr += fmt.Sprintf(" sslrootcert=%s", cfg.TLS.CAPath)
	}
	if cfg.TLS.CertPath != "" {
		connStr += fmt.Sprintf(" sslcert=%s", cfg.TLS.CertPath)
	}
	if cfg.TLS.KeyPath != "" {
		connStr += fmt.Sprintf(" sslkey=%s", cfg.TLS.KeyPath)
	}
	for k, v := range cfg.Extra {
		connStr += fmt.Sprintf(" %s=%s", k, v)
	}
	return connStr
}

// Connect dials the target database directly. If it doesn't exist yet,
// the create-database fallback runs here rather than in EnsureDatabase:
// Postgres can't run CREATE DATABASE against a connection already bound to
// a database, so bootstrapping has to happen before this connection can
// succeed, not after.
func (p *Postgres) Connect(ctx context.Context, cfg *dsn.Config) (*ConnectResult, error) {
	sslMode := string(cfg.TLS.Mode)
	if sslMode == "" {
		sslMode = "disable"
	}

	connStr := buildPostgresConnStr(cfg, cfg.Database, sslMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	start := time.Now()
	pingErr := db.PingContext(ctx)
	if pingErr != nil && isMissingDatabase(pingErr) {
		db.Close()
		if createErr := createPostgresDatabase(ctx, cfg, sslMode); createErr != nil {
			return nil, fmt.Errorf("postgres: create database %q: %w", cfg.Database, createErr)
		}

		db, err = sql.Open("postgres", connStr)
		if err != nil {
			return nil, fmt.Errorf("postgres: reopen after create database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		start = time.Now()
		pingErr = db.PingContext(ctx)
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", pingErr)
	}
	elapsed := time.Since(start)

	p.db = db
	return &ConnectResult{HandshakeDuration: elapsed, TLSUsed: sslMode != "disable"}, nil
}

// isMissingDatabase reports whether err is Postgres' invalid_catalog_name —
// "database ... does not exist" — as opposed to a permissions or network
// failure Connect should surface as-is.
func isMissingDatabase(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgInvalidCatalogName
	}
	return false
}

// createPostgresDatabase opens a short-lived connection to the maintenance
// database and issues CREATE DATABASE for cfg.Database. A
// duplicate_database race against a concurrently-started instance doing the
// same bootstrap is not treated as an error.
func createPostgresDatabase(ctx context.Context, cfg *dsn.Config, sslMode string) error {
	connStr := buildPostgresConnStr(cfg, maintenanceDatabase, sslMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("open maintenance connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping maintenance connection: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE DATABASE `+pq.QuoteIdentifier(cfg.Database))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgDuplicateDatabase {
			return nil
		}
		return fmt.Errorf("create database: %w", err)
	}
	return nil
}

// ApplySessionTimeouts sets statement_timeout/lock_timeout at session
// scope, not with SET LOCAL: SET LOCAL only has effect inside an explicit
// transaction block and would be a silent no-op here, since the probe's
// queries outside RollbackTest run without one.
func (p *Postgres) ApplySessionTimeouts(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, "SET statement_timeout = 5000"); err != nil {
		return fmt.Errorf("postgres: set statement_timeout: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, "SET lock_timeout = 2000"); err != nil {
		return fmt.Errorf("postgres: set lock_timeout: %w", err)
	}
	return nil
}

// EnsureDatabase is a no-op: by the time it runs, Connect has already
// succeeded against cfg.Database, which means the database exists — either
// it was already there, or Connect's own bootstrap fallback just created it
// (see Connect). There is no later point at which this step could still
// have useful work to do.
func (p *Postgres) EnsureDatabase(ctx context.Context) error {
	logger.Get("dialect").Debug("postgres: database presence already ensured during connect")
	return nil
}

func (p *Postgres) EnsureTable(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+Table+` (
	id   INT PRIMARY KEY,
	t1   BIGINT NOT NULL,
	t2   TIMESTAMP NOT NULL DEFAULT now(),
	uuid UUID NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("postgres: create table: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS `+Table+`_uuid_idx ON `+Table+` (uuid)`); err != nil {
		return fmt.Errorf("postgres: create uuid index: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS `+Table+`_t2_idx ON `+Table+` (t2)`); err != nil {
		return fmt.Errorf("postgres: create t2 index: %w", err)
	}
	return nil
}

func (p *Postgres) WriteProbe(ctx context.Context, id int, uuid string, t1 int64) (int64, string, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO `+Table+` (id, t1, t2, uuid) VALUES ($1, $2, now(), $3)`,
		id, t1, uuid)
	if err == nil {
		n, _ := res.RowsAffected()
		return n, "insert", nil
	}

	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		res, err := p.db.ExecContext(ctx,
			`UPDATE `+Table+` SET uuid = $1, t1 = $2, t2 = now() WHERE id = $3`,
			uuid, t1, id)
		if err != nil {
			return 0, "update", fmt.Errorf("postgres: update probe row: %w", err)
		}
		n, _ := res.RowsAffected()
		return n, "update", nil
	}

	return 0, "insert", fmt.Errorf("postgres: insert probe row: %w", err)
}

func (p *Postgres) ReadProbe(ctx context.Context, id int) (string, error) {
	var uuid string
	err := p.db.QueryRowContext(ctx, `SELECT uuid FROM `+Table+` WHERE id = $1`, id).Scan(&uuid)
	if err == sql.ErrNoRows {
		return "", ErrNoRow
	}
	if err != nil {
		return "", fmt.Errorf("postgres: read probe row: %w", err)
	}
	return uuid, nil
}

func (p *Postgres) RollbackTest(ctx context.Context, id int, newUUID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin rollback test: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+Table+` SET uuid = $1 WHERE id = $2`, newUUID, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("postgres: rollback test update: %w", err)
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

func (p *Postgres) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-RetentionWindow)
	res, err := p.db.ExecContext(ctx, `
DELETE FROM `+Table+`
WHERE id IN (SELECT id FROM `+Table+` WHERE t2 < $1 LIMIT $2)`,
		cutoff, MaxCleanupRows)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) DropIfSmall(ctx context.Context, now time.Time) (bool, error) {
	var estimate int64
	err := p.db.QueryRowContext(ctx, `
SELECT COALESCE(reltuples, 0)::bigint FROM pg_class WHERE relname = $1`, Table).Scan(&estimate)
	if err != nil {
		return false, fmt.Errorf("postgres: row estimate: %w", err)
	}
	if estimate >= SmallTableThreshold {
		return false, nil
	}

	if _, err := p.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+Table); err != nil {
		return false, fmt.Errorf("postgres: drop table: %w", err)
	}
	if err := p.EnsureTable(ctx); err != nil {
		return false, fmt.Errorf("postgres: recreate table: %w", err)
	}
	return true, nil
}

func (p *Postgres) Metadata(ctx context.Context) Metadata {
	log := logger.Get("dialect")
	var md Metadata

	if err := p.db.QueryRowContext(ctx, `SHOW server_version`).Scan(&md.Version); err != nil {
		log.Warn("postgres: version query failed", "error", err)
	}

	var recovery bool
	if err := p.db.QueryRowContext(ctx, `SELECT pg_is_in_recovery()`).Scan(&recovery); err != nil {
		log.Warn("postgres: pg_is_in_recovery query failed", "error", err)
	} else {
		ro := recovery
		if !ro {
			var txRO string
			if err := p.db.QueryRowContext(ctx, `SHOW transaction_read_only`).Scan(&txRO); err == nil {
				ro = txRO == "on"
			}
		}
		md.ReadOnly = &ro
	}

	var uptime float64
	if err := p.db.QueryRowContext(ctx, `SELECT extract(epoch from now() - pg_postmaster_start_time())`).Scan(&uptime); err != nil {
		log.Warn("postgres: uptime query failed", "error", err)
	} else {
		md.UptimeSeconds = &uptime
	}

	if md.ReadOnly != nil && *md.ReadOnly {
		var lag float64
		if err := p.db.QueryRowContext(ctx, `SELECT extract(epoch from now() - pg_last_xact_replay_timestamp())`).Scan(&lag); err != nil {
			log.Warn("postgres: replication lag query failed", "error", err)
		} else {
			md.ReplicationLagSeconds = &lag
		}
	}

	var blocking int64
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM pg_stat_activity WHERE wait_event_type = 'Lock'`).Scan(&blocking); err != nil {
		log.Warn("postgres: blocking query failed", "error", err)
	} else {
		md.BlockingQueries = &blocking
	}

	var dbSize int64
	if err := p.db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&dbSize); err != nil {
		log.Warn("postgres: database size query failed", "error", err)
	} else {
		md.DatabaseSizeBytes = &dbSize
	}

	var tableSize int64
	if err := p.db.QueryRowContext(ctx, `SELECT pg_total_relation_size($1)`, Table).Scan(&tableSize); err != nil {
		log.Warn("postgres: table size query failed", "error", err)
	} else {
		md.TableSizeBytes = &tableSize
	}

	var tableRows int64
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(reltuples, 0)::bigint FROM pg_class WHERE relname = $1`, Table).Scan(&tableRows); err != nil {
		log.Warn("postgres: table rows query failed", "error", err)
	} else {
		md.TableRows = &tableRows
	}

	return md
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
