package dialect

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/nbari/dbpulse/internal/dsn"
	"github.com/nbari/dbpulse/internal/logger"
)

// erUnknownSystemVariable is MySQL/MariaDB error 1193, returned when the
// server doesn't recognize a SET SESSION variable — the signal used to
// detect MariaDB's lack of max_execution_time.
const erUnknownSystemVariable = 1193

// erDupEntry is MySQL error 1062 (duplicate key), the INSERT-conflict
// signal WriteProbe watches for.
const erDupEntry = 1062

// MySQL drives a dedicated-monitoring-table workload against MySQL or
// MariaDB. Unlike lib/pq, the driver takes its TLS posture as a registered
// tls.Config rather than DSN parameters, so the four modes are mapped to
// one here.
type MySQL struct {
	db          *sql.DB
	database    string // selected by EnsureDatabase via USE, not at connect time
	usesMaxStmt bool   // true once the max_execution_time fallback has fired
}

// NewMySQL constructs an unconnected MySQL dialect instance.
func NewMySQL() *MySQL { return &MySQL{} }

func (m *MySQL) Name() string { return "mysql" }

func buildMySQLTLSConfig(cfg *dsn.Config) (*tls.Config, error) {
	switch cfg.TLS.Mode {
	case dsn.ModeDisable, "":
		return nil, nil

	case dsn.ModeRequire:
		return &tls.Config{InsecureSkipVerify: true}, nil

	case dsn.ModeVerifyCA:
		pool, err := loadCAPool(cfg.TLS.CAPath)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			RootCAs:               pool,
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: verifyChainIgnoringHostname(pool),
		}, nil

	case dsn.ModeVerifyFull:
		pool, err := loadCAPool(cfg.TLS.CAPath)
		if err != nil {
			return nil, err
		}
		return &tls.Config{RootCAs: pool, ServerName: cfg.Host}, nil

	default:
		return nil, fmt.Errorf("mysql: unrecognized tls mode %q", cfg.TLS.Mode)
	}
}

// verifyChainIgnoringHostname builds a VerifyPeerCertificate callback that
// checks the certificate chains to pool but never checks the server
// hostname — the verify-ca posture.
func verifyChainIgnoringHostname(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("mysql: no certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("mysql: parse leaf certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if cert, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(cert)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
		})
		return err
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, fmt.Errorf("mysql: CA path required for this tls mode")
	}
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mysql: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("mysql: parse CA certificate")
	}
	return pool, nil
}

func (m *MySQL) Connect(ctx context.Context, cfg *dsn.Config) (*ConnectResult, error) {
	tlsCfg, err := buildMySQLTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: build tls config: %w", err)
	}

	addr := fmt.Sprintf("tcp(%s:%d)", cfg.Host, cfg.Port)
	if cfg.Socket != "" {
		addr = fmt.Sprintf("unix(%s)", cfg.Socket)
	}

	// Dial without selecting a database: the target database may not exist
	// yet on first run against a fresh server, and unlike Postgres, MySQL
	// lets one session switch databases later with USE once EnsureDatabase
	// creates it — no second connection needed.
	rawDSN := fmt.Sprintf("%s:%s@%s/?parseTime=true&timeout=10s", cfg.User, cfg.Password, addr)
	if tlsCfg != nil {
		if err := gomysql.RegisterTLSConfig("dbpulse", tlsCfg); err != nil {
			return nil, fmt.Errorf("mysql: register tls config: %w", err)
		}
		rawDSN += "&tls=dbpulse"
	}
	for k, v := range cfg.Extra {
		rawDSN += fmt.Sprintf("&%s=%s", k, v)
	}

	db, err := sql.Open("mysql", rawDSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	elapsed := time.Since(start)

	m.db = db
	m.database = cfg.Database
	return &ConnectResult{HandshakeDuration: elapsed, TLSUsed: tlsCfg != nil}, nil
}

func (m *MySQL) ApplySessionTimeouts(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, "SET SESSION max_execution_time = 5000")
	if err != nil {
		if isUnknownSystemVariable(err) {
			logger.Get("dialect").Info("mysql: max_execution_time unsupported, falling back to max_statement_time (MariaDB)")
			if _, err := m.db.ExecContext(ctx, "SET SESSION max_statement_time = 5"); err != nil {
				return fmt.Errorf("mysql: set max_statement_time: %w", err)
			}
			m.usesMaxStmt = true
		} else {
			return fmt.Errorf("mysql: set max_execution_time: %w", err)
		}
	}

	if _, err := m.db.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = 2"); err != nil {
		return fmt.Errorf("mysql: set innodb_lock_wait_timeout: %w", err)
	}
	return nil
}

func isUnknownSystemVariable(err error) bool {
	var mysqlErr *gomysql.MySQLError
	if ok := asMySQLError(err, &mysqlErr); ok {
		return mysqlErr.Number == erUnknownSystemVariable
	}
	return false
}

func asMySQLError(err error, target **gomysql.MySQLError) bool {
	if me, ok := err.(*gomysql.MySQLError); ok {
		*target = me
		return true
	}
	return false
}

// EnsureDatabase creates the target database if it doesn't exist yet and
// selects it on the current session with USE. Connect deliberately leaves
// no database selected so this step can run before anything depends on the
// target database already existing.
func (m *MySQL) EnsureDatabase(ctx context.Context) error {
	ident := "`" + strings.ReplaceAll(m.database, "`", "``") + "`"

	if _, err := m.db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+ident); err != nil {
		return fmt.Errorf("mysql: create database: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, "USE "+ident); err != nil {
		return fmt.Errorf("mysql: select database: %w", err)
	}
	return nil
}

func (m *MySQL) EnsureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+Table+` (
	id   INT PRIMARY KEY,
	t1   BIGINT NOT NULL,
	t2   TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	uuid CHAR(36) CHARACTER SET ascii NOT NULL,
	UNIQUE KEY `+Table+`_uuid_idx (uuid),
	KEY `+Table+`_t2_idx (t2)
)`)
	if err != nil {
		return fmt.Errorf("mysql: create table: %w", err)
	}
	return nil
}

func (m *MySQL) WriteProbe(ctx context.Context, id int, uuid string, t1 int64) (int64, string, error) {
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO `+Table+` (id, t1, uuid) VALUES (?, ?, ?)`,
		id, t1, uuid)
	if err == nil {
		n, _ := res.RowsAffected()
		return n, "insert", nil
	}

	var mysqlErr *gomysql.MySQLError
	if asMySQLError(err, &mysqlErr) && mysqlErr.Number == erDupEntry {
		res, err := m.db.ExecContext(ctx,
			`UPDATE `+Table+` SET uuid = ?, t1 = ? WHERE id = ?`,
			uuid, t1, id)
		if err != nil {
			return 0, "update", fmt.Errorf("mysql: update probe row: %w", err)
		}
		n, _ := res.RowsAffected()
		return n, "update", nil
	}

	return 0, "insert", fmt.Errorf("mysql: insert probe row: %w", err)
}

func (m *MySQL) ReadProbe(ctx context.Context, id int) (string, error) {
	var uuid string
	err := m.db.QueryRowContext(ctx, `SELECT uuid FROM `+Table+` WHERE id = ?`, id).Scan(&uuid)
	if err == sql.ErrNoRows {
		return "", ErrNoRow
	}
	if err != nil {
		return "", fmt.Errorf("mysql: read probe row: %w", err)
	}
	return uuid, nil
}

func (m *MySQL) RollbackTest(ctx context.Context, id int, newUUID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: begin rollback test: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+Table+` SET uuid = ? WHERE id = ?`, newUUID, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("mysql: rollback test update: %w", err)
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("mysql: rollback: %w", err)
	}
	return nil
}

func (m *MySQL) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-RetentionWindow)
	res, err := m.db.ExecContext(ctx, `DELETE FROM `+Table+` WHERE t2 < ? LIMIT ?`, cutoff, MaxCleanupRows)
	if err != nil {
		return 0, fmt.Errorf("mysql: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (m *MySQL) DropIfSmall(ctx context.Context, now time.Time) (bool, error) {
	var estimate int64
	err := m.db.QueryRowContext(ctx, `
SELECT TABLE_ROWS FROM information_schema.TABLES
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, Table).Scan(&estimate)
	if err != nil {
		return false, fmt.Errorf("mysql: row estimate: %w", err)
	}
	if estimate >= SmallTableThreshold {
		return false, nil
	}

	if _, err := m.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+Table); err != nil {
		return false, fmt.Errorf("mysql: drop table: %w", err)
	}
	if err := m.EnsureTable(ctx); err != nil {
		return false, fmt.Errorf("mysql: recreate table: %w", err)
	}
	return true, nil
}

func (m *MySQL) Metadata(ctx context.Context) Metadata {
	log := logger.Get("dialect")
	var md Metadata

	if err := m.db.QueryRowContext(ctx, `SELECT VERSION()`).Scan(&md.Version); err != nil {
		log.Warn("mysql: version query failed", "error", err)
	}

	var roRaw string
	if err := m.db.QueryRowContext(ctx, `SELECT @@global.read_only`).Scan(&roRaw); err != nil {
		log.Warn("mysql: read_only query failed", "error", err)
	} else {
		ro := roRaw == "1" || strings.EqualFold(roRaw, "ON")
		md.ReadOnly = &ro
	}

	var statusName, statusValue string
	if err := m.db.QueryRowContext(ctx, `SHOW GLOBAL STATUS LIKE 'Uptime'`).Scan(&statusName, &statusValue); err != nil {
		log.Warn("mysql: uptime query failed", "error", err)
	} else if seconds, err := strconv.ParseFloat(statusValue, 64); err == nil {
		md.UptimeSeconds = &seconds
	}

	if md.ReadOnly != nil && *md.ReadOnly {
		if lag, err := m.replicaLagSeconds(ctx); err != nil {
			log.Warn("mysql: replica lag query failed", "error", err)
		} else if lag != nil {
			md.ReplicationLagSeconds = lag
		}
	}

	var blocking int64
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.processlist WHERE state LIKE '%lock%'`).Scan(&blocking); err != nil {
		log.Warn("mysql: blocking query failed", "error", err)
	} else {
		md.BlockingQueries = &blocking
	}

	var dbSize sql.NullInt64
	if err := m.db.QueryRowContext(ctx, `
SELECT SUM(data_length + index_length) FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE()`).Scan(&dbSize); err != nil {
		log.Warn("mysql: database size query failed", "error", err)
	} else if dbSize.Valid {
		md.DatabaseSizeBytes = &dbSize.Int64
	}

	var tableSize sql.NullInt64
	var tableRows sql.NullInt64
	if err := m.db.QueryRowContext(ctx, `
SELECT data_length + index_length, TABLE_ROWS FROM information_schema.TABLES
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, Table).Scan(&tableSize, &tableRows); err != nil {
		log.Warn("mysql: table size query failed", "error", err)
	} else {
		if tableSize.Valid {
			md.TableSizeBytes = &tableSize.Int64
		}
		if tableRows.Valid {
			md.TableRows = &tableRows.Int64
		}
	}

	return md
}

// replicaLagSeconds tries the modern MariaDB/MySQL 8 column name
// (Seconds_Behind_Source) first, then the legacy one
// (Seconds_Behind_Master), since the column renamed across server
// generations and this package must not hard-code either.
func (m *MySQL) replicaLagSeconds(ctx context.Context) (*float64, error) {
	rows, err := m.db.QueryContext(ctx, `SHOW REPLICA STATUS`)
	if err != nil {
		rows, err = m.db.QueryContext(ctx, `SHOW SLAVE STATUS`)
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, nil
	}

	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	for i, col := range cols {
		if col == "Seconds_Behind_Source" || col == "Seconds_Behind_Master" {
			switch v := vals[i].(type) {
			case []byte:
				f, err := strconv.ParseFloat(string(v), 64)
				if err != nil {
					return nil, nil
				}
				return &f, nil
			case int64:
				f := float64(v)
				return &f, nil
			}
		}
	}
	return nil, nil
}

func (m *MySQL) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
