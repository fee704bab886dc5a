package probe

import (
	"context"
	"errors"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/nbari/dbpulse/internal/dialect"
)

// ErrorType is the errors_total{error_type=...} label value an error
// classifies to.
type ErrorType string

const (
	ErrorAuthentication ErrorType = "authentication"
	ErrorTimeout        ErrorType = "timeout"
	ErrorConnection     ErrorType = "connection"
	ErrorTransaction    ErrorType = "transaction"
	ErrorQuery          ErrorType = "query"
)

var pgCodeClass = map[string]ErrorType{
	"28P01": ErrorAuthentication,
	"57014": ErrorTimeout,
	"40001": ErrorTransaction,
	"40P01": ErrorTransaction,
}

var mysqlNumberClass = map[uint16]ErrorType{
	1045: ErrorAuthentication,
	1317: ErrorTimeout,
	1213: ErrorTransaction,
}

// classify maps an error observed anywhere in the mandatory probe
// sequence to one of the five error_type label values. Ambiguous errors
// fall through to ErrorQuery.
func classify(err error) ErrorType {
	if err == nil {
		return ErrorQuery
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	if errors.Is(err, dialect.ErrNoRow) {
		return ErrorQuery
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if t, ok := pgCodeClass[string(pqErr.Code)]; ok {
			return t
		}
		return classifyMessage(err.Error())
	}

	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if t, ok := mysqlNumberClass[mysqlErr.Number]; ok {
			return t
		}
		return classifyMessage(err.Error())
	}

	return classifyMessage(err.Error())
}

// classifyMessage is the substring fallback for errors that don't carry a
// structured driver code — timeouts reported by the network layer, TLS
// handshake failures before any SQL was issued, and driver-wrapped
// authentication rejections that don't surface as a *pq.Error/*mysql.MySQLError.
func classifyMessage(msg string) ErrorType {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "password authentication failed"):
		return ErrorAuthentication

	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return ErrorTimeout

	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "tls"),
		strings.Contains(lower, "handshake"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "dial"):
		return ErrorConnection

	case strings.Contains(lower, "deadlock"),
		strings.Contains(lower, "serialization"),
		strings.Contains(lower, "could not serialize"),
		strings.Contains(lower, "rollback"):
		return ErrorTransaction

	default:
		return ErrorQuery
	}
}
