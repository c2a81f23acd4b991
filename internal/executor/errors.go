package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindPoolTimeout ErrorKind = "pool_timeout"
	KindConnection  ErrorKind = "connection"
	KindSyntax      ErrorKind = "syntax"
	KindExecution   ErrorKind = "execution"
	KindCanceled    ErrorKind = "canceled"
)

var (
	// ErrTimeout is reported when a statement outlives its timeout.
	ErrTimeout = errors.New("query timed out")

	// ErrPoolTimeout is reported when no connection frees up within the pool wait.
	ErrPoolTimeout = errors.New("timed out waiting for a pooled connection")

	// ErrConnectionRefused is the fatal startup error from ValidateConnection.
	ErrConnectionRefused = errors.New("database connection refused")
)

// mysql error numbers that mean the statement itself is wrong.
var mysqlSyntaxErrors = map[uint16]bool{
	1054: true, // unknown column
	1064: true, // parse error
	1146: true, // no such table
	1149: true, // syntax error
}

// Classify maps an error to its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrPoolTimeout):
		return KindPoolTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case isConnectionError(err):
		return KindConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "42") {
			return KindSyntax
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return KindConnection
		}
		return KindExecution
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if mysqlSyntaxErrors[myErr.Number] {
			return KindSyntax
		}
		return KindExecution
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"syntax error", "no such table", "no such column", "incomplete input", "unrecognized token"} {
		if strings.Contains(msg, s) {
			return KindSyntax
		}
	}
	return KindExecution
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return isConnectionRefused(err)
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(strings.ToLower(err.Error()), "connection refused")
}
