// Package executor runs generated SQL against the business database through
// a bounded connection pool. Each call gets a wall-clock timeout enforced by
// cancelling the worker's context, fixed-delay retries of transient
// failures, and an entry in a bounded history ring.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/georgysavva/scany/v2/sqlscan"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DefaultPoolSize      = 5
	DefaultMaxOverflow   = 10
	DefaultRecycle       = time.Hour
	DefaultPoolWait      = 30 * time.Second
	DefaultTimeout       = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
	DefaultSlowThreshold = 2 * time.Second
)

// Result is the outcome of one Execute call. A failed Result never carries rows.
type Result struct {
	Success       bool             `json:"success"`
	Rows          []map[string]any `json:"rows"`
	AffectedRows  int64            `json:"affected_rows"`
	Err           error            `json:"-"`
	Error         string           `json:"error,omitempty"`
	ErrorKind     ErrorKind        `json:"error_kind,omitempty"`
	ExecutionTime time.Duration    `json:"execution_time"`
	RowCount      int              `json:"row_count"`
	Attempts      int              `json:"attempts"`
	Timestamp     time.Time        `json:"timestamp"`
}

func failure(kind ErrorKind, err error) Result {
	return Result{ErrorKind: kind, Err: err, Error: err.Error()}
}

// Options configures an Executor. Zero values take the package defaults,
// except MaxRetries and RetryDelay where zero means no retries and no delay.
type Options struct {
	Driver      string
	DSN         string
	PoolSize    int
	MaxOverflow int
	Recycle     time.Duration
	PoolWait    time.Duration

	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	HistorySize   int
	SlowThreshold time.Duration

	ValidateAttempts uint
	ValidateDelay    time.Duration

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.MaxOverflow < 0 {
		o.MaxOverflow = 0
	}
	if o.Recycle <= 0 {
		o.Recycle = DefaultRecycle
	}
	if o.PoolWait <= 0 {
		o.PoolWait = DefaultPoolWait
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = DefaultSlowThreshold
	}
	if o.ValidateAttempts == 0 {
		o.ValidateAttempts = DefaultValidateAttempts
	}
	if o.ValidateDelay <= 0 {
		o.ValidateDelay = DefaultValidateDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// DriverName maps a configured driver to its database/sql registration name.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return "sqlite", nil
	case "pgx", "postgres", "postgresql":
		return "pgx", nil
	case "mysql", "doris":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

type runFunc func(ctx context.Context, conn *sql.Conn, query string, args []any) Result

// Executor runs queries against a pooled database handle.
type Executor struct {
	db      *sql.DB
	opts    Options
	history *History
	logger  *slog.Logger
	run     runFunc
}

// Open opens the configured database and returns an Executor owning it.
// The connection is not verified; call ValidateConnection for that.
func Open(opts Options) (*Executor, error) {
	name, err := DriverName(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := sql.Open(name, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", name, err)
	}
	return New(db, opts), nil
}

// New wraps an existing handle, applying the pool settings from opts.
func New(db *sql.DB, opts Options) *Executor {
	opts.defaults()
	db.SetMaxIdleConns(opts.PoolSize)
	db.SetMaxOpenConns(opts.PoolSize + opts.MaxOverflow)
	db.SetConnMaxLifetime(opts.Recycle)

	e := &Executor{
		db:      db,
		opts:    opts,
		history: NewHistory(opts.HistorySize),
		logger:  opts.Logger,
	}
	e.run = e.runQuery
	return e
}

// DB returns the underlying handle.
func (e *Executor) DB() *sql.DB { return e.db }

// Close closes the pool.
func (e *Executor) Close() error { return e.db.Close() }

// History returns the recorded executions, oldest first.
func (e *Executor) History() []HistoryEntry { return e.history.Entries() }

// Stats aggregates the recorded executions.
func (e *Executor) Stats() Stats { return e.history.Stats(e.opts.SlowThreshold) }

// Execute runs query with the given timeout (the configured default when
// zero). Timeouts and cancellations end the call; other failures are retried
// up to MaxRetries times with a fixed delay. Exactly one history entry is
// recorded per call.
func (e *Executor) Execute(ctx context.Context, query string, timeout time.Duration, args ...any) Result {
	if timeout <= 0 {
		timeout = e.opts.Timeout
	}
	start := time.Now()

	var res Result
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			res = e.attempt(ctx, query, timeout, args)
			if res.Success {
				return nil
			}
			return res.Err
		},
		retry.Context(ctx),
		retry.Attempts(uint(e.opts.MaxRetries)+1),
		retry.Delay(e.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return retryable(Classify(err)) }),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("query attempt failed",
				"attempt", n+1,
				"kind", res.ErrorKind,
				"error", err,
			)
		}),
	)
	// A context that ends before or between attempts is the reported failure.
	if attempts == 0 || (err != nil && ctx.Err() != nil && retryable(res.ErrorKind)) {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		res = failure(Classify(cause), cause)
		attempts = max(attempts, 1)
	}

	res.Attempts = attempts
	res.ExecutionTime = time.Since(start)
	res.Timestamp = time.Now().UTC()
	if !res.Success {
		res.Rows = nil
		e.logger.Error("query failed",
			"kind", res.ErrorKind,
			"error", res.Err,
			"attempts", attempts,
			"elapsed", res.ExecutionTime,
		)
	} else if res.ExecutionTime >= e.opts.SlowThreshold {
		e.logger.Warn("slow query", "elapsed", res.ExecutionTime, "rows", res.RowCount)
	}

	e.history.Add(HistoryEntry{
		Query:         query,
		ExecutionTime: res.ExecutionTime,
		Success:       res.Success,
		ErrorKind:     res.ErrorKind,
		RowCount:      res.RowCount,
		Timestamp:     res.Timestamp,
	})
	observe(res.ExecutionTime, attempts, res.Success, res.ErrorKind)
	return res
}

func retryable(kind ErrorKind) bool {
	return kind != KindTimeout && kind != KindCanceled
}

// attempt acquires a connection and runs the statement on a worker goroutine.
// When the timeout fires first the worker's context is cancelled, which makes
// the driver abort the statement and release the connection.
func (e *Executor) attempt(ctx context.Context, query string, timeout time.Duration, args []any) Result {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.opts.PoolWait)
	conn, err := e.db.Conn(acquireCtx)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil {
			return failure(Classify(ctx.Err()), ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(KindPoolTimeout, fmt.Errorf("%w after %s", ErrPoolTimeout, e.opts.PoolWait))
		}
		return failure(KindConnection, fmt.Errorf("acquiring connection: %w", err))
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer conn.Close()
		done <- e.run(workCtx, conn, query, args)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		return failure(KindTimeout, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	case <-ctx.Done():
		return failure(Classify(ctx.Err()), ctx.Err())
	}
}

func (e *Executor) runQuery(ctx context.Context, conn *sql.Conn, query string, args []any) Result {
	if IsRead(query) {
		var rows []map[string]any
		if err := sqlscan.Select(ctx, conn, &rows, query, args...); err != nil {
			return failure(Classify(err), err)
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		for _, row := range rows {
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
		}
		return Result{Success: true, Rows: rows, RowCount: len(rows)}
	}

	r, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return failure(Classify(err), err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		n = 0
	}
	return Result{Success: true, Rows: []map[string]any{}, AffectedRows: n, RowCount: int(n)}
}

var readKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"EXPLAIN":  true,
	"PRAGMA":   true,
	"VALUES":   true,
}

// IsRead reports whether query returns rows, judged by its leading keyword.
func IsRead(query string) bool {
	return readKeywords[leadingKeyword(query)]
}

func leadingKeyword(query string) string {
	s := query
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return ""
			}
			s = s[i+2:]
		default:
			end := strings.IndexFunc(s, func(r rune) bool {
				return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
			})
			if end < 0 {
				end = len(s)
			}
			return strings.ToUpper(s[:end])
		}
	}
}
