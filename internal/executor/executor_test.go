package executor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, opts Options) *Executor {
	t.Helper()
	opts.Driver = "sqlite"
	opts.DSN = filepath.Join(t.TempDir(), "business.db")
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func seedOrders(t *testing.T, e *Executor) {
	t.Helper()
	for _, q := range []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, status TEXT NOT NULL, total REAL NOT NULL)`,
		`INSERT INTO orders (status, total) VALUES ('completed', 12.5), ('completed', 20), ('pending', 7)`,
	} {
		_, err := e.DB().Exec(q)
		require.NoError(t, err)
	}
}

func TestExecuteSelect(t *testing.T) {
	e := newTestExecutor(t, Options{})
	seedOrders(t, e)

	res := e.Execute(context.Background(), `SELECT id, status FROM orders WHERE status = ? ORDER BY id`, 0, "completed")
	require.True(t, res.Success, "error: %v", res.Err)
	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(1), res.Rows[0]["id"])
	assert.Equal(t, "completed", res.Rows[0]["status"])
	assert.False(t, res.Timestamp.IsZero())
}

func TestExecuteEmptySelectReturnsEmptyRows(t *testing.T) {
	e := newTestExecutor(t, Options{})
	seedOrders(t, e)

	res := e.Execute(context.Background(), `SELECT * FROM orders WHERE status = 'refunded'`, 0)
	require.True(t, res.Success)
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.Rows)
}

func TestExecuteMutation(t *testing.T) {
	e := newTestExecutor(t, Options{})
	seedOrders(t, e)

	res := e.Execute(context.Background(), `UPDATE orders SET status = 'cancelled' WHERE status = 'pending'`, 0)
	require.True(t, res.Success, "error: %v", res.Err)
	assert.Equal(t, int64(1), res.AffectedRows)
	assert.Equal(t, 1, res.RowCount)
}

func TestExecuteSyntaxErrorRetriesAndRecordsOnce(t *testing.T) {
	e := newTestExecutor(t, Options{MaxRetries: 2, RetryDelay: time.Millisecond})

	res := e.Execute(context.Background(), `SELEC * FROM orders`, 0)
	assert.False(t, res.Success)
	assert.Nil(t, res.Rows)
	require.Error(t, res.Err)
	assert.Equal(t, KindSyntax, res.ErrorKind)
	assert.Equal(t, 3, res.Attempts)
	assert.NotEmpty(t, res.Error)

	history := e.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, KindSyntax, history[0].ErrorKind)
}

func TestExecuteRecordsOneEntryPerCall(t *testing.T) {
	e := newTestExecutor(t, Options{RetryDelay: time.Millisecond})
	seedOrders(t, e)

	for range 5 {
		e.Execute(context.Background(), `SELECT COUNT(*) AS n FROM orders`, 0)
	}
	e.Execute(context.Background(), `SELECT * FROM missing_table`, 0)

	assert.Len(t, e.History(), 6)
	stats := e.Stats()
	assert.Equal(t, 6, stats.Count)
	assert.InDelta(t, 5.0/6.0, stats.SuccessRate, 1e-9)
}

const slowQuery = `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c WHERE x < 1000000000) SELECT MAX(x) FROM c`

func TestExecuteTimeoutIsNotRetriedAndReleasesConnection(t *testing.T) {
	e := newTestExecutor(t, Options{
		PoolSize:    1,
		MaxOverflow: 0,
		PoolWait:    5 * time.Second,
		MaxRetries:  3,
		RetryDelay:  time.Millisecond,
	})

	start := time.Now()
	res := e.Execute(context.Background(), slowQuery, 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, elapsed, 2*time.Second)

	// The single pooled connection must come back once the worker is cancelled.
	next := e.Execute(context.Background(), `SELECT 1 AS one`, time.Second)
	require.True(t, next.Success, "error: %v", next.Err)
	assert.Equal(t, int64(1), next.Rows[0]["one"])
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	const delay = 50 * time.Millisecond
	e := newTestExecutor(t, Options{MaxRetries: 3, RetryDelay: delay})

	var calls atomic.Int32
	e.run = func(ctx context.Context, conn *sql.Conn, query string, args []any) Result {
		if calls.Add(1) == 1 {
			return failure(KindExecution, errors.New("database is locked"))
		}
		return Result{Success: true, Rows: []map[string]any{{"n": int64(4)}}, RowCount: 1}
	}

	res := e.Execute(context.Background(), `SELECT COUNT(*) AS n FROM orders`, 0)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, res.ExecutionTime, delay, "execution time must span every attempt")
	assert.Len(t, e.History(), 1)
	assert.Equal(t, res.ExecutionTime, e.History()[0].ExecutionTime)
}

func TestExecuteStopsAfterMaxRetries(t *testing.T) {
	e := newTestExecutor(t, Options{MaxRetries: 2, RetryDelay: time.Millisecond})

	var calls atomic.Int32
	e.run = func(ctx context.Context, conn *sql.Conn, query string, args []any) Result {
		calls.Add(1)
		return failure(KindExecution, errors.New("database is locked"))
	}

	res := e.Execute(context.Background(), `SELECT 1`, 0)
	assert.False(t, res.Success)
	assert.Equal(t, KindExecution, res.ErrorKind)
	assert.EqualError(t, res.Err, "database is locked")
	assert.Nil(t, res.Rows)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, e.History(), 1)
}

func TestExecuteSyntaxErrorIsRetriedLikeAnyFailure(t *testing.T) {
	e := newTestExecutor(t, Options{MaxRetries: 1, RetryDelay: time.Millisecond})

	res := e.Execute(context.Background(), `SELECT * FROM shipments`, 0)
	assert.False(t, res.Success)
	assert.Equal(t, KindSyntax, res.ErrorKind)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteCanceledContext(t *testing.T) {
	e := newTestExecutor(t, Options{MaxRetries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Execute(ctx, `SELECT 1`, 0)
	assert.False(t, res.Success)
	assert.Equal(t, KindCanceled, res.ErrorKind)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecutePoolTimeout(t *testing.T) {
	e := newTestExecutor(t, Options{PoolSize: 1, MaxOverflow: 0, PoolWait: 50 * time.Millisecond})

	held, err := e.DB().Conn(context.Background())
	require.NoError(t, err)
	defer held.Close()

	res := e.Execute(context.Background(), `SELECT 1`, time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, KindPoolTimeout, res.ErrorKind)
	assert.ErrorIs(t, res.Err, ErrPoolTimeout)
}

func TestIsRead(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", true},
		{"  select * from orders", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"(SELECT 1)", true},
		{"-- count\nSELECT COUNT(*) FROM orders", true},
		{"/* note */ EXPLAIN SELECT 1", true},
		{"PRAGMA table_info(orders)", true},
		{"SHOW TABLES", true},
		{"UPDATE orders SET status = 'x'", false},
		{"DELETE FROM orders", false},
		{"INSERT INTO orders VALUES (1)", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRead(tt.query), tt.query)
	}
}

func TestDriverName(t *testing.T) {
	for in, want := range map[string]string{
		"":         "sqlite",
		"sqlite":   "sqlite",
		"postgres": "pgx",
		"pgx":      "pgx",
		"mysql":    "mysql",
		"doris":    "mysql",
	} {
		got, err := DriverName(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := DriverName("oracle")
	assert.Error(t, err)
}
