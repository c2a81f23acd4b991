package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/demo"
	"github.com/kalambet/bizq/internal/engine"
	"github.com/kalambet/bizq/internal/executor"
	"github.com/kalambet/bizq/internal/intent"
	"github.com/kalambet/bizq/internal/sqlgen"
	"github.com/kalambet/bizq/internal/storage"
)

// scriptedEngine answers classification calls (those with a schema) and SQL
// calls (those without) from tables keyed by the question text.
type scriptedEngine struct {
	mu        sync.Mutex
	classify  map[string]string
	sql       map[string]string
	sqlErr    error
	sqlCalls  int
	chatCalls int
}

func (s *scriptedEngine) Chat(_ context.Context, _ string, msgs []engine.Message, schema *engine.Schema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatCalls++

	last := msgs[len(msgs)-1].Content
	table := s.classify
	if schema == nil {
		s.sqlCalls++
		if s.sqlErr != nil {
			return "", s.sqlErr
		}
		table = s.sql
	}
	for q, out := range table {
		if strings.Contains(last, q) {
			return out, nil
		}
	}
	return "", errors.New("unscripted prompt")
}

const (
	q1 = "How many orders were completed on 2/21/2025?"
	q2 = "Who placed those orders?"
)

func scenarioEngine() *scriptedEngine {
	return &scriptedEngine{
		classify: map[string]string{
			q1: `{"category":"order_history","confidence":0.93,"parameters":{"time_period":"2/21/2025","status":"completed"}}`,
			q2: `{"category":"follow_up","confidence":0.6,"parameters":{}}`,
			"blorp": `{"category":"ambiguous","confidence":0.2,"parameters":{}}`,
		},
		sql: map[string]string{
			q1: "```sql\nSELECT COUNT(*) AS count FROM orders o WHERE o.status = 'completed' AND DATE(o.created_at) = '2025-02-21';\n```",
			q2: "SELECT DISTINCT c.name FROM orders o JOIN customers c ON c.id = o.customer_id ORDER BY c.name",
		},
	}
}

func seededExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	ex, err := executor.Open(executor.Options{
		Driver:     "sqlite",
		DSN:        filepath.Join(t.TempDir(), "business.db"),
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ex.Close() })

	ctx := context.Background()
	db := ex.DB()
	require.NoError(t, demo.CreateSchema(ctx, db))
	for _, stmt := range []string{
		`INSERT INTO customers (id, name, email, phone, created_at) VALUES
			(1, 'Ada', 'ada@example.com', '555-0101', '2024-12-01 09:00:00'),
			(2, 'Brook', 'brook@example.com', '555-0102', '2024-12-02 09:00:00'),
			(3, 'Cyd', 'cyd@example.com', '555-0103', '2024-12-03 09:00:00')`,
		`INSERT INTO orders (id, customer_id, status, total_amount, created_at, completed_at) VALUES
			(1, 1, 'completed', 12.50, '2025-02-21 08:15:00', '2025-02-21 08:40:00'),
			(2, 2, 'completed', 30.00, '2025-02-21 11:02:00', '2025-02-21 11:30:00'),
			(3, 3, 'completed', 8.75, '2025-02-21 13:45:00', '2025-02-21 14:00:00'),
			(4, 1, 'completed', 22.10, '2025-02-21 19:20:00', '2025-02-21 19:50:00'),
			(5, 2, 'pending', 14.00, '2025-02-21 20:00:00', NULL),
			(6, 3, 'completed', 9.00, '2025-02-22 10:00:00', '2025-02-22 10:20:00')`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return ex
}

func newTestPipeline(t *testing.T, eng *scriptedEngine, ex Executor, opts Options) *Pipeline {
	t.Helper()
	c := intent.NewClassifier(eng, intent.Options{})
	g := sqlgen.NewGenerator(eng, sqlgen.Options{Attempts: 2, InitialBackoff: time.Millisecond})
	return New(c, g, ex, opts)
}

func TestProcess_Scenario(t *testing.T) {
	eng := scenarioEngine()
	p := newTestPipeline(t, eng, seededExecutor(t), Options{})
	conv := conversation.New("sess-1")
	ctx := context.Background()

	first := p.Process(ctx, conv, q1, Overrides{})
	require.False(t, first.Degraded, "first turn degraded: %s", first.Err)
	assert.Equal(t, intent.CategoryOrderHistory, first.Category)
	assert.Equal(t, "2025-02-21", first.Classification.Parameters[intent.ParamTimePeriod])
	assert.Contains(t, first.Query, "DATE(o.created_at) = '2025-02-21'")
	require.Len(t, first.Rows, 1)
	assert.Equal(t, int64(4), first.Rows[0]["count"])
	assert.Equal(t, "The count is 4.", first.Text)
	assert.Equal(t, "sess-1", first.SessionID)

	snap := conv.Snapshot()
	assert.Equal(t, intent.CategoryOrderHistory, snap.PreviousCategory)
	assert.Contains(t, snap.TimeWindow, "2025-02-21")
	assert.Equal(t, "'completed'", snap.Filters[sqlgen.FilterStatus])
	assert.Equal(t, 1, snap.Turns)

	second := p.Process(ctx, conv, q2, Overrides{})
	require.False(t, second.Degraded, "follow-up degraded: %s", second.Err)
	assert.True(t, second.Classification.IsFollowUp)
	assert.Equal(t, intent.CategoryOrderHistory, second.Category)
	assert.Contains(t, second.Query, "o.status = 'completed'")
	assert.Contains(t, second.Query, "DATE(o.created_at) = '2025-02-21'")
	assert.Contains(t, second.Query, "JOIN customers c")

	var names []string
	for _, row := range second.Rows {
		names = append(names, row["name"].(string))
	}
	assert.Equal(t, []string{"Ada", "Brook", "Cyd"}, names)
	assert.Equal(t, 2, conv.Snapshot().Turns)
}

func TestProcess_AmbiguousSkipsGeneration(t *testing.T) {
	eng := scenarioEngine()
	p := newTestPipeline(t, eng, seededExecutor(t), Options{})
	conv := conversation.New("s")

	ans := p.Process(context.Background(), conv, "blorp", Overrides{})
	assert.Equal(t, intent.CategoryAmbiguous, ans.Category)
	assert.Equal(t, clarifyText, ans.Text)
	assert.Empty(t, ans.Query)
	assert.Nil(t, ans.Execution)
	assert.False(t, ans.Degraded)
	assert.Zero(t, eng.sqlCalls)
	assert.Zero(t, conv.Snapshot().Turns)
}

func TestProcess_GenerationFailureDegrades(t *testing.T) {
	eng := scenarioEngine()
	eng.sqlErr = errors.New("provider down")
	p := newTestPipeline(t, eng, seededExecutor(t), Options{})
	conv := conversation.New("s")

	ans := p.Process(context.Background(), conv, q1, Overrides{})
	assert.True(t, ans.Degraded)
	assert.Equal(t, StageGenerate, ans.Stage)
	assert.Equal(t, generateText, ans.Text)
	assert.NotNil(t, ans.Rows)
	assert.Empty(t, ans.Rows)
	assert.Nil(t, ans.Execution)
	assert.Contains(t, ans.Err, "provider down")
	assert.Equal(t, 2, eng.sqlCalls)
	assert.Zero(t, conv.Snapshot().Turns)
}

func TestProcess_ExecutionFailureLeavesContextUnchanged(t *testing.T) {
	eng := scenarioEngine()
	eng.sql[q1] = "SELECT COUNT(*) FROM shipments"
	p := newTestPipeline(t, eng, seededExecutor(t), Options{})
	conv := conversation.New("s")

	ans := p.Process(context.Background(), conv, q1, Overrides{})
	assert.True(t, ans.Degraded)
	assert.Equal(t, StageExecute, ans.Stage)
	require.NotNil(t, ans.Execution)
	assert.Equal(t, executor.KindSyntax, ans.Execution.ErrorKind)
	assert.Empty(t, ans.Rows)
	assert.Equal(t, conversation.Snapshot{Filters: map[string]string{}}, conv.Snapshot())
}

type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, _ string, _ time.Duration, _ ...any) executor.Result {
	<-ctx.Done()
	return executor.Result{ErrorKind: executor.KindTimeout, Err: ctx.Err(), Error: ctx.Err().Error()}
}

func TestProcess_BudgetBoundsTheTurn(t *testing.T) {
	p := newTestPipeline(t, scenarioEngine(), blockingExecutor{}, Options{})

	start := time.Now()
	ans := p.Process(context.Background(), conversation.New("s"), q1, Overrides{Timeout: 50 * time.Millisecond})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, ans.Degraded)
	assert.Equal(t, StageExecute, ans.Stage)
	assert.Equal(t, timeoutText, ans.Text)
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(context.Context, sqlgen.Request) sqlgen.Query {
	panic("catalog exploded")
}

func TestProcess_RecoversFromPanic(t *testing.T) {
	eng := scenarioEngine()
	c := intent.NewClassifier(eng, intent.Options{})
	p := New(c, panickingGenerator{}, blockingExecutor{}, Options{})

	ans := p.Process(context.Background(), conversation.New("s"), q1, Overrides{})
	assert.True(t, ans.Degraded)
	assert.Equal(t, StageGenerate, ans.Stage)
	assert.Contains(t, ans.Err, "catalog exploded")
	assert.Equal(t, internalText, ans.Text)
}

func TestProcess_CategoryOverrideSkipsClassifier(t *testing.T) {
	eng := scenarioEngine()
	p := newTestPipeline(t, eng, seededExecutor(t), Options{})

	ans := p.Process(context.Background(), conversation.New("s"), q1, Overrides{Category: intent.CategoryOrderHistory})
	require.False(t, ans.Degraded, ans.Err)
	assert.Equal(t, 1.0, ans.Classification.Confidence)
	assert.Equal(t, 1, eng.chatCalls, "only the SQL call should reach the engine")
}

type fixedValidator struct{ ok bool }

func (v fixedValidator) Validate(context.Context, Draft, string) (bool, error) { return v.ok, nil }

type failingResponder struct{}

func (failingResponder) Respond(context.Context, Draft) (string, error) {
	return "", errors.New("responder offline")
}

func TestProcess_ValidatorRejectionHedges(t *testing.T) {
	p := newTestPipeline(t, scenarioEngine(), seededExecutor(t), Options{Validator: fixedValidator{ok: false}})

	ans := p.Process(context.Background(), conversation.New("s"), q1, Overrides{})
	require.False(t, ans.Degraded)
	assert.True(t, ans.Hedged)
	assert.Equal(t, Hedge(Draft{Rows: ans.Rows}), ans.Text)
}

func TestProcess_ResponderFailureKeepsDraft(t *testing.T) {
	p := newTestPipeline(t, scenarioEngine(), seededExecutor(t), Options{
		Responder: failingResponder{},
		Validator: fixedValidator{ok: true},
	})

	ans := p.Process(context.Background(), conversation.New("s"), q1, Overrides{})
	require.False(t, ans.Degraded)
	assert.False(t, ans.Hedged)
	assert.Equal(t, "The count is 4.", ans.Text)
}

type turnSink struct {
	mu    sync.Mutex
	turns []storage.Turn
	err   error
}

func (s *turnSink) RecordTurn(t storage.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	return s.err
}

func (s *turnSink) PublishTurn(_ context.Context, t storage.Turn) error {
	return s.RecordTurn(t)
}

func TestProcess_RecordsAndPublishesEveryTurn(t *testing.T) {
	recorder := &turnSink{err: errors.New("disk full")}
	publisher := &turnSink{}
	eng := scenarioEngine()
	eng.sqlErr = errors.New("provider down")
	p := newTestPipeline(t, eng, seededExecutor(t), Options{Recorder: recorder, Publisher: publisher})

	ans := p.Process(context.Background(), conversation.New("sess-7"), q1, Overrides{})
	assert.True(t, ans.Degraded)

	require.Len(t, recorder.turns, 1)
	require.Len(t, publisher.turns, 1)
	turn := publisher.turns[0]
	assert.Equal(t, "sess-7", turn.SessionID)
	assert.Equal(t, q1, turn.Question)
	assert.True(t, turn.Degraded)
	assert.False(t, turn.Success)
	assert.Equal(t, StageGenerate, turn.Stage)
}

func TestProcess_SavesSessionThroughManager(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	sessions := conversation.NewManager(store)

	p := newTestPipeline(t, scenarioEngine(), seededExecutor(t), Options{Sessions: sessions})
	conv := sessions.Get("sess-9")
	ans := p.Process(context.Background(), conv, q1, Overrides{})
	require.False(t, ans.Degraded, ans.Err)

	saved, err := store.LoadSession("sess-9")
	require.NoError(t, err)
	assert.Equal(t, intent.CategoryOrderHistory, saved.PreviousCategory)
	assert.Equal(t, 1, saved.Turns)
}

func TestProcess_ActionFollowUpUsesPreviousEntities(t *testing.T) {
	const cancel = "Cancel those"
	eng := scenarioEngine()
	eng.classify[cancel] = `{"category":"action","confidence":1.0,"parameters":{"action":"cancel"}}`
	eng.sql[cancel] = "UPDATE orders SET status = 'cancelled' WHERE status = 'completed' AND DATE(created_at) = '2025-02-21'"
	p := newTestPipeline(t, eng, seededExecutor(t), Options{})
	conv := conversation.New("s")
	ctx := context.Background()

	first := p.Process(ctx, conv, q1, Overrides{})
	require.False(t, first.Degraded, first.Err)
	want := []string{"orders where o.status = 'completed' AND DATE(o.created_at) = '2025-02-21'"}
	assert.Equal(t, want, conv.Snapshot().Constraints)

	ans := p.Process(ctx, conv, cancel, Overrides{})
	require.False(t, ans.Degraded, ans.Err)
	assert.Equal(t, intent.CategoryAction, ans.Category)
	assert.False(t, ans.Classification.NeedsClarification)
	assert.Empty(t, ans.Classification.MissingParameters)
	assert.Equal(t, want, ans.Classification.Parameters[intent.ParamEntities])
	require.NotNil(t, ans.Execution)
	assert.Equal(t, int64(4), ans.Execution.AffectedRows)
	assert.Equal(t, want, conv.Snapshot().Constraints, "a mutation keeps the previous entities")
}

func TestProcess_RowIDsBecomeEntities(t *testing.T) {
	const list = "List the completed orders on 2/21/2025"
	eng := scenarioEngine()
	eng.classify[list] = `{"category":"order_history","confidence":0.95,"parameters":{"time_period":"2/21/2025"}}`
	eng.sql[list] = "SELECT o.id, o.total_amount FROM orders o WHERE o.status = 'completed' AND DATE(o.created_at) = '2025-02-21' ORDER BY o.id"
	p := newTestPipeline(t, eng, seededExecutor(t), Options{})
	conv := conversation.New("s")

	ans := p.Process(context.Background(), conv, list, Overrides{})
	require.False(t, ans.Degraded, ans.Err)
	assert.Equal(t, []string{"order 1", "order 2", "order 3", "order 4"}, conv.Snapshot().Constraints)
}

func TestProcess_CategoryOverrideUsesConfiguredThreshold(t *testing.T) {
	ov := Overrides{Category: intent.CategoryAction}

	strict := New(nil, nil, nil, Options{Threshold: 0.9})
	r := strict.classify(context.Background(), "Cancel order", conversation.Snapshot{}, ov)
	assert.True(t, r.NeedsClarification)
	assert.Contains(t, r.MissingParameters, intent.ParamUnclear)

	lenient := New(nil, nil, nil, Options{})
	r = lenient.classify(context.Background(), "Cancel order", conversation.Snapshot{}, ov)
	assert.NotContains(t, r.MissingParameters, intent.ParamUnclear)
}
