package sqlgen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/intent"
)

var scenarioSnap = conversation.Snapshot{
	PreviousCategory: intent.CategoryOrderHistory,
	PreviousQuery:    "SELECT COUNT(*) AS count FROM orders o WHERE o.status = 'completed' AND DATE(o.created_at) = '2025-02-21'",
	TimeWindow:       "DATE(o.created_at) = '2025-02-21'",
	Filters:          map[string]string{"status": "'completed'", "date": "2025-02-21"},
}

var followUp = intent.Result{Category: intent.CategoryOrderHistory, IsFollowUp: true}

func inject(t *testing.T, sql, clause string) string {
	t.Helper()
	st, ok := ParseStatement(sql)
	require.True(t, ok)
	st.InjectTimeWindow(clause)
	return st.String()
}

func TestInjectTimeWindow_Idempotent(t *testing.T) {
	sql := "SELECT COUNT(*) AS count FROM orders o WHERE o.status = 'completed'"
	clause := "WHERE o.o.created_at >= '2025-02-01' AND o.o.created_at < '2025-03-01'"

	once := inject(t, sql, clause)
	twice := inject(t, once, clause)

	assert.Equal(t, once, twice)
	assert.Equal(t, "SELECT COUNT(*) AS count FROM orders o WHERE o.status = 'completed' AND o.created_at >= '2025-02-01' AND o.created_at < '2025-03-01'", once)
	assert.NotContains(t, once, "o.o.")
}

func TestInjectTimeWindow_AlreadyPresent(t *testing.T) {
	sql := "SELECT COUNT(*) FROM orders o WHERE DATE(o.o.created_at)='2025-02-21'"
	got := inject(t, sql, "DATE(o.created_at) = '2025-02-21'")
	assert.Equal(t, "SELECT COUNT(*) FROM orders o WHERE DATE(o.created_at)='2025-02-21'", got)
}

func TestInjectTimeWindow_RebindsAlias(t *testing.T) {
	got := inject(t, "SELECT COUNT(*) FROM orders WHERE status = 'completed'", "DATE(o.created_at) = '2025-02-21'")
	assert.Equal(t, "SELECT COUNT(*) FROM orders WHERE status = 'completed' AND DATE(orders.created_at) = '2025-02-21'", got)
}

func TestInjectTimeWindow_QualifiesBareColumnOnJoin(t *testing.T) {
	got := inject(t, "SELECT c.name FROM orders o JOIN customers c ON c.id = o.customer_id", "DATE(created_at) = '2025-02-21'")
	assert.Equal(t, "SELECT c.name FROM orders o JOIN customers c ON c.id = o.customer_id WHERE DATE(o.created_at) = '2025-02-21'", got)
}

func TestInjectTimeWindow_SkipsUnboundTable(t *testing.T) {
	sql := "SELECT m.name FROM menu_items m WHERE m.available = 1"
	assert.Equal(t, sql, inject(t, sql, "DATE(o.created_at) = '2025-02-21'"))
}

func TestInjectTimeWindow_BeforeTail(t *testing.T) {
	got := inject(t, "SELECT c.name, COUNT(*) AS n FROM orders o JOIN customers c ON c.id = o.customer_id GROUP BY c.name ORDER BY n DESC LIMIT 5",
		"DATE(o.created_at) = '2025-02-21'")
	assert.Equal(t, "SELECT c.name, COUNT(*) AS n FROM orders o JOIN customers c ON c.id = o.customer_id WHERE DATE(o.created_at) = '2025-02-21' GROUP BY c.name ORDER BY n DESC LIMIT 5", got)
}

var statusPredicate = regexp.MustCompile(`(?i)\bstatus\s*(=|<>|!=|\bin\b)\s*('[^']*')?`)

func TestPreserveStatus_ReplacesConflict(t *testing.T) {
	st, _ := ParseStatement("SELECT COUNT(*) FROM orders o WHERE o.status = 'cancelled' AND DATE(o.created_at) = '2025-02-21' AND o.status IN ('pending', 'refunded')")
	st.PreserveStatus("'completed'")
	got := st.String()

	matches := statusPredicate.FindAllStringSubmatch(got, -1)
	require.Len(t, matches, 1, got)
	assert.Equal(t, "'completed'", matches[0][2])
	assert.Equal(t, "SELECT COUNT(*) FROM orders o WHERE o.status = 'completed' AND DATE(o.created_at) = '2025-02-21'", got)
}

func TestPreserveStatus_InsertsWhenMissing(t *testing.T) {
	st, _ := ParseStatement("SELECT c.name FROM orders o JOIN customers c ON c.id = o.customer_id")
	st.PreserveStatus("completed")
	assert.Equal(t, []string{"o.status = 'completed'"}, st.Predicates)

	st.PreserveStatus("completed")
	assert.Equal(t, []string{"o.status = 'completed'"}, st.Predicates)
}

func TestPreserveStatus_NoOrdersTable(t *testing.T) {
	st, _ := ParseStatement("SELECT m.name FROM menu_items m")
	st.PreserveStatus("'completed'")
	assert.Empty(t, st.Predicates)
}

func TestStripRecency(t *testing.T) {
	st, _ := ParseStatement("SELECT c.name FROM orders o JOIN customers c ON c.id = o.customer_id WHERE o.created_at >= DATE('now', '-7 days') AND o.status = 'completed'")
	st.StripRecency(nil)
	assert.Equal(t, []string{"o.status = 'completed'"}, st.Predicates)
}

func TestStripRecency_KeepsCarriedWindow(t *testing.T) {
	window := "o.created_at >= DATE('now', '-7 days')"
	st, _ := ParseStatement("SELECT COUNT(*) FROM orders o WHERE o.created_at >= DATE('now','-7 days')")
	st.StripRecency([]string{window})
	assert.Len(t, st.Predicates, 1)
}

func TestRepair_Scenario(t *testing.T) {
	generated := "SELECT DISTINCT c.name, c.email FROM orders o JOIN customers c ON c.id = o.customer_id WHERE o.status = 'pending' AND o.created_at >= DATE('now', '-1 day')"
	got := Repair(generated, followUp, "Who placed those orders?", scenarioSnap)

	assert.Equal(t,
		"SELECT DISTINCT c.name, c.email FROM orders o JOIN customers c ON c.id = o.customer_id WHERE o.status = 'completed' AND DATE(o.created_at) = '2025-02-21'",
		got)
	assert.Equal(t, got, Repair(got, followUp, "Who placed those orders?", scenarioSnap))
}

func TestRepair_NotFollowUpNamingStatusUnchanged(t *testing.T) {
	sql := "SELECT COUNT(*) FROM orders o WHERE o.status = 'pending' AND DATE(o.created_at) = '2025-02-22'"
	assert.Equal(t, sql, Repair(sql, intent.Result{Category: intent.CategoryOrderHistory}, "pending orders on 2/22/2025", scenarioSnap))
}

func TestRepair_NotFollowUpCarriesFiltersButKeepsRecency(t *testing.T) {
	fresh := intent.Result{Category: intent.CategoryOrderHistory}
	sql := "SELECT SUM(o.total_amount) AS revenue FROM orders o WHERE o.status = 'pending' AND o.created_at >= DATE('now', '-1 day')"

	got := Repair(sql, fresh, "What was the revenue?", scenarioSnap)
	assert.Equal(t,
		"SELECT SUM(o.total_amount) AS revenue FROM orders o WHERE o.status = 'completed' AND o.created_at >= DATE('now', '-1 day') AND DATE(o.created_at) = '2025-02-21'",
		got)
	assert.Equal(t, got, Repair(got, fresh, "What was the revenue?", scenarioSnap))
}

func TestRepair_NoContextUnchanged(t *testing.T) {
	sql := "SELECT COUNT(*) FROM orders o WHERE o.created_at >= DATE('now', '-1 day')"
	assert.Equal(t, sql, Repair(sql, intent.Result{Category: intent.CategoryOrderHistory}, "orders", conversation.Snapshot{}))
}

func TestPreserveStatus_ParenthesizedGroups(t *testing.T) {
	cases := map[string]string{
		"SELECT COUNT(*) FROM orders o WHERE o.status = 'pending' OR o.status = 'cancelled'":                  "SELECT COUNT(*) FROM orders o WHERE o.status = 'completed'",
		"SELECT COUNT(*) FROM orders o WHERE (o.status = 'pending') AND o.total_amount > 10":                  "SELECT COUNT(*) FROM orders o WHERE o.status = 'completed' AND o.total_amount > 10",
		"SELECT COUNT(*) FROM orders o WHERE ((o.status IN ('pending') OR status = 'refunded')) AND o.id > 3": "SELECT COUNT(*) FROM orders o WHERE o.status = 'completed' AND o.id > 3",
	}
	for sql, want := range cases {
		st, ok := ParseStatement(sql)
		require.True(t, ok, sql)
		st.PreserveStatus("'completed'")
		got := st.String()
		assert.Equal(t, want, got, sql)
		assert.Len(t, statusPredicate.FindAllString(got, -1), 1, got)
	}
}

func TestPreserveStatus_KeepsMixedGroups(t *testing.T) {
	st, _ := ParseStatement("SELECT COUNT(*) FROM orders o WHERE (o.total_amount > 10 OR o.customer_id = 3)")
	st.PreserveStatus("'completed'")
	assert.Equal(t, []string{"(o.total_amount > 10 OR o.customer_id = 3)", "o.status = 'completed'"}, st.Predicates)
}

func TestRepair_TopLevelOrFollowUp(t *testing.T) {
	got := Repair("SELECT COUNT(*) AS n FROM orders o WHERE o.status = 'pending' OR o.status = 'cancelled'",
		followUp, "how many of those?", scenarioSnap)
	assert.Equal(t, "SELECT COUNT(*) AS n FROM orders o WHERE o.status = 'completed' AND DATE(o.created_at) = '2025-02-21'", got)
}

func TestRepair_OrdersOnlyInsideSubqueryUnchanged(t *testing.T) {
	for _, sql := range []string{
		"WITH big AS (SELECT * FROM orders o WHERE o.total_amount > 20) SELECT COUNT(*) AS n FROM big",
		"SELECT t.n FROM (SELECT COUNT(*) AS n FROM orders o WHERE o.total_amount > 20) t",
		"SELECT c.name FROM customers c WHERE c.id IN (SELECT o.customer_id FROM orders o)",
	} {
		assert.Equal(t, sql, Repair(sql, followUp, "how many of those?", scenarioSnap), sql)
	}
}

func TestRepair_QuestionOverridesCarriedFilters(t *testing.T) {
	sql := "SELECT COUNT(*) FROM orders o WHERE o.status = 'refunded' AND DATE(o.created_at) = '2025-02-22'"
	got := Repair(sql, followUp, "And how many of them were refunded on 2/22/2025?", scenarioSnap)
	assert.Equal(t, sql, got)
}

func TestRepair_MutationUnchanged(t *testing.T) {
	sql := "UPDATE orders SET status = 'cancelled' WHERE id = 42"
	assert.Equal(t, sql, Repair(sql, followUp, "cancel it", scenarioSnap))
}
