package sqlgen

import (
	"regexp"
	"strings"

	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/intent"
)

var (
	doubledAliasRe = regexp.MustCompile(`\b([A-Za-z_]\w*)\.([A-Za-z_]\w*)\.([A-Za-z_]\w*)\b`)
	leadingWhereRe = regexp.MustCompile(`(?i)^\s*WHERE\s+`)
	qualifiedRe    = regexp.MustCompile(`\b([A-Za-z_]\w*)\.([A-Za-z_]\w*)\b`)
	bareTimeColRe  = regexp.MustCompile(`(^|[^\w.])(created_at|completed_at)\b`)
	statusPredRe   = regexp.MustCompile(`(?i)^(?:([A-Za-z_]\w*)\.)?status\s*(?:=|!=|<>|\bNOT\s+IN\b|\bIN\b)`)
	recencyRe      = regexp.MustCompile(`(?i)\bnow\b|\bcurrent_date\b|\bcurrent_timestamp\b|\binterval\b|\bcurdate\b|\bgetdate\b|\blocaltimestamp\b`)
	timeColumnRe   = regexp.MustCompile(`(?i)\w+_at\b|\bdate\s*\(|\bdatetime\s*\(`)
)

// normalizeAliases collapses doubled alias prefixes such as o.o.created_at.
func normalizeAliases(s string) string {
	for {
		out := doubledAliasRe.ReplaceAllStringFunc(s, func(m string) string {
			p := doubledAliasRe.FindStringSubmatch(m)
			if p[1] == p[2] {
				return p[2] + "." + p[3]
			}
			return m
		})
		if out == s {
			return out
		}
		s = out
	}
}

// clausePredicates turns a stored clause into predicates: a leading WHERE is
// dropped, alias prefixes normalized and conjuncts split.
func clausePredicates(clause string) []string {
	clause = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(clause), ";"))
	clause = leadingWhereRe.ReplaceAllString(clause, "")
	return splitPredicates(normalizeAliases(clause))
}

// quoteLiteral renders a status filter as a SQL string literal.
func quoteLiteral(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// rebind rewrites column qualifiers that are not in scope of st to the
// orders alias, and qualifies bare timestamp columns when the head joins
// tables. ok is false when pred references a qualifier that cannot be bound.
func (st *Statement) rebind(pred string) (string, bool) {
	alias, hasOrders := st.OrdersAlias()
	ok := true
	out := qualifiedRe.ReplaceAllStringFunc(pred, func(m string) string {
		p := qualifiedRe.FindStringSubmatch(m)
		if st.binds(p[1]) {
			return m
		}
		if hasOrders {
			return alias + "." + p[2]
		}
		ok = false
		return m
	})
	if hasOrders && st.joined() {
		out = bareTimeColRe.ReplaceAllString(out, "${1}"+alias+".${2}")
	}
	return out, ok
}

// InjectTimeWindow adds each predicate of clause that is not already
// present. Existing predicates get their alias prefixes normalized first.
// Applying it twice gives the same statement as applying it once.
func (st *Statement) InjectTimeWindow(clause string) {
	for i, p := range st.Predicates {
		st.Predicates[i] = normalizeAliases(p)
	}
	for _, p := range clausePredicates(clause) {
		p, ok := st.rebind(p)
		if !ok {
			continue
		}
		st.Add(p)
	}
}

// statusOnly reports whether p compares nothing but the status column,
// possibly through parentheses, AND and OR. qual is the column qualifier of
// the first comparison.
func statusOnly(p string) (qual string, ok bool) {
	p = strings.TrimSpace(p)
	for wrapped(p) {
		p = strings.TrimSpace(p[1 : len(p)-1])
	}

	var parts []string
	last := 0
	for _, w := range topLevelWords(p) {
		if w.text == "AND" || w.text == "OR" {
			parts = append(parts, p[last:w.pos])
			last = w.end
		}
	}
	if parts == nil {
		m := statusPredRe.FindStringSubmatch(p)
		if m == nil {
			return "", false
		}
		return m[1], true
	}

	parts = append(parts, p[last:])
	for i, part := range parts {
		q, ok := statusOnly(part)
		if !ok {
			return "", false
		}
		if i == 0 {
			qual = q
		}
	}
	return qual, true
}

// PreserveStatus makes status the only status predicate. The first
// predicate that compares only the status column, alone or inside
// parentheses and OR groups, is replaced by an equality on status and any
// others are removed. Without one, a predicate on the orders alias is added
// when orders is referenced by the outer query.
func (st *Statement) PreserveStatus(status string) {
	lit := quoteLiteral(status)
	kept := make([]string, 0, len(st.Predicates)+1)
	found := false
	for _, p := range st.Predicates {
		qual, ok := statusOnly(p)
		if !ok {
			kept = append(kept, p)
			continue
		}
		if found {
			continue
		}
		found = true
		col := "status"
		if qual != "" {
			col = normalizeAliases(qual) + ".status"
		}
		kept = append(kept, col+" = "+lit)
	}
	if !found {
		if alias, ok := st.OrdersAlias(); ok {
			kept = append(kept, alias+".status = "+lit)
		}
	}
	st.Predicates = kept
}

// StripRecency removes predicates that bound a timestamp relative to the
// current time unless they are one of carried.
func (st *Statement) StripRecency(carried []string) {
	keep := make(map[string]bool, len(carried))
	for _, c := range carried {
		keep[canonical(c)] = true
	}
	st.Remove(func(p string) bool {
		if keep[canonical(normalizeAliases(p))] {
			return false
		}
		return recencyRe.MatchString(p) && timeColumnRe.MatchString(p)
	})
}

// Repair applies the context passes to generated SQL, in order: strip
// hallucinated recency (follow-ups only), preserve the previous status
// filter, inject the previous time window. A question that names its own
// period or status overrides the carried one. Statements that cannot be
// split are returned unchanged.
func Repair(sql string, in intent.Result, input string, snap conversation.Snapshot) string {
	status := snap.Filters[FilterStatus]
	if status == "" && snap.TimeWindow == "" && !in.IsFollowUp {
		return sql
	}
	st, ok := ParseStatement(sql)
	if !ok {
		return sql
	}

	ownTime := intent.ExtractTimePeriod(input) != ""
	ownStatus := intent.ExtractStatus(input) != ""

	if in.IsFollowUp && !ownTime {
		st.StripRecency(clausePredicates(snap.TimeWindow))
	}
	if status != "" && !ownStatus {
		st.PreserveStatus(status)
	}
	if snap.TimeWindow != "" && !ownTime {
		st.InjectTimeWindow(snap.TimeWindow)
	}
	return st.String()
}
