package sqlgen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/bizq/internal/intent"
)

// maxEntities caps the record references one turn carries forward.
const maxEntities = 50

// Filter keys stored in the conversation context.
const (
	FilterStatus = "status"
	FilterDate   = "date"
)

// ErrNoSQL is returned when a model response contains no SQL statement.
var ErrNoSQL = errors.New("no SQL statement in model response")

var (
	fenceRe     = regexp.MustCompile("(?m)^\\s*```[A-Za-z]*\\s*$")
	lineStartRe = regexp.MustCompile(`(?im)^\s*(SELECT|WITH|INSERT|UPDATE|DELETE)\b`)
	statementRe = regexp.MustCompile(`(?i)\b(SELECT|WITH|INSERT|UPDATE|DELETE)\b`)
)

// ExtractSQL pulls one statement out of a model response: code fences are
// removed, text before the first statement keyword is dropped and the
// statement ends at its first semicolon.
func ExtractSQL(raw string) (string, error) {
	s := fenceRe.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "```", "")

	// A keyword at the start of a line beats one inside prose.
	loc := lineStartRe.FindStringSubmatchIndex(s)
	if loc != nil {
		s = s[loc[2]:]
	} else if loc = statementRe.FindStringIndex(s); loc != nil {
		s = s[loc[0]:]
	} else {
		return "", ErrNoSQL
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrNoSQL
	}
	return s, nil
}

var (
	dateEqualRe  = regexp.MustCompile(`(?i)\bDATE\(\s*[\w.]+\s*\)\s*=\s*'[^']*'`)
	betweenRe    = regexp.MustCompile(`(?i)(\bDATE\(\s*[\w.]+\s*\)|[\w.]+)\s+BETWEEN\s+'[^']*'\s+AND\s+'[^']*'`)
	rangePairRe  = regexp.MustCompile(`(?i)([\w.]+)\s*>=\s*'[^']*'\s+AND\s+([\w.]+)\s*<=?\s*'[^']*'`)
	lowerBoundRe = regexp.MustCompile(`(?i)([\w.]+)\s*>=\s*'[^']*'`)
	strftimeRe   = regexp.MustCompile(`(?i)\bstrftime\(\s*'[^']*'\s*,\s*[\w.]+\s*\)\s*=\s*'[^']*'`)
	statusEqRe   = regexp.MustCompile(`(?i)^(?:[A-Za-z_]\w*\.)?status\s*=\s*('[^']*')$`)
)

// isTemporal reports whether a column reference names a timestamp.
func isTemporal(col string) bool {
	col = strings.ToLower(strings.TrimRight(strings.TrimSpace(col), ") "))
	if i := strings.LastIndexAny(col, ".("); i >= 0 {
		col = col[i+1:]
	}
	return strings.HasSuffix(col, "_at") || strings.Contains(col, "date") || strings.Contains(col, "time")
}

// ExtractTimeWindow returns the first time-window clause found in sql,
// trying in order: DATE(col) = 'd', col BETWEEN 'a' AND 'b', a
// col >= 'a' AND col < 'b' range, col >= 'a', and strftime(...) = '...'.
func ExtractTimeWindow(sql string) string {
	if m := dateEqualRe.FindString(sql); m != "" {
		return normalizeAliases(m)
	}
	for _, m := range betweenRe.FindAllStringSubmatch(sql, -1) {
		if isTemporal(m[1]) {
			return normalizeAliases(m[0])
		}
	}
	for _, m := range rangePairRe.FindAllStringSubmatch(sql, -1) {
		if strings.EqualFold(m[1], m[2]) && isTemporal(m[1]) {
			return normalizeAliases(m[0])
		}
	}
	for _, m := range lowerBoundRe.FindAllStringSubmatch(sql, -1) {
		if isTemporal(m[1]) {
			return normalizeAliases(m[0])
		}
	}
	if m := strftimeRe.FindString(sql); m != "" {
		return normalizeAliases(m)
	}
	return ""
}

// ExtractFilters returns the filters a turn carries forward: the status
// literal, as written, from an equality predicate in the WHERE clause, else
// from a status word in the input, and the calendar date named in the input.
func ExtractFilters(sql, input string) map[string]string {
	filters := map[string]string{}

	if st, ok := ParseStatement(sql); ok {
		for _, p := range st.Predicates {
			p = strings.TrimSpace(p)
			for wrapped(p) {
				p = strings.TrimSpace(p[1 : len(p)-1])
			}
			if m := statusEqRe.FindStringSubmatch(p); m != nil {
				filters[FilterStatus] = m[1]
				break
			}
		}
	}
	if _, ok := filters[FilterStatus]; !ok {
		if s := intent.ExtractStatus(input); s != "" {
			filters[FilterStatus] = quoteLiteral(s)
		}
	}
	if d := intent.ExtractDate(input); d != "" {
		filters[FilterDate] = d
	}
	return filters
}

// ExtractEntities names the records a read statement produced so a later
// "those" can refer to them. Rows carrying an id of the outer query's first
// table give "order 42" style references; otherwise the statement's WHERE
// clause describes the set, as in "orders where o.status = 'completed'".
// Statements without either yield nil.
func ExtractEntities(sql string, rows []map[string]any) []string {
	st, ok := ParseStatement(sql)
	if !ok {
		return nil
	}
	refs := st.tables()
	if len(refs) == 0 || refs[0].table == "" {
		return nil
	}
	table := refs[0].table
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		table = table[i+1:]
	}
	entity := strings.TrimSuffix(table, "s")

	var out []string
	for _, row := range rows {
		id, ok := row["id"]
		if !ok {
			id, ok = row[entity+"_id"]
		}
		if !ok || id == nil {
			out = nil
			break
		}
		out = append(out, fmt.Sprintf("%s %v", entity, id))
		if len(out) == maxEntities {
			break
		}
	}
	if len(out) > 0 {
		return out
	}
	if len(st.Predicates) == 0 {
		return nil
	}
	return []string{table + " where " + strings.Join(st.Predicates, " AND ")}
}
