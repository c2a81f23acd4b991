package sqlgen

import (
	"regexp"
	"slices"
	"strings"
)

// Statement is a read statement split around its top-level WHERE clause so
// predicates can be added, replaced or removed without string surgery on the
// rest of the query.
type Statement struct {
	Head       string   // everything before WHERE
	Predicates []string // top-level conjuncts of the WHERE clause
	Tail       string   // GROUP BY, ORDER BY, HAVING, LIMIT and so on
}

type word struct {
	pos, end int
	text     string // upper-cased
}

func isIdent(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func skipQuoted(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

// topLevelWords returns the words of s that sit outside parentheses,
// string literals, quoted identifiers and line comments.
func topLevelWords(s string) []word {
	var out []word
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(s, i)
			continue
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			if j := strings.IndexByte(s[i:], '\n'); j >= 0 {
				i += j
			} else {
				i = len(s)
			}
			continue
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case isIdent(c):
			j := i
			for j < len(s) && isIdent(s[j]) {
				j++
			}
			if depth == 0 {
				out = append(out, word{pos: i, end: j, text: strings.ToUpper(s[i:j])})
			}
			i = j
			continue
		}
		i++
	}
	return out
}

// ParseStatement splits a SELECT or WITH statement. ok is false for other
// statements and for compound queries (UNION, INTERSECT, EXCEPT), which are
// left untouched by the repair passes.
func ParseStatement(sql string) (Statement, bool) {
	sql = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	ws := topLevelWords(sql)
	if len(ws) == 0 || (ws[0].text != "SELECT" && ws[0].text != "WITH") {
		return Statement{}, false
	}

	where := -1
	for k, w := range ws {
		switch w.text {
		case "UNION", "INTERSECT", "EXCEPT":
			return Statement{}, false
		case "WHERE":
			if where < 0 {
				where = k
			}
		}
	}

	from := 0
	if where >= 0 {
		from = where + 1
	}
	tailPos := len(sql)
scan:
	for k := from; k < len(ws); k++ {
		switch ws[k].text {
		case "GROUP", "ORDER":
			if k+1 < len(ws) && ws[k+1].text == "BY" {
				tailPos = ws[k].pos
				break scan
			}
		case "HAVING", "LIMIT", "OFFSET", "WINDOW":
			tailPos = ws[k].pos
			break scan
		}
	}

	var st Statement
	st.Tail = strings.TrimSpace(sql[tailPos:])
	if where < 0 {
		st.Head = strings.TrimSpace(sql[:tailPos])
		return st, true
	}
	st.Head = strings.TrimSpace(sql[:ws[where].pos])
	st.Predicates = splitPredicates(sql[ws[where].end:tailPos])
	return st, true
}

// splitPredicates splits a WHERE body on top-level AND. The AND of a
// BETWEEN belongs to its predicate. A body with a top-level OR is kept as a
// single parenthesized predicate so added conjuncts bind to all of it.
func splitPredicates(body string) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	ws := topLevelWords(body)
	for _, w := range ws {
		if w.text == "OR" {
			if !wrapped(body) {
				body = "(" + body + ")"
			}
			return []string{body}
		}
	}

	var parts []string
	last, between := 0, false
	for _, w := range ws {
		switch w.text {
		case "BETWEEN":
			between = true
		case "AND":
			if between {
				between = false
				continue
			}
			parts = append(parts, body[last:w.pos])
			last = w.end
		}
	}
	parts = append(parts, body[last:])

	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// wrapped reports whether s is entirely enclosed by one pair of parentheses.
func wrapped(s string) bool {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return false
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"', '`':
			i = skipQuoted(s, i) - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}

// String recomposes the statement.
func (st Statement) String() string {
	var sb strings.Builder
	sb.WriteString(st.Head)
	if len(st.Predicates) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(st.Predicates, " AND "))
	}
	if st.Tail != "" {
		sb.WriteByte(' ')
		sb.WriteString(st.Tail)
	}
	return sb.String()
}

var (
	operatorSpaceRe = regexp.MustCompile(`\s*([=<>!(),])\s*`)
	spaceRe         = regexp.MustCompile(`\s+`)
)

// canonical is the comparison form of a predicate: lower case with
// insignificant whitespace removed.
func canonical(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	p = operatorSpaceRe.ReplaceAllString(p, "$1")
	return spaceRe.ReplaceAllString(p, " ")
}

// Has reports whether an equivalent predicate is already present.
func (st *Statement) Has(pred string) bool {
	c := canonical(pred)
	return slices.ContainsFunc(st.Predicates, func(p string) bool { return canonical(p) == c })
}

// Add appends pred unless an equivalent predicate exists.
func (st *Statement) Add(pred string) bool {
	if pred == "" || st.Has(pred) {
		return false
	}
	st.Predicates = append(st.Predicates, pred)
	return true
}

// Remove drops predicates for which drop returns true.
func (st *Statement) Remove(drop func(string) bool) {
	st.Predicates = slices.DeleteFunc(st.Predicates, drop)
}

type tableRef struct {
	table, alias string
}

var (
	tableNameRe = regexp.MustCompile(`^[A-Za-z_][\w.]*`)
	aliasRe     = regexp.MustCompile(`(?i)^\s*(?:AS\s+)?([A-Za-z_]\w*)`)
)

var notAlias = map[string]bool{
	"WHERE": true, "JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"CROSS": true, "OUTER": true, "NATURAL": true, "ON": true, "USING": true, "GROUP": true,
	"ORDER": true, "LIMIT": true, "HAVING": true, "UNION": true, "AS": true,
}

// closeParen returns the index just past the parenthesis that closes the
// one at s[i].
func closeParen(s string, i int) int {
	depth := 0
	for j := i; j < len(s); j++ {
		switch s[j] {
		case '\'', '"', '`':
			j = skipQuoted(s, j) - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(s)
}

// readTableRef reads one table reference starting at s[i]. A derived table
// has an empty table name and only binds its alias.
func readTableRef(s string, i int) (tableRef, int, bool) {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\r' || s[i] == '\n') {
		i++
	}
	if i >= len(s) {
		return tableRef{}, i, false
	}

	var ref tableRef
	if s[i] == '(' {
		i = closeParen(s, i)
	} else {
		name := tableNameRe.FindString(s[i:])
		if name == "" {
			return tableRef{}, i, false
		}
		ref.table = strings.ToLower(name)
		i += len(name)
	}
	if m := aliasRe.FindStringSubmatchIndex(s[i:]); m != nil {
		if alias := s[i+m[2] : i+m[3]]; !notAlias[strings.ToUpper(alias)] {
			ref.alias = alias
			i += m[1]
		}
	}
	return ref, i, true
}

// tables lists the FROM and JOIN references of the outermost query. Tables
// read only inside a CTE, a derived table or a subquery are not in scope of
// the top-level WHERE and are not listed.
func (st *Statement) tables() []tableRef {
	var refs []tableRef
	for _, w := range topLevelWords(st.Head) {
		if w.text != "FROM" && w.text != "JOIN" {
			continue
		}
		for pos := w.end; ; {
			ref, next, ok := readTableRef(st.Head, pos)
			if !ok {
				break
			}
			refs = append(refs, ref)
			rest := strings.TrimLeft(st.Head[next:], " \t\r\n")
			if !strings.HasPrefix(rest, ",") {
				break
			}
			pos = len(st.Head) - len(rest) + 1
		}
	}
	return refs
}

// OrdersAlias returns the name under which the orders table is referenced.
func (st *Statement) OrdersAlias() (string, bool) {
	for _, ref := range st.tables() {
		if ref.table == "orders" {
			if ref.alias != "" {
				return ref.alias, true
			}
			return "orders", true
		}
	}
	return "", false
}

// binds reports whether name is a table or alias in scope of the head.
func (st *Statement) binds(name string) bool {
	for _, ref := range st.tables() {
		if ref.table != "" && strings.EqualFold(ref.table, name) || ref.alias != "" && strings.EqualFold(ref.alias, name) {
			return true
		}
	}
	return false
}

// joined reports whether the head references more than one table.
func (st *Statement) joined() bool {
	return len(st.tables()) > 1
}
