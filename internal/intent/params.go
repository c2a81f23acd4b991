package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	monthDateRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

// relativePeriods are recognised in order; longer phrases first.
var relativePeriods = []string{
	"yesterday", "today", "last week", "this week", "last month", "this month",
	"last year", "this year",
}

// statusWords maps input words to the stored order status.
var statusWords = map[string]string{
	"completed": "completed",
	"complete":  "completed",
	"pending":   "pending",
	"cancelled": "cancelled",
	"canceled":  "cancelled",
	"refunded":  "refunded",
}

func isoDate(y, m, d int) (string, bool) {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return "", false
	}
	return t.Format(time.DateOnly), true
}

// ExtractDate returns the first absolute calendar date in s as YYYY-MM-DD.
// Recognised forms are M/D/YYYY, YYYY-MM-DD and "February 21, 2025".
func ExtractDate(s string) string {
	if m := slashDateRe.FindStringSubmatch(s); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if out, ok := isoDate(y, mo, d); ok {
			return out
		}
	}
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if out, ok := isoDate(y, mo, d); ok {
			return out
		}
	}
	if m := monthDateRe.FindStringSubmatch(s); m != nil {
		mo := months[strings.ToLower(m[1])]
		d, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if out, ok := isoDate(y, int(mo), d); ok {
			return out
		}
	}
	return ""
}

// ExtractTimePeriod returns an absolute date when present, else a relative
// phrase such as "last week", else "".
func ExtractTimePeriod(s string) string {
	if d := ExtractDate(s); d != "" {
		return d
	}
	lower := " " + strings.Join(words(s), " ") + " "
	for _, p := range relativePeriods {
		if strings.Contains(lower, " "+p+" ") {
			return p
		}
	}
	return ""
}

// ExtractStatus returns the order status named in s, or "".
func ExtractStatus(s string) string {
	for _, w := range words(s) {
		if st, ok := statusWords[w]; ok {
			return st
		}
	}
	return ""
}

// ExtractParameters pulls the parameters that can be read without a model.
func ExtractParameters(input string) map[string]any {
	params := map[string]any{}
	if tp := ExtractTimePeriod(input); tp != "" {
		params[ParamTimePeriod] = tp
	}
	if st := ExtractStatus(input); st != "" {
		params[ParamStatus] = st
	}
	return params
}

// normalizeTimePeriod rewrites an absolute date the model returned in
// another format to YYYY-MM-DD.
func normalizeTimePeriod(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if d := ExtractDate(s); d != "" && len(strings.TrimSpace(s)) <= len("September 30, 2025") {
		return d
	}
	return v
}

func isEmptyParam(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	default:
		return fmt.Sprint(t) == ""
	}
}
