package sqlgen

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/kalambet/bizq/internal/engine"
)

// DefaultMaxExamples bounds the worked examples sent with each request.
const DefaultMaxExamples = 4

const systemIntro = `You translate questions about a restaurant business into a single SQL statement for SQLite.
Answer with the SQL only.`

var (
	whoPlacedRe  = regexp.MustCompile(`(?i)\bwho\s+(placed|made|ordered|performed|bought|did|submitted)\b|\bwhich\s+customers?\b`)
	itemDetailRe = regexp.MustCompile(`(?i)\bwhat\s+(was|were)\s+in\b|\b(which|what)\s+items\b|\bitem[- ]level\b|\bline\s+items\b|\bwhat\s+did\s+they\s+(order|buy|get)\b|\bitem\s+details?\b`)
)

const (
	customerJoinHint = "To say who placed the orders, join customers c ON c.id = o.customer_id and select c.name and c.email. Do not use any other table for customer identity."
	itemJoinHint     = "To show what the orders contained, join order_items oi ON oi.order_id = o.id and menu_items m ON m.id = oi.menu_item_id, and select m.name, oi.quantity and oi.unit_price."
)

// BuildPrompt constructs the chat messages for SQL generation.
func BuildPrompt(cat *Catalog, req Request, maxExamples int) []engine.Message {
	return []engine.Message{
		engine.System(buildSystem(cat, req, maxExamples)),
		engine.User(buildUser(req)),
	}
}

func buildSystem(cat *Catalog, req Request, maxExamples int) string {
	var sb strings.Builder
	sb.WriteString(systemIntro)

	sb.WriteString("\n\n[Schema]\n")
	sb.WriteString(strings.TrimSpace(cat.Schema))

	if len(cat.Statuses) > 0 {
		sb.WriteString("\n\n[Order statuses]\n")
		sb.WriteString(strings.Join(cat.Statuses, ", "))
	}
	if cat.Timestamps != "" {
		sb.WriteString("\n\n[Timestamps]\n")
		sb.WriteString(strings.TrimSpace(cat.Timestamps))
	}

	if rules := cat.RulesFor(req.Intent.Category); len(rules) > 0 {
		sb.WriteString("\n\n[Rules]")
		for _, r := range rules {
			fmt.Fprintf(&sb, "\n- %s", r)
		}
	}

	if br := strings.TrimSpace(req.BusinessRules); br != "" {
		sb.WriteString("\n\n[Business rules]\n")
		sb.WriteString(br)
	}

	if examples := cat.ExamplesFor(req.Intent.Category, maxExamples); len(examples) > 0 {
		sb.WriteString("\n\n[Examples]")
		for _, e := range examples {
			fmt.Fprintf(&sb, "\nQuestion: %s\nSQL: %s\n", e.Question, strings.TrimSpace(e.SQL))
		}
	}
	return sb.String()
}

func buildUser(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\nCategory: %s", req.Input, req.Intent.Category)

	if len(req.Intent.Parameters) > 0 {
		keys := slices.Sorted(maps.Keys(req.Intent.Parameters))
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, req.Intent.Parameters[k]))
		}
		fmt.Fprintf(&sb, "\nParameters: %s", strings.Join(parts, ", "))
	}

	if !req.Intent.IsFollowUp {
		return sb.String()
	}

	snap := req.Context
	sb.WriteString("\n\n[Previous turn]")
	if snap.PreviousQuery != "" {
		fmt.Fprintf(&sb, "\nPrevious SQL: %s", snap.PreviousQuery)
	}
	if len(snap.Filters) > 0 {
		keys := slices.Sorted(maps.Keys(snap.Filters))
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+snap.Filters[k])
		}
		fmt.Fprintf(&sb, "\nPrevious filters: %s", strings.Join(parts, ", "))
	}
	if snap.TimeWindow != "" {
		fmt.Fprintf(&sb, "\nTime window: %s", snap.TimeWindow)
	}
	sb.WriteString("\nThis question follows up on the previous one. Keep the previous filters and time window unless the question changes them.")

	if whoPlacedRe.MatchString(req.Input) {
		sb.WriteString("\n" + customerJoinHint)
	}
	if itemDetailRe.MatchString(req.Input) {
		sb.WriteString("\n" + itemJoinHint)
	}
	return sb.String()
}
