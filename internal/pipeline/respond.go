package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kalambet/bizq/internal/engine"
)

// maxListedRows bounds the rows spelled out in a summary.
const maxListedRows = 5

// maxPromptRows bounds the rows sent to the engine.
const maxPromptRows = 50

// Draft is what a Responder or Validator sees of a finished query.
type Draft struct {
	Input        string
	Category     string
	Query        string
	Rows         []map[string]any
	AffectedRows int64
}

// Responder turns query results into an answer.
type Responder interface {
	Respond(ctx context.Context, d Draft) (string, error)
}

// Validator reports whether answer is supported by the rows in d.
type Validator interface {
	Validate(ctx context.Context, d Draft, answer string) (bool, error)
}

// Chatter is the subset of engine.Engine the responders need.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// SummaryResponder phrases rows without calling a model.
type SummaryResponder struct{}

func (SummaryResponder) Respond(_ context.Context, d Draft) (string, error) {
	return Summarize(d), nil
}

// Summarize is the deterministic answer for d.
func Summarize(d Draft) string {
	if len(d.Rows) == 0 {
		if d.AffectedRows > 0 {
			return fmt.Sprintf("Done. %d %s updated.", d.AffectedRows, plural(int(d.AffectedRows), "record", "records"))
		}
		return "I didn't find anything matching that."
	}

	if len(d.Rows) == 1 && len(d.Rows[0]) == 1 {
		for k, v := range d.Rows[0] {
			return fmt.Sprintf("The %s is %s.", humanize(k), formatValue(v))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s", len(d.Rows), plural(len(d.Rows), "result", "results"))
	if len(d.Rows) > maxListedRows {
		fmt.Fprintf(&b, ", showing the first %d", maxListedRows)
	}
	b.WriteString(":")
	for _, row := range d.Rows[:min(len(d.Rows), maxListedRows)] {
		b.WriteString("\n- ")
		b.WriteString(formatRow(row))
	}
	return b.String()
}

// Hedge is the non-committal answer used when validation rejects a draft.
func Hedge(d Draft) string {
	return fmt.Sprintf("I found %d %s for that, but I'm not confident in my summary. Please check the results directly.",
		len(d.Rows), plural(len(d.Rows), "row", "rows"))
}

func formatRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = humanize(k) + ": " + formatValue(row[k])
	}
	return strings.Join(parts, ", ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "none"
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%.2f", x)
	default:
		return fmt.Sprint(x)
	}
}

func humanize(col string) string {
	col = strings.ToLower(col)
	if strings.HasPrefix(col, "count(") {
		return "count"
	}
	return strings.ReplaceAll(col, "_", " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func rowsJSON(rows []map[string]any) string {
	if len(rows) > maxPromptRows {
		rows = rows[:maxPromptRows]
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// EngineResponder asks the engine to phrase the answer.
type EngineResponder struct {
	Client Chatter
	Model  string
}

const responderPrompt = `You answer questions about a restaurant's orders, menu and customers.
Use only the query results you are given. Answer in one or two plain sentences.
If the results are empty, say that nothing matched.`

func (r EngineResponder) Respond(ctx context.Context, d Draft) (string, error) {
	user := fmt.Sprintf("Question: %s\nCategory: %s\nSQL: %s\nAffected rows: %d\nResults (JSON): %s",
		d.Input, d.Category, d.Query, d.AffectedRows, rowsJSON(d.Rows))
	out, err := r.Client.Chat(ctx, r.Model, []engine.Message{engine.System(responderPrompt), engine.User(user)}, nil)
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// EngineValidator asks the engine whether an answer follows from the rows.
type EngineValidator struct {
	Client Chatter
	Model  string
}

const validatorPrompt = `You check answers against query results.
Reply with a JSON object {"supported": true} when every fact in the answer follows from the results,
or {"supported": false} otherwise.`

var validatorSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"supported": {Type: "boolean"},
	},
	Required: []string{"supported"},
}

func (v EngineValidator) Validate(ctx context.Context, d Draft, answer string) (bool, error) {
	user := fmt.Sprintf("Question: %s\nResults (JSON): %s\nAnswer: %s", d.Input, rowsJSON(d.Rows), answer)
	out, err := v.Client.Chat(ctx, v.Model, []engine.Message{engine.System(validatorPrompt), engine.User(user)}, validatorSchema)
	if err != nil {
		return false, fmt.Errorf("validating answer: %w", err)
	}
	start, end := strings.IndexByte(out, '{'), strings.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return false, fmt.Errorf("validator reply holds no JSON object: %q", out)
	}
	res := gjson.Get(out[start:end+1], "supported")
	if !res.Exists() {
		return false, fmt.Errorf("validator reply lacks a verdict: %q", out)
	}
	return res.Bool(), nil
}
