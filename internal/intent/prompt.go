package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/bizq/internal/engine"
)

const systemPrompt = `You classify questions asked to a restaurant business assistant. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Categories:
- "order_history": questions about past orders, sales, revenue, order counts or order status
- "menu": questions about menu items, prices, availability
- "customer": questions about customers and their contact details
- "action": requests to change data (cancel, refund, update an order or item)
- "general": anything else about the business
- "follow_up": the question only makes sense together with the previous question
- "ambiguous": the question cannot be answered without asking the user first

Rules:
- confidence is a number between 0 and 1.
- Put extracted values in parameters. Use "time_period" for dates or periods (dates as YYYY-MM-DD), "status" for an order status (pending, completed, cancelled, refunded), "action" for the requested change and "entities" for the records it targets.`

// BuildPrompt constructs the chat messages for classification. timeHint is
// the time window carried from the previous turn, if any.
func BuildPrompt(input, timeHint string) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if timeHint != "" {
		fmt.Fprintf(&sb, "\n\n[Previous time window]\n%s", timeHint)
	}

	return []engine.Message{
		engine.System(sb.String()),
		engine.User(input),
	}
}

// resultSchema is the structured output requested from the model.
func resultSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"category":   {Type: "string", Description: "One of: " + strings.Join(Categories, ", ")},
			"confidence": {Type: "number", Description: "Confidence between 0 and 1"},
			"parameters": {Type: "object", Description: "Extracted parameters such as time_period, status, action, entities"},
		},
		Required: []string{"category", "confidence", "parameters"},
	}
}
