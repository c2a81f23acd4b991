package intent

import (
	"strings"
	"unicode"
)

// FallbackConfidence is the fixed confidence of keyword classification.
const FallbackConfidence = 0.1

type keywordRule struct {
	category string
	words    []string
}

// keywordRules are checked in order; the first rule with a matching word wins.
var keywordRules = []keywordRule{
	{CategoryAction, []string{"cancel", "refund", "update", "change", "delete", "remove", "add", "create", "mark", "set", "place"}},
	{CategoryOrderHistory, []string{"order", "orders", "sale", "sales", "revenue", "purchase", "purchases", "transaction", "transactions", "sold", "completed", "pending", "cancelled", "refunded"}},
	{CategoryMenu, []string{"menu", "item", "items", "dish", "dishes", "price", "prices", "drink", "drinks", "food", "available", "special", "specials"}},
	{CategoryCustomer, []string{"customer", "customers", "client", "clients", "email", "phone", "who", "regulars"}},
}

// words splits s into lowercase alphanumeric tokens.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// GuessCategory picks a category from keyword membership. It never returns
// an empty string; inputs with no keyword are general.
func GuessCategory(input string) string {
	toks := words(input)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if _, ok := set[w]; ok {
				return rule.category
			}
		}
	}
	return CategoryGeneral
}

// Fallback classifies input without the model. The result is deterministic:
// same input, same category, confidence FallbackConfidence.
func Fallback(input string) Result {
	return Result{
		Input:              input,
		Category:           GuessCategory(input),
		Confidence:         FallbackConfidence,
		Parameters:         ExtractParameters(input),
		NeedsClarification: true,
		MissingParameters:  []string{ParamUnclear},
		Method:             MethodFallback,
	}
}

// heuristic handles model output that is not parseable JSON: the category
// named earliest in the raw text wins, otherwise keyword classification.
func heuristic(input, raw string) Result {
	r := Fallback(input)
	r.ParseError = true

	lower := strings.ToLower(raw)
	best := -1
	for _, c := range Categories {
		if i := strings.Index(lower, c); i >= 0 && (best < 0 || i < best) {
			best = i
			r.Category = c
		}
	}
	return r
}
