package intent

import (
	"maps"
	"slices"
)

// Categories a question can resolve to.
const (
	CategoryOrderHistory = "order_history"
	CategoryMenu         = "menu"
	CategoryCustomer     = "customer"
	CategoryAction       = "action"
	CategoryGeneral      = "general"
	CategoryFollowUp     = "follow_up"
	// CategoryAmbiguous stops the pipeline before any SQL is generated.
	CategoryAmbiguous = "ambiguous"
)

// Categories lists every category in prompt order.
var Categories = []string{
	CategoryOrderHistory,
	CategoryMenu,
	CategoryCustomer,
	CategoryAction,
	CategoryGeneral,
	CategoryFollowUp,
	CategoryAmbiguous,
}

// IsCategory reports whether s is a known category.
func IsCategory(s string) bool {
	return slices.Contains(Categories, s)
}

// Method records how a Result was produced.
type Method string

const (
	MethodModel    Method = "model"
	MethodFallback Method = "fallback"
	MethodCached   Method = "cached"
)

// Parameter names checked by ValidateParameters.
const (
	ParamTimePeriod = "time_period"
	ParamAction     = "action"
	ParamEntities   = "entities"
	ParamStatus     = "status"
	// ParamUnclear is the generic marker for a low-confidence result.
	ParamUnclear = "unclear_intent"
)

// Result is the classification of one input.
type Result struct {
	Input              string         `json:"input"`
	Category           string         `json:"category"`
	Confidence         float64        `json:"confidence"`
	Parameters         map[string]any `json:"parameters"`
	NeedsClarification bool           `json:"needs_clarification"`
	MissingParameters  []string       `json:"missing_parameters,omitempty"`
	Method             Method         `json:"method"`
	ParseError         bool           `json:"parse_error,omitempty"`
	IsFollowUp         bool           `json:"is_followup,omitempty"`
	OriginalCategory   string         `json:"original_category,omitempty"`
}

// Clone returns a copy that shares no maps or slices with r.
func (r Result) Clone() Result {
	out := r
	out.Parameters = maps.Clone(r.Parameters)
	if out.Parameters == nil {
		out.Parameters = map[string]any{}
	}
	out.MissingParameters = slices.Clone(r.MissingParameters)
	return out
}

// StringParam returns a parameter as a string, or "" when absent or not a string.
func (r Result) StringParam(name string) string {
	s, _ := r.Parameters[name].(string)
	return s
}

func (r *Result) addMissing(name string) {
	if !slices.Contains(r.MissingParameters, name) {
		r.MissingParameters = append(r.MissingParameters, name)
	}
}
