package intent

import (
	"slices"

	"github.com/kalambet/bizq/internal/conversation"
)

const (
	// followUpConfidenceCeiling is the confidence at or above which an
	// indicator word alone does not override the classified category.
	followUpConfidenceCeiling = 0.8
	followUpBoost             = 1.1
	contextFillBoost          = 1.2
)

var followUpIndicators = []string{"they", "them", "those", "that", "it", "this", "their", "these"}

// HasFollowUpIndicator reports whether input contains a pronoun that refers
// back to an earlier answer. Matching is whole-word and case-insensitive.
func HasFollowUpIndicator(input string) bool {
	for _, w := range words(input) {
		if slices.Contains(followUpIndicators, w) {
			return true
		}
	}
	return false
}

// Resolve applies conversation context to a classification. It does not
// modify r. The first matching rule wins:
//
//  1. category follow_up with a previous category takes the previous one;
//  2. an indicator word with a previous category overrides a weak or
//     general classification and boosts confidence.
//
// Afterwards, parameters the result is missing are filled from the context
// where possible. A follow_up that cannot be resolved becomes general.
func Resolve(r Result, snap conversation.Snapshot) Result {
	r = r.Clone()
	prev := snap.PreviousCategory

	switch {
	case r.Category == CategoryFollowUp && prev != "":
		r.OriginalCategory = r.Category
		r.Category = prev
		r.IsFollowUp = true

	case prev != "" && HasFollowUpIndicator(r.Input) &&
		(r.Confidence < followUpConfidenceCeiling || r.Category == "" || r.Category == CategoryGeneral):
		r.OriginalCategory = r.Category
		r.Category = prev
		r.IsFollowUp = true
		r.Confidence = min(r.Confidence*followUpBoost, 1.0)
	}

	if r.Category == CategoryFollowUp {
		r.OriginalCategory = r.Category
		r.Category = CategoryGeneral
	}

	if r.NeedsClarification {
		fillFromContext(&r, snap)
	}
	return r
}

func fillFromContext(r *Result, snap conversation.Snapshot) {
	var remaining []string
	for _, name := range r.MissingParameters {
		switch name {
		case ParamTimePeriod:
			if snap.TimeWindow != "" {
				r.Parameters[ParamTimePeriod] = snap.TimeWindow
				continue
			}
		case ParamEntities:
			if len(snap.Constraints) > 0 {
				r.Parameters[ParamEntities] = slices.Clone(snap.Constraints)
				continue
			}
		case ParamUnclear:
			if r.IsFollowUp {
				continue
			}
		}
		remaining = append(remaining, name)
	}

	r.MissingParameters = remaining
	if len(remaining) == 0 {
		r.NeedsClarification = false
		r.Confidence = min(r.Confidence*contextFillBoost, 1.0)
	}
}
