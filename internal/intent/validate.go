package intent

// DefaultThreshold is the confidence below which a result needs clarification.
const DefaultThreshold = 0.3

// missingPenalty scales confidence when required parameters are absent.
const missingPenalty = 0.8

// requiredParams lists the parameters each category must carry.
var requiredParams = map[string][]string{
	CategoryOrderHistory: {ParamTimePeriod},
	CategoryAction:       {ParamAction, ParamEntities},
}

// ValidateParameters checks category-specific required parameters and the
// confidence threshold. After it returns, Confidence < threshold implies
// NeedsClarification.
func ValidateParameters(r Result, threshold float64) Result {
	r = r.Clone()

	missing := false
	for _, name := range requiredParams[r.Category] {
		if isEmptyParam(r.Parameters[name]) {
			r.addMissing(name)
			missing = true
		}
	}
	if missing {
		r.NeedsClarification = true
		r.Confidence *= missingPenalty
	}

	if r.Confidence < threshold {
		r.NeedsClarification = true
		r.addMissing(ParamUnclear)
	}
	return r
}
