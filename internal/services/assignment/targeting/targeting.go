// Package targeting evaluates experiment eligibility rules against request context.
package targeting

// Matches reports whether ctx satisfies every constraint in criteria.
//
// Criteria are conjunctive equality constraints: each key must exist in ctx
// with an equal scalar value. Empty criteria always match. The function is
// pure so assignment decisions are reproducible from logged context snapshots.
func Matches(criteria, ctx map[string]any) bool {
	for key, want := range criteria {
		got, ok := ctx[key]
		if !ok {
			return false
		}
		if !scalarEqual(want, got) {
			return false
		}
	}
	return true
}

// scalarEqual compares two scalar values. Numbers compare by value regardless
// of their decoded Go type, so a criteria value of 5 matches a context value
// of 5.0. Mixed kinds (string vs number, bool vs number) never match.
func scalarEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
