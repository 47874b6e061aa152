package flows

import (
	"reflect"
	"strings"
)

// resolvePath walks a dotted path through nested map[string]any values.
// Any missing segment resolves to undefined (ok=false).
func resolvePath(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// evalCondition reports whether the condition holds against the execution
// context. Undefined fields never error: every operator except a satisfied
// exists evaluates to false.
func evalCondition(c Condition, ctx map[string]any) bool {
	value, found := resolvePath(ctx, c.Field)

	switch c.Operator {
	case OpExists:
		return found && value != nil

	case OpEquals:
		if !found {
			return false
		}
		if a, okA := toFloat(value); okA {
			if b, okB := toFloat(c.Value); okB {
				return a == b
			}
			return false
		}
		return reflect.DeepEqual(value, c.Value)

	case OpContains:
		haystack, okH := value.(string)
		needle, okN := c.Value.(string)
		if !found || !okH || !okN {
			return false
		}
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))

	case OpGT:
		a, okA := toFloat(value)
		b, okB := toFloat(c.Value)
		return found && okA && okB && a > b

	case OpLT:
		a, okA := toFloat(value)
		b, okB := toFloat(c.Value)
		return found && okA && okB && a < b
	}
	return false
}

// conditionsPass reports whether every condition on the step holds. Steps
// without conditions always pass.
func conditionsPass(conds []Condition, ctx map[string]any) bool {
	for _, c := range conds {
		if !evalCondition(c, ctx) {
			return false
		}
	}
	return true
}

// toFloat coerces the numeric types JSON decoding and Go literals produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
