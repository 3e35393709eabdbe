package proactivity

import (
	"reflect"
	"strings"
)

// conditionsPass evaluates a rule's conditions document against an
// event payload. The document shape is {"rules": [{field, op, value},
// ...]} with AND semantics; an empty document always passes. Anything
// malformed, an unknown op, or a missing field fails closed.
func conditionsPass(conditions, payload map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}
	raw, ok := conditions["rules"]
	if !ok || raw == nil {
		return true
	}
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		c, ok := item.(map[string]any)
		if !ok {
			return false
		}
		if !checkCondition(c, payload) {
			return false
		}
	}
	return true
}

func checkCondition(c, payload map[string]any) bool {
	field, _ := c["field"].(string)
	op, _ := c["op"].(string)
	want := c["value"]
	if field == "" || op == "" {
		return false
	}

	got, ok := lookupPath(payload, field)
	if !ok {
		return false
	}

	switch op {
	case "eq":
		return valuesEqual(got, want)
	case "ne":
		return !valuesEqual(got, want)
	case "gt", "lt", "gte", "lte":
		a, aok := asFloat(got)
		b, bok := asFloat(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case "gt":
			return a > b
		case "lt":
			return a < b
		case "gte":
			return a >= b
		default:
			return a <= b
		}
	case "in":
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if valuesEqual(got, item) {
				return true
			}
		}
		return false
	case "contains":
		switch g := got.(type) {
		case string:
			w, ok := want.(string)
			return ok && strings.Contains(g, w)
		case []any:
			for _, item := range g {
				if valuesEqual(item, want) {
					return true
				}
			}
			return false
		}
		return false
	}
	return false
}

// lookupPath walks a dotted path ("task.status") through nested maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = payload
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares JSON values, coercing numerics to float64 so 5
// and 5.0 compare equal regardless of how they were decoded.
func valuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
