package store

import (
	"fmt"
	"strings"
)

// Truthy reports whether a fact value counts as set.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s != "" && s != "false" && s != "0" && s != "no"
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

// ParseGate splits a gate of the form "key" or "key=value".
func ParseGate(gate string) (key, want string, hasValue bool) {
	key, want, hasValue = strings.Cut(gate, "=")
	return strings.TrimSpace(key), strings.TrimSpace(want), hasValue
}

// GateSatisfied checks a single gate against live facts.
func GateSatisfied(gate string, facts map[string]Fact) bool {
	key, want, hasValue := ParseGate(gate)
	f, ok := facts[key]
	if !ok {
		return false
	}
	if !hasValue {
		return Truthy(f.Value)
	}
	return ValueString(f.Value) == want
}

// ValueString renders a fact value the way gates and claims compare it.
func ValueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
	}
	return fmt.Sprint(v)
}
