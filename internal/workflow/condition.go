package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Evaluate runs a condition expression against accumulated node outputs.
//
// The grammar is a single comparison:
//
//	<path> <op> <literal>
//	<path>
//
// where path is a dotted lookup starting at a node ID (e.g.
// "fetch.output.status"), op is one of == != > >= < <= contains, and
// literal is a quoted string, number, true, false, or null. A bare path
// evaluates JSON truthiness: null, false, 0, "", and missing values are
// false, everything else true.
func Evaluate(expr string, outputs map[string]json.RawMessage) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition")
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<", " contains "} {
		if path, lit, ok := splitOnce(expr, op); ok {
			left, err := lookup(path, outputs)
			if err != nil {
				return false, err
			}
			right, err := parseLiteral(lit)
			if err != nil {
				return false, err
			}
			return compare(strings.TrimSpace(op), left, right)
		}
	}

	v, err := lookup(expr, outputs)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func splitOnce(expr, op string) (string, string, bool) {
	i := strings.Index(expr, op)
	if i < 0 {
		return "", "", false
	}
	// Avoid matching ">" inside ">=" etc.: the operator list is ordered
	// longest first, but "<" could still hit "<=" leftovers. Check the
	// next byte.
	if (op == ">" || op == "<") && i+1 < len(expr) && expr[i+1] == '=' {
		return "", "", false
	}
	return strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+len(op):]), true
}

// lookup resolves a dotted path. The first segment selects a node's
// output; the rest descend into its JSON. A missing path yields nil.
func lookup(path string, outputs map[string]json.RawMessage) (any, error) {
	segs := strings.Split(path, ".")
	if segs[0] == "" {
		return nil, fmt.Errorf("bad path %q", path)
	}
	raw, ok := outputs[segs[0]]
	if !ok {
		return nil, nil
	}
	var cur any
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, fmt.Errorf("node %q output is not JSON: %w", segs[0], err)
	}
	for _, seg := range segs[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "null":
		return nil, nil
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case len(s) >= 2 && (s[0] == '"' || s[0] == '\''):
		if s[len(s)-1] != s[0] {
			return nil, fmt.Errorf("unterminated string literal %s", s)
		}
		return s[1 : len(s)-1], nil
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("bad literal %q", s)
		}
		return f, nil
	}
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "contains":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false, fmt.Errorf("contains requires strings")
		}
		return strings.Contains(ls, rs), nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return false, fmt.Errorf("%s requires numbers", op)
	}
	switch op {
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
