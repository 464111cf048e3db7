// Package rules evaluates the restricted boolean expression language used by
// automation triggers. Evaluation is pure: no side effects, no panics, and
// malformed specs fail closed so an authoring mistake blocks the automation
// instead of crashing the dispatch loop.
package rules

import (
	"reflect"
	"strings"

	"github.com/brunori/outflow/pkg/models"
)

// absent is the sentinel produced by a var lookup whose path does not exist.
// It compares false to everything except another absent value.
type absent struct{}

// Absent reports whether a resolved operand is the missing-path sentinel.
func Absent(v any) bool {
	_, ok := v.(absent)

	return ok
}

// Evaluate resolves the rule spec against the event context. A nil or empty
// spec matches everything. Unknown operators and wrong arities return false.
func Evaluate(spec models.RuleSpec, context map[string]any) bool {
	if len(spec) == 0 {
		return true
	}

	result, ok := evalNode(map[string]any(spec), context)
	if !ok {
		return false
	}

	return truthy(result)
}

// evalNode resolves one expression node. The second return is false when the
// node is malformed.
func evalNode(node any, context map[string]any) (any, bool) {
	expr, isExpr := node.(map[string]any)
	if !isExpr {
		// Literal operand.
		return node, true
	}

	if len(expr) != 1 {
		return nil, false
	}

	var op string

	var arg any

	for k, v := range expr {
		op, arg = k, v
	}

	switch op {
	case "var":
		path, isString := arg.(string)
		if !isString {
			return nil, false
		}

		return lookup(context, path), true
	case "and", "or":
		return evalCombinator(op, arg, context)
	case "!":
		return evalNegation(arg, context)
	case "in":
		return evalMembership(arg, context)
	case "==", "!=", ">", ">=", "<", "<=":
		return evalComparison(op, arg, context)
	default:
		return nil, false
	}
}

func evalCombinator(op string, arg any, context map[string]any) (any, bool) {
	children, isList := arg.([]any)
	if !isList || len(children) == 0 {
		return nil, false
	}

	for _, child := range children {
		value, ok := evalNode(child, context)
		if !ok {
			return nil, false
		}

		if op == "and" && !truthy(value) {
			return false, true
		}

		if op == "or" && truthy(value) {
			return true, true
		}
	}

	return op == "and", true
}

func evalNegation(arg any, context map[string]any) (any, bool) {
	// Accept both {"!": expr} and {"!": [expr]}.
	if children, isList := arg.([]any); isList {
		if len(children) != 1 {
			return nil, false
		}

		arg = children[0]
	}

	value, ok := evalNode(arg, context)
	if !ok {
		return nil, false
	}

	return !truthy(value), true
}

func evalMembership(arg any, context map[string]any) (any, bool) {
	operands, ok := binaryOperands(arg, context)
	if !ok {
		return nil, false
	}

	needle, haystack := operands[0], operands[1]

	sequence, isList := haystack.([]any)
	if !isList {
		return nil, false
	}

	for _, candidate := range sequence {
		if equal(needle, candidate) {
			return true, true
		}
	}

	return false, true
}

func evalComparison(op string, arg any, context map[string]any) (any, bool) {
	operands, ok := binaryOperands(arg, context)
	if !ok {
		return nil, false
	}

	return compare(op, operands[0], operands[1]), true
}

// binaryOperands evaluates a two-element argument list.
func binaryOperands(arg any, context map[string]any) ([2]any, bool) {
	children, isList := arg.([]any)
	if !isList || len(children) != 2 {
		return [2]any{}, false
	}

	left, ok := evalNode(children[0], context)
	if !ok {
		return [2]any{}, false
	}

	right, ok := evalNode(children[1], context)
	if !ok {
		return [2]any{}, false
	}

	return [2]any{left, right}, true
}

func compare(op string, left, right any) bool {
	switch op {
	case "==":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	}

	// Ordering comparisons require two numbers; absent never orders.
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)

	if !lok || !rok {
		return false
	}

	switch op {
	case ">":
		return ln > rn
	case ">=":
		return ln >= rn
	case "<":
		return ln < rn
	case "<=":
		return ln <= rn
	}

	return false
}

// equal compares operands with numeric coercion. Absent equals only absent.
func equal(left, right any) bool {
	if Absent(left) || Absent(right) {
		return Absent(left) && Absent(right)
	}

	if ln, lok := asNumber(left); lok {
		if rn, rok := asNumber(right); rok {
			return ln == rn
		}

		return false
	}

	// Interface comparison panics when a dynamic type is uncomparable, and
	// event payloads routinely hold JSON objects and arrays.
	if !isComparable(left) || !isComparable(right) {
		return reflect.DeepEqual(left, right)
	}

	return left == right
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}

	return reflect.ValueOf(v).Comparable()
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case absent:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if n, ok := asNumber(v); ok {
			return n != 0
		}

		return true
	}
}

// lookup resolves a dotted path against the context. A missing segment
// yields the absent sentinel, never an error.
func lookup(context map[string]any, path string) any {
	if path == "" {
		return absent{}
	}

	var current any = context

	for _, segment := range strings.Split(path, ".") {
		asMap, isMap := current.(map[string]any)
		if !isMap {
			return absent{}
		}

		value, exists := asMap[segment]
		if !exists {
			return absent{}
		}

		current = value
	}

	return current
}
