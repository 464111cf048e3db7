package rules

import (
	"fmt"

	"github.com/brunori/outflow/pkg/models"
)

// Explanation mirrors the rule tree with the resolved truth value of every
// node. Leaf comparisons carry the concrete operand values compared, so a
// non-matching rule can be diagnosed deterministically.
type Explanation struct {
	Operator string         `json:"operator"`
	Value    bool           `json:"value"`
	Operands []any          `json:"operands,omitempty"`
	Children []*Explanation `json:"children,omitempty"`
	// Malformed carries the reason this node failed validation; a malformed
	// node evaluates to false but is surfaced here instead of hidden.
	Malformed string `json:"malformed,omitempty"`
}

// Explain evaluates spec like Evaluate but returns the full per-node
// breakdown instead of a single boolean. An empty spec explains as a match.
// The root Value always agrees with Evaluate, including its short-circuit
// order: a malformed child a combinator never reaches is still described in
// Children but does not fail the rule.
func Explain(spec models.RuleSpec, context map[string]any) *Explanation {
	if len(spec) == 0 {
		return &Explanation{Operator: "true", Value: true}
	}

	explanation, _ := explainNode(map[string]any(spec), context)

	return explanation
}

// explainNode resolves one expression node. The second return reports
// whether evaluating this node under Evaluate would fail as malformed.
func explainNode(node any, context map[string]any) (*Explanation, bool) {
	expr, isExpr := node.(map[string]any)
	if !isExpr {
		return &Explanation{Operator: "literal", Value: truthy(node), Operands: []any{node}}, false
	}

	if len(expr) != 1 {
		return &Explanation{
			Operator:  "?",
			Malformed: fmt.Sprintf("expression must have exactly one operator, got %d", len(expr)),
		}, true
	}

	var op string

	var arg any

	for k, v := range expr {
		op, arg = k, v
	}

	switch op {
	case "var":
		return explainVar(arg, context)
	case "and", "or":
		return explainCombinator(op, arg, context)
	case "!":
		return explainNegation(arg, context)
	case "in", "==", "!=", ">", ">=", "<", "<=":
		return explainBinary(op, arg, context)
	default:
		return &Explanation{Operator: op, Malformed: "unknown operator"}, true
	}
}

func explainVar(arg any, context map[string]any) (*Explanation, bool) {
	path, isString := arg.(string)
	if !isString {
		return &Explanation{Operator: "var", Malformed: "var path must be a string"}, true
	}

	value := lookup(context, path)

	return &Explanation{
		Operator: "var",
		Value:    truthy(value),
		Operands: []any{path, renderOperand(value)},
	}, false
}

func explainCombinator(op string, arg any, context map[string]any) (*Explanation, bool) {
	children, isList := arg.([]any)
	if !isList || len(children) == 0 {
		return &Explanation{Operator: op, Malformed: "combinator requires a non-empty operand list"}, true
	}

	out := &Explanation{Operator: op, Children: make([]*Explanation, 0, len(children))}

	decided := false
	malformed := false

	for _, child := range children {
		explained, childMalformed := explainNode(child, context)
		out.Children = append(out.Children, explained)

		// Children past Evaluate's short-circuit point are explained for
		// diagnostics only.
		if decided || malformed {
			continue
		}

		if childMalformed {
			malformed = true

			continue
		}

		if op == "and" && !explained.Value {
			decided = true
		}

		if op == "or" && explained.Value {
			out.Value = true
			decided = true
		}
	}

	// A reached malformed child fails the combinator closed, exactly as
	// Evaluate does.
	if !malformed && !decided {
		out.Value = op == "and"
	}

	return out, malformed
}

func explainNegation(arg any, context map[string]any) (*Explanation, bool) {
	if children, isList := arg.([]any); isList {
		if len(children) != 1 {
			return &Explanation{Operator: "!", Malformed: "negation takes a single operand"}, true
		}

		arg = children[0]
	}

	child, childMalformed := explainNode(arg, context)
	out := &Explanation{Operator: "!", Children: []*Explanation{child}}

	if childMalformed {
		return out, true
	}

	out.Value = !child.Value

	return out, false
}

func explainBinary(op string, arg any, context map[string]any) (*Explanation, bool) {
	children, isList := arg.([]any)
	if !isList || len(children) != 2 {
		return &Explanation{Operator: op, Malformed: "operator requires exactly two operands"}, true
	}

	left, lok := evalNode(children[0], context)
	right, rok := evalNode(children[1], context)

	if !lok || !rok {
		return &Explanation{Operator: op, Malformed: "operand failed to evaluate"}, true
	}

	out := &Explanation{
		Operator: op,
		Operands: []any{renderOperand(left), renderOperand(right)},
	}

	if op == "in" {
		sequence, isSeq := right.([]any)
		if !isSeq {
			out.Malformed = "right operand of in must be a sequence"

			return out, true
		}

		for _, candidate := range sequence {
			if equal(left, candidate) {
				out.Value = true

				break
			}
		}

		return out, false
	}

	out.Value = compare(op, left, right)

	return out, false
}

// renderOperand makes the absent sentinel printable in explanations.
func renderOperand(v any) any {
	if Absent(v) {
		return "<absent>"
	}

	return v
}
