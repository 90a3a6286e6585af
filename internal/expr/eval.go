package expr

import (
	"fmt"
	"math"
)

// EvaluationContext exposes everything an expression may reference:
// features computed this bar, bar builtins (open/high/low/close/volume/
// price), per-feature history for bars-ago indexing, and plan-scoped
// variables (entry/stop/eL/eH/t1) — spec.md §3, §4.4 step 4.
type EvaluationContext interface {
	// Feature returns the current-bar value of a computed feature or bar
	// builtin. ok is false if the name is unknown to this context.
	Feature(name string) (value float64, ok bool)
	// History returns the value of name recorded k bars ago (0 = current).
	// ok is false if fewer than k+1 samples exist.
	History(name string, k int) (value float64, ok bool)
}

// EvalError wraps a runtime evaluation failure (unknown identifier,
// negative bars-ago index, unknown function; arity is checked by Parse). Predicate-level evaluation failures are
// treated as false per spec.md §4.2 "arity mismatch fails the whole
// predicate (treated as false at the transition level and logged)".
type EvalError struct {
	Reason string
}

func (e *EvalError) Error() string { return e.Reason }

// Evaluate walks the AST depth-first, left-to-right (spec.md §4.2
// "Determinism"), against ctx, returning a float64. Boolean nodes return
// 1.0/0.0; callers needing a bool coerce with Truthy.
func Evaluate(n Node, ctx EvaluationContext) (float64, error) {
	switch v := n.(type) {
	case NumberLit:
		return v.Value, nil
	case BoolLit:
		if v.Value {
			return 1, nil
		}
		return 0, nil
	case Ident:
		val, ok := ctx.Feature(v.Name)
		if !ok {
			return 0, &EvalError{Reason: fmt.Sprintf("unknown identifier %q", v.Name)}
		}
		return val, nil
	case Index:
		k, err := Evaluate(v.K, ctx)
		if err != nil {
			return 0, err
		}
		ik := int(math.Floor(k))
		if ik < 0 {
			return 0, &EvalError{Reason: fmt.Sprintf("negative bars-ago index on %q", v.Name)}
		}
		val, ok := ctx.History(v.Name, ik)
		if !ok {
			return math.NaN(), nil
		}
		return val, nil
	case Unary:
		x, err := Evaluate(v.X, ctx)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case UnaryNeg:
			return -x, nil
		case UnaryNot:
			return boolToF(!Truthy(x)), nil
		}
		return 0, &EvalError{Reason: "unknown unary operator"}
	case Binary:
		return evalBinary(v, ctx)
	case Call:
		return evalCall(v, ctx)
	}
	return 0, &EvalError{Reason: fmt.Sprintf("unsupported node %T", n)}
}

func evalBinary(v Binary, ctx EvaluationContext) (float64, error) {
	// Short-circuit booleans evaluate the left side first, then only the
	// right side if needed (spec.md §4.2).
	if v.Op == OpAnd {
		l, err := Evaluate(v.Left, ctx)
		if err != nil {
			return 0, err
		}
		if !Truthy(l) {
			return 0, nil
		}
		r, err := Evaluate(v.Right, ctx)
		if err != nil {
			return 0, err
		}
		return boolToF(Truthy(r)), nil
	}
	if v.Op == OpOr {
		l, err := Evaluate(v.Left, ctx)
		if err != nil {
			return 0, err
		}
		if Truthy(l) {
			return 1, nil
		}
		r, err := Evaluate(v.Right, ctx)
		if err != nil {
			return 0, err
		}
		return boolToF(Truthy(r)), nil
	}

	l, err := Evaluate(v.Left, ctx)
	if err != nil {
		return 0, err
	}
	r, err := Evaluate(v.Right, ctx)
	if err != nil {
		return 0, err
	}

	switch v.Op {
	case OpAdd:
		return l + r, nil
	case OpSub:
		return l - r, nil
	case OpMul:
		return l * r, nil
	case OpDiv:
		if r == 0 {
			return math.NaN(), nil // quiet NaN propagates, spec.md §4.2
		}
		return l / r, nil
	case OpMod:
		if r == 0 {
			return math.NaN(), nil
		}
		return math.Mod(l, r), nil
	case OpLt:
		return boolToF(cmp(l, r, func(a, b float64) bool { return a < b })), nil
	case OpLte:
		return boolToF(cmp(l, r, func(a, b float64) bool { return a <= b })), nil
	case OpGt:
		return boolToF(cmp(l, r, func(a, b float64) bool { return a > b })), nil
	case OpGte:
		return boolToF(cmp(l, r, func(a, b float64) bool { return a >= b })), nil
	case OpEq:
		return boolToF(cmp(l, r, func(a, b float64) bool { return a == b })), nil
	case OpNeq:
		return boolToF(cmp(l, r, func(a, b float64) bool { return a != b })), nil
	}
	return 0, &EvalError{Reason: "unknown binary operator"}
}

// cmp returns false whenever either operand is NaN (spec.md §4.2
// "comparison with NaN is false"), regardless of the comparator.
func cmp(l, r float64, f func(a, b float64) bool) bool {
	if math.IsNaN(l) || math.IsNaN(r) {
		return false
	}
	return f(l, r)
}

func evalCall(v Call, ctx EvaluationContext) (float64, error) {
	args := make([]float64, len(v.Args))
	for i, a := range v.Args {
		val, err := Evaluate(a, ctx)
		if err != nil {
			return 0, err
		}
		args[i] = val
	}
	switch v.Func {
	case "abs":
		return math.Abs(args[0]), nil
	case "min":
		return math.Min(args[0], args[1]), nil
	case "max":
		return math.Max(args[0], args[1]), nil
	case "round":
		return math.Round(args[0]), nil
	case "clamp":
		x, lo, hi := args[0], args[1], args[2]
		if x < lo {
			return lo, nil
		}
		if x > hi {
			return hi, nil
		}
		return x, nil
	case "in_range":
		x, lo, hi := args[0], args[1], args[2]
		return boolToF(!math.IsNaN(x) && x >= lo && x <= hi), nil
	}
	return 0, &EvalError{Reason: fmt.Sprintf("unknown function %q", v.Func)}
}

// Truthy implements spec.md §3 "boolean coercion: nonzero is truthy".
// NaN is falsy.
func Truthy(v float64) bool {
	return v != 0 && !math.IsNaN(v)
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
