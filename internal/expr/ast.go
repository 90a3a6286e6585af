// Package expr implements the small expression language strategies use for
// rule predicates and dynamic order-plan levels (spec.md §3 "Expression AST",
// §4.2). Grammar growth goes through the parser and type checker together;
// member-access normalization (a.b -> a_b) is the only string rewrite, and
// it happens here, explicitly, at parse time.
package expr

import "fmt"

// Node is a parsed expression tree node. The set of concrete types is
// closed: NumberLit, BoolLit, Ident, Index, Unary, Binary, Call.
type Node interface {
	node()
	String() string
}

// NumberLit is a numeric literal.
type NumberLit struct {
	Value float64
}

func (NumberLit) node() {}
func (n NumberLit) String() string { return fmt.Sprintf("%g", n.Value) }

// BoolLit is a boolean literal.
type BoolLit struct {
	Value bool
}

func (BoolLit) node() {}
func (n BoolLit) String() string { return fmt.Sprintf("%t", n.Value) }

// Ident is an identifier: a feature name, a bar builtin (open/high/low/
// close/volume/price), or a plan-scoped variable (entry/stop/eL/eH/t1).
// Member access "a.b" is normalized to Name == "a_b" during parsing.
type Ident struct {
	Name string
}

func (Ident) node() {}
func (n Ident) String() string { return n.Name }

// Index is bars-ago array indexing: name[k]. K is itself an expression so
// that constant-folded or computed offsets both parse; evaluation floors
// the result to an int, and a negative result is an *EvalError.
type Index struct {
	Name string
	K    Node
}

func (Index) node() {}
func (n Index) String() string { return fmt.Sprintf("%s[%s]", n.Name, n.K) }

// UnaryOp enumerates supported unary operators.
type UnaryOp int

const (
	UnaryNeg UnaryOp = iota
	UnaryNot
)

// Unary is a unary expression: -x or !x.
type Unary struct {
	Op UnaryOp
	X  Node
}

func (Unary) node() {}
func (n Unary) String() string {
	sym := "-"
	if n.Op == UnaryNot {
		sym = "!"
	}
	return sym + n.X.String()
}

// BinaryOp enumerates supported binary operators.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLt
	OpLte
	OpGt
	OpGte
	OpEq
	OpNeq
	OpAnd
	OpOr
)

// Binary is a binary expression.
type Binary struct {
	Op    BinaryOp
	Left  Node
	Right Node
}

func (Binary) node() {}
func (n Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, binOpSymbol(n.Op), n.Right)
}

func binOpSymbol(op BinaryOp) string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpEq:
		return "=="
	case OpNeq:
		return "!="
	case OpAnd:
		return "&&"
	case OpOr:
		return "||"
	default:
		return "?"
	}
}

// Call is a function call from the fixed function table.
type Call struct {
	Func string
	Args []Node
}

func (Call) node() {}
func (n Call) String() string {
	s := n.Func + "("
	for i, a := range n.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	return s + ")"
}

// Identifiers walks the tree and returns every distinct Ident/Index name
// referenced, used by the compiler's name-resolution pass.
func Identifiers(n Node) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Ident:
			if !seen[v.Name] {
				seen[v.Name] = true
				out = append(out, v.Name)
			}
		case Index:
			if !seen[v.Name] {
				seen[v.Name] = true
				out = append(out, v.Name)
			}
			walk(v.K)
		case Unary:
			walk(v.X)
		case Binary:
			walk(v.Left)
			walk(v.Right)
		case Call:
			for _, a := range v.Args {
				walk(a)
			}
		}
	}
	walk(n)
	return out
}
