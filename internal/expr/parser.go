package expr

import "fmt"

// FuncTable is the fixed set of callable functions (spec.md §3, §9 "new
// operators or functions extend the function table only").
var FuncTable = map[string]int{
	"abs":      1,
	"min":      2,
	"max":      2,
	"round":    1,
	"clamp":    3,
	"in_range": 3,
}

// Parser is a recursive-descent, precedence-climbing parser over the
// expression grammar described in spec.md §3.
type Parser struct {
	lex  *Lexer
	src  string
	tok  Token
	peek *Token
}

// Parse parses src into an AST. Returns *ParseError on any lexical or
// grammar failure, including an unknown function name or a wrong
// argument count (name resolution for identifiers is the compiler's job, not
// the parser's — the parser only validates grammar and function arity).
func Parse(src string) (Node, error) {
	p := &Parser{lex: NewLexer(src), src: src}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.Kind != TokEOF {
		return nil, &ParseError{Expr: src, Pos: p.tok.Pos, Reason: fmt.Sprintf("unexpected trailing token %q", p.tok.Text)}
	}
	return n, nil
}

func (p *Parser) advance() error {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *Parser) expect(k TokenKind, what string) error {
	if p.tok.Kind != k {
		return &ParseError{Expr: p.src, Pos: p.tok.Pos, Reason: fmt.Sprintf("expected %s, got %q", what, p.tok.Text)}
	}
	return p.advance()
}

func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.Kind == TokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.Kind == TokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Node, error) {
	if p.tok.Kind == TokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Unary{Op: UnaryNot, X: x}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := comparisonOp(p.tok.Kind)
	if !ok {
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return Binary{Op: op, Left: left, Right: right}, nil
}

func comparisonOp(k TokenKind) (BinaryOp, bool) {
	switch k {
	case TokLt:
		return OpLt, true
	case TokLte:
		return OpLte, true
	case TokGt:
		return OpGt, true
	case TokGte:
		return OpGte, true
	case TokEq:
		return OpEq, true
	case TokNeq:
		return OpNeq, true
	default:
		return 0, false
	}
}

func (p *Parser) parseAdditive() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.Kind == TokPlus || p.tok.Kind == TokMinus {
		op := OpAdd
		if p.tok.Kind == TokMinus {
			op = OpSub
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseTerm() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.Kind == TokStar || p.tok.Kind == TokSlash || p.tok.Kind == TokPercent {
		var op BinaryOp
		switch p.tok.Kind {
		case TokStar:
			op = OpMul
		case TokSlash:
			op = OpDiv
		default:
			op = OpMod
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Node, error) {
	if p.tok.Kind == TokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: UnaryNeg, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Node, error) {
	switch p.tok.Kind {
	case TokNumber:
		text := p.tok.Text
		pos := p.tok.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := parseFloat(text)
		if err != nil {
			return nil, &ParseError{Expr: p.src, Pos: pos, Reason: "invalid number literal"}
		}
		return NumberLit{Value: v}, nil
	case TokTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return BoolLit{Value: true}, nil
	case TokFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return BoolLit{Value: false}, nil
	case TokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case TokIdent:
		return p.parseIdentOrCall()
	}
	return nil, &ParseError{Expr: p.src, Pos: p.tok.Pos, Reason: fmt.Sprintf("unexpected token %q", p.tok.Text)}
}

func (p *Parser) parseIdentOrCall() (Node, error) {
	name := p.tok.Text
	pos := p.tok.Pos
	if err := p.advance(); err != nil {
		return nil, err
	}

	// member access sugar: a.b.c -> "a_b_c" (spec.md §4.1 step 3, §9).
	for p.tok.Kind == TokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.Kind != TokIdent {
			return nil, &ParseError{Expr: p.src, Pos: p.tok.Pos, Reason: "expected identifier after '.'"}
		}
		name = name + "_" + p.tok.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	if p.tok.Kind == TokLParen {
		arity, known := FuncTable[name]
		if err := p.advance(); err != nil {
			return nil, err
		}
		var args []Node
		if p.tok.Kind != TokRParen {
			for {
				a, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.tok.Kind == TokComma {
					if err := p.advance(); err != nil {
						return nil, err
					}
					continue
				}
				break
			}
		}
		if err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		if !known {
			return nil, &ParseError{Expr: p.src, Pos: pos, Reason: fmt.Sprintf("unknown function %q", name)}
		}
		if len(args) != arity {
			return nil, &ParseError{Expr: p.src, Pos: pos, Reason: fmt.Sprintf("%s expects %d argument(s), got %d", name, arity, len(args))}
		}
		return Call{Func: name, Args: args}, nil
	}

	if p.tok.Kind == TokLBracket {
		if err := p.advance(); err != nil {
			return nil, err
		}
		k, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokRBracket, "']'"); err != nil {
			return nil, err
		}
		return Index{Name: name, K: k}, nil
	}

	return Ident{Name: name}, nil
}
