package cost

import "fmt"

// node is an expression AST node.
type node interface {
	eval(env map[string]any) (value, error)
}

type (
	numberLit struct{ v float64 }
	stringLit struct{ v string }
	boolLit   struct{ v bool }
	ident     struct{ name string }
	unaryExpr struct {
		op string
		x  node
	}
	binaryExpr struct {
		op   string
		l, r node
	}
	condExpr struct{ cond, then, els node }
	lenExpr  struct{ x node }
)

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) expect(op string) error {
	if _, ok := p.accept(op); !ok {
		t := p.peek()
		return fmt.Errorf("expected %q at %d, got %q", op, t.pos, t.text)
	}
	return nil
}

func (p *parser) ternary() (node, error) {
	cond, err := p.or()
	if err != nil {
		return nil, err
	}
	if _, ok := p.accept("?"); !ok {
		return cond, nil
	}
	then, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return &condExpr{cond: cond, then: then, els: els}, nil
}

// binaryLevel parses a left-associative chain of the given operators.
func (p *parser) binaryLevel(next func() (node, error), ops ...string) (node, error) {
	l, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(ops...)
		if !ok {
			return l, nil
		}
		r, err := next()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{op: op, l: l, r: r}
	}
}

func (p *parser) or() (node, error)  { return p.binaryLevel(p.and, "||") }
func (p *parser) and() (node, error) { return p.binaryLevel(p.cmp, "&&") }
func (p *parser) cmp() (node, error) {
	return p.binaryLevel(p.add, "==", "!=", "<=", ">=", "<", ">")
}
func (p *parser) add() (node, error) { return p.binaryLevel(p.mul, "+", "-") }
func (p *parser) mul() (node, error) { return p.binaryLevel(p.unary, "*", "/", "%") }

func (p *parser) unary() (node, error) {
	if op, ok := p.accept("-", "!", "+"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: op, x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberLit{v: t.num}, nil
	case tokString:
		return &stringLit{v: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true", "false":
			return &boolLit{v: t.text == "true"}, nil
		}
		if _, ok := p.accept("("); ok {
			if t.text != "len" {
				return nil, fmt.Errorf("unknown function %q at %d", t.text, t.pos)
			}
			x, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return &lenExpr{x: x}, nil
		}
		return &ident{name: t.text}, nil
	case tokOp:
		if t.text == "(" {
			x, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return x, nil
		}
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of formula")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}
