package cost

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindNumber
	kindBool
	kindString
	kindList
)

// value is the result of evaluating a node.
type value struct {
	kind valueKind
	num  float64
	b    bool
	str  string
	n    int // list length
}

func (v value) String() string {
	switch v.kind {
	case kindNumber:
		return fmt.Sprint(v.num)
	case kindBool:
		return fmt.Sprint(v.b)
	case kindString:
		return fmt.Sprintf("%q", v.str)
	case kindList:
		return fmt.Sprintf("list(%d)", v.n)
	}
	return "null"
}

func (v value) truthy() bool {
	switch v.kind {
	case kindNumber:
		return v.num != 0
	case kindBool:
		return v.b
	case kindString:
		return v.str != ""
	case kindList:
		return v.n > 0
	}
	return false
}

// bind converts an argument into an expression value.
func bind(name string, a any) (value, error) {
	switch x := a.(type) {
	case nil:
		return value{kind: kindNull}, nil
	case bool:
		return value{kind: kindBool, b: x}, nil
	case string:
		return value{kind: kindString, str: x}, nil
	case int:
		return value{kind: kindNumber, num: float64(x)}, nil
	case int64:
		return value{kind: kindNumber, num: float64(x)}, nil
	case int32:
		return value{kind: kindNumber, num: float64(x)}, nil
	case float32:
		return value{kind: kindNumber, num: float64(x)}, nil
	case float64:
		return value{kind: kindNumber, num: x}, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return value{}, fmt.Errorf("argument %q: %w", name, err)
		}
		return value{kind: kindNumber, num: f}, nil
	}
	rv := reflect.ValueOf(a)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return value{kind: kindList, n: rv.Len()}, nil
	}
	return value{}, fmt.Errorf("argument %q has unsupported type %T", name, a)
}

func (n *numberLit) eval(map[string]any) (value, error) {
	return value{kind: kindNumber, num: n.v}, nil
}

func (n *stringLit) eval(map[string]any) (value, error) {
	return value{kind: kindString, str: n.v}, nil
}

func (n *boolLit) eval(map[string]any) (value, error) {
	return value{kind: kindBool, b: n.v}, nil
}

func (n *ident) eval(env map[string]any) (value, error) {
	a, ok := env[n.name]
	if !ok {
		return value{}, fmt.Errorf("unknown name %q", n.name)
	}
	return bind(n.name, a)
}

func (n *lenExpr) eval(env map[string]any) (value, error) {
	x, err := n.x.eval(env)
	if err != nil {
		return value{}, err
	}
	switch x.kind {
	case kindList:
		return value{kind: kindNumber, num: float64(x.n)}, nil
	case kindString:
		return value{kind: kindNumber, num: float64(utf8.RuneCountInString(x.str))}, nil
	case kindNull:
		return value{kind: kindNumber}, nil
	}
	return value{}, fmt.Errorf("len of %s", x)
}

func (n *condExpr) eval(env map[string]any) (value, error) {
	c, err := n.cond.eval(env)
	if err != nil {
		return value{}, err
	}
	if c.truthy() {
		return n.then.eval(env)
	}
	return n.els.eval(env)
}

func (n *unaryExpr) eval(env map[string]any) (value, error) {
	x, err := n.x.eval(env)
	if err != nil {
		return value{}, err
	}
	switch n.op {
	case "!":
		return value{kind: kindBool, b: !x.truthy()}, nil
	case "-", "+":
		if x.kind != kindNumber {
			return value{}, fmt.Errorf("unary %s on %s", n.op, x)
		}
		if n.op == "-" {
			x.num = -x.num
		}
		return x, nil
	}
	return value{}, fmt.Errorf("unknown operator %q", n.op)
}

func (n *binaryExpr) eval(env map[string]any) (value, error) {
	l, err := n.l.eval(env)
	if err != nil {
		return value{}, err
	}
	// Short-circuit logical operators.
	switch n.op {
	case "&&":
		if !l.truthy() {
			return value{kind: kindBool}, nil
		}
		r, err := n.r.eval(env)
		if err != nil {
			return value{}, err
		}
		return value{kind: kindBool, b: r.truthy()}, nil
	case "||":
		if l.truthy() {
			return value{kind: kindBool, b: true}, nil
		}
		r, err := n.r.eval(env)
		if err != nil {
			return value{}, err
		}
		return value{kind: kindBool, b: r.truthy()}, nil
	}

	r, err := n.r.eval(env)
	if err != nil {
		return value{}, err
	}

	switch n.op {
	case "==":
		return value{kind: kindBool, b: equal(l, r)}, nil
	case "!=":
		return value{kind: kindBool, b: !equal(l, r)}, nil
	}

	if l.kind != kindNumber || r.kind != kindNumber {
		return value{}, fmt.Errorf("operator %s needs numbers, got %s and %s", n.op, l, r)
	}
	a, b := l.num, r.num
	switch n.op {
	case "+":
		return value{kind: kindNumber, num: a + b}, nil
	case "-":
		return value{kind: kindNumber, num: a - b}, nil
	case "*":
		return value{kind: kindNumber, num: a * b}, nil
	case "/":
		if b == 0 {
			return value{}, fmt.Errorf("division by zero")
		}
		return value{kind: kindNumber, num: a / b}, nil
	case "%":
		if b == 0 {
			return value{}, fmt.Errorf("modulo by zero")
		}
		return value{kind: kindNumber, num: math.Mod(a, b)}, nil
	case "<":
		return value{kind: kindBool, b: a < b}, nil
	case "<=":
		return value{kind: kindBool, b: a <= b}, nil
	case ">":
		return value{kind: kindBool, b: a > b}, nil
	case ">=":
		return value{kind: kindBool, b: a >= b}, nil
	}
	return value{}, fmt.Errorf("unknown operator %q", n.op)
}

func equal(l, r value) bool {
	if l.kind != r.kind {
		return false
	}
	switch l.kind {
	case kindNumber:
		return l.num == r.num
	case kindBool:
		return l.b == r.b
	case kindString:
		return l.str == r.str
	case kindList:
		return l.n == r.n
	}
	return true
}
