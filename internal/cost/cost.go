// Package cost evaluates per-tool cost formulas. A formula is a small
// expression over the validated arguments of a task: arithmetic,
// comparisons, boolean logic, the ternary operator and len(). It can only
// read the argument map it is given.
package cost

import (
	"fmt"
	"math"
)

// Expr is a compiled cost formula.
type Expr struct {
	src  string
	root node
}

// Compile parses a formula.
func Compile(formula string) (*Expr, error) {
	root, err := parse(formula)
	if err != nil {
		return nil, fmt.Errorf("parse cost formula %q: %w", formula, err)
	}
	return &Expr{src: formula, root: root}, nil
}

// String returns the source formula.
func (e *Expr) String() string {
	return e.src
}

// Eval evaluates the formula against args. The result must be a finite number.
func (e *Expr) Eval(args map[string]any) (float64, error) {
	v, err := e.root.eval(args)
	if err != nil {
		return 0, fmt.Errorf("evaluate cost formula %q: %w", e.src, err)
	}
	if v.kind != kindNumber {
		return 0, fmt.Errorf("cost formula %q produced %s, not a number", e.src, v)
	}
	if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
		return 0, fmt.Errorf("cost formula %q produced %v", e.src, v.num)
	}
	return v.num, nil
}

// Evaluate compiles and evaluates formula in one step.
func Evaluate(formula string, args map[string]any) (float64, error) {
	e, err := Compile(formula)
	if err != nil {
		return 0, err
	}
	return e.Eval(args)
}
