// Package condition evaluates scoring-rule conditions.
//
// Conditions use a small Go-flavoured expression grammar: variables (plain or
// dotted identifiers), string, number and boolean literals, nil, comparisons
// (== != < <= > >=), boolean operators (&& || !), unary minus and
// parentheses. nil only supports == and !=; a variable compared with nil
// may be absent from the context, which counts as nil. Expressions are parsed by go/parser and every node is checked
// against that whitelist before evaluation, so calls, indexing and any other
// construct are rejected up front.
package condition

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnknownVariable is returned when a condition references a variable
	// absent from the evaluation context.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrTypeMismatch is returned when operand kinds do not fit an operator.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrUnsupported is returned for syntax outside the condition grammar.
	ErrUnsupported = errors.New("unsupported expression")
)

// Expr is a parsed, validated condition.
type Expr struct {
	src  string
	root ast.Expr
	vars []string
}

// Parse parses and validates a condition expression.
func Parse(src string) (*Expr, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("parse condition: %w: empty expression", ErrUnsupported)
	}
	root, err := parser.ParseExpr(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", trimmed, err)
	}
	seen := make(map[string]struct{})
	if err := validate(root, seen); err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", trimmed, err)
	}
	vars := make([]string, 0, len(seen))
	for name := range seen {
		vars = append(vars, name)
	}
	sort.Strings(vars)
	return &Expr{src: trimmed, root: root, vars: vars}, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Variables lists the variables the expression references.
func (e *Expr) Variables() []string { return append([]string(nil), e.vars...) }

// Eval evaluates the expression. The result must be boolean.
func (e *Expr) Eval(vars Vars) (bool, error) {
	v, err := eval(e.root, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.Truth()
	if !ok {
		return false, fmt.Errorf("%w: condition yields %s, want bool", ErrTypeMismatch, v.Kind())
	}
	return b, nil
}

// Evaluate parses and evaluates src in one step.
func Evaluate(src string, vars Vars) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.Eval(vars)
}

func validate(node ast.Expr, seen map[string]struct{}) error {
	switch n := node.(type) {
	case *ast.Ident:
		switch n.Name {
		case "true", "false", "nil":
		default:
			seen[n.Name] = struct{}{}
		}
		return nil
	case *ast.SelectorExpr:
		name, ok := selectorName(n)
		if !ok {
			return fmt.Errorf("%w: selector must be a dotted variable name", ErrUnsupported)
		}
		seen[name] = struct{}{}
		return nil
	case *ast.BasicLit:
		switch n.Kind {
		case token.INT, token.FLOAT, token.STRING:
			return nil
		default:
			return fmt.Errorf("%w: literal %s", ErrUnsupported, n.Value)
		}
	case *ast.ParenExpr:
		return validate(n.X, seen)
	case *ast.UnaryExpr:
		if n.Op != token.NOT && n.Op != token.SUB {
			return fmt.Errorf("%w: operator %s", ErrUnsupported, n.Op)
		}
		return validate(n.X, seen)
	case *ast.BinaryExpr:
		switch n.Op {
		case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ, token.LAND, token.LOR:
		default:
			return fmt.Errorf("%w: operator %s", ErrUnsupported, n.Op)
		}
		if err := validate(n.X, seen); err != nil {
			return err
		}
		return validate(n.Y, seen)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, node)
	}
}

func selectorName(n *ast.SelectorExpr) (string, bool) {
	switch x := n.X.(type) {
	case *ast.Ident:
		return x.Name + "." + n.Sel.Name, true
	case *ast.SelectorExpr:
		prefix, ok := selectorName(x)
		if !ok {
			return "", false
		}
		return prefix + "." + n.Sel.Name, true
	default:
		return "", false
	}
}

func lookup(name string, vars Vars) (Value, error) {
	v, ok := vars[name]
	if !ok || v.Kind() == KindInvalid {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	return v, nil
}

func eval(node ast.Expr, vars Vars) (Value, error) {
	switch n := node.(type) {
	case *ast.Ident:
		switch n.Name {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		case "nil":
			return Null(), nil
		}
		return lookup(n.Name, vars)
	case *ast.SelectorExpr:
		name, _ := selectorName(n)
		return lookup(name, vars)
	case *ast.BasicLit:
		return literal(n)
	case *ast.ParenExpr:
		return eval(n.X, vars)
	case *ast.UnaryExpr:
		x, err := eval(n.X, vars)
		if err != nil {
			return Value{}, err
		}
		if n.Op == token.NOT {
			b, ok := x.Truth()
			if !ok {
				return Value{}, fmt.Errorf("%w: ! applied to %s", ErrTypeMismatch, x.Kind())
			}
			return Bool(!b), nil
		}
		num, ok := x.Num()
		if !ok {
			return Value{}, fmt.Errorf("%w: - applied to %s", ErrTypeMismatch, x.Kind())
		}
		return Number(-num), nil
	case *ast.BinaryExpr:
		return binary(n, vars)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupported, node)
	}
}

func literal(n *ast.BasicLit) (Value, error) {
	switch n.Kind {
	case token.INT, token.FLOAT:
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return Value{}, fmt.Errorf("number literal %s: %w", n.Value, err)
		}
		return Number(f), nil
	case token.STRING:
		s, err := strconv.Unquote(n.Value)
		if err != nil {
			return Value{}, fmt.Errorf("string literal %s: %w", n.Value, err)
		}
		return String(s), nil
	default:
		return Value{}, fmt.Errorf("%w: literal %s", ErrUnsupported, n.Value)
	}
}

func binary(n *ast.BinaryExpr, vars Vars) (Value, error) {
	if n.Op == token.LAND || n.Op == token.LOR {
		x, err := evalBool(n.X, vars)
		if err != nil {
			return Value{}, err
		}
		if n.Op == token.LAND && !x {
			return Bool(false), nil
		}
		if n.Op == token.LOR && x {
			return Bool(true), nil
		}
		y, err := evalBool(n.Y, vars)
		if err != nil {
			return Value{}, err
		}
		return Bool(y), nil
	}

	operand := eval
	if (n.Op == token.EQL || n.Op == token.NEQ) && (isNil(n.X) || isNil(n.Y)) {
		operand = evalNullable
	}
	x, err := operand(n.X, vars)
	if err != nil {
		return Value{}, err
	}
	y, err := operand(n.Y, vars)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case token.EQL:
		return Bool(x.Equal(y)), nil
	case token.NEQ:
		return Bool(!x.Equal(y)), nil
	}

	cmp, err := compare(x, y)
	if err != nil {
		return Value{}, fmt.Errorf("%s: %w", n.Op, err)
	}
	switch n.Op {
	case token.LSS:
		return Bool(cmp < 0), nil
	case token.LEQ:
		return Bool(cmp <= 0), nil
	case token.GTR:
		return Bool(cmp > 0), nil
	default:
		return Bool(cmp >= 0), nil
	}
}

func isNil(node ast.Expr) bool {
	id, ok := ast.Unparen(node).(*ast.Ident)
	return ok && id.Name == "nil"
}

// evalNullable is eval with absent variables read as nil.
func evalNullable(node ast.Expr, vars Vars) (Value, error) {
	var name string
	switch n := ast.Unparen(node).(type) {
	case *ast.Ident:
		name = n.Name
	case *ast.SelectorExpr:
		name, _ = selectorName(n)
	}
	if name != "" && name != "true" && name != "false" && name != "nil" {
		return vars[name], nil
	}
	return eval(node, vars)
}

func evalBool(node ast.Expr, vars Vars) (bool, error) {
	v, err := eval(node, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.Truth()
	if !ok {
		return false, fmt.Errorf("%w: boolean operand is %s", ErrTypeMismatch, v.Kind())
	}
	return b, nil
}

func compare(x, y Value) (int, error) {
	if xn, ok := x.Num(); ok {
		yn, ok := y.Num()
		if !ok {
			return 0, fmt.Errorf("%w: number vs %s", ErrTypeMismatch, y.Kind())
		}
		switch {
		case xn < yn:
			return -1, nil
		case xn > yn:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if xs, ok := x.Str(); ok {
		ys, ok := y.Str()
		if !ok {
			return 0, fmt.Errorf("%w: string vs %s", ErrTypeMismatch, y.Kind())
		}
		return strings.Compare(xs, ys), nil
	}
	return 0, fmt.Errorf("%w: %s is not ordered", ErrTypeMismatch, x.Kind())
}
