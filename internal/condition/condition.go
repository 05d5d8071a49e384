// Package condition implements the boolean predicate language used by step
// conditions.
//
//	eligibilityIssues == true
//	claim.payer.type != 'medicare' && data.amount >= 1000
//	not steps.denial-classification.appealable or (data.priority > 2)
//
// Paths resolve against an Env: "data." looks in the working data and falls
// back to the claim snapshot, "claim." reads the snapshot only and
// "steps.<id>." reads a completed step's result. A path without a known root
// resolves in data. Missing paths evaluate to null.
package condition

import (
	"encoding/json"
	"math"
	"strings"
	"sync"
)

// Path roots.
const (
	RootData  = "data"
	RootClaim = "claim"
	RootSteps = "steps"
)

// Env is the instance data a program is evaluated against.
type Env struct {
	Data  map[string]any
	Claim map[string]any
	Steps map[string]map[string]any
}

// Program is a compiled condition. It is immutable and safe for concurrent
// use.
type Program struct {
	source string
	root   node
}

// Source returns the expression the program was compiled from.
func (p *Program) Source() string { return p.source }

// Eval evaluates the program and reports its truthiness.
func (p *Program) Eval(env Env) bool {
	return truthy(p.root.eval(env))
}

var cache sync.Map // map[string]*Program

// Compile parses src, returning a cached program when src was compiled
// before. Errors are *SyntaxError.
func Compile(src string) (*Program, error) {
	src = strings.TrimSpace(src)
	if cached, ok := cache.Load(src); ok {
		return cached.(*Program), nil
	}
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	prog := &Program{source: src, root: root}
	actual, _ := cache.LoadOrStore(src, prog)
	return actual.(*Program), nil
}

// Evaluate compiles and evaluates src in one call. An empty source is true.
func Evaluate(src string, env Env) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return true, nil
	}
	prog, err := Compile(src)
	if err != nil {
		return false, err
	}
	return prog.Eval(env), nil
}

func (n *literalNode) eval(Env) any { return n.value }

func (n *pathNode) eval(env Env) any {
	switch n.root {
	case RootClaim:
		return lookup(env.Claim, n.parts)
	case RootSteps:
		result, ok := env.Steps[n.parts[0]]
		if !ok {
			return nil
		}
		if len(n.parts) == 1 {
			return result
		}
		return lookup(result, n.parts[1:])
	default:
		if _, ok := env.Data[n.parts[0]]; ok {
			return lookup(env.Data, n.parts)
		}
		return lookup(env.Claim, n.parts)
	}
}

func (n *notNode) eval(env Env) any {
	return !truthy(n.operand.eval(env))
}

func (n *logicalNode) eval(env Env) any {
	left := truthy(n.left.eval(env))
	if n.and {
		return left && truthy(n.right.eval(env))
	}
	return left || truthy(n.right.eval(env))
}

func (n *compareNode) eval(env Env) any {
	l, r := n.left.eval(env), n.right.eval(env)
	switch n.op {
	case tokEq:
		return equal(l, r)
	case tokNe:
		return !equal(l, r)
	}
	c, ok := order(l, r)
	if !ok {
		return false
	}
	switch n.op {
	case tokLt:
		return c < 0
	case tokLe:
		return c <= 0
	case tokGt:
		return c > 0
	default:
		return c >= 0
	}
}

func lookup(m map[string]any, parts []string) any {
	var cur any = m
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		return ok && lf == rf
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	}
	return false
}

// order compares two values of the same kind. Mismatched kinds are never
// ordered.
func order(l, r any) (int, bool) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return strings.Compare(ls, rs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}
