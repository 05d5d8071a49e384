package condition

import (
	"fmt"
	"strconv"
)

type node interface {
	eval(env Env) any
}

type literalNode struct{ value any }

type pathNode struct {
	root  string
	parts []string
}

type notNode struct{ operand node }

type logicalNode struct {
	and         bool
	left, right node
}

type compareNode struct {
	op          tokenKind
	left, right node
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", describe(t))
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

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Source: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')', found %s", describe(closing))
		}
		return inner, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		}
		return p.parsePath(t)
	}
	return nil, p.errorf(t, "expected operand, found %s", describe(t))
}

func (p *parser) parsePath(first token) (node, error) {
	parts := []string{first.text}
	for p.peek().kind == tokDot {
		p.next()
		seg := p.next()
		if seg.kind != tokIdent {
			return nil, p.errorf(seg, "expected identifier after '.', found %s", describe(seg))
		}
		parts = append(parts, seg.text)
	}

	switch parts[0] {
	case RootData, RootClaim:
		if len(parts) == 1 {
			return nil, p.errorf(first, "%q needs a field, as in %s.field", parts[0], parts[0])
		}
		return &pathNode{root: parts[0], parts: parts[1:]}, nil
	case RootSteps:
		if len(parts) < 2 {
			return nil, p.errorf(first, "\"steps\" needs a step id, as in steps.<id>.field")
		}
		return &pathNode{root: RootSteps, parts: parts[1:]}, nil
	}
	return &pathNode{root: RootData, parts: parts}, nil
}

func describe(t token) string {
	if t.kind == tokIdent || t.kind == tokNumber {
		return fmt.Sprintf("%s %q", t.kind, t.text)
	}
	if t.kind == tokString {
		return fmt.Sprintf("string %q", t.text)
	}
	return t.kind.String()
}
