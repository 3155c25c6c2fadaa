// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package expr evaluates the restricted expression language used by workflow
// guards, gate conditions, and script steps. Supported: number, string and
// boolean literals, null, identifier lookup into the evaluation context, dot
// property access, ! - prefix operators, && || comparisons and + - * /.
// No function calls, no I/O; safe to run on adversarial input.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Eval parses and evaluates src against env. Identifiers resolve through
// env; missing keys evaluate to nil.
func Eval(src string, env map[string]any) (any, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	node, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.cur.text, p.cur.pos)
	}
	return node.eval(env)
}

// EvalBool evaluates src and coerces the result to a boolean using the
// language's truthiness rules.
func EvalBool(src string, env map[string]any) (bool, error) {
	v, err := Eval(src, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy reports the boolean coercion of a value: nil, false, zero and the
// empty string are false, everything else true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return true
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type parser struct {
	toks []token
	idx  int
	cur  token
}

func newParser(src string) (*parser, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	p.cur = p.toks[0]
	return p, nil
}

func (p *parser) advance() {
	if p.idx < len(p.toks)-1 {
		p.idx++
	}
	p.cur = p.toks[p.idx]
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, sb.String(), i})
			i = j + 1
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			for _, op := range []string{"&&", "||", "==", "!=", "<=", ">="} {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op, i})
					i += 2
					goto next
				}
			}
			switch c {
			case '!', '<', '>', '+', '-', '*', '/', '(', ')', '.':
				toks = append(toks, token{tokOp, string(c), i})
				i++
			default:
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
		next:
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// Binding powers, loosest first.
func bindingPower(op string) int {
	switch op {
	case "||":
		return 1
	case "&&":
		return 2
	case "==", "!=":
		return 3
	case "<", "<=", ">", ">=":
		return 4
	case "+", "-":
		return 5
	case "*", "/":
		return 6
	case ".":
		return 8
	}
	return 0
}

type node interface {
	eval(env map[string]any) (any, error)
}

type literal struct{ val any }

func (n literal) eval(map[string]any) (any, error) { return n.val, nil }

type ident struct{ name string }

func (n ident) eval(env map[string]any) (any, error) {
	return env[n.name], nil
}

type access struct {
	obj node
	key string
}

func (n access) eval(env map[string]any) (any, error) {
	v, err := n.obj.eval(env)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot access property %q of %T", n.key, v)
	}
	return m[n.key], nil
}

type prefix struct {
	op    string
	right node
}

func (n prefix) eval(env map[string]any) (any, error) {
	v, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !Truthy(v), nil
	case "-":
		f, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown prefix operator %q", n.op)
}

type binary struct {
	op          string
	left, right node
}

func (n binary) eval(env map[string]any) (any, error) {
	// Short-circuit logical operators.
	switch n.op {
	case "&&":
		l, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	case "||":
		l, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equals(l, r), nil
	case "!=":
		return !equals(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "+":
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
		return arith(n.op, l, r)
	case "-", "*", "/":
		return arith(n.op, l, r)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func equals(l, r any) bool {
	if lf, ok := asNumber(l); ok {
		if rf, ok := asNumber(r); ok {
			return lf == rf
		}
	}
	return l == r
}

func compare(op string, l, r any) (any, error) {
	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %T and %T", l, r)
}

func arith(op string, l, r any) (any, error) {
	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %q to %T and %T", op, l, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}

func (p *parser) parseExpr(minBP int) (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp {
		op := p.cur.text
		bp := bindingPower(op)
		if bp == 0 || bp < minBP {
			break
		}
		p.advance()
		if op == "." {
			if p.cur.kind != tokIdent {
				return nil, fmt.Errorf("expected property name at offset %d", p.cur.pos)
			}
			left = access{obj: left, key: p.cur.text}
			p.advance()
			continue
		}
		right, err := p.parseExpr(bp + 1)
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	switch p.cur.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", p.cur.text, p.cur.pos)
		}
		p.advance()
		return literal{val: f}, nil
	case tokString:
		n := literal{val: p.cur.text}
		p.advance()
		return n, nil
	case tokIdent:
		name := p.cur.text
		p.advance()
		switch name {
		case "true":
			return literal{val: true}, nil
		case "false":
			return literal{val: false}, nil
		case "null":
			return literal{val: nil}, nil
		}
		return ident{name: name}, nil
	case tokOp:
		switch p.cur.text {
		case "(":
			p.advance()
			inner, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if p.cur.kind != tokOp || p.cur.text != ")" {
				return nil, fmt.Errorf("expected ) at offset %d", p.cur.pos)
			}
			p.advance()
			return inner, nil
		case "!", "-":
			op := p.cur.text
			p.advance()
			right, err := p.parseExpr(7)
			if err != nil {
				return nil, err
			}
			return prefix{op: op, right: right}, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", p.cur.text, p.cur.pos)
}
