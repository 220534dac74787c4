// Package expr compiles textual trading rules into expression trees and
// evaluates them bar by bar against an indicator series.
//
// Grammar, lowest precedence first:
//
//	expr    = and { "|" and }
//	and     = cmp { "&" cmp }
//	cmp     = unary [ (">" | "<" | "==") unary ]
//	unary   = "!" unary | primary
//	primary = number | "-" number | "true" | "false"
//	        | ident | ident "(" [ expr { "," expr } ] ")" | "(" expr ")"
//
// Comparisons do not chain: "a < b < c" is a parse error.
package expr

import (
	"fmt"
	"strings"
)

// ParseError reports malformed rule text.
type ParseError struct {
	Rule string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("parse error in %q at %d: %s", e.Rule, e.Pos, e.Msg)
}

// Compile parses text into an immutable Tree. It fails with *ParseError.
func Compile(text string) (*Tree, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, withRule(err, text)
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, &ParseError{Rule: text, Pos: 0, Msg: "empty rule"}
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, withRule(err, text)
	}
	if t := p.peek(); t.kind != tokEOF {
		msg := fmt.Sprintf("unexpected %s", describe(t))
		if t.kind == tokRParen {
			msg = "unbalanced parentheses: unexpected ')'"
		}
		return nil, &ParseError{Rule: text, Pos: t.pos, Msg: msg}
	}
	return &Tree{Root: root, Source: text}, nil
}

// MustCompile is like Compile but panics on error. It is meant for rules
// fixed at build time.
func MustCompile(text string) *Tree {
	t, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return t
}

func withRule(err error, rule string) error {
	if pe, ok := err.(*ParseError); ok && pe.Rule == "" {
		pe.Rule = rule
	}
	return err
}

func describe(t token) string {
	if t.text == "" {
		return t.kind.String()
	}
	return fmt.Sprintf("%s %q", t.kind, t.text)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		op := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindLogic, Op: OpOr, Pos: op.pos, Args: []*Node{left, right}}
	}
	return left, nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		op := p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindLogic, Op: OpAnd, Pos: op.pos, Args: []*Node{left, right}}
	}
	return left, nil
}

func compareOp(k tokenKind) (string, bool) {
	switch k {
	case tokGT:
		return OpGT, true
	case tokLT:
		return OpLT, true
	case tokEQ:
		return OpEQ, true
	}
	return "", false
}

func (p *parser) parseCompare() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := compareOp(p.peek().kind)
	if !ok {
		return left, nil
	}
	opTok := p.next()
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if _, chained := compareOp(p.peek().kind); chained {
		return nil, &ParseError{Pos: p.peek().pos, Msg: "chained comparison; use & to combine"}
	}
	return &Node{Kind: KindCompare, Op: op, Pos: opTok.pos, Args: []*Node{left, right}}, nil
}

func (p *parser) parseUnary() (*Node, error) {
	if p.peek().kind == tokNot {
		op := p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindLogic, Op: OpNot, Pos: op.pos, Args: []*Node{operand}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &Node{Kind: KindLiteral, Num: t.num, Pos: t.pos}, nil
	case tokMinus:
		n := p.next()
		if n.kind != tokNumber {
			return nil, &ParseError{Pos: t.pos, Msg: "unary '-' must precede a number"}
		}
		return &Node{Kind: KindLiteral, Num: -n.num, Pos: t.pos}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, &ParseError{Pos: p.peek().pos, Msg: fmt.Sprintf("unbalanced parentheses: expected ')' before %s", describe(p.peek()))}
		}
		p.next()
		return inner, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		switch strings.ToLower(t.text) {
		case "true":
			return &Node{Kind: KindLiteral, IsBool: true, Bool: true, Pos: t.pos}, nil
		case "false":
			return &Node{Kind: KindLiteral, IsBool: true, Bool: false, Pos: t.pos}, nil
		}
		return &Node{Kind: KindVariable, Name: strings.ToLower(t.text), Pos: t.pos}, nil
	case tokEOF:
		return nil, &ParseError{Pos: t.pos, Msg: "unexpected end of rule"}
	case tokRParen:
		return nil, &ParseError{Pos: t.pos, Msg: "unbalanced parentheses: unexpected ')'"}
	}
	return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", describe(t))}
}

func (p *parser) parseCall(name token) (*Node, error) {
	open := p.next() // '('
	call := &Node{Kind: KindCall, Name: strings.ToUpper(name.text), Pos: name.pos}
	if p.peek().kind == tokRParen {
		p.next()
		return call, p.checkCall(call)
	}
	for {
		if p.peek().kind == tokEOF {
			return nil, &ParseError{Pos: open.pos, Msg: fmt.Sprintf("unterminated call to %s", call.Name)}
		}
		arg, err := p.parseOr()
		if err != nil {
			if pe, ok := err.(*ParseError); ok && p.peek().kind == tokEOF {
				pe.Pos, pe.Msg = open.pos, fmt.Sprintf("unterminated call to %s", call.Name)
			}
			return nil, err
		}
		call.Args = append(call.Args, arg)
		switch t := p.next(); t.kind {
		case tokComma:
			continue
		case tokRParen:
			return call, p.checkCall(call)
		case tokEOF:
			return nil, &ParseError{Pos: open.pos, Msg: fmt.Sprintf("unterminated call to %s", call.Name)}
		default:
			return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("expected ',' or ')' in call to %s, got %s", call.Name, describe(t))}
		}
	}
}

// checkCall validates the shape of REF calls. Other indicator names are
// resolved at evaluation time against the engine's registry.
func (p *parser) checkCall(call *Node) error {
	if call.Name != RefName {
		return nil
	}
	if len(call.Args) != 2 {
		return &ParseError{Pos: call.Pos, Msg: fmt.Sprintf("REF takes 2 arguments, got %d", len(call.Args))}
	}
	n := call.Args[1]
	if n.Kind != KindLiteral || n.IsBool || n.Num < 0 || n.Num != float64(int(n.Num)) {
		return &ParseError{Pos: n.Pos, Msg: "REF offset must be a non-negative integer"}
	}
	return nil
}
