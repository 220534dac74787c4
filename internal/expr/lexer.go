package expr

import (
	"fmt"
	"strconv"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokLParen
	tokRParen
	tokComma
	tokGT
	tokLT
	tokEQ
	tokAnd
	tokOr
	tokNot
	tokMinus
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokNumber:
		return "number"
	case tokIdent:
		return "identifier"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokGT:
		return "'>'"
	case tokLT:
		return "'<'"
	case tokEQ:
		return "'=='"
	case tokAnd:
		return "'&'"
	case tokOr:
		return "'|'"
	case tokNot:
		return "'!'"
	case tokMinus:
		return "'-'"
	}
	return fmt.Sprintf("token(%d)", uint8(k))
}

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

// lex splits src into tokens. Operators outside the grammar are reported
// here so that "a >= b" fails as an unknown operator rather than as a
// confusing syntax error further on.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			seenDot := false
			for i < len(src) && (isDigit(src[i]) || (src[i] == '.' && !seenDot)) {
				if src[i] == '.' {
					seenDot = true
				}
				i++
			}
			text := src[start:i]
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &ParseError{Pos: start, Msg: fmt.Sprintf("malformed number %q", text)}
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: v, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			kind, width, err := lexOperator(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: kind, text: src[i : i+width], pos: i})
			i += width
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexOperator(src string, i int) (tokenKind, int, error) {
	c := src[i]
	var next byte
	if i+1 < len(src) {
		next = src[i+1]
	}
	unknown := func(op string) (tokenKind, int, error) {
		return 0, 0, &ParseError{Pos: i, Msg: fmt.Sprintf("unknown operator %q", op)}
	}
	switch c {
	case '(':
		return tokLParen, 1, nil
	case ')':
		return tokRParen, 1, nil
	case ',':
		return tokComma, 1, nil
	case '>', '<':
		if next == '=' {
			return unknown(string([]byte{c, next}))
		}
		if c == '>' {
			return tokGT, 1, nil
		}
		return tokLT, 1, nil
	case '=':
		if next == '=' {
			return tokEQ, 2, nil
		}
		return unknown("=")
	case '&':
		if next == '&' {
			return unknown("&&")
		}
		return tokAnd, 1, nil
	case '|':
		if next == '|' {
			return unknown("||")
		}
		return tokOr, 1, nil
	case '!':
		if next == '=' {
			return unknown("!=")
		}
		return tokNot, 1, nil
	case '-':
		return tokMinus, 1, nil
	}
	return unknown(string(c))
}
