package condition

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokDot
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
)

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of expression",
	tokIdent:  "identifier",
	tokNumber: "number",
	tokString: "string",
	tokLParen: "'('",
	tokRParen: "')'",
	tokDot:    "'.'",
	tokAnd:    "'&&'",
	tokOr:     "'||'",
	tokNot:    "'!'",
	tokEq:     "'=='",
	tokNe:     "'!='",
	tokLt:     "'<'",
	tokLe:     "'<='",
	tokGt:     "'>'",
	tokGe:     "'>='",
}

func (k tokenKind) String() string {
	return tokenNames[k]
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError reports a malformed condition. Pos is the byte offset of the
// offending token.
type SyntaxError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition %q: at %d: %s", e.Source, e.Pos, e.Msg)
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '.' && !(i+1 < len(src) && isDigit(src[i+1]) && (len(toks) == 0 || toks[len(toks)-1].kind != tokIdent)):
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '&':
			if i+1 < len(src) && src[i+1] == '&' {
				toks = append(toks, token{tokAnd, "&&", i})
				i += 2
				continue
			}
			return nil, &SyntaxError{src, i, "expected '&&'"}
		case c == '|':
			if i+1 < len(src) && src[i+1] == '|' {
				toks = append(toks, token{tokOr, "||", i})
				i += 2
				continue
			}
			return nil, &SyntaxError{src, i, "expected '||'"}
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokEq, "==", i})
				i += 2
				continue
			}
			return nil, &SyntaxError{src, i, "expected '==', assignment is not supported"}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokNe, "!=", i})
				i += 2
				continue
			}
			toks = append(toks, token{tokNot, "!", i})
			i++
		case c == '<' || c == '>':
			kind, text := tokLt, "<"
			if c == '>' {
				kind, text = tokGt, ">"
			}
			if i+1 < len(src) && src[i+1] == '=' {
				kind++
				text += "="
				toks = append(toks, token{kind, text, i})
				i += 2
				continue
			}
			toks = append(toks, token{kind, text, i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, &SyntaxError{src, i, "unterminated string"}
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end], i})
			i += end + 2
		case isDigit(c) || c == '-' || c == '.':
			start := i
			if c == '-' {
				i++
			}
			dots := 0
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				if src[i] == '.' {
					dots++
				}
				i++
			}
			text := src[start:i]
			if dots > 1 || text == "-" || text == "." || text == "-." {
				return nil, &SyntaxError{src, start, fmt.Sprintf("invalid number %q", text)}
			}
			toks = append(toks, token{tokNumber, text, start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			word := src[start:i]
			switch word {
			case "and":
				toks = append(toks, token{tokAnd, word, start})
			case "or":
				toks = append(toks, token{tokOr, word, start})
			case "not":
				toks = append(toks, token{tokNot, word, start})
			default:
				toks = append(toks, token{tokIdent, word, start})
			}
		default:
			return nil, &SyntaxError{src, i, fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '-'
}
