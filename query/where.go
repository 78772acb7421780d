package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokString
	tokNumber
	tokAnd
	tokOp
	tokError
)

type token struct {
	typ   tokenType
	value string
	pos   int
}

// lexer tokenizes a where expression.
type lexer struct {
	input string
	pos   int
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

func (l *lexer) readString(quote byte) (string, bool) {
	var sb strings.Builder
	l.pos++ // opening quote
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '\\' && l.pos+1 < len(l.input):
			l.pos++
			sb.WriteByte(l.input[l.pos])
		case ch == quote:
			// SQL style doubled quote.
			if l.peekByte(1) == quote {
				sb.WriteByte(quote)
				l.pos++
			} else {
				l.pos++
				return sb.String(), true
			}
		default:
			sb.WriteByte(ch)
		}
		l.pos++
	}
	return sb.String(), false
}

func (l *lexer) next() token {
	l.skipWhitespace()
	start := l.pos
	if l.pos >= len(l.input) {
		return token{typ: tokEOF, pos: start}
	}

	ch := l.input[l.pos]
	switch ch {
	case '=':
		l.pos++
		if l.peekByte(0) == '=' {
			l.pos++
		}
		return token{tokOp, "=", start}
	case '!':
		if l.peekByte(1) == '=' {
			l.pos += 2
			return token{tokOp, "!=", start}
		}
	case '<', '>':
		l.pos++
		switch {
		case l.peekByte(0) == '=':
			l.pos++
			return token{tokOp, string(ch) + "=", start}
		case ch == '<' && l.peekByte(0) == '>':
			l.pos++
			return token{tokOp, "!=", start}
		}
		return token{tokOp, string(ch), start}
	case '\'', '"':
		s, ok := l.readString(ch)
		if !ok {
			return token{tokError, "unterminated string", start}
		}
		return token{tokString, s, start}
	}

	if unicode.IsDigit(rune(ch)) || ((ch == '-' || ch == '+' || ch == '.') && unicode.IsDigit(rune(l.peekByte(1)))) {
		l.pos++
		for l.pos < len(l.input) {
			c := l.input[l.pos]
			if unicode.IsDigit(rune(c)) || c == '.' || c == 'e' || c == 'E' ||
				((c == '-' || c == '+') && (l.input[l.pos-1] == 'e' || l.input[l.pos-1] == 'E')) {
				l.pos++
				continue
			}
			break
		}
		return token{tokNumber, l.input[start:l.pos], start}
	}

	if unicode.IsLetter(rune(ch)) || ch == '_' {
		for l.pos < len(l.input) {
			c := rune(l.input[l.pos])
			if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
				break
			}
			l.pos++
		}
		word := l.input[start:l.pos]
		if strings.EqualFold(word, "and") {
			return token{tokAnd, word, start}
		}
		return token{tokIdent, word, start}
	}

	l.pos++
	return token{tokError, fmt.Sprintf("unexpected character %q", ch), start}
}

var ops = map[string]Op{"=": OpEq, "!=": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe}

// ParseWhere parses a conjunction of comparisons such as
//
//	model_id = 'A' AND horizon >= 2 AND origin_date < '2022-11-01'
//
// Quoted literals are strings (dates are written as ISO strings); unquoted
// numbers are int64 or float64.
func ParseWhere(expr string) ([]Predicate, error) {
	l := &lexer{input: expr}
	var preds []Predicate
	for {
		col := l.next()
		if col.typ != tokIdent {
			return nil, parseError(expr, col, "column name")
		}
		opTok := l.next()
		op, ok := ops[opTok.value]
		if opTok.typ != tokOp || !ok {
			return nil, parseError(expr, opTok, "comparison operator")
		}
		lit := l.next()
		value, err := literal(lit)
		if err != nil {
			return nil, parseError(expr, lit, "literal")
		}
		preds = append(preds, Predicate{Column: col.value, Op: op, Value: value})

		switch sep := l.next(); sep.typ {
		case tokEOF:
			return preds, nil
		case tokAnd:
		default:
			return nil, parseError(expr, sep, "AND or end of expression")
		}
	}
}

func literal(t token) (any, error) {
	switch t.typ {
	case tokString:
		return t.value, nil
	case tokNumber:
		if n, err := strconv.ParseInt(t.value, 10, 64); err == nil {
			return n, nil
		}
		return strconv.ParseFloat(t.value, 64)
	}
	return nil, fmt.Errorf("not a literal")
}

func parseError(expr string, t token, want string) error {
	got := t.value
	switch t.typ {
	case tokEOF:
		got = "end of expression"
	case tokError:
	default:
		got = strconv.Quote(got)
	}
	return &Error{Msg: fmt.Sprintf("parse %q at offset %d: expected %s, got %s", expr, t.pos, want, got)}
}
