package script

import (
	"strconv"
	"strings"
)

// lexMode selects the token set. Script mode accepts file and section
// name patterns; expression mode splits on arithmetic operators.
type lexMode int

const (
	modeScript lexMode = iota
	modeExpression
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokString
	tokNumber
	tokOp
	tokInvalid
)

type token struct {
	kind  tokenKind
	text  string
	value uint64

	// pos and end are byte offsets into the source
	pos int
	end int
}

func (t token) is(op string) bool {
	return t.kind == tokOp && t.text == op
}

func (t token) isName(name string) bool {
	return t.kind == tokName && t.text == name
}

// longest first
var operators = []string{
	"<<=", ">>=",
	"<<", ">>", "<=", ">=", "==", "!=", "&&", "||",
	"+=", "-=", "*=", "/=", "&=", "|=",
	"+", "-", "*", "/", "%", "<", ">", "&", "|", "^", "~", "!",
	"?", ":", "(", ")", "{", "}", ";", ",", "=",
}

type lexer struct {
	name string
	src  []byte
	pos  int

	modes []lexMode

	cached     token
	cachedPos  int
	cachedMode lexMode
	hasCached  bool
}

func newLexer(name string, src []byte) *lexer {
	return &lexer{name: name, src: src, modes: []lexMode{modeScript}}
}

func (l *lexer) mode() lexMode {
	return l.modes[len(l.modes)-1]
}

func (l *lexer) pushMode(m lexMode) {
	l.modes = append(l.modes, m)
}

func (l *lexer) popMode() {
	if len(l.modes) > 1 {
		l.modes = l.modes[:len(l.modes)-1]
	}
}

// peek returns the next token in the current mode without consuming it.
// Changing the mode re-lexes the same input.
func (l *lexer) peek() token {
	if l.hasCached && l.cachedPos == l.pos && l.cachedMode == l.mode() {
		return l.cached
	}
	l.cached = l.scan(l.pos, l.mode())
	l.cachedPos = l.pos
	l.cachedMode = l.mode()
	l.hasCached = true
	return l.cached
}

func (l *lexer) next() token {
	t := l.peek()
	l.pos = t.end
	return t
}

// position converts a byte offset to a 1-based line and column.
func (l *lexer) position(pos int) (int, int) {
	line, col := 1, 1
	for i := 0; i < pos && i < len(l.src); i++ {
		if l.src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

func (l *lexer) skipSpace(pos int) (int, bool) {
	for pos < len(l.src) {
		c := l.src[pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			pos++
		case c == '/' && pos+1 < len(l.src) && l.src[pos+1] == '*':
			end := strings.Index(string(l.src[pos+2:]), "*/")
			if end < 0 {
				return pos, false
			}
			pos += end + 4
		default:
			return pos, true
		}
	}
	return pos, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func canStartName(c byte, mode lexMode) bool {
	if isLetter(c) || c == '_' || c == '.' || c == '$' {
		return true
	}
	return mode == modeScript && strings.IndexByte("/\\~*?[", c) >= 0
}

func canContinueName(c byte, mode lexMode) bool {
	if canStartName(c, mode) || isDigit(c) {
		return true
	}
	return mode == modeScript && strings.IndexByte("]-!^", c) >= 0
}

func (l *lexer) scan(pos int, mode lexMode) token {
	pos, ok := l.skipSpace(pos)
	if !ok {
		return token{kind: tokInvalid, text: "unterminated comment", pos: pos, end: len(l.src)}
	}
	if pos >= len(l.src) {
		return token{kind: tokEOF, pos: pos, end: pos}
	}

	c := l.src[pos]
	switch {
	case c == '"':
		end := pos + 1
		for end < len(l.src) && l.src[end] != '"' {
			end++
		}
		if end >= len(l.src) {
			return token{kind: tokInvalid, text: "unterminated string", pos: pos, end: end}
		}
		return token{kind: tokString, text: string(l.src[pos+1 : end]), pos: pos, end: end + 1}

	case isDigit(c):
		return l.scanNumber(pos)

	case canStartName(c, mode):
		end := pos + 1
		for end < len(l.src) && canContinueName(l.src[end], mode) {
			end++
		}
		return token{kind: tokName, text: string(l.src[pos:end]), pos: pos, end: end}
	}

	for _, op := range operators {
		if strings.HasPrefix(string(l.src[pos:min(pos+3, len(l.src))]), op) {
			return token{kind: tokOp, text: op, pos: pos, end: pos + len(op)}
		}
	}
	return token{kind: tokInvalid, text: "unexpected character " + strconv.QuoteRune(rune(c)), pos: pos, end: pos + 1}
}

// scanNumber reads 0x hex, leading-zero octal and decimal numbers with an
// optional K or M multiplier.
func (l *lexer) scanNumber(pos int) token {
	end := pos
	base := 10
	digitsStart := pos
	if l.src[pos] == '0' && pos+1 < len(l.src) && (l.src[pos+1] == 'x' || l.src[pos+1] == 'X') {
		base = 16
		digitsStart = pos + 2
		end = digitsStart
	} else if l.src[pos] == '0' {
		base = 8
	}

	for end < len(l.src) && isNumberDigit(l.src[end], base) {
		end++
	}
	digits := string(l.src[digitsStart:end])
	if base == 8 && len(digits) == 1 {
		base = 10
	}

	value, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return token{kind: tokInvalid, text: "invalid number " + string(l.src[pos:end]), pos: pos, end: end}
	}

	if end < len(l.src) {
		switch l.src[end] {
		case 'k', 'K':
			value *= 1024
			end++
		case 'm', 'M':
			value *= 1024 * 1024
			end++
		}
	}
	return token{kind: tokNumber, text: string(l.src[pos:end]), value: value, pos: pos, end: end}
}

func isNumberDigit(c byte, base int) bool {
	switch base {
	case 16:
		return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
	case 8:
		return c >= '0' && c <= '7'
	}
	return isDigit(c)
}
