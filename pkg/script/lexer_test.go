package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexAll(src string, mode lexMode) []token {
	l := newLexer("test", []byte(src))
	l.pushMode(mode)
	var out []token
	for {
		t := l.next()
		if t.kind == tokEOF {
			return out
		}
		out = append(out, t)
		if t.kind == tokInvalid {
			return out
		}
	}
}

func texts(tokens []token) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.text)
	}
	return out
}

func TestLexerModes(t *testing.T) {
	assert.Equal(t, []string{"*crt1.o", "(", ".text.*", ")"}, texts(lexAll("*crt1.o(.text.*)", modeScript)))
	assert.Equal(t, []string{"a-b"}, texts(lexAll("a-b", modeScript)))
	assert.Equal(t, []string{"a", "-", "b"}, texts(lexAll("a-b", modeExpression)))
	assert.Equal(t, []string{".", "=", ".", "+", "0x10", ";"}, texts(lexAll(". = . + 0x10;", modeExpression)))
	assert.Equal(t, []string{"x", "<<=", "2"}, texts(lexAll("x <<= 2", modeExpression)))
}

func TestLexerNumbers(t *testing.T) {
	tests := []struct {
		src   string
		value uint64
	}{
		{"0", 0},
		{"42", 42},
		{"0x1F", 0x1f},
		{"010", 8},
		{"4K", 4096},
		{"2m", 2 << 20},
	}
	for _, test := range tests {
		tokens := lexAll(test.src, modeExpression)
		require.Len(t, tokens, 1, test.src)
		assert.Equal(t, tokNumber, tokens[0].kind, test.src)
		assert.Equal(t, test.value, tokens[0].value, test.src)
	}
}

func TestLexerComments(t *testing.T) {
	tokens := lexAll("/* start */ SECTIONS /* a\nb */ {", modeScript)
	assert.Equal(t, []string{"SECTIONS", "{"}, texts(tokens))

	tokens = lexAll("SECTIONS /* open", modeScript)
	require.Len(t, tokens, 2)
	assert.Equal(t, tokInvalid, tokens[1].kind)
}

func TestLexerStrings(t *testing.T) {
	tokens := lexAll(`"elf64-x86-64" "unterminated`, modeScript)
	require.Len(t, tokens, 2)
	assert.Equal(t, tokString, tokens[0].kind)
	assert.Equal(t, "elf64-x86-64", tokens[0].text)
	assert.Equal(t, tokInvalid, tokens[1].kind)
}

func TestLexerRelexOnModeChange(t *testing.T) {
	l := newLexer("test", []byte("a-b"))
	assert.Equal(t, "a-b", l.peek().text)

	l.pushMode(modeExpression)
	assert.Equal(t, "a", l.next().text)
	assert.True(t, l.next().is("-"))
	l.popMode()
	assert.Equal(t, "b", l.next().text)
}

func TestLexerPosition(t *testing.T) {
	l := newLexer("test", []byte("a\n  b"))
	line, col := l.position(4)
	assert.Equal(t, 2, line)
	assert.Equal(t, 3, col)
}
