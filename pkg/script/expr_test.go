package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/symtab"
)

func testEnv() *Env {
	tab := symtab.New()
	tab.DefineConstant("four", 4, symtab.VisibilityDefault, false, false)
	return &Env{Symtab: tab, Layout: layout.New(layout.DefaultTarget()), Sections: NewSections(Options{})}
}

func evalString(t *testing.T, env *Env, src string, dot uint64) (uint64, error) {
	t.Helper()
	e, err := ParseExpression("test", src)
	require.NoError(t, err, src)
	v, _, err := EvalWithDot(e, env, true, dot, layout.NoSection)
	return v, err
}

func TestEval(t *testing.T) {
	env := testEnv()
	tests := []struct {
		src  string
		want uint64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 / 3", 3},
		{"10 % 3", 1},
		{"1 << 4 | 1", 17},
		{"0xf0 & 0x3c ^ 0x0f", 0x3f},
		{"-1", ^uint64(0)},
		{"!0", 1},
		{"~0 == -1", 1},
		{"3 > 2 && 2 >= 2", 1},
		{"1 < 1 || 0", 0},
		{"four ? 10 : 20", 10},
		{"0 ? 10 : 20", 20},
		{"four * 2", 8},
		{"ABSOLUTE(four)", 4},
		{"ALIGN(0x1001, 0x100)", 0x1100},
		{"ALIGN(0x10)", 0x1010},
		{"BLOCK(0x10)", 0x1010},
		{"NEXT(0x100)", 0x1100},
		{"MAX(3, 5)", 5},
		{"MIN(3, 5)", 3},
		{"LOG2CEIL(5)", 3},
		{"LOG2CEIL(1)", 0},
		{"DEFINED(four)", 1},
		{"DEFINED(five)", 0},
		{"CONSTANT(MAXPAGESIZE)", 0x1000},
		{"COMMONPAGESIZE", 0x1000},
		{`SEGMENT_START("text-segment", 0x400000)`, 0x400000},
		{"DATA_SEGMENT_ALIGN(0x1000, 0x1000)", 0x2008},
		{"DATA_SEGMENT_RELRO_END(0, .)", 0x1008},
		{"DATA_SEGMENT_END(.)", 0x1008},
		{"SIZEOF_HEADERS", 64 + 56},
		{". + 1", 0x1009},
	}
	for _, test := range tests {
		v, err := evalString(t, env, test.src, 0x1008)
		require.NoError(t, err, test.src)
		assert.Equal(t, test.want, v, test.src)
	}
}

func TestEvalErrors(t *testing.T) {
	env := testEnv()

	_, err := evalString(t, env, "1 / 0", 0)
	assert.ErrorIs(t, err, ExpressionErr)

	_, err = evalString(t, env, "missing + 1", 0)
	assert.ErrorIs(t, err, UndefinedSymbolErr)

	_, err = evalString(t, env, "ADDR(.nowhere)", 0)
	assert.ErrorIs(t, err, UndefinedSectionErr)

	_, err = evalString(t, env, `ASSERT(0, "nope")`, 0)
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "nope", aerr.Error())

	e, err := ParseExpression("test", ". + 1")
	require.NoError(t, err)
	_, err = Eval(e, env, true)
	assert.ErrorIs(t, err, DotNotAvailableErr)
}

func TestEvalSegmentStartOverride(t *testing.T) {
	env := testEnv()
	env.Sections.SetOptions(Options{SegmentStarts: map[string]uint64{"text-segment": 0x10000}})
	v, err := evalString(t, env, `SEGMENT_START("text-segment", 0x400000)`, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), v)
}

func TestEvalRelroEndPadding(t *testing.T) {
	env := testEnv()
	env.Sections.SetOptions(Options{Relro: true})
	v, err := evalString(t, env, "DATA_SEGMENT_RELRO_END(0x18, .)", 0x2010)
	require.NoError(t, err)
	// the relro end plus 0x18 lands on a page boundary
	assert.Equal(t, uint64(0x3000-0x18), v)

	// the expression argument is padded, not dot
	v, err = evalString(t, env, "DATA_SEGMENT_RELRO_END(0, 0x4010)", 0x2010)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5000), v)

	env.Sections.SetOptions(Options{})
	v, err = evalString(t, env, "DATA_SEGMENT_RELRO_END(0, 0x4010)", 0x2010)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4010), v)
}

func TestEvalSectionFunctions(t *testing.T) {
	env := testEnv()
	id := env.Layout.MakeOutputSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	os := env.Layout.Section(id)
	os.SetAddress(0x1000)
	os.SetLoadAddress(0x9000)
	os.SetSize(0x20)
	os.SetAddrAlign(16)

	e, err := ParseExpression("test", "ADDR(.text)")
	require.NoError(t, err)
	v, sec, err := EvalWithDot(e, env, true, 0, layout.NoSection)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), v)
	assert.Equal(t, id, sec)

	for src, want := range map[string]uint64{
		"LOADADDR(.text)":             0x9000,
		"SIZEOF(.text)":               0x20,
		"ALIGNOF(.text)":              16,
		"ADDR(.text) + SIZEOF(.text)": 0x1020,
	} {
		v, err := evalString(t, env, src, 0)
		require.NoError(t, err, src)
		assert.Equal(t, want, v, src)
	}

	// The difference of two addresses in one section is absolute.
	e, err = ParseExpression("test", ". - ADDR(.text)")
	require.NoError(t, err)
	v, sec, err = EvalWithDot(e, env, true, 0x1010, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), v)
	assert.Equal(t, layout.NoSection, sec)
}

func TestEvalSectionDotAssignment(t *testing.T) {
	env := testEnv()
	id := env.Layout.MakeOutputSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE)
	env.Layout.Section(id).SetAddress(0x4000)

	// Inside a section an absolute value assigned to dot is an offset.
	v, sec, _, err := env.evalMaybeDot(&Integer{Value: 0x10}, true, true, 0x4000, id, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4010), v)
	assert.Equal(t, id, sec)

	v, _, _, err = env.evalMaybeDot(&Binary{Op: "+", X: &DotRef{}, Y: &Integer{Value: 8}}, true, true, 0x4000, id, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4008), v)
}

func TestEvalObjectSymbol(t *testing.T) {
	env := testEnv()
	id := env.Layout.MakeOutputSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	os := env.Layout.Section(id)
	os.SetAddress(0x1000)
	os.AddScriptInput(&layout.InputSection{File: "a.o", Index: 3, Name: ".text", Size: 0x40, AddrAlign: 4}, 0x20)

	_, ok := env.Symtab.AddDefinition("main", "a.o", 3, 0x4, symtab.VisibilityDefault)
	require.True(t, ok)

	v, err := evalString(t, env, "main", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1024), v)
}
