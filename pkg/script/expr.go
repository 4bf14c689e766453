package script

import (
	"fmt"
	"math/bits"

	"github.com/andreistan26/golayout/pkg/helpers"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/symtab"
)

// Expr is a node of a parsed expression. The set of node types is closed;
// evaluation switches over them.
type Expr interface {
	expr()
}

type Integer struct {
	Value uint64
}

type SymbolRef struct {
	Name string
}

// DotRef is the location counter.
type DotRef struct{}

type Unary struct {
	Op string
	X  Expr
}

type Binary struct {
	Op string
	X  Expr
	Y  Expr
}

type Ternary struct {
	Cond Expr
	X    Expr
	Y    Expr
}

// SectionFunc is ADDR, LOADADDR, SIZEOF or ALIGNOF applied to an output
// section name.
type SectionFunc struct {
	Func    string
	Section string
}

// Call is a builtin taking expression arguments: ABSOLUTE, ALIGN, BLOCK,
// NEXT, MAX, MIN, LOG2CEIL and the DATA_SEGMENT family.
type Call struct {
	Func string
	Args []Expr
}

type Defined struct {
	Name string
}

// Constant is CONSTANT(MAXPAGESIZE) or CONSTANT(COMMONPAGESIZE).
type Constant struct {
	Name string
}

type SegmentStart struct {
	Segment string
	Default Expr
}

type SizeofHeaders struct{}

// AssertExpr is ASSERT used as a value.
type AssertExpr struct {
	X       Expr
	Message string
}

func (*Integer) expr()       {}
func (*SymbolRef) expr()     {}
func (*DotRef) expr()        {}
func (*Unary) expr()         {}
func (*Binary) expr()        {}
func (*Ternary) expr()       {}
func (*SectionFunc) expr()   {}
func (*Call) expr()          {}
func (*Defined) expr()       {}
func (*Constant) expr()      {}
func (*SegmentStart) expr()  {}
func (*SizeofHeaders) expr() {}
func (*AssertExpr) expr()    {}

// Env is what expressions read: symbol values, output sections and the
// script itself for sections that were never created.
type Env struct {
	Symtab   *symtab.Table
	Layout   *layout.Layout
	Sections *Sections
}

type evaluator struct {
	env   *Env
	check bool

	dotAvailable bool
	dot          uint64
	dotSection   layout.SectionID

	// align collects alignments requested by ALIGN and DATA_SEGMENT_ALIGN
	align uint64
}

// Eval evaluates an expression that may not refer to dot.
func Eval(e Expr, env *Env, check bool) (uint64, error) {
	ev := &evaluator{env: env, check: check, dotSection: layout.NoSection}
	v, _, err := ev.eval(e)
	return v, err
}

// EvalWithDot evaluates e with the location counter at dot and returns the
// output section the value is relative to.
func EvalWithDot(e Expr, env *Env, check bool, dot uint64, dotSection layout.SectionID) (uint64, layout.SectionID, error) {
	v, sec, _, err := env.evalMaybeDot(e, check, true, dot, dotSection, false)
	return v, sec, err
}

// evalMaybeDot is the full form. In a dot assignment inside an output
// section an absolute result is an offset from the section start.
func (env *Env) evalMaybeDot(e Expr, check, dotAvailable bool, dot uint64, dotSection layout.SectionID,
	sectionDotAssignment bool) (uint64, layout.SectionID, uint64, error) {
	ev := &evaluator{
		env:          env,
		check:        check,
		dotAvailable: dotAvailable,
		dot:          dot,
		dotSection:   dotSection,
	}
	v, sec, err := ev.eval(e)
	if err != nil {
		return 0, layout.NoSection, 0, err
	}
	if sectionDotAssignment && sec == layout.NoSection && dotSection != layout.NoSection {
		if os := env.Layout.Section(dotSection); os != nil {
			v += os.Address
		}
		sec = dotSection
	}
	return v, sec, ev.align, nil
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (ev *evaluator) eval(e Expr) (uint64, layout.SectionID, error) {
	switch e := e.(type) {
	case *Integer:
		return e.Value, layout.NoSection, nil

	case *DotRef:
		if !ev.dotAvailable {
			return 0, layout.NoSection, DotNotAvailableErr
		}
		return ev.dot, ev.dotSection, nil

	case *SymbolRef:
		return ev.symbolValue(e.Name)

	case *Unary:
		x, sec, err := ev.eval(e.X)
		if err != nil {
			return 0, layout.NoSection, err
		}
		switch e.Op {
		case "-":
			return -x, sec, nil
		case "+":
			return x, sec, nil
		case "!":
			return boolValue(x == 0), layout.NoSection, nil
		case "~":
			return ^x, sec, nil
		}
		return 0, layout.NoSection, fmt.Errorf("%w: unary operator %q", ExpressionErr, e.Op)

	case *Binary:
		return ev.binary(e)

	case *Ternary:
		cond, _, err := ev.eval(e.Cond)
		if err != nil {
			return 0, layout.NoSection, err
		}
		if cond != 0 {
			return ev.eval(e.X)
		}
		return ev.eval(e.Y)

	case *SectionFunc:
		return ev.sectionFunc(e)

	case *Call:
		return ev.call(e)

	case *Defined:
		sym := ev.env.Symtab.Lookup(e.Name)
		return boolValue(sym != nil && sym.Defined), layout.NoSection, nil

	case *Constant:
		switch e.Name {
		case "MAXPAGESIZE":
			return ev.env.Layout.Target.PageSize, layout.NoSection, nil
		case "COMMONPAGESIZE":
			return ev.env.Layout.Target.CommonPageSize, layout.NoSection, nil
		}
		return 0, layout.NoSection, fmt.Errorf("%w: unknown constant %s", ExpressionErr, e.Name)

	case *SegmentStart:
		if ev.env.Sections != nil {
			if v, ok := ev.env.Sections.opts.SegmentStarts[e.Segment]; ok {
				return v, layout.NoSection, nil
			}
		}
		return ev.eval(e.Default)

	case *SizeofHeaders:
		return ev.sizeofHeaders(), layout.NoSection, nil

	case *AssertExpr:
		v, sec, err := ev.eval(e.X)
		if err != nil {
			return 0, layout.NoSection, err
		}
		if ev.check && v == 0 {
			return 0, layout.NoSection, &AssertionError{Message: e.Message}
		}
		return v, sec, nil
	}
	return 0, layout.NoSection, fmt.Errorf("%w: unknown node %T", ExpressionErr, e)
}

// symbolValue returns a script symbol's current value, or for an object
// symbol the address its input section was placed at plus its offset.
func (ev *evaluator) symbolValue(name string) (uint64, layout.SectionID, error) {
	sym := ev.env.Symtab.Lookup(name)
	if sym == nil || !sym.Defined {
		return 0, layout.NoSection, fmt.Errorf("%w: %q", UndefinedSymbolErr, name)
	}
	if sym.InputFile == "" {
		return sym.Value, sym.Section, nil
	}
	id, offset, ok := ev.env.Layout.InputPlacement(sym.InputFile, sym.InputIndex)
	if !ok {
		return sym.Value, layout.NoSection, nil
	}
	return ev.env.Layout.Section(id).Address + offset + sym.Value, id, nil
}

// combine picks the section of an arithmetic result: an absolute operand
// takes the other's section, equal sections are kept, anything else is
// absolute.
func combine(x, y layout.SectionID) layout.SectionID {
	switch {
	case x == y:
		return x
	case x == layout.NoSection:
		return y
	case y == layout.NoSection:
		return x
	}
	return layout.NoSection
}

func (ev *evaluator) binary(e *Binary) (uint64, layout.SectionID, error) {
	x, xs, err := ev.eval(e.X)
	if err != nil {
		return 0, layout.NoSection, err
	}
	y, ys, err := ev.eval(e.Y)
	if err != nil {
		return 0, layout.NoSection, err
	}

	abs := layout.NoSection
	switch e.Op {
	case "+":
		return x + y, combine(xs, ys), nil
	case "-":
		if xs == ys {
			return x - y, abs, nil
		}
		if ys == abs {
			return x - y, xs, nil
		}
		return x - y, abs, nil
	case "*":
		return x * y, combineStrict(xs, ys), nil
	case "/", "%":
		if y == 0 {
			return 0, abs, fmt.Errorf("%w: division by zero", ExpressionErr)
		}
		if e.Op == "/" {
			return x / y, combineStrict(xs, ys), nil
		}
		return x % y, combineStrict(xs, ys), nil
	case "<<":
		if y >= 64 {
			return 0, combineStrict(xs, ys), nil
		}
		return x << y, combineStrict(xs, ys), nil
	case ">>":
		if y >= 64 {
			return 0, combineStrict(xs, ys), nil
		}
		return x >> y, combineStrict(xs, ys), nil
	case "&":
		return x & y, combineStrict(xs, ys), nil
	case "|":
		return x | y, combineStrict(xs, ys), nil
	case "^":
		return x ^ y, combineStrict(xs, ys), nil
	case "==":
		return boolValue(x == y), abs, nil
	case "!=":
		return boolValue(x != y), abs, nil
	case "<":
		return boolValue(x < y), abs, nil
	case ">":
		return boolValue(x > y), abs, nil
	case "<=":
		return boolValue(x <= y), abs, nil
	case ">=":
		return boolValue(x >= y), abs, nil
	case "&&":
		return boolValue(x != 0 && y != 0), abs, nil
	case "||":
		return boolValue(x != 0 || y != 0), abs, nil
	}
	return 0, abs, fmt.Errorf("%w: binary operator %q", ExpressionErr, e.Op)
}

// combineStrict keeps a section only when both operands agree.
func combineStrict(x, y layout.SectionID) layout.SectionID {
	if x == y {
		return x
	}
	return layout.NoSection
}

func (ev *evaluator) sectionFunc(e *SectionFunc) (uint64, layout.SectionID, error) {
	info, ok := ev.env.sectionInfo(e.Section)
	if !ok {
		return 0, layout.NoSection, fmt.Errorf("%w: %s(%s)", UndefinedSectionErr, e.Func, e.Section)
	}
	switch e.Func {
	case "ADDR":
		return info.address, info.section, nil
	case "LOADADDR":
		return info.loadAddress, layout.NoSection, nil
	case "SIZEOF":
		return info.size, layout.NoSection, nil
	case "ALIGNOF":
		return info.align, layout.NoSection, nil
	}
	return 0, layout.NoSection, fmt.Errorf("%w: %s", ExpressionErr, e.Func)
}

type sectionInfo struct {
	section     layout.SectionID
	address     uint64
	loadAddress uint64
	align       uint64
	size        uint64
}

// sectionInfo prefers a created output section and falls back to the
// values cached on a definition that never got one.
func (env *Env) sectionInfo(name string) (sectionInfo, bool) {
	if id, ok := env.Layout.FindOutputSection(name); ok {
		os := env.Layout.Section(id)
		return sectionInfo{
			section:     id,
			address:     os.Address,
			loadAddress: os.LoadAddr(),
			align:       os.AddrAlign,
			size:        os.Size,
		}, true
	}
	if env.Sections == nil {
		return sectionInfo{}, false
	}
	for _, def := range env.Sections.definitions() {
		if def.Name == name {
			return sectionInfo{
				section:     layout.NoSection,
				address:     def.evaluatedAddress,
				loadAddress: def.evaluatedLoadAddress,
				align:       def.evaluatedAlign,
			}, true
		}
	}
	return sectionInfo{}, false
}

func (ev *evaluator) args(e *Call, n int) ([]uint64, []layout.SectionID, error) {
	if len(e.Args) != n {
		return nil, nil, fmt.Errorf("%w: %s takes %d arguments", ExpressionErr, e.Func, n)
	}
	vals := make([]uint64, n)
	secs := make([]layout.SectionID, n)
	for i, arg := range e.Args {
		v, sec, err := ev.eval(arg)
		if err != nil {
			return nil, nil, err
		}
		vals[i] = v
		secs[i] = sec
	}
	return vals, secs, nil
}

func (ev *evaluator) needDot() error {
	if !ev.dotAvailable {
		return DotNotAvailableErr
	}
	return nil
}

func (ev *evaluator) noteAlign(align uint64) {
	if align > ev.align {
		ev.align = align
	}
}

func (ev *evaluator) call(e *Call) (uint64, layout.SectionID, error) {
	switch e.Func {
	case "ABSOLUTE":
		v, _, err := ev.args(e, 1)
		if err != nil {
			return 0, layout.NoSection, err
		}
		return v[0], layout.NoSection, nil

	case "ALIGN", "BLOCK":
		if len(e.Args) == 2 {
			v, s, err := ev.args(e, 2)
			if err != nil {
				return 0, layout.NoSection, err
			}
			ev.noteAlign(v[1])
			return helpers.AlignUp(v[0], v[1]), s[0], nil
		}
		fallthrough
	case "NEXT":
		v, _, err := ev.args(e, 1)
		if err != nil {
			return 0, layout.NoSection, err
		}
		if err := ev.needDot(); err != nil {
			return 0, layout.NoSection, err
		}
		if e.Func != "NEXT" {
			ev.noteAlign(v[0])
		}
		return helpers.AlignUp(ev.dot, v[0]), ev.dotSection, nil

	case "MAX", "MIN":
		v, s, err := ev.args(e, 2)
		if err != nil {
			return 0, layout.NoSection, err
		}
		pick := 0
		if (e.Func == "MAX") == (v[1] > v[0]) {
			pick = 1
		}
		return v[pick], combineStrict(s[0], s[1]), nil

	case "LOG2CEIL":
		v, _, err := ev.args(e, 1)
		if err != nil {
			return 0, layout.NoSection, err
		}
		if v[0] <= 1 {
			return 0, layout.NoSection, nil
		}
		return uint64(bits.Len64(v[0] - 1)), layout.NoSection, nil

	case "DATA_SEGMENT_ALIGN":
		v, _, err := ev.args(e, 2)
		if err != nil {
			return 0, layout.NoSection, err
		}
		if err := ev.needDot(); err != nil {
			return 0, layout.NoSection, err
		}
		maxPage := v[0]
		if maxPage == 0 {
			maxPage = 1
		}
		ev.noteAlign(maxPage)
		val := helpers.AlignUp(ev.dot, maxPage) + (ev.dot & (maxPage - 1))
		return val, ev.dotSection, nil

	case "DATA_SEGMENT_RELRO_END":
		v, secs, err := ev.args(e, 2)
		if err != nil {
			return 0, layout.NoSection, err
		}
		if err := ev.needDot(); err != nil {
			return 0, layout.NoSection, err
		}
		if ev.env.Sections == nil || !ev.env.Sections.opts.Relro {
			return v[1], secs[1], nil
		}
		// the relro region ends on a common page boundary once offset is added
		common := ev.env.Layout.Target.CommonPageSize
		return helpers.AlignUp(v[1]+v[0], common) - v[0], secs[1], nil

	case "DATA_SEGMENT_END":
		if _, _, err := ev.args(e, 1); err != nil {
			return 0, layout.NoSection, err
		}
		if err := ev.needDot(); err != nil {
			return 0, layout.NoSection, err
		}
		return ev.dot, ev.dotSection, nil
	}
	return 0, layout.NoSection, fmt.Errorf("%w: unknown function %s", ExpressionErr, e.Func)
}

// sizeofHeaders is the file header plus one program header per segment:
// the PHDRS clause count if there is one, an estimate otherwise.
func (ev *evaluator) sizeofHeaders() uint64 {
	l := ev.env.Layout
	count := l.ExpectedSegmentCount()
	if ev.env.Sections != nil && ev.env.Sections.phdrs != nil {
		count = len(ev.env.Sections.phdrs)
	}
	if l.SegmentCount() > count {
		count = l.SegmentCount()
	}
	return l.Target.FileHeaderSize() + uint64(count)*l.Target.ProgramHeaderSize()
}
