package script

import (
	"fmt"
	"strings"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/fileread"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
	"github.com/andreistan26/golayout/pkg/symtab"
)

type parser struct {
	lex      *lexer
	script   *Script
	sections *Sections
}

// ParseFile reads and parses a linker script into a new Script.
func ParseFile(name string, opts Options) (*Script, error) {
	s := New(opts)
	if err := s.ParseFile(name); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseFile adds the commands of another script file to s.
func (s *Script) ParseFile(name string) error {
	view, err := fileread.Open(name)
	if err != nil {
		return err
	}
	defer view.Close()

	return s.Parse(name, view.Bytes())
}

// Parse adds the commands in src to s. Names are copied out of src.
func (s *Script) Parse(name string, src []byte) error {
	if s.Name == "" {
		s.Name = name
	}
	p := &parser{lex: newLexer(name, src), script: s, sections: s.Sections}
	return p.parseScript()
}

// ParseExpression parses a single expression, as given to --defsym.
func ParseExpression(name, src string) (Expr, error) {
	return New(Options{}).parseExpression(name, src)
}

// parseExpression parses src with references recorded on s.
func (s *Script) parseExpression(name, src string) (Expr, error) {
	p := &parser{lex: newLexer(name, []byte(src)), script: s, sections: s.Sections}

	e, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if t := p.peekIn(modeExpression); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q after expression", t.text)
	}
	return e, nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	line, col := p.lex.position(t.pos)
	return &ParseError{File: p.lex.name, Line: line, Col: col, Msg: fmt.Sprintf(format, args...)}
}

// wrap attaches the position of t to a sentinel error.
func (p *parser) wrap(t token, err error) error {
	line, col := p.lex.position(t.pos)
	return &ParseError{File: p.lex.name, Line: line, Col: col, Msg: err.Error(), Err: err}
}

func (p *parser) unexpected(t token) error {
	switch t.kind {
	case tokEOF:
		return p.errorf(t, "unexpected end of file")
	case tokInvalid:
		return p.errorf(t, "%s", t.text)
	}
	return p.errorf(t, "unexpected %q", t.text)
}

func (p *parser) peekIn(mode lexMode) token {
	p.lex.pushMode(mode)
	defer p.lex.popMode()
	return p.lex.peek()
}

func (p *parser) nextIn(mode lexMode) token {
	p.lex.pushMode(mode)
	defer p.lex.popMode()
	return p.lex.next()
}

func (p *parser) expect(mode lexMode, op string) error {
	t := p.nextIn(mode)
	if !t.is(op) {
		if t.kind == tokEOF || t.kind == tokInvalid {
			return p.unexpected(t)
		}
		return p.errorf(t, "expected %q, found %q", op, t.text)
	}
	return nil
}

// accept consumes op if it comes next.
func (p *parser) accept(mode lexMode, op string) bool {
	if p.peekIn(mode).is(op) {
		p.nextIn(mode)
		return true
	}
	return false
}

// name reads a name or quoted string in script mode.
func (p *parser) name() (token, error) {
	t := p.nextIn(modeScript)
	if t.kind != tokName && t.kind != tokString {
		return t, p.unexpected(t)
	}
	return t, nil
}

func (p *parser) parenName() (string, error) {
	if err := p.expect(modeScript, "("); err != nil {
		return "", err
	}
	t, err := p.name()
	if err != nil {
		return "", err
	}
	return t.text, p.expect(modeScript, ")")
}

// parenRaw joins every token up to the closing parenthesis, for values
// such as i386:x86-64.
func (p *parser) parenRaw() (string, error) {
	if err := p.expect(modeScript, "("); err != nil {
		return "", err
	}
	var b strings.Builder
	for !p.accept(modeScript, ")") {
		t := p.nextIn(modeScript)
		if t.kind == tokEOF || t.kind == tokInvalid {
			return "", p.unexpected(t)
		}
		b.WriteString(t.text)
	}
	return b.String(), nil
}

// save and restore let the parser look ahead more than one token.
type lexState struct {
	pos   int
	modes []lexMode
}

func (p *parser) save() lexState {
	return lexState{pos: p.lex.pos, modes: append([]lexMode(nil), p.lex.modes...)}
}

func (p *parser) restore(st lexState) {
	p.lex.pos = st.pos
	p.lex.modes = st.modes
	p.lex.hasCached = false
}

func (p *parser) parseScript() error {
	for {
		t := p.peekIn(modeScript)
		switch {
		case t.kind == tokEOF:
			return nil
		case t.is(";"):
			p.nextIn(modeScript)
		case t.kind == tokName:
			if err := p.parseCommand(t); err != nil {
				return err
			}
		default:
			return p.unexpected(p.nextIn(modeScript))
		}
	}
}

func (p *parser) parseCommand(t token) error {
	switch t.text {
	case "SECTIONS":
		p.nextIn(modeScript)
		return p.parseSections()
	case "PHDRS":
		p.nextIn(modeScript)
		return p.parsePhdrs()
	case "ENTRY":
		p.nextIn(modeScript)
		name, err := p.parenName()
		p.script.Entry = name
		return err
	case "OUTPUT":
		p.nextIn(modeScript)
		name, err := p.parenName()
		p.script.Output = name
		return err
	case "OUTPUT_ARCH":
		p.nextIn(modeScript)
		arch, err := p.parenRaw()
		p.script.OutputArch = arch
		return err
	case "SEARCH_DIR":
		p.nextIn(modeScript)
		name, err := p.parenName()
		p.script.SearchDirs = append(p.script.SearchDirs, name)
		return err
	case "OUTPUT_FORMAT":
		p.nextIn(modeScript)
		return p.parseOutputFormat()
	case "INPUT", "GROUP":
		p.nextIn(modeScript)
		return p.parseInputList(t.text == "GROUP", false)
	case "ASSERT":
		p.nextIn(modeScript)
		e, msg, err := p.parseAssert()
		if err != nil {
			return err
		}
		p.script.Assertions = append(p.script.Assertions, &Assertion{Expr: e, Message: msg})
		return nil
	case "PROVIDE", "PROVIDE_HIDDEN", "HIDDEN":
		return p.parseProvide()
	case "INCLUDE", "MEMORY", "VERSION", "TARGET", "STARTUP", "NOCROSSREFS", "INSERT",
		"REGION_ALIAS", "EXTERN", "FORCE_COMMON_ALLOCATION", "OUTPUT_FORMAT_ARCH":
		return p.wrap(t, fmt.Errorf("%w %s", UnsupportedCommandErr, t.text))
	}
	return p.parseAssignment(false, false)
}

func (p *parser) parseOutputFormat() error {
	if err := p.expect(modeScript, "("); err != nil {
		return err
	}
	first := true
	for !p.accept(modeScript, ")") {
		t, err := p.name()
		if err != nil {
			return err
		}
		if first {
			p.script.OutputFormat = t.text
			first = false
		}
		p.accept(modeScript, ",")
	}
	return nil
}

// parseInputList reads the file list of INPUT, GROUP and AS_NEEDED. A
// leading '-' of -lname is not a name character and is joined here.
func (p *parser) parseInputList(group, asNeeded bool) error {
	if err := p.expect(modeScript, "("); err != nil {
		return err
	}
	for !p.accept(modeScript, ")") {
		if p.accept(modeScript, ",") {
			continue
		}
		t := p.nextIn(modeScript)
		switch {
		case t.isName("AS_NEEDED"):
			if err := p.parseInputList(group, true); err != nil {
				return err
			}
			continue
		case t.is("-"):
			n := p.nextIn(modeScript)
			if n.kind != tokName || n.pos != t.end {
				return p.unexpected(n)
			}
			t.text = "-" + n.text
		case t.kind != tokName && t.kind != tokString:
			return p.unexpected(t)
		}
		p.script.Inputs = append(p.script.Inputs, InputFile{Name: t.text, AsNeeded: asNeeded, Group: group})
	}
	return nil
}

func (p *parser) parseAssert() (Expr, string, error) {
	if err := p.expect(modeExpression, "("); err != nil {
		return nil, "", err
	}
	e, err := p.parseExpression()
	if err != nil {
		return nil, "", err
	}
	if err := p.expect(modeExpression, ","); err != nil {
		return nil, "", err
	}
	msg := p.nextIn(modeExpression)
	if msg.kind != tokString {
		return nil, "", p.errorf(msg, "expected assertion message")
	}
	return e, msg.text, p.expect(modeExpression, ")")
}

func (p *parser) parseProvide() error {
	t := p.nextIn(modeScript)
	provide := t.text != "HIDDEN"
	hidden := t.text != "PROVIDE"
	if err := p.expect(modeScript, "("); err != nil {
		return err
	}
	name, err := p.name()
	if err != nil {
		return err
	}
	if name.text == "." {
		return p.wrap(name, DotNotAvailableErr)
	}
	if err := p.expect(modeExpression, "="); err != nil {
		return err
	}
	e, err := p.parseExpression()
	if err != nil {
		return err
	}
	if err := p.expect(modeExpression, ")"); err != nil {
		return err
	}
	p.addAssignment(&Assignment{Name: name.text, Expr: e, Provide: provide, Hidden: hidden})
	p.endStatement()
	return nil
}

func (p *parser) addAssignment(a *Assignment) {
	if p.sections.InSections() {
		p.sections.AddSymbolAssignment(a)
		return
	}
	p.script.Assignments = append(p.script.Assignments, a)
}

// endStatement consumes an optional ';' or ','.
func (p *parser) endStatement() {
	if !p.accept(modeExpression, ";") {
		p.accept(modeExpression, ",")
	}
}

var assignOps = map[string]string{
	"=":   "",
	"+=":  "+",
	"-=":  "-",
	"*=":  "*",
	"/=":  "/",
	"<<=": "<<",
	">>=": ">>",
	"&=":  "&",
	"|=":  "|",
}

func isAssignOp(t token) bool {
	if t.kind != tokOp {
		return false
	}
	_, ok := assignOps[t.text]
	return ok
}

// parseAssignment reads `name op expr;`. Compound operators are expanded
// into a binary expression on the old value.
func (p *parser) parseAssignment(provide, hidden bool) error {
	name, err := p.name()
	if err != nil {
		return err
	}
	op := p.nextIn(modeExpression)
	if !isAssignOp(op) {
		return p.unexpected(op)
	}
	e, err := p.parseExpression()
	if err != nil {
		return err
	}

	var lhs Expr = &SymbolRef{Name: name.text}
	if name.text == "." {
		lhs = &DotRef{}
	}
	if bin := assignOps[op.text]; bin != "" {
		e = &Binary{Op: bin, X: lhs, Y: e}
	}

	if name.text == "." {
		if !p.sections.InSections() {
			return p.wrap(name, DotNotAvailableErr)
		}
		p.sections.AddDotAssignment(e)
	} else {
		p.addAssignment(&Assignment{Name: name.text, Expr: e, Provide: provide, Hidden: hidden})
	}
	p.endStatement()
	return nil
}

func (p *parser) parseSections() error {
	if err := p.expect(modeScript, "{"); err != nil {
		return err
	}
	p.sections.StartSections()
	defer p.sections.FinishSections()

	for {
		t := p.peekIn(modeScript)
		switch {
		case t.is("}"):
			p.nextIn(modeScript)
			return nil
		case t.is(";"):
			p.nextIn(modeScript)
		case t.isName("ASSERT"):
			p.nextIn(modeScript)
			e, msg, err := p.parseAssert()
			if err != nil {
				return err
			}
			p.sections.AddAssertion(e, msg)
			p.endStatement()
		case t.isName("PROVIDE"), t.isName("PROVIDE_HIDDEN"), t.isName("HIDDEN"):
			if err := p.parseProvide(); err != nil {
				return err
			}
		case t.isName("INCLUDE"), t.isName("OVERLAY"):
			return p.wrap(t, fmt.Errorf("%w %s", UnsupportedCommandErr, t.text))
		case t.kind == tokName || t.kind == tokString:
			st := p.save()
			p.nextIn(modeScript)
			if isAssignOp(p.peekIn(modeExpression)) {
				p.restore(st)
				if err := p.parseAssignment(false, false); err != nil {
					return err
				}
				continue
			}
			if err := p.parseOutputSection(t); err != nil {
				return err
			}
		default:
			return p.unexpected(p.nextIn(modeScript))
		}
	}
}

// tryType reads `(NOLOAD)` after an output section name. Anything else in
// parentheses is left for the address expression.
func (p *parser) tryType(def *OutputSectionDefinition) (bool, error) {
	st := p.save()
	p.nextIn(modeScript)
	t := p.nextIn(modeScript)
	switch {
	case t.isName("NOLOAD"):
		def.NoLoad = true
	case t.isName("DSECT"), t.isName("COPY"), t.isName("INFO"), t.isName("OVERLAY"):
		return false, p.wrap(t, fmt.Errorf("%w section type %s", UnsupportedCommandErr, t.text))
	default:
		p.restore(st)
		return false, nil
	}
	return true, p.expect(modeScript, ")")
}

// parseOutputSection reads
//
//	name [addr] [(NOLOAD)] : [AT(lma)] [ALIGN(a)] [SUBALIGN(a)] [constraint]
//	    { ... } [:phdr ...] [=fill] [,]
func (p *parser) parseOutputSection(name token) error {
	def := newOutputSectionDefinition(name.text)

	for !p.peekIn(modeExpression).is(":") {
		if p.peekIn(modeExpression).is("(") {
			ok, err := p.tryType(def)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
		}
		if def.Address != nil {
			return p.unexpected(p.nextIn(modeExpression))
		}
		e, err := p.parseExpression()
		if err != nil {
			return err
		}
		def.Address = e
	}
	p.nextIn(modeExpression)

	if err := p.parseOutputSectionAttributes(def); err != nil {
		return err
	}

	if err := p.expect(modeScript, "{"); err != nil {
		return err
	}
	p.sections.StartOutputSection(def)
	if err := p.parseOutputSectionBody(); err != nil {
		return err
	}

	var phdrs []string
	var fill Expr
	for {
		t := p.peekIn(modeScript)
		switch {
		case t.is(">"):
			return p.wrap(t, fmt.Errorf("%w memory region", UnsupportedCommandErr))
		case t.isName("AT") && p.atRegion():
			return p.wrap(t, fmt.Errorf("%w memory region", UnsupportedCommandErr))
		case t.is(":"):
			p.nextIn(modeScript)
			n, err := p.name()
			if err != nil {
				return err
			}
			phdrs = append(phdrs, n.text)
			continue
		case t.is("="):
			p.nextIn(modeScript)
			e, err := p.parseExpression()
			if err != nil {
				return err
			}
			fill = e
		}
		break
	}
	p.accept(modeScript, ",")
	p.sections.FinishOutputSection(fill, phdrs)
	return nil
}

// atRegion reports whether AT is followed by '>'.
func (p *parser) atRegion() bool {
	st := p.save()
	defer p.restore(st)
	p.nextIn(modeScript)
	return p.peekIn(modeExpression).is(">")
}

func (p *parser) parenExpression() (Expr, error) {
	if err := p.expect(modeExpression, "("); err != nil {
		return nil, err
	}
	e, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	return e, p.expect(modeExpression, ")")
}

func (p *parser) parseOutputSectionAttributes(def *OutputSectionDefinition) error {
	for {
		t := p.peekIn(modeExpression)
		if t.kind != tokName {
			return nil
		}
		var err error
		switch t.text {
		case "AT":
			p.nextIn(modeExpression)
			def.LoadAddress, err = p.parenExpression()
		case "ALIGN":
			p.nextIn(modeExpression)
			def.Align, err = p.parenExpression()
		case "SUBALIGN":
			p.nextIn(modeExpression)
			def.Subalign, err = p.parenExpression()
		case "ONLY_IF_RO":
			p.nextIn(modeExpression)
			def.Constraint = OnlyIfRO
		case "ONLY_IF_RW":
			p.nextIn(modeExpression)
			def.Constraint = OnlyIfRW
		case "SPECIAL":
			p.nextIn(modeExpression)
			def.Constraint = ConstraintSpecial
		default:
			return p.unexpected(p.nextIn(modeExpression))
		}
		if err != nil {
			return err
		}
	}
}

var dataSizes = map[string]struct {
	size   int
	signed bool
}{
	"BYTE":  {1, false},
	"SHORT": {2, false},
	"LONG":  {4, false},
	"QUAD":  {8, false},
	"SQUAD": {8, true},
}

func (p *parser) parseOutputSectionBody() error {
	for {
		t := p.peekIn(modeScript)
		switch {
		case t.is("}"):
			p.nextIn(modeScript)
			return nil
		case t.is(";"):
			p.nextIn(modeScript)
			continue
		case t.kind != tokName && t.kind != tokString:
			return p.unexpected(p.nextIn(modeScript))
		}

		if d, ok := dataSizes[t.text]; ok && t.kind == tokName {
			p.nextIn(modeScript)
			e, err := p.parenExpression()
			if err != nil {
				return err
			}
			p.sections.AddData(d.size, d.signed, e)
			p.endStatement()
			continue
		}

		var err error
		switch {
		case t.isName("ASSERT"):
			p.nextIn(modeScript)
			var e Expr
			var msg string
			if e, msg, err = p.parseAssert(); err == nil {
				p.sections.AddAssertion(e, msg)
				p.endStatement()
			}
		case t.isName("FILL"):
			p.nextIn(modeScript)
			var e Expr
			if e, err = p.parenExpression(); err == nil {
				p.sections.AddFill(e)
				p.endStatement()
			}
		case t.isName("CONSTRUCTORS"):
			p.nextIn(modeScript)
		case t.isName("PROVIDE"), t.isName("PROVIDE_HIDDEN"), t.isName("HIDDEN"):
			err = p.parseProvide()
		case t.isName("INCLUDE"):
			err = p.wrap(t, fmt.Errorf("%w %s", UnsupportedCommandErr, t.text))
		case t.isName("KEEP"):
			p.nextIn(modeScript)
			if err = p.expect(modeScript, "("); err == nil {
				if err = p.parseInputSpec(true); err == nil {
					err = p.expect(modeScript, ")")
				}
			}
		default:
			st := p.save()
			p.nextIn(modeScript)
			assign := isAssignOp(p.peekIn(modeExpression))
			p.restore(st)
			if assign {
				err = p.parseAssignment(false, false)
			} else {
				err = p.parseInputSpec(false)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (p *parser) pattern(t token) (Pattern, error) {
	pat, err := NewPattern(t.text)
	if err != nil {
		return pat, p.errorf(t, "bad pattern %q: %v", t.text, err)
	}
	return pat, nil
}

func (p *parser) parseExcludeFile() ([]Pattern, error) {
	if err := p.expect(modeScript, "("); err != nil {
		return nil, err
	}
	var out []Pattern
	for !p.accept(modeScript, ")") {
		if p.accept(modeScript, ",") {
			continue
		}
		t, err := p.name()
		if err != nil {
			return nil, err
		}
		pat, err := p.pattern(t)
		if err != nil {
			return nil, err
		}
		out = append(out, pat)
	}
	return out, nil
}

var sortNames = map[string]SortMode{
	"SORT_NONE":             SortNone,
	"SORT":                  SortByName,
	"SORT_BY_NAME":          SortByName,
	"SORT_BY_ALIGNMENT":     SortByAlignment,
	"SORT_BY_INIT_PRIORITY": SortByInitPriority,
}

// parseInputSpec reads `[EXCLUDE_FILE(..)] file[(sections)]` where file may
// be wrapped in SORT.
func (p *parser) parseInputSpec(keep bool) error {
	var exclusions []Pattern
	if p.peekIn(modeScript).isName("EXCLUDE_FILE") {
		p.nextIn(modeScript)
		ex, err := p.parseExcludeFile()
		if err != nil {
			return err
		}
		exclusions = ex
	}

	fileSort := SortNone
	t, err := p.name()
	if err != nil {
		return err
	}
	if mode, ok := sortNames[t.text]; ok && t.kind == tokName && p.peekIn(modeScript).is("(") {
		if mode != SortByName && mode != SortNone {
			return p.errorf(t, "%s is not allowed for file names", t.text)
		}
		fileSort = mode
		p.nextIn(modeScript)
		if t, err = p.name(); err != nil {
			return err
		}
		if err := p.expect(modeScript, ")"); err != nil {
			return err
		}
	}
	file, err := p.pattern(t)
	if err != nil {
		return err
	}

	var patterns []InputSectionPattern
	if p.accept(modeScript, "(") {
		for !p.accept(modeScript, ")") {
			if p.accept(modeScript, ",") {
				continue
			}
			n := p.peekIn(modeScript)
			if n.isName("EXCLUDE_FILE") {
				p.nextIn(modeScript)
				ex, err := p.parseExcludeFile()
				if err != nil {
					return err
				}
				exclusions = append(exclusions, ex...)
				continue
			}
			pat, err := p.parseSectionPattern()
			if err != nil {
				return err
			}
			patterns = append(patterns, pat)
		}
	}

	p.sections.AddInputSection(NewInputSpec(file, fileSort, exclusions, patterns, keep))
	return nil
}

// parseSectionPattern reads a section name pattern with up to two nested
// sort keywords.
func (p *parser) parseSectionPattern() (InputSectionPattern, error) {
	t, err := p.name()
	if err != nil {
		return InputSectionPattern{}, err
	}
	outer, ok := sortNames[t.text]
	if !ok || t.kind != tokName || !p.peekIn(modeScript).is("(") {
		pat, err := p.pattern(t)
		return InputSectionPattern{Pattern: pat}, err
	}
	p.nextIn(modeScript)

	mode := outer
	if t, err = p.name(); err != nil {
		return InputSectionPattern{}, err
	}
	if inner, ok := sortNames[t.text]; ok && t.kind == tokName && p.peekIn(modeScript).is("(") {
		mode = nestedSort(outer, inner)
		p.nextIn(modeScript)
		if t, err = p.name(); err != nil {
			return InputSectionPattern{}, err
		}
		if err := p.expect(modeScript, ")"); err != nil {
			return InputSectionPattern{}, err
		}
	}
	if err := p.expect(modeScript, ")"); err != nil {
		return InputSectionPattern{}, err
	}
	pat, err := p.pattern(t)
	return InputSectionPattern{Pattern: pat, Sort: mode}, err
}

func nestedSort(outer, inner SortMode) SortMode {
	switch {
	case outer == SortByName && inner == SortByAlignment:
		return SortByNameByAlignment
	case outer == SortByAlignment && inner == SortByName:
		return SortByAlignmentByName
	}
	return outer
}

func (p *parser) parsePhdrs() error {
	if err := p.expect(modeScript, "{"); err != nil {
		return err
	}
	if p.sections.phdrs == nil {
		p.sections.phdrs = []*PhdrsElement{}
	}
	for !p.accept(modeScript, "}") {
		if p.accept(modeScript, ";") {
			continue
		}
		name, err := p.name()
		if err != nil {
			return err
		}
		ph := &PhdrsElement{Name: name.text, segment: NoSegment}

		t := p.nextIn(modeExpression)
		switch t.kind {
		case tokName:
			typ, ok := elf.SegmentTypeByName(t.text)
			if !ok {
				return p.errorf(t, "unknown segment type %s", t.text)
			}
			ph.Type = typ
		case tokNumber:
			ph.Type = elf.SegmentType(t.value)
		default:
			return p.unexpected(t)
		}

		for !p.accept(modeExpression, ";") {
			t := p.nextIn(modeExpression)
			switch {
			case t.isName("FILEHDR"):
				ph.IncludesFilehdr = true
			case t.isName("PHDRS"):
				ph.IncludesPhdrs = true
			case t.isName("AT"):
				if ph.LoadAddress, err = p.parenExpression(); err != nil {
					return err
				}
			case t.isName("FLAGS"):
				e, err := p.parenExpression()
				if err != nil {
					return err
				}
				flags, err := constantValue(e)
				if err != nil {
					return p.wrap(t, err)
				}
				ph.HasFlags = true
				ph.Flags = elf.SegmentFlag(flags)
			default:
				return p.unexpected(t)
			}
		}
		p.sections.AddPhdr(ph)
	}
	return nil
}

// constantValue evaluates an expression that may only use numbers.
func constantValue(e Expr) (uint64, error) {
	env := &Env{Symtab: symtab.New(), Layout: layout.New(layout.DefaultTarget())}
	return Eval(e, env, true)
}

var binaryPrecedence = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"^":  4,
	"&":  5,
	"==": 6,
	"!=": 6,
	"<":  7,
	">":  7,
	"<=": 7,
	">=": 7,
	"<<": 8,
	">>": 8,
	"+":  9,
	"-":  9,
	"*":  10,
	"/":  10,
	"%":  10,
}

func (p *parser) parseExpression() (Expr, error) {
	p.lex.pushMode(modeExpression)
	defer p.lex.popMode()
	return p.parseTernary()
}

func (p *parser) parseTernary() (Expr, error) {
	cond, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if !p.accept(modeExpression, "?") {
		return cond, nil
	}
	x, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(modeExpression, ":"); err != nil {
		return nil, err
	}
	y, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &Ternary{Cond: cond, X: x, Y: y}, nil
}

func (p *parser) parseBinary(minPrec int) (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peekIn(modeExpression)
		prec, ok := binaryPrecedence[t.text]
		if t.kind != tokOp || !ok || prec < minPrec {
			return x, nil
		}
		p.nextIn(modeExpression)
		y, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		x = &Binary{Op: t.text, X: x, Y: y}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	t := p.peekIn(modeExpression)
	if t.is("-") || t.is("+") || t.is("!") || t.is("~") {
		p.nextIn(modeExpression)
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: t.text, X: x}, nil
	}
	return p.parsePrimary()
}

var sectionFuncs = map[string]bool{
	"ADDR":     true,
	"LOADADDR": true,
	"SIZEOF":   true,
	"ALIGNOF":  true,
}

var callArgs = map[string][]int{
	"ABSOLUTE":               {1},
	"ALIGN":                  {1, 2},
	"BLOCK":                  {1},
	"NEXT":                   {1},
	"MAX":                    {2},
	"MIN":                    {2},
	"LOG2CEIL":               {1},
	"DATA_SEGMENT_ALIGN":     {2},
	"DATA_SEGMENT_RELRO_END": {2},
	"DATA_SEGMENT_END":       {1},
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.nextIn(modeExpression)
	switch {
	case t.kind == tokNumber:
		return &Integer{Value: t.value}, nil
	case t.kind == tokString:
		p.script.reference(t.text)
		return &SymbolRef{Name: t.text}, nil
	case t.is("("):
		e, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		return e, p.expect(modeExpression, ")")
	case t.kind != tokName:
		return nil, p.unexpected(t)
	}

	switch t.text {
	case ".":
		return &DotRef{}, nil
	case "SIZEOF_HEADERS":
		return &SizeofHeaders{}, nil
	case "MAXPAGESIZE", "COMMONPAGESIZE":
		return &Constant{Name: t.text}, nil
	}

	if !p.peekIn(modeExpression).is("(") {
		p.script.reference(t.text)
		return &SymbolRef{Name: t.text}, nil
	}

	switch {
	case sectionFuncs[t.text]:
		name, err := p.parenName()
		if err != nil {
			return nil, err
		}
		return &SectionFunc{Func: t.text, Section: name}, nil

	case t.text == "DEFINED":
		name, err := p.parenName()
		if err != nil {
			return nil, err
		}
		return &Defined{Name: name}, nil

	case t.text == "CONSTANT":
		name, err := p.parenName()
		if err != nil {
			return nil, err
		}
		if name != "MAXPAGESIZE" && name != "COMMONPAGESIZE" {
			return nil, p.errorf(t, "unknown constant %s", name)
		}
		return &Constant{Name: name}, nil

	case t.text == "SEGMENT_START":
		return p.parseSegmentStart()

	case t.text == "ASSERT":
		e, msg, err := p.parseAssert()
		if err != nil {
			return nil, err
		}
		return &AssertExpr{X: e, Message: msg}, nil

	case callArgs[t.text] != nil:
		return p.parseCall(t)
	}
	return nil, p.errorf(t, "unknown function %s", t.text)
}

func (p *parser) parseSegmentStart() (Expr, error) {
	if err := p.expect(modeScript, "("); err != nil {
		return nil, err
	}
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	if err := p.expect(modeExpression, ","); err != nil {
		return nil, err
	}
	def, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &SegmentStart{Segment: name.text, Default: def}, p.expect(modeExpression, ")")
}

func (p *parser) parseCall(t token) (Expr, error) {
	if err := p.expect(modeExpression, "("); err != nil {
		return nil, err
	}
	call := &Call{Func: t.text}
	for !p.accept(modeExpression, ")") {
		if len(call.Args) > 0 {
			if err := p.expect(modeExpression, ","); err != nil {
				return nil, err
			}
		}
		e, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, e)
	}

	valid := false
	for _, n := range callArgs[t.text] {
		valid = valid || n == len(call.Args)
	}
	if !valid {
		return nil, p.errorf(t, "wrong number of arguments to %s", t.text)
	}

	if !p.sections.InSections() {
		return call, nil
	}
	var err error
	switch t.text {
	case "DATA_SEGMENT_ALIGN":
		err = p.sections.DataSegmentAlign()
	case "DATA_SEGMENT_RELRO_END":
		err = p.sections.DataSegmentRelroEnd()
	}
	if err != nil {
		return nil, p.wrap(t, err)
	}
	if t.text == "DATA_SEGMENT_ALIGN" {
		log.Debugf("relro region starts at element %d", len(p.sections.elements))
	}
	return call, nil
}
