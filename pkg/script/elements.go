package script

import (
	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/symtab"
)

// Element is a statement inside an output section body: *Assignment,
// *DotAssignment, *Assertion, *Data, *Fill or *InputSpec.
type Element interface {
	element()
}

// SectionsElement is a statement of the SECTIONS clause: *Assignment,
// *DotAssignment, *Assertion, *OutputSectionDefinition or *OrphanMarker.
type SectionsElement interface {
	sectionsElement()
}

// Assignment is `name = expr`, optionally wrapped in PROVIDE, HIDDEN or
// PROVIDE_HIDDEN.
type Assignment struct {
	Name    string
	Expr    Expr
	Provide bool
	Hidden  bool

	// nil until added to the symbol table, and for a PROVIDE nobody needs
	sym *symtab.Symbol
}

type DotAssignment struct {
	Expr Expr
}

type Assertion struct {
	Expr    Expr
	Message string
}

// Data is BYTE, SHORT, LONG, QUAD or SQUAD.
type Data struct {
	Size   int
	Signed bool
	Expr   Expr

	entry   *layout.Entry
	section layout.SectionID
}

type Fill struct {
	Expr Expr
}

func (*Assignment) element()    {}
func (*DotAssignment) element() {}
func (*Assertion) element()     {}
func (*Data) element()          {}
func (*Fill) element()          {}
func (*InputSpec) element()     {}

func (*Assignment) sectionsElement()              {}
func (*DotAssignment) sectionsElement()           {}
func (*Assertion) sectionsElement()               {}
func (*OutputSectionDefinition) sectionsElement() {}
func (*OrphanMarker) sectionsElement()            {}

type Constraint int

const (
	ConstraintNone Constraint = iota
	OnlyIfRO
	OnlyIfRW
	ConstraintSpecial
)

func (c Constraint) String() string {
	switch c {
	case OnlyIfRO:
		return "ONLY_IF_RO"
	case OnlyIfRW:
		return "ONLY_IF_RW"
	case ConstraintSpecial:
		return "SPECIAL"
	}
	return "NONE"
}

// OutputSectionDefinition is one `name [addr] : [AT(..)] { ... }` statement.
type OutputSectionDefinition struct {
	Name        string
	Address     Expr
	LoadAddress Expr
	Align       Expr
	Subalign    Expr
	Constraint  Constraint
	NoLoad      bool
	Fill        Expr

	// Phdrs is nil when the definition names no segments and inherits the
	// previous list.
	Phdrs    []string
	Elements []Element

	// IsRelro is set for definitions between DATA_SEGMENT_ALIGN and
	// DATA_SEGMENT_RELRO_END.
	IsRelro bool

	section layout.SectionID

	evaluatedAddress     uint64
	evaluatedLoadAddress uint64
	evaluatedAlign       uint64
}

func newOutputSectionDefinition(name string) *OutputSectionDefinition {
	return &OutputSectionDefinition{Name: name, section: layout.NoSection}
}

// Section is the created output section, or NoSection.
func (d *OutputSectionDefinition) Section() layout.SectionID {
	return d.section
}

// SetSection attaches an output section made by the caller.
func (d *OutputSectionDefinition) SetSection(id layout.SectionID) {
	d.section = id
}

// CreateSection makes the output section for this definition. NOLOAD
// sections occupy no file space.
func (d *OutputSectionDefinition) CreateSection(l *layout.Layout, typ elf.SectionType, flags elf.SectionFlag) layout.SectionID {
	id := l.MakeOutputSection(d.Name, typ, flags)
	if d.NoLoad {
		os := l.Section(id)
		os.IsNoload = true
		os.Type = elf.SHT_NOBITS
	}
	d.section = id
	return id
}

// needsOutputSection reports whether the body emits bytes of its own.
func (d *OutputSectionDefinition) needsOutputSection() bool {
	for _, el := range d.Elements {
		if _, ok := el.(*Data); ok {
			return true
		}
	}
	return false
}

// OrphanMarker records where an output section no definition asked for is
// laid out.
type OrphanMarker struct {
	section layout.SectionID
}

func (m *OrphanMarker) Section() layout.SectionID {
	return m.section
}
