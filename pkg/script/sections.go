package script

import (
	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
	"github.com/andreistan26/golayout/pkg/symtab"
)

// Options is the part of the link configuration address assignment reads.
type Options struct {
	Relocatable bool
	// Omagic lets writable sections share a segment with read-only ones
	// and keeps the headers out of the segments.
	Omagic bool
	Nmagic bool
	// Relro enables DATA_SEGMENT_RELRO_END padding.
	Relro bool
	// SegmentStarts overrides SEGMENT_START, keyed by segment name such as
	// "text-segment".
	SegmentStarts map[string]uint64
}

// DiscardName is the output section name that drops its inputs.
const DiscardName = "/DISCARD/"

// Sections holds the SECTIONS and PHDRS clauses. Once a SECTIONS clause was
// seen it governs the placement of every output section.
type Sections struct {
	opts Options

	sawSections bool
	inSections  bool

	elements []SectionsElement
	// nil without a PHDRS clause
	phdrs []*PhdrsElement

	// definition whose body is being parsed
	current *OutputSectionDefinition

	sawDataSegmentAlign   bool
	dataSegmentAlignIndex int
	sawRelroEnd           bool

	orphans *orphanPlaces
}

func NewSections(opts Options) *Sections {
	return &Sections{opts: opts}
}

func (s *Sections) SetOptions(opts Options) {
	s.opts = opts
}

func (s *Sections) SawSections() bool {
	return s.sawSections
}

func (s *Sections) HasPhdrs() bool {
	return s.phdrs != nil
}

func (s *Sections) Elements() []SectionsElement {
	return s.elements
}

func (s *Sections) Phdrs() []*PhdrsElement {
	return s.phdrs
}

func (s *Sections) StartSections() {
	s.sawSections = true
	s.inSections = true
}

func (s *Sections) FinishSections() {
	s.inSections = false
}

func (s *Sections) InSections() bool {
	return s.inSections
}

func (s *Sections) add(el SectionsElement, inner Element) {
	if s.current != nil {
		s.current.Elements = append(s.current.Elements, inner)
		return
	}
	s.elements = append(s.elements, el)
}

func (s *Sections) AddSymbolAssignment(a *Assignment) {
	s.add(a, a)
}

func (s *Sections) AddDotAssignment(e Expr) {
	d := &DotAssignment{Expr: e}
	s.add(d, d)
}

func (s *Sections) AddAssertion(e Expr, message string) {
	a := &Assertion{Expr: e, Message: message}
	s.add(a, a)
}

func (s *Sections) StartOutputSection(def *OutputSectionDefinition) {
	s.elements = append(s.elements, def)
	s.current = def
}

func (s *Sections) FinishOutputSection(fill Expr, phdrs []string) {
	if s.current == nil {
		return
	}
	s.current.Fill = fill
	s.current.Phdrs = phdrs
	s.current = nil
}

func (s *Sections) AddData(size int, signed bool, e Expr) {
	if s.current == nil {
		return
	}
	s.current.Elements = append(s.current.Elements, &Data{Size: size, Signed: signed, Expr: e, section: layout.NoSection})
}

func (s *Sections) AddFill(e Expr) {
	if s.current == nil {
		return
	}
	s.current.Elements = append(s.current.Elements, &Fill{Expr: e})
}

func (s *Sections) AddInputSection(spec *InputSpec) {
	if s.current == nil {
		return
	}
	s.current.Elements = append(s.current.Elements, spec)
}

// DataSegmentAlign remembers where the relro region may start. Elements
// added from here on are candidates.
func (s *Sections) DataSegmentAlign() error {
	if s.sawDataSegmentAlign {
		return DataSegmentAlignErr
	}
	s.sawDataSegmentAlign = true
	s.dataSegmentAlignIndex = len(s.elements)
	return nil
}

// DataSegmentRelroEnd marks every definition added since
// DATA_SEGMENT_ALIGN as relro.
func (s *Sections) DataSegmentRelroEnd() error {
	if s.sawRelroEnd {
		return DataSegmentRelroErr
	}
	if !s.sawDataSegmentAlign {
		return RelroWithoutAlignErr
	}
	s.sawRelroEnd = true

	for _, el := range s.elements[s.dataSegmentAlignIndex:] {
		if def, ok := el.(*OutputSectionDefinition); ok {
			def.IsRelro = true
		}
	}
	return nil
}

func (s *Sections) AddPhdr(p *PhdrsElement) {
	if s.phdrs == nil {
		s.phdrs = []*PhdrsElement{}
	}
	s.phdrs = append(s.phdrs, p)
}

// UseDefaultLayout turns a script without SECTIONS into one that starts
// the image at the text segment base, leaving every output section to
// orphan placement.
func (s *Sections) UseDefaultLayout(base uint64) {
	s.sawSections = true
	s.elements = append(s.elements, &DotAssignment{
		Expr: &Binary{
			Op: "+",
			X:  &SegmentStart{Segment: "text-segment", Default: &Integer{Value: base}},
			Y:  &SizeofHeaders{},
		},
	})
}

func (s *Sections) definitions() []*OutputSectionDefinition {
	out := []*OutputSectionDefinition{}
	for _, el := range s.elements {
		if def, ok := el.(*OutputSectionDefinition); ok {
			out = append(out, def)
		}
	}
	return out
}

// Mapping is where an input section goes.
type Mapping struct {
	// Name is the output section name; for orphans the input name.
	Name    string
	Discard bool
	Keep    bool
	// Definition is nil for orphans.
	Definition *OutputSectionDefinition
}

// OutputSectionName finds the first definition, in script order, with a
// statement matching the input section.
func (s *Sections) OutputSectionName(file, section string) Mapping {
	for _, def := range s.definitions() {
		for _, el := range def.Elements {
			spec, ok := el.(*InputSpec)
			if !ok || !spec.MatchName(file, section) {
				continue
			}
			if def.Name == DiscardName {
				return Mapping{Name: def.Name, Discard: true}
			}
			return Mapping{Name: def.Name, Keep: spec.Keep, Definition: def}
		}
	}
	return Mapping{Name: section}
}

// MapInputSection queues an input in its output section, creating the
// section on first use. Inputs no definition matches go to an orphan
// section called orphanName, or the input name when that is empty. It
// reports false for discarded inputs.
func (s *Sections) MapInputSection(l *layout.Layout, in *layout.InputSection, orphanName string) (layout.SectionID, bool) {
	m := s.OutputSectionName(in.File, in.Name)
	if m.Discard {
		log.Debugf("discarding %s(%s)", in.File, in.Name)
		return layout.NoSection, false
	}
	in.Keep = in.Keep || m.Keep

	if def := m.Definition; def != nil {
		id := def.section
		if id == layout.NoSection {
			id = def.CreateSection(l, in.Type, in.Flags)
		}
		l.Section(id).AddInputSection(in)
		return id, true
	}

	if orphanName == "" {
		orphanName = in.Name
	}
	id, ok := l.FindOutputSectionWith(orphanName, in.Type, in.Flags)
	if !ok || s.ownedByDefinition(id) {
		id = l.MakeOutputSection(orphanName, in.Type, in.Flags)
		s.PlaceOrphan(l, id)
	}
	l.Section(id).AddInputSection(in)
	return id, true
}

// MapRawData attaches linker generated contents to the output section
// called name, routed the way an input section of that name would be.
func (s *Sections) MapRawData(l *layout.Layout, name string, typ elf.SectionType, flags elf.SectionFlag, data []byte) (layout.SectionID, bool) {
	m := s.OutputSectionName("", name)
	if m.Discard {
		return layout.NoSection, false
	}

	var id layout.SectionID
	if def := m.Definition; def != nil {
		id = def.section
		if id == layout.NoSection {
			id = def.CreateSection(l, typ, flags)
		}
	} else {
		var ok bool
		id, ok = l.FindOutputSectionWith(m.Name, typ, flags)
		if !ok || s.ownedByDefinition(id) {
			id = l.MakeOutputSection(m.Name, typ, flags)
			s.PlaceOrphan(l, id)
		}
	}
	l.Section(id).AddRawDataBlob(data, 0)
	return id, true
}

func (s *Sections) ownedByDefinition(id layout.SectionID) bool {
	for _, def := range s.definitions() {
		if def.section == id {
			return true
		}
	}
	return false
}

// CreateSections makes output sections for definitions that emit data and
// matched no input.
func (s *Sections) CreateSections(l *layout.Layout) {
	for _, def := range s.definitions() {
		if def.section != layout.NoSection || !def.needsOutputSection() {
			continue
		}
		def.CreateSection(l, elf.SHT_PROGBITS, elf.SHF_ALLOC)
		log.Debugf("created output section %s for data statements", def.Name)
	}
}

func (a *Assignment) addToTable(tab *symtab.Table) {
	vis := symtab.VisibilityDefault
	if a.Hidden {
		vis = symtab.VisibilityHidden
	}
	a.sym = tab.DefineConstant(a.Name, 0, vis, a.Provide, true)
}

// addSymbolsToTable registers every assignment before any is evaluated,
// so expressions may refer to symbols assigned further down.
func (s *Sections) addSymbolsToTable(tab *symtab.Table) {
	for _, el := range s.elements {
		switch el := el.(type) {
		case *Assignment:
			el.addToTable(tab)
		case *OutputSectionDefinition:
			for _, inner := range el.Elements {
				if a, ok := inner.(*Assignment); ok {
					a.addToTable(tab)
				}
			}
		}
	}
}

// outputSection returns the section owned by a definition or marker.
func outputSection(el SectionsElement) layout.SectionID {
	switch el := el.(type) {
	case *OutputSectionDefinition:
		return el.section
	case *OrphanMarker:
		return el.section
	}
	return layout.NoSection
}
